// Package resource provides scoped ownership of resources whose cleanup may block, and a registry
// that drives those cleanups in priority order at shutdown.
//
// A Guard wraps one resource and guarantees its cleanup runs exactly once. A Registry tracks
// resources by id and runs their cleanup on a fixed number of workers, highest Priority first:
//
//	reg := resource.NewRegistry(resource.DefaultConfig())
//	g := resource.NewGuard(conn, func(ctx context.Context, c net.Conn) error { return c.Close() })
//	if _, err := g.Track(reg, "tcp", resource.High); err != nil {
//		return err
//	}
//	...
//	report := reg.Close(ctx)
package resource
