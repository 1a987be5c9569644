// Package pool provides a generic, bounded connection pool.
//
// A Pool owns up to Config.MaxConnections connections of one kind. It creates them lazily
// through a Manager, validates them before handing them out, and keeps released ones idle
// for reuse. Callers that find the pool at capacity wait in a FIFO queue: the longest
// waiting caller gets the next released connection.
//
// # Basic Usage
//
//	p, err := pool.New[net.Conn](dialer.NewTCP("tcp", "localhost:6379"), pool.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	pc, err := p.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pc.Release()
//
//	_, err = pc.Access().Write(payload)
//
// Connections that are known to be broken should be returned with Destroy instead of Release.
//
// # Maintenance
//
// A background goroutine started by New closes connections idle longer than
// Config.IdleTimeout, validates idle connections every Config.HealthCheckInterval and
// keeps at least Config.MinConnections idle connections open. It never takes capacity
// that a queued caller is waiting for.
package pool
