// Command lifecyclectl soaks a connection pool and a resource registry, then prints the shutdown
// report. Without -target it dials an echo server of its own.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PetroPower/lifecycle/config"
	"github.com/PetroPower/lifecycle/dialer"
	"github.com/PetroPower/lifecycle/introspect"
	"github.com/PetroPower/lifecycle/pool"
	"github.com/PetroPower/lifecycle/resource"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type flags struct {
	configPath  string
	target      string
	postgresURL string
	redisURL    string
	workers     int
	duration    time.Duration
	guardEvery  int
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "TOML config file")
	flag.StringVar(&f.target, "target", "", "TCP echo server to dial (default: start one locally)")
	flag.StringVar(&f.postgresURL, "postgres", "", "also pool connections to this PostgreSQL URL")
	flag.StringVar(&f.redisURL, "redis", "", "also pool connections to this redis:// URL")
	flag.IntVar(&f.workers, "workers", 8, "concurrent workers")
	flag.DurationVar(&f.duration, "duration", 10*time.Second, "how long to run")
	flag.IntVar(&f.guardEvery, "guard-every", 10, "create a tracked guard every n iterations")
	flag.Parse()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	log, err := cfg.Log.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, err := run(ctx, cfg, f, log)
	if err != nil {
		log.WithError(err).Error("soak failed")
	}
	log.WithFields(logrus.Fields{
		"completed": report.Completed,
		"failed":    report.Failed,
		"forced":    report.Forced,
		"elapsed":   report.Elapsed,
	}).Info("shutdown report")
	if err != nil || report.Err() != nil || report.Forced > 0 {
		os.Exit(1)
	}
}

// soaker is one pool exercised by the workers.
type soaker struct {
	name string
	use  func(ctx context.Context) error
}

func run(ctx context.Context, cfg *config.Config, f flags, log *logrus.Logger) (resource.ShutdownReport, error) {
	reg := resource.NewRegistry(cfg.RegistryConfig(), resource.WithLogger(log))
	shutdown := func() resource.ShutdownReport {
		deadline := cfg.Registry.DefaultCleanupDeadline.Std()
		if deadline <= 0 {
			deadline = 30 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), deadline)
		defer cancel()
		return reg.Close(sctx)
	}

	collector := introspect.NewCollector(reg, introspect.WithTTL(cfg.Introspect.CacheTTL.Std()), introspect.WithLogger(log))

	target := f.target
	if target == "" {
		addr, err := startEcho(reg, log)
		if err != nil {
			return shutdown(), err
		}
		target = addr
	}

	var soakers []soaker
	tcp, err := pool.New[net.Conn](dialer.NewTCP("tcp", target), cfg.PoolConfig(), pool.WithLogger(log.WithField("pool", "tcp")))
	if err != nil {
		return shutdown(), err
	}
	if err := trackPool(reg, "tcp", tcp); err != nil {
		return shutdown(), err
	}
	collector.AddPool("tcp", tcp)
	soakers = append(soakers, soaker{name: "tcp", use: func(ctx context.Context) error { return echo(ctx, tcp) }})

	if f.postgresURL != "" {
		m, err := dialer.NewPostgres(f.postgresURL)
		if err != nil {
			return shutdown(), err
		}
		pg, err := pool.New[*pgx.Conn](m, cfg.PoolConfig(), pool.WithLogger(log.WithField("pool", "postgres")))
		if err != nil {
			return shutdown(), err
		}
		if err := trackPool(reg, "postgres", pg); err != nil {
			return shutdown(), err
		}
		collector.AddPool("postgres", pg)
		soakers = append(soakers, soaker{name: "postgres", use: func(ctx context.Context) error {
			pc, err := pg.Acquire(ctx)
			if err != nil {
				return err
			}
			defer pc.Release()
			var one int
			return pc.Access().QueryRow(ctx, "SELECT 1").Scan(&one)
		}})
	}

	if f.redisURL != "" {
		m, err := dialer.NewRedisURL(f.redisURL)
		if err != nil {
			return shutdown(), err
		}
		rp, err := pool.New[*redis.Client](m, cfg.PoolConfig(), pool.WithLogger(log.WithField("pool", "redis")))
		if err != nil {
			return shutdown(), err
		}
		if err := trackPool(reg, "redis", rp); err != nil {
			return shutdown(), err
		}
		collector.AddPool("redis", rp)
		soakers = append(soakers, soaker{name: "redis", use: func(ctx context.Context) error {
			pc, err := rp.Acquire(ctx)
			if err != nil {
				return err
			}
			defer pc.Release()
			return pc.Access().Ping(ctx).Err()
		}})
	}

	if cfg.Introspect.Enabled {
		srv := &http.Server{
			Addr:              cfg.Introspect.Listen,
			Handler:           introspect.Handler(collector),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.WithField("addr", srv.Addr).Info("introspection listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("introspection server failed")
			}
		}()
		if _, err := reg.Register("http", resource.Critical, srv.Shutdown); err != nil {
			return shutdown(), err
		}
	}

	go func() {
		for fail := range reg.Failures() {
			log.WithError(fail.Err).WithField("id", fail.ID).Warn("background cleanup failed")
		}
	}()

	soakCtx, cancel := context.WithTimeout(ctx, f.duration)
	defer cancel()
	g, gctx := errgroup.WithContext(soakCtx)
	for i := 0; i < f.workers; i++ {
		g.Go(func() error {
			return work(gctx, reg, soakers, f.guardEvery, log)
		})
	}
	err = g.Wait()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = nil
	}

	log.WithField("snapshot", collector.Snapshot()).Info("soak finished")
	return shutdown(), err
}

func work(ctx context.Context, reg *resource.Registry, soakers []soaker, guardEvery int, log logrus.FieldLogger) error {
	for i := 1; ; i++ {
		for _, s := range soakers {
			if err := s.use(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.WithError(err).WithField("pool", s.name).Warn("iteration failed")
			}
		}
		if guardEvery > 0 && i%guardEvery == 0 {
			if err := guardScratch(ctx, reg, log); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// guardScratch tracks a short-lived buffer and ends it through one of the guard's paths at random.
func guardScratch(ctx context.Context, reg *resource.Registry, log logrus.FieldLogger) error {
	buf := make([]byte, 4096)
	g := resource.NewGuard(buf, func(context.Context, []byte) error {
		time.Sleep(time.Millisecond)
		return nil
	}, resource.WithLogger(log))
	tr, err := g.Track(reg, "scratch", resource.Priority(rand.IntN(int(resource.Critical)+1)))
	if err != nil {
		if errors.Is(err, resource.ErrClosed) {
			return g.Release(ctx)
		}
		return err
	}
	switch rand.IntN(3) {
	case 0:
		return g.Release(ctx)
	case 1:
		return g.Close()
	default:
		return tr.Schedule()
	}
}

func trackPool[C any](reg *resource.Registry, name string, p *pool.Pool[C]) error {
	_, err := reg.Register("pool/"+name, resource.High, func(context.Context) error {
		return p.Close()
	})
	return err
}

func echo(ctx context.Context, p *pool.Pool[net.Conn]) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	conn := pc.Access()
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(d)
	}
	msg := []byte("ping\n")
	var buf [5]byte
	_, err = conn.Write(msg)
	if err == nil {
		_, err = io.ReadFull(conn, buf[:])
	}
	_ = conn.SetDeadline(time.Time{})
	if err != nil {
		return errors.Join(err, pc.Destroy())
	}
	pc.Release()
	return nil
}

// startEcho serves an echo listener, tracked in reg so shutdown closes it last.
func startEcho(reg *resource.Registry, log logrus.FieldLogger) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	if _, err := reg.Register("listener", resource.Low, func(context.Context) error { return ln.Close() }); err != nil {
		return "", errors.Join(err, ln.Close())
	}
	log.WithField("addr", ln.Addr().String()).Info("echo server listening")
	return ln.Addr().String(), nil
}
