package dialer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PetroPower/lifecycle/pool"
	"github.com/jackc/pgx/v5"
)

// ErrInTransaction is returned by Postgres.Recycle for a connection left inside a transaction.
var ErrInTransaction = errors.New("connection returned inside a transaction")

// Postgres opens single pgx connections. Pooling is left to pool.Pool.
type Postgres struct {
	config *pgx.ConnConfig
	// CloseTimeout bounds the terminate message sent by Destroy.
	CloseTimeout time.Duration
}

var (
	_ pool.Manager[*pgx.Conn]   = (*Postgres)(nil)
	_ pool.Recycler[*pgx.Conn]  = (*Postgres)(nil)
	_ pool.Destroyer[*pgx.Conn] = (*Postgres)(nil)
)

// NewPostgres parses connString (URL or keyword/value form).
func NewPostgres(connString string) (*Postgres, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	return &Postgres{config: cfg, CloseTimeout: 5 * time.Second}, nil
}

func (p *Postgres) Create(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, p.config.Copy())
	if err != nil {
		return nil, fmt.Errorf("connect to postgres %s:%d: %w", p.config.Host, p.config.Port, err)
	}
	return conn, nil
}

func (p *Postgres) Validate(ctx context.Context, conn *pgx.Conn) error {
	if conn.IsClosed() {
		return errors.New("connection closed")
	}
	return conn.Ping(ctx)
}

// Recycle drops prepared statements so the next borrower starts clean.
func (p *Postgres) Recycle(ctx context.Context, conn *pgx.Conn) error {
	if conn.PgConn().TxStatus() != 'I' {
		return ErrInTransaction
	}
	return conn.DeallocateAll(ctx)
}

func (p *Postgres) Destroy(conn *pgx.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.CloseTimeout)
	defer cancel()
	return conn.Close(ctx)
}
