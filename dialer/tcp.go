package dialer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/PetroPower/lifecycle/pool"
)

// ErrUnexpectedData is returned by TCP.Validate when an idle connection has unread bytes.
var ErrUnexpectedData = errors.New("unexpected data on idle connection")

// TCP dials stream connections to a fixed address.
type TCP struct {
	Network string
	Address string
	// Dialer is used for Create. The zero value works.
	Dialer net.Dialer
	// ProbeTimeout bounds the liveness read in Validate. Defaults to 1ms.
	ProbeTimeout time.Duration
}

var _ pool.Manager[net.Conn] = (*TCP)(nil)

func NewTCP(network, address string) *TCP {
	return &TCP{
		Network: network,
		Address: address,
		Dialer:  net.Dialer{KeepAlive: 30 * time.Second},
	}
}

func (t *TCP) Create(ctx context.Context) (net.Conn, error) {
	conn, err := t.Dialer.DialContext(ctx, t.Network, t.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", t.Network, t.Address, err)
	}
	return conn, nil
}

// Validate does a short read. A timeout means the peer is still there and quiet; EOF or any other
// error means the connection is gone.
func (t *TCP) Validate(ctx context.Context, conn net.Conn) error {
	probe := t.ProbeTimeout
	if probe <= 0 {
		probe = time.Millisecond
	}
	deadline := time.Now().Add(probe)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	var buf [1]byte
	n, err := conn.Read(buf[:])
	switch {
	case n > 0:
		return ErrUnexpectedData
	case errors.Is(err, os.ErrDeadlineExceeded):
		return nil
	case errors.Is(err, io.EOF):
		return fmt.Errorf("peer closed connection: %w", err)
	default:
		return err
	}
}
