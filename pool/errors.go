package pool

import "errors"

var (
	// ErrClosed is returned by Acquire once Close has been called.
	ErrClosed = errors.New("pool: closed")
	// ErrConnectFailed wraps errors returned by Manager.Create.
	ErrConnectFailed = errors.New("pool: connect failed")
	// ErrValidationFailed wraps errors returned by Manager.Validate for a new connection.
	ErrValidationFailed = errors.New("pool: validation failed")
	// ErrTimeout is returned when the acquire deadline passes before a connection is available.
	// It is always joined with context.DeadlineExceeded.
	ErrTimeout = errors.New("pool: acquire timeout")
	// ErrExhausted is returned when every configured connect attempt failed. The last attempt's
	// error is wrapped alongside it.
	ErrExhausted = errors.New("pool: connect attempts exhausted")
)
