// internal/transport/errors.go
package transport

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// Connection error taxonomy. Sessions wrap these with operation detail; the
// calling layer classifies with errors.Is and never retries internally.
var (
	ErrUnreachable  = errors.New("transport: instrument unreachable")
	ErrBusy         = errors.New("transport: channel already claimed")
	ErrTimeout      = errors.New("transport: operation timed out")
	ErrDisconnected = errors.New("transport: session disconnected")
	ErrMalformed    = errors.New("transport: malformed response payload")

	// ErrInvalidOperation marks an operation a given transport cannot
	// perform, such as a serial poll on a plain TCP channel.
	ErrInvalidOperation = errors.New("transport: operation not supported")
)

// classifyDialError maps a connect-time failure onto the taxonomy.
func classifyDialError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return ErrBusy
	}
	return ErrUnreachable
}

// classifyIOError maps a mid-stream failure onto the taxonomy. Anything
// that is not a deadline expiry means the channel was severed, so the
// session latches closed with ErrDisconnected.
func classifyIOError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return ErrDisconnected
	}
	return ErrDisconnected
}
