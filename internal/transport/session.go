// internal/transport/session.go
package transport

import (
	"context"
	"time"

	"instrument-service/internal/model"
)

// Session is one live channel to one instrument. Implementations are not
// internally safe for concurrent callers: a session belongs to exactly one
// owner, which serializes access. Query is the only compound operation and
// holds the session's I/O lock across the write and the read, so no other
// write from the same session can interleave (instruments are half-duplex).
type Session interface {
	// Open establishes the underlying channel and performs one-time setup.
	// Fails with ErrUnreachable when the address, port or device cannot be
	// reached and ErrBusy when the port or bus is claimed elsewhere.
	Open(ctx context.Context) error

	// Write frames the command with the session's terminator and transmits
	// it whole. A transfer that cannot complete before the deadline is
	// ErrTimeout, never a silent short write.
	Write(ctx context.Context, command string) error

	// Read blocks until the terminator policy reports a complete response
	// or the deadline elapses, and returns the payload with the terminator
	// stripped. A payload that does not decode as text is ErrMalformed.
	Read(ctx context.Context) (string, error)

	// Query is write immediately followed by read, atomic per session.
	Query(ctx context.Context, command string) (string, error)

	// Close releases the underlying channel. Idempotent. After Close every
	// other operation fails with ErrDisconnected without touching I/O.
	Close() error

	// IsOpen reports whether the session is usable.
	IsOpen() bool

	// Kind identifies the transport variant.
	Kind() model.TransportKind

	// Parameters returns the registry entry this session was built from.
	Parameters() model.ConnectionParameters
}

// Config carries the transport-wide defaults that the instrument registry
// does not specify per entry. Values come from the application config.
type Config struct {
	// Timeout bounds each open/write/read operation.
	Timeout time.Duration

	// DefaultBaudRate applies to serial entries that omit baud_rate.
	DefaultBaudRate int

	// GPIBControllerPort is the serial device of the local GPIB controller
	// used for direct bus-addressed entries.
	GPIBControllerPort string

	// GatewayPort is the TCP port of GPIB/LAN gateway units.
	GatewayPort int

	// ReadBufferSize is the per-read chunk size for stream transports.
	ReadBufferSize int
}

// withDefaults fills unset fields so session code never has to guard them.
func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.DefaultBaudRate <= 0 {
		c.DefaultBaudRate = 9600
	}
	if c.GatewayPort <= 0 {
		c.GatewayPort = 1234
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 1024
	}
	return c
}

// deadline derives the effective I/O deadline for one operation, honoring a
// caller-supplied context deadline when it is sooner than the configured
// per-operation timeout.
func (c Config) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.Timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}
