// Package instrument provides a high-level facade over a transport session,
// covering the message-based conventions shared by most bench instruments.
package instrument

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"instrument-service/internal/transport"
)

// StatusPoller is implemented by sessions that support a serial poll.
type StatusPoller interface {
	StatusByte(ctx context.Context) (byte, error)
}

// Instrument wraps a transport session with common SCPI-style helpers.
type Instrument struct {
	session transport.Session
}

// New wraps an already constructed session.
func New(session transport.Session) *Instrument {
	return &Instrument{session: session}
}

// Session returns the underlying transport session.
func (i *Instrument) Session() transport.Session {
	return i.session
}

// Ident queries the instrument identification string.
func (i *Instrument) Ident(ctx context.Context) (string, error) {
	response, err := i.session.Query(ctx, "*IDN?")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response), nil
}

// Reset issues a device reset.
func (i *Instrument) Reset(ctx context.Context) error {
	return i.session.Write(ctx, "*RST")
}

// Query forwards a command and returns the response.
func (i *Instrument) Query(ctx context.Context, command string) (string, error) {
	return i.session.Query(ctx, command)
}

// Write forwards a command without reading a response.
func (i *Instrument) Write(ctx context.Context, command string) error {
	return i.session.Write(ctx, command)
}

// StatusBits performs a serial poll and returns the status byte as
// individual bits, least significant first. Only sessions over a GPIB
// gateway support polling.
func (i *Instrument) StatusBits(ctx context.Context) ([8]bool, error) {
	var bits [8]bool
	poller, ok := i.session.(StatusPoller)
	if !ok {
		return bits, fmt.Errorf("%w: transport %q does not support serial poll",
			transport.ErrInvalidOperation, i.session.Kind())
	}
	status, err := poller.StatusByte(ctx)
	if err != nil {
		return bits, err
	}
	for bit := 0; bit < 8; bit++ {
		bits[bit] = status&(1<<bit) != 0
	}
	return bits, nil
}

// Close releases the underlying session.
func (i *Instrument) Close() error {
	return i.session.Close()
}

// DecodeBinaryBlock parses an IEEE 488.2 definite-length block
// ("#<n><length digits><payload>") and returns the payload bytes.
func DecodeBinaryBlock(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != '#' {
		return nil, fmt.Errorf("%w: binary block must start with '#'", transport.ErrMalformed)
	}
	digits := int(data[1] - '0')
	if digits < 1 || digits > 9 {
		return nil, fmt.Errorf("%w: invalid block header digit count %q", transport.ErrMalformed, data[1])
	}
	headerEnd := 2 + digits
	if len(data) < headerEnd {
		return nil, fmt.Errorf("%w: truncated block length field", transport.ErrMalformed)
	}
	length, err := strconv.Atoi(string(data[2:headerEnd]))
	if err != nil {
		return nil, fmt.Errorf("%w: non-numeric block length: %v", transport.ErrMalformed, err)
	}
	if len(data) < headerEnd+length {
		return nil, fmt.Errorf("%w: block payload truncated, want %d bytes, have %d",
			transport.ErrMalformed, length, len(data)-headerEnd)
	}
	return data[headerEnd : headerEnd+length], nil
}
