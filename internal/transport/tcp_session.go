// internal/transport/tcp_session.go
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// TCPSession implements Session for instruments with their own network
// stack, reached over a raw TCP stream.
type TCPSession struct {
	params model.ConnectionParameters
	config Config
	logger *zap.Logger

	mu     sync.Mutex
	conn   net.Conn
	isOpen bool
	dead   bool
}

// NewTCPSession creates a closed session for an Ethernet instrument.
func NewTCPSession(params model.ConnectionParameters, config Config, logger *zap.Logger) *TCPSession {
	return &TCPSession{
		params: params,
		config: config.withDefaults(),
		logger: logger.With(
			zap.String("transport", "ethernet"),
			zap.String("instrument", params.ID),
			zap.String("host", params.Host),
			zap.Int("port", params.Port),
		),
	}
}

// Open dials the instrument.
func (s *TCPSession) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return ErrDisconnected
	}
	if s.isOpen {
		return nil
	}

	address := fmt.Sprintf("%s:%d", s.params.Host, s.params.Port)
	dialer := &net.Dialer{Timeout: s.config.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		s.logger.Error("Failed to open TCP connection", zap.Error(err))
		return fmt.Errorf("%w: dial %s: %v", classifyDialError(err), address, err)
	}

	s.conn = conn
	s.isOpen = true
	s.logger.Info("TCP connection opened")
	return nil
}

// Close releases the socket. Safe to call repeatedly.
func (s *TCPSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *TCPSession) closeLocked() error {
	s.dead = true
	if !s.isOpen || s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.isOpen = false
	s.logger.Info("TCP connection closed")
	if err != nil {
		return fmt.Errorf("failed to close TCP connection: %w", err)
	}
	return nil
}

// IsOpen reports whether the session is usable.
func (s *TCPSession) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOpen && !s.dead
}

// Write frames and transmits one command.
func (s *TCPSession) Write(ctx context.Context, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, command)
}

func (s *TCPSession) writeLocked(ctx context.Context, command string) error {
	if s.dead || !s.isOpen {
		return ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	s.conn.SetWriteDeadline(s.config.deadline(ctx))
	framed := s.params.Terminator.Frame(command)
	if _, err := s.conn.Write(framed); err != nil {
		cls := s.latch(classifyIOError(err))
		s.logger.Error("TCP write failed", zap.Error(err))
		return fmt.Errorf("%w: write: %v", cls, err)
	}
	s.logger.Debug("Command sent", zap.String("command", command))
	return nil
}

// Read accumulates until the terminator reports completion, then strips it.
func (s *TCPSession) Read(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(ctx)
}

func (s *TCPSession) readLocked(ctx context.Context) (string, error) {
	if s.dead || !s.isOpen {
		return "", ErrDisconnected
	}

	s.conn.SetReadDeadline(s.config.deadline(ctx))
	buf := make([]byte, s.config.ReadBufferSize)
	var response []byte
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			response = append(response, buf[:n]...)
		}
		if err != nil {
			cls := classifyIOError(err)
			if cls != ErrTimeout {
				cls = s.latch(cls)
			}
			// A short transfer is never returned as truncated success.
			return "", fmt.Errorf("%w: read after %d bytes: %v", cls, len(response), err)
		}
		if s.params.Terminator.IsComplete(response) {
			break
		}
	}

	if !utf8.Valid(response) {
		return "", fmt.Errorf("%w: response is not valid text", ErrMalformed)
	}
	payload := s.params.Terminator.Strip(response)
	s.logger.Debug("Response received", zap.Int("bytes", len(response)))
	return payload, nil
}

// Query is an atomic write-then-read: the session lock is held across both
// so no other write from this session can interleave.
func (s *TCPSession) Query(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(ctx, command); err != nil {
		return "", err
	}
	return s.readLocked(ctx)
}

// Kind identifies this session as raw Ethernet.
func (s *TCPSession) Kind() model.TransportKind { return model.TransportEthernet }

// Parameters returns the originating registry entry.
func (s *TCPSession) Parameters() model.ConnectionParameters { return s.params }

// latch marks the session permanently closed when the channel was severed.
func (s *TCPSession) latch(cls error) error {
	if cls == ErrDisconnected {
		s.closeLocked()
	}
	return cls
}

var _ Session = (*TCPSession)(nil)
