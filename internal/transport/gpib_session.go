// internal/transport/gpib_session.go
package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gotmc/prologix"
	"github.com/gotmc/prologix/driver/vcp"
	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// GPIBSession implements Session for instruments on a local GPIB bus,
// reached through a Prologix-compatible controller on a serial VCP. Open
// probes the bus address with an identification query and fails fast when
// nothing answers, so a wrong address surfaces at connect time rather than
// on the first measurement.
type GPIBSession struct {
	params model.ConnectionParameters
	config Config
	logger *zap.Logger

	mu         sync.Mutex
	port       *vcp.VCP
	controller *prologix.Controller
	isOpen     bool
	dead       bool
}

// NewGPIBSession creates a closed session for a bus-addressed instrument.
func NewGPIBSession(params model.ConnectionParameters, config Config, logger *zap.Logger) *GPIBSession {
	return &GPIBSession{
		params: params,
		config: config.withDefaults(),
		logger: logger.With(
			zap.String("transport", "gpib"),
			zap.String("instrument", params.ID),
			zap.Int("gpib_address", params.GPIBAddress),
		),
	}
}

// Open claims the controller serial port, binds the bus address and probes
// the instrument. Every acquired handle is released on failure.
func (s *GPIBSession) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return ErrDisconnected
	}
	if s.isOpen {
		return nil
	}
	if s.config.GPIBControllerPort == "" {
		return fmt.Errorf("%w: no gpib controller port configured", ErrUnreachable)
	}

	s.logger.Info("Opening GPIB controller",
		zap.String("controller_port", s.config.GPIBControllerPort),
	)

	port, err := vcp.NewVCP(s.config.GPIBControllerPort)
	if err != nil {
		s.logger.Error("Failed to open GPIB controller port", zap.Error(err))
		return fmt.Errorf("%w: open controller %s: %v", ErrBusy, s.config.GPIBControllerPort, err)
	}

	controller, err := prologix.NewController(port, s.params.GPIBAddress, false)
	if err != nil {
		port.Close()
		return fmt.Errorf("%w: gpib controller setup: %v", ErrUnreachable, err)
	}

	// Identification probe: a dead or absent device fails the open. The
	// controller reports io.EOF at the end of a successful bus read.
	ident, err := controller.Query("*IDN?")
	if (err != nil && err != io.EOF) || strings.TrimSpace(ident) == "" {
		controller.FrontPanel(true)
		port.Close()
		s.logger.Error("No device answered identification probe", zap.Error(err))
		return fmt.Errorf("%w: no device at gpib address %d", ErrUnreachable, s.params.GPIBAddress)
	}

	s.port = port
	s.controller = controller
	s.isOpen = true
	s.logger.Info("GPIB session opened", zap.String("ident", strings.TrimSpace(ident)))
	return nil
}

// Close returns the instrument to local control and releases the port.
func (s *GPIBSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *GPIBSession) closeLocked() error {
	s.dead = true
	if !s.isOpen {
		return nil
	}
	if s.controller != nil {
		s.controller.FrontPanel(true)
		s.controller = nil
	}
	var err error
	if s.port != nil {
		s.port.Flush()
		err = s.port.Close()
		s.port = nil
	}
	s.isOpen = false
	s.logger.Info("GPIB session closed")
	if err != nil {
		return fmt.Errorf("failed to close controller port: %w", err)
	}
	return nil
}

// IsOpen reports whether the session is usable.
func (s *GPIBSession) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOpen && !s.dead
}

// Write transmits one command to the addressed instrument. The controller
// frames bus messages itself, so the terminator policy only applies to
// deframing responses.
func (s *GPIBSession) Write(ctx context.Context, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, command)
}

func (s *GPIBSession) writeLocked(ctx context.Context, command string) error {
	if s.dead || !s.isOpen {
		return ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if err := s.controller.Command("%s", command); err != nil {
		s.closeLocked()
		s.logger.Error("GPIB write failed", zap.Error(err))
		return fmt.Errorf("%w: write: %v", ErrDisconnected, err)
	}
	s.logger.Debug("Command sent", zap.String("command", command))
	return nil
}

// Read fetches the pending instrument response from the bus.
func (s *GPIBSession) Read(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(ctx)
}

func (s *GPIBSession) readLocked(ctx context.Context) (string, error) {
	if s.dead || !s.isOpen {
		return "", ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	buf := make([]byte, s.config.ReadBufferSize)
	n, err := s.controller.Read(buf)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("%w: read: %v", ErrTimeout, err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: no response before deadline", ErrTimeout)
	}
	response := buf[:n]
	if !utf8.Valid(response) {
		return "", fmt.Errorf("%w: response is not valid text", ErrMalformed)
	}
	s.logger.Debug("Response received", zap.Int("bytes", n))
	return s.params.Terminator.Strip(response), nil
}

// Query is an atomic write-then-read under the session lock.
func (s *GPIBSession) Query(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || !s.isOpen {
		return "", ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	response, err := s.controller.Query(command)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("%w: query: %v", ErrTimeout, err)
	}
	s.logger.Debug("Query completed", zap.String("command", command))
	return s.params.Terminator.Strip([]byte(response)), nil
}

// Kind identifies this session as direct GPIB.
func (s *GPIBSession) Kind() model.TransportKind { return model.TransportGPIB }

// Parameters returns the originating registry entry.
func (s *GPIBSession) Parameters() model.ConnectionParameters { return s.params }

var _ Session = (*GPIBSession)(nil)
