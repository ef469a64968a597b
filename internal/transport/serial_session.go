// internal/transport/serial_session.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// SerialSession implements Session for RS-232 and USB-CDC instruments. The
// registry names either a fixed device path or a serial number; with a
// serial number the attached ports are enumerated at open time to find the
// matching device.
type SerialSession struct {
	params model.ConnectionParameters
	config Config
	logger *zap.Logger

	mu     sync.Mutex
	port   serial.Port
	isOpen bool
	dead   bool
}

// NewSerialSession creates a closed session for a serial instrument.
func NewSerialSession(params model.ConnectionParameters, config Config, logger *zap.Logger) *SerialSession {
	return &SerialSession{
		params: params,
		config: config.withDefaults(),
		logger: logger.With(
			zap.String("transport", "serial"),
			zap.String("instrument", params.ID),
			zap.String("serial_number", params.SerialNumber),
		),
	}
}

// Open locates and opens the port, then applies mode and read timeout.
func (s *SerialSession) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return ErrDisconnected
	}
	if s.isOpen {
		return nil
	}

	path := s.params.DevicePath
	if path == "" {
		found, err := findPortBySerialNumber(s.params.SerialNumber)
		if err != nil {
			s.logger.Error("Serial port lookup failed", zap.Error(err))
			return err
		}
		path = found
	}

	baud := s.params.BaudRate
	if baud == 0 {
		baud = s.config.DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}

	s.logger.Info("Opening serial port",
		zap.String("path", path),
		zap.Int("baud_rate", baud),
	)

	port, err := serial.Open(path, mode)
	if err != nil {
		cls := classifySerialOpenError(err)
		s.logger.Error("Failed to open serial port", zap.Error(err))
		return fmt.Errorf("%w: open %s: %v", cls, path, err)
	}
	if err := port.SetReadTimeout(s.config.Timeout); err != nil {
		port.Close()
		return fmt.Errorf("%w: set read timeout: %v", ErrUnreachable, err)
	}

	s.port = port
	s.isOpen = true
	s.logger.Info("Serial port opened")
	return nil
}

// Close releases the port. Safe to call repeatedly.
func (s *SerialSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *SerialSession) closeLocked() error {
	s.dead = true
	if !s.isOpen || s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.isOpen = false
	s.logger.Info("Serial port closed")
	if err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	return nil
}

// IsOpen reports whether the session is usable.
func (s *SerialSession) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOpen && !s.dead
}

// Write frames and transmits one command.
func (s *SerialSession) Write(ctx context.Context, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, command)
}

func (s *SerialSession) writeLocked(ctx context.Context, command string) error {
	if s.dead || !s.isOpen {
		return ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	framed := s.params.Terminator.Frame(command)
	n, err := s.port.Write(framed)
	if err != nil {
		cls := classifyIOError(err)
		if cls == ErrDisconnected {
			s.closeLocked()
		}
		s.logger.Error("Serial write failed", zap.Error(err))
		return fmt.Errorf("%w: write: %v", cls, err)
	}
	if n != len(framed) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrTimeout, n, len(framed))
	}
	s.logger.Debug("Command sent", zap.String("command", command))
	return nil
}

// Read accumulates byte-stream chunks until the terminator reports a
// complete response. go.bug.st/serial signals a read timeout by returning
// zero bytes, which maps to ErrTimeout when the response is still partial.
func (s *SerialSession) Read(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(ctx)
}

func (s *SerialSession) readLocked(ctx context.Context) (string, error) {
	if s.dead || !s.isOpen {
		return "", ErrDisconnected
	}

	buf := make([]byte, s.config.ReadBufferSize)
	var response []byte
	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		n, err := s.port.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			s.closeLocked()
			return "", fmt.Errorf("%w: read: %v", ErrDisconnected, err)
		}
		if n == 0 {
			// Port read timeout expired with the response still incomplete.
			return "", fmt.Errorf("%w: read after %d bytes", ErrTimeout, len(response))
		}
		response = append(response, buf[:n]...)
		if s.params.Terminator.IsComplete(response) {
			break
		}
	}

	if !utf8.Valid(response) {
		return "", fmt.Errorf("%w: response is not valid text", ErrMalformed)
	}
	s.logger.Debug("Response received", zap.Int("bytes", len(response)))
	return s.params.Terminator.Strip(response), nil
}

// Query is an atomic write-then-read under the session lock.
func (s *SerialSession) Query(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(ctx, command); err != nil {
		return "", err
	}
	return s.readLocked(ctx)
}

// Kind identifies this session as serial.
func (s *SerialSession) Kind() model.TransportKind { return model.TransportSerial }

// Parameters returns the originating registry entry.
func (s *SerialSession) Parameters() model.ConnectionParameters { return s.params }

// findPortBySerialNumber scans the attached ports for a USB serial device
// whose serial number matches the registry entry.
func findPortBySerialNumber(serialNumber string) (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("%w: enumerate serial ports: %v", ErrUnreachable, err)
	}
	for _, port := range ports {
		if port.IsUSB && strings.EqualFold(port.SerialNumber, serialNumber) {
			return port.Name, nil
		}
	}
	return "", fmt.Errorf("%w: no serial device with serial number %q", ErrUnreachable, serialNumber)
}

// classifySerialOpenError distinguishes a claimed port from a missing one.
func classifySerialOpenError(err error) error {
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PortBusy:
			return ErrBusy
		case serial.PortNotFound:
			return ErrUnreachable
		}
	}
	return ErrUnreachable
}

var _ Session = (*SerialSession)(nil)
