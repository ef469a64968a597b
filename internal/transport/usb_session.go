// internal/transport/usb_session.go
package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// USBSession implements Session for instruments driven over USB bulk
// endpoints (USBTMC-style devices). Devices are matched by vendor/product
// id and, when several identical units are attached, by serial number.
type USBSession struct {
	params model.ConnectionParameters
	config Config
	logger *zap.Logger

	mu       sync.Mutex
	usbCtx   *gousb.Context
	device   *gousb.Device
	intf     *gousb.Interface
	intfDone func()
	outEndpt *gousb.OutEndpoint
	inEndpt  *gousb.InEndpoint
	isOpen   bool
	dead     bool
}

// NewUSBSession creates a closed session for a USB instrument.
func NewUSBSession(params model.ConnectionParameters, config Config, logger *zap.Logger) *USBSession {
	return &USBSession{
		params: params,
		config: config.withDefaults(),
		logger: logger.With(
			zap.String("transport", "usb"),
			zap.String("instrument", params.ID),
			zap.String("vendor_id", params.VendorID),
			zap.String("product_id", params.ProductID),
		),
	}
}

// Open enumerates the bus, claims the default interface and resolves the
// bulk endpoints. Every partially acquired handle is released on failure.
func (s *USBSession) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return ErrDisconnected
	}
	if s.isOpen {
		return nil
	}

	vendorID, err := parseHexID(s.params.VendorID)
	if err != nil {
		return fmt.Errorf("%w: vendor_id: %v", ErrUnreachable, err)
	}
	productID, err := parseHexID(s.params.ProductID)
	if err != nil {
		return fmt.Errorf("%w: product_id: %v", ErrUnreachable, err)
	}

	s.logger.Info("Opening USB device")

	usbCtx := gousb.NewContext()
	device, err := s.findDevice(usbCtx, vendorID, productID)
	if err != nil {
		usbCtx.Close()
		return err
	}

	intf, done, err := device.DefaultInterface()
	if err != nil {
		device.Close()
		usbCtx.Close()
		return fmt.Errorf("%w: claim interface: %v", ErrBusy, err)
	}

	outEndpt, err := firstOutEndpoint(intf)
	if err != nil {
		done()
		device.Close()
		usbCtx.Close()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	inEndpt, err := firstInEndpoint(intf)
	if err != nil {
		done()
		device.Close()
		usbCtx.Close()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	s.usbCtx = usbCtx
	s.device = device
	s.intf = intf
	s.intfDone = done
	s.outEndpt = outEndpt
	s.inEndpt = inEndpt
	s.isOpen = true
	s.logger.Info("USB device opened")
	return nil
}

// findDevice opens all vid/pid matches and keeps the one whose serial
// number matches the registry entry, closing the others.
func (s *USBSession) findDevice(usbCtx *gousb.Context, vendorID, productID gousb.ID) (*gousb.Device, error) {
	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == vendorID && desc.Product == productID
	})
	if err != nil {
		for _, d := range devices {
			d.Close()
		}
		return nil, fmt.Errorf("%w: usb enumeration: %v", ErrUnreachable, err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no usb device %s:%s attached", ErrUnreachable, s.params.VendorID, s.params.ProductID)
	}

	var chosen *gousb.Device
	for _, d := range devices {
		if chosen != nil {
			d.Close()
			continue
		}
		if s.params.SerialNumber == "" {
			chosen = d
			continue
		}
		sn, err := d.SerialNumber()
		if err == nil && strings.EqualFold(sn, s.params.SerialNumber) {
			chosen = d
		} else {
			d.Close()
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("%w: no usb device with serial number %q", ErrUnreachable, s.params.SerialNumber)
	}
	return chosen, nil
}

// Close releases endpoint, interface, device and context in order.
func (s *USBSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *USBSession) closeLocked() error {
	s.dead = true
	if !s.isOpen {
		return nil
	}
	if s.intfDone != nil {
		s.intfDone()
		s.intfDone = nil
	}
	if s.device != nil {
		s.device.Close()
		s.device = nil
	}
	if s.usbCtx != nil {
		s.usbCtx.Close()
		s.usbCtx = nil
	}
	s.intf = nil
	s.outEndpt = nil
	s.inEndpt = nil
	s.isOpen = false
	s.logger.Info("USB device closed")
	return nil
}

// IsOpen reports whether the session is usable.
func (s *USBSession) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOpen && !s.dead
}

// Write frames and transmits one command over the bulk out endpoint.
func (s *USBSession) Write(ctx context.Context, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, command)
}

func (s *USBSession) writeLocked(ctx context.Context, command string) error {
	if s.dead || !s.isOpen {
		return ErrDisconnected
	}

	opCtx, cancel := context.WithDeadline(ctx, s.config.deadline(ctx))
	defer cancel()

	framed := s.params.Terminator.Frame(command)
	n, err := s.outEndpt.WriteContext(opCtx, framed)
	if err != nil {
		if opCtx.Err() != nil {
			return fmt.Errorf("%w: write: %v", ErrTimeout, err)
		}
		s.closeLocked()
		s.logger.Error("USB write failed", zap.Error(err))
		return fmt.Errorf("%w: write: %v", ErrDisconnected, err)
	}
	if n != len(framed) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrTimeout, n, len(framed))
	}
	s.logger.Debug("Command sent", zap.String("command", command))
	return nil
}

// Read accumulates bulk-in transfers until the terminator reports a
// complete response. USB transfers are packet-delimited, so with no
// terminator a single transfer is the whole response.
func (s *USBSession) Read(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(ctx)
}

func (s *USBSession) readLocked(ctx context.Context) (string, error) {
	if s.dead || !s.isOpen {
		return "", ErrDisconnected
	}

	opCtx, cancel := context.WithDeadline(ctx, s.config.deadline(ctx))
	defer cancel()

	buf := make([]byte, s.config.ReadBufferSize)
	var response []byte
	for {
		n, err := s.inEndpt.ReadContext(opCtx, buf)
		if n > 0 {
			response = append(response, buf[:n]...)
		}
		if err != nil {
			if opCtx.Err() != nil {
				return "", fmt.Errorf("%w: read after %d bytes", ErrTimeout, len(response))
			}
			s.closeLocked()
			return "", fmt.Errorf("%w: read: %v", ErrDisconnected, err)
		}
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
func (s *USBSession) Query(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(ctx, command); err != nil {
		return "", err
	}
	return s.readLocked(ctx)
}

// Kind identifies this session as USB.
func (s *USBSession) Kind() model.TransportKind { return model.TransportUSB }

// Parameters returns the originating registry entry.
func (s *USBSession) Parameters() model.ConnectionParameters { return s.params }

// parseHexID converts a "0x1ab1" style registry value to a gousb ID.
func parseHexID(raw string) (gousb.ID, error) {
	cleaned := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
	v, err := strconv.ParseUint(cleaned, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid usb id %q: %v", raw, err)
	}
	return gousb.ID(v), nil
}

// firstOutEndpoint picks the first bulk out endpoint of the interface.
func firstOutEndpoint(intf *gousb.Interface) (*gousb.OutEndpoint, error) {
	for _, desc := range intf.Setting.Endpoints {
		if desc.Direction == gousb.EndpointDirectionOut && desc.TransferType == gousb.TransferTypeBulk {
			return intf.OutEndpoint(desc.Number)
		}
	}
	return nil, fmt.Errorf("interface has no bulk out endpoint")
}

// firstInEndpoint picks the first bulk in endpoint of the interface.
func firstInEndpoint(intf *gousb.Interface) (*gousb.InEndpoint, error) {
	for _, desc := range intf.Setting.Endpoints {
		if desc.Direction == gousb.EndpointDirectionIn && desc.TransferType == gousb.TransferTypeBulk {
			return intf.InEndpoint(desc.Number)
		}
	}
	return nil, fmt.Errorf("interface has no bulk in endpoint")
}

var _ Session = (*USBSession)(nil)
