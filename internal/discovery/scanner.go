// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"

	"github.com/google/gousb"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// DiscoveredPort describes one attached channel an operator could bind a
// registry entry to. ConnectionInfo carries the keys the registry file
// expects for that transport.
type DiscoveredPort struct {
	Transport      model.TransportKind `json:"transport"`
	ConnectionInfo map[string]string   `json:"connection_info"`
	SerialNumber   string              `json:"serial_number,omitempty"`
	Description    string              `json:"description,omitempty"`
}

// PortScanner enumerates one class of attached hardware.
type PortScanner interface {
	Scan(ctx context.Context) ([]*DiscoveredPort, error)
	GetScannerType() string
}

// ScannerManager fans a scan out over the registered scanner types.
type ScannerManager struct {
	scanners map[string]PortScanner
	logger   *zap.Logger
}

// NewScannerManager creates a manager with the serial and USB scanners
// registered.
func NewScannerManager(logger *zap.Logger) *ScannerManager {
	sm := &ScannerManager{
		scanners: make(map[string]PortScanner),
		logger:   logger,
	}
	sm.RegisterScanner(&SerialScanner{logger: logger})
	sm.RegisterScanner(&USBScanner{logger: logger})
	return sm
}

// RegisterScanner registers a port scanner
func (sm *ScannerManager) RegisterScanner(scanner PortScanner) {
	scannerType := scanner.GetScannerType()
	sm.scanners[scannerType] = scanner
	sm.logger.Info("Scanner registered", zap.String("type", scannerType))
}

// ScanAll runs every registered scanner. A scanner failure is logged and
// skipped so one missing subsystem does not hide the rest.
func (sm *ScannerManager) ScanAll(ctx context.Context) []*DiscoveredPort {
	var allPorts []*DiscoveredPort

	for scannerType, scanner := range sm.scanners {
		ports, err := scanner.Scan(ctx)
		if err != nil {
			sm.logger.Error("Scanner failed", zap.String("type", scannerType), zap.Error(err))
			continue
		}

		allPorts = append(allPorts, ports...)
		sm.logger.Info("Scanner completed",
			zap.String("type", scannerType),
			zap.Int("ports_found", len(ports)),
		)
	}

	return allPorts
}

// ScanByType runs a single scanner type
func (sm *ScannerManager) ScanByType(ctx context.Context, scannerType string) ([]*DiscoveredPort, error) {
	scanner, exists := sm.scanners[scannerType]
	if !exists {
		return nil, fmt.Errorf("scanner type not found: %s", scannerType)
	}
	return scanner.Scan(ctx)
}

// SerialScanner lists serial ports through the OS enumerator.
type SerialScanner struct {
	logger *zap.Logger
}

func (s *SerialScanner) GetScannerType() string { return "serial" }

func (s *SerialScanner) Scan(ctx context.Context) ([]*DiscoveredPort, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial port enumeration failed: %w", err)
	}

	var ports []*DiscoveredPort
	for _, detail := range details {
		port := &DiscoveredPort{
			Transport: model.TransportSerial,
			ConnectionInfo: map[string]string{
				"device_path": detail.Name,
			},
		}
		if detail.IsUSB {
			port.SerialNumber = detail.SerialNumber
			port.Description = fmt.Sprintf("USB VID:PID %s:%s", detail.VID, detail.PID)
			if detail.SerialNumber != "" {
				port.ConnectionInfo["serial_number"] = detail.SerialNumber
			}
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// USBScanner lists raw USB devices.
type USBScanner struct {
	logger *zap.Logger
}

func (s *USBScanner) GetScannerType() string { return "usb" }

func (s *USBScanner) Scan(ctx context.Context) ([]*DiscoveredPort, error) {
	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	var ports []*DiscoveredPort
	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		ports = append(ports, &DiscoveredPort{
			Transport: model.TransportUSB,
			ConnectionInfo: map[string]string{
				"vendor_id":  fmt.Sprintf("0x%04x", uint16(desc.Vendor)),
				"product_id": fmt.Sprintf("0x%04x", uint16(desc.Product)),
			},
		})
		return false
	})
	for _, dev := range devices {
		dev.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("usb enumeration failed: %w", err)
	}
	return ports, nil
}
