// internal/model/instrument.go
package model

import (
	"fmt"
)

// DeviceType identifies the driver family an instrument belongs to. It is
// informational to the connection layer and never affects transport framing.
type DeviceType string

const (
	DeviceTypeOSA     DeviceType = "osa"    // optical spectrum analyser
	DeviceTypeOSC     DeviceType = "osc"    // oscilloscope
	DeviceTypeESA     DeviceType = "esa"    // electrical spectrum analyser
	DeviceTypePDD     DeviceType = "pdd"    // pulse diagnostic device
	DeviceTypePS      DeviceType = "ps"     // power supply
	DeviceTypePM      DeviceType = "pm"     // power meter
	DeviceTypeLockIn  DeviceType = "lockin" // lock-in amplifier
	DeviceTypeFuncGen DeviceType = "fg"     // function generator
	DeviceTypeServer  DeviceType = "server" // remote acquisition server
	DeviceTypeUnknown DeviceType = ""
)

// ParseDeviceType validates a device_type value from the registry.
func ParseDeviceType(s string) (DeviceType, error) {
	switch DeviceType(s) {
	case DeviceTypeOSA, DeviceTypeOSC, DeviceTypeESA, DeviceTypePDD,
		DeviceTypePS, DeviceTypePM, DeviceTypeLockIn, DeviceTypeFuncGen,
		DeviceTypeServer, DeviceTypeUnknown:
		return DeviceType(s), nil
	default:
		return DeviceTypeUnknown, fmt.Errorf("unknown device type: %q", s)
	}
}

// TransportKind selects which session variant the factory constructs.
type TransportKind string

const (
	TransportGPIB         TransportKind = "gpib"
	TransportGPIBEthernet TransportKind = "gpib-ethernet"
	TransportEthernet     TransportKind = "ethernet"
	TransportSerial       TransportKind = "serial"
	TransportUSB          TransportKind = "usb"
)

// ConnectionParameters is the validated, transport-tagged address of one
// instrument. Exactly one field group is populated, consistent with Kind.
// Instances are built by the registry at load time and never mutated after.
type ConnectionParameters struct {
	ID         string
	Device     DeviceType
	Kind       TransportKind
	Terminator Terminator

	// Ethernet / GPIB-over-Ethernet
	Host string
	Port int

	// GPIB (direct and over-Ethernet)
	GPIBAddress int

	// Serial / USB
	SerialNumber string
	DevicePath   string
	BaudRate     int
	VendorID     string
	ProductID    string
}

// Validate checks the cross-field invariants of the tagged union.
func (p *ConnectionParameters) Validate() error {
	switch p.Kind {
	case TransportGPIB:
		if p.Host != "" || p.SerialNumber != "" || p.DevicePath != "" {
			return fmt.Errorf("gpib entry %q carries non-gpib address fields", p.ID)
		}
		return validGPIBAddress(p.ID, p.GPIBAddress)
	case TransportGPIBEthernet:
		if p.Host == "" {
			return fmt.Errorf("gpib-ethernet entry %q has no gateway host", p.ID)
		}
		return validGPIBAddress(p.ID, p.GPIBAddress)
	case TransportEthernet:
		if p.Host == "" {
			return fmt.Errorf("ethernet entry %q has no ip_address", p.ID)
		}
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("ethernet entry %q has invalid port %d", p.ID, p.Port)
		}
		return nil
	case TransportSerial:
		if p.SerialNumber == "" && p.DevicePath == "" {
			return fmt.Errorf("serial entry %q needs a serial_number or device path", p.ID)
		}
		return nil
	case TransportUSB:
		if p.VendorID == "" || p.ProductID == "" {
			return fmt.Errorf("usb entry %q needs vendor_id and product_id", p.ID)
		}
		return nil
	default:
		return fmt.Errorf("entry %q has unknown transport kind %q", p.ID, p.Kind)
	}
}

func validGPIBAddress(id string, addr int) error {
	if addr < 0 || addr > 30 {
		return fmt.Errorf("entry %q has gpib_address %d outside 0-30", id, addr)
	}
	return nil
}
