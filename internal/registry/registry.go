// internal/registry/registry.go
package registry

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/ini.v1"

	"instrument-service/internal/model"
)

// Sentinel errors surfaced by Resolve and Load. Callers classify with
// errors.Is; the wrapped message carries the identifier and section detail.
var (
	ErrUnknownIdentifier = errors.New("registry: unknown instrument identifier")
	ErrInvalidParameters = errors.New("registry: invalid connection parameters")
)

// gatewaySection enumerates GPIB/LAN gateway hosts keyed by location name.
// Every other section is one instrument entry.
const gatewaySection = "GPIBEthernetServers"

// Registry is the process-wide identifier -> ConnectionParameters mapping.
// It is built once by Load and read-only afterwards, so it may be consulted
// concurrently without locking.
type Registry struct {
	entries  map[string]model.ConnectionParameters
	gateways map[string]string
	logger   *zap.Logger
}

// Load reads and validates the instrument registry file. Any internally
// inconsistent section fails the whole load with ErrInvalidParameters:
// ambiguous entries are rejected here, not at connect time.
func Load(path string, logger *zap.Logger) (*Registry, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instrument registry %s: %w", path, err)
	}

	r := &Registry{
		entries:  make(map[string]model.ConnectionParameters),
		gateways: make(map[string]string),
		logger:   logger.With(zap.String("component", "registry")),
	}

	if gw := file.Section(gatewaySection); gw != nil {
		for _, key := range gw.Keys() {
			r.gateways[key.Name()] = key.String()
		}
	}

	for _, section := range file.Sections() {
		name := section.Name()
		if name == ini.DefaultSection || name == gatewaySection {
			continue
		}
		params, err := r.parseEntry(name, section)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		r.entries[name] = params
	}

	r.logger.Info("Instrument registry loaded",
		zap.String("path", path),
		zap.Int("instruments", len(r.entries)),
		zap.Int("gateways", len(r.gateways)),
	)
	return r, nil
}

// Resolve maps an instrument identifier to its validated parameters.
func (r *Registry) Resolve(id string) (model.ConnectionParameters, error) {
	params, ok := r.entries[id]
	if !ok {
		return model.ConnectionParameters{}, fmt.Errorf("%w: %q", ErrUnknownIdentifier, id)
	}
	return params, nil
}

// Identifiers returns all known instrument identifiers, sorted.
func (r *Registry) Identifiers() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entries returns a copy of all registry entries, sorted by identifier.
func (r *Registry) Entries() []model.ConnectionParameters {
	out := make([]model.ConnectionParameters, 0, len(r.entries))
	for _, id := range r.Identifiers() {
		out = append(out, r.entries[id])
	}
	return out
}

// Gateway resolves a location name from the gateway section.
func (r *Registry) Gateway(location string) (string, bool) {
	host, ok := r.gateways[location]
	return host, ok
}

// parseEntry converts one INI section into tagged ConnectionParameters. The
// transport kind is inferred from which address fields are present:
// gpib_address plus a gateway reference is GPIB-over-Ethernet, gpib_address
// alone is direct GPIB, ip_address+port is raw Ethernet, serial_number (or
// vendor/product ids) is Serial/USB.
func (r *Registry) parseEntry(id string, section *ini.Section) (model.ConnectionParameters, error) {
	var params model.ConnectionParameters
	params.ID = id

	if section.HasKey("device_type") {
		dt, err := model.ParseDeviceType(section.Key("device_type").String())
		if err != nil {
			return params, fmt.Errorf("entry %q: %v", id, err)
		}
		params.Device = dt
	}

	term, err := model.ParseTerminator(section.Key("terminating_char").String())
	if err != nil {
		return params, fmt.Errorf("entry %q: %v", id, err)
	}
	params.Terminator = term

	hasIP := section.HasKey("ip_address")
	hasGPIB := section.HasKey("gpib_address")
	hasSerial := section.HasKey("serial_number")
	hasUSBIDs := section.HasKey("vendor_id") || section.HasKey("product_id")
	hasLocation := section.HasKey("location")

	if hasIP {
		params.Host = section.Key("ip_address").String()
	}
	if hasGPIB {
		addr, err := section.Key("gpib_address").Int()
		if err != nil {
			return params, fmt.Errorf("entry %q: bad gpib_address: %v", id, err)
		}
		params.GPIBAddress = addr
	}
	if section.HasKey("port") {
		port, err := section.Key("port").Int()
		if err != nil {
			return params, fmt.Errorf("entry %q: bad port: %v", id, err)
		}
		params.Port = port
	}
	if section.HasKey("baud_rate") {
		baud, err := section.Key("baud_rate").Int()
		if err != nil {
			return params, fmt.Errorf("entry %q: bad baud_rate: %v", id, err)
		}
		params.BaudRate = baud
	}
	if hasSerial {
		params.SerialNumber = section.Key("serial_number").String()
	}
	if section.HasKey("device_path") {
		params.DevicePath = section.Key("device_path").String()
	}
	if section.HasKey("vendor_id") {
		params.VendorID = section.Key("vendor_id").String()
	}
	if section.HasKey("product_id") {
		params.ProductID = section.Key("product_id").String()
	}

	switch {
	case hasGPIB && (hasIP || hasLocation):
		params.Kind = model.TransportGPIBEthernet
		if !hasIP {
			location := section.Key("location").String()
			host, ok := r.gateways[location]
			if !ok {
				return params, fmt.Errorf("entry %q: location %q not in [%s]", id, location, gatewaySection)
			}
			params.Host = host
		}
	case hasGPIB:
		params.Kind = model.TransportGPIB
	case hasIP:
		params.Kind = model.TransportEthernet
	case hasUSBIDs:
		params.Kind = model.TransportUSB
	case hasSerial || section.HasKey("device_path"):
		params.Kind = model.TransportSerial
	default:
		return params, fmt.Errorf("entry %q declares no usable address fields", id)
	}

	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}
