// internal/registry/registry_test.go
package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"instrument-service/internal/model"
)

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instruments.ini")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	return path
}

func TestLoadResolvesAllTransportKinds(t *testing.T) {
	path := writeRegistry(t, `
[GPIBEthernetServers]
optics_lab = 10.46.25.51

[OSA1]
device_type = osa
gpib_address = 3
location = optics_lab
terminating_char = LF

[HP54616C]
device_type = osc
gpib_address = 14
terminating_char = CR

[AQ6376]
device_type = osa
ip_address = 10.46.25.60
gpib_address = 1

[TEK2024]
device_type = osc
ip_address = 10.46.25.70
port = 4000
terminating_char = CRLF

[ThorLabsPM100A]
device_type = pm
serial_number = P1003109

[Rigol1022]
device_type = fg
vendor_id = 0x1ab1
product_id = 0x0642
serial_number = DG1D150200001
`)

	reg, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tests := []struct {
		id   string
		kind model.TransportKind
	}{
		{"OSA1", model.TransportGPIBEthernet},
		{"HP54616C", model.TransportGPIB},
		{"AQ6376", model.TransportGPIBEthernet},
		{"TEK2024", model.TransportEthernet},
		{"ThorLabsPM100A", model.TransportSerial},
		{"Rigol1022", model.TransportUSB},
	}
	for _, tt := range tests {
		params, err := reg.Resolve(tt.id)
		if err != nil {
			t.Fatalf("resolve %s: %v", tt.id, err)
		}
		if params.Kind != tt.kind {
			t.Fatalf("resolve %s: kind = %q, want %q", tt.id, params.Kind, tt.kind)
		}
	}

	// Gateway location lookup fills the host of the bus-addressed entry.
	osa, _ := reg.Resolve("OSA1")
	if osa.Host != "10.46.25.51" {
		t.Fatalf("OSA1 gateway host = %q", osa.Host)
	}
	if osa.GPIBAddress != 3 || osa.Terminator != model.TermLF {
		t.Fatalf("OSA1 params = %+v", osa)
	}
}

func TestResolveUnknownIdentifier(t *testing.T) {
	path := writeRegistry(t, "[PM1]\nserial_number = P1003109\n")
	reg, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	_, err = reg.Resolve("nope")
	if !errors.Is(err, ErrUnknownIdentifier) {
		t.Fatalf("expected ErrUnknownIdentifier, got %v", err)
	}
}

func TestLoadRejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no address fields", "[X]\ndevice_type = osc\n"},
		{"gpib address out of range", "[X]\ngpib_address = 42\n"},
		{"bad terminator", "[X]\ngpib_address = 4\nterminating_char = EOT\n"},
		{"unknown location", "[X]\ngpib_address = 4\nlocation = basement\n"},
		{"ethernet without port", "[X]\nip_address = 10.0.0.2\nport = 0\n"},
		{"bad device type", "[X]\nserial_number = A1\ndevice_type = toaster\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeRegistry(t, tt.content)
			_, err := Load(path, zap.NewNop())
			if !errors.Is(err, ErrInvalidParameters) {
				t.Fatalf("expected ErrInvalidParameters, got %v", err)
			}
		})
	}
}

func TestIdentifiersSorted(t *testing.T) {
	path := writeRegistry(t, "[B]\nserial_number = 2\n\n[A]\nserial_number = 1\n")
	reg, err := Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ids := reg.Identifiers()
	if len(ids) != 2 || ids[0] != "A" || ids[1] != "B" {
		t.Fatalf("identifiers = %v", ids)
	}
}
