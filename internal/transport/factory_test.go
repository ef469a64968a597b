// internal/transport/factory_test.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/model"
	"instrument-service/internal/registry"
)

func loadTestRegistry(t *testing.T, content string) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instruments.ini")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	reg, err := registry.Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

func TestFactoryConnectEthernet(t *testing.T) {
	fi := startFakeInstrument(t, func(command string) string {
		return "YOKOGAWA,AQ6376,90Y403996,02.08"
	})
	port := fi.listener.Addr().(*net.TCPAddr).Port

	reg := loadTestRegistry(t, fmt.Sprintf(`
[AQ6376]
device_type = osa
ip_address = 127.0.0.1
port = %d
terminating_char = LF
`, port))

	factory := NewFactory(reg, Config{Timeout: time.Second}, zap.NewNop())
	session, err := factory.Connect(context.Background(), "AQ6376")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer session.Close()

	if session.Kind() != model.TransportEthernet {
		t.Fatalf("kind = %q", session.Kind())
	}
	got, err := session.Query(context.Background(), "*IDN?")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != "YOKOGAWA,AQ6376,90Y403996,02.08" {
		t.Fatalf("query = %q", got)
	}
}

func TestFactoryConnectUnknownIdentifier(t *testing.T) {
	reg := loadTestRegistry(t, "[PM1]\nserial_number = P1003109\n")
	factory := NewFactory(reg, Config{Timeout: time.Second}, zap.NewNop())

	_, err := factory.Connect(context.Background(), "OSA9")
	if !errors.Is(err, registry.ErrUnknownIdentifier) {
		t.Fatalf("expected ErrUnknownIdentifier, got %v", err)
	}
}

func TestFactoryConnectSerialAbsentDevice(t *testing.T) {
	// No bench hardware in CI: a serial-number entry with no matching
	// attached device must fail the connect as unreachable.
	reg := loadTestRegistry(t, "[PM1]\ndevice_type = pm\nserial_number = NO-SUCH-DEVICE-0000\n")
	factory := NewFactory(reg, Config{Timeout: time.Second}, zap.NewNop())

	_, err := factory.Connect(context.Background(), "PM1")
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestFactoryConnectUnreachableLeavesNoSession(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	reg := loadTestRegistry(t, fmt.Sprintf("[OSC1]\nip_address = 127.0.0.1\nport = %d\n", port))
	factory := NewFactory(reg, Config{Timeout: time.Second}, zap.NewNop())

	session, err := factory.Connect(context.Background(), "OSC1")
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if session != nil {
		t.Fatal("failed connect returned a session")
	}
}

func TestFactoryGatewaySessionsConcurrentWithOtherConnects(t *testing.T) {
	gw := startFakeGateway(t)
	gwPort := gw.listener.Addr().(*net.TCPAddr).Port

	fi := startFakeInstrument(t, func(command string) string { return "ethernet-ok" })
	fiPort := fi.listener.Addr().(*net.TCPAddr).Port

	reg := loadTestRegistry(t, fmt.Sprintf(`
[OSA1]
gpib_address = 3
ip_address = 127.0.0.1
port = %d
terminating_char = LF

[TEK2024]
ip_address = 127.0.0.1
port = %d
terminating_char = LF
`, gwPort, fiPort))

	factory := NewFactory(reg, Config{Timeout: time.Second}, zap.NewNop())
	ctx := context.Background()

	osa, err := factory.Connect(ctx, "OSA1")
	if err != nil {
		t.Fatalf("connect osa: %v", err)
	}
	defer osa.Close()
	if osa.Kind() != model.TransportGPIBEthernet {
		t.Fatalf("osa kind = %q", osa.Kind())
	}

	// A query on the gateway session stays well-formed while another
	// instrument is being connected and queried.
	done := make(chan error, 1)
	go func() {
		tek, err := factory.Connect(ctx, "TEK2024")
		if err != nil {
			done <- err
			return
		}
		defer tek.Close()
		_, err = tek.Query(ctx, "*IDN?")
		done <- err
	}()

	got, err := osa.Query(ctx, "*IDN?")
	if err != nil {
		t.Fatalf("osa query: %v", err)
	}
	if got != "addr3:*IDN?" {
		t.Fatalf("osa query = %q", got)
	}
	if err := <-done; err != nil {
		t.Fatalf("concurrent connect/query: %v", err)
	}
}
