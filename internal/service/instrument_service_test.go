// internal/service/instrument_service_test.go
package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/registry"
	"instrument-service/internal/transport"
)

// startEchoInstrument answers every LF-terminated command with IDENT.
func startEchoInstrument(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						return
					}
					cmd := strings.TrimRight(line, "\r\n")
					conn.Write([]byte("echo:" + cmd + "\n"))
				}
			}()
		}
	}()
	return listener.Addr().(*net.TCPAddr).Port
}

func newTestService(t *testing.T, registryContent string) *InstrumentService {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instruments.ini")
	if err := os.WriteFile(path, []byte(registryContent), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	reg, err := registry.Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	factory := transport.NewFactory(reg, transport.Config{Timeout: time.Second}, zap.NewNop())
	return NewInstrumentService(reg, factory, zap.NewNop())
}

func TestServiceConnectQueryDisconnect(t *testing.T) {
	port := startEchoInstrument(t)
	svc := newTestService(t, fmt.Sprintf(`
[OSC1]
device_type = osc
ip_address = 127.0.0.1
port = %d
terminating_char = LF
`, port))

	ctx := context.Background()
	if err := svc.Connect(ctx, "OSC1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// Reconnecting an open instrument is a no-op.
	if err := svc.Connect(ctx, "OSC1"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	got, err := svc.Query(ctx, "OSC1", "*IDN?")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != "echo:*IDN?" {
		t.Fatalf("query = %q", got)
	}

	infos := svc.List()
	if len(infos) != 1 || !infos[0].Connected {
		t.Fatalf("list = %+v", infos)
	}

	if err := svc.Disconnect("OSC1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := svc.Query(ctx, "OSC1", "*IDN?"); !errors.Is(err, transport.ErrDisconnected) {
		t.Fatalf("query after disconnect: %v", err)
	}
}

func TestServiceQueryUnknownInstrument(t *testing.T) {
	svc := newTestService(t, "[PM1]\nserial_number = P1003109\n")
	_, err := svc.Query(context.Background(), "nope", "*IDN?")
	if !errors.Is(err, registry.ErrUnknownIdentifier) {
		t.Fatalf("expected ErrUnknownIdentifier, got %v", err)
	}
}

func TestServiceQueryNotConnected(t *testing.T) {
	svc := newTestService(t, "[PM1]\nserial_number = P1003109\n")
	_, err := svc.Query(context.Background(), "PM1", "*IDN?")
	if !errors.Is(err, transport.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}
