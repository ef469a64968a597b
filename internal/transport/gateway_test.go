// internal/transport/gateway_test.go
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// fakeGateway emulates a GPIB/LAN gateway: "++"-prefixed lines are control
// messages, anything else is payload for the currently selected address.
// It answers "++read eoi" with a canned per-address response to the last
// payload line, so interleaved writes from concurrent clients would
// scramble the answers and fail the assertions.
type fakeGateway struct {
	listener net.Listener

	mu          sync.Mutex
	accepted    int
	currentAddr int
	lastCommand map[int]string
	statusByte  int
}

func startFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gw := &fakeGateway{
		listener:    listener,
		currentAddr: -1,
		lastCommand: make(map[int]string),
		statusByte:  65,
	}
	go gw.serve()
	t.Cleanup(func() { listener.Close() })
	return gw
}

func (g *fakeGateway) serve() {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			return
		}
		g.mu.Lock()
		g.accepted++
		g.mu.Unlock()
		go g.handle(conn)
	}
}

func (g *fakeGateway) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		g.mu.Lock()
		switch {
		case strings.HasPrefix(line, "++addr "):
			if addr, err := strconv.Atoi(strings.TrimPrefix(line, "++addr ")); err == nil {
				g.currentAddr = addr
			}
		case line == "++read eoi":
			reply := fmt.Sprintf("addr%d:%s", g.currentAddr, g.lastCommand[g.currentAddr])
			conn.Write([]byte(reply + "\n"))
		case line == "++spoll":
			conn.Write([]byte(strconv.Itoa(g.statusByte) + "\n"))
		case strings.HasPrefix(line, "++"):
			// mode/auto/eoi/loc configuration, no reply expected
		default:
			g.lastCommand[g.currentAddr] = line
		}
		g.mu.Unlock()
	}
}

func (g *fakeGateway) connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted
}

func gatewayParams(t *testing.T, g *fakeGateway, id string, addr int) model.ConnectionParameters {
	t.Helper()
	tcpAddr := g.listener.Addr().(*net.TCPAddr)
	return model.ConnectionParameters{
		ID:          id,
		Kind:        model.TransportGPIBEthernet,
		Terminator:  model.TermLF,
		Host:        "127.0.0.1",
		Port:        tcpAddr.Port,
		GPIBAddress: addr,
	}
}

func TestGatewaySessionQuery(t *testing.T) {
	gw := startFakeGateway(t)

	session := NewGPIBEthernetSession(gatewayParams(t, gw, "OSA1", 3), Config{Timeout: time.Second}, zap.NewNop())
	if err := session.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()

	got, err := session.Query(context.Background(), "*IDN?")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != "addr3:*IDN?" {
		t.Fatalf("query = %q", got)
	}
}

func TestGatewaySharedAcrossSessions(t *testing.T) {
	gw := startFakeGateway(t)

	osa := NewGPIBEthernetSession(gatewayParams(t, gw, "OSA1", 3), Config{Timeout: time.Second}, zap.NewNop())
	esa := NewGPIBEthernetSession(gatewayParams(t, gw, "ESA1", 18), Config{Timeout: time.Second}, zap.NewNop())

	ctx := context.Background()
	if err := osa.Open(ctx); err != nil {
		t.Fatalf("open osa: %v", err)
	}
	defer osa.Close()
	if err := esa.Open(ctx); err != nil {
		t.Fatalf("open esa: %v", err)
	}
	defer esa.Close()

	// Both bus addresses are multiplexed over one physical socket.
	if n := gw.connections(); n != 1 {
		t.Fatalf("gateway accepted %d connections, want 1", n)
	}

	// Concurrent queries are serialized at the gateway socket: each caller
	// must get the answer for its own bus address and command.
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			cmd := fmt.Sprintf("OSA-%d?", i)
			got, err := osa.Query(ctx, cmd)
			if err != nil {
				errs <- err
				return
			}
			if want := "addr3:" + cmd; got != want {
				errs <- fmt.Errorf("osa query = %q, want %q", got, want)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			cmd := fmt.Sprintf("ESA-%d?", i)
			got, err := esa.Query(ctx, cmd)
			if err != nil {
				errs <- err
				return
			}
			if want := "addr18:" + cmd; got != want {
				errs <- fmt.Errorf("esa query = %q, want %q", got, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestGatewayReleasedOnLastClose(t *testing.T) {
	gw := startFakeGateway(t)

	ctx := context.Background()
	a := NewGPIBEthernetSession(gatewayParams(t, gw, "A", 1), Config{Timeout: time.Second}, zap.NewNop())
	b := NewGPIBEthernetSession(gatewayParams(t, gw, "B", 2), Config{Timeout: time.Second}, zap.NewNop())
	if err := a.Open(ctx); err != nil {
		t.Fatalf("open a: %v", err)
	}
	if err := b.Open(ctx); err != nil {
		t.Fatalf("open b: %v", err)
	}

	a.Close()
	// The socket survives the first close; the second reference still works.
	if _, err := b.Query(ctx, "PING?"); err != nil {
		t.Fatalf("query after sibling close: %v", err)
	}
	b.Close()

	// A fresh session after the last release dials a new socket.
	c := NewGPIBEthernetSession(gatewayParams(t, gw, "C", 4), Config{Timeout: time.Second}, zap.NewNop())
	if err := c.Open(ctx); err != nil {
		t.Fatalf("open c: %v", err)
	}
	defer c.Close()
	// The fake gateway counts accepts on its serve goroutine, so give the
	// accept of c's freshly dialed socket a moment to be recorded.
	deadline := time.Now().Add(2 * time.Second)
	for gw.connections() != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := gw.connections(); n != 2 {
		t.Fatalf("gateway accepted %d connections, want 2", n)
	}

	if _, err := a.Query(ctx, "X"); err == nil {
		t.Fatal("closed session accepted a query")
	}
}

func TestGatewayStatusByte(t *testing.T) {
	gw := startFakeGateway(t)

	session := NewGPIBEthernetSession(gatewayParams(t, gw, "OSA1", 3), Config{Timeout: time.Second}, zap.NewNop())
	if err := session.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()

	status, err := session.StatusByte(context.Background())
	if err != nil {
		t.Fatalf("status byte: %v", err)
	}
	if status != 65 {
		t.Fatalf("status byte = %d, want 65", status)
	}
}
