// internal/transport/gateway.go
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// A GPIB/LAN gateway bridges TCP clients onto a physical GPIB bus and
// multiplexes every bus address over one socket. Control messages to the
// gateway itself are line-oriented and prefixed "++", which keeps them
// distinguishable from instrument payload. The gateway is single-duplex:
// the connection mutex is held across the whole address-select/write/read
// sequence so queries from different bus addresses never interleave.
type gatewayConn struct {
	address string
	logger  *zap.Logger

	mu   sync.Mutex
	conn net.Conn
	refs int
	dead bool

	// last bus address selected on the gateway, -1 until the first select
	currentAddr int
}

// gatewayPool shares one gatewayConn per gateway endpoint, reference
// counted so the socket closes when the last session releases it.
var gatewayPool = struct {
	sync.Mutex
	conns map[string]*gatewayConn
}{conns: make(map[string]*gatewayConn)}

// acquireGateway returns the shared connection for a gateway endpoint,
// dialing and configuring it on first use.
func acquireGateway(ctx context.Context, host string, port int, cfg Config, logger *zap.Logger) (*gatewayConn, error) {
	address := fmt.Sprintf("%s:%d", host, port)

	gatewayPool.Lock()
	defer gatewayPool.Unlock()

	if gw, ok := gatewayPool.conns[address]; ok && !gw.dead {
		gw.refs++
		return gw, nil
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial gateway %s: %v", classifyDialError(err), address, err)
	}

	gw := &gatewayConn{
		address:     address,
		conn:        conn,
		refs:        1,
		currentAddr: -1,
		logger:      logger.With(zap.String("gateway", address)),
	}
	if err := gw.setup(cfg.Timeout); err != nil {
		conn.Close()
		return nil, err
	}

	gatewayPool.conns[address] = gw
	gw.logger.Info("Gateway connection established")
	return gw, nil
}

// release drops one reference and closes the socket on the last one.
func (gw *gatewayConn) release() {
	gatewayPool.Lock()
	defer gatewayPool.Unlock()

	gw.mu.Lock()
	defer gw.mu.Unlock()

	gw.refs--
	if gw.refs > 0 {
		return
	}
	gw.closeLocked()
	// A dead entry may already have been replaced by a fresh dial, so only
	// remove the pool slot when it still belongs to this connection.
	if gatewayPool.conns[gw.address] == gw {
		delete(gatewayPool.conns, gw.address)
	}
}

func (gw *gatewayConn) closeLocked() {
	gw.dead = true
	if gw.conn != nil {
		gw.conn.Close()
		gw.conn = nil
		gw.logger.Info("Gateway connection closed")
	}
}

// setup puts the gateway in controller mode with read-on-demand: responses
// are only fetched by an explicit read command, which keeps the half-duplex
// query sequence under our control.
func (gw *gatewayConn) setup(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for _, cmd := range []string{"mode 1", "auto 0", "eoi 1"} {
		if err := gw.controlLocked(cmd, deadline); err != nil {
			return err
		}
	}
	return nil
}

// controlLocked sends one "++" control message to the gateway itself.
func (gw *gatewayConn) controlLocked(cmd string, deadline time.Time) error {
	if gw.dead || gw.conn == nil {
		return ErrDisconnected
	}
	gw.conn.SetWriteDeadline(deadline)
	if _, err := gw.conn.Write([]byte("++" + cmd + "\n")); err != nil {
		cls := classifyIOError(err)
		if cls == ErrDisconnected {
			gw.closeLocked()
		}
		return fmt.Errorf("%w: gateway control %q: %v", cls, cmd, err)
	}
	return nil
}

// selectLocked forwards the bus address for the next payload bytes. The
// select is skipped when the address is already current; the mutex being
// held across the whole sequence makes that safe.
func (gw *gatewayConn) selectLocked(addr int, deadline time.Time) error {
	if gw.currentAddr == addr {
		return nil
	}
	if err := gw.controlLocked(fmt.Sprintf("addr %d", addr), deadline); err != nil {
		return err
	}
	gw.currentAddr = addr
	return nil
}

// writeLocked sends instrument payload through the gateway.
func (gw *gatewayConn) writeLocked(payload []byte, deadline time.Time) error {
	if gw.dead || gw.conn == nil {
		return ErrDisconnected
	}
	gw.conn.SetWriteDeadline(deadline)
	if _, err := gw.conn.Write(payload); err != nil {
		cls := classifyIOError(err)
		if cls == ErrDisconnected {
			gw.closeLocked()
		}
		return fmt.Errorf("%w: gateway write: %v", cls, err)
	}
	return nil
}

// readLocked triggers a bus read and accumulates until the instrument
// terminator reports completion or the deadline expires.
func (gw *gatewayConn) readLocked(term model.Terminator, bufSize int, deadline time.Time) ([]byte, error) {
	if err := gw.controlLocked("read eoi", deadline); err != nil {
		return nil, err
	}

	gw.conn.SetReadDeadline(deadline)
	buf := make([]byte, bufSize)
	var response []byte
	for {
		n, err := gw.conn.Read(buf)
		if n > 0 {
			response = append(response, buf[:n]...)
		}
		if err != nil {
			cls := classifyIOError(err)
			if cls == ErrDisconnected {
				gw.closeLocked()
			}
			return nil, fmt.Errorf("%w: gateway read after %d bytes: %v", cls, len(response), err)
		}
		if term.IsComplete(response) {
			return response, nil
		}
	}
}

// GPIBEthernetSession implements Session for one bus address behind a
// shared GPIB/LAN gateway. Several sessions with different addresses hold
// non-owning references to the same gatewayConn.
type GPIBEthernetSession struct {
	params model.ConnectionParameters
	config Config
	logger *zap.Logger

	mu     sync.Mutex
	gw     *gatewayConn
	isOpen bool
	dead   bool
}

// NewGPIBEthernetSession creates a closed session for a bus-addressed
// instrument behind a network gateway.
func NewGPIBEthernetSession(params model.ConnectionParameters, config Config, logger *zap.Logger) *GPIBEthernetSession {
	return &GPIBEthernetSession{
		params: params,
		config: config.withDefaults(),
		logger: logger.With(
			zap.String("transport", "gpib-ethernet"),
			zap.String("instrument", params.ID),
			zap.String("gateway", params.Host),
			zap.Int("gpib_address", params.GPIBAddress),
		),
	}
}

// Open acquires (and if needed dials) the shared gateway connection.
func (s *GPIBEthernetSession) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return ErrDisconnected
	}
	if s.isOpen {
		return nil
	}

	port := s.params.Port
	if port == 0 {
		port = s.config.GatewayPort
	}
	gw, err := acquireGateway(ctx, s.params.Host, port, s.config, s.logger)
	if err != nil {
		s.logger.Error("Failed to reach gateway", zap.Error(err))
		return err
	}
	s.gw = gw
	s.isOpen = true
	s.logger.Info("Gateway session opened")
	return nil
}

// Close releases this session's reference on the gateway.
func (s *GPIBEthernetSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dead = true
	if !s.isOpen || s.gw == nil {
		return nil
	}
	s.gw.release()
	s.gw = nil
	s.isOpen = false
	s.logger.Info("Gateway session closed")
	return nil
}

// IsOpen reports whether the session is usable.
func (s *GPIBEthernetSession) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOpen && !s.dead && s.gw != nil
}

// Write selects the bus address and forwards one framed command.
func (s *GPIBEthernetSession) Write(ctx context.Context, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || !s.isOpen {
		return ErrDisconnected
	}

	gw := s.gw
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return s.writeGatewayLocked(ctx, command)
}

// writeGatewayLocked requires both the session and gateway locks.
func (s *GPIBEthernetSession) writeGatewayLocked(ctx context.Context, command string) error {
	deadline := s.config.deadline(ctx)
	if err := s.gw.selectLocked(s.params.GPIBAddress, deadline); err != nil {
		return s.latch(err)
	}
	if err := s.gw.writeLocked(s.framePayload(command), deadline); err != nil {
		return s.latch(err)
	}
	s.logger.Debug("Command sent", zap.String("command", command))
	return nil
}

// Read selects the bus address, triggers a bus read and deframes.
func (s *GPIBEthernetSession) Read(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || !s.isOpen {
		return "", ErrDisconnected
	}

	gw := s.gw
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return s.readGatewayLocked(ctx)
}

func (s *GPIBEthernetSession) readGatewayLocked(ctx context.Context) (string, error) {
	deadline := s.config.deadline(ctx)
	if err := s.gw.selectLocked(s.params.GPIBAddress, deadline); err != nil {
		return "", s.latch(err)
	}
	response, err := s.gw.readLocked(s.params.Terminator, s.config.ReadBufferSize, deadline)
	if err != nil {
		return "", s.latch(err)
	}
	if !utf8.Valid(response) {
		return "", fmt.Errorf("%w: response is not valid text", ErrMalformed)
	}
	s.logger.Debug("Response received", zap.Int("bytes", len(response)))
	return s.params.Terminator.Strip(response), nil
}

// Query performs the whole half-duplex sequence under the gateway lock, so
// concurrent queries through the same gateway are serialized on the wire.
// The instrument is returned to local control afterwards so its front
// panel stays usable between remote commands.
func (s *GPIBEthernetSession) Query(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || !s.isOpen {
		return "", ErrDisconnected
	}

	gw := s.gw
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if err := s.writeGatewayLocked(ctx, command); err != nil {
		return "", err
	}
	response, err := s.readGatewayLocked(ctx)
	if err != nil {
		return "", err
	}
	gw.controlLocked("loc", s.config.deadline(ctx))
	return response, nil
}

// StatusByte serial-polls the instrument through the gateway.
func (s *GPIBEthernetSession) StatusByte(ctx context.Context) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || !s.isOpen {
		return 0, ErrDisconnected
	}

	gw := s.gw
	gw.mu.Lock()
	defer gw.mu.Unlock()

	deadline := s.config.deadline(ctx)
	if err := gw.selectLocked(s.params.GPIBAddress, deadline); err != nil {
		return 0, s.latch(err)
	}
	if err := gw.controlLocked("spoll", deadline); err != nil {
		return 0, s.latch(err)
	}
	raw, err := gw.readLineLocked(deadline)
	if err != nil {
		return 0, s.latch(err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v < 0 || v > 255 {
		return 0, fmt.Errorf("%w: status byte %q", ErrMalformed, raw)
	}
	return byte(v), nil
}

// readLineLocked reads one LF-terminated gateway reply, used for replies
// to gateway control commands rather than instrument payload.
func (gw *gatewayConn) readLineLocked(deadline time.Time) (string, error) {
	if gw.dead || gw.conn == nil {
		return "", ErrDisconnected
	}
	gw.conn.SetReadDeadline(deadline)
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := gw.conn.Read(buf)
		if n > 0 {
			line = append(line, buf[0])
			if buf[0] == '\n' {
				return string(line), nil
			}
		}
		if err != nil {
			cls := classifyIOError(err)
			if cls == ErrDisconnected {
				gw.closeLocked()
			}
			return "", fmt.Errorf("%w: gateway status read: %v", cls, err)
		}
	}
}

// framePayload applies the instrument terminator; bus payload always needs
// a line delimiter for the gateway to forward it, so unterminated entries
// fall back to LF.
func (s *GPIBEthernetSession) framePayload(command string) []byte {
	framed := s.params.Terminator.Frame(command)
	if len(s.params.Terminator.Sequence()) == 0 {
		framed = append(framed, '\n')
	}
	return framed
}

// latch closes this session permanently when the shared gateway died.
func (s *GPIBEthernetSession) latch(err error) error {
	if s.gw != nil && s.gw.dead {
		s.dead = true
		s.isOpen = false
	}
	return err
}

// Kind identifies this session as GPIB over Ethernet.
func (s *GPIBEthernetSession) Kind() model.TransportKind { return model.TransportGPIBEthernet }

// Parameters returns the originating registry entry.
func (s *GPIBEthernetSession) Parameters() model.ConnectionParameters { return s.params }

var _ Session = (*GPIBEthernetSession)(nil)
