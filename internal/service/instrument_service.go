// internal/service/instrument_service.go
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/metrics"
	"instrument-service/internal/model"
	"instrument-service/internal/registry"
	"instrument-service/internal/transport"
	"instrument-service/internal/utils"
)

// InstrumentService owns the live sessions of the process. Each identifier
// maps to at most one open session; session I/O itself is serialized by the
// session, the service only guards the map. Sessions are never handed to
// two callers at once for raw use; all access goes through Query, Write
// and Read here.
type InstrumentService struct {
	registry *registry.Registry
	factory  *transport.Factory
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]transport.Session
}

// InstrumentInfo is the registry view exposed upward, without live state
// beyond the connected flag.
type InstrumentInfo struct {
	ID         string              `json:"id"`
	DeviceType model.DeviceType    `json:"device_type,omitempty"`
	Transport  model.TransportKind `json:"transport"`
	Connected  bool                `json:"connected"`
}

// NewInstrumentService creates the session manager.
func NewInstrumentService(reg *registry.Registry, factory *transport.Factory, logger *zap.Logger) *InstrumentService {
	return &InstrumentService{
		registry: reg,
		factory:  factory,
		logger:   logger.With(zap.String("component", "instrument-service")),
		sessions: make(map[string]transport.Session),
	}
}

// List returns every registry entry with its connection state.
func (s *InstrumentService) List() []InstrumentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.registry.Entries()
	infos := make([]InstrumentInfo, 0, len(entries))
	for _, params := range entries {
		session, ok := s.sessions[params.ID]
		infos = append(infos, InstrumentInfo{
			ID:         params.ID,
			DeviceType: params.Device,
			Transport:  params.Kind,
			Connected:  ok && session.IsOpen(),
		})
	}
	return infos
}

// Connect opens a session for the identifier. Connecting an already
// connected instrument is a no-op.
func (s *InstrumentService) Connect(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[id]; ok && session.IsOpen() {
		return nil
	}

	params, err := s.registry.Resolve(id)
	if err != nil {
		return err
	}

	session, err := s.factory.Connect(ctx, id)
	s.instrumentLogger(params).LogConnection("connect", err)
	if err != nil {
		metrics.ConnectsTotal.WithLabelValues(string(params.Kind), "error").Inc()
		return err
	}

	s.sessions[id] = session
	metrics.ConnectsTotal.WithLabelValues(string(params.Kind), "ok").Inc()
	metrics.OpenSessions.Inc()
	return nil
}

// Disconnect closes and forgets the session for the identifier.
func (s *InstrumentService) Disconnect(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %q", registry.ErrUnknownIdentifier, id)
	}
	delete(s.sessions, id)
	metrics.OpenSessions.Dec()
	err := session.Close()
	s.instrumentLogger(session.Parameters()).LogConnection("disconnect", err)
	return err
}

// Query issues one half-duplex query on the instrument's session.
func (s *InstrumentService) Query(ctx context.Context, id, command string) (string, error) {
	session, err := s.session(id)
	if err != nil {
		return "", err
	}

	start := time.Now()
	response, err := session.Query(ctx, command)
	s.observe(session, start, err)
	s.instrumentLogger(session.Parameters()).LogQuery(command, len(response), time.Since(start), err)
	if err != nil {
		return "", err
	}
	return response, nil
}

// Write sends one command without reading a response.
func (s *InstrumentService) Write(ctx context.Context, id, command string) error {
	session, err := s.session(id)
	if err != nil {
		return err
	}
	start := time.Now()
	err = session.Write(ctx, command)
	s.observe(session, start, err)
	return err
}

// Read fetches one pending response.
func (s *InstrumentService) Read(ctx context.Context, id string) (string, error) {
	session, err := s.session(id)
	if err != nil {
		return "", err
	}
	start := time.Now()
	response, err := session.Read(ctx)
	s.observe(session, start, err)
	return response, err
}

// CloseAll tears down every open session, used on shutdown.
func (s *InstrumentService) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, session := range s.sessions {
		if err := session.Close(); err != nil {
			s.logger.Warn("Failed to close session",
				zap.String("instrument", id),
				zap.Error(err),
			)
		}
		delete(s.sessions, id)
		metrics.OpenSessions.Dec()
	}
}

// session looks up the open session for an identifier.
func (s *InstrumentService) session(id string) (transport.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		if _, err := s.registry.Resolve(id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: instrument %q is not connected", transport.ErrDisconnected, id)
	}
	return session, nil
}

func (s *InstrumentService) instrumentLogger(params model.ConnectionParameters) *utils.InstrumentLogger {
	return utils.NewInstrumentLogger(s.logger, params.ID, string(params.Device), string(params.Kind))
}

func (s *InstrumentService) observe(session transport.Session, start time.Time, err error) {
	kind := string(session.Kind())
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.QueriesTotal.WithLabelValues(kind, status).Inc()
	metrics.QueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
