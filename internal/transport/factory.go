// internal/transport/factory.go
package transport

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"instrument-service/internal/model"
	"instrument-service/internal/registry"
)

// Factory is the sole entry point driver code uses to obtain sessions. It
// resolves an identifier through the registry, constructs the matching
// session variant and opens it.
type Factory struct {
	registry *registry.Registry
	config   Config
	logger   *zap.Logger
}

// NewFactory creates a connection factory over a loaded registry.
func NewFactory(reg *registry.Registry, config Config, logger *zap.Logger) *Factory {
	return &Factory{
		registry: reg,
		config:   config.withDefaults(),
		logger:   logger.With(zap.String("component", "factory")),
	}
}

// Connect resolves an instrument identifier and returns a live session.
// Registry failures surface unchanged; on any open failure the partially
// constructed session is closed before the error is returned, so no handle
// leaks past this function.
func (f *Factory) Connect(ctx context.Context, id string) (Session, error) {
	params, err := f.registry.Resolve(id)
	if err != nil {
		return nil, err
	}

	session, err := f.NewSession(params)
	if err != nil {
		return nil, err
	}

	if err := session.Open(ctx); err != nil {
		session.Close()
		f.logger.Error("Failed to open session",
			zap.String("instrument", id),
			zap.String("kind", string(params.Kind)),
			zap.Error(err),
		)
		return nil, err
	}

	f.logger.Info("Instrument connected",
		zap.String("instrument", id),
		zap.String("kind", string(params.Kind)),
	)
	return session, nil
}

// NewSession constructs the session variant matching the transport kind
// without opening it.
func (f *Factory) NewSession(params model.ConnectionParameters) (Session, error) {
	switch params.Kind {
	case model.TransportEthernet:
		return NewTCPSession(params, f.config, f.logger), nil
	case model.TransportGPIBEthernet:
		return NewGPIBEthernetSession(params, f.config, f.logger), nil
	case model.TransportGPIB:
		return NewGPIBSession(params, f.config, f.logger), nil
	case model.TransportSerial:
		return NewSerialSession(params, f.config, f.logger), nil
	case model.TransportUSB:
		return NewUSBSession(params, f.config, f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind: %s", params.Kind)
	}
}
