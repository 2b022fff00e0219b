package modbus

import (
	"sort"
	"sync"

	"github.com/nexus-edge/medole-gateway/internal/domain"
	"github.com/nexus-edge/medole-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// Registry maps each connection identity to exactly one Manager for the
// lifetime of the registry. Devices sharing a serial port or gateway with the
// same slave id share a Manager and therefore its lock and throttle.
type Registry struct {
	mu       sync.Mutex
	managers map[domain.ConnectionIdentity]*Manager
	closed   bool

	factory    Factory
	logger     zerolog.Logger
	baseLogger zerolog.Logger
	metrics    *metrics.Registry
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFactory replaces the transport factory.
func WithFactory(f Factory) RegistryOption {
	return func(r *Registry) {
		r.factory = f
	}
}

// WithMetrics attaches a metrics registry.
func WithMetrics(m *metrics.Registry) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger zerolog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		managers:   make(map[domain.ConnectionIdentity]*Manager),
		factory:    Build,
		logger:     logger.With().Str("component", "modbus-registry").Logger(),
		baseLogger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the manager for cfg's identity, creating it on first use.
// Lookup and creation are atomic; concurrent first calls for one identity
// construct a single manager.
func (r *Registry) Resolve(cfg domain.TransportConfig) (*Manager, error) {
	cfg = cfg.WithDefaults()
	identity := cfg.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, domain.ErrServiceStopped
	}

	if m, ok := r.managers[identity]; ok {
		if m.Config() != cfg {
			r.logger.Warn().
				Str("connection", identity.String()).
				Msg("Connection already registered with different settings, reusing existing manager")
		}
		return m, nil
	}

	m, err := NewManager(cfg, r.factory, r.baseLogger, r.metrics)
	if err != nil {
		return nil, err
	}
	r.managers[identity] = m
	r.metrics.UpdateManagers(len(r.managers))

	r.logger.Info().
		Str("connection", identity.String()).
		Int("managers", len(r.managers)).
		Msg("Registered transport manager")

	return m, nil
}

// Get returns the manager registered for identity, if any.
func (r *Registry) Get(identity domain.ConnectionIdentity) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[identity]
	return m, ok
}

// Managers returns the registered managers ordered by identity.
func (r *Registry) Managers() []*Manager {
	r.mu.Lock()
	out := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].identity.String() < out[j].identity.String()
	})
	return out
}

// Len returns the number of registered managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// CloseAll closes every manager and stops the registry. Later calls to
// Resolve fail with ErrServiceStopped.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	// Close outside the registry lock: each Close waits for its in-flight
	// operation.
	for _, m := range managers {
		if err := m.Close(); err != nil {
			r.logger.Warn().Err(err).Str("connection", m.identity.String()).Msg("Error closing transport manager")
		}
	}

	r.logger.Info().Int("managers", len(managers)).Msg("Connection registry closed")
	return nil
}
