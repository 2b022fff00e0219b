package modbus

import (
	"context"

	"github.com/nexus-edge/medole-gateway/internal/domain"
)

// Stats returns a snapshot of every manager in the registry.
func (r *Registry) Stats() RegistryStats {
	managers := r.Managers()
	stats := RegistryStats{
		Managers:    len(managers),
		Connections: make([]ManagerStats, 0, len(managers)),
	}
	for _, m := range managers {
		s := m.Stats()
		if s.Connected {
			stats.Connected++
		}
		stats.Connections = append(stats.Connections, s)
	}
	return stats
}

// HealthCheck implements the health.Checker interface. The registry is
// healthy while it is open; individual links are reported through Stats.
func (r *Registry) HealthCheck(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return domain.ErrServiceStopped
	}
	return ctx.Err()
}
