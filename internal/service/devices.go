package service

import (
	"sort"
	"sync"

	"github.com/nexus-edge/medole-gateway/internal/dehumidifier"
	"github.com/nexus-edge/medole-gateway/internal/domain"
)

// DeviceSet is the set of dehumidifier controllers known to the gateway,
// shared by the poller, the command handler and the HTTP API.
type DeviceSet struct {
	mu          sync.RWMutex
	controllers map[string]*dehumidifier.Controller
}

// NewDeviceSet creates an empty set.
func NewDeviceSet() *DeviceSet {
	return &DeviceSet{controllers: make(map[string]*dehumidifier.Controller)}
}

// Add registers a controller under its device ID.
func (s *DeviceSet) Add(c *dehumidifier.Controller) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := c.Device().ID
	if _, exists := s.controllers[id]; exists {
		return domain.ErrDeviceExists
	}
	s.controllers[id] = c
	return nil
}

// Get returns the controller for a device.
func (s *DeviceSet) Get(id string) (*dehumidifier.Controller, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.controllers[id]
	return c, ok
}

// All returns every controller ordered by device ID.
func (s *DeviceSet) All() []*dehumidifier.Controller {
	s.mu.RLock()
	out := make([]*dehumidifier.Controller, 0, len(s.controllers))
	for _, c := range s.controllers {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Device().ID < out[j].Device().ID
	})
	return out
}

// Len returns the number of devices.
func (s *DeviceSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.controllers)
}

// Online counts devices whose last refresh reached the unit.
func (s *DeviceSet) Online() int {
	n := 0
	for _, c := range s.All() {
		if c.State().Available {
			n++
		}
	}
	return n
}
