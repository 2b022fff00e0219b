package modbus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/medole-gateway/internal/domain"
)

// ManagerStats is a point-in-time view of one transport manager.
type ManagerStats struct {
	Identity        string    `json:"identity"`
	Connected       bool      `json:"connected"`
	Reads           uint64    `json:"reads"`
	Writes          uint64    `json:"writes"`
	ProtocolErrors  uint64    `json:"protocol_errors"`
	LinkErrors      uint64    `json:"link_errors"`
	Disconnected    uint64    `json:"disconnected"`
	Connects        uint64    `json:"connects"`
	ConnectFailures uint64    `json:"connect_failures"`
	Throttled       uint64    `json:"throttled"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorTime   time.Time `json:"last_error_time,omitempty"`
	LastSuccessTime time.Time `json:"last_success_time,omitempty"`
}

// RegistryStats summarizes the connection registry.
type RegistryStats struct {
	Managers    int            `json:"managers"`
	Connected   int            `json:"connected"`
	Connections []ManagerStats `json:"connections"`
}

// managerStats is updated from inside the manager lock and read from
// anywhere; connected mirrors the manager's flag for lock-free snapshots.
type managerStats struct {
	identity        string
	connected       atomic.Bool
	reads           atomic.Uint64
	writes          atomic.Uint64
	protocolErrors  atomic.Uint64
	linkErrors      atomic.Uint64
	disconnected    atomic.Uint64
	connects        atomic.Uint64
	connectFailures atomic.Uint64
	throttled       atomic.Uint64

	mu            sync.Mutex
	lastError     error
	lastErrorTime time.Time
	lastSuccess   time.Time
}

func newManagerStats(identity string) *managerStats {
	return &managerStats{identity: identity}
}

func (s *managerStats) recordSuccess(op opKind) {
	if op == opRead {
		s.reads.Add(1)
	} else {
		s.writes.Add(1)
	}
	s.mu.Lock()
	s.lastSuccess = time.Now()
	s.mu.Unlock()
}

func (s *managerStats) recordFailure(err error) {
	switch {
	case errors.Is(err, domain.ErrProtocol):
		s.protocolErrors.Add(1)
	case errors.Is(err, domain.ErrDisconnected):
		s.disconnected.Add(1)
	default:
		s.linkErrors.Add(1)
	}
	s.mu.Lock()
	s.lastError = err
	s.lastErrorTime = time.Now()
	s.mu.Unlock()
}

func (s *managerStats) recordConnect(ok bool) {
	if ok {
		s.connects.Add(1)
	} else {
		s.connectFailures.Add(1)
	}
}

func (s *managerStats) snapshot() ManagerStats {
	out := ManagerStats{
		Identity:        s.identity,
		Connected:       s.connected.Load(),
		Reads:           s.reads.Load(),
		Writes:          s.writes.Load(),
		ProtocolErrors:  s.protocolErrors.Load(),
		LinkErrors:      s.linkErrors.Load(),
		Disconnected:    s.disconnected.Load(),
		Connects:        s.connects.Load(),
		ConnectFailures: s.connectFailures.Load(),
		Throttled:       s.throttled.Load(),
	}
	s.mu.Lock()
	if s.lastError != nil {
		out.LastError = s.lastError.Error()
	}
	out.LastErrorTime = s.lastErrorTime
	out.LastSuccessTime = s.lastSuccess
	s.mu.Unlock()
	return out
}

func formatAddress(address uint16) string {
	return fmt.Sprintf("0x%04X", address)
}
