package simulator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/simonvetter/modbus"
)

// Config holds simulator configuration.
type Config struct {
	// ListenAddr is host:port. Port 0 picks a free port.
	ListenAddr string
	UnitID     uint8
	// StepInterval advances the room model; zero freezes it.
	StepInterval time.Duration
	MaxClients   uint
}

// Simulator serves a Bank over Modbus TCP.
type Simulator struct {
	config Config
	bank   *Bank
	logger zerolog.Logger

	mu     sync.Mutex
	server *modbus.ModbusServer
	addr   string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a simulator. It does not listen until Start.
func New(config Config, logger zerolog.Logger) *Simulator {
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:5020"
	}
	if config.UnitID == 0 {
		config.UnitID = 1
	}
	if config.MaxClients == 0 {
		config.MaxClients = 8
	}
	return &Simulator{
		config: config,
		bank:   NewBank(config.UnitID),
		logger: logger.With().Str("component", "simulator").Logger(),
	}
}

// Bank returns the simulated register file.
func (s *Simulator) Bank() *Bank {
	return s.bank
}

// Addr returns the address the server listens on, once started.
func (s *Simulator) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start begins serving and, when configured, stepping the room model.
func (s *Simulator) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	// A restart keeps the port picked on first start.
	addr := s.addr
	if addr == "" {
		var err error
		if addr, err = resolveListenAddr(s.config.ListenAddr); err != nil {
			return err
		}
	}

	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        "tcp://" + addr,
		Timeout:    30 * time.Second,
		MaxClients: s.config.MaxClients,
	}, s.bank)
	if err != nil {
		return fmt.Errorf("create modbus server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("start modbus server on %s: %w", addr, err)
	}
	s.server = server
	s.addr = addr

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.config.StepInterval > 0 {
		s.wg.Add(1)
		go s.run(ctx)
	}

	s.logger.Info().
		Str("addr", addr).
		Uint8("unit_id", s.config.UnitID).
		Msg("Simulator listening")
	return nil
}

// Stop shuts the server down.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	server := s.server
	cancel := s.cancel
	s.server = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	return server.Stop()
}

func (s *Simulator) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.StepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.bank.Step()
		}
	}
}

// resolveListenAddr replaces port 0 with a free port, since the server
// does not report the port it bound.
func resolveListenAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if port != "0" {
		return addr, nil
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", fmt.Errorf("find free port: %w", err)
	}
	defer l.Close()
	return l.Addr().String(), nil
}
