//go:build integration
// +build integration

// Package integration provides helpers for tests that run against a
// simulated dehumidifier and a real MQTT broker.
package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/nexus-edge/medole-gateway/internal/simulator"
	"github.com/rs/zerolog"
)

// TestConfig holds configuration for integration tests.
type TestConfig struct {
	MQTTHost string
	MQTTPort int
}

// DefaultConfig returns the default test configuration.
// Override with environment variables.
func DefaultConfig() TestConfig {
	return TestConfig{
		MQTTHost: getEnvOrDefault("TEST_MQTT_HOST", "localhost"),
		MQTTPort: getEnvOrDefaultInt("TEST_MQTT_PORT", 1883),
	}
}

// MQTTBrokerURL returns the broker URL for the configured host and port.
func (c TestConfig) MQTTBrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTHost, c.MQTTPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvOrDefaultInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// ContextWithTestTimeout returns a context with a test timeout.
func ContextWithTestTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	timeout := 30 * time.Second
	if testing.Short() {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// StartSimulator runs a dehumidifier simulator on a free loopback port for
// the duration of the test.
func StartSimulator(t *testing.T, unitID uint8) *simulator.Simulator {
	t.Helper()
	sim := simulator.New(simulator.Config{ListenAddr: "127.0.0.1:0", UnitID: unitID}, zerolog.Nop())
	if err := sim.Start(); err != nil {
		t.Fatalf("failed to start simulator: %v", err)
	}
	t.Cleanup(func() { _ = sim.Stop() })
	return sim
}

// SimulatorHostPort splits the simulator address for a TransportConfig.
func SimulatorHostPort(t *testing.T, sim *simulator.Simulator) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(sim.Addr())
	if err != nil {
		t.Fatalf("bad simulator address %q: %v", sim.Addr(), err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("bad simulator port %q: %v", port, err)
	}
	return host, n
}

// SkipIfNoMQTTBroker skips the test if the MQTT broker is not reachable.
func SkipIfNoMQTTBroker(t *testing.T, host string, port int) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), time.Second)
	if err != nil {
		t.Skipf("MQTT broker not available at %s:%d: %v", host, port, err)
	}
	_ = conn.Close()
}
