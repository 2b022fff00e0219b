// Package main runs a simulated Medole dehumidifier on Modbus TCP for
// development without hardware.
package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nexus-edge/medole-gateway/internal/simulator"
	"github.com/nexus-edge/medole-gateway/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	logger := logging.New("medole-simulator", "1.0.0")

	cfg := simulator.Config{
		ListenAddr:   envOr("SIMULATOR_LISTEN", "127.0.0.1:5020"),
		StepInterval: 5 * time.Second,
	}
	if v := os.Getenv("SIMULATOR_UNIT_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			logger.Fatal().Err(err).Str("value", v).Msg("Invalid SIMULATOR_UNIT_ID")
		}
		cfg.UnitID = uint8(id)
	}
	if v := os.Getenv("SIMULATOR_STEP"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Fatal().Err(err).Str("value", v).Msg("Invalid SIMULATOR_STEP")
		}
		cfg.StepInterval = d
	}

	sim := simulator.New(cfg, logger)
	if err := sim.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start simulator")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := sim.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping simulator")
	}
	logger.Info().Msg("Simulator stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
