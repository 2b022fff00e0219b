// Package main is the entry point for the Medole gateway service.
// It bridges Medole dehumidifiers on Modbus links to MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nexus-edge/medole-gateway/internal/adapter/config"
	"github.com/nexus-edge/medole-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/medole-gateway/internal/adapter/mqtt"
	"github.com/nexus-edge/medole-gateway/internal/api"
	"github.com/nexus-edge/medole-gateway/internal/dehumidifier"
	"github.com/nexus-edge/medole-gateway/internal/health"
	"github.com/nexus-edge/medole-gateway/internal/metrics"
	"github.com/nexus-edge/medole-gateway/internal/service"
	"github.com/nexus-edge/medole-gateway/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	serviceName    = "medole-gateway"
	serviceVersion = "1.0.0"
)

func main() {
	// A missing .env is normal outside development.
	envErr := godotenv.Load()

	bootLogger := logging.New(serviceName, serviceVersion)
	if envErr == nil {
		bootLogger.Debug().Msg("Loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		},
	})
	logger.Info().Str("env", cfg.Environment).Msg("Starting Medole gateway")

	metricsRegistry := metrics.NewRegistry(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =============================================================
	// Devices and transports
	// =============================================================

	devices, err := config.LoadDevices(cfg.DevicesConfigPath, cfg.Modbus.Timeout)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DevicesConfigPath).Msg("Failed to load device configurations")
	}

	registry := modbus.NewRegistry(logger, modbus.WithMetrics(metricsRegistry))
	deviceSet := service.NewDeviceSet()

	for _, device := range devices {
		manager, err := registry.Resolve(device.Connection)
		if err != nil {
			logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to resolve connection")
			continue
		}
		if err := deviceSet.Add(dehumidifier.New(device, manager, logger)); err != nil {
			logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to register device")
			continue
		}
		logger.Info().
			Str("device_id", device.ID).
			Str("connection", manager.Identity().String()).
			Msg("Registered device")
	}
	metricsRegistry.UpdateDeviceCount(deviceSet.Len(), 0)

	// =============================================================
	// MQTT and services
	// =============================================================

	publisher := mqtt.NewPublisher(mqtt.Config{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		CleanSession:   cfg.MQTT.CleanSession,
		QoS:            cfg.MQTT.QoS,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		ReconnectDelay: cfg.MQTT.ReconnectDelay,
		TLSEnabled:     cfg.MQTT.TLSEnabled,
		TLSCertFile:    cfg.MQTT.TLSCertFile,
		TLSKeyFile:     cfg.MQTT.TLSKeyFile,
		TLSCAFile:      cfg.MQTT.TLSCAFile,
		BufferSize:     cfg.MQTT.BufferSize,
		PublishTimeout: cfg.MQTT.PublishTimeout,
		RetainState:    cfg.MQTT.RetainState,
	}, logger, metricsRegistry)

	// Polling continues without a broker; state is buffered until it returns.
	if err := publisher.Connect(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to connect to MQTT broker, will keep retrying")
	}

	pollingSvc := service.NewPollingService(service.PollingConfig{
		WorkerCount:     cfg.Polling.WorkerCount,
		CycleTimeout:    cfg.Polling.CycleTimeout,
		ReadSensors:     cfg.Polling.ReadSensors,
		ShutdownTimeout: cfg.Polling.ShutdownTimeout,
	}, deviceSet, publisher, logger, metricsRegistry)

	cmdHandler := service.NewCommandHandler(publisher, publisher, pollingSvc, deviceSet, service.CommandConfig{
		CommandTimeout:        cfg.Commands.Timeout,
		EnableAcknowledgement: cfg.Commands.Acknowledge,
		RefreshAfterCommand:   cfg.Commands.RefreshAfterCommand,
		MaxConcurrentCommands: cfg.Commands.MaxConcurrent,
		CommandQueueSize:      cfg.Commands.QueueSize,
	}, logger, metricsRegistry)

	if err := pollingSvc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start polling service")
	}
	if err := cmdHandler.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to start command handler")
	}

	// =============================================================
	// Health checks and HTTP server
	// =============================================================

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("modbus_registry", registry)
	healthChecker.AddOptionalCheck("mqtt", publisher)
	healthChecker.AddOptionalCheck("devices", health.CheckerFunc(func(context.Context) error {
		if deviceSet.Len() > 0 && deviceSet.Online() == 0 {
			return errors.New("no device reachable")
		}
		return nil
	}))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthChecker.HealthHandler)
	mux.HandleFunc("GET /health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("GET /health/ready", healthChecker.ReadinessHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	apiHandler := api.NewAPIHandler(deviceSet, registry, cmdHandler, cmdHandler, logger)
	apiHandler.Register(mux, api.NewMiddleware(cfg.API, logger))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Int("devices", deviceSet.Len()).
		Int("connections", registry.Len()).
		Int("http_port", cfg.HTTP.Port).
		Str("mqtt_broker", cfg.MQTT.BrokerURL).
		Msg("Medole gateway started successfully")

	// =============================================================
	// Shutdown Handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := cmdHandler.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping command handler")
	}

	pollCtx, pollCancel := context.WithTimeout(shutdownCtx, cfg.Polling.ShutdownTimeout)
	if err := pollingSvc.Stop(pollCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping polling service")
	}
	pollCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	publisher.Disconnect()

	if err := registry.CloseAll(); err != nil {
		logger.Error().Err(err).Msg("Error closing Modbus connections")
	}

	logger.Info().Msg("Medole gateway shutdown complete")
}
