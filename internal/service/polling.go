// Package service runs the gateway's background work: polling every
// dehumidifier and applying commands received over MQTT.
package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/medole-gateway/internal/dehumidifier"
	"github.com/nexus-edge/medole-gateway/internal/domain"
	"github.com/nexus-edge/medole-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// StatePublisher publishes JSON documents.
type StatePublisher interface {
	PublishJSON(ctx context.Context, topic string, v any, retained bool) error
}

// PollingService refreshes every device on its interval and publishes the
// resulting state.
type PollingService struct {
	config     PollingConfig
	devices    *DeviceSet
	publisher  StatePublisher
	logger     zerolog.Logger
	metrics    *metrics.Registry
	started    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	workerPool chan struct{}
	stats      *PollingStats
}

// PollingConfig holds configuration for the polling service.
type PollingConfig struct {
	WorkerCount     int
	CycleTimeout    time.Duration
	ReadSensors     bool
	ShutdownTimeout time.Duration
}

// PollingStats tracks polling statistics.
type PollingStats struct {
	TotalPolls   atomic.Uint64
	SuccessPolls atomic.Uint64
	FailedPolls  atomic.Uint64
	SkippedPolls atomic.Uint64
	Published    atomic.Uint64
}

// NewPollingService creates a new polling service.
func NewPollingService(
	config PollingConfig,
	devices *DeviceSet,
	publisher StatePublisher,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *PollingService {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}
	if config.CycleTimeout <= 0 {
		config.CycleTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	return &PollingService{
		config:     config,
		devices:    devices,
		publisher:  publisher,
		logger:     logger.With().Str("component", "polling-service").Logger(),
		metrics:    metricsReg,
		workerPool: make(chan struct{}, config.WorkerCount),
		stats:      &PollingStats{},
	}
}

// Start launches one poller per enabled device.
func (s *PollingService) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	controllers := s.devices.All()
	s.logger.Info().
		Int("devices", len(controllers)).
		Int("workers", s.config.WorkerCount).
		Msg("Starting polling service")

	for _, c := range controllers {
		if !c.Device().Enabled {
			s.logger.Debug().Str("device_id", c.Device().ID).Msg("Skipping disabled device")
			continue
		}
		s.startDevicePoller(c)
	}
	return nil
}

// Stop cancels all pollers and waits for in-flight cycles.
func (s *PollingService) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}

	s.logger.Info().Msg("Stopping polling service")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All pollers stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Timeout waiting for pollers to stop")
	}

	s.started.Store(false)
	return nil
}

// startDevicePoller runs the poll loop for one device. The first poll is
// delayed by up to 10% of the interval so devices on a shared link do not
// start in lockstep.
func (s *PollingService) startDevicePoller(c *dehumidifier.Controller) {
	interval := c.Device().PollInterval
	if interval <= 0 {
		interval = domain.DefaultPollInterval
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if jitterMax := interval / 10; jitterMax > 0 {
			select {
			case <-time.After(time.Duration(rand.Int63n(int64(jitterMax)))):
			case <-s.ctx.Done():
				return
			}
		}

		s.logger.Debug().
			Str("device_id", c.Device().ID).
			Dur("interval", interval).
			Msg("Starting device poller")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.pollDevice(c)
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.pollDevice(c)
			}
		}
	}()
}

// pollDevice runs one cycle unless every worker is busy.
func (s *PollingService) pollDevice(c *dehumidifier.Controller) {
	select {
	case s.workerPool <- struct{}{}:
		defer func() { <-s.workerPool }()
	case <-s.ctx.Done():
		return
	default:
		s.stats.SkippedPolls.Add(1)
		s.metrics.RecordPollSkipped()
		s.logger.Debug().Str("device_id", c.Device().ID).Msg("Poll skipped: worker pool full")
		return
	}

	_ = s.Poll(s.ctx, c)
}

// Poll refreshes one device and publishes its state. It is also used to
// publish fresh state right after a command.
func (s *PollingService) Poll(ctx context.Context, c *dehumidifier.Controller) error {
	device := c.Device()
	s.stats.TotalPolls.Add(1)
	start := time.Now()

	cycleCtx, cancel := context.WithTimeout(ctx, s.config.CycleTimeout)
	defer cancel()

	err := c.Refresh(cycleCtx)
	if err == nil && s.config.ReadSensors {
		if sensorErr := c.ReadSensors(cycleCtx); sensorErr != nil {
			s.metrics.RecordPollError(device.ID, "sensors")
		}
	}

	if err != nil {
		s.stats.FailedPolls.Add(1)
		s.metrics.RecordPollError(device.ID, errorType(err))
		s.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Poll cycle failed")
	} else {
		s.stats.SuccessPolls.Add(1)
		s.metrics.RecordPollSuccess(device.ID, time.Since(start).Seconds())
	}
	s.metrics.UpdateDeviceCount(s.devices.Len(), s.devices.Online())

	if s.publisher == nil || ctx.Err() != nil {
		return err
	}
	if pubErr := s.publisher.PublishJSON(ctx, device.StateTopic(), c.State(), true); pubErr != nil {
		s.logger.Warn().Err(pubErr).Str("device_id", device.ID).Msg("Failed to publish state")
	} else {
		s.stats.Published.Add(1)
	}
	return err
}

// Stats returns the service counters.
func (s *PollingService) Stats() *PollingStats {
	return s.stats
}

// errorType labels a poll failure for metrics.
func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, domain.ErrDisconnected):
		return "disconnected"
	case errors.Is(err, domain.ErrLink):
		return "link"
	case errors.Is(err, domain.ErrProtocol):
		return "protocol"
	default:
		return "other"
	}
}
