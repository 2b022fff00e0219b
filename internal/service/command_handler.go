package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-edge/medole-gateway/internal/dehumidifier"
	"github.com/nexus-edge/medole-gateway/internal/domain"
	"github.com/nexus-edge/medole-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// Subscriber delivers messages published on a topic.
type Subscriber interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// StateRefresher re-reads a device and publishes its state.
type StateRefresher interface {
	Poll(ctx context.Context, c *dehumidifier.Controller) error
}

// CommandAction names an operation on a dehumidifier.
type CommandAction string

// Supported command actions.
const (
	ActionTurnOn      CommandAction = "turn_on"
	ActionTurnOff     CommandAction = "turn_off"
	ActionSetMode     CommandAction = "set_mode"
	ActionSetHumidity CommandAction = "set_humidity"
)

// Command is a request received on a device's command topic.
type Command struct {
	RequestID string        `json:"request_id,omitempty"`
	DeviceID  string        `json:"-"`
	Action    CommandAction `json:"action"`
	Mode      string        `json:"mode,omitempty"`
	Humidity  *int          `json:"humidity,omitempty"`
	Timestamp time.Time     `json:"timestamp,omitempty"`
}

// CommandResponse reports the outcome of a Command.
type CommandResponse struct {
	RequestID string        `json:"request_id"`
	DeviceID  string        `json:"device_id"`
	Action    CommandAction `json:"action"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Humidity  *int          `json:"humidity,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration_ms"`
}

// CommandConfig holds configuration for the command handler.
type CommandConfig struct {
	// CommandTimeout bounds a single command, including every register write.
	CommandTimeout time.Duration

	// EnableAcknowledgement publishes a CommandResponse for every command.
	EnableAcknowledgement bool

	// RefreshAfterCommand re-reads the device and publishes its state
	// after a successful command.
	RefreshAfterCommand bool

	MaxConcurrentCommands int

	// CommandQueueSize is the number of commands buffered per device
	// before new ones are rejected.
	CommandQueueSize int
}

// DefaultCommandConfig returns defaults for command handling.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		CommandTimeout:        15 * time.Second,
		EnableAcknowledgement: true,
		RefreshAfterCommand:   true,
		MaxConcurrentCommands: 4,
		CommandQueueSize:      64,
	}
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	CommandsReceived  atomic.Uint64
	CommandsSucceeded atomic.Uint64
	CommandsFailed    atomic.Uint64
	CommandsRejected  atomic.Uint64
}

// CommandHandler applies commands received over MQTT to dehumidifiers.
// Each device has a bounded FIFO queue drained by a single worker, so
// commands for one device run in arrival order. A semaphore bounds how many
// devices are being commanded at once.
type CommandHandler struct {
	subscriber Subscriber
	publisher  StatePublisher
	refresher  StateRefresher
	devices    *DeviceSet
	logger     zerolog.Logger
	metrics    *metrics.Registry
	config     CommandConfig
	stats      *CommandStats

	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	semaphore chan struct{}
	queues    map[string]chan Command
}

// NewCommandHandler creates a new command handler. refresher may be nil.
func NewCommandHandler(
	subscriber Subscriber,
	publisher StatePublisher,
	refresher StateRefresher,
	devices *DeviceSet,
	config CommandConfig,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *CommandHandler {
	if config.MaxConcurrentCommands <= 0 {
		config.MaxConcurrentCommands = 4
	}
	if config.CommandQueueSize <= 0 {
		config.CommandQueueSize = 64
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 15 * time.Second
	}

	return &CommandHandler{
		subscriber: subscriber,
		publisher:  publisher,
		refresher:  refresher,
		devices:    devices,
		logger:     logger.With().Str("component", "command-handler").Logger(),
		metrics:    metricsReg,
		config:     config,
		stats:      &CommandStats{},
		semaphore:  make(chan struct{}, config.MaxConcurrentCommands),
		queues:     make(map[string]chan Command),
	}
}

// Start subscribes to every device's command topic and starts processing.
func (h *CommandHandler) Start(ctx context.Context) error {
	if h.running.Swap(true) {
		return nil
	}
	h.ctx, h.cancel = context.WithCancel(ctx)

	for _, c := range h.devices.All() {
		device := c.Device()
		queue, ok := h.queues[device.ID]
		if !ok {
			queue = make(chan Command, h.config.CommandQueueSize)
			h.queues[device.ID] = queue
		}
		h.wg.Add(1)
		go h.processQueue(queue)

		if err := h.subscriber.Subscribe(device.CommandTopic(), h.messageHandler(device.ID)); err != nil {
			h.logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to subscribe to command topic")
			continue
		}
		h.logger.Info().
			Str("device_id", device.ID).
			Str("topic", device.CommandTopic()).
			Msg("Listening for commands")
	}
	return nil
}

// Stop stops accepting commands and waits for the device workers to finish.
// Commands still queued are answered with ErrServiceStopped.
func (h *CommandHandler) Stop() error {
	if !h.running.Load() {
		return nil
	}
	h.cancel()
	h.wg.Wait()
	h.running.Store(false)
	h.logger.Info().Msg("Command handler stopped")
	return nil
}

// SubscribedTopics lists the command topics of all devices.
func (h *CommandHandler) SubscribedTopics() []string {
	controllers := h.devices.All()
	topics := make([]string, 0, len(controllers))
	for _, c := range controllers {
		topics = append(topics, c.Device().CommandTopic())
	}
	return topics
}

func (h *CommandHandler) messageHandler(deviceID string) func(string, []byte) {
	queue := h.queues[deviceID]
	return func(topic string, payload []byte) {
		h.stats.CommandsReceived.Add(1)

		cmd, err := ParseCommand(payload)
		if err != nil {
			h.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to parse command")
			h.stats.CommandsRejected.Add(1)
			h.metrics.RecordCommand("invalid", false)
			h.respond(Command{DeviceID: deviceID, RequestID: uuid.NewString()}, CommandResponse{Error: err.Error()})
			return
		}
		cmd.DeviceID = deviceID

		select {
		case queue <- cmd:
		default:
			h.logger.Warn().
				Str("device_id", deviceID).
				Str("action", string(cmd.Action)).
				Msg("Command rejected: queue full")
			h.stats.CommandsRejected.Add(1)
			h.metrics.RecordCommand(string(cmd.Action), false)
			h.respond(cmd, CommandResponse{Error: domain.ErrServiceOverloaded.Error()})
		}
	}
}

// ParseCommand decodes a command payload. Besides the JSON form, the bare
// strings ON and OFF are accepted as power commands.
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	trimmed := strings.TrimSpace(string(payload))

	switch strings.ToUpper(strings.Trim(trimmed, `"`)) {
	case "ON":
		cmd.Action = ActionTurnOn
	case "OFF":
		cmd.Action = ActionTurnOff
	default:
		if err := json.Unmarshal([]byte(trimmed), &cmd); err != nil {
			return Command{}, fmt.Errorf("%w: %v", domain.ErrInvalidCommand, err)
		}
	}

	if err := cmd.validate(); err != nil {
		return Command{}, err
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	return cmd, nil
}

func (c Command) validate() error {
	switch c.Action {
	case ActionTurnOn, ActionTurnOff:
		return nil
	case ActionSetMode:
		_, err := domain.ParseMode(c.Mode)
		return err
	case ActionSetHumidity:
		if c.Humidity == nil {
			return fmt.Errorf("%w: humidity is required", domain.ErrInvalidHumidity)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", domain.ErrInvalidCommand, c.Action)
	}
}

// processQueue runs the commands of one device one at a time.
func (h *CommandHandler) processQueue(queue chan Command) {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			h.drainQueue(queue)
			return
		case cmd := <-queue:
			h.run(cmd)
		}
	}
}

// drainQueue answers commands still queued at shutdown.
func (h *CommandHandler) drainQueue(queue chan Command) {
	for {
		select {
		case cmd := <-queue:
			h.stats.CommandsRejected.Add(1)
			h.respond(cmd, CommandResponse{Error: domain.ErrServiceStopped.Error()})
		default:
			return
		}
	}
}

// run executes cmd once a semaphore slot is free and returns when the
// command, its response and the follow-up refresh are done.
func (h *CommandHandler) run(cmd Command) {
	select {
	case h.semaphore <- struct{}{}:
	case <-h.ctx.Done():
		h.stats.CommandsRejected.Add(1)
		h.respond(cmd, CommandResponse{Error: domain.ErrServiceStopped.Error()})
		return
	}
	defer func() { <-h.semaphore }()

	resp := h.Execute(h.ctx, cmd)
	h.respond(cmd, resp)

	if resp.Success && h.config.RefreshAfterCommand && h.refresher != nil {
		if c, ok := h.devices.Get(cmd.DeviceID); ok {
			_ = h.refresher.Poll(h.ctx, c)
		}
	}
}

// Execute applies cmd to its device and reports the outcome.
func (h *CommandHandler) Execute(ctx context.Context, cmd Command) CommandResponse {
	start := time.Now()
	resp := CommandResponse{
		RequestID: cmd.RequestID,
		DeviceID:  cmd.DeviceID,
		Action:    cmd.Action,
	}

	err := h.execute(ctx, cmd, &resp)
	resp.Duration = time.Since(start)
	resp.Timestamp = time.Now()
	h.metrics.RecordCommand(string(cmd.Action), err == nil)

	if err != nil {
		h.stats.CommandsFailed.Add(1)
		resp.Error = err.Error()
		h.logger.Error().
			Err(err).
			Str("device_id", cmd.DeviceID).
			Str("request_id", cmd.RequestID).
			Str("action", string(cmd.Action)).
			Msg("Command failed")
		return resp
	}

	h.stats.CommandsSucceeded.Add(1)
	resp.Success = true
	h.logger.Debug().
		Str("device_id", cmd.DeviceID).
		Str("request_id", cmd.RequestID).
		Str("action", string(cmd.Action)).
		Dur("duration", resp.Duration).
		Msg("Command succeeded")
	return resp
}

func (h *CommandHandler) execute(ctx context.Context, cmd Command, resp *CommandResponse) error {
	c, ok := h.devices.Get(cmd.DeviceID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, cmd.DeviceID)
	}
	if err := cmd.validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, h.config.CommandTimeout)
	defer cancel()

	switch cmd.Action {
	case ActionTurnOn:
		return c.TurnOn(ctx)
	case ActionTurnOff:
		return c.TurnOff(ctx)
	case ActionSetMode:
		mode, _ := domain.ParseMode(cmd.Mode)
		return c.SetMode(ctx, mode)
	case ActionSetHumidity:
		target, err := c.SetHumidity(ctx, *cmd.Humidity)
		if err != nil {
			return err
		}
		resp.Humidity = &target
		return nil
	}
	return fmt.Errorf("%w: %q", domain.ErrInvalidCommand, cmd.Action)
}

// respond publishes resp on the device's response topic. Fields the caller
// left empty are filled from cmd.
func (h *CommandHandler) respond(cmd Command, resp CommandResponse) {
	if !h.config.EnableAcknowledgement || h.publisher == nil {
		return
	}
	if resp.RequestID == "" {
		resp.RequestID = cmd.RequestID
	}
	if resp.DeviceID == "" {
		resp.DeviceID = cmd.DeviceID
	}
	if resp.Action == "" {
		resp.Action = cmd.Action
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now()
	}

	c, ok := h.devices.Get(cmd.DeviceID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.config.CommandTimeout)
	defer cancel()
	if err := h.publisher.PublishJSON(ctx, c.Device().ResponseTopic(), resp, false); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Error().Err(err).Str("request_id", resp.RequestID).Msg("Failed to publish response")
	}
}

// Stats returns a snapshot of command handling statistics.
func (h *CommandHandler) Stats() map[string]uint64 {
	return map[string]uint64{
		"commands_received":  h.stats.CommandsReceived.Load(),
		"commands_succeeded": h.stats.CommandsSucceeded.Load(),
		"commands_failed":    h.stats.CommandsFailed.Load(),
		"commands_rejected":  h.stats.CommandsRejected.Load(),
	}
}
