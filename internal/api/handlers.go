package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/nexus-edge/medole-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/medole-gateway/internal/dehumidifier"
	"github.com/nexus-edge/medole-gateway/internal/domain"
	"github.com/nexus-edge/medole-gateway/internal/service"
	"github.com/rs/zerolog"
)

// ConnectionReporter reports the state of every transport manager.
// Implemented by the modbus registry.
type ConnectionReporter interface {
	Stats() modbus.RegistryStats
}

// CommandExecutor applies a command synchronously.
// Implemented by the command handler.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd service.Command) service.CommandResponse
}

// SubscriptionProvider lists the MQTT topics the gateway listens on.
type SubscriptionProvider interface {
	SubscribedTopics() []string
}

// DeviceView is a device's configuration together with its cached state.
type DeviceView struct {
	Device    *domain.Device `json:"device"`
	State     domain.State   `json:"state"`
	LastError string         `json:"last_error,omitempty"`
}

// TopicsOverview lists published and subscribed topics per device.
type TopicsOverview struct {
	GeneratedAt   time.Time    `json:"generated_at"`
	Subscriptions []string     `json:"subscriptions"`
	Routes        []TopicRoute `json:"routes"`
}

// TopicRoute is the topic set of one device.
type TopicRoute struct {
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	Enabled       bool   `json:"enabled"`
	StateTopic    string `json:"state_topic"`
	CommandTopic  string `json:"command_topic"`
	ResponseTopic string `json:"response_topic"`
}

// APIHandler serves device, connection and command endpoints.
type APIHandler struct {
	devices       *service.DeviceSet
	connections   ConnectionReporter
	commands      CommandExecutor
	subscriptions SubscriptionProvider
	logger        zerolog.Logger
}

// NewAPIHandler creates a new API handler. commands and subscriptions may
// be nil.
func NewAPIHandler(
	devices *service.DeviceSet,
	connections ConnectionReporter,
	commands CommandExecutor,
	subscriptions SubscriptionProvider,
	logger zerolog.Logger,
) *APIHandler {
	return &APIHandler{
		devices:       devices,
		connections:   connections,
		commands:      commands,
		subscriptions: subscriptions,
		logger:        logger.With().Str("component", "api").Logger(),
	}
}

// Register mounts the handlers on mux.
func (h *APIHandler) Register(mux *http.ServeMux, mw *Middleware) {
	mux.HandleFunc("GET /api/devices", mw.ReadOnly(h.GetDevicesHandler))
	mux.HandleFunc("GET /api/devices/{id}", mw.ReadOnly(h.GetDeviceHandler))
	mux.HandleFunc("POST /api/devices/{id}/command", mw.Secure(h.CommandHandler))
	mux.HandleFunc("GET /api/connections", mw.ReadOnly(h.ConnectionsHandler))
	mux.HandleFunc("GET /api/topics", mw.ReadOnly(h.TopicsHandler))
}

// GetDevicesHandler returns every device with its cached state.
func (h *APIHandler) GetDevicesHandler(w http.ResponseWriter, _ *http.Request) {
	controllers := h.devices.All()
	views := make([]DeviceView, 0, len(controllers))
	for _, c := range controllers {
		views = append(views, viewOf(c))
	}
	h.writeJSON(w, http.StatusOK, views)
}

// GetDeviceHandler returns one device with its cached state.
func (h *APIHandler) GetDeviceHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := h.devices.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, viewOf(c))
}

// CommandHandler applies the command in the request body and returns the
// outcome. The request waits for the device.
func (h *APIHandler) CommandHandler(w http.ResponseWriter, r *http.Request) {
	if h.commands == nil {
		http.Error(w, "Commands are disabled", http.StatusServiceUnavailable)
		return
	}

	id := r.PathValue("id")
	if _, ok := h.devices.Get(id); !ok {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	cmd, err := service.ParseCommand(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmd.DeviceID = id

	resp := h.commands.Execute(r.Context(), cmd)
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusBadGateway
	}
	h.writeJSON(w, status, resp)
}

// ConnectionsHandler returns the transport managers and their counters.
func (h *APIHandler) ConnectionsHandler(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.connections.Stats())
}

// TopicsHandler returns the MQTT topics of every device.
func (h *APIHandler) TopicsHandler(w http.ResponseWriter, _ *http.Request) {
	overview := TopicsOverview{
		GeneratedAt:   time.Now(),
		Subscriptions: []string{},
	}
	if h.subscriptions != nil {
		overview.Subscriptions = h.subscriptions.SubscribedTopics()
		sort.Strings(overview.Subscriptions)
	}
	for _, c := range h.devices.All() {
		d := c.Device()
		overview.Routes = append(overview.Routes, TopicRoute{
			DeviceID:      d.ID,
			DeviceName:    d.Name,
			Enabled:       d.Enabled,
			StateTopic:    d.StateTopic(),
			CommandTopic:  d.CommandTopic(),
			ResponseTopic: d.ResponseTopic(),
		})
	}
	h.writeJSON(w, http.StatusOK, overview)
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func viewOf(c *dehumidifier.Controller) DeviceView {
	v := DeviceView{Device: c.Device(), State: c.State()}
	if err := c.LastError(); err != nil {
		v.LastError = err.Error()
	}
	return v
}
