// Package metrics provides Prometheus metrics for the Medole gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "medole"

// Operation results used as label values.
const (
	ResultOK            = "ok"
	ResultProtocolError = "protocol_error"
	ResultLinkError     = "link_error"
	ResultDisconnected  = "disconnected"
)

// Registry holds all Prometheus metrics for the service. A nil *Registry is
// valid and records nothing.
type Registry struct {
	// Transport metrics
	ActiveConnections  prometheus.Gauge
	ManagersRegistered prometheus.Gauge
	ConnectAttempts    *prometheus.CounterVec
	ConnectLatency     prometheus.Histogram
	Operations         *prometheus.CounterVec
	AbandonedWaits     *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	ThrottleWait       prometheus.Histogram
	LockWait           prometheus.Histogram

	// Polling metrics
	PollsTotal   *prometheus.CounterVec
	PollsSkipped prometheus.Counter
	PollDuration *prometheus.HistogramVec
	PollErrors   *prometheus.CounterVec

	// Command metrics
	CommandsTotal *prometheus.CounterVec

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
	MQTTPublishLatency    prometheus.Histogram
	MQTTReconnects        prometheus.Counter
	MQTTBreakerState      prometheus.Gauge

	// Device metrics
	DevicesRegistered prometheus.Gauge
	DevicesOnline     prometheus.Gauge
}

// NewRegistry creates the metrics and registers them with reg. A nil reg
// registers with the default Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Registry{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "active_connections",
			Help:      "Number of transport managers with an open link",
		}),
		ManagersRegistered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "managers",
			Help:      "Number of transport managers in the connection registry",
		}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connect_attempts_total",
			Help:      "Total number of link open attempts",
		}, []string{"kind", "result"}),
		ConnectLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connect_latency_seconds",
			Help:      "Link open latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "operations_total",
			Help:      "Register operations by kind and result",
		}, []string{"op", "result"}),
		AbandonedWaits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "abandoned_waits_total",
			Help:      "Callers that stopped waiting before their operation finished",
		}, []string{"op"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "operation_duration_seconds",
			Help:      "Wire time of register operations, excluding lock and throttle waits",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3},
		}, []string{"op"}),
		ThrottleWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "throttle_wait_seconds",
			Help:      "Time spent waiting for the minimum inter-request gap",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05},
		}),
		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for another operation on the same link",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 3},
		}),

		PollsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "polls_total",
			Help:      "Total number of poll cycles",
		}, []string{"device_id", "status"}),
		PollsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "polls_skipped_total",
			Help:      "Poll cycles skipped because the previous cycle was still running",
		}),
		PollDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "duration_seconds",
			Help:      "Poll cycle duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"device_id"}),
		PollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "errors_total",
			Help:      "Total number of poll errors",
		}, []string{"device_id", "error_type"}),

		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "total",
			Help:      "Commands handled by action and status",
		}, []string{"action", "status"}),

		MQTTMessagesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Current MQTT message buffer size",
		}),
		MQTTPublishLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		MQTTReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "reconnects_total",
			Help:      "Total number of MQTT reconnections",
		}),
		MQTTBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "breaker_state",
			Help:      "Publish circuit breaker state (0 closed, 1 half-open, 2 open)",
		}),

		DevicesRegistered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "registered",
			Help:      "Number of configured dehumidifiers",
		}),
		DevicesOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "online",
			Help:      "Number of dehumidifiers whose last poll succeeded",
		}),
	}
}

// RecordConnect records a link open attempt.
func (r *Registry) RecordConnect(kind string, success bool, latency float64) {
	if r == nil {
		return
	}
	result := ResultOK
	if !success {
		result = ResultLinkError
	}
	r.ConnectAttempts.WithLabelValues(kind, result).Inc()
	r.ConnectLatency.Observe(latency)
}

// RecordOperation records the outcome of one register operation.
func (r *Registry) RecordOperation(op, result string, wire float64) {
	if r == nil {
		return
	}
	r.Operations.WithLabelValues(op, result).Inc()
	if wire > 0 {
		r.OperationDuration.WithLabelValues(op).Observe(wire)
	}
}

// RecordAbandoned records a caller giving up on an operation. The operation
// itself is still counted once by RecordOperation when it completes.
func (r *Registry) RecordAbandoned(op string) {
	if r == nil {
		return
	}
	r.AbandonedWaits.WithLabelValues(op).Inc()
}

// RecordThrottle records time spent in the inter-request delay.
func (r *Registry) RecordThrottle(wait float64) {
	if r == nil {
		return
	}
	r.ThrottleWait.Observe(wait)
}

// RecordLockWait records time spent waiting for the link mutex.
func (r *Registry) RecordLockWait(wait float64) {
	if r == nil {
		return
	}
	r.LockWait.Observe(wait)
}

// ConnectionOpened adjusts the active connection gauge.
func (r *Registry) ConnectionOpened() {
	if r == nil {
		return
	}
	r.ActiveConnections.Inc()
}

// ConnectionClosed adjusts the active connection gauge.
func (r *Registry) ConnectionClosed() {
	if r == nil {
		return
	}
	r.ActiveConnections.Dec()
}

// UpdateManagers sets the number of registered transport managers.
func (r *Registry) UpdateManagers(count int) {
	if r == nil {
		return
	}
	r.ManagersRegistered.Set(float64(count))
}

// RecordPollSuccess records a successful poll cycle.
func (r *Registry) RecordPollSuccess(deviceID string, duration float64) {
	if r == nil {
		return
	}
	r.PollsTotal.WithLabelValues(deviceID, "success").Inc()
	r.PollDuration.WithLabelValues(deviceID).Observe(duration)
}

// RecordPollError records a failed poll cycle.
func (r *Registry) RecordPollError(deviceID string, errorType string) {
	if r == nil {
		return
	}
	r.PollsTotal.WithLabelValues(deviceID, "error").Inc()
	r.PollErrors.WithLabelValues(deviceID, errorType).Inc()
}

// RecordPollSkipped records a skipped poll cycle.
func (r *Registry) RecordPollSkipped() {
	if r == nil {
		return
	}
	r.PollsSkipped.Inc()
}

// RecordCommand records a handled command.
func (r *Registry) RecordCommand(action string, success bool) {
	if r == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	r.CommandsTotal.WithLabelValues(action, status).Inc()
}

// RecordMQTTPublish records an MQTT publish attempt.
func (r *Registry) RecordMQTTPublish(success bool, latency float64) {
	if r == nil {
		return
	}
	if success {
		r.MQTTMessagesPublished.Inc()
		r.MQTTPublishLatency.Observe(latency)
	} else {
		r.MQTTMessagesFailed.Inc()
	}
}

// UpdateMQTTBufferSize sets the current buffer size.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	if r == nil {
		return
	}
	r.MQTTBufferSize.Set(float64(size))
}

// RecordMQTTReconnect counts a reconnection to the broker.
func (r *Registry) RecordMQTTReconnect() {
	if r == nil {
		return
	}
	r.MQTTReconnects.Inc()
}

// UpdateBreakerState sets the publish breaker gauge.
func (r *Registry) UpdateBreakerState(state int) {
	if r == nil {
		return
	}
	r.MQTTBreakerState.Set(float64(state))
}

// UpdateDeviceCount updates device count metrics.
func (r *Registry) UpdateDeviceCount(registered, online int) {
	if r == nil {
		return
	}
	r.DevicesRegistered.Set(float64(registered))
	r.DevicesOnline.Set(float64(online))
}
