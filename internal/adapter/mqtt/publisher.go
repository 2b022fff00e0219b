// Package mqtt publishes device state to an MQTT broker and delivers
// commands from it, with buffering across disconnects.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/medole-gateway/internal/domain"
	"github.com/nexus-edge/medole-gateway/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// MessageHandler receives messages for a subscribed topic.
type MessageHandler = func(topic string, payload []byte)

// Publisher handles the broker connection for state and command topics.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	breaker       *gobreaker.CircuitBreaker
	mu            sync.RWMutex
	connected     atomic.Bool
	everConnected atomic.Bool
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         *PublisherStats

	subsMu        sync.Mutex
	subscriptions map[string]MessageHandler
}

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
	BufferSize     int
	PublishTimeout time.Duration
	RetainState    bool
}

// BufferedMessage represents a message waiting to be published.
type BufferedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Timestamp time.Time
}

// PublisherStats tracks publisher activity.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	MessagesDropped   atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "medole-gateway",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     1000,
		PublishTimeout: 5 * time.Second,
		RetainState:    true,
	}
}

// NewPublisher creates a new MQTT publisher. It does not connect.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = defaults.KeepAlive
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}

	p := &Publisher{
		config:        config,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
		subscriptions: make(map[string]MessageHandler),
	}
	p.breaker = p.createCircuitBreaker()
	return p
}

// createCircuitBreaker guards publishing so a stalled broker does not tie
// up pollers for a full publish timeout on every cycle.
func (p *Publisher) createCircuitBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mqtt-publish",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.metrics.UpdateBreakerState(int(to))
			p.logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("MQTT circuit breaker state changed")
		},
	})
}

// Connect establishes the connection to the MQTT broker.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	if p.config.TLSEnabled {
		tlsConfig, err := p.createTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	client := pahomqtt.NewClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	// The buffer flusher runs from here on; with connect retry enabled the
	// client keeps dialing in the background even if this call times out.
	p.wg.Add(1)
	go p.processBuffer()

	token := client.Connect()

	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if !success {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	p.connected.Store(true)
	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// Disconnect flushes what it can and disconnects from the broker.
func (p *Publisher) Disconnect() {
	p.logger.Info().Msg("Disconnecting from MQTT broker")

	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		p.client.Disconnect(1000)
	}

	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// PublishJSON serializes v and publishes it to topic. While the broker is
// unreachable or the breaker is open the message is buffered instead.
func (p *Publisher) PublishJSON(ctx context.Context, topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize payload for %s: %w", topic, err)
	}

	msg := &BufferedMessage{
		Topic:     topic,
		Payload:   payload,
		QoS:       p.config.QoS,
		Retained:  retained && p.config.RetainState,
		Timestamp: time.Now(),
	}

	if !p.connected.Load() {
		return p.bufferMessage(msg)
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publishRaw(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return p.bufferMessage(msg)
	}
	return err
}

// publishRaw publishes one message and waits for the broker to accept it.
func (p *Publisher) publishRaw(ctx context.Context, msg *BufferedMessage) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	start := time.Now()
	token := client.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload)

	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	select {
	case success := <-publishDone:
		if !success {
			p.stats.MessagesFailed.Add(1)
			p.metrics.RecordMQTTPublish(false, 0)
			return fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		}
		if token.Error() != nil {
			p.stats.MessagesFailed.Add(1)
			p.metrics.RecordMQTTPublish(false, 0)
			return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		p.stats.MessagesFailed.Add(1)
		p.metrics.RecordMQTTPublish(false, 0)
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(msg.Payload)))
	p.metrics.RecordMQTTPublish(true, time.Since(start).Seconds())
	return nil
}

// bufferMessage queues msg, evicting the oldest message when full.
func (p *Publisher) bufferMessage(msg *BufferedMessage) error {
	defer p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer))

	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
	}

	select {
	case <-p.messageBuffer:
		p.stats.MessagesDropped.Add(1)
		p.logger.Warn().Msg("Buffer full, dropped oldest message")
	default:
	}

	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
		p.stats.MessagesDropped.Add(1)
		return fmt.Errorf("%w: message buffer full", domain.ErrMQTTPublishFailed)
	}
}

// processBuffer publishes buffered messages while connected.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			p.drainBuffer()
			return
		case <-ticker.C:
			p.flushBuffer()
		}
	}
}

// flushBuffer publishes buffered messages until the buffer is empty, the
// link drops or a publish fails.
func (p *Publisher) flushBuffer() {
	for p.connected.Load() && p.breaker.State() != gobreaker.StateOpen {
		select {
		case msg := <-p.messageBuffer:
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			_, err := p.breaker.Execute(func() (interface{}, error) {
				return nil, p.publishRaw(ctx, msg)
			})
			cancel()
			p.metrics.UpdateMQTTBufferSize(len(p.messageBuffer))
			if err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish buffered message")
				return
			}
		default:
			return
		}
	}
}

// drainBuffer makes one bounded attempt to publish what is left.
func (p *Publisher) drainBuffer() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-p.messageBuffer:
			if !p.connected.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to drain buffered message")
			}
			cancel()
		case <-timeout:
			if remaining := len(p.messageBuffer); remaining > 0 {
				p.logger.Warn().Int("count", remaining).Msg("Timeout draining buffer, messages dropped")
			}
			return
		default:
			return
		}
	}
}

// Subscribe registers handler for topic. Subscriptions are restored after
// every reconnect.
func (p *Publisher) Subscribe(topic string, handler MessageHandler) error {
	p.subsMu.Lock()
	p.subscriptions[topic] = handler
	p.subsMu.Unlock()

	if !p.connected.Load() {
		return nil
	}
	return p.subscribe(topic, handler)
}

func (p *Publisher) subscribe(topic string, handler MessageHandler) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	token := client.Subscribe(topic, p.config.QoS, func(_ pahomqtt.Client, m pahomqtt.Message) {
		handler(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(p.config.ConnectTimeout) {
		return fmt.Errorf("%w: %s: timeout", domain.ErrMQTTSubscribeFailed, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrMQTTSubscribeFailed, topic, err)
	}
	p.logger.Debug().Str("topic", topic).Msg("Subscribed")
	return nil
}

func (p *Publisher) resubscribe() {
	p.subsMu.Lock()
	subs := make(map[string]MessageHandler, len(p.subscriptions))
	for topic, handler := range p.subscriptions {
		subs[topic] = handler
	}
	p.subsMu.Unlock()

	for topic, handler := range subs {
		if err := p.subscribe(topic, handler); err != nil {
			p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to restore subscription")
		}
	}
}

// createTLSConfig creates TLS configuration for secure connections.
func (p *Publisher) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if p.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(p.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if p.config.TLSCertFile != "" && p.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertFile, p.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// onConnect runs on the initial connection and on every reconnect.
func (p *Publisher) onConnect(client pahomqtt.Client) {
	p.connected.Store(true)
	if p.everConnected.Swap(true) {
		p.metrics.RecordMQTTReconnect()
		p.logger.Info().Msg("MQTT connection re-established")
	} else {
		p.logger.Info().Msg("MQTT connection established")
	}
	go p.resubscribe()
}

func (p *Publisher) onConnectionLost(client pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	p.stats.ReconnectCount.Add(1)
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns the publisher's counters.
func (p *Publisher) Stats() *PublisherStats {
	return p.stats
}

// BreakerState returns the publish circuit breaker state.
func (p *Publisher) BreakerState() gobreaker.State {
	return p.breaker.State()
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}
