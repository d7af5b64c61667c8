// Package mqttpublish is the bounded-queue MQTT publisher that sits
// between the polling pipeline and the broker. Client option wiring
// (broker URL, TLS, will message, auto-reconnect) follows the teacher's
// envoy_mqtt_publisher.go; the bounded queue, dedicated drain worker,
// reconnect-with-requeue-at-head and flush semantics are restructured to
// match original_source/hoymiles_mqtt/mqtt_client.py's
// EnhancedMqttClient.
package mqttpublish

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/Studio729/hoymiles-bridge/internal/model"
)

// loadCACertPool reads a PEM-encoded CA bundle from path into a fresh
// cert pool, used when mqtt.tls_ca_cert points at a private broker CA.
func loadCACertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// Logger is the minimal logging surface the publisher needs.
type Logger interface {
	Info(format string, v ...interface{})
	Warning(format string, v ...interface{})
	Error(format string, v ...interface{})
}

// Config configures the broker connection and queue depth; field names
// track spec.md §6's mqtt.* keys.
type Config struct {
	Broker         string
	Port           int
	ClientIDPrefix string
	Username       string
	Password       string
	TLS            bool
	InsecureTLS    bool
	TLSCACertPath  string
	Keepalive      int
	QoS            byte
	Retain         bool
	MaxQueueSize   int
	PublishTimeout time.Duration
}

func (c Config) brokerURL() string {
	scheme := "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Broker, c.Port)
}

// Statistics reports queue and delivery counters, surfaced via
// internal/health.
type Statistics struct {
	Queued    int64
	Published int64
	Dropped   int64
	Errors    int64
	QueueLen  int
}

// Publisher owns one paho client and a bounded in-memory queue drained by
// a single dedicated goroutine, so publish() never blocks the caller on
// network I/O.
type Publisher struct {
	cfg Config
	log Logger

	client mqtt.Client

	queue     chan model.MqttMessage
	head      chan model.MqttMessage // single-slot requeue-at-head buffer
	done      chan struct{}
	wg        sync.WaitGroup

	mu        sync.Mutex
	connected bool
	stats     Statistics

	onError func(errorType string) // optional hook into internal/health's mqtt_errors_total
}

// SetErrorHook registers a callback invoked with an error-type label
// ("queue_full", "publish_error") whenever the publisher drops or fails
// to deliver a message, letting the supervisor wire it into
// internal/health without this package depending on health directly.
func (p *Publisher) SetErrorHook(fn func(errorType string)) {
	p.mu.Lock()
	p.onError = fn
	p.mu.Unlock()
}

func (p *Publisher) reportError(errorType string) {
	p.mu.Lock()
	hook := p.onError
	p.mu.Unlock()
	if hook != nil {
		hook(errorType)
	}
}

// New constructs a Publisher and connects to the broker. The returned
// error is non-nil if the tls_ca_cert file cannot be loaded or the
// initial connection attempt fails or does not complete within 10
// seconds; no Publisher is returned in that case. After a successful
// start, auto-reconnect handles later connection losses.
func New(cfg Config, log Logger) (*Publisher, error) {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	p := &Publisher{
		cfg:   cfg,
		log:   log,
		queue: make(chan model.MqttMessage, cfg.MaxQueueSize),
		head:  make(chan model.MqttMessage, 1),
		done:  make(chan struct{}),
	}

	clientID := cfg.ClientIDPrefix
	if clientID == "" {
		clientID = "hoymiles-bridge"
	}
	clientID = fmt.Sprintf("%s-%s", clientID, uuid.NewString()[:8])

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.brokerURL())
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS {
		tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureTLS}
		if cfg.TLSCACertPath != "" {
			pool, err := loadCACertPool(cfg.TLSCACertPath)
			if err != nil {
				return nil, fmt.Errorf("mqttpublish: loading tls_ca_cert: %w", err)
			}
			tlsCfg.RootCAs = pool
		}
		opts.SetTLSConfig(tlsCfg)
		if cfg.InsecureTLS {
			log.Warning("mqttpublish: TLS certificate verification disabled")
		}
	}
	keepalive := cfg.Keepalive
	if keepalive <= 0 {
		keepalive = 60
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(time.Duration(keepalive) * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.mu.Lock()
		p.connected = true
		p.mu.Unlock()
		log.Info("mqttpublish: connected to %s", cfg.brokerURL())
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
		log.Warning("mqttpublish: connection lost: %v", err)
	})

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqttpublish: connect: timed out after 10s")
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("mqttpublish: connect: %w", token.Error())
	}

	p.wg.Add(1)
	go p.drainLoop()
	return p, nil
}

// Publish enqueues msg without blocking. If the queue is full the
// message is dropped and the drop counter incremented, matching
// EnhancedMqttClient.publish's queue.Full handling.
func (p *Publisher) Publish(msg model.MqttMessage) {
	select {
	case p.queue <- msg:
		p.mu.Lock()
		p.stats.Queued++
		p.mu.Unlock()
	default:
		p.mu.Lock()
		p.stats.Dropped++
		p.mu.Unlock()
		p.log.Warning("mqttpublish: queue full, dropping message for %s", msg.Topic)
		p.reportError("queue_full")
	}
}

// PublishAll enqueues every message in msgs.
func (p *Publisher) PublishAll(msgs []model.MqttMessage) {
	for _, m := range msgs {
		p.Publish(m)
	}
}

func (p *Publisher) isConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// drainLoop is the sole consumer of the queue. It prefers a message
// requeued by a failed publish (head) over the main queue (FIFO at the
// front), matching mqtt_client.py's "ensure connected else requeue +
// sleep" loop.
func (p *Publisher) drainLoop() {
	defer p.wg.Done()
	for {
		var msg model.MqttMessage
		var ok bool

		select {
		case msg, ok = <-p.head:
		default:
			select {
			case msg, ok = <-p.head:
			case msg, ok = <-p.queue:
			case <-p.done:
				return
			}
		}
		if !ok {
			return
		}

		if !p.isConnected() {
			p.requeueAtHead(msg)
			select {
			case <-time.After(5 * time.Second):
			case <-p.done:
				return
			}
			continue
		}

		token := p.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
		if token.WaitTimeout(p.cfg.PublishTimeout) && token.Error() != nil {
			p.mu.Lock()
			p.stats.Errors++
			p.mu.Unlock()
			p.log.Error("mqttpublish: publish to %s: %v", msg.Topic, token.Error())
			p.reportError("publish_error")
			p.requeueAtHead(msg)
			continue
		}
		p.mu.Lock()
		p.stats.Published++
		p.mu.Unlock()
	}
}

func (p *Publisher) requeueAtHead(msg model.MqttMessage) {
	select {
	case p.head <- msg:
	default:
		// head slot occupied (shouldn't happen — single consumer); drop rather than block forever.
		p.mu.Lock()
		p.stats.Dropped++
		p.mu.Unlock()
	}
}

// Statistics returns a snapshot of queue/delivery counters.
func (p *Publisher) Statistics() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.QueueLen = len(p.queue)
	return s
}

// Flush blocks until the queue drains or timeout elapses, returning
// false on timeout.
func (p *Publisher) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(p.queue) == 0 && len(p.head) == 0 {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return len(p.queue) == 0 && len(p.head) == 0
}

// Close stops the drain loop and disconnects from the broker.
func (p *Publisher) Close() {
	close(p.done)
	p.wg.Wait()
	p.client.Disconnect(1000)
}
