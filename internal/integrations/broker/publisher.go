// Package broker publishes orchestrator events to an AMQP topic exchange.
// The broker is optional: with no URL configured the publisher is a
// disabled no-op and the rest of the system runs unaffected.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/voicepipe/voicepipe/internal/resilience/breaker"
)

// Service is the breaker name for the broker dependency.
const Service = "broker"

// ErrNotConnected reports a publish attempted with no live channel.
var ErrNotConnected = errors.New("broker: not connected")

// Channel is the slice of an AMQP channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Close() error
}

// Connection is the slice of an AMQP connection the publisher uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// DialFunc opens an AMQP connection. The default wraps amqp.Dial.
type DialFunc func(url string) (Connection, error)

func defaultDial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpConn{conn: conn}, nil
}

type amqpConn struct {
	conn *amqp.Connection
}

func (c *amqpConn) Channel() (Channel, error) { return c.conn.Channel() }

func (c *amqpConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConn) Close() error { return c.conn.Close() }

// Config for a Publisher. An empty URL disables the broker.
type Config struct {
	URL string

	// Exchange is the topic exchange events are published to.
	Exchange string

	// ReconnectBase scales linear backoff between redials. Defaults to
	// 5 seconds.
	ReconnectBase time.Duration

	// MaxReconnects before the publisher stays down. Defaults to 10.
	MaxReconnects int

	Dial  DialFunc
	Clock func() time.Time
}

func (c *Config) setDefaults() {
	if c.Exchange == "" {
		c.Exchange = "voicepipe.events"
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 10
	}
	if c.Dial == nil {
		c.Dial = defaultDial
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Publisher owns one AMQP connection and channel, redialing with linear
// backoff when the broker drops it.
type Publisher struct {
	cfg     Config
	breaker *breaker.Breaker

	mu          sync.Mutex
	conn        Connection
	ch          Channel
	attempts    int
	rescheduled bool
	timer       *time.Timer
	closed      bool
}

// NewPublisher wires a publisher. With an empty URL it is disabled:
// Connect and Publish are no-ops.
func NewPublisher(cfg Config) (*Publisher, error) {
	cfg.setDefaults()
	brk, err := breaker.New(breaker.Config{Name: Service, Clock: cfg.Clock})
	if err != nil {
		return nil, err
	}
	return &Publisher{cfg: cfg, breaker: brk}, nil
}

// Enabled reports whether a broker URL is configured.
func (p *Publisher) Enabled() bool { return p.cfg.URL != "" }

// Connect dials the broker and declares the topic exchange. Disabled
// publishers return nil immediately.
func (p *Publisher) Connect(_ context.Context) error {
	if !p.Enabled() {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("broker: publisher closed")
	}
	if p.ch != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	conn, err := p.cfg.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.cfg.Exchange, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return errors.New("broker: publisher closed")
	}
	p.conn = conn
	p.ch = ch
	p.attempts = 0
	p.mu.Unlock()

	go p.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	log.Printf("broker: connected, exchange %s", p.cfg.Exchange)
	return nil
}

// watch schedules a redial when the broker drops the connection.
func (p *Publisher) watch(closed chan *amqp.Error) {
	err, ok := <-closed
	if !ok {
		// Graceful local close.
		return
	}

	p.mu.Lock()
	p.conn = nil
	p.ch = nil
	p.scheduleReconnectLocked()
	p.mu.Unlock()
	log.Printf("broker: connection lost: %v", err)
}

func (p *Publisher) scheduleReconnectLocked() {
	if p.closed || p.rescheduled {
		return
	}
	if p.attempts >= p.cfg.MaxReconnects {
		log.Printf("broker: giving up after %d reconnect attempts", p.attempts)
		return
	}
	p.attempts++
	p.rescheduled = true
	delay := p.cfg.ReconnectBase * time.Duration(p.attempts)
	log.Printf("broker: reconnect attempt %d/%d in %s", p.attempts, p.cfg.MaxReconnects, delay)
	p.timer = time.AfterFunc(delay, p.redial)
}

func (p *Publisher) redial() {
	p.mu.Lock()
	p.rescheduled = false
	p.timer = nil
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := p.Connect(context.Background()); err != nil {
		log.Printf("broker: reconnect failed: %v", err)
		p.mu.Lock()
		p.scheduleReconnectLocked()
		p.mu.Unlock()
	}
}

// Event is one message published to the exchange.
type Event struct {
	// Type routes the event, e.g. "voice.transcription.final".
	Type string

	// CorrelationID ties the event to a conversation session.
	CorrelationID string

	Priority uint8
	Data     map[string]any
}

// Publish sends one event through the breaker. Disabled publishers
// silently accept and drop.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if !p.Enabled() {
		return nil
	}
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()

	return p.breaker.Do(ctx, func(ctx context.Context) error {
		if ch == nil {
			return ErrNotConnected
		}
		now := p.cfg.Clock()
		// The body repeats the event type so consumers can classify
		// messages without access to the routing key.
		body, err := json.Marshal(map[string]any{
			"type":      ev.Type,
			"timestamp": now.UnixMilli(),
			"data":      ev.Data,
		})
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		msg := amqp.Publishing{
			ContentType:   "application/json",
			MessageId:     uuid.NewString(),
			CorrelationId: ev.CorrelationID,
			Priority:      ev.Priority,
			Timestamp:     now,
			Body:          body,
		}
		if err := ch.PublishWithContext(ctx, p.cfg.Exchange, ev.Type, false, false, msg); err != nil {
			return fmt.Errorf("publish %s: %w", ev.Type, err)
		}
		return nil
	})
}

// Breaker exposes the publisher's failure gate for diagnostics.
func (p *Publisher) Breaker() *breaker.Breaker { return p.breaker }

// Close tears the connection down and stops reconnecting.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	conn := p.conn
	p.conn = nil
	p.ch = nil
	p.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
