package wsmux

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State of the managed connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

var (
	// ErrNotConnected reports a request attempted with no live connection.
	ErrNotConnected = errors.New("wsmux: not connected")

	// ErrTimeout reports a request whose response did not arrive in time.
	// Its correlation id is deregistered, so a late answer is dropped.
	ErrTimeout = errors.New("wsmux: request timed out")

	// ErrConnectionLost resolves every request pending when the
	// connection dies.
	ErrConnectionLost = errors.New("wsmux: connection lost")

	// ErrClosed reports use after Close.
	ErrClosed = errors.New("wsmux: manager closed")
)

// EventHandler receives the data of an inbound event frame.
type EventHandler func(data map[string]any)

// Config for a Manager. URL and Dialer are required.
type Config struct {
	// Name tags log lines, one per dependency.
	Name string

	URL    string
	Dialer Dialer

	// Handshake, when set, is sent as the first frame after dialing.
	Handshake *Handshake

	// PingInterval between liveness probes. Defaults to 30 seconds.
	PingInterval time.Duration

	// ReconnectBase scales linear backoff: attempt N waits base*N.
	// Defaults to 5 seconds.
	ReconnectBase time.Duration

	// MaxReconnects before the manager gives up and stays Failed.
	// Defaults to 10.
	MaxReconnects int

	Clock func() time.Time
}

func (c *Config) setDefaults() error {
	if c.URL == "" {
		return errors.New("wsmux: url is required")
	}
	if c.Dialer == nil {
		return errors.New("wsmux: dialer is required")
	}
	if c.Name == "" {
		c.Name = c.URL
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 10
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return nil
}

type pendingResult struct {
	frame Frame
	err   error
}

// Manager owns one long-lived connection: it correlates requests with
// responses, fans events out to handlers, probes liveness, and redials
// with linear backoff when the connection dies.
type Manager struct {
	cfg Config

	mu             sync.Mutex
	state          State
	conn           Conn
	pending        map[string]chan pendingResult
	events         map[string]EventHandler
	attempts       int
	reconnectTimer *time.Timer
	rescheduled    bool
	loopCancel     context.CancelFunc
	closed         bool
	onConnect      func()
	onDisconnect   func(error)

	// writeMu serializes frame writes; the transport allows one writer.
	writeMu sync.Mutex

	loops sync.WaitGroup
}

// NewManager validates cfg and returns a disconnected manager. Call
// Connect to bring the connection up.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:     cfg,
		state:   StateDisconnected,
		pending: make(map[string]chan pendingResult),
		events:  make(map[string]EventHandler),
	}, nil
}

// OnConnect registers a callback invoked after each successful connect,
// including reconnects.
func (m *Manager) OnConnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = fn
}

// OnDisconnect registers a callback invoked with the cause each time the
// connection dies.
func (m *Manager) OnDisconnect(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = fn
}

// RegisterEventHandler routes inbound event frames whose method matches
// eventType. Registration happens once at startup, before Connect.
func (m *Manager) RegisterEventHandler(eventType string, h EventHandler) error {
	if eventType == "" {
		return errors.New("wsmux: event type is required")
	}
	if h == nil {
		return errors.New("wsmux: handler is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventType]; ok {
		return fmt.Errorf("wsmux: handler already registered for %q", eventType)
	}
	m.events[eventType] = h
	return nil
}

// State reports the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect dials the endpoint, performs the handshake if configured, and
// starts the inbound and ping loops. A successful connect resets the
// reconnect attempt counter.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		m.mu.Unlock()
		return errors.New("wsmux: connect already in flight")
	case StateReconnecting:
		// A manual connect supersedes the scheduled redial. If the
		// timer already fired, redial bails once it sees the state
		// change.
		if m.reconnectTimer != nil {
			m.reconnectTimer.Stop()
			m.reconnectTimer = nil
		}
		m.rescheduled = false
	}
	m.state = StateConnecting
	m.mu.Unlock()

	// Loops from the previous connection must be gone before a new dial,
	// or a stale reader could resolve requests against the new pending map.
	m.loops.Wait()

	conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return err
	}
	if m.cfg.Handshake != nil {
		if err := m.write(conn, m.cfg.Handshake.frame(m.cfg.Clock())); err != nil {
			_ = conn.Close()
			m.mu.Lock()
			m.state = StateDisconnected
			m.mu.Unlock()
			return fmt.Errorf("handshake: %w", err)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	loopCtx, cancel := context.WithCancel(context.Background())
	m.loopCancel = cancel
	m.loops.Add(2)
	go m.readLoop(conn)
	go m.pingLoop(loopCtx, conn)
	cb := m.onConnect
	m.mu.Unlock()

	log.Printf("wsmux %s: connected", m.cfg.Name)
	if cb != nil {
		cb()
	}
	return nil
}

// Request sends a request frame and waits up to timeout for the matching
// response. On timeout or cancellation the correlation id is deregistered,
// so a late response is dropped rather than misattributed.
func (m *Manager) Request(ctx context.Context, method string, data map[string]any, timeout time.Duration) (map[string]any, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := m.conn
	id := uuid.NewString()
	ch := make(chan pendingResult, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	frame := Frame{
		Type:      FrameRequest,
		ID:        id,
		Method:    method,
		Data:      data,
		Timestamp: m.cfg.Clock().UnixMilli(),
	}
	if err := m.write(conn, frame); err != nil {
		m.dropPending(id)
		m.handleDisconnect(fmt.Errorf("write request: %w", err))
		return nil, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.frame.Data, nil
	case <-timer.C:
		m.dropPending(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		m.dropPending(id)
		return nil, ctx.Err()
	}
}

// SendEvent transmits a fire-and-forget event frame.
func (m *Manager) SendEvent(method string, data map[string]any) error {
	conn, err := m.liveConn()
	if err != nil {
		return err
	}
	frame := Frame{
		Type:      FrameEvent,
		Method:    method,
		Data:      data,
		Timestamp: m.cfg.Clock().UnixMilli(),
	}
	if err := m.write(conn, frame); err != nil {
		m.handleDisconnect(fmt.Errorf("write event: %w", err))
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// SendBinary transmits a raw binary message, used for audio streams.
func (m *Manager) SendBinary(p []byte) error {
	conn, err := m.liveConn()
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	err = conn.WriteBinary(p)
	m.writeMu.Unlock()
	if err != nil {
		m.handleDisconnect(fmt.Errorf("write binary: %w", err))
		return fmt.Errorf("write binary: %w", err)
	}
	return nil
}

// Close tears the connection down and stops reconnecting. All pending
// requests resolve with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	conn := m.conn
	m.conn = nil
	pend := m.pending
	m.pending = make(map[string]chan pendingResult)
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, ch := range pend {
		ch <- pendingResult{err: ErrClosed}
	}
	m.loops.Wait()
	return nil
}

func (m *Manager) liveConn() (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.state != StateConnected || m.conn == nil {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

func (m *Manager) write(conn Conn, f Frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteFrame(f)
}

func (m *Manager) dropPending(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// readLoop dispatches inbound frames until the transport fails. It reads
// from its own conn, not the manager's current one, so a stale loop can
// never touch a newer connection's traffic.
func (m *Manager) readLoop(conn Conn) {
	defer m.loops.Done()
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			m.handleDisconnect(fmt.Errorf("read frame: %w", err))
			return
		}
		m.dispatch(frame)
	}
}

func (m *Manager) dispatch(frame Frame) {
	switch frame.Type {
	case FrameResponse:
		m.mu.Lock()
		ch, ok := m.pending[frame.ID]
		if ok {
			delete(m.pending, frame.ID)
		}
		m.mu.Unlock()
		if !ok {
			log.Printf("wsmux %s: dropping unmatched response %s", m.cfg.Name, frame.ID)
			return
		}
		ch <- pendingResult{frame: frame}
	case FrameEvent:
		m.mu.Lock()
		h, ok := m.events[frame.Method]
		m.mu.Unlock()
		if !ok {
			log.Printf("wsmux %s: no handler for event %q", m.cfg.Name, frame.Method)
			return
		}
		h(frame.Data)
	case FrameError:
		log.Printf("wsmux %s: error frame: %v", m.cfg.Name, frame.Data)
	default:
		log.Printf("wsmux %s: ignoring frame type %q", m.cfg.Name, frame.Type)
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn Conn) {
	defer m.loops.Done()
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				m.handleDisconnect(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

// Disconnect forces disconnect handling with the given cause, used when
// an out-of-band health probe declares the peer dead. A no-op unless
// currently connected.
func (m *Manager) Disconnect(cause error) {
	m.handleDisconnect(cause)
}

// handleDisconnect runs once per connection death no matter how many
// loops or writers report it: only the caller that observes Connected
// does the teardown.
func (m *Manager) handleDisconnect(cause error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	conn := m.conn
	m.conn = nil
	pend := m.pending
	m.pending = make(map[string]chan pendingResult)
	cb := m.onDisconnect
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	log.Printf("wsmux %s: disconnected: %v", m.cfg.Name, cause)
	if conn != nil {
		_ = conn.Close()
	}
	for _, ch := range pend {
		ch <- pendingResult{err: ErrConnectionLost}
	}
	if cb != nil {
		cb(cause)
	}
}

// scheduleReconnectLocked arms at most one reconnect timer. Attempt N
// waits ReconnectBase*N; past MaxReconnects the manager stays Failed.
func (m *Manager) scheduleReconnectLocked() {
	if m.closed || m.rescheduled {
		return
	}
	if m.attempts >= m.cfg.MaxReconnects {
		m.state = StateFailed
		log.Printf("wsmux %s: giving up after %d reconnect attempts", m.cfg.Name, m.attempts)
		return
	}
	m.attempts++
	m.state = StateReconnecting
	m.rescheduled = true
	delay := m.cfg.ReconnectBase * time.Duration(m.attempts)
	log.Printf("wsmux %s: reconnect attempt %d/%d in %s", m.cfg.Name, m.attempts, m.cfg.MaxReconnects, delay)
	m.reconnectTimer = time.AfterFunc(delay, m.redial)
}

func (m *Manager) redial() {
	m.mu.Lock()
	m.rescheduled = false
	m.reconnectTimer = nil
	if m.closed || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.mu.Unlock()

	if err := m.Connect(context.Background()); err != nil {
		log.Printf("wsmux %s: reconnect failed: %v", m.cfg.Name, err)
		m.mu.Lock()
		m.scheduleReconnectLocked()
		m.mu.Unlock()
	}
}
