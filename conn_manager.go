package chatcore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ConnState is the connection lifecycle state. Owned exclusively by the
// ConnectionManager; read-only to everything else.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

type (
	// StatusHandler observes every state transition.
	StatusHandler func(state ConnState)

	// RawHandler receives inbound payloads in arrival order.
	RawHandler func(data []byte)

	// FailureHandler receives classified failures for the recovery engine.
	FailureHandler func(err error, kind ErrorKind)
)

// ConnectionParams wires a ConnectionManager.
type ConnectionParams struct {
	Settings  Settings
	Logger    Logger
	Clock     Clock
	Transport TransportFactory

	OnStatus  StatusHandler
	OnFrame   RawHandler
	OnFailure FailureHandler
}

// ConnectionManager owns the transport lifecycle: the state machine,
// reconnection with exponential backoff, the heartbeat, and online/offline
// gating.
type ConnectionManager struct {
	mu     sync.Mutex
	logger Logger
	clock  Clock

	factory  TransportFactory
	endpoint string

	connectTimeout    time.Duration
	heartbeatInterval time.Duration
	reconnectBase     time.Duration
	reconnectCap      time.Duration
	maxAttempts       int

	transport    Transport
	state        ConnState
	attempts     int
	online       bool
	interrupted  bool // knocked offline mid-session; resume when back online
	lastLiveness time.Time

	heartbeatTimer Timer
	reconnectTimer Timer

	recv  chan []byte
	stopC chan struct{}
	once  sync.Once

	onStatus  StatusHandler
	onFrame   RawHandler
	onFailure FailureHandler
}

// NewConnectionManager creates a stopped manager. Connect opens the first
// transport.
func NewConnectionManager(p ConnectionParams) *ConnectionManager {
	logger := p.Logger
	if logger == nil {
		logger = NewNopLogger()
	}
	clock := p.Clock
	if clock == nil {
		clock = NewSystemClock()
	}

	m := &ConnectionManager{
		logger:            logger.WithField("type", "connection_manager"),
		clock:             clock,
		factory:           p.Transport,
		connectTimeout:    p.Settings.ConnectTimeout,
		heartbeatInterval: p.Settings.HeartbeatInterval,
		reconnectBase:     p.Settings.ReconnectBaseDelay,
		reconnectCap:      p.Settings.ReconnectMaxDelay,
		maxAttempts:       p.Settings.MaxReconnectAttempts,
		state:             StateDisconnected,
		online:            true,
		recv:              make(chan []byte, 32),
		stopC:             make(chan struct{}),
		onStatus:          p.OnStatus,
		onFrame:           p.OnFrame,
		onFailure:         p.OnFailure,
	}

	go m.dispatch()

	return m
}

// Connect opens the transport to endpoint. It returns once the connection is
// open, or with an error if it cannot be opened within the connect timeout.
func (m *ConnectionManager) Connect(ctx context.Context, endpoint string) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.endpoint = endpoint
	m.state = StateConnecting
	m.mu.Unlock()
	m.notify(StateConnecting)

	if err := m.open(ctx); err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.notify(StateDisconnected)
		return err
	}
	return nil
}

// Reconnect performs a single synchronous reconnection attempt against the
// last endpoint. Used by the recovery engine; passes through Reconnecting
// before Connecting. While the manager's own backoff ladder is in progress
// the call is refused, so only one driver dials at a time.
func (m *ConnectionManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateConnecting || m.state == StateReconnecting {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	if m.endpoint == "" {
		m.mu.Unlock()
		return ErrNoEndpoint
	}
	if !m.online {
		m.mu.Unlock()
		return errors.Wrap(ErrCannotConnect, "offline")
	}
	m.state = StateReconnecting
	m.mu.Unlock()
	m.notify(StateReconnecting)

	m.mu.Lock()
	m.state = StateConnecting
	m.mu.Unlock()
	m.notify(StateConnecting)

	if err := m.open(ctx); err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.notify(StateDisconnected)
		return err
	}
	return nil
}

// Send writes raw data immediately when Connected. Callers needing buffering
// go through the delivery queue instead.
func (m *ConnectionManager) Send(data []byte) error {
	m.mu.Lock()
	if m.state != StateConnected || m.transport == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	t := m.transport
	m.mu.Unlock()

	return t.Write(data)
}

// Disconnect closes the transport gracefully and cancels heartbeat and
// reconnect timers. The close carries the normal reason code, so no
// reconnection is triggered.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.stopTimersLocked()
	t := m.transport
	m.transport = nil
	m.attempts = 0
	m.interrupted = false
	changed := m.state != StateDisconnected
	m.state = StateDisconnected
	m.mu.Unlock()

	if t != nil {
		t.Close()
	}
	if changed {
		m.notify(StateDisconnected)
	}
}

// SetOnline feeds the external connectivity signal. Going offline forces a
// Disconnected notification and gates reconnection; coming back online
// resumes an interrupted session.
func (m *ConnectionManager) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	if !online {
		m.stopTimersLocked()
		t := m.transport
		m.transport = nil
		if t != nil || m.state == StateConnecting || m.state == StateReconnecting {
			m.interrupted = true
		}
		if m.state != StateFailed {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		if t != nil {
			t.Close()
		}
		m.notify(StateDisconnected)
		return
	}

	if m.interrupted && m.state == StateDisconnected {
		m.interrupted = false
		if m.attempts == 0 {
			m.attempts = 1
		}
		m.state = StateReconnecting
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.notify(StateReconnecting)
		return
	}
	m.mu.Unlock()
}

// MarkLiveness records that the peer showed signs of life.
func (m *ConnectionManager) MarkLiveness() {
	m.mu.Lock()
	m.lastLiveness = m.clock.Now()
	m.mu.Unlock()
}

// LastLiveness returns the timestamp of the last liveness frame. No response
// timeout is enforced on heartbeats; a host can layer detection on this.
func (m *ConnectionManager) LastLiveness() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLiveness
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the current reconnect-attempt counter.
func (m *ConnectionManager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Close tears the manager down: timers stopped, transport closed, dispatch
// loop terminated. The manager cannot be reused afterwards.
func (m *ConnectionManager) Close() {
	m.once.Do(func() {
		m.Disconnect()
		close(m.stopC)
	})
}

// open performs one dial attempt bounded by the connect timeout.
func (m *ConnectionManager) open(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	t := m.factory(dialCtx, m.endpoint, m.recv)
	if err := t.Open(dialCtx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state == StateDisconnected || m.state == StateFailed {
		// Torn down while dialing.
		m.mu.Unlock()
		t.Close()
		return ErrTerminated
	}
	m.transport = t
	m.attempts = 0
	m.interrupted = false
	m.state = StateConnected
	m.lastLiveness = m.clock.Now()
	m.armHeartbeatLocked()
	m.mu.Unlock()

	go m.watch(t)

	m.notify(StateConnected)
	return nil
}

// watch waits for the transport to close and classifies the closure.
func (m *ConnectionManager) watch(t Transport) {
	select {
	case <-t.CloseChan():
	case <-m.stopC:
		return
	}
	m.handleClosed(t)
}

func (m *ConnectionManager) handleClosed(t Transport) {
	m.mu.Lock()
	if m.transport != t {
		// Stale transport: already replaced or gracefully discarded.
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.stopHeartbeatLocked()

	reason := t.CloseErr()
	if reason == nil || errors.Is(reason, ErrTerminated) {
		// Graceful closure from our side.
		m.state = StateDisconnected
		m.mu.Unlock()
		m.notify(StateDisconnected)
		return
	}

	if !m.online {
		m.interrupted = true
		m.state = StateDisconnected
		m.mu.Unlock()
		m.notify(StateDisconnected)
		return
	}

	m.logger.Warnf("transport closed abnormally: %s", reason)
	m.attempts = 1
	m.state = StateReconnecting
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	m.notify(StateReconnecting)
	m.fail(reason, KindConnectionLost)
}

// scheduleReconnectLocked arms the reconnect timer for the current attempt.
func (m *ConnectionManager) scheduleReconnectLocked() {
	delay := m.reconnectDelay(m.attempts)
	m.logger.Infof("reconnect attempt %d scheduled in %s", m.attempts, delay)
	m.reconnectTimer = m.clock.AfterFunc(delay, m.attemptReconnect)
}

func (m *ConnectionManager) attemptReconnect() {
	m.mu.Lock()
	if m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	if !m.online {
		m.interrupted = true
		m.state = StateDisconnected
		m.mu.Unlock()
		m.notify(StateDisconnected)
		return
	}
	m.state = StateConnecting
	m.mu.Unlock()
	m.notify(StateConnecting)

	err := m.open(context.Background())
	if err == nil {
		return
	}

	m.mu.Lock()
	if m.state != StateConnecting {
		// Torn down while dialing.
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.maxAttempts {
		m.state = StateFailed
		m.stopTimersLocked()
		m.mu.Unlock()
		m.logger.Errorf("giving up after %d reconnect attempts: %s", m.maxAttempts, err)
		m.notify(StateFailed)
		m.fail(errors.Wrap(ErrReconnectExhausted, err.Error()), KindConnectionLost)
		return
	}
	m.attempts++
	m.state = StateReconnecting
	m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.notify(StateReconnecting)
}

// reconnectDelay computes min(base * 2^(attempt-1), cap).
func (m *ConnectionManager) reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := m.reconnectBase << (attempt - 1)
	if delay > m.reconnectCap || delay <= 0 {
		delay = m.reconnectCap
	}
	return delay
}

func (m *ConnectionManager) armHeartbeatLocked() {
	m.heartbeatTimer = m.clock.AfterFunc(m.heartbeatInterval, m.heartbeatTick)
}

func (m *ConnectionManager) heartbeatTick() {
	m.mu.Lock()
	if m.state != StateConnected || m.transport == nil {
		m.mu.Unlock()
		return
	}
	t := m.transport
	m.armHeartbeatLocked()
	m.mu.Unlock()

	if err := t.Write(heartbeatFrame()); err != nil {
		m.logger.Warnf("heartbeat write failed: %s", err)
	}
}

func (m *ConnectionManager) stopHeartbeatLocked() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
}

func (m *ConnectionManager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *ConnectionManager) stopTimersLocked() {
	m.stopHeartbeatLocked()
	m.stopReconnectTimerLocked()
}

// dispatch forwards inbound payloads to the frame handler in arrival order.
func (m *ConnectionManager) dispatch() {
	for {
		select {
		case <-m.stopC:
			return
		case data := <-m.recv:
			if m.onFrame != nil {
				m.onFrame(data)
			}
		}
	}
}

func (m *ConnectionManager) notify(s ConnState) {
	if m.onStatus != nil {
		m.onStatus(s)
	}
}

func (m *ConnectionManager) fail(err error, kind ErrorKind) {
	if m.onFailure != nil {
		m.onFailure(err, kind)
	}
}
