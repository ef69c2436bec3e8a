package chatcore

import (
	"context"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

// SessionParams wires a Session. Settings, Logger, Clock and Transport fall
// back to sensible defaults when unset. Send overrides the delivery primitive
// used by the queue; by default outbound payloads go through the connection
// manager.
type SessionParams struct {
	Settings  Settings
	Logger    Logger
	Clock     Clock
	Transport TransportFactory

	// Send is the async delivery primitive supplied by the session
	// initiator. Optional.
	Send SendFunc
}

// Session is the integration layer of the chat core. It wires the connection
// manager, the delivery queue, the typing tracker and the recovery engine
// together and exposes a single event surface to the host.
type Session struct {
	logger   Logger
	clock    Clock
	settings Settings

	emitter  *EventEmitter[SessionEventType, SessionEvent]
	conn     *ConnectionManager
	queue    *DeliveryQueue
	typing   *TypingTracker
	recovery *RecoveryEngine

	closeOnce sync.Once
}

// NewSession builds a fully wired session.
func NewSession(p SessionParams) *Session {
	settings := p.Settings
	if settings == (Settings{}) {
		settings = DefaultSettings()
	}
	logger := p.Logger
	if logger == nil {
		logger = NewNopLogger()
	}
	clock := p.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	transport := p.Transport
	if transport == nil {
		transport = NewWebsocketTransportFactory(logger, websocket.DefaultDialer, nil)
	}

	s := &Session{
		logger:   logger.WithField("type", "session"),
		clock:    clock,
		settings: settings,
		emitter:  NewEventEmitter[SessionEventType, SessionEvent](),
	}

	s.recovery = NewRecoveryEngine(settings, logger, clock, RecoveryHooks{
		OnError: func(rec ErrorRecord) {
			r := rec
			s.emit(SessionEvent{Type: EventError, Err: errors.New(rec.Message), Record: &r})
		},
		OnRecoveryAttempt: func(err error, attempt int) {
			s.emit(SessionEvent{Type: EventRecoveryAttempt, Err: err, Attempt: attempt})
		},
		OnRecoverySuccess: func(err error) {
			s.emit(SessionEvent{Type: EventRecoverySuccess, Err: err})
		},
		OnRecoveryFailed: func(err error, terminal bool) {
			s.emit(SessionEvent{Type: EventRecoveryFailed, Err: err, Terminal: terminal})
		},
		OnOnlineChange: func(online bool) {
			// Re-emit connectivity as a connection-status notification,
			// independent of any recovery context.
			status := StateDisconnected
			if online {
				status = s.conn.State()
			}
			s.emit(SessionEvent{Type: EventConnectionStatus, Status: status})
		},
	})

	s.conn = NewConnectionManager(ConnectionParams{
		Settings:  settings,
		Logger:    logger,
		Clock:     clock,
		Transport: transport,
		OnStatus: func(state ConnState) {
			if state == StateConnected {
				// The queue drains once the transport is open, whichever
				// path opened it. Start is idempotent.
				s.queue.Start()
			}
			s.emit(SessionEvent{Type: EventConnectionStatus, Status: state})
		},
		OnFrame:   s.handleFrame,
		OnFailure: s.recovery.Handle,
	})

	send := p.Send
	if send == nil {
		send = func(content string) error {
			return s.conn.Send([]byte(content))
		}
	}

	s.queue = NewDeliveryQueue(settings, logger, clock, send, QueueHooks{
		OnQueued: func(id string) {
			s.emit(SessionEvent{Type: EventMessageQueued, MessageID: id})
		},
		OnSent: func(id string) {
			s.emit(SessionEvent{Type: EventMessageSent, MessageID: id})
		},
		OnFailed: func(id, reason string) {
			s.emit(SessionEvent{Type: EventMessageFailed, MessageID: id, Reason: reason})
			s.recovery.Handle(errors.Errorf("message %s failed: %s", id, reason), KindMessageSendFailed)
		},
		OnEmpty: func() {
			s.emit(SessionEvent{Type: EventQueueEmpty})
		},
	})

	s.typing = NewTypingTracker(settings, logger, clock, TypingHooks{
		OnTypingStart: func(id string) {
			s.emit(SessionEvent{Type: EventTyping, ParticipantID: id, IsTyping: true})
		},
		OnTypingStop: func(id string) {
			s.emit(SessionEvent{Type: EventTyping, ParticipantID: id, IsTyping: false})
		},
		OnSendTypingIndicator: s.sendTypingFrame,
	})

	s.recovery.BindAction(KindConnectionLost, func(ctx context.Context, _ error) error {
		switch s.conn.State() {
		case StateConnected, StateConnecting, StateReconnecting:
			// Connected again, or the manager's own backoff ladder is
			// driving reconnection. Nothing left for this context to do.
			return nil
		case StateFailed:
			return errors.Wrap(ErrCannotConnect, "connection failed terminally")
		default:
			return s.conn.Reconnect(ctx)
		}
	})
	s.recovery.BindAction(KindMessageSendFailed, func(context.Context, error) error {
		if s.conn.State() != StateConnected {
			return ErrNotConnected
		}
		s.queue.RetryFailedMessages()
		return nil
	})
	s.recovery.BindAction(KindAgentDisconnected, func(context.Context, error) error {
		// The agent side has to come back on its own; recovery succeeds once
		// the transport is healthy again.
		if s.conn.State() != StateConnected {
			return ErrNotConnected
		}
		return nil
	})
	s.recovery.BindAction(KindRateLimitExceeded, func(ctx context.Context, _ error) error {
		// Buffered sends are retried by the queue; a rate-limited dial is
		// retried here once the wait elapses.
		if s.conn.State() == StateDisconnected {
			return s.conn.Reconnect(ctx)
		}
		return nil
	})

	return s
}

// On registers a host listener for one event type and returns an id usable
// with Off.
func (s *Session) On(t SessionEventType, fn func(SessionEvent)) int {
	return s.emitter.On(t, fn)
}

// Off removes a host listener.
func (s *Session) Off(t SessionEventType, id int) {
	s.emitter.Off(t, id)
}

// Connect opens the transport to the endpoint supplied by the session
// initiator and starts draining the queue once the connection is open.
func (s *Session) Connect(ctx context.Context, endpoint string) error {
	if err := s.conn.Connect(ctx, endpoint); err != nil {
		kind := KindConnectionLost
		if errors.Is(err, ErrRateLimit) {
			kind = KindRateLimitExceeded
		}
		s.recovery.Handle(errors.Wrap(err, "connect"), kind)
		return err
	}
	s.queue.Start()
	return nil
}

// Disconnect closes the transport gracefully. Queued messages are kept.
func (s *Session) Disconnect() {
	s.conn.Disconnect()
}

// SendMessage buffers an outbound chat message and returns its id. Delivery
// is FIFO through the queue's processing tick.
func (s *Session) SendMessage(content string) string {
	return s.queue.Enqueue(content)
}

// HandleLocalTyping registers a local typing signal; a debounced typing frame
// goes out once the user pauses.
func (s *Session) HandleLocalTyping() {
	s.typing.HandleLocalTyping()
}

// StopUserTyping cancels the pending local typing debounce.
func (s *Session) StopUserTyping() {
	s.typing.StopUserTyping()
}

// SetOnline feeds the external online/offline signal to the connection
// manager and the recovery engine.
func (s *Session) SetOnline(online bool) {
	s.recovery.SetOnline(online)
	s.conn.SetOnline(online)
}

// ReportError hands a host-observed failure to the recovery engine.
func (s *Session) ReportError(err error, kind ErrorKind) {
	s.recovery.Handle(err, kind)
}

// Connection exposes the connection manager (read-mostly surface).
func (s *Session) Connection() *ConnectionManager { return s.conn }

// Queue exposes the delivery queue.
func (s *Session) Queue() *DeliveryQueue { return s.queue }

// Typing exposes the typing tracker query surface.
func (s *Session) Typing() *TypingTracker { return s.typing }

// Recovery exposes the recovery engine.
func (s *Session) Recovery() *RecoveryEngine { return s.recovery }

// Close tears the session down synchronously: queue tick, typing timers,
// recovery timers, heartbeat and reconnect timers all stop before it returns.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.queue.Stop()
		s.typing.ClearAll()
		s.recovery.CancelAllRecoveries()
		s.conn.Close()
		s.emitter.Close()
	})
}

// handleFrame classifies one inbound payload and dispatches it.
func (s *Session) handleFrame(data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		s.logger.Warnf("discarding undecodable frame: %s", err)
		return
	}

	switch {
	case f.IsLiveness():
		s.conn.MarkLiveness()
	case f.Type == FrameMessage:
		frame := f
		s.emit(SessionEvent{Type: EventMessage, Frame: &frame})
	case f.IsTypingEvent():
		if f.ParticipantID != "" {
			s.typing.HandleRemoteTyping(f.ParticipantID)
		}
	default:
		s.logger.Debugf("ignoring frame of type %q", f.Type)
	}
}

func (s *Session) sendTypingFrame() {
	data, err := typingFrame("{}")
	if err != nil {
		s.logger.Errorf("encode typing frame: %s", err)
		return
	}
	// Typing is ephemeral; a failed indicator is logged, not queued.
	if err := s.conn.Send(data); err != nil {
		s.logger.Debugf("typing indicator not sent: %s", err)
	}
}

func (s *Session) emit(ev SessionEvent) {
	s.emitter.Emit(ev.Type, ev)
}
