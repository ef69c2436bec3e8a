package chatcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventSink struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (s *eventSink) add(ev SessionEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) count(t SessionEventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (s *eventSink) first(t SessionEventType) (SessionEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Type == t {
			return ev, true
		}
	}
	return SessionEvent{}, false
}

func (s *eventSink) last(t SessionEventType) (SessionEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == t {
			return s.events[i], true
		}
	}
	return SessionEvent{}, false
}

func newTestSession(t *testing.T, clock Clock, factory *stubTransportFactory) (*Session, *eventSink) {
	t.Helper()
	s := NewSession(SessionParams{
		Settings:  DefaultSettings(),
		Clock:     clock,
		Transport: factory.factory(),
	})
	t.Cleanup(s.Close)

	sink := &eventSink{}
	for _, et := range []SessionEventType{
		EventMessage, EventTyping, EventConnectionStatus, EventError,
		EventRecoveryAttempt, EventRecoverySuccess, EventRecoveryFailed,
		EventMessageQueued, EventMessageSent, EventMessageFailed, EventQueueEmpty,
	} {
		s.On(et, sink.add)
	}
	return s, sink
}

func TestSessionRoutesInboundMessageFrames(t *testing.T) {
	clock := newFakeClock()
	factory := newStubTransportFactory()
	s, sink := newTestSession(t, clock, factory)

	require.NoError(t, s.Connect(context.Background(), "wss://chat.example/ws"))

	frame, err := EncodeFrame(Frame{
		Type:            FrameMessage,
		ID:              "m-1",
		Content:         "hello there",
		ParticipantRole: "AGENT",
		AbsoluteTime:    "2024-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	factory.last().deliver(frame)

	require.Eventually(t, func() bool { return sink.count(EventMessage) == 1 },
		time.Second, time.Millisecond)

	ev, ok := sink.first(EventMessage)
	require.True(t, ok)
	require.NotNil(t, ev.Frame)
	assert.Equal(t, "m-1", ev.Frame.ID)
	assert.Equal(t, "hello there", ev.Frame.Content)
}

func TestSessionRoutesTypingEvents(t *testing.T) {
	clock := newFakeClock()
	factory := newStubTransportFactory()
	s, sink := newTestSession(t, clock, factory)

	require.NoError(t, s.Connect(context.Background(), "wss://chat.example/ws"))

	frame, err := EncodeFrame(Frame{
		Type:          FrameEvent,
		ContentType:   TypingContentType,
		ParticipantID: "agent-7",
	})
	require.NoError(t, err)
	factory.last().deliver(frame)

	require.Eventually(t, func() bool { return s.Typing().IsParticipantTyping("agent-7") },
		time.Second, time.Millisecond)

	ev, ok := sink.first(EventTyping)
	require.True(t, ok)
	assert.Equal(t, "agent-7", ev.ParticipantID)
	assert.True(t, ev.IsTyping)

	clock.Advance(3 * time.Second)
	assert.False(t, s.Typing().IsParticipantTyping("agent-7"))
	assert.Equal(t, 2, sink.count(EventTyping))
}

func TestSessionLivenessFramesRefreshTimestamp(t *testing.T) {
	clock := newFakeClock()
	factory := newStubTransportFactory()
	s, _ := newTestSession(t, clock, factory)

	require.NoError(t, s.Connect(context.Background(), "wss://chat.example/ws"))
	before := s.Connection().LastLiveness()

	clock.Advance(time.Second)
	factory.last().deliver([]byte(`{"Type":"CONNECTION_ACK"}`))

	require.Eventually(t, func() bool {
		return s.Connection().LastLiveness().After(before)
	}, time.Second, time.Millisecond)
}

func TestSessionSendGoesThroughQueue(t *testing.T) {
	clock := newFakeClock()
	factory := newStubTransportFactory()
	s, sink := newTestSession(t, clock, factory)

	require.NoError(t, s.Connect(context.Background(), "wss://chat.example/ws"))

	id := s.SendMessage("hi")
	require.Equal(t, 1, sink.count(EventMessageQueued))

	clock.Advance(2 * time.Second)

	require.Equal(t, 1, sink.count(EventMessageSent))
	require.Equal(t, 1, sink.count(EventQueueEmpty))
	ev, _ := sink.first(EventMessageSent)
	assert.Equal(t, id, ev.MessageID)

	written := factory.last().written()
	require.Len(t, written, 1)
	assert.Equal(t, "hi", string(written[0]))
}

func TestSessionBuffersWhileDisconnected(t *testing.T) {
	clock := newFakeClock()
	factory := newStubTransportFactory()
	s, sink := newTestSession(t, clock, factory)

	require.NoError(t, s.Connect(context.Background(), "wss://chat.example/ws"))
	s.Disconnect()

	s.SendMessage("queued while down")
	clock.Advance(2 * time.Second) // tick fails, message retried later

	assert.Zero(t, sink.count(EventMessageSent))
	assert.Equal(t, 1, s.Queue().Size())
}

func TestSessionLocalTypingEmitsFrame(t *testing.T) {
	clock := newFakeClock()
	factory := newStubTransportFactory()
	s, _ := newTestSession(t, clock, factory)

	require.NoError(t, s.Connect(context.Background(), "wss://chat.example/ws"))

	s.HandleLocalTyping()
	s.HandleLocalTyping()
	clock.Advance(time.Second)

	written := factory.last().written()
	require.Len(t, written, 1)

	f, err := DecodeFrame(written[0])
	require.NoError(t, err)
	assert.True(t, f.IsTypingEvent())
}

func TestSessionConnectFailureFeedsRecovery(t *testing.T) {
	clock := newFakeClock()
	factory := newStubTransportFactory()
	s, sink := newTestSession(t, clock, factory)

	factory.failNext(ErrCannotConnect)
	require.Error(t, s.Connect(context.Background(), "wss://chat.example/ws"))

	require.Equal(t, 1, sink.count(EventError))
	require.Equal(t, 1, s.Recovery().ActiveRecoveries())

	// The bound recovery action reconnects through the connection manager.
	clock.Advance(time.Second)
	assert.Equal(t, StateConnected, s.Connection().State())
	assert.Equal(t, 1, sink.count(EventRecoverySuccess))
}

func TestSessionLadderExhaustionEndsFailed(t *testing.T) {
	clock := newFakeClock()
	factory := newStubTransportFactory()
	s, sink := newTestSession(t, clock, factory)

	require.NoError(t, s.Connect(context.Background(), "wss://chat.example/ws"))

	factory.failNext(
		ErrCannotConnect, ErrCannotConnect, ErrCannotConnect, ErrCannotConnect, ErrCannotConnect,
	)
	factory.last().failWith(errors.Wrap(ErrConnectionClosed, "abnormal closure"))

	require.Eventually(t, func() bool {
		return s.Connection().State() == StateReconnecting && s.Recovery().ActiveRecoveries() == 1
	}, time.Second, time.Millisecond)

	// Exactly one dial per ladder step; the recovery engine must not add a
	// competing one.
	dials := 1
	for _, step := range []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	} {
		clock.Advance(step)
		dials++
		require.Equal(t, dials, factory.count())
	}

	assert.Equal(t, StateFailed, s.Connection().State())

	status, ok := sink.last(EventConnectionStatus)
	require.True(t, ok)
	assert.Equal(t, StateFailed, status.Status)

	// Exhaustion surfaces as a terminal recovery failure, not another ladder.
	failed, ok := sink.last(EventRecoveryFailed)
	require.True(t, ok)
	assert.True(t, failed.Terminal)

	clock.Advance(10 * time.Minute)
	assert.Equal(t, dials, factory.count())
	assert.Equal(t, StateFailed, s.Connection().State())
}

func TestSessionRateLimitedConnectHonorsServerWait(t *testing.T) {
	clock := newFakeClock()
	factory := newStubTransportFactory()
	s, sink := newTestSession(t, clock, factory)

	factory.failNext(&RateLimitError{Err: ErrRateLimit, RetryAfter: 5 * time.Second})
	require.Error(t, s.Connect(context.Background(), "wss://chat.example/ws"))

	ev, ok := sink.first(EventError)
	require.True(t, ok)
	require.NotNil(t, ev.Record)
	assert.Equal(t, KindRateLimitExceeded, ev.Record.Kind)

	// No redial on the exponential ladder; the server-provided wait rules.
	clock.Advance(4 * time.Second)
	require.Equal(t, 1, factory.count())

	clock.Advance(time.Second)
	assert.Equal(t, 2, factory.count())
	assert.Equal(t, StateConnected, s.Connection().State())
	assert.Equal(t, 1, sink.count(EventRecoverySuccess))
}

func TestSessionCloseTearsDownEverything(t *testing.T) {
	clock := newFakeClock()
	factory := newStubTransportFactory()
	s, sink := newTestSession(t, clock, factory)

	require.NoError(t, s.Connect(context.Background(), "wss://chat.example/ws"))
	factory.last().deliver([]byte(`{"Type":"EVENT","ContentType":"` + TypingContentType + `","ParticipantId":"agent-1"}`))
	require.Eventually(t, func() bool { return s.Typing().IsAnyoneTyping() },
		time.Second, time.Millisecond)

	s.SendMessage("never leaves")

	s.Close()

	assert.Equal(t, StateDisconnected, s.Connection().State())
	assert.False(t, s.Typing().IsAnyoneTyping())
	assert.Zero(t, s.Recovery().ActiveRecoveries())

	// No timer survives teardown.
	pendingSends := sink.count(EventMessageSent)
	clock.Advance(10 * time.Minute)
	assert.Equal(t, pendingSends, sink.count(EventMessageSent))
}

func TestSessionOfflineSignalBridgesBothEngines(t *testing.T) {
	clock := newFakeClock()
	factory := newStubTransportFactory()
	s, sink := newTestSession(t, clock, factory)

	require.NoError(t, s.Connect(context.Background(), "wss://chat.example/ws"))

	s.SetOnline(false)

	assert.Equal(t, StateDisconnected, s.Connection().State())
	assert.False(t, s.Recovery().Online())
	assert.GreaterOrEqual(t, sink.count(EventConnectionStatus), 3) // connecting, connected, disconnected
}
