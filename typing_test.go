package chatcore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typingRecorder struct {
	mu         sync.Mutex
	starts     []string
	stops      []string
	indicators int
}

func (r *typingRecorder) hooks() TypingHooks {
	return TypingHooks{
		OnTypingStart: func(id string) {
			r.mu.Lock()
			r.starts = append(r.starts, id)
			r.mu.Unlock()
		},
		OnTypingStop: func(id string) {
			r.mu.Lock()
			r.stops = append(r.stops, id)
			r.mu.Unlock()
		},
		OnSendTypingIndicator: func() {
			r.mu.Lock()
			r.indicators++
			r.mu.Unlock()
		},
	}
}

func TestRemoteTypingCoalescesAndTimesOutAfterLastSignal(t *testing.T) {
	clock := newFakeClock()
	rec := &typingRecorder{}
	tr := NewTypingTracker(DefaultSettings(), nil, clock, rec.hooks())

	// Five signals within the timeout window refresh, never re-start.
	tr.HandleRemoteTyping("a")
	for i := 0; i < 4; i++ {
		clock.Advance(500 * time.Millisecond)
		tr.HandleRemoteTyping("a")
	}

	require.Equal(t, []string{"a"}, rec.starts)
	require.True(t, tr.IsParticipantTyping("a"))

	// Timeout counts from the last signal.
	clock.Advance(2999 * time.Millisecond)
	require.Empty(t, rec.stops)

	clock.Advance(time.Millisecond)
	assert.Equal(t, []string{"a"}, rec.stops)
	assert.False(t, tr.IsParticipantTyping("a"))
}

func TestStopTypingCancelsTimerAndEmitsOnce(t *testing.T) {
	clock := newFakeClock()
	rec := &typingRecorder{}
	tr := NewTypingTracker(DefaultSettings(), nil, clock, rec.hooks())

	tr.HandleRemoteTyping("a")
	tr.StopTyping("a")

	require.Equal(t, []string{"a"}, rec.stops)

	// The cancelled timer must not fire a second stop.
	clock.Advance(time.Minute)
	assert.Equal(t, []string{"a"}, rec.stops)

	// Stopping an untracked participant is a no-op.
	tr.StopTyping("ghost")
	assert.Equal(t, []string{"a"}, rec.stops)
}

func TestLocalTypingDebounce(t *testing.T) {
	clock := newFakeClock()
	rec := &typingRecorder{}
	tr := NewTypingTracker(DefaultSettings(), nil, clock, rec.hooks())

	tr.HandleLocalTyping()
	clock.Advance(400 * time.Millisecond)
	tr.HandleLocalTyping()
	clock.Advance(400 * time.Millisecond)
	tr.HandleLocalTyping()

	require.Zero(t, rec.indicators)

	clock.Advance(time.Second)
	assert.Equal(t, 1, rec.indicators)

	// A new burst after the quiet period emits again.
	tr.HandleLocalTyping()
	clock.Advance(time.Second)
	assert.Equal(t, 2, rec.indicators)
}

func TestStopUserTypingCancelsWithoutEmitting(t *testing.T) {
	clock := newFakeClock()
	rec := &typingRecorder{}
	tr := NewTypingTracker(DefaultSettings(), nil, clock, rec.hooks())

	tr.HandleLocalTyping()
	tr.StopUserTyping()

	clock.Advance(time.Minute)
	assert.Zero(t, rec.indicators)
}

func TestClearAllStopsEveryone(t *testing.T) {
	clock := newFakeClock()
	rec := &typingRecorder{}
	tr := NewTypingTracker(DefaultSettings(), nil, clock, rec.hooks())

	tr.HandleRemoteTyping("b")
	tr.HandleRemoteTyping("a")
	tr.HandleLocalTyping()

	require.True(t, tr.IsAnyoneTyping())
	require.Equal(t, []string{"a", "b"}, tr.GetTypingParticipants())

	tr.ClearAll()

	assert.Equal(t, []string{"a", "b"}, rec.stops)
	assert.False(t, tr.IsAnyoneTyping())

	// Neither expiry timers nor the debounce survive teardown.
	clock.Advance(time.Minute)
	assert.Equal(t, []string{"a", "b"}, rec.stops)
	assert.Zero(t, rec.indicators)
}

func TestTypingStatusSnapshot(t *testing.T) {
	clock := newFakeClock()
	tr := NewTypingTracker(DefaultSettings(), nil, clock, TypingHooks{})

	tr.HandleRemoteTyping("a")
	clock.Advance(time.Second)
	tr.HandleRemoteTyping("b")

	status := tr.GetTypingStatus()
	require.Len(t, status, 2)
	assert.Equal(t, "a", status[0].ParticipantID)
	assert.Equal(t, "b", status[1].ParticipantID)
	assert.True(t, status[1].LastActivity.After(status[0].LastActivity))
}
