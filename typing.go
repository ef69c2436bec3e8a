package chatcore

import (
	"sort"
	"sync"
	"time"
)

// TypingStatus is one entry of the typing snapshot.
type TypingStatus struct {
	ParticipantID string
	LastActivity  time.Time
}

// TypingHooks observe typing activity. All hooks are optional and invoked
// synchronously outside the tracker lock.
type TypingHooks struct {
	OnTypingStart         func(participantID string)
	OnTypingStop          func(participantID string)
	OnSendTypingIndicator func()
}

type typingEntry struct {
	lastActivity time.Time
	timer        Timer
}

// TypingTracker debounces local typing signals and times out remote ones. An
// entry cannot outlive its timer: expiry and removal happen together.
type TypingTracker struct {
	mu     sync.Mutex
	logger Logger
	clock  Clock

	timeout  time.Duration
	debounce time.Duration

	participants map[string]*typingEntry

	debounceTimer   Timer
	debouncePending bool

	hooks TypingHooks
}

// NewTypingTracker creates an empty tracker.
func NewTypingTracker(settings Settings, logger Logger, clock Clock, hooks TypingHooks) *TypingTracker {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TypingTracker{
		logger:       logger.WithField("type", "typing_tracker"),
		clock:        clock,
		timeout:      settings.TypingTimeout,
		debounce:     settings.TypingDebounce,
		participants: make(map[string]*typingEntry),
		hooks:        hooks,
	}
}

// HandleRemoteTyping records a remote typing signal. The first signal for a
// participant emits a start notification and arms the expiry timer; repeats
// only refresh the timer.
func (t *TypingTracker) HandleRemoteTyping(participantID string) {
	t.mu.Lock()
	if e, ok := t.participants[participantID]; ok {
		e.lastActivity = t.clock.Now()
		e.timer.Reset(t.timeout)
		t.mu.Unlock()
		return
	}

	e := &typingEntry{lastActivity: t.clock.Now()}
	e.timer = t.clock.AfterFunc(t.timeout, func() {
		t.expire(participantID)
	})
	t.participants[participantID] = e
	t.mu.Unlock()

	if t.hooks.OnTypingStart != nil {
		t.hooks.OnTypingStart(participantID)
	}
}

func (t *TypingTracker) expire(participantID string) {
	t.mu.Lock()
	if _, ok := t.participants[participantID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.participants, participantID)
	t.mu.Unlock()

	if t.hooks.OnTypingStop != nil {
		t.hooks.OnTypingStop(participantID)
	}
}

// StopTyping stops tracking a participant early, cancelling its timer and
// emitting a stop notification.
func (t *TypingTracker) StopTyping(participantID string) {
	t.mu.Lock()
	e, ok := t.participants[participantID]
	if !ok {
		t.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(t.participants, participantID)
	t.mu.Unlock()

	if t.hooks.OnTypingStop != nil {
		t.hooks.OnTypingStop(participantID)
	}
}

// HandleLocalTyping registers a local typing signal. Bursts within the
// debounce window collapse into a single indicator emitted once the user
// pauses.
func (t *TypingTracker) HandleLocalTyping() {
	t.mu.Lock()
	if t.debouncePending {
		t.debounceTimer.Reset(t.debounce)
		t.mu.Unlock()
		return
	}
	t.debouncePending = true
	t.debounceTimer = t.clock.AfterFunc(t.debounce, t.fireLocal)
	t.mu.Unlock()
}

func (t *TypingTracker) fireLocal() {
	t.mu.Lock()
	if !t.debouncePending {
		t.mu.Unlock()
		return
	}
	t.debouncePending = false
	t.mu.Unlock()

	if t.hooks.OnSendTypingIndicator != nil {
		t.hooks.OnSendTypingIndicator()
	}
}

// StopUserTyping cancels any pending debounce without emitting.
func (t *TypingTracker) StopUserTyping() {
	t.mu.Lock()
	t.debouncePending = false
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
	}
	t.mu.Unlock()
}

// ClearAll synchronously stops every tracked participant, emitting a stop for
// each, and cancels the local debounce. Used at teardown.
func (t *TypingTracker) ClearAll() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.participants))
	for id, e := range t.participants {
		e.timer.Stop()
		ids = append(ids, id)
	}
	t.participants = make(map[string]*typingEntry)
	t.debouncePending = false
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
	}
	t.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		if t.hooks.OnTypingStop != nil {
			t.hooks.OnTypingStop(id)
		}
	}
}

// IsParticipantTyping reports whether a participant is currently tracked.
func (t *TypingTracker) IsParticipantTyping(participantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.participants[participantID]
	return ok
}

// GetTypingParticipants returns the tracked participant ids, sorted.
func (t *TypingTracker) GetTypingParticipants() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.participants))
	for id := range t.participants {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// IsAnyoneTyping reports whether any participant is tracked.
func (t *TypingTracker) IsAnyoneTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.participants) > 0
}

// GetTypingStatus returns a snapshot with last-activity timestamps, sorted by
// participant id.
func (t *TypingTracker) GetTypingStatus() []TypingStatus {
	t.mu.Lock()
	out := make([]TypingStatus, 0, len(t.participants))
	for id, e := range t.participants {
		out = append(out, TypingStatus{ParticipantID: id, LastActivity: e.lastActivity})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}
