package chatcore

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SendFunc is the injected delivery primitive. The queue never touches the
// transport directly.
type SendFunc func(content string) error

// QueuedMessage is one buffered outbound payload. Mutated only by the queue's
// own processing tick.
type QueuedMessage struct {
	ID         string
	Content    string
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int
}

// QueueStats is a snapshot of the queue contents.
type QueueStats struct {
	Total            int
	Pending          int
	Failed           int
	OldestEnqueuedAt time.Time
}

// QueueHooks observe message lifecycle. All hooks are optional and invoked
// synchronously outside the queue lock.
type QueueHooks struct {
	OnQueued func(id string)
	OnSent   func(id string)
	OnFailed func(id string, reason string)
	OnEmpty  func()
}

// DeliveryQueue buffers outbound payloads while the transport is down or
// sends fail. Bounded FIFO with drop-oldest eviction and strict head-of-line
// delivery: a stuck head blocks everything behind it. That is a deliberate
// ordering trade-off.
type DeliveryQueue struct {
	mu     sync.Mutex
	logger Logger
	clock  Clock

	send       SendFunc
	capacity   int
	tick       time.Duration
	maxRetries int

	items    []*QueuedMessage
	timer    Timer
	running  bool
	inFlight bool

	hooks QueueHooks
}

// NewDeliveryQueue creates a stopped queue. Start arms the processing tick.
func NewDeliveryQueue(
	settings Settings,
	logger Logger,
	clock Clock,
	send SendFunc,
	hooks QueueHooks,
) *DeliveryQueue {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &DeliveryQueue{
		logger:     logger.WithField("type", "delivery_queue"),
		clock:      clock,
		send:       send,
		capacity:   settings.QueueCapacity,
		tick:       settings.QueueTickInterval,
		maxRetries: settings.MessageMaxRetries,
		hooks:      hooks,
	}
}

// Start arms the periodic processing tick.
func (q *DeliveryQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.armLocked()
}

// Stop cancels the processing tick. Queued messages are kept.
func (q *DeliveryQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = false
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// Enqueue buffers content with the default retry budget and returns its id.
func (q *DeliveryQueue) Enqueue(content string) string {
	return q.EnqueueWithRetries(content, q.maxRetries)
}

// EnqueueWithRetries buffers content with an explicit retry budget. On
// overflow the oldest entry is evicted and reported failed before the new one
// is admitted.
func (q *DeliveryQueue) EnqueueWithRetries(content string, maxRetries int) string {
	msg := &QueuedMessage{
		ID:         uuid.NewString(),
		Content:    content,
		EnqueuedAt: q.clock.Now(),
		MaxRetries: maxRetries,
	}

	var dropped *QueuedMessage
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		dropped = q.items[0]
		q.items = q.items[1:]
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	if dropped != nil {
		q.logger.Warnf("queue full, dropping oldest message %s", dropped.ID)
		q.emitFailed(dropped.ID, "dropped: queue full")
	}
	if q.hooks.OnQueued != nil {
		q.hooks.OnQueued(msg.ID)
	}
	return msg.ID
}

// Size returns the number of buffered messages.
func (q *DeliveryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// GetStats computes a snapshot from the current contents.
func (q *DeliveryQueue) GetStats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{Total: len(q.items)}
	for i, m := range q.items {
		if m.RetryCount >= m.MaxRetries {
			stats.Failed++
		} else {
			stats.Pending++
		}
		if i == 0 {
			stats.OldestEnqueuedAt = m.EnqueuedAt
		}
	}
	return stats
}

// RetryFailedMessages resets the retry counter of entries that reached their
// limit but were not yet evicted. Returns how many were reset.
func (q *DeliveryQueue) RetryFailedMessages() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, m := range q.items {
		if m.RetryCount >= m.MaxRetries {
			m.RetryCount = 0
			n++
		}
	}
	return n
}

func (q *DeliveryQueue) armLocked() {
	q.timer = q.clock.AfterFunc(q.tick, q.processTick)
}

// processTick inspects only the head of the queue and attempts delivery.
func (q *DeliveryQueue) processTick() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	if q.inFlight || len(q.items) == 0 {
		q.armLocked()
		q.mu.Unlock()
		return
	}

	head := q.items[0]
	if head.RetryCount >= head.MaxRetries {
		// Exhausted without a send budget (e.g. maxRetries 0).
		q.items = q.items[1:]
		q.armLocked()
		q.mu.Unlock()
		q.emitFailed(head.ID, "retries exhausted")
		return
	}

	q.inFlight = true
	q.mu.Unlock()

	err := q.send(head.Content)

	var (
		sent   bool
		failed string
		empty  bool
	)

	q.mu.Lock()
	q.inFlight = false
	// The head may have been evicted by overflow while the send was in
	// flight; mutate a snapshot-checked queue, never assume position.
	stillHead := len(q.items) > 0 && q.items[0] == head
	if err == nil {
		if stillHead {
			q.items = q.items[1:]
			sent = true
			empty = len(q.items) == 0
		}
	} else if stillHead {
		head.RetryCount++
		if head.RetryCount >= head.MaxRetries {
			q.items = q.items[1:]
			failed = err.Error()
		} else {
			// A backoff value is computed per attempt but the retry still
			// happens on the next fixed tick (legacy cadence).
			q.logger.Debugf(
				"send failed (attempt %d/%d), retrying next tick, computed backoff %s: %s",
				head.RetryCount, head.MaxRetries, messageRetryDelay(head.RetryCount), err,
			)
		}
	}
	if q.running {
		q.armLocked()
	}
	q.mu.Unlock()

	switch {
	case sent:
		if q.hooks.OnSent != nil {
			q.hooks.OnSent(head.ID)
		}
		if empty && q.hooks.OnEmpty != nil {
			q.hooks.OnEmpty()
		}
	case failed != "":
		q.emitFailed(head.ID, failed)
	}
}

func (q *DeliveryQueue) emitFailed(id, reason string) {
	if q.hooks.OnFailed != nil {
		q.hooks.OnFailed(id, reason)
	}
}

// messageRetryDelay is the per-attempt exponential value the legacy cadence
// computes but never applies.
func messageRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Second << (attempt - 1)
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}
