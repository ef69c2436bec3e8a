package chatcore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Strategy is a data-driven recovery policy for one error kind. Policies are
// plain records, unit-testable in isolation and swappable at runtime.
type Strategy struct {
	// CanRecover decides whether this error instance is worth retrying.
	CanRecover func(err error) bool

	// Recover performs one recovery attempt. Nil means no action is bound
	// yet; attempts then fail until one is bound.
	Recover func(ctx context.Context, err error) error

	// RetryDelay returns the wait before the next attempt given the number
	// of completed attempts.
	RetryDelay func(attempt int) time.Duration

	// MaxRetries is the attempt ceiling before the error turns terminal.
	MaxRetries int
}

// RecoveryHooks observe the engine. All hooks are optional and invoked
// synchronously outside the engine lock.
type RecoveryHooks struct {
	OnError           func(rec ErrorRecord)
	OnRecoveryAttempt func(err error, attempt int)
	OnRecoverySuccess func(err error)
	OnRecoveryFailed  func(err error, terminal bool)
	OnOnlineChange    func(online bool)
}

// recoveryContext tracks one in-flight recovery, keyed by error bucket
// (kind + creation timestamp). At most one context exists per bucket.
type recoveryContext struct {
	id       string
	err      error
	kind     ErrorKind
	strategy Strategy
	attempts int
	timer    Timer
}

// RecoveryEngine classifies failures by kind, selects a strategy, and drives
// scheduled retries with history tracking.
type RecoveryEngine struct {
	mu     sync.Mutex
	logger Logger
	clock  Clock

	history    *errorHistory
	strategies map[ErrorKind]Strategy
	contexts   map[string]*recoveryContext
	offline    bool

	hooks RecoveryHooks
}

// NewRecoveryEngine creates an engine preloaded with the built-in strategies.
// Recovery actions are bound separately through BindAction.
func NewRecoveryEngine(settings Settings, logger Logger, clock Clock, hooks RecoveryHooks) *RecoveryEngine {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &RecoveryEngine{
		logger:     logger.WithField("type", "recovery_engine"),
		clock:      clock,
		history:    newErrorHistory(settings.ErrorHistoryLimit),
		strategies: builtinStrategies(settings),
		contexts:   make(map[string]*recoveryContext),
		hooks:      hooks,
	}
}

// SetStrategy replaces the strategy for an error kind at runtime.
func (e *RecoveryEngine) SetStrategy(kind ErrorKind, s Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[kind] = s
}

// BindAction attaches the recovery action for an error kind, keeping the
// kind's policy intact.
func (e *RecoveryEngine) BindAction(kind ErrorKind, action func(ctx context.Context, err error) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.strategies[kind]
	s.Recover = action
	e.strategies[kind] = s
}

// Handle reports a failure. Recoverable errors get a recovery context and a
// scheduled first attempt; non-recoverable ones surface terminally at once.
// Handle never fails and never blocks on the wire.
func (e *RecoveryEngine) Handle(err error, kind ErrorKind) {
	now := e.clock.Now()

	e.mu.Lock()
	strat, known := e.strategies[kind]
	e.mu.Unlock()

	recoverable := known && strat.CanRecover != nil && strat.CanRecover(err)

	rec := ErrorRecord{
		Kind:        kind,
		Message:     err.Error(),
		Recoverable: recoverable,
		Timestamp:   now,
	}

	e.mu.Lock()
	e.history.append(rec)
	e.mu.Unlock()

	if e.hooks.OnError != nil {
		e.hooks.OnError(rec)
	}

	if !recoverable {
		e.logger.Warnf("non-recoverable error (%s): %s", kind, err)
		if e.hooks.OnRecoveryFailed != nil {
			e.hooks.OnRecoveryFailed(err, true)
		}
		return
	}

	key := bucketKey(kind, now)

	e.mu.Lock()
	if _, exists := e.contexts[key]; exists {
		// Already recovering this bucket.
		e.mu.Unlock()
		return
	}
	rc := &recoveryContext{
		id:       key,
		err:      err,
		kind:     kind,
		strategy: strat,
	}
	e.contexts[key] = rc
	e.scheduleLocked(rc)
	e.mu.Unlock()
}

// CancelRecovery clears one pending recovery without firing further events.
func (e *RecoveryEngine) CancelRecovery(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rc, ok := e.contexts[id]
	if !ok {
		return false
	}
	if rc.timer != nil {
		rc.timer.Stop()
	}
	delete(e.contexts, id)
	return true
}

// CancelAllRecoveries clears every pending recovery. Required before teardown
// to avoid dangling callbacks.
func (e *RecoveryEngine) CancelAllRecoveries() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, rc := range e.contexts {
		if rc.timer != nil {
			rc.timer.Stop()
		}
		delete(e.contexts, id)
	}
}

// ActiveRecoveries returns the number of in-flight recovery contexts.
func (e *RecoveryEngine) ActiveRecoveries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.contexts)
}

// History returns a copy of the diagnostic error history, oldest first.
func (e *RecoveryEngine) History() []ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.snapshot()
}

// SetOnline feeds the external connectivity signal. The flag is independent
// of any specific recovery context; the change is re-emitted to the host.
func (e *RecoveryEngine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.offline == online
	e.offline = !online
	e.mu.Unlock()

	if changed && e.hooks.OnOnlineChange != nil {
		e.hooks.OnOnlineChange(online)
	}
}

// Online reports the current connectivity flag.
func (e *RecoveryEngine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.offline
}

func (e *RecoveryEngine) scheduleLocked(rc *recoveryContext) {
	delay := rc.strategy.RetryDelay(rc.attempts)
	if ra, ok := retryAfter(rc.err); ok {
		delay = ra
	}
	e.logger.Debugf("recovery %s: attempt %d scheduled in %s", rc.id, rc.attempts+1, delay)
	rc.timer = e.clock.AfterFunc(delay, func() {
		e.attempt(rc)
	})
}

func (e *RecoveryEngine) attempt(rc *recoveryContext) {
	e.mu.Lock()
	if e.contexts[rc.id] != rc {
		// Cancelled while the timer was pending.
		e.mu.Unlock()
		return
	}
	rc.attempts++
	n := rc.attempts
	e.mu.Unlock()

	if e.hooks.OnRecoveryAttempt != nil {
		e.hooks.OnRecoveryAttempt(rc.err, n)
	}

	var err error
	if rc.strategy.Recover != nil {
		err = rc.strategy.Recover(context.Background(), rc.err)
	} else {
		err = errors.Errorf("no recovery action bound for %s", rc.kind)
	}

	e.mu.Lock()
	if e.contexts[rc.id] != rc {
		e.mu.Unlock()
		return
	}

	if err == nil {
		delete(e.contexts, rc.id)
		e.mu.Unlock()
		e.logger.Infof("recovery %s succeeded after %d attempt(s)", rc.id, n)
		if e.hooks.OnRecoverySuccess != nil {
			e.hooks.OnRecoverySuccess(rc.err)
		}
		return
	}

	if rc.attempts >= rc.strategy.MaxRetries {
		delete(e.contexts, rc.id)
		e.mu.Unlock()
		e.logger.Errorf("recovery %s exhausted after %d attempt(s): %s", rc.id, n, err)
		if e.hooks.OnRecoveryFailed != nil {
			e.hooks.OnRecoveryFailed(rc.err, true)
		}
		return
	}

	e.scheduleLocked(rc)
	e.mu.Unlock()

	if e.hooks.OnRecoveryFailed != nil {
		e.hooks.OnRecoveryFailed(rc.err, false)
	}
}

func bucketKey(kind ErrorKind, ts time.Time) string {
	return string(kind) + "/" + strconv.FormatInt(ts.UnixMilli(), 10)
}

func alwaysRecoverable(error) bool { return true }

func neverRecoverable(error) bool { return false }

// builtinStrategies maps each error kind to its stock policy.
func builtinStrategies(settings Settings) map[ErrorKind]Strategy {
	return map[ErrorKind]Strategy{
		KindConnectionLost: {
			// An exhausted reconnect ladder is terminal; spinning a second
			// ladder here would undo the Failed state.
			CanRecover: func(err error) bool {
				return !errors.Is(err, ErrReconnectExhausted)
			},
			RetryDelay: exponentialDelay(settings.ReconnectBaseDelay, settings.ReconnectMaxDelay),
			MaxRetries: settings.MaxReconnectAttempts,
		},
		KindMessageSendFailed: {
			CanRecover: alwaysRecoverable,
			RetryDelay: linearDelay(500*time.Millisecond, 5*time.Second),
			MaxRetries: 3,
		},
		KindAgentDisconnected: {
			CanRecover: alwaysRecoverable,
			RetryDelay: fixedDelay(10 * time.Second),
			MaxRetries: 3,
		},
		KindRateLimitExceeded: {
			CanRecover: alwaysRecoverable,
			RetryDelay: fixedDelay(60 * time.Second),
			MaxRetries: 2,
		},
		KindSessionTimeout: {
			CanRecover: neverRecoverable,
		},
		KindAuthenticationFailed: {
			CanRecover: neverRecoverable,
		},
	}
}

// exponentialDelay yields base·2^n capped, with n counting completed attempts.
func exponentialDelay(base, cap time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		delay := base << attempt
		if delay > cap || delay <= 0 {
			delay = cap
		}
		return delay
	}
}

// linearDelay yields step·(n+1) capped.
func linearDelay(step, cap time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		delay := step * time.Duration(attempt+1)
		if delay > cap || delay <= 0 {
			delay = cap
		}
		return delay
	}
}

func fixedDelay(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}
