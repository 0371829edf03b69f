// Package breaker implements a circuit breaker tracking the health of one
// protected endpoint. The breaker is shared by every caller hitting that
// endpoint; outcomes recorded concurrently are serialized internally.
package breaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-bulwark/v1/errors"
)

// State is the breaker's position in the CLOSED/OPEN/HALF_OPEN machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the conventional upper-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// Transition describes one observable state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

type outcome struct {
	at      time.Time
	failure bool
}

// Breaker gates calls to a single endpoint. Failure ratio is computed over a
// sliding time window; the breaker opens once the window holds at least
// MinimumVolume outcomes and the ratio crosses FailureRatio.
type Breaker struct {
	mu       sync.Mutex
	state    State
	outcomes []outcome
	openedAt time.Time
	trial    bool

	window       time.Duration
	minVolume    int
	failureRatio float64
	resetTimeout time.Duration
	now          func() time.Time
	observers    []func(Transition)

	transitionCounter *prometheus.CounterVec
	rejectedCounter   prometheus.Counter
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithWindow sets the sliding window over which outcomes are counted.
func WithWindow(d time.Duration) Option {
	return func(b *Breaker) { b.window = d }
}

// WithMinimumVolume sets how many outcomes the window must hold before the
// failure ratio is considered at all.
func WithMinimumVolume(n int) Option {
	return func(b *Breaker) { b.minVolume = n }
}

// WithFailureRatio sets the failure ratio at which the breaker opens.
func WithFailureRatio(r float64) Option {
	return func(b *Breaker) { b.failureRatio = r }
}

// WithResetTimeout sets how long the breaker stays open before admitting a
// half-open trial call.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.resetTimeout = d }
}

// WithObserver registers fn to receive every state transition. Observers run
// synchronously after the transition commits; keep them cheap.
func WithObserver(fn func(Transition)) Option {
	return func(b *Breaker) { b.observers = append(b.observers, fn) }
}

// WithClock overrides the breaker's clock, letting tests drive time.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(b *Breaker) {
		b.transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		}, []string{"from", "to"})
		b.rejectedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulwark_breaker_rejected_total",
			Help: "Total number of calls rejected by the circuit breaker",
		})
		reg.MustRegister(b.transitionCounter, b.rejectedCounter)
	}
}

const (
	defaultWindow       = time.Minute
	defaultMinVolume    = 5
	defaultFailureRatio = 0.5
	defaultResetTimeout = 30 * time.Second
)

// New returns a closed Breaker with the given options applied over the
// defaults (one-minute window, volume 5, ratio 0.5, 30 s reset timeout).
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:        StateClosed,
		window:       defaultWindow,
		minVolume:    defaultMinVolume,
		failureRatio: defaultFailureRatio,
		resetTimeout: defaultResetTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed right now. It returns
// errors.ErrCircuitOpen while the breaker is open, and claims the single
// half-open trial slot when the reset timeout has elapsed: at most one
// caller gets through until that trial's outcome is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	now := b.now()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if now.Sub(b.openedAt) >= b.resetTimeout {
			tr := b.transitionLocked(StateHalfOpen, now)
			b.trial = true
			b.mu.Unlock()
			b.notify(*tr)
			return nil
		}
	case StateHalfOpen:
		if !b.trial {
			b.trial = true
			b.mu.Unlock()
			return nil
		}
	}
	if b.rejectedCounter != nil {
		b.rejectedCounter.Inc()
	}
	b.mu.Unlock()
	return errors.ErrCircuitOpen
}

// Success records a successful outcome.
func (b *Breaker) Success() { b.record(false) }

// Failure records a failed outcome. A per-call timeout counts as a failure.
func (b *Breaker) Failure() { b.record(true) }

func (b *Breaker) record(failure bool) {
	b.mu.Lock()
	now := b.now()
	var tr *Transition

	switch b.state {
	case StateHalfOpen:
		b.trial = false
		if failure {
			tr = b.transitionLocked(StateOpen, now)
			b.openedAt = now
		} else {
			tr = b.transitionLocked(StateClosed, now)
			b.outcomes = nil
		}
	case StateClosed:
		b.outcomes = append(b.outcomes, outcome{at: now, failure: failure})
		b.pruneLocked(now)
		failures, total := b.countsLocked()
		if total >= b.minVolume && float64(failures)/float64(total) >= b.failureRatio {
			tr = b.transitionLocked(StateOpen, now)
			b.openedAt = now
		}
	case StateOpen:
		// Outcome of a call admitted before the breaker opened; the rolling
		// counters stop mattering until the next half-open trial.
	}
	b.mu.Unlock()
	if tr != nil {
		b.notify(*tr)
	}
}

// State returns the current state, accounting for an elapsed reset timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Counts returns the rolling failure and total counters over the window.
func (b *Breaker) Counts() (failures, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return b.countsLocked()
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for _, o := range b.outcomes {
		if o.at.After(cutoff) {
			b.outcomes[i] = o
			i++
		}
	}
	b.outcomes = b.outcomes[:i]
}

func (b *Breaker) countsLocked() (failures, total int) {
	for _, o := range b.outcomes {
		if o.failure {
			failures++
		}
	}
	return failures, len(b.outcomes)
}

func (b *Breaker) transitionLocked(to State, now time.Time) *Transition {
	tr := Transition{From: b.state, To: to, At: now}
	b.state = to
	if b.transitionCounter != nil {
		b.transitionCounter.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
	}
	return &tr
}

func (b *Breaker) notify(tr Transition) {
	for _, fn := range b.observers {
		fn(tr)
	}
}
