// Package exec runs a caller-supplied unit of work with a per-attempt
// timeout, exponential-backoff retries, and circuit-breaker gating. Retries
// are sequential for a given call; sleeping between attempts never blocks
// other calls sharing the same breaker.
package exec

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mirkobrombin/go-bulwark/v1/backoff"
	"github.com/mirkobrombin/go-bulwark/v1/breaker"
	"github.com/mirkobrombin/go-bulwark/v1/errors"
	"github.com/mirkobrombin/go-bulwark/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-bulwark/v1/exec")

// Work is the unit of remote work the executor drives. It must be safe to
// invoke again after a failure; the executor does not deduplicate side
// effects across retries.
type Work[T any] func(ctx context.Context) (T, error)

// Attempt describes one observable retry decision.
type Attempt struct {
	Number    int
	Err       error
	NextDelay time.Duration
}

// Executor composes a backoff policy and a circuit breaker around calls to
// one endpoint. The same configured timeout applies to every attempt of a
// call.
type Executor[T any] struct {
	breaker    *breaker.Breaker
	policy     *backoff.Policy
	maxRetries int
	timeout    time.Duration
	retryable  func(error) bool
	observers  []func(Attempt)

	retryCounter prometheus.Counter
	traceEnabled bool
}

// Option configures an Executor.
type Option[T any] func(*Executor[T])

// WithMaxRetries sets how many retries follow the initial attempt.
func WithMaxRetries[T any](n int) Option[T] {
	return func(e *Executor[T]) { e.maxRetries = n }
}

// WithTimeout bounds each individual attempt. An attempt that outlives the
// timeout is recorded as a failure and qualifies for retry.
func WithTimeout[T any](d time.Duration) Option[T] {
	return func(e *Executor[T]) { e.timeout = d }
}

// WithRetryPredicate replaces the default retry classification
// (errors.IsRetryable).
func WithRetryPredicate[T any](fn func(error) bool) Option[T] {
	return func(e *Executor[T]) { e.retryable = fn }
}

// WithObserver registers fn to receive every retry decision.
func WithObserver[T any](fn func(Attempt)) Option[T] {
	return func(e *Executor[T]) { e.observers = append(e.observers, fn) }
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer.
func WithMetrics[T any](reg prometheus.Registerer) Option[T] {
	return func(e *Executor[T]) {
		e.retryCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulwark_exec_retries_total",
			Help: "Total number of retry attempts issued by the executor",
		})
		reg.MustRegister(e.retryCounter)
	}
}

// WithTracing enables OpenTelemetry spans around Do.
func WithTracing[T any]() Option[T] {
	return func(e *Executor[T]) { e.traceEnabled = true }
}

const defaultMaxRetries = 3

// New returns an Executor guarded by cb and delayed by policy. A nil policy
// uses the default one-second exponential policy; a nil breaker means calls
// are never gated.
func New[T any](cb *breaker.Breaker, policy *backoff.Policy, opts ...Option[T]) *Executor[T] {
	e := &Executor[T]{
		breaker:    cb,
		policy:     policy,
		maxRetries: defaultMaxRetries,
		retryable:  errors.IsRetryable,
	}
	if e.policy == nil {
		e.policy = backoff.NewPolicy(backoff.DefaultBase)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs work until it succeeds, the error is classified permanent, the
// retry budget is spent, the circuit opens, or ctx is done. The terminal
// error wraps the last observed failure.
func (e *Executor[T]) Do(ctx context.Context, work Work[T]) (T, error) {
	var zero T
	metrics.ExecuteCounter.Inc()
	var spanEnd func(error)
	if e.traceEnabled {
		sctx, span := tracer.Start(ctx, "Executor.Do")
		ctx = sctx
		spanEnd = func(err error) {
			if err != nil {
				span.SetAttributes(attribute.String("bulwark.exec.error", err.Error()))
			}
			span.End()
		}
	}
	v, err := e.do(ctx, work)
	if spanEnd != nil {
		spanEnd(err)
	}
	if err != nil {
		metrics.ExecuteFailureCounter.Inc()
		return zero, err
	}
	return v, nil
}

func (e *Executor[T]) do(ctx context.Context, work Work[T]) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("bulwark: %w: %v", errors.ErrDeadlineExceeded, err)
		}
		if e.breaker != nil {
			if err := e.breaker.Allow(); err != nil {
				// Retrying against an open circuit defeats its purpose.
				return zero, err
			}
		}

		v, err := e.attempt(ctx, work)
		if err == nil {
			if e.breaker != nil {
				e.breaker.Success()
			}
			return v, nil
		}
		if e.breaker != nil {
			// The breaker admitted this attempt, so it must see an outcome
			// even when the caller's cutoff abandons it; a claimed half-open
			// trial slot would otherwise never be released.
			e.breaker.Failure()
		}
		if stdErrors.Is(err, errors.ErrDeadlineExceeded) {
			return zero, err
		}
		if !e.retryable(err) {
			return zero, fmt.Errorf("bulwark: permanent failure: %w", err)
		}
		if attempt > e.maxRetries {
			return zero, fmt.Errorf("bulwark: retries exhausted after %d attempts: %w", attempt, err)
		}

		delay := e.policy.Delay(attempt)
		slog.Debug("bulwark: retrying", "attempt", attempt, "delay", delay, "error", err)
		if e.retryCounter != nil {
			e.retryCounter.Inc()
		}
		for _, fn := range e.observers {
			fn(Attempt{Number: attempt, Err: err, NextDelay: delay})
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("bulwark: %w: %v", errors.ErrDeadlineExceeded, ctx.Err())
		case <-timer.C:
		}
	}
}

type result[T any] struct {
	value T
	err   error
}

// attempt runs work once under the per-attempt timeout. Work that honors
// ctx is aborted promptly on timeout; work that ignores it keeps running in
// its goroutine and its late result is discarded.
func (e *Executor[T]) attempt(ctx context.Context, work Work[T]) (T, error) {
	var zero T
	actx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	ch := make(chan result[T], 1)
	go func() {
		v, err := work(actx)
		ch <- result[T]{value: v, err: err}
	}()

	select {
	case res := <-ch:
		return res.value, res.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return zero, fmt.Errorf("bulwark: %w: %v", errors.ErrDeadlineExceeded, ctx.Err())
		}
		return zero, errors.Transient(fmt.Errorf("attempt timed out after %s", e.timeout))
	}
}
