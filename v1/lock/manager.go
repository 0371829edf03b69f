package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-bulwark/v1/errors"
	"github.com/mirkobrombin/go-bulwark/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-bulwark/v1/lock")

// Lease is the caller-held proof of exclusive ownership of a resource key.
// Only the Manager instance that acquired it may mutate it.
type Lease struct {
	Key        string
	Token      string
	ValidUntil time.Time
	Quorum     int
}

// Valid reports whether the lease's validity window is still open. Callers
// must bound protected work by ValidUntil and re-verify when in doubt.
func (l *Lease) Valid(now time.Time) bool {
	return l != nil && now.Before(l.ValidUntil)
}

// Outcome describes one observable manager operation for external
// logging/metrics collection.
type Outcome struct {
	Op      string
	Key     string
	Granted int
	N       int
	OK      bool
}

// Manager drives N independent authorities to acquire, extend and release a
// quorum lease. A majority (floor(N/2)+1) of acceptances within the TTL is
// required; minority failures and timeouts are tolerated.
type Manager struct {
	authorities []Authority
	driftFactor float64
	opTimeout   time.Duration
	now         func() time.Time
	observers   []func(Outcome)

	acquireCounter *prometheus.CounterVec
	traceEnabled   bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDriftFactor sets the fraction of the TTL subtracted from lease
// validity to tolerate clock skew between the manager and the authorities.
func WithDriftFactor(f float64) ManagerOption {
	return func(m *Manager) { m.driftFactor = f }
}

// WithManagerOpTimeout bounds each authority operation issued by the
// manager. It must be substantially smaller than the lock TTL.
func WithManagerOpTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.opTimeout = d }
}

// WithManagerClock overrides the manager's clock for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithManagerObserver registers fn to receive every acquire/extend/release
// outcome.
func WithManagerObserver(fn func(Outcome)) ManagerOption {
	return func(m *Manager) { m.observers = append(m.observers, fn) }
}

// WithManagerMetrics enables Prometheus metrics collection using the
// provided registerer.
func WithManagerMetrics(reg prometheus.Registerer) ManagerOption {
	return func(m *Manager) {
		m.acquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_lock_operations_total",
			Help: "Total number of lock manager operations by result",
		}, []string{"op", "result"})
		reg.MustRegister(m.acquireCounter)
	}
}

// WithManagerTracing enables OpenTelemetry spans around Acquire and Extend.
func WithManagerTracing() ManagerOption {
	return func(m *Manager) { m.traceEnabled = true }
}

const defaultDriftFactor = 0.01

// NewManager returns a Manager over the given authorities.
func NewManager(authorities []Authority, opts ...ManagerOption) *Manager {
	m := &Manager{
		authorities: authorities,
		driftFactor: defaultDriftFactor,
		opTimeout:   defaultOpTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Majority returns the quorum size: floor(N/2)+1, also for even N.
func (m *Manager) Majority() int {
	return len(m.authorities)/2 + 1
}

func (m *Manager) drift(ttl time.Duration) time.Duration {
	return time.Duration(m.driftFactor * float64(ttl))
}

// Acquire attempts to take the quorum lease for key. The caller's ctx is the
// acquire timeout: cancel it or give it a deadline to bound the whole
// acquisition, while each individual authority call is additionally bounded
// by the per-operation timeout. Acquire fans out to every authority in
// parallel, waits for the full fan-out to settle, and only then decides:
// partial early success never short-circuits, because a late acceptance
// still has to be counted or released. On failure every accepting authority
// is released best-effort so partial locks do not linger until TTL expiry.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if m.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Lock.Acquire")
		span.SetAttributes(attribute.String("bulwark.lock.key", key))
		defer span.End()
	}
	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("bulwark: generate owner token: %w", err)
	}

	start := m.now()
	granted := m.fanOut(ctx, "acquire", func(octx context.Context, a Authority) (bool, error) {
		return a.TryAcquire(octx, key, token, ttl)
	})

	count := 0
	for _, ok := range granted {
		if ok {
			count++
		}
	}
	validity := ttl - m.now().Sub(start) - m.drift(ttl)

	if count >= m.Majority() && validity > 0 {
		m.report("acquire", key, count, true)
		metrics.LeaseGauge.Inc()
		return &Lease{
			Key:        key,
			Token:      token,
			ValidUntil: start.Add(validity),
			Quorum:     count,
		}, nil
	}

	m.rollback(ctx, key, token, granted)
	m.report("acquire", key, count, false)
	return nil, fmt.Errorf("bulwark: %w: %d/%d authorities accepted", errors.ErrQuorumNotReached, count, len(m.authorities))
}

// Extend refreshes the lease TTL via the quorum procedure. The new validity
// is computed relative to now, not to the original acquisition time. If
// quorum is lost or the lease has already lapsed, Extend fails and the
// caller must stop its critical section; authorities that did refresh keep
// the longer expiry, which is harmless.
func (m *Manager) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if m.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Lock.Extend")
		span.SetAttributes(attribute.String("bulwark.lock.key", lease.Key))
		defer span.End()
	}
	if !lease.Valid(m.now()) {
		return fmt.Errorf("bulwark: %w", errors.ErrLeaseExpired)
	}

	start := m.now()
	granted := m.fanOut(ctx, "extend", func(octx context.Context, a Authority) (bool, error) {
		return a.Extend(octx, lease.Key, lease.Token, ttl)
	})

	count := 0
	for _, ok := range granted {
		if ok {
			count++
		}
	}
	validity := ttl - m.now().Sub(start) - m.drift(ttl)

	if count < m.Majority() || validity <= 0 {
		m.report("extend", lease.Key, count, false)
		return fmt.Errorf("bulwark: %w: %d/%d authorities refreshed", errors.ErrQuorumNotReached, count, len(m.authorities))
	}

	lease.ValidUntil = start.Add(validity)
	lease.Quorum = count
	m.report("extend", lease.Key, count, true)
	return nil
}

// Release frees the lease at every authority, best-effort: individual
// authority failures are logged and swallowed because the TTL is the
// backstop. Releasing an already-expired lease still clears surviving
// records but reports ErrLeaseExpired so the caller knows exclusivity had
// lapsed.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	expired := !lease.Valid(m.now())
	granted := m.fanOut(ctx, "release", func(octx context.Context, a Authority) (bool, error) {
		return a.Release(octx, lease.Key, lease.Token)
	})

	count := 0
	for _, ok := range granted {
		if ok {
			count++
		}
	}
	m.report("release", lease.Key, count, !expired)
	metrics.LeaseGauge.Dec()
	if expired {
		return fmt.Errorf("bulwark: %w", errors.ErrLeaseExpired)
	}
	return nil
}

// WithLock acquires the lease for key, runs fn, and releases on every exit
// path. fn receives the lease so it can bound its work by ValidUntil or
// extend it.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context, lease *Lease) error) error {
	lease, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := m.Release(context.WithoutCancel(ctx), lease); rerr != nil {
			slog.Warn("bulwark: lock release failed", "key", key, "error", rerr)
		}
	}()
	return fn(ctx, lease)
}

// fanOut issues op against every authority in parallel, each bounded by its
// own timeout, and joins all of them before returning.
func (m *Manager) fanOut(ctx context.Context, name string, op func(ctx context.Context, a Authority) (bool, error)) []bool {
	granted := make([]bool, len(m.authorities))
	var g errgroup.Group
	for i, a := range m.authorities {
		i, a := i, a
		g.Go(func() error {
			octx, cancel := context.WithTimeout(ctx, m.opTimeout)
			defer cancel()
			ok, err := op(octx, a)
			if err != nil {
				slog.Debug("bulwark: authority call failed", "op", name, "authority", i, "error", err)
				return nil
			}
			granted[i] = ok
			return nil
		})
	}
	_ = g.Wait()
	return granted
}

// rollback releases every authority that accepted a failed acquisition.
func (m *Manager) rollback(ctx context.Context, key, token string, granted []bool) {
	var g errgroup.Group
	for i, ok := range granted {
		if !ok {
			continue
		}
		i := i
		a := m.authorities[i]
		g.Go(func() error {
			octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opTimeout)
			defer cancel()
			if _, err := a.Release(octx, key, token); err != nil {
				slog.Warn("bulwark: rollback release failed", "key", key, "authority", i, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) report(op, key string, granted int, ok bool) {
	out := Outcome{Op: op, Key: key, Granted: granted, N: len(m.authorities), OK: ok}
	if m.acquireCounter != nil {
		result := "ok"
		if !ok {
			result = "failed"
		}
		m.acquireCounter.WithLabelValues(op, result).Inc()
	}
	for _, fn := range m.observers {
		fn(out)
	}
}
