package lock

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	bulwarkerrors "github.com/mirkobrombin/go-bulwark/v1/errors"
	"github.com/mirkobrombin/go-bulwark/v1/metrics"
)

type erroringAuthority struct{}

func (erroringAuthority) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return false, stdErrors.New("authority unreachable")
}

func (erroringAuthority) Release(ctx context.Context, key, token string) (bool, error) {
	return false, stdErrors.New("authority unreachable")
}

func (erroringAuthority) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return false, stdErrors.New("authority unreachable")
}

type hangingAuthority struct{}

func (hangingAuthority) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (hangingAuthority) Release(ctx context.Context, key, token string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (hangingAuthority) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func newMemoryAuthorities(clock *testClock, n int) []Authority {
	auths := make([]Authority, n)
	for i := range auths {
		auths[i] = NewMemoryAuthority(WithMemoryClock(clock.Now))
	}
	return auths
}

func TestAcquireFullQuorum(t *testing.T) {
	clock := newTestClock()
	auths := newMemoryAuthorities(clock, 3)
	m := NewManager(auths, WithManagerClock(clock.Now))
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "orders", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.Quorum != 3 {
		t.Fatalf("quorum = %d, want 3", lease.Quorum)
	}
	if !lease.Valid(clock.Now()) {
		t.Fatal("fresh lease not valid")
	}
	if lease.Token == "" {
		t.Fatal("lease has no owner token")
	}
	// Validity loses only the drift margin when acquisition is instant.
	want := clock.Now().Add(10*time.Second - 100*time.Millisecond)
	if !lease.ValidUntil.Equal(want) {
		t.Fatalf("ValidUntil = %v, want %v", lease.ValidUntil, want)
	}
}

func TestAcquireToleratesMinorityTimeout(t *testing.T) {
	clock := newTestClock()
	auths := newMemoryAuthorities(clock, 2)
	auths = append(auths, hangingAuthority{})
	m := NewManager(auths,
		WithManagerClock(clock.Now),
		WithManagerOpTimeout(20*time.Millisecond),
	)

	lease, err := m.Acquire(context.Background(), "orders", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire with one hung authority: %v", err)
	}
	if lease.Quorum != 2 {
		t.Fatalf("quorum = %d, want 2", lease.Quorum)
	}
}

func TestAcquireMinorityReleasesPartialLocks(t *testing.T) {
	clock := newTestClock()
	accepting := NewMemoryAuthority(WithMemoryClock(clock.Now))
	m := NewManager(
		[]Authority{accepting, erroringAuthority{}, erroringAuthority{}},
		WithManagerClock(clock.Now),
	)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "orders", 10*time.Second)
	if !stdErrors.Is(err, bulwarkerrors.ErrQuorumNotReached) {
		t.Fatalf("err = %v, want ErrQuorumNotReached", err)
	}
	// The accepting authority's record must have been rolled back, not left
	// to linger until TTL expiry.
	if ok, _ := accepting.TryAcquire(ctx, "orders", "other", time.Second); !ok {
		t.Fatal("partial lock record not released after failed quorum")
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	auths := make([]Authority, 3)
	for i := range auths {
		auths[i] = NewMemoryAuthority()
	}
	m1 := NewManager(auths)
	m2 := NewManager(auths)
	ctx := context.Background()

	var wg sync.WaitGroup
	leases := make([]*Lease, 2)
	for i, m := range []*Manager{m1, m2} {
		i, m := i, m
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := m.Acquire(ctx, "orders", time.Second)
			if err == nil {
				leases[i] = lease
			}
		}()
	}
	wg.Wait()

	winners := 0
	for _, l := range leases {
		if l != nil {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	// The winner's records block any further acquisition until TTL expiry.
	if _, err := m1.Acquire(ctx, "orders", time.Second); err == nil {
		t.Fatal("acquired while the winner's lease is live")
	}
}

func TestExtendRefreshesValidityRelativeToNow(t *testing.T) {
	clock := newTestClock()
	auths := newMemoryAuthorities(clock, 3)
	m := NewManager(auths, WithManagerClock(clock.Now))
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "orders", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	clock.Advance(5 * time.Second)
	if err := m.Extend(ctx, lease, 10*time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}
	want := clock.Now().Add(10*time.Second - 100*time.Millisecond)
	if !lease.ValidUntil.Equal(want) {
		t.Fatalf("ValidUntil = %v, want %v (relative to now)", lease.ValidUntil, want)
	}

	// Past the original window, the extended lease must still hold.
	clock.Advance(6 * time.Second)
	if !lease.Valid(clock.Now()) {
		t.Fatal("extended lease expired at the original deadline")
	}
}

func TestExtendExpiredLeaseFails(t *testing.T) {
	clock := newTestClock()
	auths := newMemoryAuthorities(clock, 3)
	m := NewManager(auths, WithManagerClock(clock.Now))
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "orders", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(2 * time.Second)
	if err := m.Extend(ctx, lease, time.Second); !stdErrors.Is(err, bulwarkerrors.ErrLeaseExpired) {
		t.Fatalf("err = %v, want ErrLeaseExpired", err)
	}
}

func TestExtendLostQuorumFails(t *testing.T) {
	clock := newTestClock()
	auths := newMemoryAuthorities(clock, 3)
	m := NewManager(auths, WithManagerClock(clock.Now))
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "orders", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Two authorities lose the record; only a minority can refresh.
	for _, a := range auths[:2] {
		if ok, _ := a.Release(ctx, "orders", lease.Token); !ok {
			t.Fatal("setup release failed")
		}
	}
	if err := m.Extend(ctx, lease, 10*time.Second); !stdErrors.Is(err, bulwarkerrors.ErrQuorumNotReached) {
		t.Fatalf("err = %v, want ErrQuorumNotReached", err)
	}
}

func TestReleaseFreesAllAuthorities(t *testing.T) {
	clock := newTestClock()
	auths := newMemoryAuthorities(clock, 3)
	m := NewManager(auths, WithManagerClock(clock.Now))
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "orders", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Acquire(ctx, "orders", 10*time.Second); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestReleaseExpiredLeaseReportsExpiry(t *testing.T) {
	clock := newTestClock()
	auths := newMemoryAuthorities(clock, 3)
	m := NewManager(auths, WithManagerClock(clock.Now))
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "orders", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(2 * time.Second)
	if err := m.Release(ctx, lease); !stdErrors.Is(err, bulwarkerrors.ErrLeaseExpired) {
		t.Fatalf("err = %v, want ErrLeaseExpired", err)
	}
}

func TestEvenAuthorityCountMajority(t *testing.T) {
	clock := newTestClock()
	auths := newMemoryAuthorities(clock, 4)
	m := NewManager(auths, WithManagerClock(clock.Now))
	if m.Majority() != 3 {
		t.Fatalf("majority of 4 = %d, want 3 (no tie quorum)", m.Majority())
	}
}

func TestWithLockReleasesOnErrorPath(t *testing.T) {
	clock := newTestClock()
	auths := newMemoryAuthorities(clock, 3)
	m := NewManager(auths, WithManagerClock(clock.Now))
	ctx := context.Background()

	wantErr := stdErrors.New("critical section failed")
	err := m.WithLock(ctx, "orders", 10*time.Second, func(ctx context.Context, lease *Lease) error {
		if !lease.Valid(clock.Now()) {
			t.Fatal("lease invalid inside critical section")
		}
		return wantErr
	})
	if !stdErrors.Is(err, wantErr) {
		t.Fatalf("err = %v, want the critical section's error", err)
	}
	if _, err := m.Acquire(ctx, "orders", 10*time.Second); err != nil {
		t.Fatalf("reacquire after WithLock error path: %v", err)
	}
}

func TestAcquireBoundedByCallerContext(t *testing.T) {
	// The op timeout alone would let hung authorities stall the fan-out for
	// an hour; the caller's deadline must cut the whole acquisition short.
	m := NewManager(
		[]Authority{hangingAuthority{}, hangingAuthority{}, hangingAuthority{}},
		WithManagerOpTimeout(time.Hour),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Acquire(ctx, "orders", 10*time.Second)
	if !stdErrors.Is(err, bulwarkerrors.ErrQuorumNotReached) {
		t.Fatalf("err = %v, want ErrQuorumNotReached", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("acquire took %v, want prompt return at the caller's deadline", elapsed)
	}
}

func TestLeaseGaugeTracksHeldLeases(t *testing.T) {
	before := testutil.ToFloat64(metrics.LeaseGauge)
	clock := newTestClock()
	auths := newMemoryAuthorities(clock, 3)
	m := NewManager(auths, WithManagerClock(clock.Now))
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "orders", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := testutil.ToFloat64(metrics.LeaseGauge) - before; got != 1 {
		t.Fatalf("gauge delta after acquire = %v, want 1", got)
	}
	if err := m.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := testutil.ToFloat64(metrics.LeaseGauge) - before; got != 0 {
		t.Fatalf("gauge delta after release = %v, want 0", got)
	}
}

func TestManagerObserverSeesOutcomes(t *testing.T) {
	clock := newTestClock()
	auths := newMemoryAuthorities(clock, 3)
	var mu sync.Mutex
	var outcomes []Outcome
	m := NewManager(auths,
		WithManagerClock(clock.Now),
		WithManagerObserver(func(out Outcome) {
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
		}),
	)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "orders", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_ = m.Release(ctx, lease)

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 2 {
		t.Fatalf("observed %d outcomes, want 2", len(outcomes))
	}
	if outcomes[0].Op != "acquire" || !outcomes[0].OK || outcomes[0].Granted != 3 {
		t.Fatalf("unexpected acquire outcome: %+v", outcomes[0])
	}
	if outcomes[1].Op != "release" || !outcomes[1].OK {
		t.Fatalf("unexpected release outcome: %+v", outcomes[1])
	}
}
