package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mirkobrombin/go-bulwark/v1/breaker"
	"github.com/mirkobrombin/go-bulwark/v1/exec"
	"github.com/mirkobrombin/go-bulwark/v1/lock"
)

// BreakerObserver adapts bus into a breaker observer for the named endpoint.
// Publish failures are logged, never surfaced: observability must not change
// call outcomes.
func BreakerObserver(bus Bus, endpoint string) func(breaker.Transition) {
	return func(tr breaker.Transition) {
		detail := fmt.Sprintf("%s->%s", tr.From, tr.To)
		if err := bus.Publish(context.Background(), NewEvent(KindBreakerTransition, endpoint, detail)); err != nil {
			slog.Warn("bulwark: breaker event publish failed", "endpoint", endpoint, "error", err)
		}
	}
}

// RetryObserver adapts bus into an executor observer for the named endpoint.
func RetryObserver(bus Bus, endpoint string) func(exec.Attempt) {
	return func(at exec.Attempt) {
		detail := fmt.Sprintf("attempt=%d delay=%s err=%v", at.Number, at.NextDelay, at.Err)
		if err := bus.Publish(context.Background(), NewEvent(KindRetry, endpoint, detail)); err != nil {
			slog.Warn("bulwark: retry event publish failed", "endpoint", endpoint, "error", err)
		}
	}
}

// LockObserver adapts bus into a lock manager observer.
func LockObserver(bus Bus) func(lock.Outcome) {
	return func(out lock.Outcome) {
		detail := fmt.Sprintf("%s granted=%d/%d ok=%t", out.Op, out.Granted, out.N, out.OK)
		if err := bus.Publish(context.Background(), NewEvent(KindLock, out.Key, detail)); err != nil {
			slog.Warn("bulwark: lock event publish failed", "key", out.Key, "error", err)
		}
	}
}
