// Package sweep runs periodic batch jobs under an optional cross-replica lock
// and records their outcome.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"signledger/internal/common/metrics"
	"signledger/internal/common/redis"
)

// Error identifies one record a sweep could not fully process
type Error struct {
	Ref     string `json:"ref"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// ErrSkipped is returned when another run holds the sweep lock
var ErrSkipped = errors.New("sweep already running")

// Locker provides mutual exclusion across replicas
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (func(), error)
}

// Runner wraps sweep entry points with locking, timing and metrics
type Runner struct {
	locker  Locker
	lockTTL time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRunner creates a runner. A nil locker runs every invocation; the sweeps
// themselves stay correct under overlap, the lock only saves duplicate work.
func NewRunner(locker Locker, lockTTL time.Duration, m *metrics.Metrics, logger *slog.Logger) *Runner {
	return &Runner{locker: locker, lockTTL: lockTTL, metrics: m, logger: logger}
}

// Run executes fn as the sweep called name
func Run[T any](ctx context.Context, r *Runner, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if r.locker != nil {
		release, err := r.locker.Lock(ctx, "sweep:"+name, r.lockTTL)
		switch {
		case errors.Is(err, redis.ErrLockHeld):
			r.metrics.SweepRun(name, "skipped", 0)
			r.logger.Info("sweep skipped, another run holds the lock", "sweep", name)
			return zero, ErrSkipped
		case err != nil:
			r.logger.Warn("sweep lock unavailable, running unlocked", "sweep", name, "error", err)
		default:
			defer release()
		}
	}

	start := time.Now()
	result, err := fn(ctx)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		r.metrics.SweepRun(name, "error", elapsed)
		r.logger.Error("sweep failed", "sweep", name, "error", err, "duration_s", elapsed)
		return zero, err
	}
	r.metrics.SweepRun(name, "ok", elapsed)
	return result, nil
}
