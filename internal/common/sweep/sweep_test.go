package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signledger/internal/common/metrics"
	"signledger/internal/common/redis"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newLocker(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.New(context.Background(), redis.Config{URL: "redis://" + mr.Addr(), KeyPrefix: "test:"}, discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	locker := newLocker(t)
	reg := prometheus.NewRegistry()
	r := NewRunner(locker, time.Minute, metrics.New(reg), discard)
	ctx := context.Background()

	entered := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_, _ = Run(ctx, r, "reconcile", func(context.Context) (int, error) {
			close(entered)
			<-done
			return 1, nil
		})
	}()
	<-entered

	_, err := Run(ctx, r, "reconcile", func(context.Context) (int, error) {
		t.Fatal("overlapping run must not execute")
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrSkipped)
	close(done)

	// A different sweep is not blocked
	n, err := Run(ctx, r, "refund_expiry", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestRunReleasesLock(t *testing.T) {
	r := NewRunner(newLocker(t), time.Minute, nil, discard)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := Run(ctx, r, "reconcile", func(context.Context) (struct{}, error) { return struct{}{}, nil })
		require.NoError(t, err)
	}
}

func TestRunWithoutLockerPropagatesError(t *testing.T) {
	r := NewRunner(nil, time.Minute, nil, discard)
	boom := errors.New("boom")

	_, err := Run(context.Background(), r, "reconcile", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
}

func TestRunRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRunner(nil, time.Minute, metrics.New(reg), discard)

	_, err := Run(context.Background(), r, "reconcile", func(context.Context) (int, error) { return 0, nil })
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "billing_sweep_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
