package reqstats

import (
	"context"
	"strings"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUAVariance(t *testing.T) {
	assert.Zero(t, uaVariance(nil))
	assert.Zero(t, uaVariance([]int{40}))
	assert.Zero(t, uaVariance([]int{40, 40, 40}))

	// lengths 0 and 20: mean 10, variance 100 → 1.
	assert.InDelta(t, 1.0, uaVariance([]int{0, 20}), 1e-12)
	assert.Equal(t, MaxUAVariance, uaVariance([]int{0, 1000}))
}

func TestMemoryTracker_window(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemoryTracker(ctx)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		st, err := m.Observe(ctx, "10.0.0.1", "curl/8.0", base.Add(time.Duration(i)*10*time.Second))
		require.NoError(t, err)
		assert.Equal(t, i+1, st.ReqRate1Min)
	}

	// base+70s: the hits at 0s and 10s have left the window.
	st, err := m.Observe(ctx, "10.0.0.1", "curl/8.0", base.Add(70*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 4, st.ReqRate1Min)

	other, err := m.Observe(ctx, "10.0.0.2", "curl/8.0", base)
	require.NoError(t, err)
	assert.Equal(t, 1, other.ReqRate1Min)
}

func TestMemoryTracker_uaHistoryAndDuration(t *testing.T) {
	ctx := context.Background()
	m := &MemoryTracker{sources: make(map[string]*source)}
	now := time.Now()

	st, _ := m.Observe(ctx, "10.0.0.1", "", now)
	assert.Equal(t, DefaultDuration, st.PrevDuration)
	assert.Zero(t, st.UAVariance)

	require.NoError(t, m.Complete(ctx, "10.0.0.1", 250*time.Millisecond))
	st, _ = m.Observe(ctx, "10.0.0.1", strings.Repeat("a", 20), now)
	assert.InDelta(t, 0.25, st.PrevDuration, 1e-9)
	assert.InDelta(t, 1.0, st.UAVariance, 1e-12)

	// Ten identical agents push the odd ones out of the history.
	for i := 0; i < UAHistory; i++ {
		st, _ = m.Observe(ctx, "10.0.0.1", "same", now)
	}
	assert.Zero(t, st.UAVariance)
}

func TestMemoryTracker_sweep(t *testing.T) {
	ctx := context.Background()
	m := &MemoryTracker{sources: make(map[string]*source)}
	now := time.Now()

	_, _ = m.Observe(ctx, "10.0.0.1", "x", now.Add(-2*time.Minute))
	_, _ = m.Observe(ctx, "10.0.0.2", "x", now)
	m.Sweep(now)
	assert.Equal(t, 1, m.Len())
}

func TestParseObserve(t *testing.T) {
	st, err := parseObserve([]interface{}{int64(3), "0.2", "0", "20"})
	require.NoError(t, err)
	assert.Equal(t, 3, st.ReqRate1Min)
	assert.InDelta(t, 0.2, st.PrevDuration, 1e-12)
	assert.InDelta(t, 1.0, st.UAVariance, 1e-12)

	st, err = parseObserve([]interface{}{int64(1), "", "8"})
	require.NoError(t, err)
	assert.Equal(t, DefaultDuration, st.PrevDuration)

	_, err = parseObserve([]interface{}{int64(1)})
	assert.Error(t, err)
	_, err = parseObserve([]interface{}{"x", ""})
	assert.Error(t, err)
}

func TestRedisTracker_fallsBackWhenUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Nothing listens on this port; every command fails fast.
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	tr := NewRedisTracker(rdb, NewMemoryTracker(ctx), zap.NewNop())
	now := time.Now()
	for i := 1; i <= 3; i++ {
		st, err := tr.Observe(ctx, "10.0.0.9", "ua", now)
		require.NoError(t, err)
		assert.Equal(t, i, st.ReqRate1Min)
	}

	err := tr.Complete(ctx, "10.0.0.9", time.Second)
	require.Error(t, err)
	st, _ := tr.fallback.Observe(ctx, "10.0.0.9", "ua", now)
	assert.InDelta(t, 1.0, st.PrevDuration, 1e-9)

	assert.Error(t, tr.Ping(ctx))
}
