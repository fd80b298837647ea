package keypool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestPool(t *testing.T, keys []string, threshold int) (*Pool, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	p, err := New(keys, Options{
		Threshold:   threshold,
		Cooldown:    time.Hour,
		ResetWindow: 24 * time.Hour,
		Now:         clock.Now,
	})
	require.NoError(t, err)
	return p, clock
}

func TestParseKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", []string{}},
		{"single", "k1", []string{"k1"}},
		{"comma separated", "k1,k2,k3", []string{"k1", "k2", "k3"}},
		{"mixed separators", " k1, k2\n\tk3  k4 ", []string{"k1", "k2", "k3", "k4"}},
		{"duplicates dropped", "k1,k1,k2", []string{"k1", "k2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseKeys(tt.raw))
		})
	}
}

func TestNew_NoCredentials(t *testing.T) {
	t.Parallel()

	p, err := New(nil, Options{})
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Nil(t, p)
}

func TestPool_Current(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []string{"k1", "k2"}, 3)
	key, ok := p.Current()
	assert.True(t, ok)
	assert.Equal(t, "k1", key)

	var nilPool *Pool
	_, ok = nilPool.Current()
	assert.False(t, ok)
}

func TestPool_RotatePrefersHealthyCredential(t *testing.T) {
	t.Parallel()

	for failing := 0; failing < 4; failing++ {
		p, _ := newTestPool(t, []string{"k0", "k1", "k2", "k3"}, 100)
		keys := []string{"k0", "k1", "k2", "k3"}

		p.ReportQuotaError(keys[failing])
		next := p.Rotate()

		assert.NotEqual(t, keys[failing], next)
		assert.Equal(t, 0, p.ErrorCount(next))
		current, _ := p.Current()
		assert.Equal(t, next, current, "rotation must be visible to in-flight callers")
	}
}

func TestPool_RotateAllExhaustedFallsBackToLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	p, clock := newTestPool(t, []string{"k1", "k2", "k3"}, 100)

	// k1 used at t0, then k2 and k3 in order.
	clock.Advance(time.Minute)
	require.Equal(t, "k2", p.Rotate())
	clock.Advance(time.Minute)
	require.Equal(t, "k3", p.Rotate())

	for _, k := range []string{"k1", "k2", "k3"} {
		p.ReportQuotaError(k)
	}

	clock.Advance(time.Minute)
	assert.Equal(t, "k1", p.Rotate())
	clock.Advance(time.Minute)
	assert.Equal(t, "k2", p.Rotate())
}

func TestPool_ReportQuotaErrorSuspendsAtThreshold(t *testing.T) {
	t.Parallel()

	// Six keys so the half-exhausted rule does not fire first.
	p, clock := newTestPool(t, []string{"k1", "k2", "k3", "k4", "k5", "k6"}, 3)

	p.ReportQuotaError("k1")
	assert.False(t, p.Suspended())
	p.ReportQuotaError("k1")
	assert.False(t, p.Suspended())

	state := p.ReportQuotaError("k1")
	assert.True(t, state.SuspendUntil.After(clock.Now()))
	assert.Equal(t, 3, state.TotalErrors)
	assert.True(t, p.Suspended())

	clock.Advance(time.Hour + time.Second)
	assert.False(t, p.Suspended())
}

func TestPool_ReportQuotaErrorSuspendsWhenHalfExhausted(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []string{"k1", "k2", "k3", "k4"}, 100)

	p.ReportQuotaError("k1")
	assert.False(t, p.Suspended())

	p.ReportQuotaError("k2")
	assert.True(t, p.Suspended())
}

func TestPool_SingleCredentialSuspendsOnFirstError(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []string{"only"}, 3)
	p.ReportQuotaError("only")
	assert.True(t, p.Suspended())
	assert.Equal(t, "only", p.Rotate())
}

func TestPool_Sweep(t *testing.T) {
	t.Parallel()

	p, clock := newTestPool(t, []string{"k1", "k2"}, 100)
	assert.False(t, p.Sweep(), "nothing to reset")

	p.ReportQuotaError("k1")
	clock.Advance(23 * time.Hour)
	assert.False(t, p.Sweep())
	assert.Equal(t, 1, p.ErrorCount("k1"))

	clock.Advance(2 * time.Hour)
	assert.True(t, p.Sweep())
	assert.Equal(t, 0, p.ErrorCount("k1"))
	assert.True(t, p.Usable("k1"))
	assert.Equal(t, 0, p.State().TotalErrors)
}
