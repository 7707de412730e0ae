package advisory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveyegge/thermal/internal/config"
	"github.com/steveyegge/thermal/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGate(t *testing.T, advisor Advisor, mutate func(*config.Config)) *Gate {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	return NewGate(cfg, advisor, nil)
}

func TestAdmitRequiresCrossingFromBelow(t *testing.T) {
	g := newGate(t, nil, nil)
	now := time.Now()

	assert.False(t, g.Admit(now, 0.5))
	assert.True(t, g.Admit(now, 0.8), "0.5 -> 0.8 crosses the trigger")
	assert.False(t, g.Admit(now.Add(time.Hour), 0.95), "staying above is not a new crossing")
	assert.False(t, g.Admit(now.Add(2*time.Hour), 0.79))
	assert.True(t, g.Admit(now.Add(3*time.Hour), 0.81))
}

func TestAdmitFirstScoreAboveTrigger(t *testing.T) {
	g := newGate(t, nil, nil)
	assert.True(t, g.Admit(time.Now(), 0.9), "the initial previous score is zero")
}

func TestAdmitCooldown(t *testing.T) {
	g := newGate(t, nil, nil)
	t0 := time.Now()

	require.True(t, g.Admit(t0, 0.85))
	g.Admit(t0.Add(10*time.Second), 0.5)
	assert.False(t, g.Admit(t0.Add(20*time.Second), 0.9), "inside the 30s cooldown")
	g.Admit(t0.Add(25*time.Second), 0.5)
	assert.True(t, g.Admit(t0.Add(31*time.Second), 0.9))
}

func TestAdmitHourlyCap(t *testing.T) {
	g := newGate(t, nil, func(c *config.Config) {
		c.Advisory.Cooldown = 0
		c.Advisory.MaxQueriesPerHour = 3
	})
	t0 := time.Now()

	cross := func(at time.Time) bool {
		g.Admit(at, 0)
		return g.Admit(at, 0.9)
	}

	assert.True(t, cross(t0))
	assert.True(t, cross(t0.Add(10*time.Minute)))
	assert.True(t, cross(t0.Add(20*time.Minute)))
	assert.False(t, cross(t0.Add(30*time.Minute)), "fourth in the same hour")
	assert.False(t, cross(t0.Add(59*time.Minute)))
	assert.True(t, cross(t0.Add(61*time.Minute)), "the first invocation aged out")
}

func TestAdmitDisabled(t *testing.T) {
	g := newGate(t, nil, func(c *config.Config) { c.Advisory.Enabled = false })
	assert.False(t, g.Admit(time.Now(), 0.9))
}

func TestMaybeEscalate(t *testing.T) {
	var calls atomic.Int32
	advisor := AdvisorFunc(func(ctx context.Context, req Request) (*types.AdvisoryResponse, error) {
		calls.Add(1)
		return &types.AdvisoryResponse{Advice: "open the creative valve"}, nil
	})
	g := newGate(t, advisor, nil)

	resp, ok := g.MaybeEscalate(context.Background(), 0.5, Request{Tick: 1})
	assert.False(t, ok)
	assert.Nil(t, resp)

	resp, ok = g.MaybeEscalate(context.Background(), 0.85, Request{Tick: 2})
	require.True(t, ok)
	assert.Equal(t, "open the creative valve", resp.Advice)
	assert.Equal(t, uint64(2), resp.Tick)
	assert.Equal(t, 0.85, resp.Score)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, g.InvocationsLastHour())
}

func TestMaybeEscalateWithoutAdvisorTracksCrossings(t *testing.T) {
	g := newGate(t, nil, nil)

	resp, ok := g.MaybeEscalate(context.Background(), 0.9, Request{Tick: 1})
	assert.False(t, ok)
	assert.Nil(t, resp)
	assert.Equal(t, 1, g.InvocationsLastHour(), "the crossing is admitted even with nothing to call")

	assert.False(t, g.Admit(time.Now().Add(time.Hour), 0.95), "still above the trigger, no new crossing")
}

func TestMaybeEscalateTimeoutIsDeclined(t *testing.T) {
	var calls atomic.Int32
	advisor := AdvisorFunc(func(ctx context.Context, req Request) (*types.AdvisoryResponse, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	g := newGate(t, advisor, func(c *config.Config) { c.Advisory.Timeout = config.Duration(20 * time.Millisecond) })

	resp, ok := g.MaybeEscalate(context.Background(), 0.9, Request{Tick: 1})
	assert.False(t, ok)
	assert.Nil(t, resp)
	assert.Equal(t, int32(1), calls.Load(), "timeouts are never retried")
}

func TestMaybeEscalateError(t *testing.T) {
	advisor := AdvisorFunc(func(ctx context.Context, req Request) (*types.AdvisoryResponse, error) {
		return nil, errors.New("service unavailable")
	})
	g := newGate(t, advisor, nil)
	_, ok := g.MaybeEscalate(context.Background(), 0.9, Request{})
	assert.False(t, ok)
}

func TestDispatchAndCollect(t *testing.T) {
	release := make(chan struct{})
	advisor := AdvisorFunc(func(ctx context.Context, req Request) (*types.AdvisoryResponse, error) {
		<-release
		return &types.AdvisoryResponse{Advice: "rest"}, nil
	})
	g := newGate(t, advisor, func(c *config.Config) { c.Advisory.Cooldown = 0 })

	require.True(t, g.Dispatch(context.Background(), 0.9, Request{Tick: 5}))

	// a second crossing while the first call is in flight is not admitted
	g.Dispatch(context.Background(), 0.1, Request{Tick: 6})
	assert.False(t, g.Dispatch(context.Background(), 0.9, Request{Tick: 7}))
	assert.Equal(t, 1, g.InvocationsLastHour())

	assert.Empty(t, g.Collect())
	close(release)
	g.Wait()

	got := g.Collect()
	require.Len(t, got, 1)
	assert.Equal(t, "rest", got[0].Advice)
	assert.Equal(t, uint64(5), got[0].Tick)
	assert.Empty(t, g.Collect())
}

func TestDispatchDeclinedIsOmitted(t *testing.T) {
	advisor := AdvisorFunc(func(ctx context.Context, req Request) (*types.AdvisoryResponse, error) {
		return nil, ErrDeclined
	})
	g := newGate(t, advisor, nil)
	require.True(t, g.Dispatch(context.Background(), 0.9, Request{}))
	g.Wait()
	assert.Empty(t, g.Collect())
}

func TestDispatchWithoutAdvisor(t *testing.T) {
	g := newGate(t, nil, nil)
	assert.False(t, g.Dispatch(context.Background(), 0.9, Request{}))
}
