package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	err   error
	delay time.Duration
}

func (p *fakePinger) Ping(ctx context.Context) error {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func TestPingCheckerHealthy(t *testing.T) {
	c := NewPingChecker("database", &fakePinger{})

	res := c.Check(context.Background())
	assert.True(t, res.Healthy)
	assert.Equal(t, "ok", res.Message)
	assert.False(t, res.CheckedAt.IsZero())
}

func TestPingCheckerUnhealthy(t *testing.T) {
	c := NewPingChecker("queue", &fakePinger{err: errors.New("connection refused")})

	res := c.Check(context.Background())
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Message, "connection refused")
}

func TestCheckAllRunsEveryProbe(t *testing.T) {
	results := CheckAll(context.Background(), time.Second,
		NewPingChecker("database", &fakePinger{}),
		NewPingChecker("queue", &fakePinger{err: errors.New("down")}),
	)

	require.Len(t, results, 2)
	assert.True(t, results["database"].Healthy)
	assert.False(t, results["queue"].Healthy)
	assert.False(t, AllHealthy(results))
}

func TestCheckAllBoundsSlowProbes(t *testing.T) {
	start := time.Now()
	results := CheckAll(context.Background(), 20*time.Millisecond,
		NewPingChecker("database", &fakePinger{delay: 5 * time.Second}),
		NewPingChecker("queue", &fakePinger{delay: 5 * time.Second}),
	)

	assert.Less(t, time.Since(start), time.Second, "probes must share one timeout, not stack")
	assert.False(t, results["database"].Healthy)
	assert.False(t, results["queue"].Healthy)
}

func TestAllHealthyEmptySet(t *testing.T) {
	assert.True(t, AllHealthy(nil))
}
