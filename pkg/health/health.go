package health

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of one dependency probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one named dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// Pinger is the probe surface the store and the queue both expose.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts a Pinger into a Checker.
type PingChecker struct {
	name   string
	pinger Pinger
}

// NewPingChecker wraps a Pinger under a stable probe name.
func NewPingChecker(name string, p Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: p}
}

// Name returns the probe name.
func (c *PingChecker) Name() string { return c.name }

// Check runs the ping under the caller's context.
func (c *PingChecker) Check(ctx context.Context) Result {
	start := time.Now()
	err := c.pinger.Ping(ctx)
	res := Result{
		Healthy:   err == nil,
		Message:   "ok",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

// CheckAll runs every checker in parallel under one timeout and returns
// the results keyed by probe name. A probe that ignores its context and
// hangs costs at most the timeout, not the sum.
func CheckAll(ctx context.Context, timeout time.Duration, checkers ...Checker) map[string]Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(map[string]Result, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			r := c.Check(ctx)
			mu.Lock()
			results[c.Name()] = r
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return results
}

// AllHealthy reports whether every probe in the set passed.
func AllHealthy(results map[string]Result) bool {
	for _, r := range results {
		if !r.Healthy {
			return false
		}
	}
	return true
}
