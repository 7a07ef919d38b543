package metrics

import (
	"context"
	"time"
)

// PoolStats is a snapshot of connection pool occupancy
type PoolStats struct {
	Total   int
	Idle    int
	Waiting int
}

// PoolStatser reports the store's connection pool occupancy
type PoolStatser interface {
	PoolStats() PoolStats
}

// DepthReader reports the queue depth
type DepthReader interface {
	Depth(ctx context.Context) (int64, error)
}

// Collector samples the pool and queue gauges on a fixed interval.
// Counters are incremented inline by their owning packages; only the
// snapshot-style gauges need a sampler.
type Collector struct {
	store  PoolStatser
	queue  DepthReader
	stopCh chan struct{}
}

// NewCollector creates a new gauge collector
func NewCollector(store PoolStatser, queue DepthReader) *Collector {
	return &Collector{
		store:  store,
		queue:  queue,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectPoolMetrics()
	c.collectQueueMetrics()
}

func (c *Collector) collectPoolMetrics() {
	if c.store == nil {
		return
	}
	pool := c.store.PoolStats()
	DatabasePool.WithLabelValues(PoolTotal).Set(float64(pool.Total))
	DatabasePool.WithLabelValues(PoolIdle).Set(float64(pool.Idle))
	DatabasePool.WithLabelValues(PoolWaiting).Set(float64(pool.Waiting))
}

func (c *Collector) collectQueueMetrics() {
	if c.queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	depth, err := c.queue.Depth(ctx)
	if err != nil {
		return
	}
	QueueDepth.Set(float64(depth))
}
