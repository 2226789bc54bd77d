package metrics

import (
	"time"

	"github.com/cuemby/phineas/pkg/phlog"
	"github.com/cuemby/phineas/pkg/queue"
)

// Collector periodically samples queue depths and publishes them as
// gauges. It is the PHINEAS analogue of the teacher's cluster-state
// collector: same ticker-driven sample loop, retargeted from Raft/node
// counts to queue depth.
type Collector struct {
	registry *queue.Registry
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector over the given queue registry.
func NewCollector(registry *queue.Registry, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		registry: registry,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, name := range c.registry.Names() {
		q, ok := c.registry.Queue(name)
		if !ok {
			continue
		}
		depth, err := q.Depth()
		if err != nil {
			phlog.WithQueue(name).Warn().Err(err).Msg("failed to sample queue depth")
			continue
		}
		QueueDepth.WithLabelValues(name).Set(float64(depth))
	}
}
