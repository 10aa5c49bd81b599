package metrics

import (
	"context"
	"sync"
	"time"
)

// Source is what the collector samples. The orchestrator implements it.
type Source interface {
	// RuntimeHealth returns nil when the container runtime answers
	RuntimeHealth(ctx context.Context) error
	// RetainedCount returns the number of retained instances last observed
	RetainedCount() int
}

// Collector samples a Source periodically and publishes the results as
// component health and gauges
type Collector struct {
	source   Source
	registry *HealthRegistry
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a collector reporting into the default health registry
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		registry: defaultRegistry,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.source.RuntimeHealth(ctx); err != nil {
		c.registry.Set(ComponentRuntime, false, err.Error())
	} else {
		c.registry.Set(ComponentRuntime, true, "")
	}

	RetainedInstances.Set(float64(c.source.RetainedCount()))
}
