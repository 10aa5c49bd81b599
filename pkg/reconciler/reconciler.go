package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/cuemby/berth/pkg/types"
	"github.com/rs/zerolog"
)

// Target is what the reconciler keeps fresh. The orchestrator implements it.
type Target interface {
	Refresh(ctx context.Context, force bool) (*types.State, error)
	Warmup(ctx context.Context) int
}

// Reconciler periodically recomputes state and warms the layer size cache
type Reconciler struct {
	target   Target
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewReconciler creates a reconciler running every interval
func NewReconciler(target Target, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		target:   target,
		interval: interval,
		timeout:  2 * time.Minute,
		logger:   log.WithComponent("reconciler"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the reconciliation loop. The first cycle runs immediately.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop cancels the current cycle and waits for the loop to exit
func (r *Reconciler) Stop() {
	r.stopOnce.Do(r.cancel)
	r.wg.Wait()
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.reconcile()
	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.ctx.Done():
			return
		}
	}
}

// reconcile performs one cycle: refresh, then warm-up of what the refresh
// found installable
func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RefreshDuration)

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	state, err := r.target.Refresh(ctx, false)
	if err != nil {
		metrics.RefreshCyclesTotal.WithLabelValues("failed").Inc()
		r.logger.Warn().Err(err).Msg("Refresh failed")
		return
	}
	metrics.RefreshCyclesTotal.WithLabelValues("ok").Inc()

	if state.Online {
		metrics.SetComponent(metrics.ComponentRegistry, true, "")
	} else {
		metrics.SetComponent(metrics.ComponentRegistry, false, "release catalog offline")
	}

	if n := r.target.Warmup(ctx); n > 0 {
		metrics.WarmupPrefetchesTotal.Add(float64(n))
		r.logger.Debug().Int("prefetched", n).Msg("Warm-up prefetched layer sizes")
	}
}
