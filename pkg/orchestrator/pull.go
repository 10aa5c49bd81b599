package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/cuemby/berth/pkg/progress"
	"github.com/cuemby/berth/pkg/registry"
	"github.com/cuemby/berth/pkg/runtime"
	"github.com/cuemby/berth/pkg/types"
	"github.com/docker/go-units"
)

const (
	publishInterval = 200 * time.Millisecond
	sizesTimeout    = 3 * time.Second
)

// aggregatorFor seeds an aggregator with prefetched layer sizes when the
// registry can provide them quickly
func (o *Orchestrator) aggregatorFor(ctx context.Context, tag string) *progress.Aggregator {
	if o.registry == nil || o.warm.backingOff() {
		return progress.New()
	}
	ctx, cancel := context.WithTimeout(ctx, sizesTimeout)
	defer cancel()
	ls, err := o.warm.fetch(ctx, tag)
	if err != nil {
		if rl, ok := registry.IsRateLimited(err); ok {
			o.warm.backoff(rl.RetryAfter)
		}
		return progress.New()
	}
	return progress.New(progress.WithLayerSizes(ls.Sizes, ls.Total))
}

// pull downloads tag with progress. The download is the only cancellable
// phase of any operation.
func (o *Orchestrator) pull(run *opRun, tag string) error {
	ref := runtime.ImageRef(o.cfg.Repository, tag)
	agg := o.aggregatorFor(run.ctx, tag)

	ctx, done := run.pullPhase()
	defer done()
	run.message("Downloading " + tag)

	var mu sync.Mutex
	var last time.Time
	var snap progress.Snapshot
	err := o.runtime.PullImage(ctx, ref, func(ev progress.Event) {
		s := agg.Observe(ev)
		mu.Lock()
		snap = s
		if time.Since(last) < publishInterval {
			mu.Unlock()
			return
		}
		last = time.Now()
		mu.Unlock()
		run.update(func(op *types.Operation) {
			applySnapshot(op, tag, s)
		})
	})

	mu.Lock()
	final := snap
	mu.Unlock()
	metrics.PullBytesTotal.Add(float64(final.DownloadedBytes))

	if err != nil {
		if ctx.Err() != nil && run.ctx.Err() == nil {
			return errdefs.Wrap(errdefs.CodeCanceled,
				"Download canceled. Layers the runtime already fetched may stay cached.", err)
		}
		if errdefs.Is(err, errdefs.CodeNotFound) {
			return errdefs.Wrap(errdefs.CodeNotYetAvailable,
				fmt.Sprintf("Version %s is not available for download yet. Try again later.", tag), err)
		}
		return err
	}

	full := 100.0
	run.update(func(op *types.Operation) {
		op.Progress = &full
		op.DownloadProgress = &full
		op.ExtractProgress = &full
		op.Message = fmt.Sprintf("Downloaded %s (%s)", tag, units.HumanSize(float64(final.DownloadedBytes)))
	})
	return nil
}

func applySnapshot(op *types.Operation, tag string, s progress.Snapshot) {
	op.Progress = s.Overall
	op.DownloadProgress = s.Download
	op.ExtractProgress = s.Extract
	if s.Overall != nil {
		op.Message = fmt.Sprintf("Downloading %s (%.0f%%, %s)", tag, *s.Overall,
			units.HumanSize(float64(s.DownloadedBytes)))
	} else {
		op.Message = fmt.Sprintf("Downloading %s (%s)", tag, units.HumanSize(float64(s.DownloadedBytes)))
	}
}
