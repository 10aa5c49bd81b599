package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/registry"
	"github.com/cuemby/berth/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// warmer prefetches layer sizes so that a later pull reports a percentage
// from its first event
type warmer struct {
	o       *Orchestrator
	group   singleflight.Group
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu           sync.Mutex
	sizes        map[string]*registry.LayerSizes
	backoffUntil time.Time
}

func newWarmer(o *Orchestrator) *warmer {
	interval := o.cfg.WarmupInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &warmer{
		o:       o,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  log.WithComponent("warmup"),
		sizes:   make(map[string]*registry.LayerSizes),
	}
}

// backoff suspends warm-up and probing for d, or the configured default
func (w *warmer) backoff(d time.Duration) {
	if d <= 0 {
		d = w.o.cfg.WarmupBackoff
	}
	until := w.o.now().Add(d)
	w.mu.Lock()
	if until.After(w.backoffUntil) {
		w.backoffUntil = until
	}
	w.mu.Unlock()
}

func (w *warmer) backingOff() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.o.now().Before(w.backoffUntil)
}

func (w *warmer) cached(tag string) (*registry.LayerSizes, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ls, ok := w.sizes[tag]
	return ls, ok
}

func (w *warmer) store(tag string, ls *registry.LayerSizes) {
	w.mu.Lock()
	w.sizes[tag] = ls
	w.mu.Unlock()
}

// fetch returns the layer sizes of tag, from cache when possible
func (w *warmer) fetch(ctx context.Context, tag string) (*registry.LayerSizes, error) {
	if ls, ok := w.cached(tag); ok {
		return ls, nil
	}
	v, err, _ := w.group.Do("sizes/"+tag, func() (any, error) {
		ls, err := w.o.registry.GetLayerSizes(ctx, w.o.cfg.Repository, tag, w.o.cfg.Platform)
		if err != nil {
			return nil, err
		}
		w.store(tag, ls)
		return ls, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*registry.LayerSizes), nil
}

// run prefetches every tag not cached yet. It yields as soon as an
// operation starts and stops at the first rate limit.
func (w *warmer) run(ctx context.Context, tags []string) int {
	fetched := 0
	for _, tag := range tags {
		if _, ok := w.cached(tag); ok {
			continue
		}
		if w.o.operationRunning() || w.backingOff() {
			return fetched
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return fetched
		}
		if _, err := w.fetch(ctx, tag); err != nil {
			if rl, ok := registry.IsRateLimited(err); ok {
				w.backoff(rl.RetryAfter)
				w.logger.Info().Dur("retry_after", rl.RetryAfter).Msg("Registry rate limited, warm-up suspended")
				return fetched
			}
			if ctx.Err() != nil {
				return fetched
			}
			w.logger.Debug().Err(err).Str("tag", tag).Msg("Layer size prefetch failed")
			continue
		}
		fetched++
	}
	return fetched
}

// Warmup prefetches layer sizes for visible versions that are installable
// but not installed. Concurrent calls share one run. It returns the number
// of tags fetched.
func (o *Orchestrator) Warmup(ctx context.Context) int {
	if o.registry == nil || o.operationRunning() || o.warm.backingOff() {
		return 0
	}
	v, _, _ := o.warm.group.Do("warmup", func() (any, error) {
		state, err := o.GetState(ctx)
		if err != nil {
			return 0, nil
		}
		var tags []string
		for _, ver := range state.Versions {
			if ver.Category == types.CategoryLocalBuild ||
				ver.Availability == types.AvailabilityInstalled ||
				ver.Installability != types.InstallabilityInstallable {
				continue
			}
			tags = append(tags, ver.Tag)
		}
		n := o.warm.run(ctx, tags)
		if n > 0 {
			o.warm.logger.Debug().Int("tags", n).Msg("Layer sizes prefetched")
		}
		return n, nil
	})
	return v.(int)
}
