package orchestrator

import (
	"context"
	"errors"
	"sort"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/cuemby/berth/pkg/registry"
	"github.com/cuemby/berth/pkg/storage"
	"github.com/cuemby/berth/pkg/types"
)

// installabilityCandidates lists the tags whose verdict a refresh decides:
// the preview tag, the latest release, whatever the active and retained
// instances run, and the local builds present on this host.
func (o *Orchestrator) installabilityCandidates(state *types.State, local map[string]types.Image) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(tag string) {
		if tag == "" || seen[tag] {
			return
		}
		if _, present := local[tag]; isLocalTag(tag) && !present {
			return
		}
		seen[tag] = true
		out = append(out, tag)
	}

	add(o.cfg.PreviewTag)
	if state.LatestRelease != nil {
		add(state.LatestRelease.Tag)
	}
	if state.Active != nil {
		add(state.Active.Tag)
	}
	for _, inst := range state.Retained {
		add(inst.Tag)
	}
	localTags := make([]string, 0, len(local))
	for tag := range local {
		if isLocalTag(tag) {
			localTags = append(localTags, tag)
		}
	}
	sort.Strings(localTags)
	for _, tag := range localTags {
		add(tag)
	}
	return out
}

// refreshInstallability probes stale or missing verdicts and returns the
// verdict known for every candidate. Local builds are never pushed, so their
// presence is the verdict. Probing is skipped while offline or inside a
// registry Retry-After window unless forced, and stops at the first rate
// limit.
func (o *Orchestrator) refreshInstallability(ctx context.Context, candidates []string, online, force bool) map[string]types.Installability {
	verdicts := make(map[string]types.Installability, len(candidates))
	now := o.now()
	probe := o.registry != nil && (force || (online && !o.warm.backingOff()))

	for _, tag := range candidates {
		if isLocalTag(tag) {
			verdicts[tag] = types.InstallabilityInstallable
			continue
		}
		entry := o.cachedInstallability(tag)
		if entry != nil {
			verdicts[tag] = entry.Status
		}
		if !probe || entry.Fresh(now) {
			continue
		}

		updated, err := o.probe(ctx, tag)
		if err != nil {
			if rl, ok := registry.IsRateLimited(err); ok {
				o.logger.Info().Dur("retry_after", rl.RetryAfter).Msg("Registry rate limited, installability probing halted")
				o.warm.backoff(rl.RetryAfter)
				break
			}
			if ctx.Err() != nil {
				break
			}
			o.logger.Debug().Err(err).Str("tag", tag).Msg("Installability probe failed")
			continue
		}
		verdicts[tag] = updated.Status
	}
	return verdicts
}

func (o *Orchestrator) cachedInstallability(tag string) *types.InstallabilityEntry {
	entry, err := o.store.GetInstallability(o.cfg.Repository, tag)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn().Err(err).Str("tag", tag).Msg("Failed to read installability cache")
		}
		return nil
	}
	return entry
}

// probe asks the registry for tag's digest and persists the verdict. Errors
// other than a missing tag leave the cache untouched.
func (o *Orchestrator) probe(ctx context.Context, tag string) (*types.InstallabilityEntry, error) {
	now := o.now().UTC()
	entry := &types.InstallabilityEntry{
		Repository: o.cfg.Repository,
		Tag:        tag,
		CheckedAt:  now,
	}

	digest, err := o.registry.GetDigest(ctx, o.cfg.Repository, tag)
	switch {
	case err == nil:
		entry.Status = types.InstallabilityInstallable
		entry.Digest = digest
		entry.RecheckAfter = now.Add(o.cfg.PositiveTTL)
	case errors.Is(err, registry.ErrTagNotFound) || errors.Is(err, registry.ErrRepositoryNotFound):
		entry.Status = types.InstallabilityNotYetAvailable
		entry.RecheckAfter = now.Add(o.cfg.NegativeTTL)
	default:
		result := "error"
		if _, ok := registry.IsRateLimited(err); ok {
			result = "rate_limited"
		}
		metrics.InstallabilityProbesTotal.WithLabelValues(result).Inc()
		return nil, err
	}

	metrics.InstallabilityProbesTotal.WithLabelValues(string(entry.Status)).Inc()
	if err := o.store.PutInstallability(entry); err != nil {
		o.logger.Warn().Err(err).Str("tag", tag).Msg("Failed to persist installability")
	}
	return entry, nil
}

// ensureInstallable fails with not_yet_available when the registry does not
// have tag yet. When the registry cannot answer, the pull decides.
func (o *Orchestrator) ensureInstallable(run *opRun, tag string) error {
	entry := o.cachedInstallability(tag)
	if !entry.Fresh(o.now()) && o.registry != nil {
		run.message("Checking availability of " + tag)
		probed, err := o.probe(run.ctx, tag)
		if err != nil {
			if run.ctx.Err() != nil {
				return run.ctx.Err()
			}
			if rl, ok := registry.IsRateLimited(err); ok {
				o.warm.backoff(rl.RetryAfter)
			}
			run.logger.Warn().Err(err).Str("tag", tag).Msg("Availability check failed, trying the download anyway")
			return nil
		}
		entry = probed
	}
	if entry != nil && entry.Status == types.InstallabilityNotYetAvailable {
		return errdefs.Newf(errdefs.CodeNotYetAvailable,
			"Version %s is not available for download yet. Try again later.", tag)
	}
	return nil
}
