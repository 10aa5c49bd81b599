package orchestrator

import (
	"context"
	"sort"
	"strconv"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/cuemby/berth/pkg/releases"
	"github.com/cuemby/berth/pkg/runtime"
	"github.com/cuemby/berth/pkg/types"
)

// labelUIPort records the host UI port an instance was created with
const labelUIPort = "io.berth.ui-port"

// instances returns the active instance (nil if none) and the retained ones,
// newest demotion first
func (o *Orchestrator) instances(ctx context.Context) (*types.Instance, []types.Instance, error) {
	containers, err := o.runtime.ListContainers(ctx, map[string]string{
		runtime.LabelManaged:    "true",
		runtime.LabelRepository: o.cfg.Repository,
	})
	if err != nil {
		return nil, nil, err
	}

	var active *types.Instance
	var retained []types.Instance
	for _, c := range containers {
		inst := types.Instance{
			ID:        c.ID,
			Name:      c.Name,
			Tag:       c.Labels[runtime.LabelTag],
			Image:     c.Image,
			Running:   c.Running,
			CreatedAt: c.CreatedAt,
		}
		if c.Name == o.cfg.InstancePrefix {
			inst.Role = types.RoleActive
			if active == nil || inst.CreatedAt.After(active.CreatedAt) {
				a := inst
				active = &a
			}
			continue
		}
		tag, at, ok := parseRetainedName(o.cfg.InstancePrefix, c.Name)
		if !ok {
			o.logger.Debug().Str("container", c.Name).Msg("Ignoring managed container with unknown name")
			continue
		}
		if inst.Tag == "" {
			inst.Tag = tag
		}
		inst.Role = types.RoleRetained
		inst.RetainedAt = &at
		retained = append(retained, inst)
	}

	sort.SliceStable(retained, func(i, j int) bool {
		return retained[i].RetainedAt.After(*retained[j].RetainedAt)
	})
	o.setRetainedCount(len(retained))
	metrics.RetainedInstances.Set(float64(len(retained)))
	return active, retained, nil
}

func (o *Orchestrator) findActive(ctx context.Context) (*types.Instance, error) {
	active, _, err := o.instances(ctx)
	return active, err
}

// instancePort returns the UI port an instance publishes, falling back to
// the current preference for instances created without the label
func (o *Orchestrator) instancePort(ctx context.Context, id string, fallback int) int {
	c, err := o.runtime.InspectContainer(ctx, id)
	if err != nil {
		return fallback
	}
	if p, err := strconv.Atoi(c.Labels[labelUIPort]); err == nil && p > 0 {
		return p
	}
	return fallback
}

// GetState returns the cached snapshot, building one on first use
func (o *Orchestrator) GetState(ctx context.Context) (*types.State, error) {
	o.mu.Lock()
	cached := o.state.Clone()
	o.mu.Unlock()
	if cached == nil {
		return o.Refresh(ctx, false)
	}
	return o.overlay(cached), nil
}

// Refresh rebuilds the snapshot from the runtime, the release catalog and
// the installability cache, probing stale tags. force bypasses the catalog
// freshness window and probes even while offline.
func (o *Orchestrator) Refresh(ctx context.Context, force bool) (*types.State, error) {
	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()

	state, err := o.build(ctx, force)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.state = state.Clone()
	o.mu.Unlock()

	state = o.overlay(state)
	o.broker.PublishState(state.Clone())
	return state, nil
}

// overlay joins a built snapshot with the in-flight operation
func (o *Orchestrator) overlay(state *types.State) *types.State {
	op := o.CurrentOperation()
	state.Operation = op
	if op == nil || op.Status != types.OperationRunning || op.TargetTag == "" {
		return state
	}
	for i := range state.Versions {
		if state.Versions[i].Tag == op.TargetTag {
			state.Versions[i].Availability = types.AvailabilityInstalling
			return state
		}
	}
	v := types.Version{
		Tag:            op.TargetTag,
		DisplayName:    op.TargetTag,
		Category:       categoryOf(op.TargetTag),
		Availability:   types.AvailabilityInstalling,
		Installability: types.InstallabilityUnknown,
		ActivityState:  types.ActivityNone,
	}
	state.Versions = append(state.Versions, v)
	return state
}

func categoryOf(tag string) types.VersionCategory {
	if isLocalTag(tag) {
		return types.CategoryLocalBuild
	}
	return types.CategoryOfficialRelease
}

func (o *Orchestrator) build(ctx context.Context, force bool) (*types.State, error) {
	settings := o.settings()
	state := &types.State{
		SchemaVersion: types.SchemaVersion,
		Repository:    o.cfg.Repository,
		Runtime:       types.RuntimeStatus{Backend: o.runtime.Backend()},
		Policy:        settings.Policy,
		Ports:         o.effectivePorts(settings.Ports),
		Versions:      []types.Version{},
		Retained:      []types.Instance{},
		RefreshedAt:   o.now().UTC(),
	}

	var rel *releases.Result
	if o.releases != nil {
		r, err := o.releases.Releases(ctx, force)
		if err != nil {
			o.logger.Warn().Err(err).Msg("Release catalog unavailable")
		} else {
			rel = r
			state.Online = r.Online
			state.LatestRelease = r.Latest()
		}
	}

	if err := o.runtime.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		state.Runtime.Error = errdefs.Normalize(err)
		state.Versions = o.versions(state, rel, nil, nil)
		return state, nil
	}
	state.Runtime.Available = true

	images, err := o.runtime.ListImages(ctx, o.cfg.Repository)
	if err != nil {
		return nil, err
	}
	local := make(map[string]types.Image, len(images))
	for _, img := range images {
		local[img.Tag] = img
	}

	active, retained, err := o.instances(ctx)
	if err != nil {
		return nil, err
	}
	state.Active = active
	if retained != nil {
		state.Retained = retained
	}

	candidates := o.installabilityCandidates(state, local)
	verdicts := o.refreshInstallability(ctx, candidates, state.Online, force)

	state.Versions = o.versions(state, rel, local, verdicts)
	return state, nil
}

// versions joins every known tag with what the runtime holds
func (o *Orchestrator) versions(state *types.State, rel *releases.Result, local map[string]types.Image, verdicts map[string]types.Installability) []types.Version {
	published := make(map[string]types.Release)
	tags := make(map[string]bool)
	if rel != nil {
		for _, r := range rel.Releases {
			published[r.Tag] = r
			tags[r.Tag] = true
		}
	}
	if o.cfg.PreviewTag != "" {
		tags[o.cfg.PreviewTag] = true
	}
	for tag := range local {
		if isLocalTag(tag) || tag == o.cfg.PreviewTag || releases.IsReleaseTag(tag) {
			tags[tag] = true
		}
	}
	if state.Active != nil && state.Active.Tag != "" {
		tags[state.Active.Tag] = true
	}
	retainedTags := make(map[string]bool)
	for _, inst := range state.Retained {
		if inst.Tag != "" {
			tags[inst.Tag] = true
			retainedTags[inst.Tag] = true
		}
	}

	latest := ""
	if state.LatestRelease != nil {
		latest = state.LatestRelease.Tag
	}

	out := make([]types.Version, 0, len(tags))
	for tag := range tags {
		v := types.Version{
			Tag:            tag,
			DisplayName:    tag,
			Category:       categoryOf(tag),
			Availability:   types.AvailabilityAvailable,
			Installability: types.InstallabilityUnknown,
			ActivityState:  types.ActivityNone,
		}
		if r, ok := published[tag]; ok {
			if r.Name != "" {
				v.DisplayName = r.Name
			}
			at := r.PublishedAt
			v.PublishedAt = &at
		}
		if verdict, ok := verdicts[tag]; ok {
			v.Installability = verdict
		}

		img, installed := local[tag]
		switch {
		case installed:
			v.Availability = types.AvailabilityInstalled
			v.ImageSize = img.Size
		case tag == latest && state.Active != nil && releases.IsReleaseTag(state.Active.Tag) &&
			releases.Newer(latest, state.Active.Tag):
			v.Availability = types.AvailabilityUpdateAvailable
		}

		switch {
		case state.Active != nil && state.Active.Tag == tag:
			v.IsActive = true
			v.ActivityState = types.ActivityStopped
			if state.Active.Running {
				v.ActivityState = types.ActivityRunning
			}
		case retainedTags[tag]:
			v.ActivityState = types.ActivityRetained
		}
		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool {
		return versionLess(out[i], out[j], o.cfg.PreviewTag)
	})
	return out
}

// versionLess orders releases newest first, then the preview tag, then
// local builds by name
func versionLess(a, b types.Version, preview string) bool {
	rank := func(v types.Version) int {
		switch {
		case releases.IsReleaseTag(v.Tag):
			return 0
		case v.Tag == preview:
			return 1
		case v.Category == types.CategoryLocalBuild:
			return 2
		}
		return 3
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra < rb
	}
	if ra == 0 {
		return releases.Newer(a.Tag, b.Tag)
	}
	return a.Tag < b.Tag
}
