package orchestrator

import (
	"context"
	"fmt"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/runtime"
	"github.com/cuemby/berth/pkg/types"
)

// Install downloads tag. Local builds are never pulled; they only complete
// when already present.
func (o *Orchestrator) Install(ctx context.Context, tag string) (string, error) {
	class, err := classifyTag(tag, o.cfg.PreviewTag)
	if err != nil {
		return "", err
	}
	run, err := o.begin(types.OperationInstall, tag)
	if err != nil {
		return "", err
	}

	return o.launch(run, func(run *opRun) error {
		ref := runtime.ImageRef(o.cfg.Repository, tag)
		present, err := o.runtime.HasImage(run.ctx, ref)
		if err != nil {
			return err
		}
		if class == tagLocal {
			if !present {
				return errdefs.Newf(errdefs.CodeNotInstalled, "Local build %s is not present.", tag)
			}
			run.message("Local build " + tag + " is present")
			return nil
		}
		if present && class == tagRelease {
			run.message("Version " + tag + " is already installed")
			return nil
		}
		if err := o.ensureInstallable(run, tag); err != nil {
			return err
		}
		return o.pull(run, tag)
	}), nil
}

// StartActive starts the active instance and waits for its UI
func (o *Orchestrator) StartActive(ctx context.Context) (string, error) {
	run, err := o.begin(types.OperationStart, "")
	if err != nil {
		return "", err
	}
	return o.launch(run, func(run *opRun) error {
		active, err := o.findActive(run.ctx)
		if err != nil {
			return err
		}
		if active == nil {
			return errdefs.New(errdefs.CodeNoActiveInstance, "")
		}
		run.setTarget(active.Tag)

		if !active.Running {
			run.message("Starting version " + active.Tag)
			if err := o.runtime.StartContainer(run.ctx, active.ID); err != nil {
				return err
			}
		}
		port := o.instancePort(run.ctx, active.ID, o.Ports().UI)
		if err := o.waitReady(run, port, "Starting version "+active.Tag); err != nil {
			return err
		}
		run.message(fmt.Sprintf("Version %s is running", active.Tag))
		return nil
	}), nil
}

// StopActive stops the active instance
func (o *Orchestrator) StopActive(ctx context.Context) (string, error) {
	run, err := o.begin(types.OperationStop, "")
	if err != nil {
		return "", err
	}
	return o.launch(run, func(run *opRun) error {
		active, err := o.findActive(run.ctx)
		if err != nil {
			return err
		}
		if active == nil {
			return errdefs.New(errdefs.CodeNoActiveInstance, "")
		}
		run.setTarget(active.Tag)
		if !active.Running {
			run.message("Version " + active.Tag + " is already stopped")
			return nil
		}
		run.message("Stopping version " + active.Tag)
		if err := o.runtime.StopContainer(run.ctx, active.ID, o.cfg.StopTimeout); err != nil {
			return err
		}
		run.message("Version " + active.Tag + " is stopped")
		return nil
	}), nil
}

func validAck(ack types.Ack) error {
	if !ack.Valid() {
		return errdefs.New(errdefs.CodeInvalidAck, "")
	}
	return nil
}

// UpdateToLatest downloads the latest release if needed and switches to it
func (o *Orchestrator) UpdateToLatest(ctx context.Context, ack types.Ack) (string, error) {
	if err := validAck(ack); err != nil {
		return "", err
	}
	run, err := o.begin(types.OperationUpdate, "")
	if err != nil {
		return "", err
	}

	return o.launch(run, func(run *opRun) error {
		run.message("Looking up the latest release")
		if o.releases == nil {
			return errdefs.New(errdefs.CodeNoReleases, "")
		}
		rel, err := o.releases.Releases(run.ctx, false)
		if err != nil {
			return err
		}
		latest := rel.Latest()
		if latest == nil {
			return errdefs.New(errdefs.CodeNoReleases, "")
		}
		tag := latest.Tag
		run.setTarget(tag)

		active, err := o.findActive(run.ctx)
		if err != nil {
			return err
		}
		if active != nil && active.Tag == tag {
			run.message("Version " + tag + " is already active")
			return nil
		}

		present, err := o.runtime.HasImage(run.ctx, runtime.ImageRef(o.cfg.Repository, tag))
		if err != nil {
			return err
		}
		if !present {
			if err := o.ensureInstallable(run, tag); err != nil {
				return err
			}
			if err := o.pull(run, tag); err != nil {
				return err
			}
		}
		return o.transition(run, target{tag: tag})
	}), nil
}

// ActivateVersion switches to an installed tag
func (o *Orchestrator) ActivateVersion(ctx context.Context, tag string, ack types.Ack) (string, error) {
	if err := validAck(ack); err != nil {
		return "", err
	}
	if _, err := classifyTag(tag, o.cfg.PreviewTag); err != nil {
		return "", err
	}
	run, err := o.begin(types.OperationActivate, tag)
	if err != nil {
		return "", err
	}

	return o.launch(run, func(run *opRun) error {
		present, err := o.runtime.HasImage(run.ctx, runtime.ImageRef(o.cfg.Repository, tag))
		if err != nil {
			return err
		}
		if !present {
			return errdefs.Newf(errdefs.CodeNotInstalled, "Version %s is not installed.", tag)
		}
		return o.transition(run, target{tag: tag})
	}), nil
}

// ActivateRetainedInstance brings a retained instance back as the active one
func (o *Orchestrator) ActivateRetainedInstance(ctx context.Context, containerID string, ack types.Ack) (string, error) {
	if err := validAck(ack); err != nil {
		return "", err
	}
	if err := validContainerID(containerID); err != nil {
		return "", err
	}
	run, err := o.begin(types.OperationRollback, "")
	if err != nil {
		return "", err
	}

	return o.launch(run, func(run *opRun) error {
		_, retained, err := o.instances(run.ctx)
		if err != nil {
			return err
		}
		var found *types.Instance
		for i := range retained {
			if matchesID(retained[i].ID, containerID) {
				found = &retained[i]
				break
			}
		}
		if found == nil {
			return errdefs.New(errdefs.CodeInstanceNotFound, "")
		}
		run.setTarget(found.Tag)
		return o.transition(run, target{tag: found.Tag, retained: found})
	}), nil
}

// DeleteRetainedInstance removes a retained instance
func (o *Orchestrator) DeleteRetainedInstance(ctx context.Context, containerID string) (string, error) {
	if err := validContainerID(containerID); err != nil {
		return "", err
	}
	run, err := o.begin(types.OperationDeleteInstance, "")
	if err != nil {
		return "", err
	}

	return o.launch(run, func(run *opRun) error {
		active, retained, err := o.instances(run.ctx)
		if err != nil {
			return err
		}
		if active != nil && matchesID(active.ID, containerID) {
			return errdefs.New(errdefs.CodeCannotDeleteActive, "")
		}
		for _, inst := range retained {
			if !matchesID(inst.ID, containerID) {
				continue
			}
			run.setTarget(inst.Tag)
			run.message("Deleting saved version " + inst.Tag)
			if err := o.runtime.RemoveContainer(run.ctx, inst.ID); err != nil {
				return err
			}
			o.setRetainedCount(len(retained) - 1)
			run.message("Deleted saved version " + inst.Tag)
			return nil
		}
		return errdefs.New(errdefs.CodeInstanceNotFound, "")
	}), nil
}

// SetRetentionPolicy persists keepCount and refreshes the state
func (o *Orchestrator) SetRetentionPolicy(ctx context.Context, keepCount int) (*types.State, error) {
	if keepCount < types.MinKeepCount || keepCount > types.MaxKeepCount {
		return nil, errdefs.Newf(errdefs.CodeInvalidRetention,
			"Keep between %d and %d saved versions.", types.MinKeepCount, types.MaxKeepCount)
	}
	settings, err := o.store.GetSettings()
	if err != nil {
		return nil, err
	}
	settings.Policy.KeepCount = keepCount
	if err := o.store.SaveSettings(settings); err != nil {
		return nil, err
	}
	o.logger.Info().Int("keep_count", keepCount).Msg("Retention policy updated")
	return o.Refresh(ctx, false)
}

// SetPortPreferences persists the host ports used for the next instance
func (o *Orchestrator) SetPortPreferences(ctx context.Context, ports types.PortPreferences) (*types.State, error) {
	if o.runtime.HostNetwork() {
		return nil, errdefs.Newf(errdefs.CodeInvalidPorts,
			"The %s backend runs versions on the host network, so they always use ports %d (UI) and %d (SSH).",
			o.runtime.Backend(), o.cfg.ContainerUIPort, o.cfg.ContainerSSHPort)
	}
	if err := ports.Validate(); err != nil {
		return nil, err
	}
	settings, err := o.store.GetSettings()
	if err != nil {
		return nil, err
	}
	settings.Ports = ports
	if err := o.store.SaveSettings(settings); err != nil {
		return nil, err
	}
	o.logger.Info().Int("ui", ports.UI).Int("ssh", ports.SSH).Msg("Port preferences updated")
	return o.Refresh(ctx, false)
}
