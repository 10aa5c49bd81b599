package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/health"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/cuemby/berth/pkg/runtime"
	"github.com/cuemby/berth/pkg/types"
	"github.com/rs/zerolog"
)

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// compensator undoes the steps of a failed transition in reverse order
type compensator struct {
	steps  []compensation
	logger zerolog.Logger
}

func (c *compensator) push(name string, fn func(ctx context.Context) error) {
	c.steps = append(c.steps, compensation{name: name, fn: fn})
}

// unwind runs every recorded step, newest first. Failures are logged and
// counted, never returned.
func (c *compensator) unwind(ctx context.Context, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	for i := len(c.steps) - 1; i >= 0; i-- {
		step := c.steps[i]
		if err := step.fn(ctx); err != nil {
			metrics.CompensationsTotal.WithLabelValues("failed").Inc()
			c.logger.Warn().Err(err).Str("step", step.name).Msg("Compensation failed")
			continue
		}
		metrics.CompensationsTotal.WithLabelValues("ok").Inc()
		c.logger.Info().Str("step", step.name).Msg("Compensation applied")
	}
	c.steps = nil
}

// target is what a transition activates: a fresh container from an image,
// or an existing retained instance
type target struct {
	tag      string
	retained *types.Instance
}

// transition replaces the active instance with t. The previous active
// instance is kept as a retained instance. Any failure restores the
// previous arrangement.
func (o *Orchestrator) transition(run *opRun, t target) (err error) {
	comp := &compensator{logger: run.logger}
	defer func() {
		if err != nil {
			run.logger.Warn().Err(err).Msg("Transition failed, restoring previous version")
			run.message("Restoring previous version")
			comp.unwind(run.ctx, o.cfg.CompensationTimeout)
		}
	}()

	ctx := run.ctx
	settings := o.settings()

	active, err := o.findActive(ctx)
	if err != nil {
		return err
	}

	if active != nil {
		prev := *active
		if prev.Running {
			run.message("Stopping current version")
			if err := o.runtime.StopContainer(ctx, prev.ID, o.cfg.StopTimeout); err != nil {
				return err
			}
			comp.push("restart previous", func(ctx context.Context) error {
				return o.runtime.StartContainer(ctx, prev.ID)
			})
		}

		run.message("Preserving current version " + prev.Tag)
		name := retainedName(o.cfg.InstancePrefix, prev.Tag, o.now())
		if err := o.runtime.RenameContainer(ctx, prev.ID, name); err != nil {
			return err
		}
		comp.push("rename previous back", func(ctx context.Context) error {
			return o.runtime.RenameContainer(ctx, prev.ID, o.cfg.InstancePrefix)
		})
	}

	var id string
	ports := o.effectivePorts(settings.Ports)
	uiPort := ports.UI
	if t.retained != nil {
		saved := *t.retained
		run.message("Restoring saved version " + saved.Tag)
		if err := o.runtime.RenameContainer(ctx, saved.ID, o.cfg.InstancePrefix); err != nil {
			return err
		}
		comp.push("rename target back", func(ctx context.Context) error {
			return o.runtime.RenameContainer(ctx, saved.ID, saved.Name)
		})
		id = saved.ID
		uiPort = o.instancePort(ctx, id, uiPort)
	} else {
		run.message("Creating version " + t.tag)
		created, err := o.runtime.CreateContainer(ctx, o.createSpec(t.tag, ports))
		if err != nil {
			return errdefs.Wrap(errdefs.CodeCreateFailed,
				fmt.Sprintf("Version %s could not be created.", t.tag), err)
		}
		comp.push("remove created", func(ctx context.Context) error {
			return o.runtime.RemoveContainer(ctx, created)
		})
		id = created
	}

	run.message("Starting selected version")
	if err := o.runtime.StartContainer(ctx, id); err != nil {
		if t.retained == nil {
			return errdefs.Wrap(errdefs.CodeCreateFailed,
				fmt.Sprintf("Version %s could not be started.", t.tag), err)
		}
		return err
	}
	if t.retained != nil {
		comp.push("stop target", func(ctx context.Context) error {
			return o.runtime.StopContainer(ctx, id, o.cfg.StopTimeout)
		})
	}

	if err := o.waitReady(run, uiPort, "Starting selected version"); err != nil {
		return err
	}

	o.enforceRetention(ctx, run.logger)
	run.message(fmt.Sprintf("Version %s is running", t.tag))
	return nil
}

func (o *Orchestrator) createSpec(tag string, ports types.PortPreferences) runtime.CreateSpec {
	spec := runtime.CreateSpec{
		Name:  o.cfg.InstancePrefix,
		Image: runtime.ImageRef(o.cfg.Repository, tag),
		Labels: map[string]string{
			runtime.LabelManaged:    "true",
			runtime.LabelRepository: o.cfg.Repository,
			runtime.LabelTag:        tag,
			labelUIPort:             strconv.Itoa(ports.UI),
		},
		Env: []string{"BERTH_VERSION=" + tag},
	}
	if !o.runtime.HostNetwork() {
		spec.Ports = []runtime.PortBinding{
			{HostPort: ports.UI, ContainerPort: o.cfg.ContainerUIPort},
			{HostPort: ports.SSH, ContainerPort: o.cfg.ContainerSSHPort},
		}
	}
	if o.cfg.DataVolume != "" {
		spec.Mounts = []runtime.Mount{{Volume: o.cfg.DataVolume, Target: o.cfg.DataMountPath}}
	}
	return spec
}

// waitReady polls the UI port, reporting the wait in the operation message
func (o *Orchestrator) waitReady(run *opRun, port int, label string) error {
	opts := o.cfg.Readiness
	opts.OnTick = func(elapsed time.Duration, _ health.Result) {
		run.update(func(op *types.Operation) {
			op.Message = fmt.Sprintf("%s (waiting for UI, %ds)", label, int(elapsed.Seconds()))
		})
	}
	return health.WaitReady(run.ctx, o.checker(port), opts)
}

// enforceRetention keeps the newest max(1, keepCount) retained instances
// and removes the rest. Removal failures are logged only.
func (o *Orchestrator) enforceRetention(ctx context.Context, logger zerolog.Logger) {
	keep := o.settings().Policy.EffectiveKeepCount()
	_, retained, err := o.instances(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list retained instances")
		return
	}
	if len(retained) <= keep {
		return
	}

	remaining := len(retained)
	for _, inst := range retained[keep:] {
		if err := o.runtime.RemoveContainer(ctx, inst.ID); err != nil {
			logger.Warn().Err(err).Str("container", inst.Name).Msg("Failed to prune retained instance")
			continue
		}
		remaining--
		logger.Info().Str("container", inst.Name).Str("tag", inst.Tag).Msg("Pruned retained instance")
	}
	o.setRetainedCount(remaining)
	metrics.RetainedInstances.Set(float64(remaining))
}
