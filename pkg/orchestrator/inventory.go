package orchestrator

import (
	"context"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/types"
)

// GetInventory lists every image, container and volume the runtime holds
func (o *Orchestrator) GetInventory(ctx context.Context) (*types.Inventory, error) {
	images, err := o.runtime.ListImages(ctx, "")
	if err != nil {
		return nil, err
	}
	containers, err := o.runtime.ListContainers(ctx, nil)
	if err != nil {
		return nil, err
	}
	volumes, err := o.runtime.ListVolumes(ctx)
	if err != nil {
		return nil, err
	}
	inv := &types.Inventory{
		Images:     images,
		Containers: containers,
		Volumes:    volumes,
	}
	if inv.Images == nil {
		inv.Images = []types.Image{}
	}
	if inv.Containers == nil {
		inv.Containers = []types.Container{}
	}
	if inv.Volumes == nil {
		inv.Volumes = []types.Volume{}
	}
	return inv, nil
}

// RemoveVolume deletes a volume no container uses. It is refused while an
// operation runs.
func (o *Orchestrator) RemoveVolume(ctx context.Context, name string) error {
	if o.operationRunning() {
		return errdefs.New(errdefs.CodeOperationRunning, "")
	}
	if err := o.runtime.RemoveVolume(ctx, name); err != nil {
		return err
	}
	o.logger.Info().Str("volume", name).Msg("Volume removed")
	return nil
}

// PruneVolumes deletes every volume no container uses
func (o *Orchestrator) PruneVolumes(ctx context.Context) (*types.PruneReport, error) {
	if o.operationRunning() {
		return nil, errdefs.New(errdefs.CodeOperationRunning, "")
	}
	report, err := o.runtime.PruneVolumes(ctx)
	if err != nil {
		return nil, err
	}
	o.logger.Info().
		Int("volumes", len(report.VolumesDeleted)).
		Uint64("reclaimed", report.SpaceReclaimed).
		Msg("Volumes pruned")
	return report, nil
}
