package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/progress"
	"github.com/cuemby/berth/pkg/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

// DockerRuntime implements Runtime on the Docker Engine API
type DockerRuntime struct {
	cli    *client.Client
	logger zerolog.Logger
}

// NewDockerRuntime connects to the daemon described by the environment
// (DOCKER_HOST and friends) unless opts are given
func NewDockerRuntime(opts ...client.Opt) (*DockerRuntime, error) {
	if len(opts) == 0 {
		opts = []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeRuntimeUnavailable, "", fmt.Errorf("docker client: %w", err))
	}
	return &DockerRuntime{
		cli:    cli,
		logger: log.WithComponent("runtime").With().Str("backend", BackendDocker).Logger(),
	}, nil
}

// Backend implements Runtime
func (r *DockerRuntime) Backend() string { return BackendDocker }

// HostNetwork implements Runtime. Ports are published through the bridge.
func (r *DockerRuntime) HostNetwork() bool { return false }

// Close implements Runtime
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// socketMissing reports whether the daemon is addressed through a unix
// socket that does not exist
func (r *DockerRuntime) socketMissing() bool {
	host := r.cli.DaemonHost()
	if !strings.HasPrefix(host, "unix://") {
		return false
	}
	_, err := os.Stat(strings.TrimPrefix(host, "unix://"))
	return errors.Is(err, os.ErrNotExist)
}

// mapError codes a Docker client error. Context errors pass through
// unchanged so callers can tell cancellation apart.
func (r *DockerRuntime) mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := fmt.Errorf("docker %s: %w", op, err)
	switch {
	case errors.Is(err, os.ErrPermission) || cerrdefs.IsPermissionDenied(err) ||
		strings.Contains(err.Error(), "permission denied"):
		return errdefs.Wrap(errdefs.CodeRuntimePermission, "", wrapped)
	case client.IsErrConnectionFailed(err):
		if r.socketMissing() {
			return errdefs.Wrap(errdefs.CodeRuntimeMissing, "", wrapped)
		}
		return errdefs.Wrap(errdefs.CodeRuntimeUnavailable, "", wrapped)
	case cerrdefs.IsNotFound(err):
		return errdefs.Wrap(errdefs.CodeNotFound, "", wrapped)
	case cerrdefs.IsConflict(err) || cerrdefs.IsAlreadyExists(err):
		return errdefs.Wrap(errdefs.CodeConflict, "", wrapped)
	default:
		return wrapped
	}
}

// Ping implements Runtime
func (r *DockerRuntime) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return r.mapError("ping", err)
}

// ListImages implements Runtime
func (r *DockerRuntime) ListImages(ctx context.Context, repository string) ([]types.Image, error) {
	opts := image.ListOptions{}
	if repository != "" {
		opts.Filters = filters.NewArgs(filters.Arg("reference", repository))
	}
	summaries, err := r.cli.ImageList(ctx, opts)
	if err != nil {
		return nil, r.mapError("list images", err)
	}

	var images []types.Image
	for _, s := range summaries {
		for _, rt := range s.RepoTags {
			if rt == "<none>:<none>" {
				continue
			}
			repo, tag := SplitRef(rt)
			if repository != "" && repo != repository {
				continue
			}
			images = append(images, types.Image{
				ID:        s.ID,
				Repo:      repo,
				Tag:       tag,
				Digests:   s.RepoDigests,
				Size:      s.Size,
				CreatedAt: time.Unix(s.Created, 0).UTC(),
			})
		}
	}
	sort.Slice(images, func(i, j int) bool { return images[i].CreatedAt.After(images[j].CreatedAt) })
	return images, nil
}

// HasImage implements Runtime
func (r *DockerRuntime) HasImage(ctx context.Context, ref string) (bool, error) {
	_, err := r.cli.ImageInspect(ctx, ref)
	if err == nil {
		return true, nil
	}
	if cerrdefs.IsNotFound(err) {
		return false, nil
	}
	return false, r.mapError("inspect image", err)
}

// PullImage implements Runtime. The JSON progress stream is decoded line by
// line; canceling ctx closes the stream.
func (r *DockerRuntime) PullImage(ctx context.Context, ref string, onEvent PullFunc) error {
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return r.mapError("pull "+ref, err)
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return r.mapError("pull "+ref, err)
		}
		if msg.Error != nil {
			return pullStreamError(ref, msg.Error.Message)
		}
		if msg.ErrorMessage != "" {
			return pullStreamError(ref, msg.ErrorMessage)
		}
		if onEvent == nil || msg.ID == "" {
			continue
		}
		ev := progress.Event{ID: msg.ID, Status: msg.Status}
		if msg.Progress != nil {
			ev.Current = msg.Progress.Current
			ev.Total = msg.Progress.Total
		}
		onEvent(ev)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.logger.Debug().Str("image", ref).Msg("Image pulled")
	return nil
}

// pullStreamError codes an error reported inside the pull stream, which the
// daemon sends with a 200 status
func pullStreamError(ref, message string) error {
	err := fmt.Errorf("docker pull %s: %s", ref, message)
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "toomanyrequests") || strings.Contains(lower, "rate limit"):
		return errdefs.Wrap(errdefs.CodeRateLimited, "", err)
	case strings.Contains(lower, "manifest unknown") || strings.Contains(lower, "not found"):
		return errdefs.Wrap(errdefs.CodeNotFound, "", err)
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "denied"):
		return errdefs.Wrap(errdefs.CodeRegistryAuth, "", err)
	default:
		return errdefs.Wrap(errdefs.CodeRegistry, "", err)
	}
}

// RemoveImage implements Runtime
func (r *DockerRuntime) RemoveImage(ctx context.Context, ref string) error {
	_, err := r.cli.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
	return r.mapError("remove image "+ref, err)
}

// CreateContainer implements Runtime. Ports are published on 127.0.0.1 only.
func (r *DockerRuntime) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p.ContainerPort))
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   "127.0.0.1",
			HostPort: strconv.Itoa(p.HostPort),
		})
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	names := make([]string, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeVolume, Source: m.Volume, Target: m.Target})
		names = append(names, m.Volume)
	}
	if len(names) > 0 {
		labels[LabelVolumes] = strings.Join(names, ",")
	}

	resp, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          spec.Env,
			Labels:       labels,
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			PortBindings:  bindings,
			Mounts:        mounts,
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		},
		nil, nil, spec.Name)
	if err != nil {
		return "", r.mapError("create "+spec.Name, err)
	}
	for _, w := range resp.Warnings {
		r.logger.Warn().Str("container", spec.Name).Msg(w)
	}
	return resp.ID, nil
}

// StartContainer implements Runtime
func (r *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	return r.mapError("start "+id, r.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

// StopContainer implements Runtime
func (r *DockerRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return r.mapError("stop "+id, r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}))
}

// RenameContainer implements Runtime
func (r *DockerRuntime) RenameContainer(ctx context.Context, id, name string) error {
	return r.mapError("rename "+id, r.cli.ContainerRename(ctx, id, name))
}

// RemoveContainer implements Runtime
func (r *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	return r.mapError("remove "+id, r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}))
}

// InspectContainer implements Runtime
func (r *DockerRuntime) InspectContainer(ctx context.Context, id string) (*types.Container, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, r.mapError("inspect "+id, err)
	}
	c := &types.Container{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.Config != nil {
		c.Image = info.Config.Image
		c.Labels = info.Config.Labels
	}
	if info.State != nil {
		c.Running = info.State.Running
	}
	if t, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		c.CreatedAt = t
	}
	return c, nil
}

// ListContainers implements Runtime
func (r *DockerRuntime) ListContainers(ctx context.Context, match map[string]string) ([]types.Container, error) {
	args := filters.NewArgs()
	for k, v := range match {
		args.Add("label", k+"="+v)
	}
	summaries, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, r.mapError("list containers", err)
	}

	out := make([]types.Container, 0, len(summaries))
	for _, s := range summaries {
		if !matchLabels(s.Labels, match) {
			continue
		}
		var name string
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		out = append(out, types.Container{
			ID:        s.ID,
			Name:      name,
			Image:     s.Image,
			Running:   s.State == container.StateRunning,
			Labels:    s.Labels,
			CreatedAt: time.Unix(s.Created, 0).UTC(),
		})
	}
	return out, nil
}

// ListVolumes implements Runtime
func (r *DockerRuntime) ListVolumes(ctx context.Context) ([]types.Volume, error) {
	resp, err := r.cli.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		return nil, r.mapError("list volumes", err)
	}
	out := make([]types.Volume, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		if v == nil {
			continue
		}
		tv := types.Volume{
			Name:       v.Name,
			Driver:     v.Driver,
			Mountpoint: v.Mountpoint,
			Labels:     v.Labels,
		}
		if t, err := time.Parse(time.RFC3339, v.CreatedAt); err == nil {
			tv.CreatedAt = t
		}
		out = append(out, tv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RemoveVolume implements Runtime. A volume still mounted by a container
// yields a conflict.
func (r *DockerRuntime) RemoveVolume(ctx context.Context, name string) error {
	return r.mapError("remove volume "+name, r.cli.VolumeRemove(ctx, name, false))
}

// PruneVolumes implements Runtime. Named volumes are included.
func (r *DockerRuntime) PruneVolumes(ctx context.Context) (*types.PruneReport, error) {
	report, err := r.cli.VolumesPrune(ctx, filters.NewArgs(filters.Arg("all", "true")))
	if err != nil {
		return nil, r.mapError("prune volumes", err)
	}
	return &types.PruneReport{
		VolumesDeleted: report.VolumesDeleted,
		SpaceReclaimed: report.SpaceReclaimed,
	}, nil
}
