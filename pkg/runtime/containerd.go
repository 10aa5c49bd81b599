package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/progress"
	"github.com/cuemby/berth/pkg/types"
	"github.com/distribution/reference"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace for berth
	DefaultNamespace = "berth"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	pullPollInterval = 250 * time.Millisecond
)

// ContainerdRuntime implements Runtime on containerd. Containers run in the
// host network namespace and CreateSpec.Ports is ignored.
// Container ids are immutable, so the name lives in LabelName.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	platform  string
	volumes   *DirVolumes

	// serializes name label changes so two containers never share a name
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewContainerdRuntime connects to containerd at socketPath
func NewContainerdRuntime(socketPath, namespace, platform string, volumes *DirVolumes) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	if _, err := os.Stat(socketPath); err != nil {
		code := errdefs.CodeRuntimeUnavailable
		switch {
		case errors.Is(err, os.ErrNotExist):
			code = errdefs.CodeRuntimeMissing
		case errors.Is(err, os.ErrPermission):
			code = errdefs.CodeRuntimePermission
		}
		return nil, errdefs.Wrap(code, "", fmt.Errorf("containerd socket %s: %w", socketPath, err))
	}

	client, err := containerd.New(socketPath,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second))
	if err != nil {
		code := errdefs.CodeRuntimeUnavailable
		if errors.Is(err, os.ErrPermission) || strings.Contains(err.Error(), "permission denied") {
			code = errdefs.CodeRuntimePermission
		}
		return nil, errdefs.Wrap(code, "", fmt.Errorf("failed to connect to containerd: %w", err))
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
		platform:  platform,
		volumes:   volumes,
		logger:    log.WithComponent("runtime").With().Str("backend", BackendContainerd).Logger(),
	}, nil
}

// Backend implements Runtime
func (r *ContainerdRuntime) Backend() string { return BackendContainerd }

// HostNetwork implements Runtime
func (r *ContainerdRuntime) HostNetwork() bool { return true }

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

func (r *ContainerdRuntime) mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := fmt.Errorf("containerd %s: %w", op, err)
	switch {
	case cerrdefs.IsNotFound(err):
		return errdefs.Wrap(errdefs.CodeNotFound, "", wrapped)
	case cerrdefs.IsAlreadyExists(err) || cerrdefs.IsConflict(err):
		return errdefs.Wrap(errdefs.CodeConflict, "", wrapped)
	case cerrdefs.IsPermissionDenied(err):
		return errdefs.Wrap(errdefs.CodeRuntimePermission, "", wrapped)
	case cerrdefs.IsUnavailable(err):
		return errdefs.Wrap(errdefs.CodeRuntimeUnavailable, "", wrapped)
	default:
		return wrapped
	}
}

// normalizeRef expands "owner/app:tag" to "docker.io/owner/app:tag"
func normalizeRef(ref string) (string, error) {
	named, err := reference.ParseDockerRef(ref)
	if err != nil {
		return "", errdefs.Wrap(errdefs.CodeInvalidTag, "", fmt.Errorf("invalid image reference %q: %w", ref, err))
	}
	return named.String(), nil
}

// Ping implements Runtime
func (r *ContainerdRuntime) Ping(ctx context.Context) error {
	serving, err := r.client.IsServing(r.ctx(ctx))
	if err != nil {
		return r.mapError("ping", err)
	}
	if !serving {
		return errdefs.Wrap(errdefs.CodeRuntimeUnavailable, "", fmt.Errorf("containerd is not serving"))
	}
	return nil
}

// ListImages implements Runtime
func (r *ContainerdRuntime) ListImages(ctx context.Context, repository string) ([]types.Image, error) {
	ctx = r.ctx(ctx)
	imgs, err := r.client.ListImages(ctx)
	if err != nil {
		return nil, r.mapError("list images", err)
	}

	want := repository
	if want != "" {
		if named, err := reference.ParseNormalizedNamed(repository); err == nil {
			want = reference.FamiliarName(named)
		}
	}

	var out []types.Image
	for _, img := range imgs {
		named, err := reference.ParseNormalizedNamed(img.Name())
		if err != nil {
			continue
		}
		tagged, ok := named.(reference.Tagged)
		if !ok {
			continue
		}
		repo := reference.FamiliarName(named)
		if want != "" && repo != want {
			continue
		}
		size, err := img.Size(ctx)
		if err != nil {
			r.logger.Debug().Err(err).Str("image", img.Name()).Msg("Failed to size image")
		}
		digest := img.Target().Digest.String()
		out = append(out, types.Image{
			ID:        digest,
			Repo:      repo,
			Tag:       tagged.Tag(),
			Digests:   []string{repo + "@" + digest},
			Size:      size,
			CreatedAt: img.Metadata().CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// HasImage implements Runtime
func (r *ContainerdRuntime) HasImage(ctx context.Context, ref string) (bool, error) {
	name, err := normalizeRef(ref)
	if err != nil {
		return false, err
	}
	if _, err := r.client.GetImage(r.ctx(ctx), name); err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, r.mapError("get image", err)
	}
	return true, nil
}

// PullImage implements Runtime. containerd has no progress stream, so layer
// events are synthesized: the image handler announces each layer and a
// poller reports active content ingestions until the pull returns.
func (r *ContainerdRuntime) PullImage(ctx context.Context, ref string, onEvent PullFunc) error {
	ctx = r.ctx(ctx)
	name, err := normalizeRef(ref)
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		layers = make(map[string]int64)
	)
	emit := func(ev progress.Event) {
		if onEvent == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		onEvent(ev)
	}

	handler := images.HandlerFunc(func(_ context.Context, desc ocispec.Descriptor) ([]ocispec.Descriptor, error) {
		if images.IsLayerType(desc.MediaType) {
			id := desc.Digest.String()
			mu.Lock()
			layers[id] = desc.Size
			mu.Unlock()
			emit(progress.Event{ID: id, Status: "Pulling fs layer"})
			emit(progress.Event{ID: id, Status: "Downloading", Total: desc.Size})
		}
		return nil, nil
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.pollIngestions(ctx, done, emit)
	}()

	opts := []containerd.RemoteOpt{containerd.WithPullUnpack, containerd.WithImageHandler(handler)}
	if r.platform != "" {
		opts = append(opts, containerd.WithPlatform(r.platform))
	}
	_, err = r.client.Pull(ctx, name, opts...)
	close(done)
	wg.Wait()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.mapError("pull "+ref, err)
	}

	mu.Lock()
	ids := make([]string, 0, len(layers))
	for id := range layers {
		ids = append(ids, id)
	}
	mu.Unlock()
	for _, id := range ids {
		emit(progress.Event{ID: id, Status: "Pull complete"})
	}
	r.logger.Debug().Str("image", name).Int("layers", len(ids)).Msg("Image pulled")
	return nil
}

// pollIngestions reports byte progress of layer downloads until done closes.
// An ingestion that disappears has finished downloading.
func (r *ContainerdRuntime) pollIngestions(ctx context.Context, done <-chan struct{}, emit func(progress.Event)) {
	ticker := time.NewTicker(pullPollInterval)
	defer ticker.Stop()

	cs := r.client.ContentStore()
	active := make(map[string]bool)
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		statuses, err := cs.ListStatuses(ctx)
		if err != nil {
			continue
		}
		seen := make(map[string]bool, len(statuses))
		for _, st := range statuses {
			if !strings.HasPrefix(st.Ref, "layer-") {
				continue
			}
			id := strings.TrimPrefix(st.Ref, "layer-")
			seen[id] = true
			active[id] = true
			emit(progress.Event{ID: id, Status: "Downloading", Current: st.Offset, Total: st.Total})
		}
		for id := range active {
			if !seen[id] {
				delete(active, id)
				emit(progress.Event{ID: id, Status: "Download complete"})
			}
		}
	}
}

// RemoveImage implements Runtime
func (r *ContainerdRuntime) RemoveImage(ctx context.Context, ref string) error {
	name, err := normalizeRef(ref)
	if err != nil {
		return err
	}
	return r.mapError("remove image "+ref, r.client.ImageService().Delete(r.ctx(ctx), name, images.SynchronousDelete()))
}

// findByName returns the id of the container named name, or ""
func (r *ContainerdRuntime) findByName(ctx context.Context, name string) (string, error) {
	containers, err := r.client.Containers(ctx)
	if err != nil {
		return "", r.mapError("list containers", err)
	}
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		if labels[LabelName] == name {
			return c.ID(), nil
		}
	}
	return "", nil
}

// CreateContainer implements Runtime
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	ctx = r.ctx(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, err := r.findByName(ctx, spec.Name); err != nil {
		return "", err
	} else if existing != "" {
		return "", errdefs.Wrap(errdefs.CodeConflict, "", fmt.Errorf("container name %s is in use by %s", spec.Name, existing))
	}

	name, err := normalizeRef(spec.Image)
	if err != nil {
		return "", err
	}
	image, err := r.client.GetImage(ctx, name)
	if err != nil {
		return "", r.mapError("get image "+spec.Image, err)
	}

	labels := make(map[string]string, len(spec.Labels)+2)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[LabelName] = spec.Name

	var mounts []specs.Mount
	var volumeNames []string
	for _, m := range spec.Mounts {
		path, err := r.volumes.Ensure(m.Volume)
		if err != nil {
			return "", err
		}
		mounts = append(mounts, specs.Mount{
			Source:      path,
			Destination: m.Target,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		})
		volumeNames = append(volumeNames, m.Volume)
	}
	if len(volumeNames) > 0 {
		labels[LabelVolumes] = strings.Join(volumeNames, ",")
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	id := uuid.NewString()
	container, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", r.mapError("create "+spec.Name, err)
	}
	return container.ID(), nil
}

// StartContainer implements Runtime. A running task is left alone; an
// exited one is replaced.
func (r *ContainerdRuntime) StartContainer(ctx context.Context, id string) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return r.mapError("load "+id, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		status, err := task.Status(ctx)
		if err == nil && status.Status == containerd.Running {
			return nil
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !cerrdefs.IsNotFound(err) {
			return r.mapError("delete stale task "+id, err)
		}
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return r.mapError("create task "+id, err)
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
		return r.mapError("start task "+id, err)
	}
	return nil
}

// StopContainer implements Runtime: SIGTERM, then SIGKILL after timeout
func (r *ContainerdRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return r.mapError("load "+id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// no task, not running
		return nil
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return r.mapError("wait "+id, err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !cerrdefs.IsNotFound(err) {
		return r.mapError("kill "+id, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-statusC:
	case <-timer.C:
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !cerrdefs.IsNotFound(err) {
			return r.mapError("force kill "+id, err)
		}
		<-statusC
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx); err != nil && !cerrdefs.IsNotFound(err) {
		return r.mapError("delete task "+id, err)
	}
	return nil
}

// RenameContainer implements Runtime
func (r *ContainerdRuntime) RenameContainer(ctx context.Context, id, name string) error {
	ctx = r.ctx(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, err := r.findByName(ctx, name); err != nil {
		return err
	} else if existing != "" && existing != id {
		return errdefs.Wrap(errdefs.CodeConflict, "", fmt.Errorf("container name %s is in use by %s", name, existing))
	}

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return r.mapError("load "+id, err)
	}
	if _, err := container.SetLabels(ctx, map[string]string{LabelName: name}); err != nil {
		return r.mapError("rename "+id, err)
	}
	return nil
}

// RemoveContainer implements Runtime
func (r *ContainerdRuntime) RemoveContainer(ctx context.Context, id string) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return r.mapError("load "+id, err)
	}

	if err := r.StopContainer(ctx, id, DefaultStopTimeout); err != nil {
		r.logger.Warn().Err(err).Str("container", id).Msg("Failed to stop container before delete")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return r.mapError("delete "+id, err)
	}
	return nil
}

func (r *ContainerdRuntime) describe(ctx context.Context, c containerd.Container) (*types.Container, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return nil, err
	}
	out := &types.Container{
		ID:        info.ID,
		Name:      info.Labels[LabelName],
		Image:     info.Image,
		Labels:    info.Labels,
		CreatedAt: info.CreatedAt,
	}
	if named, err := reference.ParseNormalizedNamed(info.Image); err == nil {
		out.Image = reference.FamiliarString(named)
	}
	if task, err := c.Task(ctx, nil); err == nil {
		if status, err := task.Status(ctx); err == nil {
			out.Running = status.Status == containerd.Running
		}
	}
	return out, nil
}

// InspectContainer implements Runtime
func (r *ContainerdRuntime) InspectContainer(ctx context.Context, id string) (*types.Container, error) {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, r.mapError("load "+id, err)
	}
	out, err := r.describe(ctx, container)
	if err != nil {
		return nil, r.mapError("inspect "+id, err)
	}
	return out, nil
}

// ListContainers implements Runtime
func (r *ContainerdRuntime) ListContainers(ctx context.Context, match map[string]string) ([]types.Container, error) {
	ctx = r.ctx(ctx)
	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, r.mapError("list containers", err)
	}

	out := make([]types.Container, 0, len(containers))
	for _, c := range containers {
		desc, err := r.describe(ctx, c)
		if err != nil {
			// removed between list and info
			if cerrdefs.IsNotFound(err) {
				continue
			}
			return nil, r.mapError("inspect "+c.ID(), err)
		}
		if matchLabels(desc.Labels, match) {
			out = append(out, *desc)
		}
	}
	return out, nil
}

// volumesInUse returns the volume names referenced by any container
func (r *ContainerdRuntime) volumesInUse(ctx context.Context) (map[string]bool, error) {
	containers, err := r.ListContainers(ctx, nil)
	if err != nil {
		return nil, err
	}
	inUse := make(map[string]bool)
	for _, c := range containers {
		for _, name := range strings.Split(c.Labels[LabelVolumes], ",") {
			if name != "" {
				inUse[name] = true
			}
		}
	}
	return inUse, nil
}

// ListVolumes implements Runtime
func (r *ContainerdRuntime) ListVolumes(ctx context.Context) ([]types.Volume, error) {
	return r.volumes.List()
}

// RemoveVolume implements Runtime
func (r *ContainerdRuntime) RemoveVolume(ctx context.Context, name string) error {
	inUse, err := r.volumesInUse(ctx)
	if err != nil {
		return err
	}
	if inUse[name] {
		return errdefs.Wrap(errdefs.CodeConflict, "", fmt.Errorf("volume %s is in use", name))
	}
	return r.volumes.Remove(name)
}

// PruneVolumes implements Runtime
func (r *ContainerdRuntime) PruneVolumes(ctx context.Context) (*types.PruneReport, error) {
	inUse, err := r.volumesInUse(ctx)
	if err != nil {
		return nil, err
	}
	vols, err := r.volumes.List()
	if err != nil {
		return nil, err
	}

	report := &types.PruneReport{VolumesDeleted: []string{}}
	for _, v := range vols {
		if inUse[v.Name] {
			continue
		}
		size := r.volumes.Size(v.Name)
		if err := r.volumes.Remove(v.Name); err != nil {
			r.logger.Warn().Err(err).Str("volume", v.Name).Msg("Failed to prune volume")
			continue
		}
		report.VolumesDeleted = append(report.VolumesDeleted, v.Name)
		report.SpaceReclaimed += size
	}
	return report, nil
}
