package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/health"
	"github.com/cuemby/berth/pkg/progress"
	"github.com/cuemby/berth/pkg/registry"
	"github.com/cuemby/berth/pkg/releases"
	"github.com/cuemby/berth/pkg/runtime"
	"github.com/cuemby/berth/pkg/storage"
	"github.com/cuemby/berth/pkg/types"
	"github.com/stretchr/testify/require"
)

const testRepo = "cuemby/berth-backend"

// fakeRuntime is an in-memory runtime.Runtime recording every mutating call
type fakeRuntime struct {
	mu         sync.Mutex
	images     map[string]types.Image
	containers map[string]*types.Container
	volumes    map[string]types.Volume
	calls      []string
	nextID     int
	clock      time.Time

	hostNetwork atomic.Bool
	lastSpec    runtime.CreateSpec

	// pullGate, when set, blocks PullImage until closed or ctx ends
	pullGate    chan struct{}
	pullStarted chan struct{}
	pullErr     error
	createErr   error
	startErr    map[string]error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		images:     make(map[string]types.Image),
		containers: make(map[string]*types.Container),
		volumes:    make(map[string]types.Volume),
		startErr:   make(map[string]error),
		clock:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeRuntime) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// Calls returns the mutating calls made so far
func (f *fakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRuntime) addImage(tag string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[tag] = types.Image{ID: "sha256:" + tag, Repo: testRepo, Tag: tag, Size: size}
}

// addInstance registers a managed container directly
func (f *fakeRuntime) addInstance(name, tag string, running bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("%064x", f.nextID)
	f.clock = f.clock.Add(time.Minute)
	f.containers[id] = &types.Container{
		ID:      id,
		Name:    name,
		Image:   runtime.ImageRef(testRepo, tag),
		Running: running,
		Labels: map[string]string{
			runtime.LabelManaged:    "true",
			runtime.LabelRepository: testRepo,
			runtime.LabelTag:        tag,
		},
		CreatedAt: f.clock,
	}
	return id
}

func (f *fakeRuntime) byName(name string) *types.Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.Name == name {
			cp := *c
			return &cp
		}
	}
	return nil
}

func (f *fakeRuntime) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *fakeRuntime) Backend() string                { return "fake" }
func (f *fakeRuntime) HostNetwork() bool              { return f.hostNetwork.Load() }
func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }
func (f *fakeRuntime) Close() error                   { return nil }

func (f *fakeRuntime) ListImages(ctx context.Context, repository string) ([]types.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Image
	for _, img := range f.images {
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

func (f *fakeRuntime) HasImage(ctx context.Context, ref string) (bool, error) {
	_, tag := runtime.SplitRef(ref)
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.images[tag]
	return ok, nil
}

func (f *fakeRuntime) PullImage(ctx context.Context, ref string, onEvent runtime.PullFunc) error {
	f.mu.Lock()
	f.record("pull %s", ref)
	gate, started, pullErr := f.pullGate, f.pullStarted, f.pullErr
	f.mu.Unlock()

	onEvent(progress.Event{ID: "aaaaaaaaaaaa", Status: "Pulling fs layer"})
	onEvent(progress.Event{ID: "aaaaaaaaaaaa", Status: "Downloading", Current: 50, Total: 100})
	if started != nil {
		close(started)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if pullErr != nil {
		return pullErr
	}
	onEvent(progress.Event{ID: "aaaaaaaaaaaa", Status: "Download complete"})
	onEvent(progress.Event{ID: "aaaaaaaaaaaa", Status: "Pull complete"})

	_, tag := runtime.SplitRef(ref)
	f.addImage(tag, 100)
	return nil
}

func (f *fakeRuntime) RemoveImage(ctx context.Context, ref string) error {
	_, tag := runtime.SplitRef(ref)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, tag)
	return nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create %s %s", spec.Name, spec.Image)
	f.lastSpec = spec
	if f.createErr != nil {
		return "", f.createErr
	}
	for _, c := range f.containers {
		if c.Name == spec.Name {
			return "", errdefs.New(errdefs.CodeConflict, "name in use")
		}
	}
	f.nextID++
	id := fmt.Sprintf("%064x", f.nextID)
	f.clock = f.clock.Add(time.Minute)
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	f.containers[id] = &types.Container{
		ID: id, Name: spec.Name, Image: spec.Image, Labels: labels, CreatedAt: f.clock,
	}
	return id, nil
}

func (f *fakeRuntime) get(id string) (*types.Container, error) {
	c, ok := f.containers[id]
	if !ok {
		return nil, errdefs.New(errdefs.CodeNotFound, "")
	}
	return c, nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	f.record("start %s", c.Name)
	if err := f.startErr[c.Labels[runtime.LabelTag]]; err != nil {
		return err
	}
	c.Running = true
	return nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	f.record("stop %s", c.Name)
	c.Running = false
	return nil
}

func (f *fakeRuntime) RenameContainer(ctx context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	for _, other := range f.containers {
		if other.ID != id && other.Name == name {
			return errdefs.New(errdefs.CodeConflict, "name in use")
		}
	}
	f.record("rename %s %s", c.Name, name)
	c.Name = name
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	f.record("remove %s", c.Name)
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) InspectContainer(ctx context.Context, id string) (*types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return nil, err
	}
	cp := *c
	return &cp, nil
}

func (f *fakeRuntime) ListContainers(ctx context.Context, match map[string]string) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Container
	for _, c := range f.containers {
		ok := true
		for k, v := range match {
			if c.Labels[k] != v {
				ok = false
			}
		}
		if ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeRuntime) ListVolumes(ctx context.Context) ([]types.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Volume
	for _, v := range f.volumes {
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeRuntime) RemoveVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.volumes[name]; !ok {
		return errdefs.New(errdefs.CodeNotFound, "")
	}
	f.record("rmvol %s", name)
	delete(f.volumes, name)
	return nil
}

func (f *fakeRuntime) PruneVolumes(ctx context.Context) (*types.PruneReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	report := &types.PruneReport{}
	for name := range f.volumes {
		report.VolumesDeleted = append(report.VolumesDeleted, name)
		delete(f.volumes, name)
	}
	return report, nil
}

// fakeRegistry answers digest and layer-size lookups from maps
type fakeRegistry struct {
	mu      sync.Mutex
	digests map[string]string
	err     error
	probes  map[string]int
	sizes   int
}

func newFakeRegistry(tags ...string) *fakeRegistry {
	r := &fakeRegistry{digests: make(map[string]string), probes: make(map[string]int)}
	for _, tag := range tags {
		r.digests[tag] = "sha256:" + strings.Repeat("d", 64)
	}
	return r
}

func (r *fakeRegistry) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *fakeRegistry) GetDigest(ctx context.Context, repo, tag string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[tag]++
	if r.err != nil {
		return "", r.err
	}
	d, ok := r.digests[tag]
	if !ok {
		return "", registry.ErrTagNotFound
	}
	return d, nil
}

func (r *fakeRegistry) GetLayerSizes(ctx context.Context, repo, tag, platform string) (*registry.LayerSizes, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes++
	if r.err != nil {
		return nil, r.err
	}
	if _, ok := r.digests[tag]; !ok {
		return nil, registry.ErrTagNotFound
	}
	return &registry.LayerSizes{
		Platform: platform,
		Sizes:    map[string]int64{"aaaaaaaaaaaa": 100},
		Total:    100,
	}, nil
}

func (r *fakeRegistry) probeCount(tag string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.probes[tag]
}

func (r *fakeRegistry) totalProbes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.probes {
		n += c
	}
	return n
}

func (r *fakeRegistry) sizeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sizes
}

// fakeReleases serves a fixed release list
type fakeReleases struct {
	tags   []string
	online atomic.Bool
}

func (r *fakeReleases) Releases(ctx context.Context, force bool) (*releases.Result, error) {
	res := &releases.Result{Online: r.online.Load(), FetchedAt: time.Now()}
	for _, tag := range r.tags {
		res.Releases = append(res.Releases, types.Release{Tag: tag, Name: tag})
	}
	return res, nil
}

// readiness is a switchable UI checker
type readiness struct {
	healthy atomic.Bool
}

func (r *readiness) factory(port int) health.Checker {
	return health.CheckerFunc(func(ctx context.Context) health.Result {
		return health.Result{Healthy: r.healthy.Load(), CheckedAt: time.Now()}
	})
}

type harness struct {
	orch     *Orchestrator
	runtime  *fakeRuntime
	registry *fakeRegistry
	releases *fakeReleases
	ready    *readiness
	store    storage.Store
	now      *atomic.Int64
}

func newHarness(t *testing.T, releaseTags ...string) *harness {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		runtime:  newFakeRuntime(),
		registry: newFakeRegistry(append([]string{"testing"}, releaseTags...)...),
		releases: &fakeReleases{tags: releaseTags},
		ready:    &readiness{},
		store:    store,
		now:      &atomic.Int64{},
	}
	h.ready.healthy.Store(true)
	h.releases.online.Store(true)
	h.now.Store(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli())

	cfg := DefaultConfig()
	cfg.Repository = testRepo
	cfg.Readiness = health.PollOptions{
		Interval:       5 * time.Millisecond,
		AttemptTimeout: 5 * time.Millisecond,
		Deadline:       100 * time.Millisecond,
	}
	cfg.CompensationTimeout = time.Second
	cfg.WarmupInterval = time.Millisecond

	h.orch = New(cfg, h.runtime, h.registry, h.releases, store,
		WithCheckerFactory(h.ready.factory),
		WithClock(h.clock))
	h.orch.Start()
	t.Cleanup(func() { h.orch.Close() })
	return h
}

// clock advances by one second on every read so that demotion times differ
func (h *harness) clock() time.Time {
	return time.UnixMilli(h.now.Add(1000)).UTC()
}

func (h *harness) advance(d time.Duration) {
	h.now.Add(d.Milliseconds())
}

// wait blocks until operation id reaches a terminal status
func (h *harness) wait(t *testing.T, id string) *types.Operation {
	t.Helper()
	var op *types.Operation
	require.Eventually(t, func() bool {
		var err error
		op, err = h.orch.Operation(id)
		return err == nil && op.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return op
}

func codeOf(op *types.Operation) errdefs.Code {
	if op.Error == nil {
		return ""
	}
	return op.Error.Code
}
