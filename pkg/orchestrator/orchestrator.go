package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/berth/pkg/config"
	"github.com/cuemby/berth/pkg/events"
	"github.com/cuemby/berth/pkg/health"
	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/registry"
	"github.com/cuemby/berth/pkg/releases"
	"github.com/cuemby/berth/pkg/runtime"
	"github.com/cuemby/berth/pkg/storage"
	"github.com/cuemby/berth/pkg/types"
	"github.com/rs/zerolog"
)

// Registry is the part of the registry client the orchestrator consumes
type Registry interface {
	GetDigest(ctx context.Context, repo, tag string) (string, error)
	GetLayerSizes(ctx context.Context, repo, tag, platform string) (*registry.LayerSizes, error)
}

// ReleaseSource lists published releases, newest first
type ReleaseSource interface {
	Releases(ctx context.Context, force bool) (*releases.Result, error)
}

// CheckerFactory builds the readiness checker for a published UI port
type CheckerFactory func(uiPort int) health.Checker

// Config holds the orchestrator's tunables
type Config struct {
	Repository       string
	InstancePrefix   string
	PreviewTag       string
	Platform         string
	DataVolume       string
	DataMountPath    string
	ContainerUIPort  int
	ContainerSSHPort int

	Readiness           health.PollOptions
	StopTimeout         time.Duration
	CompensationTimeout time.Duration

	// NegativeTTL is how long a not_yet_available verdict is trusted
	NegativeTTL time.Duration
	// PositiveTTL is how long an installable verdict is trusted
	PositiveTTL time.Duration

	// WarmupInterval paces registry requests made by the warm-up
	WarmupInterval time.Duration
	// WarmupBackoff is used after a rate limit without Retry-After
	WarmupBackoff time.Duration
}

// DefaultConfig returns the built-in tunables
func DefaultConfig() Config {
	return Config{
		Repository:          "cuemby/berth-backend",
		InstancePrefix:      "berth-backend",
		PreviewTag:          "testing",
		Platform:            "linux/amd64",
		DataVolume:          "berth-data",
		DataMountPath:       "/data",
		ContainerUIPort:     8080,
		ContainerSSHPort:    22,
		Readiness:           health.DefaultPollOptions(),
		StopTimeout:         runtime.DefaultStopTimeout,
		CompensationTimeout: 30 * time.Second,
		NegativeTTL:         15 * time.Minute,
		PositiveTTL:         24 * time.Hour,
		WarmupInterval:      2 * time.Second,
		WarmupBackoff:       10 * time.Minute,
	}
}

// ConfigFrom derives the orchestrator tunables from the process configuration
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.Repository = cfg.ImageRepository
	c.InstancePrefix = cfg.InstancePrefix
	c.PreviewTag = cfg.PreviewTag
	c.Platform = cfg.Platform
	c.DataVolume = cfg.DataVolume
	c.ContainerUIPort = cfg.ContainerUIPort
	c.ContainerSSHPort = cfg.ContainerSSHPort
	c.Readiness = health.PollOptions{
		Interval:       cfg.Readiness.Interval,
		AttemptTimeout: cfg.Readiness.AttemptTimeout,
		Deadline:       cfg.Readiness.Deadline,
	}
	return c
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithCheckerFactory replaces the UI readiness checker
func WithCheckerFactory(f CheckerFactory) Option {
	return func(o *Orchestrator) {
		o.checker = f
	}
}

// WithClock injects a time source
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithBroker publishes events on an existing broker
func WithBroker(b *events.Broker) Option {
	return func(o *Orchestrator) {
		o.broker = b
	}
}

const finishedHistory = 32

// Orchestrator drives the lifecycle of the managed backend instances. It is
// the only writer of runtime state transitions; at most one operation runs
// at a time.
type Orchestrator struct {
	cfg      Config
	runtime  runtime.Runtime
	registry Registry
	releases ReleaseSource
	store    storage.Store
	broker   *events.Broker
	checker  CheckerFactory
	now      func() time.Time
	logger   zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu            sync.Mutex
	current       *types.Operation
	pullCancel    context.CancelFunc
	finished      map[string]*types.Operation
	finishedOrder []string
	state         *types.State
	retainedCount int

	// serializes state rebuilds
	refreshMu sync.Mutex

	warm *warmer
}

// New creates an orchestrator. Start must be called before operations run.
func New(cfg Config, rt runtime.Runtime, reg Registry, rel ReleaseSource, store storage.Store, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		runtime:    rt,
		registry:   reg,
		releases:   rel,
		store:      store,
		checker:    func(port int) health.Checker { return health.NewUIChecker(port) },
		now:        time.Now,
		logger:     log.WithRepository(log.WithComponent("orchestrator"), cfg.Repository),
		baseCtx:    ctx,
		baseCancel: cancel,
		finished:   make(map[string]*types.Operation),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.broker == nil {
		o.broker = events.NewBroker()
	}
	o.warm = newWarmer(o)
	return o
}

// Start starts event distribution
func (o *Orchestrator) Start() {
	o.broker.Start()
}

// Close cancels any running operation, waits for it to unwind and stops
// event distribution
func (o *Orchestrator) Close() error {
	o.baseCancel()
	o.wg.Wait()
	o.broker.Stop()
	return nil
}

// Subscribe returns a channel receiving state and progress events
func (o *Orchestrator) Subscribe() events.Subscriber {
	return o.broker.Subscribe()
}

// Unsubscribe closes sub
func (o *Orchestrator) Unsubscribe(sub events.Subscriber) {
	o.broker.Unsubscribe(sub)
}

// Repository returns the managed image repository
func (o *Orchestrator) Repository() string {
	return o.cfg.Repository
}

// RuntimeHealth reports whether the container runtime answers
func (o *Orchestrator) RuntimeHealth(ctx context.Context) error {
	return o.runtime.Ping(ctx)
}

// RetainedCount returns the number of retained instances last observed
func (o *Orchestrator) RetainedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retainedCount
}

func (o *Orchestrator) setRetainedCount(n int) {
	o.mu.Lock()
	o.retainedCount = n
	o.mu.Unlock()
}

func (o *Orchestrator) settings() types.Settings {
	s, err := o.store.GetSettings()
	if err != nil {
		o.logger.Warn().Err(err).Msg("Failed to read settings, using defaults")
		return types.DefaultSettings()
	}
	return s
}

// Ports returns the ports the active instance is reached on
func (o *Orchestrator) Ports() types.PortPreferences {
	return o.effectivePorts(o.settings().Ports)
}

// effectivePorts replaces the preferences with the container's own ports on
// runtimes that cannot publish ports
func (o *Orchestrator) effectivePorts(prefs types.PortPreferences) types.PortPreferences {
	if o.runtime.HostNetwork() {
		return types.PortPreferences{UI: o.cfg.ContainerUIPort, SSH: o.cfg.ContainerSSHPort}
	}
	return prefs
}
