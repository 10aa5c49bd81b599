package main

import (
	"fmt"
	"os"

	"github.com/cuemby/berth/pkg/config"
	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/metrics"
	"github.com/cuemby/berth/pkg/orchestrator"
	"github.com/cuemby/berth/pkg/registry"
	"github.com/cuemby/berth/pkg/releases"
	"github.com/cuemby/berth/pkg/runtime"
	"github.com/cuemby/berth/pkg/storage"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/spf13/cobra"
)

// app is everything a command needs, wired from the configuration
type app struct {
	cfg     *config.Config
	store   storage.Store
	runtime runtime.Runtime
	orch    *orchestrator.Orchestrator
}

// loadConfig applies flags on top of file and environment
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("runtime"); v != "" {
		cfg.Runtime = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetBool("json-logs"); v {
		cfg.Log.JSON = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
	return cfg, nil
}

func newRuntime(cfg *config.Config) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case config.RuntimeContainerd:
		volumes, err := runtime.NewDirVolumes(cfg.VolumesDir())
		if err != nil {
			return nil, err
		}
		return runtime.NewContainerdRuntime(cfg.ContainerdSocket, cfg.ContainerdNamespace, cfg.Platform, volumes)
	default:
		return runtime.NewDockerRuntime()
	}
}

// newApp opens the store and the runtime and builds the orchestrator
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store (is another berth process running?): %w", err)
	}
	metrics.SetComponent(metrics.ComponentStore, true, "")

	rt, err := newRuntime(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	reg, err := registry.NewClient(cfg.RegistryURL, registry.WithKeychain(authn.DefaultKeychain))
	if err != nil {
		rt.Close()
		store.Close()
		return nil, err
	}

	var opts []releases.Option
	if cfg.ReleasesToken != "" {
		opts = append(opts, releases.WithToken(cfg.ReleasesToken))
	}
	catalog := releases.NewCatalog(cfg.ReleasesAPIURL, cfg.ReleaseRepository, store, opts...)

	orch := orchestrator.New(orchestrator.ConfigFrom(cfg), rt, reg, catalog, store)
	orch.Start()

	return &app{
		cfg:     cfg,
		store:   store,
		runtime: rt,
		orch:    orch,
	}, nil
}

// Close waits for the running operation and releases everything
func (a *app) Close() {
	a.orch.Close()
	a.runtime.Close()
	a.store.Close()
}
