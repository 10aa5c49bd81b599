package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	goruntime "runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/log"
	"gopkg.in/yaml.v3"
)

const (
	RuntimeDocker     = "docker"
	RuntimeContainerd = "containerd"

	// FileName is looked up in the data directory when no explicit path is given
	FileName = "config.yaml"
)

// Config holds everything berth needs to manage one backend service
type Config struct {
	// ImageRepository is the owner/name of the managed image
	ImageRepository string `yaml:"imageRepository"`
	// ReleaseRepository is the owner/name of the release catalog source
	ReleaseRepository string `yaml:"releaseRepository"`
	ReleasesToken     string `yaml:"releasesToken,omitempty"`

	DataDir string `yaml:"dataDir"`

	Runtime             string `yaml:"runtime"`
	ContainerdSocket    string `yaml:"containerdSocket"`
	ContainerdNamespace string `yaml:"containerdNamespace"`

	RegistryURL    string `yaml:"registryURL"`
	ReleasesAPIURL string `yaml:"releasesAPIURL"`
	// Platform is os/arch[/variant] used to pick a manifest from an index
	Platform string `yaml:"platform"`

	InstancePrefix   string `yaml:"instancePrefix"`
	DataVolume       string `yaml:"dataVolume"`
	ContainerUIPort  int    `yaml:"containerUIPort"`
	ContainerSSHPort int    `yaml:"containerSSHPort"`
	PreviewTag       string `yaml:"previewTag"`

	Readiness ReadinessConfig `yaml:"readiness"`
	Log       LogConfig       `yaml:"log"`

	MetricsAddr     string        `yaml:"metricsAddr,omitempty"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
}

// ReadinessConfig bounds the UI readiness poll after a start
type ReadinessConfig struct {
	Interval       time.Duration `yaml:"interval"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
	Deadline       time.Duration `yaml:"deadline"`
}

// LogConfig configures pkg/log
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		ImageRepository:     "cuemby/berth-backend",
		ReleaseRepository:   "cuemby/berth-backend",
		DataDir:             defaultDataDir(),
		Runtime:             RuntimeDocker,
		ContainerdSocket:    "/run/containerd/containerd.sock",
		ContainerdNamespace: "berth",
		RegistryURL:         "https://registry-1.docker.io",
		ReleasesAPIURL:      "https://api.github.com",
		Platform:            "linux/" + goruntime.GOARCH,
		InstancePrefix:      "berth-backend",
		DataVolume:          "berth-data",
		ContainerUIPort:     8080,
		ContainerSSHPort:    22,
		PreviewTag:          "testing",
		Readiness: ReadinessConfig{
			Interval:       450 * time.Millisecond,
			AttemptTimeout: 350 * time.Millisecond,
			Deadline:       60 * time.Second,
		},
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
		RefreshInterval: 5 * time.Minute,
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "berth")
	}
	return ".berth"
}

// Load builds a config from defaults, the YAML file at path and the BERTH_*
// environment. An empty path means <data-dir>/config.yaml, which may be absent.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.applyEnv(os.LookupEnv)

	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.DataDir, FileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errdefs.Wrap(errdefs.CodeInvalidConfig, "The configuration file could not be parsed.",
				fmt.Errorf("parse %s: %w", path, err))
		}
		// env wins over the file
		cfg.applyEnv(os.LookupEnv)
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides fields from BERTH_* variables
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("BERTH_IMAGE_REPO", &c.ImageRepository)
	str("BERTH_RELEASE_REPO", &c.ReleaseRepository)
	str("BERTH_RELEASES_TOKEN", &c.ReleasesToken)
	str("BERTH_DATA_DIR", &c.DataDir)
	str("BERTH_RUNTIME", &c.Runtime)
	str("BERTH_CONTAINERD_SOCKET", &c.ContainerdSocket)
	str("BERTH_CONTAINERD_NAMESPACE", &c.ContainerdNamespace)
	str("BERTH_REGISTRY_URL", &c.RegistryURL)
	str("BERTH_RELEASES_API_URL", &c.ReleasesAPIURL)
	str("BERTH_PLATFORM", &c.Platform)
	str("BERTH_INSTANCE_PREFIX", &c.InstancePrefix)
	str("BERTH_DATA_VOLUME", &c.DataVolume)
	str("BERTH_PREVIEW_TAG", &c.PreviewTag)
	str("BERTH_LOG_LEVEL", &c.Log.Level)
	str("BERTH_METRICS_ADDR", &c.MetricsAddr)

	if v, ok := lookup("BERTH_LOG_JSON"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Log.JSON = b
		}
	}
	if v, ok := lookup("BERTH_READINESS_DEADLINE"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.Readiness.Deadline = d
		}
	}
}

var (
	// lowercase registry path components, as accepted by Docker Hub
	imageRepoPattern = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*/[a-z0-9]+(?:[._-][a-z0-9]+)*$`)
	// GitHub owner/name
	releaseRepoPattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})/[A-Za-z0-9._-]{1,100}$`)
	instancePattern    = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)
	platformPattern    = regexp.MustCompile(`^[a-z0-9]+/[a-z0-9_]+(?:/[a-z0-9]+)?$`)
)

// ValidImageRepository reports whether repo has the owner/name shape
func ValidImageRepository(repo string) bool {
	return imageRepoPattern.MatchString(repo)
}

// ValidReleaseRepository reports whether repo has the owner/name shape
func ValidReleaseRepository(repo string) bool {
	return releaseRepoPattern.MatchString(repo)
}

// Validate checks the config is usable
func (c *Config) Validate() error {
	var problems []string

	if !ValidImageRepository(c.ImageRepository) {
		problems = append(problems, fmt.Sprintf("image repository %q is not owner/name", c.ImageRepository))
	}
	if !ValidReleaseRepository(c.ReleaseRepository) {
		problems = append(problems, fmt.Sprintf("release repository %q is not owner/name", c.ReleaseRepository))
	}
	if c.DataDir == "" {
		problems = append(problems, "data directory is empty")
	}
	switch c.Runtime {
	case RuntimeDocker:
	case RuntimeContainerd:
		if c.ContainerdSocket == "" || c.ContainerdNamespace == "" {
			problems = append(problems, "containerd socket and namespace are required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown runtime %q", c.Runtime))
	}
	if !strings.HasPrefix(c.RegistryURL, "http://") && !strings.HasPrefix(c.RegistryURL, "https://") {
		problems = append(problems, "registry URL must be http(s)")
	}
	if !strings.HasPrefix(c.ReleasesAPIURL, "http://") && !strings.HasPrefix(c.ReleasesAPIURL, "https://") {
		problems = append(problems, "releases API URL must be http(s)")
	}
	if !platformPattern.MatchString(c.Platform) {
		problems = append(problems, fmt.Sprintf("platform %q is not os/arch[/variant]", c.Platform))
	}
	if !instancePattern.MatchString(c.InstancePrefix) {
		problems = append(problems, fmt.Sprintf("instance prefix %q is not a valid container name", c.InstancePrefix))
	}
	if c.DataVolume != "" && !instancePattern.MatchString(c.DataVolume) {
		problems = append(problems, fmt.Sprintf("data volume %q is not a valid volume name", c.DataVolume))
	}
	if c.ContainerUIPort < 1 || c.ContainerUIPort > 65535 || c.ContainerSSHPort < 1 || c.ContainerSSHPort > 65535 {
		problems = append(problems, "container ports must be between 1 and 65535")
	}
	if c.PreviewTag == "" {
		problems = append(problems, "preview tag is empty")
	}
	r := c.Readiness
	if r.Interval <= 0 || r.AttemptTimeout <= 0 || r.Deadline <= 0 {
		problems = append(problems, "readiness durations must be positive")
	} else if r.AttemptTimeout > r.Deadline {
		problems = append(problems, "readiness attempt timeout exceeds the deadline")
	}
	switch log.Level(c.Log.Level) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		problems = append(problems, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}

	if len(problems) > 0 {
		return errdefs.Wrap(errdefs.CodeInvalidConfig, "",
			fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; ")))
	}
	return nil
}

// DBPath is the bbolt file inside the data directory
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "berth.db")
}

// VolumesDir is where directory volumes live for the containerd backend
func (c *Config) VolumesDir() string {
	return filepath.Join(c.DataDir, "volumes")
}
