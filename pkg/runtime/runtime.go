package runtime

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/berth/pkg/progress"
	"github.com/cuemby/berth/pkg/types"
)

const (
	// BackendDocker and BackendContainerd name the two adapters
	BackendDocker     = "docker"
	BackendContainerd = "containerd"
)

// Labels stamped on every container berth creates
const (
	LabelManaged    = "io.berth.managed"
	LabelRepository = "io.berth.repository"
	LabelTag        = "io.berth.tag"
	// LabelName carries the mutable container name on backends whose ids
	// cannot be renamed
	LabelName = "io.berth.name"
	// LabelVolumes lists the volume names a container mounts
	LabelVolumes = "io.berth.volumes"
)

// DefaultStopTimeout is the grace period before a stop escalates to SIGKILL
const DefaultStopTimeout = 10 * time.Second

// PortBinding publishes a container port on the loopback interface
type PortBinding struct {
	HostPort      int
	ContainerPort int
}

// Mount attaches a named volume at Target
type Mount struct {
	Volume string
	Target string
}

// CreateSpec describes a container to create
type CreateSpec struct {
	Name   string
	Image  string
	Labels map[string]string
	Env    []string
	Ports  []PortBinding
	Mounts []Mount
}

// PullFunc receives every layer event of an image pull
type PullFunc func(progress.Event)

// Runtime is the container runtime port. Every method returns errors coded
// with the runtime codes of pkg/errdefs (runtime_unavailable, not_found,
// conflict, ...). Implementations must be safe for concurrent use.
type Runtime interface {
	Backend() string
	Ping(ctx context.Context) error
	// HostNetwork reports whether containers share the host network
	// namespace. CreateSpec.Ports are not applied there: an instance is
	// reached on its own container ports.
	HostNetwork() bool

	// ListImages returns local images of repository, or all images when
	// repository is empty. One entry per tag.
	ListImages(ctx context.Context, repository string) ([]types.Image, error)
	HasImage(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string, onEvent PullFunc) error
	RemoveImage(ctx context.Context, ref string) error

	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	// StopContainer is a no-op for a container that is not running
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RenameContainer(ctx context.Context, id, name string) error
	// RemoveContainer stops and deletes the container
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (*types.Container, error)
	// ListContainers returns containers carrying every label in match
	ListContainers(ctx context.Context, match map[string]string) ([]types.Container, error)

	ListVolumes(ctx context.Context) ([]types.Volume, error)
	RemoveVolume(ctx context.Context, name string) error
	// PruneVolumes removes volumes no container references
	PruneVolumes(ctx context.Context) (*types.PruneReport, error)

	Close() error
}

// SplitRef splits "repo:tag" into its parts; the tag defaults to "latest".
// A registry port ("localhost:5000/app") is not mistaken for a tag.
func SplitRef(ref string) (repo, tag string) {
	if i := strings.IndexByte(ref, '@'); i >= 0 {
		ref = ref[:i]
	}
	slash := strings.LastIndexByte(ref, '/')
	if colon := strings.LastIndexByte(ref, ':'); colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, "latest"
}

// ImageRef joins repository and tag
func ImageRef(repository, tag string) string {
	return repository + ":" + tag
}

func matchLabels(labels, match map[string]string) bool {
	for k, v := range match {
		if labels[k] != v {
			return false
		}
	}
	return true
}
