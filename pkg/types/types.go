package types

import (
	"time"

	"github.com/cuemby/berth/pkg/errdefs"
)

// SchemaVersion is the version of the state and progress payloads handed to
// consumers. Bump it whenever a field changes meaning.
const SchemaVersion = 1

// VersionCategory distinguishes published releases from locally built images
type VersionCategory string

const (
	CategoryOfficialRelease VersionCategory = "official_release"
	CategoryLocalBuild      VersionCategory = "local_build"
)

// Availability describes a version relative to the local runtime
type Availability string

const (
	AvailabilityAvailable       Availability = "available"
	AvailabilityInstalled       Availability = "installed"
	AvailabilityUpdateAvailable Availability = "update_available"
	AvailabilityInstalling      Availability = "installing"
)

// Installability is the cached registry verdict for a tag
type Installability string

const (
	InstallabilityUnknown         Installability = "unknown"
	InstallabilityInstallable     Installability = "installable"
	InstallabilityNotYetAvailable Installability = "not_yet_available"
)

// ActivityState describes what the instance running a version is doing
type ActivityState string

const (
	ActivityRunning  ActivityState = "running"
	ActivityStopped  ActivityState = "stopped"
	ActivityRetained ActivityState = "retained"
	ActivityNone     ActivityState = "none"
)

// Version is a registry tag joined with local and remote knowledge about it.
// It is recomputed on every refresh and never persisted.
type Version struct {
	Tag            string          `json:"tag"`
	DisplayName    string          `json:"displayName"`
	Category       VersionCategory `json:"category"`
	Availability   Availability    `json:"availability"`
	Installability Installability  `json:"installability"`
	IsActive       bool            `json:"isActive"`
	ActivityState  ActivityState   `json:"activityState"`
	PublishedAt    *time.Time      `json:"publishedAt,omitempty"`
	ImageSize      int64           `json:"imageSize"`
}

// InstanceRole is the role of a managed container
type InstanceRole string

const (
	RoleActive   InstanceRole = "active"
	RoleRetained InstanceRole = "retained"
)

// Instance is a container created by the orchestrator
type Instance struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Tag        string       `json:"tag"`
	Image      string       `json:"image"`
	Role       InstanceRole `json:"role"`
	Running    bool         `json:"running"`
	RetainedAt *time.Time   `json:"retainedAt,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// OperationType is the kind of orchestration work
type OperationType string

const (
	OperationInstall        OperationType = "install"
	OperationUpdate         OperationType = "update"
	OperationActivate       OperationType = "activate"
	OperationRollback       OperationType = "rollback"
	OperationStart          OperationType = "start"
	OperationStop           OperationType = "stop"
	OperationDeleteInstance OperationType = "delete_instance"
)

// Valid reports whether t is a known operation type
func (t OperationType) Valid() bool {
	switch t {
	case OperationInstall, OperationUpdate, OperationActivate, OperationRollback,
		OperationStart, OperationStop, OperationDeleteInstance:
		return true
	}
	return false
}

// OperationStatus is the lifecycle state of an operation
type OperationStatus string

const (
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
	OperationCanceled  OperationStatus = "canceled"
)

// Valid reports whether s is a known operation status
func (s OperationStatus) Valid() bool {
	switch s {
	case OperationRunning, OperationCompleted, OperationFailed, OperationCanceled:
		return true
	}
	return false
}

// Terminal reports whether s is a final status
func (s OperationStatus) Terminal() bool {
	return s == OperationCompleted || s == OperationFailed || s == OperationCanceled
}

// Operation is a snapshot of the single in-flight unit of work. Progress
// fields are percentages in [0,100] and nil while unknown.
type Operation struct {
	SchemaVersion    int              `json:"schemaVersion"`
	ID               string           `json:"id"`
	Type             OperationType    `json:"type"`
	Status           OperationStatus  `json:"status"`
	TargetTag        string           `json:"targetTag,omitempty"`
	Progress         *float64         `json:"progress"`
	DownloadProgress *float64         `json:"downloadProgress"`
	ExtractProgress  *float64         `json:"extractProgress"`
	Message          string           `json:"message"`
	Error            *errdefs.Payload `json:"error,omitempty"`
	Cancellable      bool             `json:"cancellable"`
	StartedAt        time.Time        `json:"startedAt"`
	FinishedAt       *time.Time       `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy of the operation
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	c.Progress = clonePercent(o.Progress)
	c.DownloadProgress = clonePercent(o.DownloadProgress)
	c.ExtractProgress = clonePercent(o.ExtractProgress)
	if o.Error != nil {
		e := *o.Error
		c.Error = &e
	}
	if o.FinishedAt != nil {
		f := *o.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}

func clonePercent(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// RetentionPolicy bounds how many retained instances survive a transition
type RetentionPolicy struct {
	KeepCount int `json:"keepCount"`
}

const (
	MinKeepCount     = 0
	MaxKeepCount     = 20
	DefaultKeepCount = 1
)

// EffectiveKeepCount applies the floor of one rollback target
func (p RetentionPolicy) EffectiveKeepCount() int {
	if p.KeepCount < 1 {
		return 1
	}
	return p.KeepCount
}

// PortPreferences are the host ports published for the active instance
type PortPreferences struct {
	UI  int `json:"ui"`
	SSH int `json:"ssh"`
}

const (
	DefaultUIPort  = 8080
	DefaultSSHPort = 2222
	MinPort        = 1024
	MaxPort        = 65535
)

// DefaultPortPreferences returns the ports used until the user picks others
func DefaultPortPreferences() PortPreferences {
	return PortPreferences{UI: DefaultUIPort, SSH: DefaultSSHPort}
}

// Validate checks both ports are in range and distinct
func (p PortPreferences) Validate() error {
	if p.UI < MinPort || p.UI > MaxPort || p.SSH < MinPort || p.SSH > MaxPort {
		return errdefs.Newf(errdefs.CodeInvalidPorts,
			"Ports must be between %d and %d.", MinPort, MaxPort)
	}
	if p.UI == p.SSH {
		return errdefs.New(errdefs.CodeInvalidPorts, "The UI and SSH ports must be different.")
	}
	return nil
}

// Settings is the persisted policy/preferences record
type Settings struct {
	Policy RetentionPolicy `json:"policy"`
	Ports  PortPreferences `json:"ports"`
}

// DefaultSettings returns the settings used before anything is persisted
func DefaultSettings() Settings {
	return Settings{
		Policy: RetentionPolicy{KeepCount: DefaultKeepCount},
		Ports:  DefaultPortPreferences(),
	}
}

// InstallabilityEntry is a cached registry verdict for one tag
type InstallabilityEntry struct {
	Repository   string         `json:"repository"`
	Tag          string         `json:"tag"`
	Status       Installability `json:"status"`
	CheckedAt    time.Time      `json:"checkedAt"`
	RecheckAfter time.Time      `json:"recheckAfter"`
	Digest       string         `json:"digest,omitempty"`
}

// Fresh reports whether the entry can be trusted at now
func (e *InstallabilityEntry) Fresh(now time.Time) bool {
	if e == nil || e.Status == InstallabilityUnknown || e.Status == "" {
		return false
	}
	return now.Before(e.RecheckAfter)
}

// Release is one published semantic-version release
type Release struct {
	Tag         string    `json:"tag"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"publishedAt"`
	URL         string    `json:"url,omitempty"`
}

// ReleaseCache is the last successful catalog fetch for a source repository
type ReleaseCache struct {
	Repository string    `json:"repository"`
	Releases   []Release `json:"releases"`
	FetchedAt  time.Time `json:"fetchedAt"`
}

// RuntimeStatus reports whether the container runtime can be used
type RuntimeStatus struct {
	Available bool             `json:"available"`
	Backend   string           `json:"backend"`
	Error     *errdefs.Payload `json:"error,omitempty"`
}

// State is the full snapshot pushed to consumers
type State struct {
	SchemaVersion int             `json:"schemaVersion"`
	Repository    string          `json:"repository"`
	Runtime       RuntimeStatus   `json:"runtime"`
	Online        bool            `json:"online"`
	LatestRelease *Release        `json:"latestRelease,omitempty"`
	Versions      []Version       `json:"versions"`
	Active        *Instance       `json:"active,omitempty"`
	Retained      []Instance      `json:"retained"`
	Policy        RetentionPolicy `json:"policy"`
	Ports         PortPreferences `json:"ports"`
	Operation     *Operation      `json:"operation,omitempty"`
	RefreshedAt   time.Time       `json:"refreshedAt"`
}

// Clone returns a deep copy of the state
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.LatestRelease != nil {
		r := *s.LatestRelease
		c.LatestRelease = &r
	}
	c.Versions = append([]Version(nil), s.Versions...)
	if s.Active != nil {
		a := *s.Active
		c.Active = &a
	}
	c.Retained = append([]Instance(nil), s.Retained...)
	c.Operation = s.Operation.Clone()
	if s.Runtime.Error != nil {
		e := *s.Runtime.Error
		c.Runtime.Error = &e
	}
	return &c
}

// Image is a locally present image of the managed repository or any other
// repository when listed for inventory
type Image struct {
	ID        string    `json:"id"`
	Repo      string    `json:"repository"`
	Tag       string    `json:"tag"`
	Digests   []string  `json:"digests,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Container is a runtime container as seen by inventory
type Container struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Running   bool              `json:"running"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Volume is a named runtime volume
type Volume struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	Mountpoint string            `json:"mountpoint,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	CreatedAt  time.Time         `json:"createdAt,omitempty"`
}

// Inventory lists everything the runtime holds
type Inventory struct {
	Images     []Image     `json:"images"`
	Containers []Container `json:"containers"`
	Volumes    []Volume    `json:"volumes"`
}

// PruneReport summarizes a volume prune
type PruneReport struct {
	VolumesDeleted []string `json:"volumesDeleted"`
	SpaceReclaimed uint64   `json:"spaceReclaimed"`
}

// CancelResult is returned by a cancel request
type CancelResult struct {
	Canceled bool   `json:"canceled"`
	Reason   string `json:"reason,omitempty"`
}

// Ack is the data-loss acknowledgment required for version switches
type Ack string

const (
	AckHasBackup            Ack = "has_backup"
	AckProceedWithoutBackup Ack = "proceed_without_backup"
)

// Valid reports whether a is an accepted acknowledgment
func (a Ack) Valid() bool {
	return a == AckHasBackup || a == AckProceedWithoutBackup
}
