package storage

import (
	"errors"

	"github.com/cuemby/berth/pkg/types"
)

// ErrNotFound is returned when a key has no record
var ErrNotFound = errors.New("not found")

// Store persists everything berth must remember between runs
type Store interface {
	// Settings (retention policy + port preferences). Defaults are returned
	// when nothing has been saved yet.
	GetSettings() (types.Settings, error)
	SaveSettings(settings types.Settings) error

	// Installability cache, keyed by repository and tag
	GetInstallability(repository, tag string) (*types.InstallabilityEntry, error)
	ListInstallability(repository string) ([]*types.InstallabilityEntry, error)
	PutInstallability(entry *types.InstallabilityEntry) error
	DeleteInstallability(repository, tag string) error

	// Release catalog cache, keyed by source repository
	GetReleaseCache(repository string) (*types.ReleaseCache, error)
	PutReleaseCache(cache *types.ReleaseCache) error

	Close() error
}
