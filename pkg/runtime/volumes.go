package runtime

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/cuemby/berth/pkg/errdefs"
	"github.com/cuemby/berth/pkg/types"
)

// DriverLocal is the driver name reported for directory volumes
const DriverLocal = "local"

var volumeNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// DirVolumes keeps named volumes as directories under one base path. It
// backs volumes for runtimes without a volume API of their own.
type DirVolumes struct {
	basePath string
}

// NewDirVolumes creates the base directory if needed
func NewDirVolumes(basePath string) (*DirVolumes, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volumes directory: %w", err)
	}
	return &DirVolumes{basePath: basePath}, nil
}

// Path returns the host directory of volume name
func (d *DirVolumes) Path(name string) string {
	return filepath.Join(d.basePath, name)
}

func validVolumeName(name string) error {
	if !volumeNamePattern.MatchString(name) {
		return errdefs.Newf(errdefs.CodeInvalidPayload, "Volume name %q is not valid.", name)
	}
	return nil
}

// Ensure creates volume name if it does not exist and returns its path
func (d *DirVolumes) Ensure(name string) (string, error) {
	if err := validVolumeName(name); err != nil {
		return "", err
	}
	path := d.Path(name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create volume directory: %w", err)
	}
	return path, nil
}

// List returns every volume, sorted by name
func (d *DirVolumes) List() ([]types.Volume, error) {
	entries, err := os.ReadDir(d.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read volumes directory: %w", err)
	}
	var out []types.Volume
	for _, e := range entries {
		if !e.IsDir() || !volumeNamePattern.MatchString(e.Name()) {
			continue
		}
		v := types.Volume{
			Name:       e.Name(),
			Driver:     DriverLocal,
			Mountpoint: d.Path(e.Name()),
		}
		if info, err := e.Info(); err == nil {
			v.CreatedAt = info.ModTime().UTC()
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Remove deletes volume name and its contents
func (d *DirVolumes) Remove(name string) error {
	if err := validVolumeName(name); err != nil {
		return err
	}
	path := d.Path(name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return errdefs.Wrap(errdefs.CodeNotFound, "", fmt.Errorf("volume %s does not exist", name))
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete volume directory: %w", err)
	}
	return nil
}

// Size returns the bytes used by volume name; unreadable entries are skipped
func (d *DirVolumes) Size(name string) uint64 {
	var total uint64
	_ = filepath.WalkDir(d.Path(name), func(_ string, e fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if e.Type().IsRegular() {
			if info, err := e.Info(); err == nil {
				total += uint64(info.Size())
			}
		}
		return nil
	})
	return total
}
