package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSettings       = []byte("settings")
	bucketInstallability = []byte("installability")
	bucketReleases       = []byte("releases")

	keySettings = []byte("settings")
)

// DBFile is the database file name inside the data directory
const DBFile = "berth.db"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) berth.db in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DBFile)

	// A second berth process holding the lock must not hang this one forever.
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSettings, bucketInstallability, bucketReleases} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger := log.WithComponent("storage")
	logger.Debug().Str("path", dbPath).Msg("Opened state store")
	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func installabilityKey(repository, tag string) []byte {
	return []byte(repository + "@" + tag)
}

// GetSettings returns the saved settings or the defaults
func (s *BoltStore) GetSettings() (types.Settings, error) {
	settings := types.DefaultSettings()
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get(keySettings)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &settings)
	})
	if err != nil {
		return types.DefaultSettings(), fmt.Errorf("failed to read settings: %w", err)
	}
	return settings, nil
}

// SaveSettings replaces the settings record in a single transaction
func (s *BoltStore) SaveSettings(settings types.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put(keySettings, data)
	})
}

// GetInstallability returns the cached verdict for repository@tag
func (s *BoltStore) GetInstallability(repository, tag string) (*types.InstallabilityEntry, error) {
	var entry types.InstallabilityEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstallability).Get(installabilityKey(repository, tag))
		if data == nil {
			return fmt.Errorf("installability %s@%s: %w", repository, tag, ErrNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListInstallability returns every cached verdict for repository
func (s *BoltStore) ListInstallability(repository string) ([]*types.InstallabilityEntry, error) {
	var entries []*types.InstallabilityEntry
	prefix := []byte(repository + "@")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketInstallability).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry types.InstallabilityEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

// PutInstallability upserts a verdict
func (s *BoltStore) PutInstallability(entry *types.InstallabilityEntry) error {
	if entry.Repository == "" || entry.Tag == "" {
		return fmt.Errorf("installability entry needs repository and tag")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstallability).Put(installabilityKey(entry.Repository, entry.Tag), data)
	})
}

// DeleteInstallability removes a verdict
func (s *BoltStore) DeleteInstallability(repository, tag string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstallability).Delete(installabilityKey(repository, tag))
	})
}

// GetReleaseCache returns the last successful catalog fetch for repository
func (s *BoltStore) GetReleaseCache(repository string) (*types.ReleaseCache, error) {
	var cache types.ReleaseCache
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReleases).Get([]byte(repository))
		if data == nil {
			return fmt.Errorf("release cache %s: %w", repository, ErrNotFound)
		}
		return json.Unmarshal(data, &cache)
	})
	if err != nil {
		return nil, err
	}
	return &cache, nil
}

// PutReleaseCache replaces the catalog cache for cache.Repository
func (s *BoltStore) PutReleaseCache(cache *types.ReleaseCache) error {
	data, err := json.Marshal(cache)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReleases).Put([]byte(cache.Repository), data)
	})
}
