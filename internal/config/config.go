// Package config provides configuration persistence for the system.
//
// Store persists and reloads the desired system configuration across
// restarts. This is control-plane state (what datastores, pools, and tape
// drives exist), not data-plane state (chunks, indexes, media contents).
//
// Store does not:
//   - Touch the chunk store or index files
//   - Drive the backup or restore pipeline
//   - Watch for live changes (v1 is load-on-start only)
package config

import (
	"context"

	"dedupvault/internal/retention"
)

// Store persists and loads system configuration.
type Store interface {
	// Load reads the configuration. Returns nil config if none exists.
	Load(ctx context.Context) (*Config, error)

	// Save persists the configuration.
	Save(ctx context.Context, cfg *Config) error
}

// Config describes the desired system shape: the datastores, tape pools,
// and tape hardware dedupvault should know about. It is declarative.
type Config struct {
	Datastores []DatastoreConfig `json:"datastores"`
	Pools      []PoolConfig      `json:"pools"`
	Tape       *TapeConfig       `json:"tape,omitempty"`
	Settings   map[string]string `json:"settings,omitempty"`
}

// DatastoreConfig describes one chunk-store root to instantiate.
type DatastoreConfig struct {
	// ID is a unique identifier for this datastore.
	ID string `json:"id"`

	// Root is the filesystem path the datastore is rooted at.
	Root string `json:"root"`

	// Encrypted marks whether PutChunk/GetChunk expect an encrypted store.
	// The master key itself is never stored in config; it is supplied out
	// of band (environment variable or a key file named here).
	Encrypted bool   `json:"encrypted"`
	KeyFile   string `json:"key_file,omitempty"`

	// Retention is the keep-policy applied to this datastore's snapshots.
	Retention retention.KeepSpec `json:"retention"`
}

// PoolConfig describes one tape pool's media-allocation policy (§4.12).
type PoolConfig struct {
	Name string `json:"name"`

	// Policy is one of "continue", "always-create", "interval".
	Policy string `json:"policy"`

	// Interval applies only when Policy is "interval", as a Go duration
	// string (e.g. "24h").
	Interval string `json:"interval,omitempty"`
}

// TapeConfig describes the tape hardware a drive or changer command
// addresses.
type TapeConfig struct {
	// DrivePath is the SCSI generic device for the tape drive (e.g.
	// "/dev/sg2").
	DrivePath string `json:"drive_path,omitempty"`

	// ChangerPath is the SCSI generic device for the medium changer (e.g.
	// "/dev/sg3").
	ChangerPath string `json:"changer_path,omitempty"`

	// TransportAddress is the changer's transport (robot arm) element
	// address.
	TransportAddress uint16 `json:"transport_address,omitempty"`

	// DriveAddress is the changer's element address for the data-transfer
	// slot the drive occupies.
	DriveAddress uint16 `json:"drive_address,omitempty"`

	// InventoryPath is the on-disk path of the media inventory database.
	InventoryPath string `json:"inventory_path,omitempty"`
}

// Find returns the named datastore config, or false if it isn't present.
func (c *Config) Find(id string) (DatastoreConfig, bool) {
	for _, d := range c.Datastores {
		if d.ID == id {
			return d, true
		}
	}
	return DatastoreConfig{}, false
}

// FindPool returns the named pool config, or false if it isn't present.
func (c *Config) FindPool(name string) (PoolConfig, bool) {
	for _, p := range c.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return PoolConfig{}, false
}
