// Package config loads the replicator's YAML configuration: where to dial,
// which channels/docIDs to pull, and the tuning constants that override the
// base package defaults.
package config

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/couchbase/pullreplicator/base"
)

// Config is the top-level document read from a pullctl config file.
type Config struct {
	ReplicatorID string `yaml:"replicatorId"`
	RemoteURL    string `yaml:"remoteUrl"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`

	Database string `yaml:"database"`
	DataDir  string `yaml:"dataDir"`

	Channels   []string `yaml:"channels"`
	DocIDs     []string `yaml:"docIds"`
	// Filter overrides the default channel-based subChanges filter with an
	// arbitrary filter name (e.g. a custom Sync Gateway filter function),
	// taking FilterParams as its string-valued parameters.
	Filter       string            `yaml:"filter"`
	FilterParams map[string]string `yaml:"filterParams"`
	Continuous   bool              `yaml:"continuous"`

	SkipDeleted bool `yaml:"skipDeleted"`
	NoConflicts bool `yaml:"noConflicts"`

	Tuning Tuning `yaml:"tuning"`
}

// Tuning mirrors the tuning constants of package base; a zero value in any
// field means "use the package default".
type Tuning struct {
	ChangesBatchSize          int           `yaml:"changesBatchSize"`
	MaxPendingRevs            int           `yaml:"maxPendingRevs"`
	MaxActiveIncomingRevs     int           `yaml:"maxActiveIncomingRevs"`
	MaxUnfinishedIncomingRevs int           `yaml:"maxUnfinishedIncomingRevs"`
	InsertionBatchSize        int           `yaml:"insertionBatchSize"`
	InsertionBatchTimeout     time.Duration `yaml:"insertionBatchTimeout"`
	MaxBlobFetchesPerRev      int           `yaml:"maxBlobFetchesPerRev"`
}

// Load reads and parses the config file at path and applies defaults for
// any tuning field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ReplicatorID == "" {
		// Each unnamed session gets its own identity so its checkpoint
		// never collides with another config file's.
		c.ReplicatorID = uuid.NewString()
	}
	if c.Database == "" {
		c.Database = "db.sqlite"
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.Tuning.ChangesBatchSize == 0 {
		c.Tuning.ChangesBatchSize = base.ChangesBatchSize
	}
	if c.Tuning.MaxPendingRevs == 0 {
		c.Tuning.MaxPendingRevs = base.MaxPendingRevs
	}
	if c.Tuning.MaxActiveIncomingRevs == 0 {
		c.Tuning.MaxActiveIncomingRevs = base.MaxActiveIncomingRevs
	}
	if c.Tuning.MaxUnfinishedIncomingRevs == 0 {
		c.Tuning.MaxUnfinishedIncomingRevs = base.MaxUnfinishedIncomingRevs
	}
	if c.Tuning.InsertionBatchSize == 0 {
		c.Tuning.InsertionBatchSize = base.InsertionBatchSize
	}
	if c.Tuning.InsertionBatchTimeout == 0 {
		c.Tuning.InsertionBatchTimeout = base.InsertionBatchTimeout
	}
	if c.Tuning.MaxBlobFetchesPerRev == 0 {
		c.Tuning.MaxBlobFetchesPerRev = base.MaxBlobFetchesPerRev
	}
}

func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return errors.New("config: remoteUrl is required")
	}
	if len(c.Channels) > 0 && len(c.DocIDs) > 0 {
		return errors.New("config: channels and docIds are mutually exclusive filters")
	}
	if c.Tuning.MaxActiveIncomingRevs > c.Tuning.MaxUnfinishedIncomingRevs {
		return errors.New("config: tuning.maxActiveIncomingRevs cannot exceed tuning.maxUnfinishedIncomingRevs")
	}
	return nil
}
