// Package config loads the indexer's TOML configuration and fills in the
// well-known collection layouts so a minimal file only has to name the
// tracked contract instances.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML strings like "5s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	RPC       RPCConfig        `toml:"RPC"`
	Database  DatabaseConfig   `toml:"Database"`
	Log       LogConfig        `toml:"Log"`
	Metrics   MetricsConfig    `toml:"Metrics"`
	Telemetry TelemetryConfig  `toml:"Telemetry"`
	Stream    StreamConfig     `toml:"Stream"`
	Instances []InstanceConfig `toml:"Instances"`
}

type RPCConfig struct {
	URL               string   `toml:"URL"`
	Timeout           Duration `toml:"Timeout"`
	RequestsPerSecond float64  `toml:"RequestsPerSecond"`
	Burst             int      `toml:"Burst"`
}

type DatabaseConfig struct {
	DSN string `toml:"DSN"`
}

type LogConfig struct {
	Environment string `toml:"Environment"`
	// File enables the rotating file sink when set; empty logs to stdout.
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

type MetricsConfig struct {
	ListenAddress string `toml:"ListenAddress"`
}

type TelemetryConfig struct {
	// Endpoint is the OTLP HTTP collector address; empty disables export.
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
}

type StreamConfig struct {
	StartHeight  uint64   `toml:"StartHeight"`
	PollInterval Duration `toml:"PollInterval"`
	CursorName   string   `toml:"CursorName"`
}

// InstanceConfig describes one tracked contract deployment. Declaring an
// empty collection table enables that collection with its default layout.
type InstanceConfig struct {
	Name        string              `toml:"Name"`
	Account     string              `toml:"Account"`
	Concurrency int                 `toml:"Concurrency"`
	Posts       *CollectionSettings `toml:"Posts"`
	Proposals   *CollectionSettings `toml:"Proposals"`
	RFPs        *CollectionSettings `toml:"RFPs"`
}

// CollectionSettings pins the storage layout and method set of one on-chain
// collection. Zero fields are filled from the per-kind defaults.
type CollectionSettings struct {
	Prefix          int      `toml:"Prefix"`
	AuthorLenOffset int      `toml:"AuthorLenOffset"`
	AuthorOffset    int      `toml:"AuthorOffset"`
	Methods         []string `toml:"Methods"`
	Callbacks       []string `toml:"Callbacks"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s has unknown keys: %v", path, undecoded)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RPC.Timeout <= 0 {
		c.RPC.Timeout = Duration(15 * time.Second)
	}
	if c.RPC.RequestsPerSecond <= 0 {
		c.RPC.RequestsPerSecond = 10
	}
	if c.RPC.Burst <= 0 {
		c.RPC.Burst = 1
	}
	if strings.TrimSpace(c.Log.Environment) == "" {
		c.Log.Environment = "development"
	}
	if strings.TrimSpace(c.Metrics.ListenAddress) == "" {
		c.Metrics.ListenAddress = ":9090"
	}
	if c.Stream.PollInterval <= 0 {
		c.Stream.PollInterval = Duration(time.Second)
	}
	if strings.TrimSpace(c.Stream.CursorName) == "" {
		c.Stream.CursorName = "blockstream"
	}
	for i := range c.Instances {
		inst := &c.Instances[i]
		if inst.Posts != nil {
			applyCollectionDefaults(inst.Posts, defaultPosts)
		}
		if inst.Proposals != nil {
			applyCollectionDefaults(inst.Proposals, defaultProposals)
		}
		if inst.RFPs != nil {
			applyCollectionDefaults(inst.RFPs, defaultRFPs)
		}
	}
}

// Default collection layouts matching the deployed devhub contract family.
var (
	defaultPosts = CollectionSettings{
		Prefix:          0x05,
		AuthorLenOffset: 9,
		AuthorOffset:    13,
		Methods:         []string{"add_post", "edit_post", "add_like"},
	}
	defaultProposals = CollectionSettings{
		Prefix:          0x0e,
		AuthorLenOffset: 5,
		AuthorOffset:    9,
		Methods: []string{
			"edit_proposal", "edit_proposal_internal",
			"edit_proposal_timeline", "edit_proposal_linked_rfp",
		},
		Callbacks: []string{"set_block_height_callback"},
	}
	defaultRFPs = CollectionSettings{
		Prefix:          0x11,
		AuthorLenOffset: 5,
		AuthorOffset:    9,
		Methods: []string{
			"edit_rfp", "edit_rfp_internal",
			"edit_rfp_timeline", "cancel_rfp",
		},
		Callbacks: []string{"set_rfp_block_height_callback"},
	}
)

func applyCollectionDefaults(col *CollectionSettings, def CollectionSettings) {
	if col.Prefix == 0 {
		col.Prefix = def.Prefix
	}
	if col.AuthorLenOffset == 0 {
		col.AuthorLenOffset = def.AuthorLenOffset
	}
	if col.AuthorOffset == 0 {
		col.AuthorOffset = def.AuthorOffset
	}
	if len(col.Methods) == 0 {
		col.Methods = append([]string{}, def.Methods...)
	}
	if len(col.Callbacks) == 0 {
		col.Callbacks = append([]string{}, def.Callbacks...)
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.RPC.URL) == "" {
		return fmt.Errorf("RPC.URL is required")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("Database.DSN is required")
	}
	if len(c.Instances) == 0 {
		return fmt.Errorf("at least one [[Instances]] entry is required")
	}
	seen := make(map[string]struct{}, len(c.Instances))
	for i := range c.Instances {
		inst := &c.Instances[i]
		if strings.TrimSpace(inst.Name) == "" {
			return fmt.Errorf("instance %d: Name is required", i)
		}
		if strings.TrimSpace(inst.Account) == "" {
			return fmt.Errorf("instance %s: Account is required", inst.Name)
		}
		if _, dup := seen[inst.Name]; dup {
			return fmt.Errorf("instance %s declared twice", inst.Name)
		}
		seen[inst.Name] = struct{}{}
		if inst.Posts == nil && inst.Proposals == nil && inst.RFPs == nil {
			return fmt.Errorf("instance %s tracks no collections", inst.Name)
		}
		for _, col := range []*CollectionSettings{inst.Posts, inst.Proposals, inst.RFPs} {
			if col == nil {
				continue
			}
			if col.Prefix <= 0 || col.Prefix > 0xff {
				return fmt.Errorf("instance %s: collection prefix %#x out of range", inst.Name, col.Prefix)
			}
			if col.AuthorOffset < col.AuthorLenOffset+4 {
				return fmt.Errorf("instance %s: author offset %d overlaps its length prefix", inst.Name, col.AuthorOffset)
			}
		}
	}
	return nil
}
