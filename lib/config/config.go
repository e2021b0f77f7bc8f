// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/clusterfs/lib/transform"
)

// EnvironmentVariable names the config file for Load.
const EnvironmentVariable = "CLUSTERFS_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is the default for local volumes.
	Development Environment = "development"
	// Production tightens durability and key handling.
	Production Environment = "production"
)

// Config is the configuration of one clusterfs volume.
type Config struct {
	Environment Environment `yaml:"environment"`

	Volume    VolumeConfig    `yaml:"volume"`
	File      FileConfig      `yaml:"file"`
	Policy    PolicyConfig    `yaml:"policy"`
	Cache     CacheConfig     `yaml:"cache"`
	Writeback WritebackConfig `yaml:"writeback"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// KeyFile is the age-sealed master key. Required when File.Cipher
	// is not "none".
	KeyFile string `yaml:"key_file"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the per-environment sections.
type Overrides struct {
	Volume    *VolumeConfig    `yaml:"volume,omitempty"`
	Writeback *WritebackConfig `yaml:"writeback,omitempty"`
	KeyFile   string           `yaml:"key_file,omitempty"`
}

// VolumeConfig selects the storage tree.
type VolumeConfig struct {
	// Path is the database file. Ignored by the memory backend.
	Path string `yaml:"path"`

	// Backend is "memory", "sqlite" or "bolt".
	Backend string `yaml:"backend"`

	// CapacityBlocks is the number of tree items the volume may hold.
	CapacityBlocks uint64 `yaml:"capacity_blocks"`

	// MaxItemSize bounds one tree item's payload in bytes.
	MaxItemSize int `yaml:"max_item_size"`

	// Synchronous is the SQLite synchronous level.
	Synchronous string `yaml:"synchronous"`
}

// FileConfig holds the defaults applied to newly created files.
type FileConfig struct {
	ClusterShift uint   `yaml:"cluster_shift"`
	Compression  string `yaml:"compression"`
	Cipher       string `yaml:"cipher"`
	Mode         string `yaml:"mode"`
}

// PolicyConfig holds the compressibility and hole thresholds.
type PolicyConfig struct {
	MinCompressSize int    `yaml:"min_compress_size"`
	LatticeStride   uint64 `yaml:"lattice_stride"`
	VetoThreshold   int    `yaml:"veto_threshold"`

	// PunchHoles cuts all-zero clusters instead of storing them.
	PunchHoles bool `yaml:"punch_holes"`

	// InsertOverhead is the extra reservation charged when a cluster
	// is first inserted.
	InsertOverhead uint64 `yaml:"insert_overhead"`
}

// CacheConfig sizes the page cache.
type CacheConfig struct {
	PageShift    uint `yaml:"page_shift"`
	MaxPages     int  `yaml:"max_pages"`
	MaxIdlePages int  `yaml:"max_idle_pages"`
}

// WritebackConfig drives the flush loop.
type WritebackConfig struct {
	Interval        time.Duration `yaml:"interval"`
	CommitThreshold int           `yaml:"commit_threshold"`
	MaxDirty        int           `yaml:"max_dirty"`
	Parallelism     int           `yaml:"parallelism"`
}

// MetricsConfig configures the Prometheus endpoint of a mount.
type MetricsConfig struct {
	// Listen is a host:port for /metrics. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Default returns the base every file is loaded over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Volume: VolumeConfig{
			Path:           "${HOME}/.cache/clusterfs/volume.db",
			Backend:        "sqlite",
			CapacityBlocks: 1 << 22,
			MaxItemSize:    4096,
			Synchronous:    "NORMAL",
		},
		File: FileConfig{
			ClusterShift: 16,
			Compression:  "lz4",
			Cipher:       "none",
			Mode:         "lattice",
		},
		Policy: PolicyConfig{
			MinCompressSize: 256,
			LatticeStride:   8,
			VetoThreshold:   4,
			InsertOverhead:  2,
		},
		Cache: CacheConfig{
			PageShift:    12,
			MaxPages:     16384,
			MaxIdlePages: 8192,
		},
		Writeback: WritebackConfig{
			Interval:        5 * time.Second,
			CommitThreshold: 256,
			MaxDirty:        8192,
			Parallelism:     4,
		},
	}
}

// Load loads the file named by CLUSTERFS_CONFIG. There is no fallback
// when the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your clusterfs.yaml, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile loads path over Default, applies the section for the
// configured environment, and expands ${VAR} references in paths.
// Files ending in .json or .jsonc may carry comments and trailing
// commas.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes data as LoadFile does. ext selects JSONC handling.
func Parse(data []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		// Production always syncs fully; the tree is the only copy.
		c.Volume.Synchronous = "FULL"
	}
	if overrides == nil {
		return
	}

	if volume := overrides.Volume; volume != nil {
		if volume.Path != "" {
			c.Volume.Path = volume.Path
		}
		if volume.Backend != "" {
			c.Volume.Backend = volume.Backend
		}
		if volume.CapacityBlocks != 0 {
			c.Volume.CapacityBlocks = volume.CapacityBlocks
		}
		if volume.Synchronous != "" && c.Environment != Production {
			c.Volume.Synchronous = volume.Synchronous
		}
	}
	if writeback := overrides.Writeback; writeback != nil {
		if writeback.Interval != 0 {
			c.Writeback.Interval = writeback.Interval
		}
		if writeback.CommitThreshold != 0 {
			c.Writeback.CommitThreshold = writeback.CommitThreshold
		}
		if writeback.MaxDirty != 0 {
			c.Writeback.MaxDirty = writeback.MaxDirty
		}
		if writeback.Parallelism != 0 {
			c.Writeback.Parallelism = writeback.Parallelism
		}
	}
	if overrides.KeyFile != "" {
		c.KeyFile = overrides.KeyFile
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Volume.Path = expandVars(c.Volume.Path, vars)
	c.KeyFile = expandVars(c.KeyFile, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var backends = []string{"memory", "sqlite", "bolt"}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if !slices.Contains(backends, c.Volume.Backend) {
		errs = append(errs, fmt.Errorf("volume.backend must be one of: %v", backends))
	}
	if c.Volume.Backend != "memory" && c.Volume.Path == "" {
		errs = append(errs, fmt.Errorf("volume.path is required for the %s backend", c.Volume.Backend))
	}
	if c.Volume.CapacityBlocks == 0 {
		errs = append(errs, fmt.Errorf("volume.capacity_blocks must be positive"))
	}
	if c.Volume.MaxItemSize < 64 {
		errs = append(errs, fmt.Errorf("volume.max_item_size must be at least 64, got %d", c.Volume.MaxItemSize))
	}

	if c.File.ClusterShift < 12 || c.File.ClusterShift > 16 {
		errs = append(errs, fmt.Errorf("file.cluster_shift must be in 12..16, got %d", c.File.ClusterShift))
	}
	if c.Cache.PageShift < 9 || c.Cache.PageShift > c.File.ClusterShift {
		errs = append(errs, fmt.Errorf("cache.page_shift must be in 9..file.cluster_shift, got %d", c.Cache.PageShift))
	}
	if _, err := transform.ParseCompression(c.File.Compression); err != nil {
		errs = append(errs, fmt.Errorf("file.compression: %w", err))
	}
	cipher, err := transform.ParseCipher(c.File.Cipher)
	if err != nil {
		errs = append(errs, fmt.Errorf("file.cipher: %w", err))
	}
	if _, err := transform.ParseMode(c.File.Mode); err != nil {
		errs = append(errs, fmt.Errorf("file.mode: %w", err))
	}
	if cipher != transform.CipherNone && c.KeyFile == "" {
		errs = append(errs, fmt.Errorf("key_file is required when file.cipher is %s", cipher))
	}

	if c.Cache.MaxPages <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_pages must be positive"))
	}
	if c.Cache.MaxPages > 0 && c.Cache.MaxPages < 1<<(c.File.ClusterShift-min(c.Cache.PageShift, c.File.ClusterShift)) {
		errs = append(errs, fmt.Errorf("cache.max_pages cannot hold one cluster"))
	}
	if c.Writeback.Interval <= 0 {
		errs = append(errs, fmt.Errorf("writeback.interval must be positive"))
	}
	if c.Writeback.MaxDirty < 0 || c.Writeback.CommitThreshold < 0 {
		errs = append(errs, fmt.Errorf("writeback limits must not be negative"))
	}

	return errors.Join(errs...)
}

// CompressionPolicy returns the compressibility policy for new files.
func (c *Config) CompressionPolicy() (transform.Policy, error) {
	mode, err := transform.ParseMode(c.File.Mode)
	if err != nil {
		return transform.Policy{}, err
	}
	return transform.Policy{
		Mode:          mode,
		MinSize:       c.Policy.MinCompressSize,
		LatticeStride: c.Policy.LatticeStride,
		VetoThreshold: c.Policy.VetoThreshold,
	}, nil
}

// EnsureVolumeDirectory creates the parent of Volume.Path.
func (c *Config) EnsureVolumeDirectory() error {
	if c.Volume.Backend == "memory" {
		return nil
	}
	directory := filepath.Dir(c.Volume.Path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", directory, err)
	}
	return nil
}
