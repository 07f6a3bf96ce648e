// Package config loads the sync engine's node configuration from a TOML
// file with environment-variable overrides, the way
// 0xkanth-polymarket-indexer's util.InitConfig loads its chain/indexer
// settings: a koanf.Koanf fed first by a file.Provider/toml.Parser pair,
// then by an env.Provider mapping a SYNC_ variable onto the matching key:
// only the underscore after a section name (chunking, calibration,
// transport, reconciler, clock) becomes a dot, so SYNC_NODE_ID sets
// node_id and SYNC_CHUNKING_MIN_SIZE sets chunking.min_size.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rachitkumar205/notesync/internal/chunk"
)

// ChunkingConfig controls internal/chunk's adaptive window curve,
// per spec.md §6's named configuration options.
type ChunkingConfig struct {
	Preset      string  `koanf:"preset"` // "volatile" or "stable"
	Alpha       float64 `koanf:"alpha"`
	MinSize     int     `koanf:"min_size"`
	MaxSize     int     `koanf:"max_size"`
	AgeBucketMS uint64  `koanf:"age_bucket_ms"`
}

// CalibrationConfig controls internal/calibrator.
type CalibrationConfig struct {
	Samples           int   `koanf:"samples"`
	EmergencySamples  int   `koanf:"emergency_samples"`
	OffsetThresholdMS int64 `koanf:"offset_threshold_ms"`
	TTLMS             int64 `koanf:"ttl_ms"`
}

// TransportConfig controls internal/syncrpc session timeouts.
type TransportConfig struct {
	MessageTimeoutMS int64 `koanf:"message_timeout_ms"`
}

// ReconcilerConfig controls internal/reconcile backpressure.
type ReconcilerConfig struct {
	MaxStagedBytes int64 `koanf:"max_staged_bytes"`
}

// ClockConfig controls internal/hlc's backward-jump protection.
type ClockConfig struct {
	BackwardFatalMS int64 `koanf:"backward_fatal_ms"`
	CatchupStepMS   int64 `koanf:"catchup_step_ms"`
}

// Config is the complete node configuration for cmd/syncd.
type Config struct {
	NodeID      string   `koanf:"node_id"`
	ListenAddr  string   `koanf:"listen_addr"`
	MetricsAddr string   `koanf:"metrics_addr"`
	Peers       []string `koanf:"peers"`
	Tables      []string `koanf:"tables"`

	// MasterAddr is this node's designated Cristian's-algorithm time
	// master. Empty means this deployment runs master-less (the
	// Calibrator is disabled and every node trusts its own wall clock),
	// per spec.md §9's open question on master unavailability.
	MasterAddr string `koanf:"master_addr"`

	// SyncInterval is how often the scheduler opens an outbound session
	// to each (peer, table) pair.
	SyncIntervalMS int64 `koanf:"sync_interval_ms"`

	// HealthProbeIntervalMS/HealthProbeTimeoutMS control internal/health.
	HealthProbeIntervalMS int64 `koanf:"health_probe_interval_ms"`
	HealthProbeTimeoutMS  int64 `koanf:"health_probe_timeout_ms"`

	Chunking    ChunkingConfig    `koanf:"chunking"`
	Calibration CalibrationConfig `koanf:"calibration"`
	Transport   TransportConfig   `koanf:"transport"`
	Reconciler  ReconcilerConfig  `koanf:"reconciler"`
	Clock       ClockConfig       `koanf:"clock"`
}

// Defaults returns a Config populated with spec.md §6's defaults.
func Defaults() Config {
	return Config{
		NodeID:                "node1",
		ListenAddr:            ":7070",
		MetricsAddr:           ":9090",
		Tables:                []string{"tracks", "albums", "playlists", "mixes"},
		SyncIntervalMS:        30_000,
		HealthProbeIntervalMS: 10_000,
		HealthProbeTimeoutMS:  2_000,
		Chunking: ChunkingConfig{
			Preset:      "volatile",
			Alpha:       0.3,
			MinSize:     32,
			MaxSize:     10000,
			AgeBucketMS: 86_400_000,
		},
		Calibration: CalibrationConfig{
			Samples:           5,
			EmergencySamples:  10,
			OffsetThresholdMS: 500,
			TTLMS:             60_000,
		},
		Transport: TransportConfig{
			MessageTimeoutMS: 30_000,
		},
		Reconciler: ReconcilerConfig{
			MaxStagedBytes: 67_108_864,
		},
		Clock: ClockConfig{
			BackwardFatalMS: 1_000,
			CatchupStepMS:   100,
		},
	}
}

// Load reads configPath (a TOML file) into a Config seeded with
// Defaults(), then applies SYNC_-prefixed environment overrides, e.g.
// SYNC_CHUNKING_ALPHA overrides chunking.alpha.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	ko := koanf.New(".")

	if configPath != "" {
		if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", configPath, err)
		}
	}

	err := ko.Load(env.Provider("SYNC_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "SYNC_"))
		for _, sec := range []string{"chunking", "calibration", "transport", "reconciler", "clock"} {
			if strings.HasPrefix(s, sec+"_") {
				return sec + "." + strings.TrimPrefix(s, sec+"_")
			}
		}
		return s
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("config: load env overrides: %w", err)
	}

	if err := ko.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded configuration against spec.md §6's
// constraints.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("config: node_id cannot be empty")
	}
	if c.Chunking.MinSize < 1 {
		return fmt.Errorf("config: chunking.min_size must be >= 1, got %d", c.Chunking.MinSize)
	}
	if c.Chunking.MaxSize > 10_000 {
		return fmt.Errorf("config: chunking.max_size must be <= 10000, got %d", c.Chunking.MaxSize)
	}
	if c.Chunking.MinSize > c.Chunking.MaxSize {
		return fmt.Errorf("config: chunking.min_size (%d) exceeds max_size (%d)", c.Chunking.MinSize, c.Chunking.MaxSize)
	}
	if c.Calibration.Samples < 1 {
		return fmt.Errorf("config: calibration.samples must be >= 1, got %d", c.Calibration.Samples)
	}
	return nil
}

// MessageTimeout returns Transport.MessageTimeoutMS as a Duration.
func (c *Config) MessageTimeout() time.Duration {
	return time.Duration(c.Transport.MessageTimeoutMS) * time.Millisecond
}

// CalibrationTTL returns Calibration.TTLMS as a Duration.
func (c *Config) CalibrationTTL() time.Duration {
	return time.Duration(c.Calibration.TTLMS) * time.Millisecond
}

// SyncInterval returns SyncIntervalMS as a Duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMS) * time.Millisecond
}

// HealthProbeInterval returns HealthProbeIntervalMS as a Duration.
func (c *Config) HealthProbeInterval() time.Duration {
	return time.Duration(c.HealthProbeIntervalMS) * time.Millisecond
}

// HealthProbeTimeout returns HealthProbeTimeoutMS as a Duration.
func (c *Config) HealthProbeTimeout() time.Duration {
	return time.Duration(c.HealthProbeTimeoutMS) * time.Millisecond
}

// resolveAlpha returns the configured Alpha if set, otherwise the decay
// exponent named by Preset ("volatile"=0.3, "stable"=0.6 per spec.md §6).
func (c *ChunkingConfig) resolveAlpha() float64 {
	if c.Alpha != 0 {
		return c.Alpha
	}
	switch c.Preset {
	case "stable":
		return 0.6
	default:
		return 0.3
	}
}

// ChunkConfig translates ChunkingConfig into internal/chunk's own Config
// type, resolving the named Preset if Alpha was left unset.
func (c *Config) ChunkConfig() chunk.Config {
	return chunk.Config{
		MinSize:     c.Chunking.MinSize,
		MaxSize:     c.Chunking.MaxSize,
		Alpha:       c.Chunking.resolveAlpha(),
		AgeBucketMS: c.Chunking.AgeBucketMS,
	}
}
