// Package config loads and validates rownumber job files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/rownumber/core"
	"github.com/petal-labs/rownumber/partition"
)

const (
	projectConfigName = "rownumber.yaml"
	homeConfigName    = "config.yaml"
)

// Defaults applied to fields left unset.
const (
	DefaultPartitions       = 10
	DefaultSplitSize        = 64 << 20
	DefaultMaxShardAttempts = 3
	DefaultProgressEvery    = 10000
)

// Partitioner names.
const (
	PartitionerHash  = "hash"
	PartitionerRange = "range"
)

// ErrUnknownPartitioner is returned for a partitioner name other than
// "hash" or "range".
var ErrUnknownPartitioner = errors.New("unknown partitioner")

// Config is the shape of a rownumber.yaml job file.
type Config struct {
	Inputs           []string        `yaml:"inputs,omitempty"`
	Partitions       int             `yaml:"partitions,omitempty"`
	Partitioner      string          `yaml:"partitioner,omitempty"`
	Boundaries       []string        `yaml:"boundaries,omitempty"`
	Concurrency      int             `yaml:"concurrency,omitempty"`
	SplitSize        int64           `yaml:"split_size,omitempty"`
	MaxShardAttempts int             `yaml:"max_shard_attempts,omitempty"`
	ProgressEvery    int64           `yaml:"progress_every,omitempty"`
	Output           OutputConfig    `yaml:"output,omitempty"`
	Store            StoreConfig     `yaml:"store,omitempty"`
	Events           EventsConfig    `yaml:"events,omitempty"`
	Schedule         string          `yaml:"schedule,omitempty"`
	Telemetry        TelemetryConfig `yaml:"telemetry,omitempty"`
}

// OutputConfig controls where numbered partitions are written.
type OutputConfig struct {
	Dir      string `yaml:"dir,omitempty"`
	Compress bool   `yaml:"compress,omitempty"`
}

// StoreConfig selects the shuffle store. An empty DSN keeps tokens in memory.
type StoreConfig struct {
	DSN string `yaml:"dsn,omitempty"`
}

// EventsConfig enables persistent event history in SQLite.
type EventsConfig struct {
	DSN           string `yaml:"dsn,omitempty"`
	RetentionRuns int    `yaml:"retention_runs,omitempty"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// Default returns a Config with every default applied.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unset fields. A range partitioner with no explicit
// partition count gets one partition per boundary interval.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Partitioner) == "" {
		c.Partitioner = PartitionerHash
	}
	if c.Partitions == 0 {
		if c.Partitioner == PartitionerRange && len(c.Boundaries) > 0 {
			c.Partitions = len(c.Boundaries) + 1
		} else {
			c.Partitions = DefaultPartitions
		}
	}
	if c.SplitSize == 0 {
		c.SplitSize = DefaultSplitSize
	}
	if c.MaxShardAttempts == 0 {
		c.MaxShardAttempts = DefaultMaxShardAttempts
	}
	if c.ProgressEvery == 0 {
		c.ProgressEvery = DefaultProgressEvery
	}
}

// Validate reports the first invalid field. Errors wrap core.ErrConfiguration;
// a bad partitioner name additionally wraps ErrUnknownPartitioner.
func (c *Config) Validate() error {
	if _, err := core.NewConfig(c.Partitions); err != nil {
		return err
	}
	if c.Concurrency < 0 {
		return configError("concurrency must be >= 0, got %d", c.Concurrency)
	}
	if c.SplitSize < 0 {
		return configError("split_size must be >= 0, got %d", c.SplitSize)
	}
	if c.MaxShardAttempts < 1 {
		return configError("max_shard_attempts must be >= 1, got %d", c.MaxShardAttempts)
	}
	if c.ProgressEvery < 0 {
		return configError("progress_every must be >= 0, got %d", c.ProgressEvery)
	}
	if c.Events.RetentionRuns < 0 {
		return configError("events.retention_runs must be >= 0, got %d", c.Events.RetentionRuns)
	}
	_, err := c.NewPartitioner()
	return err
}

// NewPartitioner builds the configured partitioner.
func (c *Config) NewPartitioner() (partition.Partitioner, error) {
	switch strings.ToLower(strings.TrimSpace(c.Partitioner)) {
	case PartitionerHash, "":
		if len(c.Boundaries) > 0 {
			return nil, configError("boundaries are only valid with the range partitioner")
		}
		return partition.Hash{}, nil
	case PartitionerRange:
		r, err := partition.NewRange(c.Boundaries)
		if err != nil {
			return nil, err
		}
		if r.Partitions() != c.Partitions {
			return nil, configError("%d boundaries define %d partitions, but partitions is %d",
				len(c.Boundaries), r.Partitions(), c.Partitions)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %w %q", core.ErrConfiguration, ErrUnknownPartitioner, c.Partitioner)
	}
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfiguration, fmt.Sprintf(format, args...))
}

// DiscoverPath resolves the job file location with first-match semantics.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".rownumber", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found: %w", candidate, os.ErrNotExist)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads a job file. Relative input, output and store paths are
// resolved against the file's directory, and $VAR references are expanded.
// Defaults are not applied.
func Load(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	for i, in := range cfg.Inputs {
		cfg.Inputs[i] = resolveConfigRelative(baseDir, in)
	}
	if cfg.Output.Dir != "" {
		cfg.Output.Dir = resolveConfigRelative(baseDir, cfg.Output.Dir)
	}
	return cfg, nil
}

// Parse decodes a job file body. Unknown fields are rejected.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", core.ErrConfiguration, err)
	}

	for i, in := range cfg.Inputs {
		cfg.Inputs[i] = expandEnvValue(in)
	}
	cfg.Output.Dir = expandEnvValue(cfg.Output.Dir)
	cfg.Store.DSN = expandEnvValue(cfg.Store.DSN)
	cfg.Events.DSN = expandEnvValue(cfg.Events.DSN)
	cfg.Telemetry.OTLPEndpoint = expandEnvValue(cfg.Telemetry.OTLPEndpoint)
	return cfg, nil
}

func expandEnvValue(value string) string {
	return strings.TrimSpace(os.ExpandEnv(value))
}

func resolveConfigRelative(baseDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
