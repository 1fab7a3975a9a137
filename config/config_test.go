package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/petal-labs/rownumber/core"
	"github.com/petal-labs/rownumber/partition"
)

func TestDiscoverPathFrom_FirstMatchWins(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()

	projectConfig := filepath.Join(cwd, "rownumber.yaml")
	if err := os.WriteFile(projectConfig, []byte("partitions: 3\n"), 0o600); err != nil {
		t.Fatalf("WriteFile(project config) error = %v", err)
	}

	homeConfigDir := filepath.Join(home, ".rownumber")
	if err := os.MkdirAll(homeConfigDir, 0o755); err != nil {
		t.Fatalf("MkdirAll(home config dir) error = %v", err)
	}
	homeConfig := filepath.Join(homeConfigDir, "config.yaml")
	if err := os.WriteFile(homeConfig, []byte("partitions: 4\n"), 0o600); err != nil {
		t.Fatalf("WriteFile(home config) error = %v", err)
	}

	got, found, err := DiscoverPathFrom("", cwd, home)
	if err != nil {
		t.Fatalf("DiscoverPathFrom() error = %v", err)
	}
	if !found || got != projectConfig {
		t.Fatalf("path = %q, found = %v; want %q", got, found, projectConfig)
	}

	if err := os.Remove(projectConfig); err != nil {
		t.Fatal(err)
	}
	got, found, err = DiscoverPathFrom("", cwd, home)
	if err != nil || !found || got != homeConfig {
		t.Fatalf("fallback path = %q, found = %v, err = %v; want %q", got, found, err, homeConfig)
	}
}

func TestDiscoverPathFrom_NoneFound(t *testing.T) {
	got, found, err := DiscoverPathFrom("", t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("DiscoverPathFrom() error = %v", err)
	}
	if found || got != "" {
		t.Fatalf("path = %q, found = %v; want nothing", got, found)
	}
}

func TestDiscoverPathFrom_ExplicitNotFound(t *testing.T) {
	_, found, err := DiscoverPathFrom(filepath.Join(t.TempDir(), "missing.yaml"), t.TempDir(), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want os.ErrNotExist", err)
	}
	if found {
		t.Fatal("found = true, want false")
	}
}

func TestLoad_ResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rownumber.yaml")
	body := `inputs:
  - data/a.txt
  - /abs/b.txt
partitions: 3
partitioner: range
boundaries: ["g", "p"]
output:
  dir: out
  compress: true
store:
  dsn: ${ROWNUMBER_TEST_STORE}
schedule: "*/5 * * * *"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ROWNUMBER_TEST_STORE", "shuffle.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Inputs[0] != filepath.Join(dir, "data", "a.txt") || cfg.Inputs[1] != "/abs/b.txt" {
		t.Errorf("Inputs = %v", cfg.Inputs)
	}
	if cfg.Output.Dir != filepath.Join(dir, "out") || !cfg.Output.Compress {
		t.Errorf("Output = %+v", cfg.Output)
	}
	if cfg.Store.DSN != "shuffle.db" {
		t.Errorf("Store.DSN = %q", cfg.Store.DSN)
	}
	if cfg.Schedule != "*/5 * * * *" {
		t.Errorf("Schedule = %q", cfg.Schedule)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	p, err := cfg.NewPartitioner()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*partition.Range); !ok {
		t.Errorf("partitioner = %T, want *partition.Range", p)
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("partitons: 3\n"))
	if !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) error = %v", err)
	}
	cfg.ApplyDefaults()
	if cfg.Partitions != DefaultPartitions || cfg.Partitioner != PartitionerHash {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestApplyDefaults_RangeDerivesPartitions(t *testing.T) {
	cfg := Config{Partitioner: PartitionerRange, Boundaries: []string{"b", "d", "f"}}
	cfg.ApplyDefaults()
	if cfg.Partitions != 4 {
		t.Errorf("Partitions = %d, want 4", cfg.Partitions)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Config)
		wantErr    bool
		wantUnknown bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero partitions", mutate: func(c *Config) { c.Partitions = -1 }, wantErr: true},
		{name: "negative concurrency", mutate: func(c *Config) { c.Concurrency = -2 }, wantErr: true},
		{name: "negative split size", mutate: func(c *Config) { c.SplitSize = -1 }, wantErr: true},
		{name: "zero attempts", mutate: func(c *Config) { c.MaxShardAttempts = -1 }, wantErr: true},
		{name: "negative retention", mutate: func(c *Config) { c.Events.RetentionRuns = -1 }, wantErr: true},
		{name: "unknown partitioner", mutate: func(c *Config) { c.Partitioner = "modulo" }, wantErr: true, wantUnknown: true},
		{name: "hash with boundaries", mutate: func(c *Config) { c.Boundaries = []string{"m"} }, wantErr: true},
		{
			name: "range mismatch",
			mutate: func(c *Config) {
				c.Partitioner = PartitionerRange
				c.Boundaries = []string{"m"}
				c.Partitions = 5
			},
			wantErr: true,
		},
		{
			name: "range unsorted",
			mutate: func(c *Config) {
				c.Partitioner = PartitionerRange
				c.Boundaries = []string{"m", "a"}
				c.Partitions = 3
			},
			wantErr: true,
		},
		{
			name: "range ok",
			mutate: func(c *Config) {
				c.Partitioner = PartitionerRange
				c.Boundaries = []string{"m"}
				c.Partitions = 2
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, core.ErrConfiguration) {
				t.Errorf("error %v does not wrap ErrConfiguration", err)
			}
			if tt.wantUnknown && !errors.Is(err, ErrUnknownPartitioner) {
				t.Errorf("error %v does not wrap ErrUnknownPartitioner", err)
			}
		})
	}
}
