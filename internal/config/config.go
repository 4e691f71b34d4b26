// Package config loads and validates the YAML ensemble file that
// describes a run: worker count, termination criteria, and which
// allocator to use.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StopValConfig is the YAML shape of a stop_val termination criterion.
type StopValConfig struct {
	Field string `yaml:"field"`
	Threshold float64 `yaml:"threshold"`
}

// ExitCriteriaConfig is the YAML shape of exit_criteria.
type ExitCriteriaConfig struct {
	SimMax int `yaml:"sim_max"`
	GenMax int `yaml:"gen_max"`
	ElapsedWallclockTime string `yaml:"elapsed_wallclock_time"`
	StopVal *StopValConfig `yaml:"stop_val"`
}

// AllocConfig selects and parameterizes the allocator.
type AllocConfig struct {
	// Name is "give_sim_work_first" or "persistent_aware".
	Name string `yaml:"name"`
	GenBatch int `yaml:"gen_batch"`
	InitialSampleSize int `yaml:"initial_sample_size"`
	// ReserveWorkers only applies to persistent_aware: how many idle
	// workers the generator's dispatch reserves as a blocking set.
	ReserveWorkers int `yaml:"reserve_workers"`
}

// SnapshotConfig controls periodic history persistence.
type SnapshotConfig struct {
	Path string `yaml:"path"`
	SaveEveryK int `yaml:"save_every_k"`
}

// Config is the top-level ensemble file.
type Config struct {
	NumWorkers int `yaml:"num_workers"`
	BufferDepth int `yaml:"buffer_depth"`
	WorkerTimeoutSecs int `yaml:"worker_timeout_seconds"`
	LogLevel string `yaml:"log_level"`
	ExitCriteria ExitCriteriaConfig `yaml:"exit_criteria"`
	Alloc AllocConfig `yaml:"alloc_specs"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// Default returns the configuration used when no ensemble file is
// given (e.g. `ensemblectl run --demo`).
func Default() *Config {
	return &Config{
		NumWorkers: 4,
		BufferDepth: 2,
		WorkerTimeoutSecs: 30,
		LogLevel: "info",
		ExitCriteria: ExitCriteriaConfig{SimMax: 100},
		Alloc: AllocConfig{Name: "give_sim_work_first", GenBatch: 1},
		Snapshot: SnapshotConfig{Path: "ensemble_history.db", SaveEveryK: 25},
	}
}

// Load reads and validates an ensemble file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
