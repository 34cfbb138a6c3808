package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes from YAML strings like "90s" or "10m", or from a
// bare integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler. yaml.v3 decodes a bare
// integer scalar into a string without complaint, so the seconds form is
// detected by the node tag rather than a failed string decode.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return fmt.Errorf("invalid duration: %s", value.Value)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %s", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Sandbox holds defaults for containerized step execution.
type Sandbox struct {
	Image       string   `yaml:"image"`
	MemoryLimit int64    `yaml:"memory_limit"`
	CPULimit    float64  `yaml:"cpu_limit"`
	NetworkMode string   `yaml:"network_mode"`
	Timeout     Duration `yaml:"timeout"`

	// HostPathFrom/HostPathTo rewrite sandbox mount paths when the
	// orchestrator's view of the filesystem differs from the container
	// runtime host's (nested virtualization).
	HostPathFrom string `yaml:"host_path_from"`
	HostPathTo   string `yaml:"host_path_to"`
}

// Scheduler holds the trigger loop settings.
type Scheduler struct {
	Interval  Duration `yaml:"interval"`
	Tolerance Duration `yaml:"tolerance"`
	Retention Duration `yaml:"retention"`
}

// Config is the orchestrator daemon configuration.
type Config struct {
	// WorkRoot is where per-run sandbox directories are allocated.
	WorkRoot string `yaml:"work_root"`

	// PipelineDir holds the persisted pipeline definitions (*.json).
	PipelineDir string `yaml:"pipeline_dir"`

	// DataDir holds the run-history database.
	DataDir string `yaml:"data_dir"`

	// ListenAddr serves the live event stream.
	ListenAddr string `yaml:"listen_addr"`

	// GlobalVars are merged into every run's environment.
	GlobalVars map[string]string `yaml:"global_vars"`

	// Environments are named variable sets selectable per pipeline.
	Environments map[string]map[string]string `yaml:"environments"`

	Sandbox   Sandbox   `yaml:"sandbox"`
	Scheduler Scheduler `yaml:"scheduler"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WorkRoot:    "work",
		PipelineDir: "pipelines",
		DataDir:     "data",
		ListenAddr:  ":8714",
		Sandbox: Sandbox{
			Image:       "alpine:latest",
			MemoryLimit: 512 * 1024 * 1024,
			CPULimit:    1.0,
			NetworkMode: "bridge",
			Timeout:     Duration(10 * time.Minute),
		},
		Scheduler: Scheduler{
			Interval:  Duration(time.Minute),
			Tolerance: Duration(90 * time.Second),
			Retention: Duration(time.Hour),
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
