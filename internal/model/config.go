package model

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration as stored on disk.
type Config struct {
	Version  int       `yaml:"version" mapstructure:"version"` // fixed 0 for now
	Backend  Backend   `yaml:"backend" mapstructure:"backend"`
	History  *History  `yaml:"history,omitempty" mapstructure:"history"`
	Schedule *Schedule `yaml:"schedule,omitempty" mapstructure:"schedule"`
	Service  Service   `yaml:"service" mapstructure:"service"`
}

// Backend names the helper script the daemon dispatches work to.
type Backend struct {
	Path string            `yaml:"path" mapstructure:"path"`
	Args []string          `yaml:"args,omitempty" mapstructure:"args"`
	Env  map[string]string `yaml:"env,omitempty" mapstructure:"env"`
	// SpawnNiceValue is the scheduling priority for spawned helpers,
	// clamped to [-20, 19] when applied; 0 means no adjustment.
	SpawnNiceValue int `yaml:"spawn_nice_value,omitempty" mapstructure:"spawn_nice_value"`
}

// History configures the on-disk invocation history.
type History struct {
	Enabled *bool  `yaml:"enabled,omitempty" mapstructure:"enabled"`
	Path    string `yaml:"path,omitempty" mapstructure:"path"`
}

// Schedule describes the standing request the daemon submits on a timer.
// Exactly one of Cron or Each must be set.
type Schedule struct {
	Cron    string   `yaml:"cron,omitempty" mapstructure:"cron"`       // 5-field expression or @macro
	Each    string   `yaml:"each,omitempty" mapstructure:"each"`       // e.g. "12h", "1d6h"
	Request []string `yaml:"request,omitempty" mapstructure:"request"` // backend arguments
}

// Service holds daemon-wide settings.
type Service struct {
	Verbose bool `yaml:"verbose,omitempty" mapstructure:"verbose"`
}

// Argv builds the argument vector for one backend invocation.
func (b Backend) Argv(request ...string) []string {
	argv := make([]string, 0, 1+len(b.Args)+len(request))
	argv = append(argv, b.Path)
	argv = append(argv, b.Args...)
	argv = append(argv, request...)
	return argv
}

// Envp renders the configured environment as KEY=VALUE pairs in a stable
// order, so two invocations of the same configuration compare equal. Values
// starting with $ are expanded from the daemon environment.
func (b Backend) Envp() []string {
	if len(b.Env) == 0 {
		return nil
	}
	envp := make([]string, 0, len(b.Env))
	for _, k := range slices.Sorted(maps.Keys(b.Env)) {
		v := b.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		envp = append(envp, k+"="+v)
	}
	return envp
}

// HistoryEnabled reports whether invocations should be persisted.
func (c Config) HistoryEnabled() bool {
	return c.History != nil && c.History.Path != "" &&
		(c.History.Enabled == nil || *c.History.Enabled)
}

// DefaultConfig is what a fresh installation starts with.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Backend: Backend{
			Path: "/usr/libexec/spawnd/backend.sh",
		},
	}
}

// LoadConfig decodes and validates YAML from r.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StoreConfig serializes cfg as YAML into w.
func StoreConfig(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}

// Validate checks the constraints yaml decoding cannot express.
func (c Config) Validate() error {
	if c.Version != 0 {
		return fmt.Errorf("%w: version %d, expected 0", ErrConfigVersion, c.Version)
	}
	if c.Backend.Path == "" {
		return ErrNoBackend
	}
	if c.Schedule != nil {
		if err := c.Schedule.Validate(); err != nil {
			return err
		}
	}
	return nil
}
