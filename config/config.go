// Package config loads the node-level settings that select a deployment's
// distribution mode, registry backend, and the runtime-wide defaults worker
// construction otherwise falls back to on a per-Config zero value (§5, §7
// Configuration row). It follows the same plain-struct-plus-zero-value-
// defaults convention as engine.ActivityOptions rather than a functional-
// options or viper-backed builder.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure Load returns, so callers
// can errors.Is against it instead of string-matching (§7's error table;
// mirrors pipeline.ErrExceededMaxRuns's sentinel-plus-%w convention).
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Duration is time.Duration with YAML support for Go duration strings
// ("90s", "5m"): yaml.v3 otherwise unmarshals a plain int64 into a bare
// time.Duration field, silently misreading "90s" as 90 nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// DistributionMode selects how a node places and looks up AgentWorkers.
type DistributionMode string

const (
	// ModeLocal keeps placement and the Registry entirely in-process
	// (registry.Config.Clustered = false).
	ModeLocal DistributionMode = "local"
	// ModeClustered joins a Pulse-replicated Registry over Redis
	// (registry.Config.Clustered = true).
	ModeClustered DistributionMode = "clustered"
)

// RegistryBackend selects the store.Store implementation a clustered
// Registry uses to persist Key→Handle placements.
type RegistryBackend string

const (
	// RegistryBackendMemory uses store/memory; only valid with ModeLocal.
	RegistryBackendMemory RegistryBackend = "memory"
	// RegistryBackendReplicated uses store/replicated over Redis; required
	// for ModeClustered.
	RegistryBackendReplicated RegistryBackend = "replicated"
)

// Config captures every node-level setting the spec calls out as carrying a
// documented default (§5 Concurrency & Resource Model, §7). Zero-valued
// fields fall back to the same constants worker/pipeline/registry already
// default to internally, so a Config built by hand (as in tests) behaves
// identically to one read from YAML with those fields omitted.
type Config struct {
	// Mode selects local or clustered placement. Defaults to ModeLocal.
	Mode DistributionMode `yaml:"mode"`

	// RegistryName identifies this node's Registry for Pulse resource
	// naming when Mode is ModeClustered. Required in that mode.
	RegistryName string `yaml:"registry_name"`
	// RegistryBackend selects the store.Store implementation. Defaults to
	// RegistryBackendMemory for ModeLocal and RegistryBackendReplicated for
	// ModeClustered.
	RegistryBackend RegistryBackend `yaml:"registry_backend"`
	// RedisAddr is the Redis connection string used to join the replicated
	// map. Required when RegistryBackend is RegistryBackendReplicated.
	RedisAddr string `yaml:"redis_addr"`

	// DefaultInactivityTimeout bounds how long an Idle worker with no
	// pending command waits before shutting itself down. Zero means use
	// worker's own default (5 minutes, §5).
	DefaultInactivityTimeout Duration `yaml:"default_inactivity_timeout"`
	// DefaultMaxRuns bounds LLM calls per top-level run when an
	// AgentConfig does not set its own. Zero means use pipeline's own
	// default (50).
	DefaultMaxRuns int `yaml:"default_max_runs"`
	// DefaultPresenceGrace bounds how long a worker with zero viewers
	// waits before shutting down. Zero means use worker's own default (5
	// seconds).
	DefaultPresenceGrace Duration `yaml:"default_presence_grace"`

	// TemporalTaskQueue names the default Temporal task queue workflows
	// and activities register against when the Temporal engine is in use.
	// Required when the Temporal engine is selected; ignored by
	// engine/inmem.
	TemporalTaskQueue string `yaml:"temporal_task_queue"`
}

// envOverrides lists the environment variables Load layers over a YAML
// file's values, keyed by the Config field they override. Present only for
// settings an operator plausibly needs to flip per-deployment without
// editing a checked-in file (distribution mode and connection strings);
// structural fields like RegistryName are file-only.
var envOverrides = map[string]func(*Config, string) error{
	"SAGENTS_MODE": func(c *Config, v string) error {
		c.Mode = DistributionMode(v)
		return nil
	},
	"SAGENTS_REGISTRY_BACKEND": func(c *Config, v string) error {
		c.RegistryBackend = RegistryBackend(v)
		return nil
	},
	"SAGENTS_REDIS_ADDR": func(c *Config, v string) error {
		c.RedisAddr = v
		return nil
	},
	"SAGENTS_TEMPORAL_TASK_QUEUE": func(c *Config, v string) error {
		c.TemporalTaskQueue = v
		return nil
	},
}

// Load reads an optional YAML file at path (skipped entirely when path is
// empty or does not exist), layers environment overrides on top, applies
// defaults, and validates the result. Any failure is returned synchronously,
// wrapped in ErrInvalidConfig — Load never returns a Config that fails
// lazily once the node is running (§7, Configuration row).
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
			}
		}
	}
	for name, apply := range envOverrides {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := apply(cfg, v); err != nil {
			return nil, fmt.Errorf("%w: env %s: %v", ErrInvalidConfig, name, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeLocal
	}
	if c.RegistryBackend == "" {
		if c.Mode == ModeClustered {
			c.RegistryBackend = RegistryBackendReplicated
		} else {
			c.RegistryBackend = RegistryBackendMemory
		}
	}
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeLocal, ModeClustered:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	switch c.RegistryBackend {
	case RegistryBackendMemory, RegistryBackendReplicated:
	default:
		return fmt.Errorf("unknown registry_backend %q", c.RegistryBackend)
	}
	if c.Mode == ModeClustered {
		if c.RegistryName == "" {
			return errors.New("registry_name is required in clustered mode")
		}
		if c.RegistryBackend != RegistryBackendReplicated {
			return fmt.Errorf("clustered mode requires registry_backend %q, got %q", RegistryBackendReplicated, c.RegistryBackend)
		}
		if c.RedisAddr == "" {
			return errors.New("redis_addr is required in clustered mode")
		}
	}
	if c.DefaultInactivityTimeout < 0 {
		return errors.New("default_inactivity_timeout must not be negative")
	}
	if c.DefaultMaxRuns < 0 {
		return errors.New("default_max_runs must not be negative")
	}
	if c.DefaultPresenceGrace < 0 {
		return errors.New("default_presence_grace must not be negative")
	}
	return nil
}
