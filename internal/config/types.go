package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option.
type Config struct {
	Server ServerConfig `koanf:"server"`
}

// ServerConfig collects the bootstrap knobs consumed by main at startup.
type ServerConfig struct {
	Listen   ListenConfig   `koanf:"listen"`
	Logging  LoggingConfig  `koanf:"logging"`
	Rules    RulesConfig    `koanf:"rules"`
	Cache    CacheConfig    `koanf:"cache"`
	Pipeline PipelineConfig `koanf:"pipeline"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// RulesConfig announces how rule documents are sourced. Folder and file may
// both be set; their documents are merged.
type RulesConfig struct {
	RulesFolder string `koanf:"rulesFolder"`
	RulesFile   string `koanf:"rulesFile"`
	Watch       bool   `koanf:"watch"`
}

// CacheConfig covers the pre-filter and the three verdict tiers.
type CacheConfig struct {
	Namespace   string            `koanf:"namespace"`
	KeySalt     string            `koanf:"keySalt"`
	Epoch       int               `koanf:"epoch"`
	PreFilter   PreFilterConfig   `koanf:"prefilter"`
	Memory      MemoryTierConfig  `koanf:"memory"`
	Rule        RuleTierConfig    `koanf:"rule"`
	Distributed DistributedConfig `koanf:"distributed"`
}

type PreFilterConfig struct {
	Capacity          uint    `koanf:"capacity"`
	FalsePositiveRate float64 `koanf:"falsePositiveRate"`
	// FastReject skips the tier lookups on a "never seen" answer. Leave
	// off when replicas share a distributed tier.
	FastReject bool `koanf:"fastReject"`
}

type MemoryTierConfig struct {
	CapacityBytes int64 `koanf:"capacityBytes"`
}

type RuleTierConfig struct {
	CapacityBytes int64 `koanf:"capacityBytes"`
}

// DistributedConfig selects the tier-3 backend. "none" disables the tier.
type DistributedConfig struct {
	Backend string       `koanf:"backend"`
	TTL     string       `koanf:"ttl"`
	Valkey  ValkeyConfig `koanf:"valkey"`
}

type ValkeyConfig struct {
	Address    string          `koanf:"address"`
	Username   string          `koanf:"username"`
	Password   string          `koanf:"password"`
	DB         int             `koanf:"db"`
	MaxRetries int             `koanf:"maxRetries"`
	TLS        ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// PipelineConfig bounds the validation pipeline: the overall evaluation
// deadline, per-stage budgets, breaker behavior, and aggregation knobs.
type PipelineConfig struct {
	Deadline        string            `koanf:"deadline"`
	MaxContentBytes int               `koanf:"maxContentBytes"`
	Stages          StageTimeouts     `koanf:"stages"`
	Breaker         BreakerConfig     `koanf:"breaker"`
	Aggregation     AggregationConfig `koanf:"aggregation"`
}

type StageTimeouts struct {
	Syntax   string `koanf:"syntax"`
	Semantic string `koanf:"semantic"`
	Domain   string `koanf:"domain"`
}

type BreakerConfig struct {
	FailureThreshold uint   `koanf:"failureThreshold"`
	RecoveryTimeout  string `koanf:"recoveryTimeout"`
}

type AggregationConfig struct {
	VetoThreshold   float64      `koanf:"vetoThreshold"`
	AcceptThreshold float64      `koanf:"acceptThreshold"`
	Weights         StageWeights `koanf:"weights"`
}

type StageWeights struct {
	Syntax   float64 `koanf:"syntax"`
	Semantic float64 `koanf:"semantic"`
	Domain   float64 `koanf:"domain"`
}

// Durations resolves the per-stage budgets, dropping unset or malformed
// entries so the pipeline falls back to its own defaults.
func (s StageTimeouts) Durations() map[string]time.Duration {
	out := make(map[string]time.Duration, 3)
	for stage, raw := range map[string]string{
		"syntax":   s.Syntax,
		"semantic": s.Semantic,
		"domain":   s.Domain,
	} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			out[stage] = d
		}
	}
	return out
}

// DeadlineDuration resolves the overall evaluation deadline; zero means use
// the runtime default.
func (p PipelineConfig) DeadlineDuration() time.Duration {
	return parseDuration(p.Deadline)
}

// RecoveryDuration resolves the breaker recovery window; zero means use the
// pipeline default.
func (b BreakerConfig) RecoveryDuration() time.Duration {
	return parseDuration(b.RecoveryTimeout)
}

// TTLDuration resolves the tier-3 entry lifetime; zero means use the
// runtime default.
func (d DistributedConfig) TTLDuration() time.Duration {
	return parseDuration(d.TTL)
}

// Enabled reports whether a tier-3 backend is configured.
func (d DistributedConfig) Enabled() bool {
	backend := strings.TrimSpace(strings.ToLower(d.Backend))
	return backend != "" && backend != "none"
}

func parseDuration(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	switch strings.ToLower(c.Server.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level unsupported: %s", c.Server.Logging.Level)
	}
	switch strings.ToLower(c.Server.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("config: logging.format unsupported: %s", c.Server.Logging.Format)
	}
	if c.Server.Cache.Epoch < 1 {
		return fmt.Errorf("config: cache.epoch invalid: %d", c.Server.Cache.Epoch)
	}
	if fp := c.Server.Cache.PreFilter.FalsePositiveRate; fp < 0 || fp >= 1 {
		return fmt.Errorf("config: cache.prefilter.falsePositiveRate invalid: %g", fp)
	}
	if c.Server.Cache.Memory.CapacityBytes < 0 {
		return fmt.Errorf("config: cache.memory.capacityBytes invalid: %d", c.Server.Cache.Memory.CapacityBytes)
	}
	if c.Server.Cache.Rule.CapacityBytes < 0 {
		return fmt.Errorf("config: cache.rule.capacityBytes invalid: %d", c.Server.Cache.Rule.CapacityBytes)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Distributed.Backend))
	switch backend {
	case "", "none":
	case "valkey":
		if strings.TrimSpace(c.Server.Cache.Distributed.Valkey.Address) == "" {
			return errors.New("config: cache.distributed.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: cache.distributed.backend unsupported: %s", c.Server.Cache.Distributed.Backend)
	}
	for _, raw := range []string{
		c.Server.Cache.Distributed.TTL,
		c.Server.Pipeline.Deadline,
		c.Server.Pipeline.Stages.Syntax,
		c.Server.Pipeline.Stages.Semantic,
		c.Server.Pipeline.Stages.Domain,
		c.Server.Pipeline.Breaker.RecoveryTimeout,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", raw, err)
		}
	}
	agg := c.Server.Pipeline.Aggregation
	if agg.VetoThreshold < 0 || agg.VetoThreshold > 1 {
		return fmt.Errorf("config: pipeline.aggregation.vetoThreshold invalid: %g", agg.VetoThreshold)
	}
	if agg.AcceptThreshold < 0 || agg.AcceptThreshold > 1 {
		return fmt.Errorf("config: pipeline.aggregation.acceptThreshold invalid: %g", agg.AcceptThreshold)
	}
	if agg.Weights.Syntax < 0 || agg.Weights.Semantic < 0 || agg.Weights.Domain < 0 {
		return errors.New("config: pipeline.aggregation.weights must be non-negative")
	}
	return nil
}

// DefaultConfig returns the baseline values the daemon runs with when no
// file or environment overrides are present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Rules: RulesConfig{
				RulesFolder: "./rules",
				Watch:       true,
			},
			Cache: CacheConfig{
				Namespace: "complyd:verdict:v1",
				Epoch:     1,
				PreFilter: PreFilterConfig{
					Capacity:          1_000_000,
					FalsePositiveRate: 0.001,
				},
				Memory: MemoryTierConfig{CapacityBytes: 4 << 20},
				Rule:   RuleTierConfig{CapacityBytes: 16 << 20},
				Distributed: DistributedConfig{
					Backend: "none",
					TTL:     "10m",
				},
			},
			Pipeline: PipelineConfig{
				Deadline:        "2s",
				MaxContentBytes: 1 << 20,
				Stages: StageTimeouts{
					Syntax:   "100ms",
					Semantic: "400ms",
					Domain:   "1s",
				},
				Breaker: BreakerConfig{
					FailureThreshold: 5,
					RecoveryTimeout:  "30s",
				},
				Aggregation: AggregationConfig{
					VetoThreshold:   0.8,
					AcceptThreshold: 0.7,
					Weights: StageWeights{
						Syntax:   0.2,
						Semantic: 0.3,
						Domain:   0.5,
					},
				},
			},
		},
	}
}
