package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader":            "server.logging.correlationHeader",
			"server.rules.rulesfolder":                    "server.rules.rulesFolder",
			"server.rules.rulesfile":                      "server.rules.rulesFile",
			"server.cache.keysalt":                        "server.cache.keySalt",
			"server.cache.prefilter.falsepositiverate":    "server.cache.prefilter.falsePositiveRate",
			"server.cache.prefilter.fastreject":           "server.cache.prefilter.fastReject",
			"server.cache.memory.capacitybytes":           "server.cache.memory.capacityBytes",
			"server.cache.rule.capacitybytes":             "server.cache.rule.capacityBytes",
			"server.cache.distributed.valkey.maxretries":  "server.cache.distributed.valkey.maxRetries",
			"server.cache.distributed.valkey.tls.cafile":  "server.cache.distributed.valkey.tls.caFile",
			"server.pipeline.maxcontentbytes":             "server.pipeline.maxContentBytes",
			"server.pipeline.breaker.failurethreshold":    "server.pipeline.breaker.failureThreshold",
			"server.pipeline.breaker.recoverytimeout":     "server.pipeline.breaker.recoveryTimeout",
			"server.pipeline.aggregation.vetothreshold":   "server.pipeline.aggregation.vetoThreshold",
			"server.pipeline.aggregation.acceptthreshold": "server.pipeline.aggregation.acceptThreshold",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"rules": map[string]any{
				"rulesFolder": cfg.Server.Rules.RulesFolder,
				"rulesFile":   cfg.Server.Rules.RulesFile,
				"watch":       cfg.Server.Rules.Watch,
			},
			"cache": map[string]any{
				"namespace": cfg.Server.Cache.Namespace,
				"keySalt":   cfg.Server.Cache.KeySalt,
				"epoch":     cfg.Server.Cache.Epoch,
				"prefilter": map[string]any{
					"capacity":          cfg.Server.Cache.PreFilter.Capacity,
					"falsePositiveRate": cfg.Server.Cache.PreFilter.FalsePositiveRate,
					"fastReject":        cfg.Server.Cache.PreFilter.FastReject,
				},
				"memory": map[string]any{
					"capacityBytes": cfg.Server.Cache.Memory.CapacityBytes,
				},
				"rule": map[string]any{
					"capacityBytes": cfg.Server.Cache.Rule.CapacityBytes,
				},
				"distributed": map[string]any{
					"backend": cfg.Server.Cache.Distributed.Backend,
					"ttl":     cfg.Server.Cache.Distributed.TTL,
					"valkey": map[string]any{
						"address":    cfg.Server.Cache.Distributed.Valkey.Address,
						"username":   cfg.Server.Cache.Distributed.Valkey.Username,
						"password":   cfg.Server.Cache.Distributed.Valkey.Password,
						"db":         cfg.Server.Cache.Distributed.Valkey.DB,
						"maxRetries": cfg.Server.Cache.Distributed.Valkey.MaxRetries,
						"tls": map[string]any{
							"enabled": cfg.Server.Cache.Distributed.Valkey.TLS.Enabled,
							"caFile":  cfg.Server.Cache.Distributed.Valkey.TLS.CAFile,
						},
					},
				},
			},
			"pipeline": map[string]any{
				"deadline":        cfg.Server.Pipeline.Deadline,
				"maxContentBytes": cfg.Server.Pipeline.MaxContentBytes,
				"stages": map[string]any{
					"syntax":   cfg.Server.Pipeline.Stages.Syntax,
					"semantic": cfg.Server.Pipeline.Stages.Semantic,
					"domain":   cfg.Server.Pipeline.Stages.Domain,
				},
				"breaker": map[string]any{
					"failureThreshold": cfg.Server.Pipeline.Breaker.FailureThreshold,
					"recoveryTimeout":  cfg.Server.Pipeline.Breaker.RecoveryTimeout,
				},
				"aggregation": map[string]any{
					"vetoThreshold":   cfg.Server.Pipeline.Aggregation.VetoThreshold,
					"acceptThreshold": cfg.Server.Pipeline.Aggregation.AcceptThreshold,
					"weights": map[string]any{
						"syntax":   cfg.Server.Pipeline.Aggregation.Weights.Syntax,
						"semantic": cfg.Server.Pipeline.Aggregation.Weights.Semantic,
						"domain":   cfg.Server.Pipeline.Aggregation.Weights.Domain,
					},
				},
			},
		},
	}
}
