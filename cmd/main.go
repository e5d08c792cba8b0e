package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/complyd/internal/config"
	"github.com/l0p7/complyd/internal/logging"
	"github.com/l0p7/complyd/internal/metrics"
	"github.com/l0p7/complyd/internal/rules"
	"github.com/l0p7/complyd/internal/runtime"
	"github.com/l0p7/complyd/internal/runtime/cache"
	"github.com/l0p7/complyd/internal/runtime/pipeline"
	"github.com/l0p7/complyd/internal/runtime/stages"
	"github.com/l0p7/complyd/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "COMPLYD", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	env, err := rules.NewEnvironment()
	if err != nil {
		logger.Error("rule environment setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	ruleCache := cache.NewRuleCache(cfg.Server.Cache.Rule.CapacityBytes)
	ruleLoader := rules.NewLoader(env, ruleCache, cfg.Server.Rules.RulesFolder, cfg.Server.Rules.RulesFile)

	initialSet, err := ruleLoader.Load()
	if err != nil {
		logger.Error("rule load failed", slog.Any("error", err))
		os.Exit(1)
	}
	for _, skip := range initialSet.Skipped {
		logger.Warn("rule skipped",
			slog.String("rule", skip.Name),
			slog.String("reason", skip.Reason),
			slog.String("source", skip.Source))
	}

	semantic := stages.NewSemantic(initialSet, logger)
	domain := stages.NewDomain(initialSet, logger)
	syntax := stages.NewSyntax(stages.SyntaxConfig{MaxContentBytes: cfg.Server.Pipeline.MaxContentBytes})

	pipe := pipeline.New(pipeline.Options{
		Stages:   []pipeline.Stage{syntax, semantic, domain},
		Timeouts: cfg.Server.Pipeline.Stages.Durations(),
		Breaker: pipeline.BreakerConfig{
			FailureThreshold: cfg.Server.Pipeline.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Server.Pipeline.Breaker.RecoveryDuration(),
		},
		Aggregation: pipeline.AggregationConfig{
			VetoThreshold:   cfg.Server.Pipeline.Aggregation.VetoThreshold,
			AcceptThreshold: cfg.Server.Pipeline.Aggregation.AcceptThreshold,
			Weights: map[string]float64{
				pipeline.StageSyntax:   cfg.Server.Pipeline.Aggregation.Weights.Syntax,
				pipeline.StageSemantic: cfg.Server.Pipeline.Aggregation.Weights.Semantic,
				pipeline.StageDomain:   cfg.Server.Pipeline.Aggregation.Weights.Domain,
			},
		},
		Logger:  logger,
		Metrics: metricsRecorder,
	})

	orch := runtime.New(runtime.Options{
		PreFilter:       cache.NewPreFilter(cfg.Server.Cache.PreFilter.Capacity, cfg.Server.Cache.PreFilter.FalsePositiveRate),
		Memory:          cache.NewMemory(cfg.Server.Cache.Memory.CapacityBytes),
		Rules:           ruleCache,
		Distributed:     buildDistributedStore(logger, cfg.Server.Cache.Distributed),
		Keys:            cache.NewKeyBuilder(cfg.Server.Cache.Namespace, cfg.Server.Cache.KeySalt, cfg.Server.Cache.Epoch),
		Pipeline:        pipe,
		DistributedTTL:  cfg.Server.Cache.Distributed.TTLDuration(),
		OverallDeadline: cfg.Server.Pipeline.DeadlineDuration(),
		FastReject:      cfg.Server.Cache.PreFilter.FastReject,
		Logger:          logger,
		Metrics:         metricsRecorder,
	})
	orch.Subscribe(semantic)
	orch.Subscribe(domain)
	orch.ApplyRules(initialSet)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := orch.Close(shutdownCtx); err != nil {
			logger.Error("runtime shutdown failed", slog.Any("error", err))
		}
	}()

	if cfg.Server.Rules.Watch && (cfg.Server.Rules.RulesFile != "" || cfg.Server.Rules.RulesFolder != "") {
		watcher, err := config.WatchRules(ctx, cfg.Server.Rules, func() error {
			set, err := ruleLoader.Load()
			if err != nil {
				return err
			}
			orch.ApplyRules(set)
			return nil
		}, func(err error) {
			if err != nil {
				logger.Error("rules watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("rules watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewHandler(server.HandlerOptions{
		Runtime:           orch,
		Metrics:           metricsRecorder,
		Logger:            logger,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildDistributedStore(logger *slog.Logger, cfg config.DistributedConfig) cache.DistributedStore {
	if !cfg.Enabled() {
		logger.Info("tier-3 cache disabled")
		return nil
	}
	store, err := cache.NewValkey(cache.ValkeyConfig{
		Address:    cfg.Valkey.Address,
		Username:   cfg.Valkey.Username,
		Password:   cfg.Valkey.Password,
		DB:         cfg.Valkey.DB,
		MaxRetries: cfg.Valkey.MaxRetries,
		TLS: cache.ValkeyTLSConfig{
			Enabled: cfg.Valkey.TLS.Enabled,
			CAFile:  cfg.Valkey.TLS.CAFile,
		},
	})
	if err != nil {
		logger.Error("valkey cache initialization failed", slog.Any("error", err))
		logger.Info("continuing without tier-3 cache")
		return nil
	}
	logger.Info("using valkey tier-3 cache", slog.String("address", cfg.Valkey.Address))
	return store
}
