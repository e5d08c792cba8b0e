package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"golang.org/x/sync/errgroup"

	"github.com/l0p7/complyd/internal/metrics"
	"github.com/l0p7/complyd/internal/verdict"
)

// Options wires the pipeline's stages, budgets, and observability.
type Options struct {
	Stages      []Stage
	Timeouts    map[string]time.Duration
	Breaker     BreakerConfig
	Aggregation AggregationConfig
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// Pipeline dispatches every registered stage concurrently per request and
// joins on all of them before aggregating. Stages are swappable as a set
// (rule reloads) without tearing down in-flight runs: each run snapshots
// the stage set once at dispatch.
type Pipeline struct {
	logger      *slog.Logger
	metrics     *metrics.Recorder
	timeouts    map[string]time.Duration
	aggregation AggregationConfig

	mu       sync.RWMutex
	stages   []Stage
	breakers map[string]circuitbreaker.CircuitBreaker[any]

	breakerCfg BreakerConfig
}

var defaultTimeouts = map[string]time.Duration{
	StageSyntax:   100 * time.Millisecond,
	StageSemantic: 400 * time.Millisecond,
	StageDomain:   time.Second,
}

// New builds a pipeline. Each stage gets its own breaker; breakers survive
// stage swaps so a flapping backend does not get a fresh failure budget on
// every rule reload.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "pipeline"))

	p := &Pipeline{
		logger:      logger,
		metrics:     opts.Metrics,
		timeouts:    make(map[string]time.Duration, len(opts.Timeouts)),
		aggregation: opts.Aggregation.withDefaults(),
		breakers:    make(map[string]circuitbreaker.CircuitBreaker[any]),
		breakerCfg:  opts.Breaker,
	}
	for stage, timeout := range opts.Timeouts {
		p.timeouts[stage] = timeout
	}
	p.SetStages(opts.Stages)
	return p
}

// SetStages swaps the stage set atomically. Missing breakers are created;
// breakers for removed stages are kept in case the stage returns.
func (p *Pipeline) SetStages(stages []Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = make([]Stage, len(stages))
	copy(p.stages, stages)
	for _, stage := range stages {
		name := stage.Name()
		if _, ok := p.breakers[name]; !ok {
			p.breakers[name] = newStageBreaker(name, p.breakerCfg, p.logger, p.observeTransition)
		}
	}
}

// BreakerStates reports the current breaker state per stage for health
// checks.
func (p *Pipeline) BreakerStates() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	states := make(map[string]string, len(p.breakers))
	for name, breaker := range p.breakers {
		states[name] = breaker.State().String()
	}
	return states
}

// Run executes all stages concurrently and aggregates their results. The
// returned slice always contains one StageResult per stage, completed or
// failed. The error is ErrValidationUnavailable when no stage completed,
// or the context error when the overall deadline expired first.
func (p *Pipeline) Run(ctx context.Context, req Request) (verdict.Aggregated, []verdict.StageResult, error) {
	p.mu.RLock()
	stages := p.stages
	breakers := make(map[string]circuitbreaker.CircuitBreaker[any], len(p.breakers))
	for name, breaker := range p.breakers {
		breakers[name] = breaker
	}
	p.mu.RUnlock()

	if len(stages) == 0 {
		return verdict.Aggregated{}, nil, ErrValidationUnavailable
	}

	results := make([]verdict.StageResult, len(stages))
	g, runCtx := errgroup.WithContext(ctx)
	for i, stage := range stages {
		g.Go(func() error {
			results[i] = p.runStage(runCtx, stage, breakers[stage.Name()], req)
			return nil
		})
	}
	// Stage goroutines never return errors; the join waits for all of them.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		if !anyCompleted(results) {
			return verdict.Aggregated{}, results, err
		}
		// Best-effort: the budget ran out but some stages finished in time.
	}

	agg, err := Aggregate(results, p.aggregation)
	if err != nil {
		return verdict.Aggregated{}, results, err
	}
	agg.Correlation = req.Correlation
	return agg, results, nil
}

// runStage invokes one stage behind its breaker and per-stage deadline.
// The backend call runs in its own goroutine so an unresponsive backend is
// abandoned at the deadline rather than awaited; its late result is
// discarded.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, breaker circuitbreaker.CircuitBreaker[any], req Request) verdict.StageResult {
	name := stage.Name()
	start := time.Now()

	if breaker != nil && !breaker.TryAcquirePermit() {
		p.observeStage(name, "circuit_open", 0)
		return verdict.StageResult{Stage: name, Failure: "circuit open"}
	}

	timeout := p.timeouts[name]
	if timeout <= 0 {
		if d, ok := defaultTimeouts[name]; ok {
			timeout = d
		} else {
			timeout = time.Second
		}
	}
	if !req.Deadline.IsZero() {
		if remaining := time.Until(req.Deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		p.recordFailure(breaker)
		p.observeStage(name, "timeout", 0)
		return verdict.StageResult{Stage: name, Failure: "stage timeout"}
	}

	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		verdict    verdict.Verdict
		confidence float64
		err        error
	}
	done := make(chan outcome, 1)
	go func() {
		v, confidence, err := stage.Validate(stageCtx, req)
		done <- outcome{verdict: v, confidence: confidence, err: err}
	}()

	select {
	case <-stageCtx.Done():
		p.recordFailure(breaker)
		p.observeStage(name, "timeout", time.Since(start))
		p.logger.Warn("stage abandoned at deadline",
			slog.String("stage", name),
			slog.String("correlation_id", req.Correlation),
			slog.Duration("budget", timeout))
		return verdict.StageResult{Stage: name, Elapsed: time.Since(start), Failure: "stage timeout"}
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			p.recordFailure(breaker)
			p.observeStage(name, "error", elapsed)
			p.logger.Warn("stage failed",
				slog.String("stage", name),
				slog.String("correlation_id", req.Correlation),
				slog.Any("error", out.err))
			return verdict.StageResult{Stage: name, Elapsed: elapsed, Failure: fmt.Sprintf("stage failure: %v", out.err)}
		}
		if breaker != nil {
			breaker.RecordSuccess()
		}
		p.observeStage(name, "success", elapsed)
		return verdict.StageResult{Stage: name, Verdict: out.verdict, Confidence: out.confidence, Elapsed: elapsed}
	}
}

func (p *Pipeline) recordFailure(breaker circuitbreaker.CircuitBreaker[any]) {
	if breaker != nil {
		breaker.RecordFailure()
	}
}

func (p *Pipeline) observeStage(stage, result string, elapsed time.Duration) {
	if p.metrics != nil {
		p.metrics.ObserveStage(stage, result, elapsed)
	}
}

func (p *Pipeline) observeTransition(stage, state string) {
	if p.metrics != nil {
		p.metrics.ObserveBreakerTransition(stage, state)
	}
}

func anyCompleted(results []verdict.StageResult) bool {
	for _, r := range results {
		if !r.Failed() {
			return true
		}
	}
	return false
}
