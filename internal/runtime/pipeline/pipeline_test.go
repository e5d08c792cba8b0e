package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/complyd/internal/verdict"
)

func passingStage(name string, v verdict.Verdict, confidence float64) Stage {
	return StageFunc{StageName: name, Fn: func(context.Context, Request) (verdict.Verdict, float64, error) {
		return v, confidence, nil
	}}
}

func failingStage(name string) Stage {
	return StageFunc{StageName: name, Fn: func(context.Context, Request) (verdict.Verdict, float64, error) {
		return verdict.Indeterminate, 0, errors.New("backend down")
	}}
}

func testPipeline(stages ...Stage) *Pipeline {
	return New(Options{Stages: stages})
}

func TestRunAllStagesComplete(t *testing.T) {
	p := testPipeline(
		passingStage(StageSyntax, verdict.Compliant, 0.95),
		passingStage(StageSemantic, verdict.Compliant, 0.9),
		passingStage(StageDomain, verdict.Compliant, 0.92),
	)

	agg, results, err := p.Run(context.Background(), Request{Type: "api-call", Content: []byte("ok"), Correlation: "c-1"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, verdict.Compliant, agg.Verdict)
	require.Equal(t, verdict.ProvenancePipeline, agg.Provenance)
	require.Equal(t, "c-1", agg.Correlation)
	for _, r := range results {
		require.False(t, r.Failed())
		require.GreaterOrEqual(t, r.Elapsed, time.Duration(0))
	}
}

func TestRunStagesExecuteConcurrently(t *testing.T) {
	block := make(chan struct{})
	var inFlight atomic.Int32
	slow := func(name string) Stage {
		return StageFunc{StageName: name, Fn: func(ctx context.Context, _ Request) (verdict.Verdict, float64, error) {
			if inFlight.Add(1) == 3 {
				close(block)
			}
			select {
			case <-block:
				return verdict.Compliant, 0.9, nil
			case <-ctx.Done():
				return verdict.Indeterminate, 0, ctx.Err()
			}
		}}
	}
	p := New(Options{
		Stages:   []Stage{slow(StageSyntax), slow(StageSemantic), slow(StageDomain)},
		Timeouts: map[string]time.Duration{StageSyntax: time.Second, StageSemantic: time.Second, StageDomain: time.Second},
	})

	// All three stages must be in flight at once for the run to finish:
	// the blocking channel only opens when the third one arrives.
	agg, _, err := p.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, verdict.Compliant, agg.Verdict)
}

func TestRunTimedOutStageRecordedAsFailure(t *testing.T) {
	stuck := StageFunc{StageName: StageSemantic, Fn: func(context.Context, Request) (verdict.Verdict, float64, error) {
		time.Sleep(300 * time.Millisecond) // ignores its context on purpose
		return verdict.Compliant, 0.9, nil
	}}
	p := New(Options{
		Stages:   []Stage{passingStage(StageSyntax, verdict.Compliant, 0.95), stuck, passingStage(StageDomain, verdict.Compliant, 0.95)},
		Timeouts: map[string]time.Duration{StageSemantic: 20 * time.Millisecond},
	})

	start := time.Now()
	agg, results, err := p.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 250*time.Millisecond, "an unresponsive stage must be abandoned, not awaited")

	var semantic verdict.StageResult
	for _, r := range results {
		if r.Stage == StageSemantic {
			semantic = r
		}
	}
	require.True(t, semantic.Failed())
	require.Contains(t, semantic.Failure, "timeout")
	require.Equal(t, verdict.Compliant, agg.Verdict, "remaining stages still produce a best-effort verdict")
	require.True(t, agg.Degraded)
}

func TestRunAllStagesFailedIsUnavailable(t *testing.T) {
	p := testPipeline(failingStage(StageSyntax), failingStage(StageSemantic), failingStage(StageDomain))
	_, results, err := p.Run(context.Background(), Request{})
	require.ErrorIs(t, err, ErrValidationUnavailable)
	require.Len(t, results, 3)
	for _, r := range results {
		require.True(t, r.Failed())
	}
}

func TestRunExpiredDeadlineFailsFast(t *testing.T) {
	p := testPipeline(passingStage(StageSyntax, verdict.Compliant, 0.9))
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, _, err := p.Run(ctx, Request{Deadline: time.Now().Add(-time.Second)})
	require.Error(t, err)
}

func TestRunRequestDeadlineCapsStageBudget(t *testing.T) {
	stuck := StageFunc{StageName: StageDomain, Fn: func(ctx context.Context, _ Request) (verdict.Verdict, float64, error) {
		<-ctx.Done()
		return verdict.Indeterminate, 0, ctx.Err()
	}}
	p := New(Options{
		Stages:   []Stage{stuck},
		Timeouts: map[string]time.Duration{StageDomain: 10 * time.Second},
	})

	start := time.Now()
	_, _, err := p.Run(context.Background(), Request{Deadline: time.Now().Add(30 * time.Millisecond)})
	require.ErrorIs(t, err, ErrValidationUnavailable)
	require.Less(t, time.Since(start), time.Second, "the request deadline must cap the configured stage budget")
}

func TestRunNoStagesConfigured(t *testing.T) {
	p := testPipeline()
	_, _, err := p.Run(context.Background(), Request{})
	require.ErrorIs(t, err, ErrValidationUnavailable)
}

func TestBreakerOpensAfterThresholdAndFailsFast(t *testing.T) {
	var calls atomic.Int32
	flaky := StageFunc{StageName: StageDomain, Fn: func(context.Context, Request) (verdict.Verdict, float64, error) {
		calls.Add(1)
		return verdict.Indeterminate, 0, errors.New("backend down")
	}}
	p := New(Options{
		Stages:  []Stage{flaky},
		Breaker: BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Hour},
	})

	for i := 0; i < 3; i++ {
		_, _, err := p.Run(context.Background(), Request{})
		require.ErrorIs(t, err, ErrValidationUnavailable)
	}
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, "open", p.BreakerStates()[StageDomain])

	// Open breaker short-circuits without invoking the stage.
	_, results, err := p.Run(context.Background(), Request{})
	require.ErrorIs(t, err, ErrValidationUnavailable)
	require.Equal(t, int32(3), calls.Load(), "open breaker must not invoke the stage")
	require.Equal(t, "circuit open", results[0].Failure)
}

func TestBreakerHalfOpenTrialCloses(t *testing.T) {
	var calls atomic.Int32
	var healthy atomic.Bool
	stage := StageFunc{StageName: StageDomain, Fn: func(context.Context, Request) (verdict.Verdict, float64, error) {
		calls.Add(1)
		if healthy.Load() {
			return verdict.Compliant, 0.9, nil
		}
		return verdict.Indeterminate, 0, errors.New("backend down")
	}}
	p := New(Options{
		Stages:  []Stage{stage},
		Breaker: BreakerConfig{FailureThreshold: 2, RecoveryTimeout: 30 * time.Millisecond},
	})

	for i := 0; i < 2; i++ {
		_, _, _ = p.Run(context.Background(), Request{})
	}
	require.Equal(t, "open", p.BreakerStates()[StageDomain])

	healthy.Store(true)
	time.Sleep(60 * time.Millisecond)

	before := calls.Load()
	agg, _, err := p.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, verdict.Compliant, agg.Verdict)
	require.Equal(t, before+1, calls.Load(), "recovery window elapsed: one trial call goes through")
	require.Equal(t, "closed", p.BreakerStates()[StageDomain])
}

func TestSetStagesKeepsExistingBreakers(t *testing.T) {
	p := New(Options{
		Stages:  []Stage{failingStage(StageDomain)},
		Breaker: BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour},
	})
	_, _, _ = p.Run(context.Background(), Request{})
	require.Equal(t, "open", p.BreakerStates()[StageDomain])

	p.SetStages([]Stage{passingStage(StageDomain, verdict.Compliant, 0.9)})
	_, results, err := p.Run(context.Background(), Request{})
	require.ErrorIs(t, err, ErrValidationUnavailable)
	require.Equal(t, "circuit open", results[0].Failure,
		"a stage swap must not grant a tripped breaker a fresh failure budget")
}
