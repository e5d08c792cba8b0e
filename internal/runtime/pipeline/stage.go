// Package pipeline runs the three validation stages concurrently, each
// behind its own circuit breaker and deadline, and folds their outputs
// into one deterministic aggregate verdict.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/l0p7/complyd/internal/verdict"
)

// Stage names. The aggregation weights and per-stage budgets are keyed by
// these.
const (
	StageSyntax   = "syntax"
	StageSemantic = "semantic"
	StageDomain   = "domain"
)

// ErrValidationUnavailable is the only pipeline-level failure: every stage
// failed or timed out, so no verdict could be produced at all.
var ErrValidationUnavailable = errors.New("pipeline: validation unavailable")

// Request is the unit of work submitted to the pipeline.
type Request struct {
	Type        string
	Content     []byte
	Context     map[string]string
	Deadline    time.Time
	Correlation string
}

// Stage is a validation backend. Implementations must be idempotent and
// safe to abandon mid-call: the pipeline discards results that arrive
// after the stage deadline.
type Stage interface {
	Name() string
	Validate(ctx context.Context, req Request) (verdict.Verdict, float64, error)
}

// StageFunc adapts a function to the Stage interface, mainly for tests.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, req Request) (verdict.Verdict, float64, error)
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Validate(ctx context.Context, req Request) (verdict.Verdict, float64, error) {
	return s.Fn(ctx, req)
}
