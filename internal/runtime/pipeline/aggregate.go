package pipeline

import (
	"github.com/l0p7/complyd/internal/verdict"
)

// AggregationConfig holds the veto/acceptance thresholds and per-stage
// weights. The values are configuration with defaults, not constants; the
// domain stage carries the highest default weight.
type AggregationConfig struct {
	// VetoThreshold: a non-compliant stage result at or above this
	// confidence decides the aggregate on its own (fail-closed).
	VetoThreshold float64
	// AcceptThreshold: the weighted compliance confidence required for a
	// compliant aggregate; anything below it is indeterminate.
	AcceptThreshold float64
	// Weights per stage name. Stages absent from the map weigh 1.
	Weights map[string]float64
}

func (c AggregationConfig) withDefaults() AggregationConfig {
	if c.VetoThreshold <= 0 {
		c.VetoThreshold = 0.8
	}
	if c.AcceptThreshold <= 0 {
		c.AcceptThreshold = 0.7
	}
	if len(c.Weights) == 0 {
		c.Weights = map[string]float64{
			StageSyntax:   0.2,
			StageSemantic: 0.3,
			StageDomain:   0.5,
		}
	}
	return c
}

// Aggregate deterministically folds stage results into one verdict.
//
// Rules, in order:
//  1. No completed stage at all: ErrValidationUnavailable.
//  2. Any completed non-compliant result with confidence >= VetoThreshold
//     vetoes the request regardless of other stages.
//  3. Otherwise each completed stage contributes a compliance likelihood
//     (its confidence when compliant, 1-confidence when non-compliant,
//     0.5 when indeterminate) to a weighted average normalized over the
//     completed stages only. At or above AcceptThreshold the aggregate is
//     compliant; below it, indeterminate.
//
// Failed stages (timeout, open breaker, backend error) contribute nothing
// but are preserved in the result list, and mark the aggregate degraded.
func Aggregate(results []verdict.StageResult, cfg AggregationConfig) (verdict.Aggregated, error) {
	cfg = cfg.withDefaults()

	completed := 0
	degraded := false
	vetoConfidence := 0.0
	vetoed := false
	weightedSum := 0.0
	weightTotal := 0.0

	for _, r := range results {
		if r.Failed() {
			degraded = true
			continue
		}
		completed++

		if r.Verdict == verdict.NonCompliant && r.Confidence >= cfg.VetoThreshold {
			vetoed = true
			if r.Confidence > vetoConfidence {
				vetoConfidence = r.Confidence
			}
		}

		weight, ok := cfg.Weights[r.Stage]
		if !ok {
			weight = 1
		}
		weightedSum += weight * complianceLikelihood(r)
		weightTotal += weight
	}

	if completed == 0 {
		return verdict.Aggregated{}, ErrValidationUnavailable
	}

	agg := verdict.Aggregated{
		Stages:     append([]verdict.StageResult(nil), results...),
		Provenance: verdict.ProvenancePipeline,
		Degraded:   degraded,
	}

	if vetoed {
		agg.Verdict = verdict.NonCompliant
		agg.Confidence = vetoConfidence
		return agg, nil
	}

	confidence := 0.0
	if weightTotal > 0 {
		confidence = weightedSum / weightTotal
	}
	agg.Confidence = confidence
	if confidence >= cfg.AcceptThreshold {
		agg.Verdict = verdict.Compliant
	} else {
		agg.Verdict = verdict.Indeterminate
	}
	return agg, nil
}

// complianceLikelihood maps a stage result onto [0,1] where 1 means "this
// stage is certain the request is compliant".
func complianceLikelihood(r verdict.StageResult) float64 {
	switch r.Verdict {
	case verdict.Compliant:
		return r.Confidence
	case verdict.NonCompliant:
		return 1 - r.Confidence
	default:
		return 0.5
	}
}
