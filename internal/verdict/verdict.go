// Package verdict defines the closed result types shared by the cache
// tiers, the validation pipeline, and the orchestrator. Keeping the
// verdict space closed lets aggregation switch over it exhaustively
// instead of comparing open strings.
package verdict

import (
	"fmt"
	"time"
)

// Verdict is the compliance outcome of a validated request.
type Verdict int

const (
	// Indeterminate means no stage produced enough confidence to decide.
	Indeterminate Verdict = iota
	// Compliant means the weighted stage confidence met the acceptance threshold.
	Compliant
	// NonCompliant means a stage vetoed the request or the evidence points against it.
	NonCompliant
)

func (v Verdict) String() string {
	switch v {
	case Compliant:
		return "compliant"
	case NonCompliant:
		return "non-compliant"
	case Indeterminate:
		return "indeterminate"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// MarshalText renders the verdict for JSON payloads and log attributes.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText restores a verdict from its wire form. Unknown values are
// rejected so a corrupted distributed-cache entry surfaces as a decode
// error (and therefore a miss) instead of a silent Indeterminate.
func (v *Verdict) UnmarshalText(text []byte) error {
	switch string(text) {
	case "compliant":
		*v = Compliant
	case "non-compliant":
		*v = NonCompliant
	case "indeterminate":
		*v = Indeterminate
	default:
		return fmt.Errorf("verdict: unknown value %q", string(text))
	}
	return nil
}

// Provenance names the component that produced a verdict.
type Provenance string

const (
	// ProvenanceMemory marks a tier-1 in-process cache hit.
	ProvenanceMemory Provenance = "tier1"
	// ProvenanceRules marks a tier-2 compiled-rule cache hit.
	ProvenanceRules Provenance = "tier2"
	// ProvenanceDistributed marks a tier-3 distributed cache hit.
	ProvenanceDistributed Provenance = "tier3"
	// ProvenancePipeline marks a full pipeline evaluation.
	ProvenancePipeline Provenance = "pipeline"
)

// Entry is the cached form of an evaluated verdict. It is created once by
// the orchestrator when the pipeline completes and read-shared afterwards;
// tiers refresh AccessedAt on hit but never change the decision fields.
type Entry struct {
	Verdict     Verdict   `json:"verdict"`
	Confidence  float64   `json:"confidence"`
	RuleSet     string    `json:"ruleSet"`
	CreatedAt   time.Time `json:"createdAt"`
	AccessedAt  time.Time `json:"accessedAt"`
	SizeBytes   int64     `json:"sizeBytes"`
	Correlation string    `json:"correlation,omitempty"`
}

// StageResult is the immutable per-stage output of one pipeline run.
type StageResult struct {
	Stage      string        `json:"stage"`
	Verdict    Verdict       `json:"verdict"`
	Confidence float64       `json:"confidence"`
	Elapsed    time.Duration `json:"elapsed"`
	Failure    string        `json:"failure,omitempty"`
}

// Failed reports whether the stage contributed no usable signal (timeout,
// open breaker, or backend error).
func (r StageResult) Failed() bool { return r.Failure != "" }

// Aggregated is the final answer returned by Evaluate.
type Aggregated struct {
	Verdict     Verdict       `json:"verdict"`
	Confidence  float64       `json:"confidence"`
	Stages      []StageResult `json:"stages,omitempty"`
	Provenance  Provenance    `json:"provenance"`
	RuleSet     string        `json:"ruleSet,omitempty"`
	Correlation string        `json:"correlation,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	// Degraded signals reduced stage coverage or a skipped tier so callers
	// can distinguish best-effort answers from full evaluations.
	Degraded bool `json:"degraded,omitempty"`
}

// FromEntry rebuilds an Aggregated answer out of a cached entry, tagging it
// with the tier that served the hit.
func FromEntry(entry Entry, provenance Provenance) Aggregated {
	return Aggregated{
		Verdict:     entry.Verdict,
		Confidence:  entry.Confidence,
		Provenance:  provenance,
		RuleSet:     entry.RuleSet,
		Correlation: entry.Correlation,
	}
}
