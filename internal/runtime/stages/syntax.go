// Package stages provides the built-in validation backends the pipeline
// runs: a structural syntax check and two rule-driven stages evaluating
// the compiled semantic and domain rule sets.
package stages

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/l0p7/complyd/internal/runtime/pipeline"
	"github.com/l0p7/complyd/internal/verdict"
)

const defaultMaxContentBytes = 1 << 20

// SyntaxConfig bounds what the syntax stage accepts as structurally sound.
type SyntaxConfig struct {
	// MaxContentBytes rejects oversized payloads before any rule runs.
	MaxContentBytes int
}

// Syntax validates the structural integrity of the request content: size
// ceiling, UTF-8 validity, and well-formedness for JSON request types. It
// holds no rule state and never fails, so it anchors the pipeline even
// when the rule-driven stages are degraded.
type Syntax struct {
	maxBytes int
}

func NewSyntax(cfg SyntaxConfig) *Syntax {
	maxBytes := cfg.MaxContentBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxContentBytes
	}
	return &Syntax{maxBytes: maxBytes}
}

func (s *Syntax) Name() string { return pipeline.StageSyntax }

func (s *Syntax) Validate(_ context.Context, req pipeline.Request) (verdict.Verdict, float64, error) {
	switch {
	case len(req.Content) == 0:
		return verdict.NonCompliant, 0.95, nil
	case len(req.Content) > s.maxBytes:
		return verdict.NonCompliant, 1.0, nil
	case !utf8.Valid(req.Content):
		return verdict.NonCompliant, 0.95, nil
	case wantsJSON(req.Type) && !json.Valid(req.Content):
		return verdict.NonCompliant, 0.9, nil
	}
	return verdict.Compliant, 0.98, nil
}

func wantsJSON(requestType string) bool {
	t := strings.ToLower(requestType)
	return t == "json" || strings.HasSuffix(t, "+json") || strings.HasSuffix(t, "/json")
}
