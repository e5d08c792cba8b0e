package stages

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/l0p7/complyd/internal/rules"
	"github.com/l0p7/complyd/internal/runtime/cache"
	"github.com/l0p7/complyd/internal/runtime/pipeline"
	"github.com/l0p7/complyd/internal/verdict"
)

// noMatchConfidence applies when no rule in the stage matched the request:
// nothing objectionable was found, which is weaker evidence than a rule
// affirmatively passing it.
const noMatchConfidence = 0.9

// RuleStage evaluates the compiled rules of one stage against a request.
// The rule set is swapped atomically on hot reload; in-flight evaluations
// finish against the snapshot they started with.
type RuleStage struct {
	name   string
	set    atomic.Pointer[rules.Set]
	logger *slog.Logger
}

// NewSemantic builds the stage running the semantic rule set.
func NewSemantic(set *rules.Set, logger *slog.Logger) *RuleStage {
	return newRuleStage(pipeline.StageSemantic, set, logger)
}

// NewDomain builds the stage running the domain rule set.
func NewDomain(set *rules.Set, logger *slog.Logger) *RuleStage {
	return newRuleStage(pipeline.StageDomain, set, logger)
}

func newRuleStage(name string, set *rules.Set, logger *slog.Logger) *RuleStage {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RuleStage{name: name, logger: logger.With(slog.String("stage", name))}
	s.Swap(set)
	return s
}

func (s *RuleStage) Name() string { return s.name }

// Swap replaces the rule set snapshot this stage evaluates.
func (s *RuleStage) Swap(set *rules.Set) {
	if set == nil {
		set = &rules.Set{}
	}
	s.set.Store(set)
}

func (s *RuleStage) Validate(ctx context.Context, req pipeline.Request) (verdict.Verdict, float64, error) {
	set := s.set.Load()
	applicable := s.applicableRules(set, req.Type)

	reqContext := req.Context
	if reqContext == nil {
		reqContext = map[string]string{}
	}
	activation := map[string]any{
		"content": string(req.Content),
		"request": map[string]any{
			"type":        req.Type,
			"size":        len(req.Content),
			"correlation": req.Correlation,
		},
		"context": reqContext,
	}

	var (
		out        = verdict.Indeterminate
		confidence float64
		evaluated  int
	)
	for _, rule := range applicable {
		if err := ctx.Err(); err != nil {
			return verdict.Indeterminate, 0, err
		}
		matched, err := rules.EvalMatch(rule.Program, activation)
		if err != nil {
			s.logger.Warn("rule evaluation failed",
				slog.String("rule", rule.ID),
				slog.String("correlation", req.Correlation),
				slog.Any("error", err))
			continue
		}
		evaluated++
		if !matched {
			continue
		}
		// A matched prohibition trumps any matched affirmation.
		switch rule.Verdict {
		case verdict.NonCompliant:
			if out != verdict.NonCompliant {
				out = verdict.NonCompliant
				confidence = rule.Confidence
			} else if rule.Confidence > confidence {
				confidence = rule.Confidence
			}
		case verdict.Compliant:
			if out == verdict.NonCompliant {
				continue
			}
			out = verdict.Compliant
			if rule.Confidence > confidence {
				confidence = rule.Confidence
			}
		}
	}

	if len(applicable) > 0 && evaluated == 0 {
		return verdict.Indeterminate, 0, fmt.Errorf("stages: every %s rule failed to evaluate", s.name)
	}
	if out == verdict.Indeterminate {
		return verdict.Compliant, noMatchConfidence, nil
	}
	return out, confidence, nil
}

func (s *RuleStage) applicableRules(set *rules.Set, requestType string) []*cache.CompiledRule {
	var pool []*cache.CompiledRule
	switch s.name {
	case pipeline.StageSemantic:
		pool = set.Semantic
	case pipeline.StageDomain:
		pool = set.Domain
	}
	out := make([]*cache.CompiledRule, 0, len(pool))
	for _, rule := range pool {
		types := set.Applicability[rule.ID]
		if len(types) == 0 || containsType(types, requestType) {
			out = append(out, rule)
		}
	}
	return out
}

func containsType(types []string, requestType string) bool {
	for _, t := range types {
		if t == requestType {
			return true
		}
	}
	return false
}
