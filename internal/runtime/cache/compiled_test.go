package cache

import (
	"testing"

	"github.com/google/cel-go/cel"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/complyd/internal/verdict"
)

func compileTestRule(t *testing.T, id, version, expression string) *CompiledRule {
	t.Helper()
	env, err := cel.NewEnv(cel.Variable("content", cel.StringType))
	require.NoError(t, err)
	ast, issues := env.Compile(expression)
	require.NoError(t, issues.Err())
	program, err := env.Program(ast)
	require.NoError(t, err)
	return &CompiledRule{
		ID:         id,
		Version:    version,
		Stage:      "domain",
		Verdict:    verdict.NonCompliant,
		Confidence: 0.9,
		Program:    program,
	}
}

func TestRuleCacheCompiledRoundTrip(t *testing.T) {
	c := NewRuleCache(1 << 20)
	rule := compileTestRule(t, "no-secrets", "v1", `content.contains("secret")`)
	c.PutCompiled(rule)

	got, ok := c.GetCompiled("no-secrets", "v1")
	require.True(t, ok)
	require.Same(t, rule, got, "compiled artifacts are reference-shared, never copied")

	_, ok = c.GetCompiled("no-secrets", "v2")
	require.False(t, ok, "a new version is a distinct entry")
}

func TestRuleCacheReinsertKeepsFirstArtifact(t *testing.T) {
	c := NewRuleCache(1 << 20)
	first := compileTestRule(t, "r", "v1", `content != ""`)
	second := compileTestRule(t, "r", "v1", `content != ""`)
	c.PutCompiled(first)
	c.PutCompiled(second)

	got, ok := c.GetCompiled("r", "v1")
	require.True(t, ok)
	require.Same(t, first, got)
}

func TestRuleCacheGenerationEviction(t *testing.T) {
	c := NewRuleCache(1 << 20)
	old := compileTestRule(t, "stale", "v1", `content == ""`)
	kept := compileTestRule(t, "kept", "v1", `content != ""`)
	c.PutCompiled(old)
	c.PutCompiled(kept)
	require.Equal(t, 2, c.CompiledLen())

	gen := c.AdvanceGeneration([]*CompiledRule{kept})
	require.Equal(t, uint64(2), gen)
	require.Equal(t, 1, c.CompiledLen())

	_, ok := c.GetCompiled("stale", "v1")
	require.False(t, ok)
	_, ok = c.GetCompiled("kept", "v1")
	require.True(t, ok)
}

func TestRuleCacheVerdictSubStore(t *testing.T) {
	c := NewRuleCache(1 << 20)
	c.Put("key", verdict.Entry{Verdict: verdict.Compliant, Confidence: 0.8, SizeBytes: 64})
	entry, ok := c.Get("key")
	require.True(t, ok)
	require.Equal(t, verdict.Compliant, entry.Verdict)

	c.PurgeVerdicts()
	_, ok = c.Get("key")
	require.False(t, ok)
}
