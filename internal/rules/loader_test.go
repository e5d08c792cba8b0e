package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/complyd/internal/runtime/cache"
	"github.com/l0p7/complyd/internal/verdict"
)

func writeRuleFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sampleRulesYAML = `rules:
  - name: no-credentials
    stage: domain
    expression: content.contains("password") || content.contains("api_key")
    verdict: non-compliant
    confidence: 0.95
  - name: content-present
    stage: semantic
    expression: content.size() > 0
    verdict: compliant
    confidence: 0.7
`

func newTestLoader(t *testing.T, folder, file string) *Loader {
	t.Helper()
	env, err := NewEnvironment()
	require.NoError(t, err)
	return NewLoader(env, cache.NewRuleCache(1<<20), folder, file)
}

func TestLoadCompilesRuleSet(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "base.yaml", sampleRulesYAML)

	set, err := newTestLoader(t, dir, "").Load()
	require.NoError(t, err)
	require.Len(t, set.Domain, 1)
	require.Len(t, set.Semantic, 1)
	require.NotEmpty(t, set.Fingerprint)
	require.Empty(t, set.Skipped)

	domain := set.Domain[0]
	require.Equal(t, "no-credentials", domain.ID)
	require.Equal(t, verdict.NonCompliant, domain.Verdict)
	require.InDelta(t, 0.95, domain.Confidence, 1e-9)
	require.NotNil(t, domain.Program)

	matched, err := EvalMatch(domain.Program, map[string]any{
		"content": "the password is hunter2",
		"request": map[string]any{"type": "api-call"},
		"context": map[string]string{},
	})
	require.NoError(t, err)
	require.True(t, matched)
}

func TestLoadJSONAndTOMLDocuments(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "a.json", `{"rules":[{"name":"json-rule","stage":"domain","expression":"content.contains(\"x\")","confidence":0.9}]}`)
	writeRuleFile(t, dir, "b.toml", "[[rules]]\nname = \"toml-rule\"\nstage = \"semantic\"\nexpression = \"content.size() < 1000\"\nconfidence = 0.6\n")
	writeRuleFile(t, dir, "ignored.txt", "not a rule document")

	set, err := newTestLoader(t, dir, "").Load()
	require.NoError(t, err)
	require.Len(t, set.Domain, 1)
	require.Len(t, set.Semantic, 1)
	require.Len(t, set.Sources, 2)
}

func TestLoadSkipsInvalidRules(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "bad.yaml", `rules:
  - name: bad-stage
    stage: cosmic
    expression: "true"
    confidence: 0.5
  - name: bad-expression
    stage: domain
    expression: content.nonexistent()
    confidence: 0.5
  - name: bad-confidence
    stage: domain
    expression: "true"
    confidence: 1.5
  - name: good
    stage: domain
    expression: content.contains("z")
    confidence: 0.9
`)

	set, err := newTestLoader(t, dir, "").Load()
	require.NoError(t, err)
	require.Len(t, set.Domain, 1)
	require.Equal(t, "good", set.Domain[0].ID)
	require.Len(t, set.Skipped, 3)
}

func TestLoadDuplicateNamesSkipped(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "a.yaml", `rules:
  - name: dup
    stage: domain
    expression: "content.contains(\"a\")"
    confidence: 0.9
`)
	writeRuleFile(t, dir, "b.yaml", `rules:
  - name: dup
    stage: domain
    expression: "content.contains(\"b\")"
    confidence: 0.9
`)

	set, err := newTestLoader(t, dir, "").Load()
	require.NoError(t, err)
	require.Len(t, set.Domain, 1)
	require.Len(t, set.Skipped, 1)
	require.Contains(t, set.Skipped[0].Reason, "duplicate")
}

func TestLoadReusesCompiledArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "base.yaml", sampleRulesYAML)

	env, err := NewEnvironment()
	require.NoError(t, err)
	ruleCache := cache.NewRuleCache(1 << 20)
	loader := NewLoader(env, ruleCache, dir, "")

	first, err := loader.Load()
	require.NoError(t, err)
	second, err := loader.Load()
	require.NoError(t, err)

	require.Same(t, first.Domain[0], second.Domain[0],
		"an unchanged rule must reuse its tier-2 compiled artifact")
	require.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestLoadVersionDerivedFromExpression(t *testing.T) {
	a := ruleVersion(Rule{Expression: `content.contains("a")`})
	b := ruleVersion(Rule{Expression: `content.contains("b")`})
	require.NotEqual(t, a, b)
	require.Equal(t, "v7", ruleVersion(Rule{Version: "v7", Expression: "ignored"}))
}

func TestLoadMissingFileFatal(t *testing.T) {
	_, err := newTestLoader(t, "", filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.Error(t, err)
}
