package rules

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/l0p7/complyd/internal/runtime/cache"
	"github.com/l0p7/complyd/internal/verdict"
)

// Rule is the declarative form of one compliance rule as written in a
// rule document.
type Rule struct {
	Name       string   `koanf:"name"`
	Stage      string   `koanf:"stage"`
	Expression string   `koanf:"expression"`
	Verdict    string   `koanf:"verdict"`
	Confidence float64  `koanf:"confidence"`
	Version    string   `koanf:"version"`
	AppliesTo  []string `koanf:"appliesTo"`
}

type ruleDocument struct {
	Rules []Rule `koanf:"rules"`
}

// Skip records a rule definition the loader intentionally disabled, so
// health checks can surface a precise diagnosis without re-parsing files.
type Skip struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Source string `json:"source"`
}

// Set is an immutable compiled rule set. Stages hold a Set snapshot; a
// reload builds a fresh Set and swaps it in whole.
type Set struct {
	// Fingerprint identifies this exact rule set; it travels with every
	// cached verdict so stale entries can be told apart from current ones.
	Fingerprint string
	Semantic    []*cache.CompiledRule
	Domain      []*cache.CompiledRule
	// AppliesTo per rule id; empty slice means every request type.
	Applicability map[string][]string
	Sources       []string
	Skipped       []Skip
}

// All returns every compiled rule in the set.
func (s *Set) All() []*cache.CompiledRule {
	out := make([]*cache.CompiledRule, 0, len(s.Semantic)+len(s.Domain))
	out = append(out, s.Semantic...)
	out = append(out, s.Domain...)
	return out
}

// Loader reads rule documents from a folder and/or a single file and
// compiles them through the tier-2 rule cache so repeated loads of an
// unchanged rule reuse its compiled artifact.
type Loader struct {
	env       *Environment
	ruleCache *cache.RuleCache
	folder    string
	file      string
}

// NewLoader prepares a loader over the configured sources.
func NewLoader(env *Environment, ruleCache *cache.RuleCache, folder, file string) *Loader {
	return &Loader{env: env, ruleCache: ruleCache, folder: folder, file: file}
}

// Load parses every configured source, validates and compiles the rules,
// and returns the resulting Set. Invalid rules are skipped, not fatal; an
// unreadable source is fatal because it usually means a deployment error.
func (l *Loader) Load() (*Set, error) {
	paths, err := l.sourcePaths()
	if err != nil {
		return nil, err
	}

	var (
		rules   []Rule
		origins []string
		skips   []Skip
		seen    = map[string]string{}
	)
	for _, path := range paths {
		doc, err := parseDocument(path)
		if err != nil {
			return nil, err
		}
		for _, rule := range doc.Rules {
			if prev, dup := seen[rule.Name]; dup {
				skips = append(skips, Skip{
					Name:   rule.Name,
					Reason: fmt.Sprintf("duplicate definition (first seen in %s)", prev),
					Source: path,
				})
				continue
			}
			if reason := validateRule(rule); reason != "" {
				skips = append(skips, Skip{Name: rule.Name, Reason: reason, Source: path})
				continue
			}
			seen[rule.Name] = path
			rules = append(rules, rule)
			origins = append(origins, path)
		}
	}

	set := &Set{
		Applicability: make(map[string][]string),
		Sources:       uniqueSorted(origins),
		Skipped:       skips,
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	fingerprint := sha256.New()
	for _, rule := range rules {
		compiled, err := l.compile(rule)
		if err != nil {
			set.Skipped = append(set.Skipped, Skip{Name: rule.Name, Reason: err.Error(), Source: seen[rule.Name]})
			continue
		}
		switch compiled.Stage {
		case "semantic":
			set.Semantic = append(set.Semantic, compiled)
		case "domain":
			set.Domain = append(set.Domain, compiled)
		}
		set.Applicability[compiled.ID] = append([]string(nil), rule.AppliesTo...)
		fmt.Fprintf(fingerprint, "%s@%s:%s:%s:%.4f;", rule.Name, ruleVersion(rule), rule.Stage, rule.Expression, rule.Confidence)
	}
	set.Fingerprint = base64.RawURLEncoding.EncodeToString(fingerprint.Sum(nil))[:16]
	return set, nil
}

// compile fetches the compiled artifact from the tier-2 cache or compiles
// and registers it.
func (l *Loader) compile(rule Rule) (*cache.CompiledRule, error) {
	version := ruleVersion(rule)
	if l.ruleCache != nil {
		if compiled, ok := l.ruleCache.GetCompiled(rule.Name, version); ok {
			return compiled, nil
		}
	}

	program, err := l.env.Compile(rule.Expression)
	if err != nil {
		return nil, err
	}
	matchVerdict := verdict.NonCompliant
	if rule.Verdict == "compliant" {
		matchVerdict = verdict.Compliant
	}
	compiled := &cache.CompiledRule{
		ID:         rule.Name,
		Version:    version,
		Stage:      rule.Stage,
		Verdict:    matchVerdict,
		Confidence: rule.Confidence,
		Program:    program,
	}
	if l.ruleCache != nil {
		l.ruleCache.PutCompiled(compiled)
		if cached, ok := l.ruleCache.GetCompiled(rule.Name, version); ok {
			return cached, nil
		}
	}
	return compiled, nil
}

// ruleVersion prefers an explicit version and otherwise derives one from
// the expression, so editing a rule in place still yields a new compiled
// artifact.
func ruleVersion(rule Rule) string {
	if rule.Version != "" {
		return rule.Version
	}
	sum := sha256.Sum256([]byte(rule.Expression))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:12]
}

func validateRule(rule Rule) string {
	switch {
	case strings.TrimSpace(rule.Name) == "":
		return "rule name required"
	case rule.Stage != "semantic" && rule.Stage != "domain":
		return fmt.Sprintf("unsupported stage %q", rule.Stage)
	case strings.TrimSpace(rule.Expression) == "":
		return "rule expression required"
	case rule.Verdict != "" && rule.Verdict != "compliant" && rule.Verdict != "non-compliant":
		return fmt.Sprintf("unsupported verdict %q", rule.Verdict)
	case rule.Confidence <= 0 || rule.Confidence > 1:
		return "confidence must be in (0, 1]"
	}
	return ""
}

func (l *Loader) sourcePaths() ([]string, error) {
	var paths []string
	if l.folder != "" {
		err := filepath.WalkDir(l.folder, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if parserFor(path) != nil {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("rules: walk folder %s: %w", l.folder, err)
		}
	}
	if l.file != "" {
		if _, err := os.Stat(l.file); err != nil {
			return nil, fmt.Errorf("rules: stat %s: %w", l.file, err)
		}
		paths = append(paths, l.file)
	}
	sort.Strings(paths)
	return paths, nil
}

func parseDocument(path string) (ruleDocument, error) {
	parser := parserFor(path)
	if parser == nil {
		return ruleDocument{}, fmt.Errorf("rules: unsupported document format %s", path)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return ruleDocument{}, fmt.Errorf("rules: load %s: %w", path, err)
	}
	var doc ruleDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return ruleDocument{}, fmt.Errorf("rules: unmarshal %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser()
	case ".json":
		return kjson.Parser()
	case ".toml":
		return toml.Parser()
	default:
		return nil
	}
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
