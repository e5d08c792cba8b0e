package cache

import (
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/l0p7/complyd/internal/verdict"
)

// CompiledRule is the parsed, optimized form of a validation rule. It is
// immutable after insertion and reference-shared across evaluations; a new
// rule version produces a new entry, so concurrent readers never observe a
// partially updated program.
type CompiledRule struct {
	ID         string
	Version    string
	Stage      string
	Verdict    verdict.Verdict
	Confidence float64
	Program    cel.Program

	generation uint64
}

// RuleCache is the tier-2 process cache. It owns two sub-stores: a byte-LRU
// for verdicts (larger than tier-1) and a generation-scoped map of compiled
// rule artifacts. Compiled rules are never evicted by recency; they age out
// only when a rule-set reload advances the generation past them.
type RuleCache struct {
	verdicts *MemoryCache

	mu         sync.RWMutex
	generation uint64
	programs   map[string]*CompiledRule
}

// NewRuleCache builds a tier-2 cache whose verdict sub-store holds up to
// capacityBytes of entries.
func NewRuleCache(capacityBytes int64) *RuleCache {
	if capacityBytes <= 0 {
		capacityBytes = 16 << 20
	}
	return &RuleCache{
		verdicts:   NewMemory(capacityBytes),
		generation: 1,
		programs:   make(map[string]*CompiledRule),
	}
}

// Get looks up a verdict in the tier-2 sub-store.
func (c *RuleCache) Get(key string) (verdict.Entry, bool) { return c.verdicts.Get(key) }

// Put stores a verdict in the tier-2 sub-store.
func (c *RuleCache) Put(key string, entry verdict.Entry) { c.verdicts.Put(key, entry) }

// GetCompiled returns the compiled artifact for a rule id and version.
func (c *RuleCache) GetCompiled(ruleID, version string) (*CompiledRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rule, ok := c.programs[ruleID+"@"+version]
	return rule, ok
}

// PutCompiled registers a compiled artifact under the current generation.
// Re-inserting an existing id+version keeps the first artifact so callers
// holding a reference never see it swapped underneath them.
func (c *RuleCache) PutCompiled(rule *CompiledRule) {
	if rule == nil || rule.ID == "" {
		return
	}
	key := rule.ID + "@" + rule.Version
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.programs[key]; ok {
		existing.generation = c.generation
		return
	}
	rule.generation = c.generation
	c.programs[key] = rule
}

// AdvanceGeneration marks the start of a new rule-set generation and drops
// compiled artifacts that no rule in the new set re-registered. Callers
// re-insert the surviving rules before the next evaluation uses them; live
// references held by in-flight evaluations stay valid because the artifacts
// themselves are immutable.
func (c *RuleCache) AdvanceGeneration(survivors []*CompiledRule) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	for _, rule := range survivors {
		if rule == nil || rule.ID == "" {
			continue
		}
		rule.generation = c.generation
		c.programs[rule.ID+"@"+rule.Version] = rule
	}
	for key, rule := range c.programs {
		if rule.generation != c.generation {
			delete(c.programs, key)
		}
	}
	return c.generation
}

// Generation reports the active rule-set generation for health checks.
func (c *RuleCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// CompiledLen reports the number of resident compiled artifacts.
func (c *RuleCache) CompiledLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// PurgeVerdicts empties the verdict sub-store, leaving compiled rules alone.
func (c *RuleCache) PurgeVerdicts() { c.verdicts.Purge() }
