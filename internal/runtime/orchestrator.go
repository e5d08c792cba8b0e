// Package runtime orchestrates verdict evaluation: the bloom pre-filter,
// the three cache tiers, and the validation pipeline behind them. The
// orchestrator owns cache-key epochs and rule-set rollover, so every other
// component sees reloads as a single atomic swap.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/complyd/internal/metrics"
	"github.com/l0p7/complyd/internal/rules"
	"github.com/l0p7/complyd/internal/runtime/cache"
	"github.com/l0p7/complyd/internal/runtime/pipeline"
	"github.com/l0p7/complyd/internal/verdict"
)

const (
	defaultOverallDeadline   = 2 * time.Second
	defaultDistributedTTL    = 10 * time.Minute
	defaultTier3WriteTimeout = 2 * time.Second
)

// ErrDeadlineExceeded reports that the overall evaluation deadline expired
// before any verdict could be produced. It wraps context.DeadlineExceeded
// so callers can match either sentinel.
var ErrDeadlineExceeded = fmt.Errorf("runtime: evaluation deadline exceeded: %w", context.DeadlineExceeded)

// Request is one piece of content submitted for a compliance verdict.
type Request struct {
	Type        string
	Content     []byte
	Context     map[string]string
	Correlation string
}

// RuleSubscriber receives the new rule set when a reload lands. The
// validation stages implement it.
type RuleSubscriber interface {
	Swap(set *rules.Set)
}

// Options wires the orchestrator's collaborators. PreFilter, Memory,
// Rules, and Pipeline are required; Distributed is optional and its
// absence simply skips tier 3.
type Options struct {
	PreFilter       *cache.PreFilter
	Memory          *cache.MemoryCache
	Rules           *cache.RuleCache
	Distributed     cache.DistributedStore
	Keys            cache.KeyBuilder
	Pipeline        *pipeline.Pipeline
	DistributedTTL  time.Duration
	OverallDeadline time.Duration
	// FastReject lets a pre-filter "never seen" answer skip the tier
	// lookups entirely. Off by default: the filter is process-local, so
	// a cold replica would otherwise never consult tier-3 entries
	// written by its peers.
	FastReject bool
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Orchestrator answers Evaluate calls from the cheapest tier that can.
type Orchestrator struct {
	logger    *slog.Logger
	metrics   *metrics.Recorder
	prefilter *cache.PreFilter
	tier1     *cache.MemoryCache
	tier2     *cache.RuleCache
	tier3     cache.DistributedStore
	pipe      *pipeline.Pipeline

	tier3TTL   time.Duration
	overall    time.Duration
	fastReject bool

	mu          sync.RWMutex
	keys        cache.KeyBuilder
	fingerprint string
	subscribers []RuleSubscriber

	tier3Healthy atomic.Bool
	writes       sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	overall := opts.OverallDeadline
	if overall <= 0 {
		overall = defaultOverallDeadline
	}
	ttl := opts.DistributedTTL
	if ttl <= 0 {
		ttl = defaultDistributedTTL
	}
	o := &Orchestrator{
		logger:     logger.With(slog.String("component", "orchestrator")),
		metrics:    opts.Metrics,
		prefilter:  opts.PreFilter,
		tier1:      opts.Memory,
		tier2:      opts.Rules,
		tier3:      opts.Distributed,
		pipe:       opts.Pipeline,
		tier3TTL:   ttl,
		overall:    overall,
		fastReject: opts.FastReject,
		keys:       opts.Keys,
	}
	o.tier3Healthy.Store(opts.Distributed != nil)
	return o
}

// Subscribe registers a stage to be notified of rule-set swaps. Not safe
// to call concurrently with ApplyRules; wire subscribers at startup.
func (o *Orchestrator) Subscribe(sub RuleSubscriber) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subscribers = append(o.subscribers, sub)
}

// ApplyRules rolls the runtime over to a freshly loaded rule set: the key
// epoch advances so every outstanding cache key goes stale at once, both
// local verdict tiers are purged, the tier-2 compiled artifacts move to
// the next generation keeping only survivors, and the stages swap their
// snapshots. Tier 3 needs no purge because the epoch is part of the key.
func (o *Orchestrator) ApplyRules(set *rules.Set) {
	if set == nil {
		return
	}
	o.mu.Lock()
	o.keys = o.keys.WithEpoch(o.keys.Epoch() + 1)
	o.fingerprint = set.Fingerprint
	epoch := o.keys.Epoch()
	subs := append([]RuleSubscriber(nil), o.subscribers...)
	o.mu.Unlock()

	generation := o.tier2.AdvanceGeneration(set.All())
	o.tier2.PurgeVerdicts()
	o.tier1.Purge()
	for _, sub := range subs {
		sub.Swap(set)
	}

	o.logger.Info("rule set applied",
		slog.String("fingerprint", set.Fingerprint),
		slog.Int("epoch", epoch),
		slog.Uint64("generation", generation),
		slog.Int("semanticRules", len(set.Semantic)),
		slog.Int("domainRules", len(set.Domain)),
		slog.Int("skipped", len(set.Skipped)))
}

// Evaluate produces a compliance verdict for the request, consulting the
// cache tiers in order and falling through to the validation pipeline on
// a full miss. Identical content always maps to the same key, so repeat
// evaluations are idempotent until the rule set changes.
func (o *Orchestrator) Evaluate(ctx context.Context, req Request) (verdict.Aggregated, error) {
	start := time.Now()
	if req.Correlation == "" {
		req.Correlation = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, o.overall)
	defer cancel()

	o.mu.RLock()
	keys := o.keys
	fingerprint := o.fingerprint
	o.mu.RUnlock()
	key := keys.Fingerprint(req.Type, req.Content, req.Context)

	if agg, ok := o.lookup(ctx, key, fingerprint); ok {
		agg.Correlation = req.Correlation
		agg.Elapsed = time.Since(start)
		o.metrics.ObserveEvaluate(string(agg.Provenance), agg.Verdict.String(), agg.Elapsed)
		return agg, nil
	}

	deadline, _ := ctx.Deadline()
	agg, _, err := o.pipe.Run(ctx, pipeline.Request{
		Type:        req.Type,
		Content:     req.Content,
		Context:     req.Context,
		Deadline:    deadline,
		Correlation: req.Correlation,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return verdict.Aggregated{}, ErrDeadlineExceeded
		}
		return verdict.Aggregated{}, err
	}
	agg.Correlation = req.Correlation
	agg.RuleSet = fingerprint
	agg.Elapsed = time.Since(start)

	if !agg.Degraded {
		o.store(key, agg, fingerprint)
	}
	o.metrics.ObserveEvaluate(string(agg.Provenance), agg.Verdict.String(), agg.Elapsed)
	return agg, nil
}

// lookup walks the tiers cheapest-first. A hit in a lower tier is promoted
// upward so the next lookup for the same content stops earlier.
func (o *Orchestrator) lookup(ctx context.Context, key, fingerprint string) (verdict.Aggregated, bool) {
	if !o.prefilter.MightContain(key) {
		o.metrics.ObservePreFilter("novel")
		// The filter only knows keys this process added; without
		// fast-reject semantics the tiers are still consulted so a
		// cold replica can pick up verdicts its peers wrote to tier 3.
		if o.fastReject {
			return verdict.Aggregated{}, false
		}
	} else {
		o.metrics.ObservePreFilter("candidate")
	}

	t1Start := time.Now()
	if entry, ok := o.tier1.Get(key); ok && entry.RuleSet == fingerprint {
		o.metrics.ObserveCache("tier1", "get", "hit", time.Since(t1Start))
		return verdict.FromEntry(entry, verdict.ProvenanceMemory), true
	}
	o.metrics.ObserveCache("tier1", "get", "miss", time.Since(t1Start))

	t2Start := time.Now()
	if entry, ok := o.tier2.Get(key); ok && entry.RuleSet == fingerprint {
		o.metrics.ObserveCache("tier2", "get", "hit", time.Since(t2Start))
		o.tier1.Put(key, entry)
		return verdict.FromEntry(entry, verdict.ProvenanceRules), true
	}
	o.metrics.ObserveCache("tier2", "get", "miss", time.Since(t2Start))

	if o.tier3 == nil {
		return verdict.Aggregated{}, false
	}
	t3Start := time.Now()
	entry, ok, err := o.tier3.Get(ctx, key)
	switch {
	case err != nil:
		o.metrics.ObserveCache("tier3", "get", "error", time.Since(t3Start))
		o.tier3Healthy.Store(false)
		o.logger.Warn("tier-3 lookup failed, continuing without it",
			slog.String("key", key),
			slog.Any("error", err))
	case ok && entry.RuleSet == fingerprint:
		o.metrics.ObserveCache("tier3", "get", "hit", time.Since(t3Start))
		o.tier3Healthy.Store(true)
		o.tier1.Put(key, entry)
		o.tier2.Put(key, entry)
		return verdict.FromEntry(entry, verdict.ProvenanceDistributed), true
	default:
		o.metrics.ObserveCache("tier3", "get", "miss", time.Since(t3Start))
		o.tier3Healthy.Store(true)
	}
	return verdict.Aggregated{}, false
}

// store writes the fresh verdict through tiers 1 and 2 synchronously and
// to tier 3 in the background so a slow distributed store never holds up
// the response.
func (o *Orchestrator) store(key string, agg verdict.Aggregated, fingerprint string) {
	now := time.Now().UTC()
	entry := verdict.Entry{
		Verdict:     agg.Verdict,
		Confidence:  agg.Confidence,
		RuleSet:     fingerprint,
		CreatedAt:   now,
		AccessedAt:  now,
		Correlation: agg.Correlation,
	}
	entry.SizeBytes = cache.EntrySize(key, entry)

	o.tier1.Put(key, entry)
	o.tier2.Put(key, entry)
	o.prefilter.Add(key)

	if o.tier3 == nil {
		return
	}
	o.writes.Add(1)
	go func() {
		defer o.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), defaultTier3WriteTimeout)
		defer cancel()
		start := time.Now()
		if err := o.tier3.Put(ctx, key, entry, o.tier3TTL); err != nil {
			o.metrics.ObserveCache("tier3", "put", "error", time.Since(start))
			o.tier3Healthy.Store(false)
			o.logger.Warn("tier-3 write failed",
				slog.String("key", key),
				slog.Any("error", err))
			return
		}
		o.metrics.ObserveCache("tier3", "put", "ok", time.Since(start))
		o.tier3Healthy.Store(true)
	}()
}

// Health is a point-in-time view of the runtime used by the health
// endpoint.
type Health struct {
	RuleSet        string            `json:"ruleSet"`
	Epoch          int               `json:"epoch"`
	Generation     uint64            `json:"generation"`
	CompiledRules  int               `json:"compiledRules"`
	Tier1Entries   int               `json:"tier1Entries"`
	Tier1UsedBytes int64             `json:"tier1UsedBytes"`
	Tier3          string            `json:"tier3"`
	PreFilterItems uint32            `json:"preFilterItems"`
	Breakers       map[string]string `json:"breakers"`
}

func (o *Orchestrator) Health() Health {
	o.mu.RLock()
	fingerprint := o.fingerprint
	epoch := o.keys.Epoch()
	o.mu.RUnlock()

	tier3 := "disabled"
	if o.tier3 != nil {
		tier3 = "degraded"
		if o.tier3Healthy.Load() {
			tier3 = "healthy"
		}
	}
	return Health{
		RuleSet:        fingerprint,
		Epoch:          epoch,
		Generation:     o.tier2.Generation(),
		CompiledRules:  o.tier2.CompiledLen(),
		Tier1Entries:   o.tier1.Len(),
		Tier1UsedBytes: o.tier1.UsedBytes(),
		Tier3:          tier3,
		PreFilterItems: o.prefilter.ApproximateItems(),
		Breakers:       o.pipe.BreakerStates(),
	}
}

// Close drains pending tier-3 writes and releases the distributed store.
func (o *Orchestrator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.writes.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if o.tier3 != nil {
		return o.tier3.Close(ctx)
	}
	return nil
}
