package cache

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// PreFilter wraps a bloom filter recording every key whose verdict has been
// computed. A negative answer is authoritative ("definitely never seen"),
// a positive answer only justifies paying for the tier lookups. Bit-array
// length and hash count are derived from the configured capacity and
// false-positive target at construction; the filter is never resized.
type PreFilter struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewPreFilter sizes a filter for the expected number of distinct keys and
// the target false-positive rate. Exceeding the capacity degrades the
// false-positive rate gracefully; it never fails an Add.
func NewPreFilter(capacity uint, falsePositiveRate float64) *PreFilter {
	if capacity == 0 {
		capacity = 1_000_000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.001
	}
	return &PreFilter{filter: bloom.NewWithEstimates(capacity, falsePositiveRate)}
}

// Add records a key. Safe for concurrent use with MightContain.
func (f *PreFilter) Add(key string) {
	f.mu.Lock()
	f.filter.Add([]byte(key))
	f.mu.Unlock()
}

// MightContain reports whether the key may have been added. False is
// guaranteed to mean the key was never added.
func (f *PreFilter) MightContain(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.Test([]byte(key))
}

// ApproximateItems reports how many keys the filter has absorbed, for
// health reporting.
func (f *PreFilter) ApproximateItems() uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.ApproximatedSize()
}
