// Package planner chooses triple-pattern evaluation order and an index
// per pattern: reorder the BGP so the most selective
// pattern runs first, and push filters down onto the WHERE clause
// wherever an expression only touches already-bound variables. Projections
// are not pushed down.
package planner

import (
	"sync"

	"github.com/chronograph/qstore/pkg/quad"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
)

// statsKey identifies one cardinality estimate: the index a pattern would
// route through plus its bound-prefix byte string.
type statsKey struct {
	idx    quad.IndexName
	prefix string
}

// StatsCache is a bounded cardinality cache keyed by (index, bound
// prefix) that evicts in insertion order (Get does not refresh an
// entry), invalidated wholesale on every commit, which keeps estimate
// staleness bounded to one transaction.
type StatsCache struct {
	mu       sync.Mutex
	cap      int
	entries  map[statsKey]int64
	order    []statsKey
}

// DefaultStatsCacheCapacity bounds memory use for the estimate cache.
const DefaultStatsCacheCapacity = 4096

func NewStatsCache(capacity int) *StatsCache {
	if capacity <= 0 {
		capacity = DefaultStatsCacheCapacity
	}
	return &StatsCache{cap: capacity, entries: make(map[statsKey]int64)}
}

func (c *StatsCache) Get(idx quad.IndexName, prefix []byte) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[statsKey{idx, string(prefix)}]
	return v, ok
}

func (c *StatsCache) Put(idx quad.IndexName, prefix []byte, estimate int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := statsKey{idx, string(prefix)}
	if _, exists := c.entries[k]; !exists {
		if len(c.order) >= c.cap {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, k)
	}
	c.entries[k] = estimate
}

// Invalidate clears every cached estimate; called once per commit,
// cheaper than tracking per-prefix staleness.
func (c *StatsCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[statsKey]int64)
	c.order = nil
}

// BoundCount reports how many of (s,p,o) a triple pattern has bound
// given a partial binding of already-fixed variables — the cheap
// selectivity heuristic used by ReorderBGP when no stats cache hit is
// available.
func BoundCount(tp algebra.TriplePattern, bound map[algebra.Var]bool) int {
	n := 0
	if termBound(tp.S, bound) {
		n++
	}
	if termBound(tp.P, bound) {
		n++
	}
	if termBound(tp.O, bound) {
		n++
	}
	return n
}

func termBound(t algebra.Term, bound map[algebra.Var]bool) bool {
	if t.Kind != algebra.TermVar {
		return true
	}
	return bound[t.Var]
}
