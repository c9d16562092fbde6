package planner

import (
	bolt "go.etcd.io/bbolt"

	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/quad"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
)

// EstimateCardinality counts the quads a triple pattern's bound-mask
// selects within one graph — a cheap count of the entries under the keyed
// prefix — consulting cache first and populating it on a miss. A nil
// cache always recounts.
func EstimateCardinality(btx *bolt.Tx, g atom.ID, pat quad.Pattern, cache *StatsCache) (int64, error) {
	idx, prefix := quad.BoundPrefix(g, pat)
	if cache != nil {
		if v, ok := cache.Get(idx, prefix); ok {
			return v, nil
		}
	}
	var count int64
	err := quad.ScanPattern(btx, g, pat, func(quad.Match) (bool, error) {
		count++
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	if cache != nil {
		cache.Put(idx, prefix, count)
	}
	return count, nil
}

// TermResolver turns an already-bound algebra.Term into an atom.ID to
// probe the estimator with, or ok=false for a variable — a small
// standalone resolver so estimation doesn't depend on the executor's
// context type.
type TermResolver func(t algebra.Term) (atom.ID, bool)

// patternFor builds the quad.Pattern EstimateCardinality needs from a
// triple pattern given which variables are already bound going into this
// step of the BGP and a resolver for turning bound terms into atom ids.
func patternFor(tp algebra.TriplePattern, bound map[algebra.Var]bool, resolve TermResolver) (quad.Pattern, bool) {
	pat := quad.Pattern{}
	bindTerm := func(t algebra.Term, dst **atom.ID) bool {
		if t.Kind == algebra.TermVar && !bound[t.Var] {
			return true
		}
		id, ok := resolve(t)
		if !ok {
			return false
		}
		v := id
		*dst = &v
		return true
	}
	if !bindTerm(tp.S, &pat.S) {
		return pat, false
	}
	if !bindTerm(tp.P, &pat.P) {
		return pat, false
	}
	if !bindTerm(tp.O, &pat.O) {
		return pat, false
	}
	return pat, true
}

// ReorderBGPWithEstimator greedily orders triples by ascending estimated
// cardinality, given everything chosen so far: at
// each step it picks whichever remaining pattern the estimator reports
// fewest matches for under the bindings accumulated by prior picks. It
// falls back to ReorderBGP's structural bound-count heuristic for any
// pattern the resolver can't evaluate yet (e.g. referencing a variable no
// earlier pattern binds, or an IRI/literal the estimator has no live tx
// to intern — callers that can't resolve terms should use ReorderBGP
// directly instead of passing a no-op resolver here).
func ReorderBGPWithEstimator(triples []algebra.TriplePattern, g atom.ID, btx *bolt.Tx, resolve TermResolver, cache *StatsCache) ([]algebra.TriplePattern, error) {
	remaining := append([]algebra.TriplePattern(nil), triples...)
	bound := map[algebra.Var]bool{}
	out := make([]algebra.TriplePattern, 0, len(triples))

	for len(remaining) > 0 {
		bestIdx := 0
		bestCost := int64(-1)
		bestBoundCount := -1
		haveCost := false

		for i, tp := range remaining {
			boundCount := BoundCount(tp, bound)
			pat, ok := patternFor(tp, bound, resolve)
			if !ok {
				if !haveCost && boundCount > bestBoundCount {
					bestIdx, bestBoundCount = i, boundCount
				}
				continue
			}
			cost, err := EstimateCardinality(btx, g, pat, cache)
			if err != nil {
				return nil, err
			}
			if !haveCost || cost < bestCost {
				bestIdx, bestCost, bestBoundCount, haveCost = i, cost, boundCount, true
			}
		}

		chosen := remaining[bestIdx]
		out = append(out, chosen)
		markBound(chosen.S, bound)
		markBound(chosen.P, bound)
		markBound(chosen.O, bound)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return out, nil
}
