package exec

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/quad"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
	"github.com/chronograph/qstore/pkg/sparql/expr"
	"github.com/chronograph/qstore/pkg/storeerr"
)

// evalPath evaluates one property-path triple against an input binding,
// anchored at whichever of S/O is already bound. A path with both ends unbound would require enumerating
// every atom as a candidate start node; that case is rejected at this
// layer rather than silently scanning the whole dictionary (planner-level
// rewriting into a bound form is future work, not this executor's job).
func evalPath(ctx *Context, g atom.ID, pt algebra.PathTriple, in expr.Binding) ([]expr.Binding, error) {
	sID, sBound, err := resolveTerm(ctx, pt.S, in)
	if err != nil {
		return nil, err
	}
	oID, oBound, err := resolveTerm(ctx, pt.O, in)
	if err != nil {
		return nil, err
	}

	switch {
	case sBound:
		ends, err := stepClosure(ctx, g, pt.Path, sID, false)
		if err != nil {
			return nil, err
		}
		return bindEnds(ctx, in, pt.O, oBound, oID, ends)
	case oBound:
		ends, err := stepClosure(ctx, g, pt.Path, oID, true)
		if err != nil {
			return nil, err
		}
		return bindEnds(ctx, in, pt.S, false, 0, ends)
	default:
		return nil, fmt.Errorf("exec: %w: property path requires at least one bound endpoint", storeerr.ErrPlan)
	}
}

func bindEnds(ctx *Context, in expr.Binding, otherTerm algebra.Term, otherBound bool, otherID atom.ID, ends []atom.ID) ([]expr.Binding, error) {
	var out []expr.Binding
	for _, end := range ends {
		if otherBound {
			if end.Counter() != otherID.Counter() {
				continue
			}
			out = append(out, in)
			continue
		}
		if otherTerm.Kind != algebra.TermVar {
			continue
		}
		v, err := valueForID(ctx, end)
		if err != nil {
			return nil, err
		}
		out = append(out, in.With(otherTerm.Var, v))
	}
	return out, nil
}

// stepClosure returns every atom reachable from start by one full
// evaluation of path. reverse traverses the path as if it were inverted
// (used when the query binds the object end instead of the subject end).
func stepClosure(ctx *Context, g atom.ID, path algebra.PropertyPath, start atom.ID, reverse bool) ([]atom.ID, error) {
	switch p := path.(type) {
	case algebra.PathIRI:
		return directStep(ctx, g, p.IRI, start, reverse)
	case algebra.PathInverse:
		return stepClosure(ctx, g, p.Path, start, !reverse)
	case algebra.PathSeq:
		first, second := p.Left, p.Right
		if reverse {
			first, second = p.Right, p.Left
		}
		mids, err := stepClosure(ctx, g, first, start, reverse)
		if err != nil {
			return nil, err
		}
		seen := roaring.New()
		var out []atom.ID
		for _, mid := range mids {
			ends, err := stepClosure(ctx, g, second, mid, reverse)
			if err != nil {
				return nil, err
			}
			for _, e := range ends {
				if addOnce(seen, e) {
					out = append(out, e)
				}
			}
		}
		return out, nil
	case algebra.PathAlt:
		left, err := stepClosure(ctx, g, p.Left, start, reverse)
		if err != nil {
			return nil, err
		}
		right, err := stepClosure(ctx, g, p.Right, start, reverse)
		if err != nil {
			return nil, err
		}
		seen := roaring.New()
		var out []atom.ID
		for _, e := range append(left, right...) {
			if addOnce(seen, e) {
				out = append(out, e)
			}
		}
		return out, nil
	case algebra.PathZeroOrOne:
		seen := roaring.New()
		out := []atom.ID{start}
		addOnce(seen, start)
		rest, err := stepClosure(ctx, g, p.Path, start, reverse)
		if err != nil {
			return nil, err
		}
		for _, e := range rest {
			if addOnce(seen, e) {
				out = append(out, e)
			}
		}
		return out, nil
	case algebra.PathZeroOrMore:
		return bfsClosure(ctx, g, p.Path, start, reverse, true)
	case algebra.PathOneOrMore:
		return bfsClosure(ctx, g, p.Path, start, reverse, false)
	case algebra.PathNegatedSet:
		return negatedStep(ctx, g, p.IRIs, start, reverse)
	default:
		return nil, fmt.Errorf("exec: %w: unsupported property path node %T", storeerr.ErrPlan, path)
	}
}

// bfsClosure computes the transitive closure of path from start (the
// ZeroOrMore/OneOrMore cases), deduping visited atoms with a roaring bitmap
// keyed by the low 32 bits of the atom counter. Counters are 40-bit, so
// two atoms whose counters agree in their low 32 bits share one slot; the
// dedup is exact only while every counter stays below 2^32.
func bfsClosure(ctx *Context, g atom.ID, path algebra.PropertyPath, start atom.ID, reverse bool, includeZero bool) ([]atom.ID, error) {
	budget := ctx.PathStepBudget
	if budget <= 0 {
		budget = defaultPathStepBudget
	}
	steps := 0
	seen := roaring.New()
	var out []atom.ID
	frontier := []atom.ID{start}
	if includeZero {
		addOnce(seen, start)
		out = append(out, start)
	}
	for len(frontier) > 0 {
		var next []atom.ID
		for _, node := range frontier {
			steps++
			if steps > budget {
				return nil, fmt.Errorf("exec: %w: property path expansion exceeds step budget %d", storeerr.ErrQuota, budget)
			}
			ends, err := stepClosure(ctx, g, path, node, reverse)
			if err != nil {
				return nil, err
			}
			for _, e := range ends {
				if addOnce(seen, e) {
					out = append(out, e)
					next = append(next, e)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

func addOnce(seen *roaring.Bitmap, id atom.ID) bool {
	key := uint32(id.Counter())
	if seen.Contains(key) {
		return false
	}
	seen.Add(key)
	return true
}

func directStep(ctx *Context, g atom.ID, predIRI string, start atom.ID, reverse bool) ([]atom.ID, error) {
	predID, err := ctx.Atoms.Intern(ctx.Tx, atom.KindIRI, []byte(predIRI), 0, false, "")
	if err != nil {
		return nil, err
	}
	pat := quad.Pattern{P: &predID}
	if reverse {
		pat.O = &start
	} else {
		pat.S = &start
	}
	var out []atom.ID
	err = quad.ScanPattern(ctx.Tx, g, pat, func(m quad.Match) (bool, error) {
		if !ctx.Temporal.Matches(m.Payload, ctx.Now) {
			return true, nil
		}
		counter := m.O
		if reverse {
			counter = m.S
		}
		id, _, rerr := ctx.Atoms.ResolveCounter(ctx.Tx, counter)
		if rerr != nil {
			return false, rerr
		}
		out = append(out, id)
		return true, nil
	})
	return out, err
}

func negatedStep(ctx *Context, g atom.ID, excluded []string, start atom.ID, reverse bool) ([]atom.ID, error) {
	excludedIDs := make(map[uint64]struct{}, len(excluded))
	for _, iri := range excluded {
		id, err := ctx.Atoms.Intern(ctx.Tx, atom.KindIRI, []byte(iri), 0, false, "")
		if err != nil {
			return nil, err
		}
		excludedIDs[uint64(id)] = struct{}{}
	}
	pat := quad.Pattern{}
	if reverse {
		pat.O = &start
	} else {
		pat.S = &start
	}
	var out []atom.ID
	err := quad.ScanPattern(ctx.Tx, g, pat, func(m quad.Match) (bool, error) {
		if !ctx.Temporal.Matches(m.Payload, ctx.Now) {
			return true, nil
		}
		predID, _, rerr := ctx.Atoms.ResolveCounter(ctx.Tx, m.P)
		if rerr != nil {
			return false, rerr
		}
		if _, isExcluded := excludedIDs[uint64(predID)]; isExcluded {
			return true, nil
		}
		counter := m.O
		if reverse {
			counter = m.S
		}
		id, _, rerr := ctx.Atoms.ResolveCounter(ctx.Tx, counter)
		if rerr != nil {
			return false, rerr
		}
		out = append(out, id)
		return true, nil
	})
	return out, err
}
