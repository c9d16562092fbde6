package exec

import (
	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/quad"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
	"github.com/chronograph/qstore/pkg/sparql/expr"
)

// tripleScan evaluates one TriplePattern against one graph, extending an
// input binding with whichever positions were unbound. It materializes
// its results eagerly: a BGP's nested-loop plan re-runs the next
// pattern's scan once per input row, so each row's match set needs to be
// collected before recursing into the following triple.
func tripleScan(ctx *Context, g atom.ID, tp algebra.TriplePattern, in expr.Binding) ([]expr.Binding, error) {
	sID, sBound, err := resolveTerm(ctx, tp.S, in)
	if err != nil {
		return nil, err
	}
	pID, pBound, err := resolveTerm(ctx, tp.P, in)
	if err != nil {
		return nil, err
	}
	oID, oBound, err := resolveTerm(ctx, tp.O, in)
	if err != nil {
		return nil, err
	}

	pat := quad.Pattern{}
	if sBound {
		pat.S = &sID
	}
	if pBound {
		pat.P = &pID
	}
	if oBound {
		pat.O = &oID
	}

	var out []expr.Binding
	var fatalErr error
	err = quad.ScanPattern(ctx.Tx, g, pat, func(m quad.Match) (bool, error) {
		if !ctx.Temporal.Matches(m.Payload, ctx.Now) {
			return true, nil
		}
		row, ok, err := bindRow(ctx, in, tp, sBound, pBound, oBound, m)
		if err != nil {
			fatalErr = err
			return false, nil
		}
		if ok {
			out = append(out, row)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if fatalErr != nil {
		return nil, fatalErr
	}
	return out, nil
}

// bindRow extends in with the unbound positions of tp from one scan
// match. ok is false (with a nil error) when a repeated variable's two
// occurrences resolved to different atoms — that row is simply dropped,
// not a query error.
func bindRow(ctx *Context, in expr.Binding, tp algebra.TriplePattern, sBound, pBound, oBound bool, m quad.Match) (expr.Binding, bool, error) {
	row := in
	var err error
	if !sBound {
		row, err = bindCounter(ctx, row, tp.S, m.S)
		if err == errIncompatibleBinding {
			return nil, false, nil
		} else if err != nil {
			return nil, false, err
		}
	}
	if !pBound {
		row, err = bindCounter(ctx, row, tp.P, m.P)
		if err == errIncompatibleBinding {
			return nil, false, nil
		} else if err != nil {
			return nil, false, err
		}
	}
	if !oBound {
		row, err = bindCounter(ctx, row, tp.O, m.O)
		if err == errIncompatibleBinding {
			return nil, false, nil
		} else if err != nil {
			return nil, false, err
		}
	}
	return row, true, nil
}

func bindCounter(ctx *Context, in expr.Binding, t algebra.Term, counter uint64) (expr.Binding, error) {
	if t.Kind != algebra.TermVar {
		return in, nil
	}
	if existing, ok := in.Get(t.Var); ok {
		if existing.HasAtom {
			// A repeated variable within the same triple (e.g. ?x p ?x) must
			// agree across positions; the caller's quad.ScanPattern already
			// narrowed on the bound side so this only guards the fully
			// variable case.
			v, err := valueForCounter(ctx, counter)
			if err != nil {
				return in, err
			}
			if v.AtomID.Counter() != existing.AtomID.Counter() {
				return in, errIncompatibleBinding
			}
			return in, nil
		}
	}
	v, err := valueForCounter(ctx, counter)
	if err != nil {
		return in, err
	}
	return in.With(t.Var, v), nil
}

// errIncompatibleBinding signals a row that must be dropped (e.g. a
// repeated-variable triple pattern whose two occurrences resolved to
// different atoms); BGPScan filters it out rather than propagating it as
// a query error.
var errIncompatibleBinding = bindingMismatch{}

type bindingMismatch struct{}

func (bindingMismatch) Error() string { return "exec: binding mismatch" }

// bgpScan evaluates a BGP's triples in listed order as a left-deep chain
// of index nested-loop joins. The planner is free to reorder Triples
// before this executes; this function just threads bindings through
// whatever order it receives.
type bgpScan struct {
	ctx  *Context
	g    atom.ID
	rows []expr.Binding
	pos  int
}

// newBGPScan threads bindings through the ordered triples. stageFilters
// (nil when no FILTER wraps the BGP) holds the conditions pushed down to
// each stage; applying them here prunes rows before the next triple's
// scan ever sees them.
func newBGPScan(ctx *Context, g atom.ID, triples []algebra.TriplePattern, in expr.Binding, stageFilters [][]algebra.Expr) (*bgpScan, error) {
	rows := []expr.Binding{in}
	for i, tp := range triples {
		var next []expr.Binding
		for _, row := range rows {
			matched, err := tripleScan(ctx, g, tp, row)
			if err != nil {
				if err == errIncompatibleBinding {
					continue
				}
				return nil, err
			}
			for _, m := range matched {
				if m != nil {
					next = append(next, m)
				}
			}
		}
		if stageFilters != nil && i < len(stageFilters) {
			next = applyFilters(next, stageFilters[i])
		}
		rows = next
		if len(rows) == 0 {
			break
		}
	}
	return &bgpScan{ctx: ctx, g: g, rows: rows}, nil
}

func (s *bgpScan) Next() (expr.Binding, bool, error) {
	if s.pos >= len(s.rows) {
		return nil, false, nil
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true, nil
}

func (s *bgpScan) Close() error { return nil }
