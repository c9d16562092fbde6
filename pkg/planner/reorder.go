package planner

import "github.com/chronograph/qstore/pkg/sparql/algebra"

// ReorderBGP greedily orders a basic graph pattern's triples so that each
// step has the most bound positions given everything chosen so far,
// keeping every index scan as narrow as the already-bound variables
// allow. Ties keep the original relative
// order (stable), which favors a query author's natural
// most-selective-first style when the heuristic can't distinguish.
func ReorderBGP(triples []algebra.TriplePattern) []algebra.TriplePattern {
	remaining := append([]algebra.TriplePattern(nil), triples...)
	bound := map[algebra.Var]bool{}
	out := make([]algebra.TriplePattern, 0, len(triples))

	for len(remaining) > 0 {
		bestIdx, bestScore := 0, -1
		for i, tp := range remaining {
			score := BoundCount(tp, bound)
			if score > bestScore {
				bestIdx, bestScore = i, score
			}
		}
		chosen := remaining[bestIdx]
		out = append(out, chosen)
		markBound(chosen.S, bound)
		markBound(chosen.P, bound)
		markBound(chosen.O, bound)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return out
}

func markBound(t algebra.Term, bound map[algebra.Var]bool) {
	if t.Kind == algebra.TermVar {
		bound[t.Var] = true
	}
}

// PushDownFilters splits FILTER conditions wrapping a BGP into those that
// only reference already-available variables (pushed directly below the
// filter's position) versus those that need a later join to resolve. The
// executor calls it once per join stage, so each condition lands at the
// earliest stage by which its variables are all bound.
func PushDownFilters(conds []algebra.Expr, availableAfter func(algebra.Expr) bool) (pushable, residual []algebra.Expr) {
	for _, c := range conds {
		if availableAfter(c) {
			pushable = append(pushable, c)
		} else {
			residual = append(residual, c)
		}
	}
	return pushable, residual
}

// FilterVars collects every variable an expression references: the set a
// filter needs bound before it can evaluate to anything but an error.
func FilterVars(e algebra.Expr) []algebra.Var {
	seen := map[algebra.Var]bool{}
	var out []algebra.Var
	var walk func(e algebra.Expr)
	walk = func(e algebra.Expr) {
		switch n := e.(type) {
		case algebra.TermExpr:
			if n.Term.Kind == algebra.TermVar && !seen[n.Term.Var] {
				seen[n.Term.Var] = true
				out = append(out, n.Term.Var)
			}
		case algebra.UnaryExpr:
			walk(n.Expr)
		case algebra.BinaryExpr:
			walk(n.Left)
			walk(n.Right)
		case algebra.FuncCall:
			for _, a := range n.Args {
				walk(a)
			}
		case algebra.AggregateExpr:
			if n.Agg.Expr != nil {
				walk(n.Agg.Expr)
			}
		}
	}
	walk(e)
	return out
}
