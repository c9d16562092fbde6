package exec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/planner"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
	"github.com/chronograph/qstore/pkg/sparql/expr"
	"github.com/chronograph/qstore/pkg/storeerr"
)

// evalPattern evaluates one GraphPattern node against an input binding,
// returning every resulting solution. Combinators are expressed over
// whole result sets rather than as individually pulled operators: a BGP's
// nested-loop join collects each triple scan's matches in full before it
// moves to the next triple, and SPARQL's own combinators (OPTIONAL, UNION,
// MINUS, aggregation) all need to see either the full left or the full
// right side before they can decide what to emit.
func evalPattern(ctx *Context, g atom.ID, p algebra.GraphPattern, in expr.Binding) ([]expr.Binding, error) {
	switch n := p.(type) {
	case algebra.BGP:
		return evalBGP(ctx, g, n, nil, in)

	case algebra.Join:
		left, err := evalPattern(ctx, g, n.Left, in)
		if err != nil {
			return nil, err
		}
		if len(left) == 0 {
			return nil, nil
		}

		threshold := ctx.HashJoinThreshold
		if threshold <= 0 {
			threshold = defaultHashJoinThreshold
		}
		keys := sharedVars(collectVars(n.Left), collectVars(n.Right))
		if len(left) > threshold && len(keys) > 0 {
			return hashJoin(ctx, g, left, n.Right, keys, in)
		}

		// NestedLoopJoin: for each left solution, rebuild
		// right with substituted constants.
		var out []expr.Binding
		for _, l := range left {
			right, err := evalPattern(ctx, g, n.Right, l)
			if err != nil {
				return nil, err
			}
			out = append(out, right...)
		}
		return out, nil

	case algebra.LeftJoin:
		left, err := evalPattern(ctx, g, n.Left, in)
		if err != nil {
			return nil, err
		}
		var out []expr.Binding
		for _, l := range left {
			right, err := evalPattern(ctx, g, n.Right, l)
			if err != nil {
				return nil, err
			}
			if n.Filter != nil {
				var filtered []expr.Binding
				for _, r := range right {
					v, err := expr.Eval(n.Filter, r)
					if err == nil && expr.EffectiveBooleanValue(v) {
						filtered = append(filtered, r)
					}
				}
				right = filtered
			}
			if len(right) == 0 {
				out = append(out, l)
			} else {
				out = append(out, right...)
			}
		}
		return out, nil

	case algebra.UnionPattern:
		left, err := evalPattern(ctx, g, n.Left, in)
		if err != nil {
			return nil, err
		}
		right, err := evalPattern(ctx, g, n.Right, in)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil

	case algebra.MinusPattern:
		left, err := evalPattern(ctx, g, n.Left, in)
		if err != nil {
			return nil, err
		}
		right, err := evalPattern(ctx, g, n.Right, in)
		if err != nil {
			return nil, err
		}
		var out []expr.Binding
		for _, l := range left {
			excluded := false
			for _, r := range right {
				if sharesCompatibleDomain(l, r) && l.Compatible(r) {
					excluded = true
					break
				}
			}
			if !excluded {
				out = append(out, l)
			}
		}
		return out, nil

	case algebra.FilterPattern:
		// A filter directly over a BGP is pushed into the scan chain, so
		// it narrows the row set as soon as its variables are bound
		// instead of only after the whole BGP has materialized.
		if bgp, ok := n.Pattern.(algebra.BGP); ok {
			return evalBGP(ctx, g, bgp, []algebra.Expr{n.Cond}, in)
		}
		rows, err := evalPattern(ctx, g, n.Pattern, in)
		if err != nil {
			return nil, err
		}
		return applyFilters(rows, []algebra.Expr{n.Cond}), nil

	case algebra.BindPattern:
		rows, err := evalPattern(ctx, g, n.Pattern, in)
		if err != nil {
			return nil, err
		}
		var out []expr.Binding
		for _, row := range rows {
			v, err := expr.Eval(n.Expr, row)
			if err != nil {
				out = append(out, row)
				continue
			}
			if existing, already := row.Get(n.As); already {
				// Rebinding to the same value keeps the solution; a
				// conflicting value drops it, not the whole query.
				if expr.SameValue(existing, v) {
					out = append(out, row)
				}
				continue
			}
			out = append(out, row.With(n.As, v))
		}
		return out, nil

	case algebra.ValuesPattern:
		var out []expr.Binding
		for _, rowTerms := range n.Rows {
			b := in
			for i, v := range n.Vars {
				if i >= len(rowTerms) || rowTerms[i].Kind == algebra.TermVar {
					continue // UNDEF
				}
				id, _, err := resolveTerm(ctx, rowTerms[i], expr.Binding{})
				if err != nil {
					return nil, err
				}
				rv, err := valueForID(ctx, id)
				if err != nil {
					return nil, err
				}
				b = b.With(v, rv)
			}
			out = append(out, b)
		}
		return out, nil

	case algebra.GraphNamePattern:
		if n.Graph.Kind == algebra.TermVar {
			var out []expr.Binding
			graphs, err := ctx.Indexes.ListGraphs(ctx.Tx)
			if err != nil {
				return nil, err
			}
			for _, gid := range graphs {
				gv, err := valueForID(ctx, gid)
				if err != nil {
					return nil, err
				}
				rows, err := evalPattern(ctx, gid, n.Pattern, in.With(n.Graph.Var, gv))
				if err != nil {
					return nil, err
				}
				out = append(out, rows...)
			}
			return out, nil
		}
		gid, _, err := resolveTerm(ctx, n.Graph, in)
		if err != nil {
			return nil, err
		}
		return evalPattern(ctx, gid, n.Pattern, in)

	case algebra.TemporalPattern:
		saved := ctx.Temporal
		ctx.Temporal = n.Clause
		defer func() { ctx.Temporal = saved }()
		return evalPattern(ctx, g, n.Pattern, in)

	case algebra.ExistsPattern:
		rows, err := evalPattern(ctx, g, n.Pattern, in)
		if err != nil {
			return nil, err
		}
		exists := len(rows) > 0
		if n.Negated {
			exists = !exists
		}
		if exists {
			return []expr.Binding{in}, nil
		}
		return nil, nil

	case algebra.SubSelect:
		limit := ctx.SubqueryDepthLimit
		if limit <= 0 {
			limit = defaultSubqueryDepthLimit
		}
		if ctx.subqueryDepth >= limit {
			return nil, fmt.Errorf("exec: %w: subquery nesting exceeds depth %d", storeerr.ErrQuota, limit)
		}
		ctx.subqueryDepth++
		result, err := ExecuteSelect(ctx, n.Query)
		ctx.subqueryDepth--
		if err != nil {
			return nil, err
		}
		var out []expr.Binding
		for _, row := range result.Rows {
			out = append(out, in.Merge(row))
		}
		return out, nil

	case algebra.ServicePattern:
		return evalService(ctx, n, in)

	default:
		return nil, fmt.Errorf("exec: %w: unsupported graph pattern %T", storeerr.ErrPlan, p)
	}
}

// evalBGP runs a basic graph pattern. The triples are reordered by
// estimated cardinality, greedily picking the cheapest remaining pattern
// given everything already scheduled; resolve swallows interning failures
// because a term the estimator can't resolve just falls back to the
// structural bound-count heuristic, and the real error (if any) still
// surfaces once newBGPScan evaluates it. FILTER conditions wrapping the
// BGP arrive via conds and are pushed to the earliest join stage at which
// their variables are all bound, so a selective filter narrows the row
// set before later triples rescan it; conditions whose variables only
// appear in path triples stay residual and run at the end.
func evalBGP(ctx *Context, g atom.ID, n algebra.BGP, conds []algebra.Expr, in expr.Binding) ([]expr.Binding, error) {
	resolve := func(t algebra.Term) (atom.ID, bool) {
		id, ok, err := resolveTerm(ctx, t, in)
		if err != nil || !ok {
			return 0, false
		}
		return id, true
	}
	ordered, err := planner.ReorderBGPWithEstimator(n.Triples, g, ctx.Tx, resolve, ctx.Stats)
	if err != nil {
		ordered = planner.ReorderBGP(n.Triples)
	}

	stageFilters, residual := stageFilterPlan(ordered, conds, in)
	scan, err := newBGPScan(ctx, g, ordered, in, stageFilters)
	if err != nil {
		return nil, err
	}
	rows, err := drain(scan)
	if err != nil {
		return nil, err
	}
	for _, pt := range n.PathTriples {
		var next []expr.Binding
		for _, row := range rows {
			extra, err := evalPath(ctx, g, pt, row)
			if err != nil {
				return nil, err
			}
			next = append(next, extra...)
		}
		rows = next
	}
	return applyFilters(rows, residual), nil
}

// stageFilterPlan assigns each condition to the earliest triple stage by
// which all of its variables are bound, via planner.PushDownFilters per
// stage. The second return value carries the conditions no stage can
// satisfy.
func stageFilterPlan(ordered []algebra.TriplePattern, conds []algebra.Expr, in expr.Binding) ([][]algebra.Expr, []algebra.Expr) {
	if len(conds) == 0 {
		return nil, nil
	}
	bound := map[algebra.Var]bool{}
	for v := range in {
		bound[v] = true
	}
	stages := make([][]algebra.Expr, len(ordered))
	remaining := conds
	for i, tp := range ordered {
		for _, t := range []algebra.Term{tp.S, tp.P, tp.O} {
			if t.Kind == algebra.TermVar {
				bound[t.Var] = true
			}
		}
		stages[i], remaining = planner.PushDownFilters(remaining, func(c algebra.Expr) bool {
			for _, v := range planner.FilterVars(c) {
				if !bound[v] {
					return false
				}
			}
			return true
		})
	}
	return stages, remaining
}

// applyFilters keeps the rows for which every condition evaluates to the
// effective boolean true; evaluation errors count as false.
func applyFilters(rows []expr.Binding, conds []algebra.Expr) []expr.Binding {
	if len(conds) == 0 {
		return rows
	}
	var out []expr.Binding
	for _, row := range rows {
		keep := true
		for _, c := range conds {
			v, err := expr.Eval(c, row)
			if err != nil || !expr.EffectiveBooleanValue(v) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, row)
		}
	}
	return out
}

// sharedVars returns the variables common to both var lists, the join
// keys a HashJoin probes on.
func sharedVars(left, right []algebra.Var) []algebra.Var {
	rightSet := make(map[algebra.Var]struct{}, len(right))
	for _, v := range right {
		rightSet[v] = struct{}{}
	}
	var out []algebra.Var
	for _, v := range left {
		if _, ok := rightSet[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

// hashKey builds a join-probe key from a binding's values at keys, or
// ok=false if any key variable is unbound in this row (such a row cannot
// participate in an equi-join on these keys).
func hashKey(b expr.Binding, keys []algebra.Var) (string, bool) {
	var sb strings.Builder
	for _, k := range keys {
		v, ok := b.Get(k)
		if !ok {
			return "", false
		}
		sb.WriteString(string(k))
		sb.WriteByte('\x00')
		sb.WriteString(v.Datatype)
		sb.WriteByte('\x00')
		sb.WriteString(v.Lang)
		sb.WriteByte('\x00')
		sb.WriteString(v.Lexical)
		sb.WriteByte('\x01')
	}
	return sb.String(), true
}

// hashJoin evaluates right independently (rather than substituting each
// left solution's bindings into it) and joins the two sides through a
// multi-map keyed on the shared variables: the
// smaller side is materialized into the map, the larger side probes it.
func hashJoin(ctx *Context, g atom.ID, left []expr.Binding, rightPattern algebra.GraphPattern, keys []algebra.Var, in expr.Binding) ([]expr.Binding, error) {
	right, err := evalPattern(ctx, g, rightPattern, in)
	if err != nil {
		return nil, err
	}

	buildSide, probeSide := left, right
	buildIsLeft := true
	if len(right) < len(left) {
		buildSide, probeSide = right, left
		buildIsLeft = false
	}

	index := make(map[string][]expr.Binding, len(buildSide))
	for _, b := range buildSide {
		k, ok := hashKey(b, keys)
		if !ok {
			continue
		}
		index[k] = append(index[k], b)
	}

	var out []expr.Binding
	for _, p := range probeSide {
		k, ok := hashKey(p, keys)
		if !ok {
			continue
		}
		for _, cand := range index[k] {
			if !cand.Compatible(p) {
				continue
			}
			if buildIsLeft {
				out = append(out, cand.Merge(p))
			} else {
				out = append(out, p.Merge(cand))
			}
		}
	}
	return out, nil
}

// sharesCompatibleDomain reports whether a and b bind at least one variable
// in common. SPARQL MINUS only excludes a left-hand solution when it is
// compatible with a right-hand one AND their domains actually overlap; a
// right-hand solution with an empty (or disjoint) domain must never cause
// exclusion, however trivially "compatible" it is.
func sharesCompatibleDomain(a, b expr.Binding) bool {
	for v := range a {
		if _, ok := b[v]; ok {
			return true
		}
	}
	return false
}

func drain(op Operator) ([]expr.Binding, error) {
	var out []expr.Binding
	for {
		b, ok, err := op.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, b)
	}
	return out, op.Close()
}

// ApplyModifier applies DISTINCT/REDUCED, ORDER BY, OFFSET, and LIMIT,
// in that order; group/aggregate runs first, which Execute* callers
// already fold in before calling this.
func ApplyModifier(rows []expr.Binding, vars []algebra.Var, mod algebra.SolutionModifier) []expr.Binding {
	if mod.Distinct || mod.Reduced {
		rows = distinct(rows, vars)
	}
	if len(mod.OrderBy) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			return lessByOrder(rows[i], rows[j], mod.OrderBy)
		})
	}
	if mod.Offset > 0 {
		if int(mod.Offset) >= len(rows) {
			return nil
		}
		rows = rows[mod.Offset:]
	}
	if mod.Limit >= 0 && int(mod.Limit) < len(rows) {
		rows = rows[:mod.Limit]
	}
	return rows
}

func distinct(rows []expr.Binding, vars []algebra.Var) []expr.Binding {
	seen := make(map[string]struct{}, len(rows))
	var out []expr.Binding
	for _, row := range rows {
		key := rowKey(row, vars)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, row)
	}
	return out
}

func rowKey(row expr.Binding, vars []algebra.Var) string {
	key := ""
	for _, v := range vars {
		val, ok := row.Get(v)
		if !ok {
			key += "\x00undef\x01"
			continue
		}
		key += val.Lexical + "\x00" + val.Datatype + "\x00" + val.Lang + "\x01"
	}
	return key
}

func lessByOrder(a, b expr.Binding, order []algebra.OrderTerm) bool {
	for _, term := range order {
		va, erra := expr.Eval(term.Expr, a)
		vb, errb := expr.Eval(term.Expr, b)
		if erra != nil || errb != nil {
			continue
		}
		c, err := expr.Compare(va, vb)
		if err != nil {
			// ORDER BY needs a total order even over kinds the value
			// comparison refuses (IRIs, blank nodes); fall back to the
			// lexical form.
			c = strings.Compare(va.Lexical, vb.Lexical)
		}
		if c == 0 {
			continue
		}
		less := c < 0
		if term.Desc {
			return !less
		}
		return less
	}
	return false
}
