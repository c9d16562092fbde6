package exec

import (
	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/quad"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
	"github.com/chronograph/qstore/pkg/sparql/expr"
)

// Result is the tabular output of a SELECT query: the projected variable
// order and one Binding per solution.
type Result struct {
	Vars []algebra.Var
	Rows []expr.Binding
}

// QuadResult is the output of a CONSTRUCT or DESCRIBE query: the
// materialized quads a caller may choose to write back with a Batch, or
// just read.
type QuadResult struct {
	Quads []MaterializedQuad
}

// MaterializedQuad is a fully resolved (no variables) quad.
type MaterializedQuad struct {
	G, S, P, O algebra.Term
}

// ExecuteSelect runs a SELECT query's WHERE clause, applies GROUP BY /
// aggregation, then the remaining solution modifiers, and projects the
// requested variables.
func ExecuteSelect(ctx *Context, q *algebra.Query) (*Result, error) {
	if q.Temporal != nil {
		saved := ctx.Temporal
		ctx.Temporal = *q.Temporal
		defer func() { ctx.Temporal = saved }()
	}

	rows, err := evalPattern(ctx, atom.DefaultGraph, algebra.ExpandQuotedTriples(q.Where), expr.Binding{})
	if err != nil {
		return nil, err
	}

	rows, err = applyGrouping(rows, q.Modifier)
	if err != nil {
		return nil, err
	}

	vars := q.Project
	if q.SelectAll {
		vars = collectVars(q.Where)
	}

	if len(q.ProjectExprs) > 0 {
		var projected []expr.Binding
		for _, row := range rows {
			out := expr.Binding{}
			for _, v := range vars {
				if e, ok := q.ProjectExprs[v]; ok {
					val, err := expr.Eval(e, row)
					if err == nil {
						out[v] = val
					}
					continue
				}
				if val, ok := row.Get(v); ok {
					out[v] = val
				}
			}
			projected = append(projected, out)
		}
		rows = projected
	}

	rows = ApplyModifier(rows, vars, q.Modifier)
	if !q.SelectAll {
		rows = projectRows(rows, vars)
	}
	return &Result{Vars: vars, Rows: rows}, nil
}

// projectRows restricts each solution to the projected variables. Applied
// after ORDER BY so sort keys may still reference non-projected variables.
func projectRows(rows []expr.Binding, vars []algebra.Var) []expr.Binding {
	out := make([]expr.Binding, len(rows))
	for i, row := range rows {
		b := expr.Binding{}
		for _, v := range vars {
			if val, ok := row.Get(v); ok {
				b[v] = val
			}
		}
		out[i] = b
	}
	return out
}

// ExecuteAsk reports whether the WHERE clause has at least one solution.
func ExecuteAsk(ctx *Context, q *algebra.Query) (bool, error) {
	if q.Temporal != nil {
		saved := ctx.Temporal
		ctx.Temporal = *q.Temporal
		defer func() { ctx.Temporal = saved }()
	}
	rows, err := evalPattern(ctx, atom.DefaultGraph, algebra.ExpandQuotedTriples(q.Where), expr.Binding{})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// ExecuteConstruct evaluates the WHERE clause and instantiates the
// CONSTRUCT template once per solution.
func ExecuteConstruct(ctx *Context, q *algebra.Query) (*QuadResult, error) {
	if q.Temporal != nil {
		saved := ctx.Temporal
		ctx.Temporal = *q.Temporal
		defer func() { ctx.Temporal = saved }()
	}
	rows, err := evalPattern(ctx, atom.DefaultGraph, algebra.ExpandQuotedTriples(q.Where), expr.Binding{})
	if err != nil {
		return nil, err
	}
	var out []MaterializedQuad
	for _, row := range rows {
		for _, tp := range q.Construct {
			s, ok := instantiate(tp.S, row)
			if !ok {
				continue
			}
			p, ok := instantiate(tp.P, row)
			if !ok {
				continue
			}
			o, ok := instantiate(tp.O, row)
			if !ok {
				continue
			}
			out = append(out, MaterializedQuad{S: s, P: p, O: o})
		}
	}
	return &QuadResult{Quads: out}, nil
}

// ExecuteDescribe resolves each DESCRIBE target (an IRI, or a variable
// projected by the WHERE clause) and returns every quad with that
// resource in subject or object position — a conservative,
// implementation-defined DESCRIBE closure (SPARQL leaves the exact
// closure up to the engine).
func ExecuteDescribe(ctx *Context, q *algebra.Query) (*QuadResult, error) {
	var targets []atom.ID
	if q.Where != nil {
		rows, err := evalPattern(ctx, atom.DefaultGraph, algebra.ExpandQuotedTriples(q.Where), expr.Binding{})
		if err != nil {
			return nil, err
		}
		for _, t := range q.Describe {
			if t.Kind != algebra.TermVar {
				continue
			}
			for _, row := range rows {
				if v, ok := row.Get(t.Var); ok && v.HasAtom {
					targets = append(targets, v.AtomID)
				}
			}
		}
	}
	for _, t := range q.Describe {
		if t.Kind == algebra.TermVar {
			continue
		}
		id, _, err := resolveTerm(ctx, t, expr.Binding{})
		if err != nil {
			return nil, err
		}
		targets = append(targets, id)
	}

	var out []MaterializedQuad
	for _, target := range targets {
		quads, err := describeResource(ctx, target)
		if err != nil {
			return nil, err
		}
		out = append(out, quads...)
	}
	return &QuadResult{Quads: out}, nil
}

// describeResource collects every current quad naming target as subject
// or object, across every graph.
func describeResource(ctx *Context, target atom.ID) ([]MaterializedQuad, error) {
	graphs, err := ctx.Indexes.ListGraphs(ctx.Tx)
	if err != nil {
		return nil, err
	}
	graphs = append(graphs, atom.DefaultGraph)

	var out []MaterializedQuad
	collect := func(g atom.ID, pat quad.Pattern) error {
		return quad.ScanPattern(ctx.Tx, g, pat, func(m quad.Match) (bool, error) {
			if !ctx.Temporal.Matches(m.Payload, ctx.Now) {
				return true, nil
			}
			sTerm, err := counterToTerm(ctx, m.S)
			if err != nil {
				return false, err
			}
			pTerm, err := counterToTerm(ctx, m.P)
			if err != nil {
				return false, err
			}
			oTerm, err := counterToTerm(ctx, m.O)
			if err != nil {
				return false, err
			}
			out = append(out, MaterializedQuad{S: sTerm, P: pTerm, O: oTerm})
			return true, nil
		})
	}
	for _, g := range graphs {
		if err := collect(g, quad.Pattern{S: &target}); err != nil {
			return nil, err
		}
		if err := collect(g, quad.Pattern{O: &target}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func counterToTerm(ctx *Context, counter uint64) (algebra.Term, error) {
	v, err := valueForCounter(ctx, counter)
	if err != nil {
		return algebra.Term{}, err
	}
	return valueToTerm(v), nil
}

func valueToTerm(v expr.Value) algebra.Term {
	return algebra.Term{Kind: v.Kind, Value: v.Lexical, Datatype: v.Datatype, Lang: v.Lang}
}

func instantiate(t algebra.Term, row expr.Binding) (algebra.Term, bool) {
	if t.Kind != algebra.TermVar {
		return t, true
	}
	v, ok := row.Get(t.Var)
	if !ok {
		return algebra.Term{}, false
	}
	return valueToTerm(v), true
}

func collectVars(p algebra.GraphPattern) []algebra.Var {
	seen := map[algebra.Var]struct{}{}
	var out []algebra.Var
	remember := func(v algebra.Var) {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	walkTerm := func(t algebra.Term) {
		if t.Kind == algebra.TermVar {
			remember(t.Var)
		}
	}
	var walk func(p algebra.GraphPattern)
	walk = func(p algebra.GraphPattern) {
		switch n := p.(type) {
		case algebra.BGP:
			for _, t := range n.Triples {
				walkTerm(t.S)
				walkTerm(t.P)
				walkTerm(t.O)
			}
			for _, t := range n.PathTriples {
				walkTerm(t.S)
				walkTerm(t.O)
			}
		case algebra.Join:
			walk(n.Left)
			walk(n.Right)
		case algebra.LeftJoin:
			walk(n.Left)
			walk(n.Right)
		case algebra.UnionPattern:
			walk(n.Left)
			walk(n.Right)
		case algebra.MinusPattern:
			walk(n.Left)
		case algebra.FilterPattern:
			walk(n.Pattern)
		case algebra.BindPattern:
			walk(n.Pattern)
			remember(n.As)
		case algebra.ValuesPattern:
			for _, v := range n.Vars {
				remember(v)
			}
		case algebra.ServicePattern:
			walk(n.Pattern)
		case algebra.GraphNamePattern:
			walkTerm(n.Graph)
			walk(n.Pattern)
		case algebra.TemporalPattern:
			walk(n.Pattern)
		}
	}
	walk(p)
	return out
}
