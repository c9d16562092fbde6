package exec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/quad"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
	"github.com/chronograph/qstore/pkg/sparql/expr"
	"github.com/chronograph/qstore/pkg/storeerr"
)

const ex = "http://example.org/"

// mustPut interns the three terms and writes a current quad into g,
// extending the base fixture openTestContext seeds.
func mustPut(t *testing.T, ctx *Context, g atom.ID, s, p, o algebra.Term) {
	t.Helper()
	sID, _, err := resolveTerm(ctx, s, expr.Binding{})
	require.NoError(t, err)
	pID, _, err := resolveTerm(ctx, p, expr.Binding{})
	require.NoError(t, err)
	oID, _, err := resolveTerm(ctx, o, expr.Binding{})
	require.NoError(t, err)
	require.NoError(t, ctx.Indexes.Put(ctx.Tx, quad.Quad{G: g, S: sID, P: pID, O: oID,
		Payload: quad.Payload{ValidFrom: 0, ValidTo: quad.Forever, Tx: 1}}))
}

func addContactFixture(t *testing.T, ctx *Context) {
	t.Helper()
	mustPut(t, ctx, atom.DefaultGraph, algebra.IRI(ex+"alice"), algebra.IRI(ex+"name"), algebra.Literal("A", ""))
	mustPut(t, ctx, atom.DefaultGraph, algebra.IRI(ex+"bob"), algebra.IRI(ex+"name"), algebra.Literal("B", ""))
	mustPut(t, ctx, atom.DefaultGraph, algebra.IRI(ex+"alice"), algebra.IRI(ex+"mbox"), algebra.Literal("a@x", ""))
}

func selectRows(t *testing.T, ctx *Context, where algebra.GraphPattern, vars ...algebra.Var) []expr.Binding {
	t.Helper()
	q := &algebra.Query{
		Form:     algebra.FormSelect,
		Project:  vars,
		Where:    where,
		Modifier: algebra.SolutionModifier{Limit: -1},
	}
	res, err := ExecuteSelect(ctx, q)
	require.NoError(t, err)
	return res.Rows
}

func TestOptionalLeavesRightVariablesUnbound(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	addContactFixture(t, ctx)

	where := algebra.LeftJoin{
		Left:  algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "name"), O: algebra.VarTerm("n")}}},
		Right: algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "mbox"), O: algebra.VarTerm("m")}}},
	}
	rows := selectRows(t, ctx, where, "s", "m")
	require.Len(t, rows, 2)

	byS := map[string]expr.Binding{}
	for _, row := range rows {
		s, ok := row.Get("s")
		require.True(t, ok)
		byS[s.Lexical] = row
	}
	m, ok := byS[ex+"alice"].Get("m")
	require.True(t, ok)
	require.Equal(t, "a@x", m.Lexical)
	_, ok = byS[ex+"bob"].Get("m")
	require.False(t, ok, "bob has no mbox, ?m must stay unbound")
}

func TestUnionConcatenatesBothSides(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	addContactFixture(t, ctx)

	where := algebra.UnionPattern{
		Left:  algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "name"), O: algebra.VarTerm("v")}}},
		Right: algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "mbox"), O: algebra.VarTerm("v")}}},
	}
	rows := selectRows(t, ctx, where, "s", "v")
	require.Len(t, rows, 3)
}

func TestMinusRemovesCompatibleSolutions(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	addContactFixture(t, ctx)

	where := algebra.MinusPattern{
		Left:  algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "name"), O: algebra.VarTerm("n")}}},
		Right: algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "mbox"), O: algebra.VarTerm("m")}}},
	}
	rows := selectRows(t, ctx, where, "s")
	require.Len(t, rows, 1)
	s, _ := rows[0].Get("s")
	require.Equal(t, ex+"bob", s.Lexical)
}

func TestMinusWithDisjointDomainsLeavesLeftUnchanged(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	addContactFixture(t, ctx)

	where := algebra.MinusPattern{
		Left:  algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "name"), O: algebra.VarTerm("n")}}},
		Right: algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("x"), P: algebra.IRI(ex + "mbox"), O: algebra.VarTerm("y")}}},
	}
	rows := selectRows(t, ctx, where, "s")
	require.Len(t, rows, 2, "no shared variables means MINUS removes nothing")
}

func TestFilterKeepsOnlyMatchingSolutions(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	addContactFixture(t, ctx)

	where := algebra.FilterPattern{
		Pattern: algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "name"), O: algebra.VarTerm("n")}}},
		Cond: algebra.BinaryExpr{Op: algebra.OpEq,
			Left:  algebra.TermExpr{Term: algebra.VarTerm("n")},
			Right: algebra.TermExpr{Term: algebra.Literal("A", "")}},
	}
	rows := selectRows(t, ctx, where, "s")
	require.Len(t, rows, 1)
	s, _ := rows[0].Get("s")
	require.Equal(t, ex+"alice", s.Lexical)
}

func TestFilterEvaluationErrorDropsSolution(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	addContactFixture(t, ctx)

	// ?n is a plain string; arithmetic on it errors, and SPARQL's
	// error-as-false semantics drop every solution instead of failing the
	// query.
	where := algebra.FilterPattern{
		Pattern: algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "name"), O: algebra.VarTerm("n")}}},
		Cond: algebra.BinaryExpr{Op: algebra.OpGt,
			Left: algebra.BinaryExpr{Op: algebra.OpAdd,
				Left:  algebra.TermExpr{Term: algebra.VarTerm("n")},
				Right: algebra.TermExpr{Term: algebra.Literal("1", xsdInteger)}},
			Right: algebra.TermExpr{Term: algebra.Literal("0", xsdInteger)}},
	}
	rows := selectRows(t, ctx, where, "s")
	require.Empty(t, rows)
}

func TestBindExtendsEachSolution(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	addContactFixture(t, ctx)

	where := algebra.BindPattern{
		Pattern: algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "name"), O: algebra.VarTerm("n")}}},
		Expr: algebra.BinaryExpr{Op: algebra.OpAdd,
			Left:  algebra.TermExpr{Term: algebra.Literal("1", xsdInteger)},
			Right: algebra.TermExpr{Term: algebra.Literal("2", xsdInteger)}},
		As: "x",
	}
	rows := selectRows(t, ctx, where, "s", "x")
	require.Len(t, rows, 2)
	for _, row := range rows {
		_, ok := row.Get("x")
		require.True(t, ok)
	}
}

func TestValuesInjectsRowsWithUndef(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()

	where := algebra.ValuesPattern{
		Vars: []algebra.Var{"v"},
		Rows: [][]algebra.Term{
			{algebra.IRI(ex + "alice")},
			{algebra.VarTerm("_")}, // UNDEF
		},
	}
	rows := selectRows(t, ctx, where, "v")
	require.Len(t, rows, 2)
	_, bound0 := rows[0].Get("v")
	_, bound1 := rows[1].Get("v")
	require.True(t, bound0)
	require.False(t, bound1)
}

func TestExistsProbesPerSolution(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	addContactFixture(t, ctx)

	name := algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "name"), O: algebra.VarTerm("n")}}}
	mbox := algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "mbox"), O: algebra.VarTerm("m")}}}

	rows := selectRows(t, ctx, algebra.Join{Left: name, Right: algebra.ExistsPattern{Pattern: mbox}}, "s")
	require.Len(t, rows, 1)
	s, _ := rows[0].Get("s")
	require.Equal(t, ex+"alice", s.Lexical)

	rows = selectRows(t, ctx, algebra.Join{Left: name, Right: algebra.ExistsPattern{Pattern: mbox, Negated: true}}, "s")
	require.Len(t, rows, 1)
	s, _ = rows[0].Get("s")
	require.Equal(t, ex+"bob", s.Lexical)
}

func TestDistinctOrderAndSliceModifiers(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	addContactFixture(t, ctx)

	name := algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "name"), O: algebra.VarTerm("n")}}}
	q := &algebra.Query{
		Form:    algebra.FormSelect,
		Project: []algebra.Var{"s"},
		Where:   algebra.UnionPattern{Left: name, Right: name},
		Modifier: algebra.SolutionModifier{
			Distinct: true,
			OrderBy:  []algebra.OrderTerm{{Expr: algebra.TermExpr{Term: algebra.VarTerm("s")}}},
			Offset:   1,
			Limit:    1,
		},
	}
	res, err := ExecuteSelect(ctx, q)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	s, _ := res.Rows[0].Get("s")
	require.Equal(t, ex+"bob", s.Lexical, "distinct collapses the union, order puts alice first, offset skips her")
}

func TestGraphPatternScopesToNamedGraph(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()

	gID, _, err := resolveTerm(ctx, algebra.IRI(ex+"g1"), expr.Binding{})
	require.NoError(t, err)
	mustPut(t, ctx, gID, algebra.IRI(ex+"alice"), algebra.IRI(ex+"age"), algebra.Literal("30", xsdInteger))
	require.NoError(t, ctx.Indexes.IncrGraph(ctx.Tx, gID, 1))

	age := algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "age"), O: algebra.VarTerm("a")}}}

	// Invisible in the default graph.
	require.Empty(t, selectRows(t, ctx, age, "s"))

	// Visible when scoped by name.
	rows := selectRows(t, ctx, algebra.GraphNamePattern{Graph: algebra.IRI(ex + "g1"), Pattern: age}, "s")
	require.Len(t, rows, 1)

	// Graph-variable form enumerates named graphs and binds the variable.
	rows = selectRows(t, ctx, algebra.GraphNamePattern{Graph: algebra.VarTerm("g"), Pattern: age}, "s", "g")
	require.Len(t, rows, 1)
	g, ok := rows[0].Get("g")
	require.True(t, ok)
	require.Equal(t, ex+"g1", g.Lexical)
}

func TestSubSelectJoinsIntoOuterBinding(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	addContactFixture(t, ctx)

	inner := &algebra.Query{
		Form:    algebra.FormSelect,
		Project: []algebra.Var{"s"},
		Where: algebra.BGP{Triples: []algebra.TriplePattern{
			{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "mbox"), O: algebra.VarTerm("m")},
		}},
		Modifier: algebra.SolutionModifier{Limit: -1},
	}
	rows := selectRows(t, ctx, algebra.SubSelect{Query: inner}, "s")
	require.Len(t, rows, 1)
	s, _ := rows[0].Get("s")
	require.Equal(t, ex+"alice", s.Lexical)
}

func TestSubqueryDepthLimitEnforced(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	ctx.SubqueryDepthLimit = 2

	leaf := algebra.GraphPattern(algebra.BGP{Triples: []algebra.TriplePattern{
		{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "knows"), O: algebra.VarTerm("o")},
	}})
	nested := leaf
	for i := 0; i < 3; i++ {
		nested = algebra.SubSelect{Query: &algebra.Query{
			Form:      algebra.FormSelect,
			SelectAll: true,
			Where:     nested,
			Modifier:  algebra.SolutionModifier{Limit: -1},
		}}
	}

	q := &algebra.Query{Form: algebra.FormSelect, SelectAll: true, Where: nested, Modifier: algebra.SolutionModifier{Limit: -1}}
	_, err := ExecuteSelect(ctx, q)
	require.ErrorIs(t, err, storeerr.ErrQuota)
}

func TestBindConflictDropsOnlyThatSolution(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	addContactFixture(t, ctx)

	// ?n is already bound by the BGP. Rows whose value agrees with the
	// BIND expression survive; conflicting rows are dropped, and the
	// query itself does not fail.
	where := algebra.BindPattern{
		Pattern: algebra.BGP{Triples: []algebra.TriplePattern{{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "name"), O: algebra.VarTerm("n")}}},
		Expr:    algebra.TermExpr{Term: algebra.Literal("A", "")},
		As:      "n",
	}
	rows := selectRows(t, ctx, where, "s", "n")
	require.Len(t, rows, 1)
	s, _ := rows[0].Get("s")
	require.Equal(t, ex+"alice", s.Lexical)
}

func TestOrderByNumericVariableSortsNumerically(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	mustPut(t, ctx, atom.DefaultGraph, algebra.IRI(ex+"p1"), algebra.IRI(ex+"score"), algebra.Literal("9", xsdInteger))
	mustPut(t, ctx, atom.DefaultGraph, algebra.IRI(ex+"p2"), algebra.IRI(ex+"score"), algebra.Literal("100", xsdInteger))
	mustPut(t, ctx, atom.DefaultGraph, algebra.IRI(ex+"p3"), algebra.IRI(ex+"score"), algebra.Literal("10", xsdInteger))

	q := &algebra.Query{
		Form:    algebra.FormSelect,
		Project: []algebra.Var{"v"},
		Where: algebra.BGP{Triples: []algebra.TriplePattern{
			{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "score"), O: algebra.VarTerm("v")},
		}},
		Modifier: algebra.SolutionModifier{
			Limit:   -1,
			OrderBy: []algebra.OrderTerm{{Expr: algebra.TermExpr{Term: algebra.VarTerm("v")}}},
		},
	}
	res, err := ExecuteSelect(ctx, q)
	require.NoError(t, err)
	var got []string
	for _, row := range res.Rows {
		v, ok := row.Get("v")
		require.True(t, ok)
		got = append(got, v.Lexical)
	}
	require.Equal(t, []string{"9", "10", "100"}, got, "integer-typed literals order numerically, not lexicographically")
}

func TestFilterPushedIntoBGPKeepsSemantics(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()

	// The condition's variable binds after the first triple of the
	// chain, so it is applied mid-scan; the result must be what
	// filtering the materialized BGP would produce.
	where := algebra.FilterPattern{
		Pattern: algebra.BGP{Triples: []algebra.TriplePattern{
			{S: algebra.VarTerm("x"), P: algebra.IRI(ex + "knows"), O: algebra.VarTerm("y")},
			{S: algebra.VarTerm("y"), P: algebra.IRI(ex + "knows"), O: algebra.VarTerm("z")},
		}},
		Cond: algebra.BinaryExpr{Op: algebra.OpEq,
			Left:  algebra.TermExpr{Term: algebra.VarTerm("x")},
			Right: algebra.TermExpr{Term: algebra.IRI(ex + "alice")}},
	}
	rows := selectRows(t, ctx, where, "x", "z")
	require.Len(t, rows, 1)
	z, _ := rows[0].Get("z")
	require.Equal(t, ex+"carol", z.Lexical)

	// A condition no solution satisfies filters everything out, pushed
	// or not.
	where.Cond = algebra.BinaryExpr{Op: algebra.OpEq,
		Left:  algebra.TermExpr{Term: algebra.VarTerm("x")},
		Right: algebra.TermExpr{Term: algebra.IRI(ex + "carol")}}
	require.Empty(t, selectRows(t, ctx, where, "x", "z"))
}
