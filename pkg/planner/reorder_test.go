package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronograph/qstore/pkg/quad"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
)

func TestReorderBGPPrefersMostBoundFirst(t *testing.T) {
	triples := []algebra.TriplePattern{
		{S: algebra.VarTerm("a"), P: algebra.VarTerm("b"), O: algebra.VarTerm("c")},
		{S: algebra.IRI("http://x"), P: algebra.IRI("http://knows"), O: algebra.VarTerm("a")},
	}
	ordered := ReorderBGP(triples)
	require.Equal(t, algebra.IRI("http://x"), ordered[0].S)
}

func TestStatsCacheEvictsOldestBeyondCapacity(t *testing.T) {
	c := NewStatsCache(2)
	c.Put(quad.IndexGSPO, []byte("a"), 1)
	c.Put(quad.IndexGSPO, []byte("b"), 2)
	c.Put(quad.IndexGSPO, []byte("c"), 3)

	_, ok := c.Get(quad.IndexGSPO, []byte("a"))
	require.False(t, ok)
	v, ok := c.Get(quad.IndexGSPO, []byte("c"))
	require.True(t, ok)
	require.Equal(t, int64(3), v)
}

func TestStatsCacheInvalidateClearsAll(t *testing.T) {
	c := NewStatsCache(4)
	c.Put(quad.IndexGOSP, []byte("x"), 5)
	c.Invalidate()
	_, ok := c.Get(quad.IndexGOSP, []byte("x"))
	require.False(t, ok)
}

func TestFilterVarsWalksNestedExpressions(t *testing.T) {
	e := algebra.BinaryExpr{Op: algebra.OpAnd,
		Left: algebra.BinaryExpr{Op: algebra.OpGt,
			Left:  algebra.TermExpr{Term: algebra.VarTerm("a")},
			Right: algebra.TermExpr{Term: algebra.Literal("1", "")}},
		Right: algebra.FuncCall{Name: "BOUND", Args: []algebra.Expr{
			algebra.TermExpr{Term: algebra.VarTerm("b")},
		}},
	}
	require.ElementsMatch(t, []algebra.Var{"a", "b"}, FilterVars(e))
}

func TestPushDownFiltersSplitsByAvailability(t *testing.T) {
	early := algebra.Expr(algebra.BinaryExpr{Op: algebra.OpGt,
		Left:  algebra.TermExpr{Term: algebra.VarTerm("a")},
		Right: algebra.TermExpr{Term: algebra.Literal("1", "")}})
	late := algebra.Expr(algebra.BinaryExpr{Op: algebra.OpEq,
		Left:  algebra.TermExpr{Term: algebra.VarTerm("a")},
		Right: algebra.TermExpr{Term: algebra.VarTerm("b")}})

	available := map[algebra.Var]bool{"a": true}
	pushable, residual := PushDownFilters([]algebra.Expr{early, late}, func(c algebra.Expr) bool {
		for _, v := range FilterVars(c) {
			if !available[v] {
				return false
			}
		}
		return true
	})
	require.Equal(t, []algebra.Expr{early}, pushable)
	require.Equal(t, []algebra.Expr{late}, residual)
}
