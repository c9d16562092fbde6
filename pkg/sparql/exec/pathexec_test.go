package exec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
	"github.com/chronograph/qstore/pkg/storeerr"
)

// The base fixture already carries alice -knows-> bob -knows-> carol;
// extendChain adds carol -knows-> dave and alice -likes-> carol.
func extendChain(t *testing.T, ctx *Context) {
	t.Helper()
	mustPut(t, ctx, atom.DefaultGraph, algebra.IRI("http://example.org/carol"), algebra.IRI("http://example.org/knows"), algebra.IRI("http://example.org/dave"))
	mustPut(t, ctx, atom.DefaultGraph, algebra.IRI("http://example.org/alice"), algebra.IRI("http://example.org/likes"), algebra.IRI("http://example.org/carol"))
}

func pathEnds(t *testing.T, ctx *Context, start string, path algebra.PropertyPath) map[string]bool {
	t.Helper()
	where := algebra.BGP{PathTriples: []algebra.PathTriple{
		{S: algebra.IRI(start), Path: path, O: algebra.VarTerm("y")},
	}}
	rows := selectRows(t, ctx, where, "y")
	ends := map[string]bool{}
	for _, row := range rows {
		y, ok := row.Get("y")
		require.True(t, ok)
		ends[y.Lexical] = true
	}
	return ends
}

const (
	knows = "http://example.org/knows"
	likes = "http://example.org/likes"
)

func TestOneOrMoreReachesAllDescendants(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	extendChain(t, ctx)

	ends := pathEnds(t, ctx, "http://example.org/alice", algebra.PathOneOrMore{Path: algebra.PathIRI{IRI: knows}})
	require.Equal(t, map[string]bool{
		"http://example.org/bob":   true,
		"http://example.org/carol": true,
		"http://example.org/dave":  true,
	}, ends)
}

func TestZeroOrMoreIncludesTrivialPair(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	extendChain(t, ctx)

	ends := pathEnds(t, ctx, "http://example.org/alice", algebra.PathZeroOrMore{Path: algebra.PathIRI{IRI: knows}})
	require.True(t, ends["http://example.org/alice"], "zero-length path yields the start node itself")
	require.Len(t, ends, 4)
}

func TestZeroOrOneStopsAfterOneStep(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	extendChain(t, ctx)

	ends := pathEnds(t, ctx, "http://example.org/alice", algebra.PathZeroOrOne{Path: algebra.PathIRI{IRI: knows}})
	require.Equal(t, map[string]bool{
		"http://example.org/alice": true,
		"http://example.org/bob":   true,
	}, ends)
}

func TestInversePathWalksBackwards(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()

	ends := pathEnds(t, ctx, "http://example.org/carol", algebra.PathInverse{Path: algebra.PathIRI{IRI: knows}})
	require.Equal(t, map[string]bool{"http://example.org/bob": true}, ends)
}

func TestSequencePathComposesSteps(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()

	ends := pathEnds(t, ctx, "http://example.org/alice",
		algebra.PathSeq{Left: algebra.PathIRI{IRI: knows}, Right: algebra.PathIRI{IRI: knows}})
	require.Equal(t, map[string]bool{"http://example.org/carol": true}, ends)
}

func TestAlternativePathUnionsBranches(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	extendChain(t, ctx)

	ends := pathEnds(t, ctx, "http://example.org/alice",
		algebra.PathAlt{Left: algebra.PathIRI{IRI: knows}, Right: algebra.PathIRI{IRI: likes}})
	require.Equal(t, map[string]bool{
		"http://example.org/bob":   true,
		"http://example.org/carol": true,
	}, ends)
}

func TestNegatedSetSkipsExcludedPredicates(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	extendChain(t, ctx)

	ends := pathEnds(t, ctx, "http://example.org/alice", algebra.PathNegatedSet{IRIs: []string{likes}})
	require.Equal(t, map[string]bool{"http://example.org/bob": true}, ends)
}

func TestPathWithBothEndsBoundChecksReachability(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()

	where := algebra.BGP{PathTriples: []algebra.PathTriple{
		{S: algebra.IRI("http://example.org/alice"), Path: algebra.PathOneOrMore{Path: algebra.PathIRI{IRI: knows}}, O: algebra.IRI("http://example.org/carol")},
	}}
	rows := selectRows(t, ctx, where)
	require.Len(t, rows, 1)

	whereMiss := algebra.BGP{PathTriples: []algebra.PathTriple{
		{S: algebra.IRI("http://example.org/carol"), Path: algebra.PathOneOrMore{Path: algebra.PathIRI{IRI: knows}}, O: algebra.IRI("http://example.org/alice")},
	}}
	require.Empty(t, selectRows(t, ctx, whereMiss))
}

func TestPathWithBothEndsUnboundIsRejected(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()

	where := algebra.BGP{PathTriples: []algebra.PathTriple{
		{S: algebra.VarTerm("x"), Path: algebra.PathOneOrMore{Path: algebra.PathIRI{IRI: knows}}, O: algebra.VarTerm("y")},
	}}
	q := &algebra.Query{Form: algebra.FormSelect, Project: []algebra.Var{"x", "y"}, Where: where, Modifier: algebra.SolutionModifier{Limit: -1}}
	_, err := ExecuteSelect(ctx, q)
	require.Error(t, err)
}

func TestPathStepBudgetExceededSurfacesQuotaError(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	ctx.PathStepBudget = 1

	where := algebra.BGP{PathTriples: []algebra.PathTriple{
		{S: algebra.IRI("http://example.org/alice"), Path: algebra.PathOneOrMore{Path: algebra.PathIRI{IRI: knows}}, O: algebra.VarTerm("y")},
	}}
	q := &algebra.Query{Form: algebra.FormSelect, Project: []algebra.Var{"y"}, Where: where, Modifier: algebra.SolutionModifier{Limit: -1}}
	_, err := ExecuteSelect(ctx, q)
	require.ErrorIs(t, err, storeerr.ErrQuota)
}
