package exec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
	"github.com/chronograph/qstore/pkg/sparql/expr"
	"github.com/chronograph/qstore/pkg/storeerr"
)

type stubEndpoint struct {
	rows     []expr.Binding
	err      error
	endpoint string
}

func (s *stubEndpoint) Evaluate(endpoint string, _ algebra.GraphPattern, _ bool) ([]expr.Binding, error) {
	s.endpoint = endpoint
	return s.rows, s.err
}

func serviceFixture() (algebra.ServicePattern, expr.Binding) {
	pat := algebra.ServicePattern{
		Endpoint: algebra.IRI("http://remote.example/sparql"),
		Pattern: algebra.BGP{Triples: []algebra.TriplePattern{
			{S: algebra.VarTerm("s"), P: algebra.IRI(ex + "name"), O: algebra.VarTerm("n")},
		}},
	}
	in := expr.Binding{"s": {Kind: algebra.TermIRI, Lexical: ex + "alice"}}
	return pat, in
}

func TestServiceMergesCompatibleRowsOnly(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	pat, in := serviceFixture()

	ctx.Service = &stubEndpoint{rows: []expr.Binding{
		{"s": {Kind: algebra.TermIRI, Lexical: ex + "alice"}, "n": {Kind: algebra.TermLiteral, Lexical: "A"}},
		{"s": {Kind: algebra.TermIRI, Lexical: ex + "bob"}, "n": {Kind: algebra.TermLiteral, Lexical: "B"}},
	}}

	rows, err := evalPattern(ctx, atom.DefaultGraph, pat, in)
	require.NoError(t, err)
	require.Len(t, rows, 1, "the bob row disagrees with the outer ?s binding")
	n, ok := rows[0].Get("n")
	require.True(t, ok)
	require.Equal(t, "A", n.Lexical)
	require.Equal(t, "http://remote.example/sparql", ctx.Service.(*stubEndpoint).endpoint)
}

func TestServiceErrorPropagatesWithoutSilent(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	pat, in := serviceFixture()

	boom := errors.New("endpoint unreachable")
	ctx.Service = &stubEndpoint{err: boom}

	_, err := evalPattern(ctx, atom.DefaultGraph, pat, in)
	require.ErrorIs(t, err, boom)
}

func TestServiceSilentErrorYieldsEmptySet(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	pat, in := serviceFixture()
	pat.Silent = true

	ctx.Service = &stubEndpoint{err: errors.New("endpoint unreachable")}

	rows, err := evalPattern(ctx, atom.DefaultGraph, pat, in)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestServiceSilentOptionalPassesBindingThrough(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	pat, in := serviceFixture()
	pat.Silent = true
	pat.IsOptional = true

	ctx.Service = &stubEndpoint{err: errors.New("endpoint unreachable")}

	rows, err := evalPattern(ctx, atom.DefaultGraph, pat, in)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	s, _ := rows[0].Get("s")
	require.Equal(t, ex+"alice", s.Lexical)
}

func TestServiceWithoutEndpointFailsUnlessSilent(t *testing.T) {
	ctx, _, cleanup := openTestContext(t)
	defer cleanup()
	pat, in := serviceFixture()

	_, err := evalPattern(ctx, atom.DefaultGraph, pat, in)
	require.ErrorIs(t, err, storeerr.ErrPlan)

	pat.Silent = true
	rows, err := evalPattern(ctx, atom.DefaultGraph, pat, in)
	require.NoError(t, err)
	require.Empty(t, rows)
}
