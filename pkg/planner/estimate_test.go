package planner

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/pagestore"
	"github.com/chronograph/qstore/pkg/quad"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
)

func TestEstimateCardinalityCountsMatches(t *testing.T) {
	dir := t.TempDir()
	ps, err := pagestore.Open(filepath.Join(dir, "store.db"), time.Second)
	require.NoError(t, err)
	defer ps.Close()

	as, err := atom.Open(ps)
	require.NoError(t, err)
	ix, err := quad.Init(ps)
	require.NoError(t, err)

	btx, err := ps.DB.Begin(true)
	require.NoError(t, err)

	intern := func(v string) atom.ID {
		id, err := as.Intern(btx, atom.KindIRI, []byte(v), 0, false, "")
		require.NoError(t, err)
		return id
	}
	knows := intern("http://example.org/knows")
	alice := intern("http://example.org/alice")
	bob := intern("http://example.org/bob")
	carol := intern("http://example.org/carol")

	require.NoError(t, ix.Put(btx, quad.Quad{G: atom.DefaultGraph, S: alice, P: knows, O: bob,
		Payload: quad.Payload{ValidFrom: 0, ValidTo: quad.Forever, Tx: 1}}))
	require.NoError(t, ix.Put(btx, quad.Quad{G: atom.DefaultGraph, S: alice, P: knows, O: carol,
		Payload: quad.Payload{ValidFrom: 0, ValidTo: quad.Forever, Tx: 1}}))
	require.NoError(t, btx.Commit())

	rtx, err := ps.DB.Begin(false)
	require.NoError(t, err)
	defer rtx.Rollback()

	pat := quad.Pattern{S: &alice}
	cache := NewStatsCache(16)
	n, err := EstimateCardinality(rtx, atom.DefaultGraph, pat, cache)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	// Second call must hit the cache rather than rescanning; forcibly
	// corrupt the cached value to prove Get actually short-circuits.
	idx, prefix := quad.BoundPrefix(atom.DefaultGraph, pat)
	cache.Put(idx, prefix, 99)
	n2, err := EstimateCardinality(rtx, atom.DefaultGraph, pat, cache)
	require.NoError(t, err)
	require.EqualValues(t, 99, n2)
}

func TestReorderBGPWithEstimatorSchedulesNarrowerPatternFirst(t *testing.T) {
	dir := t.TempDir()
	ps, err := pagestore.Open(filepath.Join(dir, "store.db"), time.Second)
	require.NoError(t, err)
	defer ps.Close()

	as, err := atom.Open(ps)
	require.NoError(t, err)
	ix, err := quad.Init(ps)
	require.NoError(t, err)

	btx, err := ps.DB.Begin(true)
	require.NoError(t, err)
	intern := func(v string) atom.ID {
		id, err := as.Intern(btx, atom.KindIRI, []byte(v), 0, false, "")
		require.NoError(t, err)
		return id
	}
	knows := intern("http://example.org/knows")
	alice := intern("http://example.org/alice")
	bob := intern("http://example.org/bob")
	carol := intern("http://example.org/carol")
	dave := intern("http://example.org/dave")

	put := func(s, o atom.ID) {
		require.NoError(t, ix.Put(btx, quad.Quad{G: atom.DefaultGraph, S: s, P: knows, O: o,
			Payload: quad.Payload{ValidFrom: 0, ValidTo: quad.Forever, Tx: 1}}))
	}
	put(alice, bob)
	put(alice, carol)
	put(alice, dave)
	require.NoError(t, btx.Commit())

	rtx, err := ps.DB.Begin(false)
	require.NoError(t, err)
	defer rtx.Rollback()

	byName := map[atom.ID]string{alice: "alice", bob: "bob", carol: "carol", dave: "dave", knows: "knows"}
	resolve := func(t algebra.Term) (atom.ID, bool) {
		switch t.Kind {
		case algebra.TermIRI:
			for id, name := range byName {
				if "http://example.org/"+name == t.Value {
					return id, true
				}
			}
		}
		return 0, false
	}

	// Pattern order: the {?x knows ?y} triple first (3 matches), then a
	// fully bound point-lookup triple (1 match); the estimator schedules
	// the narrower point lookup ahead of the wider scan, even though it
	// has no variables left to schedule around.
	triples := []algebra.TriplePattern{
		{S: algebra.VarTerm("x"), P: algebra.IRI("http://example.org/knows"), O: algebra.VarTerm("y")},
		{S: algebra.IRI("http://example.org/alice"), P: algebra.IRI("http://example.org/knows"), O: algebra.IRI("http://example.org/bob")},
	}
	cache := NewStatsCache(16)
	ordered, err := ReorderBGPWithEstimator(triples, atom.DefaultGraph, rtx, resolve, cache)
	require.NoError(t, err)
	require.Len(t, ordered, 2)
	require.Equal(t, triples[1], ordered[0])
}
