package sparqlupdate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/pagestore"
	"github.com/chronograph/qstore/pkg/quad"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
	"github.com/chronograph/qstore/pkg/storeerr"
	"github.com/chronograph/qstore/pkg/txn"
	"github.com/chronograph/qstore/pkg/wal"
)

type updateFixture struct {
	e  *Executor
	ps *pagestore.PageStore
	as *atom.Store
	ix *quad.Indexes
}

func openTestExecutor(t *testing.T) *updateFixture {
	t.Helper()
	dir := t.TempDir()
	ps, err := pagestore.Open(filepath.Join(dir, "store.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })

	as, err := atom.Open(ps)
	require.NoError(t, err)

	ix, err := quad.Init(ps)
	require.NoError(t, err)

	w, err := wal.Open(filepath.Join(dir, "wal"), 64*1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	c, err := txn.Open(ps, ix, w)
	require.NoError(t, err)

	clock := int64(1000)
	e := NewExecutor(c, ps, as, ix, func() int64 { return clock })
	return &updateFixture{e: e, ps: ps, as: as, ix: ix}
}

// internRead interns (idempotently) iri inside a throwaway write
// transaction so the test can look up the id an Execute call assigned it,
// without needing its own copy of atom-resolution plumbing.
func (f *updateFixture) internRead(t *testing.T, iri string) atom.ID {
	t.Helper()
	var id atom.ID
	err := f.ps.DB.Update(func(btx *bolt.Tx) error {
		var err error
		id, err = f.as.Intern(btx, atom.KindIRI, []byte(iri), 0, false, "")
		return err
	})
	require.NoError(t, err)
	return id
}

func TestInsertDataThenCurrentIsVisible(t *testing.T) {
	f := openTestExecutor(t)
	u := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.InsertData{Quads: []algebra.QuadPattern{
			{S: algebra.IRI("http://example.org/alice"), P: algebra.IRI("http://example.org/knows"), O: algebra.IRI("http://example.org/bob")},
		}},
	}}
	require.NoError(t, f.e.Execute(context.Background(), u))

	alice := f.internRead(t, "http://example.org/alice")
	knows := f.internRead(t, "http://example.org/knows")
	bob := f.internRead(t, "http://example.org/bob")

	snap, err := f.e.Coordinator.ReadSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	pl, found, err := f.ix.GetCurrent(snap.Tx, atom.DefaultGraph, alice, knows, bob)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, quad.Forever, pl.ValidTo)
}

func TestDeleteDataClosesOutCurrentVersion(t *testing.T) {
	f := openTestExecutor(t)
	insert := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.InsertData{Quads: []algebra.QuadPattern{
			{S: algebra.IRI("http://example.org/alice"), P: algebra.IRI("http://example.org/knows"), O: algebra.IRI("http://example.org/bob")},
		}},
	}}
	require.NoError(t, f.e.Execute(context.Background(), insert))

	del := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.DeleteData{Quads: []algebra.QuadPattern{
			{S: algebra.IRI("http://example.org/alice"), P: algebra.IRI("http://example.org/knows"), O: algebra.IRI("http://example.org/bob")},
		}},
	}}
	require.NoError(t, f.e.Execute(context.Background(), del))

	alice := f.internRead(t, "http://example.org/alice")
	knows := f.internRead(t, "http://example.org/knows")
	bob := f.internRead(t, "http://example.org/bob")

	snap, err := f.e.Coordinator.ReadSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	_, found, err := f.ix.GetCurrent(snap.Tx, atom.DefaultGraph, alice, knows, bob)
	require.NoError(t, err)
	require.False(t, found)
}

func TestModifyInsertsDerivedTriplePerSolution(t *testing.T) {
	f := openTestExecutor(t)
	insert := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.InsertData{Quads: []algebra.QuadPattern{
			{S: algebra.IRI("http://example.org/alice"), P: algebra.IRI("http://example.org/knows"), O: algebra.IRI("http://example.org/bob")},
		}},
	}}
	require.NoError(t, f.e.Execute(context.Background(), insert))

	modify := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.Modify{
			Insert: []algebra.QuadPattern{
				{S: algebra.VarTerm("o"), P: algebra.IRI("http://example.org/knownBy"), O: algebra.VarTerm("s")},
			},
			Where: algebra.BGP{Triples: []algebra.TriplePattern{
				{S: algebra.VarTerm("s"), P: algebra.IRI("http://example.org/knows"), O: algebra.VarTerm("o")},
			}},
		},
	}}
	require.NoError(t, f.e.Execute(context.Background(), modify))

	alice := f.internRead(t, "http://example.org/alice")
	bob := f.internRead(t, "http://example.org/bob")
	knownBy := f.internRead(t, "http://example.org/knownBy")

	snap, err := f.e.Coordinator.ReadSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	_, found, err := f.ix.GetCurrent(snap.Tx, atom.DefaultGraph, bob, knownBy, alice)
	require.NoError(t, err)
	require.True(t, found)
}

func TestClearDefaultRemovesCurrentQuads(t *testing.T) {
	f := openTestExecutor(t)
	insert := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.InsertData{Quads: []algebra.QuadPattern{
			{S: algebra.IRI("http://example.org/alice"), P: algebra.IRI("http://example.org/knows"), O: algebra.IRI("http://example.org/bob")},
		}},
	}}
	require.NoError(t, f.e.Execute(context.Background(), insert))

	clear := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.ClearOp{Target: algebra.ClearDefault},
	}}
	require.NoError(t, f.e.Execute(context.Background(), clear))

	alice := f.internRead(t, "http://example.org/alice")
	knows := f.internRead(t, "http://example.org/knows")
	bob := f.internRead(t, "http://example.org/bob")

	snap, err := f.e.Coordinator.ReadSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	_, found, err := f.ix.GetCurrent(snap.Tx, atom.DefaultGraph, alice, knows, bob)
	require.NoError(t, err)
	require.False(t, found)
}

func TestCopyGraphDuplicatesCurrentTriplesIntoTarget(t *testing.T) {
	f := openTestExecutor(t)
	insert := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.InsertData{Quads: []algebra.QuadPattern{
			{G: algebra.IRI("http://example.org/g1"), S: algebra.IRI("http://example.org/alice"), P: algebra.IRI("http://example.org/knows"), O: algebra.IRI("http://example.org/bob")},
		}},
	}}
	require.NoError(t, f.e.Execute(context.Background(), insert))

	cp := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.CopyOp{
			From: algebra.GraphRef{Graph: algebra.IRI("http://example.org/g1")},
			To:   algebra.GraphRef{Graph: algebra.IRI("http://example.org/g2")},
		},
	}}
	require.NoError(t, f.e.Execute(context.Background(), cp))

	g2 := f.internRead(t, "http://example.org/g2")
	alice := f.internRead(t, "http://example.org/alice")
	knows := f.internRead(t, "http://example.org/knows")
	bob := f.internRead(t, "http://example.org/bob")

	snap, err := f.e.Coordinator.ReadSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	_, found, err := f.ix.GetCurrent(snap.Tx, g2, alice, knows, bob)
	require.NoError(t, err)
	require.True(t, found)
}

func TestCreateGraphErrorsWhenTargetHasContent(t *testing.T) {
	f := openTestExecutor(t)
	insert := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.InsertData{Quads: []algebra.QuadPattern{
			{G: algebra.IRI("http://example.org/g1"), S: algebra.IRI("http://example.org/alice"), P: algebra.IRI("http://example.org/knows"), O: algebra.IRI("http://example.org/bob")},
		}},
	}}
	require.NoError(t, f.e.Execute(context.Background(), insert))

	create := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.CreateOp{Graph: algebra.IRI("http://example.org/g1")},
	}}
	err := f.e.Execute(context.Background(), create)
	require.ErrorIs(t, err, storeerr.ErrAlreadyExists)

	silent := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.CreateOp{Graph: algebra.IRI("http://example.org/g1"), Silent: true},
	}}
	require.NoError(t, f.e.Execute(context.Background(), silent))
}

func TestCreateGraphSucceedsOnEmptyTarget(t *testing.T) {
	f := openTestExecutor(t)
	create := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.CreateOp{Graph: algebra.IRI("http://example.org/fresh")},
	}}
	require.NoError(t, f.e.Execute(context.Background(), create))

	// A graph whose only quad was logically deleted counts as empty again.
	insert := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.InsertData{Quads: []algebra.QuadPattern{
			{G: algebra.IRI("http://example.org/g2"), S: algebra.IRI("http://example.org/a"), P: algebra.IRI("http://example.org/p"), O: algebra.IRI("http://example.org/b")},
		}},
	}}
	require.NoError(t, f.e.Execute(context.Background(), insert))
	del := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.DeleteData{Quads: []algebra.QuadPattern{
			{G: algebra.IRI("http://example.org/g2"), S: algebra.IRI("http://example.org/a"), P: algebra.IRI("http://example.org/p"), O: algebra.IRI("http://example.org/b")},
		}},
	}}
	require.NoError(t, f.e.Execute(context.Background(), del))

	create2 := &algebra.Update{Ops: []algebra.UpdateOp{
		algebra.CreateOp{Graph: algebra.IRI("http://example.org/g2")},
	}}
	require.NoError(t, f.e.Execute(context.Background(), create2))
}
