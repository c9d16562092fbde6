// Package sparqlupdate executes SPARQL Update requests:
// INSERT/DELETE DATA, DELETE WHERE, Modify (WHERE-driven
// INSERT/DELETE), and the graph-management shorthands (LOAD, CLEAR,
// CREATE, DROP, COPY, MOVE, ADD). Every operation in a request runs
// inside one coordinator batch, so either all of them land or none do.
package sparqlupdate

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/pagestore"
	"github.com/chronograph/qstore/pkg/quad"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
	"github.com/chronograph/qstore/pkg/sparql/exec"
	"github.com/chronograph/qstore/pkg/sparql/expr"
	"github.com/chronograph/qstore/pkg/storeerr"
	"github.com/chronograph/qstore/pkg/temporal"
	"github.com/chronograph/qstore/pkg/txn"
	"github.com/chronograph/qstore/pkg/wal"
)

// Executor applies algebra.Update requests to a store.
type Executor struct {
	Coordinator *txn.Coordinator
	PageStore   *pagestore.PageStore
	Atoms       *atom.Store
	Indexes     *quad.Indexes
	now         func() int64
}

// NewExecutor wires an Executor to an already-open store; now supplies
// the validity-interval instant new quad versions open at, as a
// microsecond timestamp; normally time.Now().UnixMicro(), overridable for
// deterministic tests.
func NewExecutor(c *txn.Coordinator, ps *pagestore.PageStore, as *atom.Store, ix *quad.Indexes, now func() int64) *Executor {
	if now == nil {
		now = func() int64 { return time.Now().UnixMicro() }
	}
	return &Executor{Coordinator: c, PageStore: ps, Atoms: as, Indexes: ix, now: now}
}

// Execute runs every operation of u in order inside one writer-lock
// batch.
func (e *Executor) Execute(ctx context.Context, u *algebra.Update) error {
	batch, err := e.Coordinator.BeginBatch(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			batch.RollbackBatch()
		}
	}()

	err = e.PageStore.DB.Update(func(btx *bolt.Tx) error {
		for _, op := range u.Ops {
			if err := e.applyOp(btx, batch, op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := batch.CommitBatch(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (e *Executor) applyOp(btx *bolt.Tx, batch *txn.Batch, op algebra.UpdateOp) error {
	switch n := op.(type) {
	case algebra.InsertData:
		return e.insertQuads(btx, batch, n.Quads)
	case algebra.DeleteData:
		return e.deleteQuads(btx, batch, n.Quads)
	case algebra.DeleteWhere:
		return e.deleteWhere(btx, batch, n.Pattern)
	case algebra.Modify:
		return e.modify(btx, batch, n)
	case algebra.ClearOp:
		return e.clear(btx, batch, n.Target, n.Graph)
	case algebra.DropOp:
		return e.clear(btx, batch, n.Target, n.Graph)
	case algebra.CreateOp:
		return e.create(btx, n)
	case algebra.CopyOp:
		return e.copyGraph(btx, batch, n.From, n.To, true)
	case algebra.MoveOp:
		if err := e.copyGraph(btx, batch, n.From, n.To, true); err != nil {
			return err
		}
		return e.clearGraphRef(btx, batch, n.From)
	case algebra.AddOp:
		return e.copyGraph(btx, batch, n.From, n.To, false)
	case algebra.Load:
		if n.Silent {
			return nil
		}
		return fmt.Errorf("sparqlupdate: %w: LOAD requires a caller-supplied quad source, none wired", storeerr.ErrPlan)
	default:
		return fmt.Errorf("sparqlupdate: %w: unsupported update operation %T", storeerr.ErrPlan, op)
	}
}

// create implements CREATE GRAPH. Named graphs are implicit (tracked by
// refcount as soon as a quad lands in them), so there is nothing to
// materialize; the operation's one observable behavior is the error when
// the target already holds current content and SILENT is absent.
func (e *Executor) create(btx *bolt.Tx, n algebra.CreateOp) error {
	g, err := e.graphID(btx, n.Graph)
	if err != nil {
		return err
	}
	has, err := e.graphHasContent(btx, g)
	if err != nil {
		return err
	}
	if has && !n.Silent {
		return fmt.Errorf("sparqlupdate: %w: graph <%s> already has content", storeerr.ErrAlreadyExists, n.Graph.Value)
	}
	return nil
}

// graphHasContent reports whether g currently holds at least one current
// quad, off the same refcount bucket ListGraphs enumerates.
func (e *Executor) graphHasContent(btx *bolt.Tx, g atom.ID) (bool, error) {
	graphs, err := e.Indexes.ListGraphs(btx)
	if err != nil {
		return false, err
	}
	for _, have := range graphs {
		if have == g {
			return true, nil
		}
	}
	return false, nil
}

func (e *Executor) internQuadTerm(btx *bolt.Tx, t algebra.Term) (atom.ID, error) {
	switch t.Kind {
	case algebra.TermIRI:
		return e.Atoms.Intern(btx, atom.KindIRI, []byte(t.Value), 0, false, "")
	case algebra.TermBlank:
		return e.Atoms.Intern(btx, atom.KindBlankNode, []byte(t.Value), 0, false, "")
	case algebra.TermLiteral:
		var dt atom.ID
		hasType := t.Datatype != ""
		if hasType {
			var err error
			dt, err = e.Atoms.Intern(btx, atom.KindIRI, []byte(t.Datatype), 0, false, "")
			if err != nil {
				return 0, err
			}
		}
		return e.Atoms.Intern(btx, atom.KindLiteral, []byte(t.Value), dt, hasType, t.Lang)
	default:
		return 0, fmt.Errorf("sparqlupdate: %w: DATA/Modify templates may not contain variables or quoted triples", storeerr.ErrPlan)
	}
}

func (e *Executor) graphID(btx *bolt.Tx, g algebra.Term) (atom.ID, error) {
	if g.Kind == algebra.TermIRI && g.Value == "" {
		return atom.DefaultGraph, nil
	}
	return e.internQuadTerm(btx, g)
}

func (e *Executor) insertQuads(btx *bolt.Tx, batch *txn.Batch, quads []algebra.QuadPattern) error {
	now := e.now()
	for _, qp := range quads {
		g, err := e.graphID(btx, qp.G)
		if err != nil {
			return err
		}
		s, err := e.internQuadTerm(btx, qp.S)
		if err != nil {
			return err
		}
		p, err := e.internQuadTerm(btx, qp.P)
		if err != nil {
			return err
		}
		o, err := e.internQuadTerm(btx, qp.O)
		if err != nil {
			return err
		}
		if err := e.insertCurrent(btx, batch, g, s, p, o, now); err != nil {
			return err
		}
	}
	return nil
}

// insertCurrent queues an AddCurrent write for (g,s,p,o) at now, unless a
// current version of that key already exists. GSPO/GPOS/GOSP now keep one
// row per version (pkg/quad.EncodeVersionedKey), so re-asserting an
// already-current triple without this guard would open a second current
// row at a different ValidFrom — two overlapping current versions of the
// same key — instead of the no-op a repeated insert must be.
func (e *Executor) insertCurrent(btx *bolt.Tx, batch *txn.Batch, g, s, p, o atom.ID, now int64) error {
	_, found, err := e.Indexes.GetCurrent(btx, g, s, p, o)
	if err != nil || found {
		return err
	}
	if err := e.Indexes.IncrGraph(btx, g, 1); err != nil {
		return err
	}
	batch.Add(wal.Op{G: g, S: s, P: p, O: o, ValidFrom: now, ValidTo: quad.Forever})
	return nil
}

func (e *Executor) deleteQuads(btx *bolt.Tx, batch *txn.Batch, quads []algebra.QuadPattern) error {
	now := e.now()
	for _, qp := range quads {
		g, err := e.graphID(btx, qp.G)
		if err != nil {
			return err
		}
		s, err := e.internQuadTerm(btx, qp.S)
		if err != nil {
			return err
		}
		p, err := e.internQuadTerm(btx, qp.P)
		if err != nil {
			return err
		}
		o, err := e.internQuadTerm(btx, qp.O)
		if err != nil {
			return err
		}
		if err := e.deleteCurrent(btx, batch, g, s, p, o, now); err != nil {
			return err
		}
	}
	return nil
}

// deleteCurrent closes out (g,s,p,o)'s current version at now, preserving
// the version's original valid_from: a delete only narrows the validity
// interval, it never rewrites history.
func (e *Executor) deleteCurrent(btx *bolt.Tx, batch *txn.Batch, g, s, p, o atom.ID, now int64) error {
	pl, found, err := e.Indexes.GetCurrent(btx, g, s, p, o)
	if err != nil || !found {
		return err
	}
	if err := e.Indexes.IncrGraph(btx, g, -1); err != nil {
		return err
	}
	batch.Add(wal.Op{G: g, S: s, P: p, O: o, ValidFrom: pl.ValidFrom, ValidTo: now})
	return nil
}

func (e *Executor) deleteWhere(btx *bolt.Tx, batch *txn.Batch, pattern algebra.GraphPattern) error {
	bgp, ok := pattern.(algebra.BGP)
	if !ok {
		return fmt.Errorf("sparqlupdate: %w: DELETE WHERE requires a basic graph pattern template", storeerr.ErrPlan)
	}
	rows, err := e.evalPattern(btx, pattern)
	if err != nil {
		return err
	}
	now := e.now()
	for _, row := range rows {
		for _, t := range bgp.Triples {
			if err := e.deleteInstantiated(btx, batch, algebra.QuadPattern{S: t.S, P: t.P, O: t.O}, row, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) modify(btx *bolt.Tx, batch *txn.Batch, m algebra.Modify) error {
	rows, err := e.evalPattern(btx, m.Where)
	if err != nil {
		return err
	}
	now := e.now()
	for _, row := range rows {
		for _, d := range m.Delete {
			if err := e.deleteInstantiated(btx, batch, d, row, now); err != nil {
				return err
			}
		}
		for _, ins := range m.Insert {
			if err := e.insertInstantiated(btx, batch, ins, row, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// evalPattern runs pattern as a SELECT * and hands back each solution as a
// plain variable->term map, insulated from the executor's internal atom
// Value representation.
func (e *Executor) evalPattern(btx *bolt.Tx, pattern algebra.GraphPattern) ([]map[algebra.Var]algebra.Term, error) {
	q := &algebra.Query{Form: algebra.FormSelect, SelectAll: true, Where: pattern, Modifier: algebra.SolutionModifier{Limit: -1}}
	ectx := &exec.Context{Tx: btx, Atoms: e.Atoms, Indexes: e.Indexes, Temporal: temporal.NewCurrent(), Now: e.now()}
	result, err := exec.ExecuteSelect(ectx, q)
	if err != nil {
		return nil, err
	}
	out := make([]map[algebra.Var]algebra.Term, 0, len(result.Rows))
	for _, row := range result.Rows {
		m := map[algebra.Var]algebra.Term{}
		for v, val := range row {
			m[v] = valueToTerm(val)
		}
		out = append(out, m)
	}
	return out, nil
}

func valueToTerm(v expr.Value) algebra.Term {
	return algebra.Term{Kind: v.Kind, Value: v.Lexical, Datatype: v.Datatype, Lang: v.Lang}
}

func (e *Executor) deleteInstantiated(btx *bolt.Tx, batch *txn.Batch, qp algebra.QuadPattern, row map[algebra.Var]algebra.Term, now int64) error {
	g, s, p, o, ok, err := e.instantiateQuad(btx, qp, row)
	if err != nil || !ok {
		return err
	}
	return e.deleteCurrent(btx, batch, g, s, p, o, now)
}

func (e *Executor) insertInstantiated(btx *bolt.Tx, batch *txn.Batch, qp algebra.QuadPattern, row map[algebra.Var]algebra.Term, now int64) error {
	g, s, p, o, ok, err := e.instantiateQuad(btx, qp, row)
	if err != nil || !ok {
		return err
	}
	return e.insertCurrent(btx, batch, g, s, p, o, now)
}

// instantiateQuad resolves a Modify template line against one WHERE
// solution. ok is false (no error) when the template references a
// variable the solution left unbound: such a line is silently skipped
// rather than failing the whole update.
func (e *Executor) instantiateQuad(btx *bolt.Tx, qp algebra.QuadPattern, row map[algebra.Var]algebra.Term) (g, s, p, o atom.ID, ok bool, err error) {
	resolve := func(t algebra.Term) (atom.ID, bool, error) {
		if t.Kind != algebra.TermVar {
			id, err := e.internQuadTerm(btx, t)
			return id, true, err
		}
		bound, found := row[t.Var]
		if !found {
			return 0, false, nil
		}
		id, err := e.internQuadTerm(btx, bound)
		return id, true, err
	}
	g, ok, err = e.graphIDOrDefault(btx, qp.G, row)
	if err != nil || !ok {
		return 0, 0, 0, 0, false, err
	}
	s, ok, err = resolve(qp.S)
	if err != nil || !ok {
		return 0, 0, 0, 0, false, err
	}
	p, ok, err = resolve(qp.P)
	if err != nil || !ok {
		return 0, 0, 0, 0, false, err
	}
	o, ok, err = resolve(qp.O)
	if err != nil || !ok {
		return 0, 0, 0, 0, false, err
	}
	return g, s, p, o, true, nil
}

func (e *Executor) graphIDOrDefault(btx *bolt.Tx, g algebra.Term, row map[algebra.Var]algebra.Term) (atom.ID, bool, error) {
	if g.Kind == algebra.TermIRI && g.Value == "" {
		return atom.DefaultGraph, true, nil
	}
	if g.Kind == algebra.TermVar {
		bound, found := row[g.Var]
		if !found {
			return 0, false, nil
		}
		id, err := e.internQuadTerm(btx, bound)
		return id, true, err
	}
	id, err := e.graphID(btx, g)
	return id, true, err
}

func (e *Executor) clear(btx *bolt.Tx, batch *txn.Batch, target algebra.ClearTarget, graphTerm algebra.Term) error {
	graphs, err := e.targetGraphs(btx, target, graphTerm)
	if err != nil {
		return err
	}
	for _, g := range graphs {
		if err := e.clearOneGraph(btx, batch, g, e.now()); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) clearGraphRef(btx *bolt.Tx, batch *txn.Batch, ref algebra.GraphRef) error {
	g := atom.DefaultGraph
	if !ref.Default {
		id, err := e.graphID(btx, ref.Graph)
		if err != nil {
			return err
		}
		g = id
	}
	return e.clearOneGraph(btx, batch, g, e.now())
}

// targetGraphs resolves CLEAR/DROP's DEFAULT/NAMED/ALL/GRAPH forms.
// Following SPARQL 1.1 Update, ALL is every named graph plus the default
// graph; NAMED is every named graph only.
func (e *Executor) targetGraphs(btx *bolt.Tx, target algebra.ClearTarget, graphTerm algebra.Term) ([]atom.ID, error) {
	switch target {
	case algebra.ClearDefault:
		return []atom.ID{atom.DefaultGraph}, nil
	case algebra.ClearGraph:
		id, err := e.graphID(btx, graphTerm)
		if err != nil {
			return nil, err
		}
		return []atom.ID{id}, nil
	case algebra.ClearNamed:
		return e.Indexes.ListGraphs(btx)
	case algebra.ClearAll:
		named, err := e.Indexes.ListGraphs(btx)
		if err != nil {
			return nil, err
		}
		return append(named, atom.DefaultGraph), nil
	default:
		return nil, fmt.Errorf("sparqlupdate: %w: unknown CLEAR/DROP target", storeerr.ErrPlan)
	}
}

type graphRow struct {
	s, p, o uint64
	from    int64
}

// clearOneGraph closes out every currently-visible quad in g at now. The
// underlying indexes retain one row per version of each (g,s,p,o): a closed
// row is still physically present (for AS OF/ALL VERSIONS reads and for
// pkg/prune to eventually reclaim) until compaction runs.
func (e *Executor) clearOneGraph(btx *bolt.Tx, batch *txn.Batch, g atom.ID, now int64) error {
	var rows []graphRow
	cur := temporal.NewCurrent()
	if err := quad.ScanPattern(btx, g, quad.Pattern{}, func(m quad.Match) (bool, error) {
		if !cur.Matches(m.Payload, now) {
			return true, nil
		}
		rows = append(rows, graphRow{s: m.S, p: m.P, o: m.O, from: m.ValidFrom})
		return true, nil
	}); err != nil {
		return err
	}
	for _, r := range rows {
		sID, _, err := e.Atoms.ResolveCounter(btx, r.s)
		if err != nil {
			return err
		}
		pID, _, err := e.Atoms.ResolveCounter(btx, r.p)
		if err != nil {
			return err
		}
		oID, _, err := e.Atoms.ResolveCounter(btx, r.o)
		if err != nil {
			return err
		}
		batch.Add(wal.Op{G: g, S: sID, P: pID, O: oID, ValidFrom: r.from, ValidTo: now})
	}
	return e.Indexes.IncrGraph(btx, g, -int64(len(rows)))
}

// copyGraph implements COPY/ADD/MOVE's shared "insert every current
// (s,p,o) of from into to" step. The copies become fresh current versions
// of to as of now rather than inheriting from's original valid_from:
// COPY/ADD assert the source's current facts into the destination graph,
// they do not replay the source's history.
func (e *Executor) copyGraph(btx *bolt.Tx, batch *txn.Batch, from, to algebra.GraphRef, clearTarget bool) error {
	fromG := atom.DefaultGraph
	if !from.Default {
		id, err := e.graphID(btx, from.Graph)
		if err != nil {
			return err
		}
		fromG = id
	}
	toG := atom.DefaultGraph
	if !to.Default {
		id, err := e.graphID(btx, to.Graph)
		if err != nil {
			return err
		}
		toG = id
	}
	now := e.now()
	if clearTarget {
		if err := e.clearOneGraph(btx, batch, toG, now); err != nil {
			return err
		}
	}

	var rows []graphRow
	cur := temporal.NewCurrent()
	if err := quad.ScanPattern(btx, fromG, quad.Pattern{}, func(m quad.Match) (bool, error) {
		if !cur.Matches(m.Payload, now) {
			return true, nil
		}
		rows = append(rows, graphRow{s: m.S, p: m.P, o: m.O})
		return true, nil
	}); err != nil {
		return err
	}

	for _, r := range rows {
		sID, _, err := e.Atoms.ResolveCounter(btx, r.s)
		if err != nil {
			return err
		}
		pID, _, err := e.Atoms.ResolveCounter(btx, r.p)
		if err != nil {
			return err
		}
		oID, _, err := e.Atoms.ResolveCounter(btx, r.o)
		if err != nil {
			return err
		}
		// insertCurrent (not a raw batch.Add) because ADD's clearTarget is
		// false: two graphs may already share a current (s,p,o), and that
		// must stay a no-op rather than open a second current row.
		if err := e.insertCurrent(btx, batch, toG, sID, pID, oID, now); err != nil {
			return err
		}
	}
	return nil
}
