// Package qstore is the embeddable entry point: it wires pagestore, atom,
// quad, wal, txn, temporal, the SPARQL executor, SPARQL Update, and pkg/prune
// into the single Store type an embedding application opens and talks to.
package qstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/config"
	"github.com/chronograph/qstore/pkg/log"
	"github.com/chronograph/qstore/pkg/metrics"
	"github.com/chronograph/qstore/pkg/pagestore"
	"github.com/chronograph/qstore/pkg/planner"
	"github.com/chronograph/qstore/pkg/prune"
	"github.com/chronograph/qstore/pkg/quad"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
	"github.com/chronograph/qstore/pkg/sparql/exec"
	"github.com/chronograph/qstore/pkg/sparqlupdate"
	"github.com/chronograph/qstore/pkg/storeerr"
	"github.com/chronograph/qstore/pkg/temporal"
	"github.com/chronograph/qstore/pkg/txn"
	"github.com/chronograph/qstore/pkg/wal"
)

// Store is one open bitemporal quad store: a page file plus its
// write-ahead log, wired for reads, writes, SPARQL query/update, and
// maintenance (pruning).
type Store struct {
	path   string
	walDir string
	cfg    config.Config

	// mu guards the handle set itself (replaced wholesale by Prune);
	// ordinary reads/writes only need the handles to stay stable for the
	// duration of one call, so a RWMutex held read-side is enough.
	mu sync.RWMutex

	ps        *pagestore.PageStore
	w         *wal.WAL
	atoms     *atom.Store
	indexes   *quad.Indexes
	coord     *txn.Coordinator
	updater   *sparqlupdate.Executor
	collector *metrics.Collector
	stats     *planner.StatsCache
	service   exec.ServiceEndpoint
}

// SetServiceEndpoint registers the federation collaborator SERVICE
// patterns delegate to. Nil (the default) leaves federation
// unavailable: non-SILENT SERVICE patterns fail, SILENT ones contribute
// the empty set.
func (s *Store) SetServiceEndpoint(e exec.ServiceEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.service = e
}

// Open opens (creating if absent) the store at path, using the directory
// path + ".wal" beside it for the write-ahead log, and replays any WAL records not yet
// reflected in the page store's durable tx.
func Open(path string, cfg config.Config) (*Store, error) {
	s := &Store{
		path:   path,
		walDir: path + ".wal",
		cfg:    cfg,
	}
	if err := s.openHandles(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) openHandles() error {
	ps, err := pagestore.Open(s.path, 5*time.Second)
	if err != nil {
		metrics.RegisterComponent("pagestore", false, err.Error())
		return err
	}
	metrics.RegisterComponent("pagestore", true, "open")

	atoms, err := atom.Open(ps)
	if err != nil {
		_ = ps.Close()
		return err
	}
	if s.cfg.AtomCap > 0 {
		atoms.SetMaxBytes(int(s.cfg.AtomCap))
	}
	indexes, err := quad.Init(ps)
	if err != nil {
		_ = ps.Close()
		return err
	}
	w, err := wal.Open(s.walDir, int64(s.cfg.WALSegmentSize))
	if err != nil {
		metrics.RegisterComponent("wal", false, err.Error())
		_ = ps.Close()
		return err
	}
	metrics.RegisterComponent("wal", true, "open")

	coord, err := txn.Open(ps, indexes, w)
	if err != nil {
		metrics.RegisterComponent("txn", false, err.Error())
		_ = w.Close()
		_ = ps.Close()
		return err
	}
	metrics.RegisterComponent("txn", true, "recovered")

	s.ps = ps
	s.w = w
	s.atoms = atoms
	s.indexes = indexes
	s.coord = coord
	s.updater = sparqlupdate.NewExecutor(coord, ps, atoms, indexes, func() int64 { return time.Now().UnixMicro() })
	s.stats = planner.NewStatsCache(planner.DefaultStatsCacheCapacity)

	s.collector = metrics.NewCollector(ps, atoms, indexes)
	s.collector.Start()
	storeLogger := log.WithStore(s.path)
	storeLogger.Info().Msg("qstore: store opened")
	return nil
}

// Close stops background metric sampling and flushes and releases the
// underlying page store and WAL.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collector.Stop()
	werr := s.w.Close()
	perr := s.ps.Close()
	if werr != nil {
		return werr
	}
	return perr
}

// writerContext turns a configured writer-lock timeout into the context
// BeginBatch expects; a zero timeout blocks indefinitely.
func (s *Store) writerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.WriterLockTimeoutSeconds == 0 {
		return ctx, func() {}
	}
	return txn.WriterLockTimeoutContext(time.Duration(s.cfg.WriterLockTimeoutSeconds) * time.Second)
}

// ExecuteUpdate runs a SPARQL Update request as a single
// atomic batch.
func (s *Store) ExecuteUpdate(ctx context.Context, u *algebra.Update) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wctx, cancel := s.writerContext(ctx)
	defer cancel()
	err := s.updater.Execute(wctx, u)
	if err == nil {
		s.stats.Invalidate()
	}
	metrics.UpdatesTotal.WithLabelValues(outcomeLabel(err)).Inc()
	return err
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func formLabel(f algebra.QueryForm) string {
	switch f {
	case algebra.FormSelect:
		return "select"
	case algebra.FormAsk:
		return "ask"
	case algebra.FormConstruct:
		return "construct"
	case algebra.FormDescribe:
		return "describe"
	default:
		return "unknown"
	}
}

// Load bulk-inserts quads, the way a parser collaborator's emitted triples
// are expected to land: each chunk of up to
// batchSize quads commits as one update.
func (s *Store) Load(ctx context.Context, quads []algebra.QuadPattern, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 10000
	}
	loaded := 0
	for start := 0; start < len(quads); start += batchSize {
		end := start + batchSize
		if end > len(quads) {
			end = len(quads)
		}
		chunk := quads[start:end]
		u := &algebra.Update{Ops: []algebra.UpdateOp{algebra.InsertData{Quads: chunk}}}
		if err := s.ExecuteUpdate(ctx, u); err != nil {
			return loaded, err
		}
		loaded += len(chunk)
	}
	return loaded, nil
}

// QueryResult holds whichever of its fields matches the query's form.
type QueryResult struct {
	Form   algebra.QueryForm
	Select *exec.Result
	Ask    bool
	Quads  *exec.QuadResult
}

// Query evaluates a SELECT/ASK/CONSTRUCT/DESCRIBE query
// against a fresh read snapshot, so the whole query sees one consistent
// point in the store's commit history.
func (s *Store) Query(q *algebra.Query) (result *QueryResult, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	form := formLabel(q.Form)
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, form)
	defer func() { metrics.QueriesTotal.WithLabelValues(form, outcomeLabel(err)).Inc() }()

	snap, err := s.coord.ReadSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	temporalClause := temporal.NewCurrent()
	if q.Temporal != nil {
		temporalClause = *q.Temporal
	}
	ectx := &exec.Context{
		Tx:                snap.Tx,
		Atoms:             s.atoms,
		Indexes:           s.indexes,
		Temporal:          temporalClause,
		Now:               time.Now().UnixMicro(),
		HashJoinThreshold: s.cfg.HashJoinThreshold,
		Stats:             s.stats,
		Service:           s.service,

		SubqueryDepthLimit: s.cfg.SubqueryRecursionLimit,
		PathStepBudget:     s.cfg.PropertyPathStepBudget,
	}

	switch q.Form {
	case algebra.FormSelect:
		res, err := exec.ExecuteSelect(ectx, q)
		if err != nil {
			return nil, err
		}
		return &QueryResult{Form: q.Form, Select: res}, nil
	case algebra.FormAsk:
		ok, err := exec.ExecuteAsk(ectx, q)
		if err != nil {
			return nil, err
		}
		return &QueryResult{Form: q.Form, Ask: ok}, nil
	case algebra.FormConstruct:
		res, err := exec.ExecuteConstruct(ectx, q)
		if err != nil {
			return nil, err
		}
		return &QueryResult{Form: q.Form, Quads: res}, nil
	case algebra.FormDescribe:
		res, err := exec.ExecuteDescribe(ectx, q)
		if err != nil {
			return nil, err
		}
		return &QueryResult{Form: q.Form, Quads: res}, nil
	default:
		return nil, fmt.Errorf("qstore: %w: unknown query form", storeerr.ErrPlan)
	}
}

// Prune runs a pruning/compaction transfer against this
// store's own file. The store's handles are closed for the duration of
// the transfer (the rewrite needs exclusive access to the page file) and
// reopened against the swapped-in result before Prune returns, so the
// Store remains usable afterward under the same path.
func (s *Store) Prune(opts prune.Options) (*prune.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := log.WithStore(s.path)
	s.collector.Stop()
	werr := s.w.Close()
	perr := s.ps.Close()
	if werr != nil {
		return nil, werr
	}
	if perr != nil {
		return nil, perr
	}

	result, err := prune.Run(s.path, opts)
	if reopenErr := s.openHandles(); reopenErr != nil {
		if err == nil {
			err = reopenErr
		}
	}
	if err != nil {
		return nil, err
	}
	logger.Info().Str("path", s.path).Int64("written", result.Written).Msg("qstore: prune transfer finished")
	return result, nil
}

// Path reports the store's page file path (the dir alongside it, path+".wal",
// holds the write-ahead log segments).
func (s *Store) Path() string {
	return filepath.Clean(s.path)
}
