// Package txn implements the transaction coordinator: a
// single writer lock, batched commit with WAL-then-install durability,
// and reader snapshots built directly on bbolt's own copy-on-write
// transactions — bbolt's mmap'd B+Tree already gives every read-only
// *bolt.Tx a consistent, reference-counted view of the pages it touches
//, so Snapshot is a thin wrapper rather
// than a reimplementation of page reference counting.
package txn

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/chronograph/qstore/pkg/log"
	"github.com/chronograph/qstore/pkg/metrics"
	"github.com/chronograph/qstore/pkg/pagestore"
	"github.com/chronograph/qstore/pkg/quad"
	"github.com/chronograph/qstore/pkg/storeerr"
	"github.com/chronograph/qstore/pkg/wal"
)

var keyNextTxID = []byte("next_tx_id")

// Coordinator owns the single-writer lock and the in-memory durable-tx
// cache for one store.
type Coordinator struct {
	ps  *pagestore.PageStore
	ix  *quad.Indexes
	log *wal.WAL

	writerLock sync.Mutex

	mu        sync.Mutex
	durableTx uint64
}

// Open wires a coordinator to an already-initialized page store, quad
// indexes, and WAL, and replays any WAL records not yet reflected in the
// durable tx recorded in the page store's header.
func Open(ps *pagestore.PageStore, ix *quad.Indexes, w *wal.WAL) (*Coordinator, error) {
	durable, err := ps.DurableTx()
	if err != nil {
		return nil, err
	}
	c := &Coordinator{ps: ps, ix: ix, log: w, durableTx: durable}
	if err := c.recover(durable); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) recover(durable uint64) error {
	records, truncated, err := c.log.Replay(durable)
	if err != nil {
		return fmt.Errorf("txn: recovery replay: %w", err)
	}
	logger := log.WithComponent("txn")
	if truncated {
		logger.Warn().Msg("wal: torn write found during recovery; replaying all well-formed records before it")
	}
	if len(records) == 0 {
		return nil
	}

	maxTx := durable
	err = c.ps.DB.Update(func(btx *bolt.Tx) error {
		for _, rec := range records {
			txLogger := log.WithTxID(rec.TxID)
			txLogger.Debug().Int("ops", len(rec.Ops)).Msg("wal: replaying record")
			for _, op := range rec.Ops {
				q := quad.Quad{
					G: op.G, S: op.S, P: op.P, O: op.O,
					Payload: quad.Payload{ValidFrom: op.ValidFrom, ValidTo: op.ValidTo, Tx: rec.TxID},
				}
				if err := c.ix.Put(btx, q); err != nil {
					return fmt.Errorf("txn: replay tx %d: %w", rec.TxID, err)
				}
			}
			if rec.TxID > maxTx {
				maxTx = rec.TxID
			}
		}
		return pagestore.SetDurableTx(btx, maxTx)
	})
	if err != nil {
		return err
	}
	c.durableTx = maxTx
	logger.Info().Uint64("durable_tx", maxTx).Int("records", len(records)).Msg("wal: recovery replay complete")
	return nil
}

// Batch accumulates writes between BeginBatch and CommitBatch/RollbackBatch.
type Batch struct {
	c    *Coordinator
	ops  []wal.Op
	done bool
}

// BeginBatch acquires the single-writer lock, blocking until available or
// until the context is done. A zero-value context.Background() blocks
// indefinitely — a writer has no cancellation point between BeginBatch
// and commit except explicit rollback; a context with a deadline bounds
// the wait, surfaced as storeerr.ErrConcurrency.
func (c *Coordinator) BeginBatch(ctx context.Context) (*Batch, error) {
	waitStart := time.Now()
	acquired := make(chan struct{})
	go func() {
		c.writerLock.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		metrics.WriterLockWaitDuration.Observe(time.Since(waitStart).Seconds())
		return &Batch{c: c}, nil
	case <-ctx.Done():
		go func() { <-acquired; c.writerLock.Unlock() }()
		return nil, fmt.Errorf("txn: %w: writer lock acquisition timed out", storeerr.ErrConcurrency)
	}
}

// Add appends a logical quad-version write to the in-flight batch buffer.
// Callers doing a single write still go through BeginBatch/CommitBatch
// under the hood.
func (b *Batch) Add(op wal.Op) {
	b.ops = append(b.ops, op)
}

// CommitBatch assigns the next tx id, appends and fsyncs one WAL record,
// applies the batch's ops to the quad indexes inside one bbolt write
// transaction that also advances durable_tx, and releases the writer
// lock. Returns the assigned tx id.
func (b *Batch) CommitBatch() (uint64, error) {
	if b.done {
		return 0, fmt.Errorf("txn: %w: batch already finished", storeerr.ErrConcurrency)
	}
	b.done = true
	defer b.c.releaseWriter()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitDuration)
	defer metrics.CommitsTotal.Inc()

	if len(b.ops) == 0 {
		return b.c.currentDurableTx(), nil
	}

	var txID uint64
	err := b.c.ps.DB.Update(func(btx *bolt.Tx) error {
		var err error
		txID, err = nextTxID(btx)
		return err
	})
	if err != nil {
		return 0, err
	}

	if err := b.c.log.Append(wal.Record{TxID: txID, Ops: b.ops}); err != nil {
		return 0, err
	}

	err = b.c.ps.DB.Update(func(btx *bolt.Tx) error {
		for _, op := range b.ops {
			q := quad.Quad{
				G: op.G, S: op.S, P: op.P, O: op.O,
				Payload: quad.Payload{ValidFrom: op.ValidFrom, ValidTo: op.ValidTo, Tx: txID},
			}
			if err := b.c.ix.Put(btx, q); err != nil {
				return err
			}
		}
		return pagestore.SetDurableTx(btx, txID)
	})
	if err != nil {
		return 0, err
	}

	b.c.mu.Lock()
	b.c.durableTx = txID
	b.c.mu.Unlock()
	commitLogger := log.WithTxID(txID)
	commitLogger.Debug().Int("ops", len(b.ops)).Msg("txn: commit")
	return txID, nil
}

// RollbackBatch discards the buffered ops without touching the WAL and
// releases the writer lock.
func (b *Batch) RollbackBatch() {
	if b.done {
		return
	}
	b.done = true
	b.ops = nil
	b.c.releaseWriter()
}

func (c *Coordinator) releaseWriter() {
	c.writerLock.Unlock()
}

func (c *Coordinator) currentDurableTx() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.durableTx
}

func nextTxID(btx *bolt.Tx) (uint64, error) {
	b := btx.Bucket([]byte("__meta__"))
	v := b.Get(keyNextTxID)
	var id uint64 = 1
	if v != nil {
		id = binary.BigEndian.Uint64(v) + 1
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	if err := b.Put(keyNextTxID, buf); err != nil {
		return 0, err
	}
	return id, nil
}

// Snapshot is a read-only view fixed at the durable tx observed when it
// was taken. It wraps one bbolt read-only
// transaction, whose own COW semantics pin the pages it can reach;
// Close releases that pin.
type Snapshot struct {
	Tx        *bolt.Tx
	DurableTx uint64
}

// ReadSnapshot begins a new read-only bbolt transaction and pairs it with
// the durable tx id observed at that instant. A reader that began after
// commit C observes exactly the effects of C and no later commit,
// because bbolt's own MVCC view is fixed at Begin time and durable_tx
// is bumped inside the very same write transaction that installs C's
// pages.
func (c *Coordinator) ReadSnapshot() (*Snapshot, error) {
	btx, err := c.ps.DB.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("txn: begin read snapshot: %w: %v", storeerr.ErrIO, err)
	}
	durable := c.currentDurableTx()
	return &Snapshot{Tx: btx, DurableTx: durable}, nil
}

// Close releases the snapshot's pinned pages. Safe to call multiple
// times; safe to call after the iterator using it has been dropped at any
// point.
func (s *Snapshot) Close() error {
	return s.Tx.Rollback()
}

// Checkpoint truncates the WAL; the header is already durable via bbolt's
// own commit. It truncates unconditionally and does not test the
// commit-count or byte threshold itself (wal.ShouldCheckpoint computes
// that test from counts its caller supplies).
func (c *Coordinator) Checkpoint() error {
	return c.log.Truncate()
}

// WriterLockTimeoutContext is a convenience for callers wiring
// config.Config.WriterLockTimeoutSeconds into BeginBatch.
func WriterLockTimeoutContext(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.Background(), func() {}
	}
	return context.WithTimeout(context.Background(), d)
}
