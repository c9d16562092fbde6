package metrics

import (
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/pagestore"
	"github.com/chronograph/qstore/pkg/quad"
)

// Collector periodically samples a store's size (quad count, atom counts
// by kind, named-graph count, page file size) into the package's gauges.
// Commit/WAL/query counters are updated inline by their own callers
// (pkg/txn, pkg/wal, pkg/qstore, pkg/prune) — this collector only covers the
// values that are cheap to sample on a timer but expensive to update on
// every single operation.
type Collector struct {
	ps     *pagestore.PageStore
	atoms  *atom.Store
	ix     *quad.Indexes
	stopCh chan struct{}
}

// NewCollector wires a collector to an already-open store's handles.
func NewCollector(ps *pagestore.PageStore, atoms *atom.Store, ix *quad.Indexes) *Collector {
	return &Collector{ps: ps, atoms: atoms, ix: ix, stopCh: make(chan struct{})}
}

// Start begins periodic sampling on a 15-second tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts periodic sampling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectFileSize()
	c.collectGraphCount()
	c.collectAtomCounts()
	c.collectQuadCount()
}

// collectQuadCount reads the GSPO bucket's key count directly from bbolt's
// own bucket stats rather than scanning every entry, since Stats().KeyN is
// metadata bbolt already tracks.
func (c *Collector) collectQuadCount() {
	err := c.ps.DB.View(func(btx *bolt.Tx) error {
		b := btx.Bucket([]byte("idx.gspo"))
		if b == nil {
			return nil
		}
		QuadsTotal.Set(float64(b.Stats().KeyN))
		return nil
	})
	_ = err
}

func (c *Collector) collectFileSize() {
	info, err := os.Stat(c.ps.Path)
	if err != nil {
		return
	}
	PageFileBytes.Set(float64(info.Size()))
}

func (c *Collector) collectGraphCount() {
	err := c.ps.DB.View(func(btx *bolt.Tx) error {
		graphs, err := c.ix.ListGraphs(btx)
		if err != nil {
			return err
		}
		GraphsTotal.Set(float64(len(graphs)))
		return nil
	})
	_ = err
}

func (c *Collector) collectAtomCounts() {
	err := c.ps.DB.View(func(btx *bolt.Tx) error {
		for _, k := range []atom.Kind{atom.KindIRI, atom.KindBlankNode, atom.KindLiteral} {
			kind := k
			ids, err := c.atoms.Iterate(btx, &kind)
			if err != nil {
				return err
			}
			AtomsTotal.WithLabelValues(kindLabel(kind)).Set(float64(len(ids)))
		}
		return nil
	})
	_ = err
}

func kindLabel(k atom.Kind) string {
	switch k {
	case atom.KindIRI:
		return "iri"
	case atom.KindBlankNode:
		return "blank"
	case atom.KindLiteral:
		return "literal"
	case atom.KindVariable:
		return "variable"
	default:
		return "unknown"
	}
}
