package quad

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/pagestore"
	"github.com/chronograph/qstore/pkg/storeerr"
)

var (
	bucketGSPO  = []byte("idx.gspo")
	bucketGPOS  = []byte("idx.gpos")
	bucketGOSP  = []byte("idx.gosp")
	bucketTGSPO = []byte("idx.tgspo")
	bucketGraphs = []byte("quad.graphs")
)

// Quad is a single (graph, subject, predicate, object) tuple with its
// bitemporal payload.
type Quad struct {
	G, S, P, O atom.ID
	Payload
}

// Indexes owns the four B+Tree buckets that together represent the
// store's quad set. All four are redundant projections of the
// same logical quad set.
type Indexes struct{}

// Init creates the four index buckets plus the graph-bookkeeping bucket.
func Init(ps *pagestore.PageStore) (*Indexes, error) {
	err := ps.DB.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketGSPO, bucketGPOS, bucketGOSP, bucketTGSPO, bucketGraphs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("quad: init buckets: %w", err)
	}
	return &Indexes{}, nil
}

func tgspoKey(tx uint64, q Quad) []byte {
	key := make([]byte, 8+KeyLen)
	binary.BigEndian.PutUint64(key[:8], tx)
	k := EncodeKey(q.G, q.S, q.P, q.O)
	copy(key[8:], k[:])
	return key
}

// Put writes a quad version into all four indexes within an already-open
// write transaction. GSPO/GPOS/GOSP are keyed by the
// column permutation plus the version's ValidFrom (EncodeVersionedKey), so
// distinct versions of the same (g,s,p,o) occupy distinct rows instead of
// one overwriting the other; a re-Put that repeats an existing ValidFrom
// (LogicalDelete closing out a version in place) still lands on that same
// row, which is the intended overwrite. The caller (pkg/txn, via pkg/wal)
// is responsible for the preceding WAL append.
func (ix *Indexes) Put(btx *bolt.Tx, q Quad) error {
	gspo := EncodeVersionedKey(EncodeKey(q.G, q.S, q.P, q.O), q.ValidFrom)
	gpos := EncodeVersionedKey(EncodeKey(q.G, q.P, q.O, q.S), q.ValidFrom)
	gosp := EncodeVersionedKey(EncodeKey(q.G, q.O, q.S, q.P), q.ValidFrom)
	payload := q.Payload.Encode()

	if err := btx.Bucket(bucketGSPO).Put(gspo, payload); err != nil {
		return fmt.Errorf("quad: put gspo: %w", err)
	}
	if err := btx.Bucket(bucketGPOS).Put(gpos, payload); err != nil {
		return fmt.Errorf("quad: put gpos: %w", err)
	}
	if err := btx.Bucket(bucketGOSP).Put(gosp, payload); err != nil {
		return fmt.Errorf("quad: put gosp: %w", err)
	}
	if err := btx.Bucket(bucketTGSPO).Put(tgspoKey(q.Tx, q), payload); err != nil {
		return fmt.Errorf("quad: put tgspo: %w", err)
	}
	return nil
}

// GetCurrent returns the current (valid_to == Forever) version's payload
// for an exact (g,s,p,o), if any. GSPO now holds one row per version of
// that key (see Put), so this scans the short run of rows sharing the
// 20-byte base prefix rather than a single point get; since no two
// current versions of the same key may overlap, at most one row in that run
// has IsCurrent() true.
func (ix *Indexes) GetCurrent(btx *bolt.Tx, g, s, p, o atom.ID) (Payload, bool, error) {
	base := EncodeKey(g, s, p, o)
	b := btx.Bucket(bucketGSPO)
	c := b.Cursor()
	for k, v := c.Seek(base[:]); k != nil && bytes.HasPrefix(k, base[:]); k, v = c.Next() {
		if len(v) != PayloadLen {
			return Payload{}, false, fmt.Errorf("quad: %w: bad payload length", storeerr.ErrCorruption)
		}
		pl := DecodePayload(v)
		if pl.IsCurrent() {
			return pl, true, nil
		}
	}
	return Payload{}, false, nil
}

// LogicalDelete supersedes every current version of (g,s,p,o) with
// valid_to = t, leaving the old version physically present until
// pruning. Returns true if a current version existed and was closed out.
func (ix *Indexes) LogicalDelete(btx *bolt.Tx, g, s, p, o atom.ID, t int64, newTx uint64) (bool, error) {
	pl, ok, err := ix.GetCurrent(btx, g, s, p, o)
	if err != nil || !ok {
		return false, err
	}
	pl.ValidTo = t
	pl.Tx = newTx
	q := Quad{G: g, S: s, P: p, O: o, Payload: pl}
	if err := ix.Put(btx, q); err != nil {
		return false, err
	}
	return true, nil
}

// BulkLoad writes a batch of quads into the four indexes, used by
// pkg/prune's rewrite. It is equivalent to a sequence of Put calls and
// accepts the quads in any order.
func (ix *Indexes) BulkLoad(btx *bolt.Tx, quads []Quad) error {
	for _, q := range quads {
		if err := ix.Put(btx, q); err != nil {
			return err
		}
	}
	return nil
}

// IncrGraph bumps the bookkeeping refcount for a named graph by delta
// (positive on insert, negative for each logically deleted quad). The
// default graph is never tracked here; it always
// exists.
func (ix *Indexes) IncrGraph(btx *bolt.Tx, g atom.ID, delta int64) error {
	if g.IsDefaultGraph() {
		return nil
	}
	b := btx.Bucket(bucketGraphs)
	key := idKeyBytes(g)
	var count int64
	if v := b.Get(key); v != nil {
		count = int64(binary.BigEndian.Uint64(v))
	}
	count += delta
	if count <= 0 {
		return b.Delete(key)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	return b.Put(key, buf)
}

// ListGraphs enumerates every named graph currently holding at least one
// current quad — named graphs are implicit, a graph exists iff something
// current is in it — without a full GSPO scan, off the refcounted
// bookkeeping bucket IncrGraph maintains.
func (ix *Indexes) ListGraphs(btx *bolt.Tx) ([]atom.ID, error) {
	b := btx.Bucket(bucketGraphs)
	var out []atom.ID
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if len(k) != 8 {
			continue
		}
		out = append(out, atom.ID(binary.BigEndian.Uint64(k)))
	}
	return out, nil
}

// idKeyBytes keys the graphs bookkeeping bucket (our own invention, not a
// quad-index key) by the full kind-tagged ID, so ListGraphs can hand back
// an ID whose Kind() is correct without a round-trip through the atom
// dictionary.
func idKeyBytes(id atom.ID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}
