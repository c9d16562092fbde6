// Package pagestore is the paged file substrate. Each store directory
// holds one bbolt database file; bbolt's own mmap'd, copy-on-write B+Tree
// pages are the paged substrate and the B+Tree layer — buckets stand in
// for separate index files, and a single reserved meta bucket carries the
// header fields: magic, format version, durable tx id. Every other
// package (atom, quad, wal) opens its own named buckets inside this one
// file via PageStore.
package pagestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/chronograph/qstore/pkg/storeerr"
)

const (
	// Magic identifies a valid store file. Stored in the meta bucket so
	// Open can refuse a file that isn't one of ours before touching any
	// domain bucket.
	Magic uint32 = 0x51544442 // "QTDB"

	// FormatVersion is the on-disk layout version. Open refuses to open a
	// file whose stored version exceeds this binary's maximum.
	FormatVersion uint32 = 1
)

var (
	metaBucket = []byte("__meta__")

	keyMagic      = []byte("magic")
	keyVersion    = []byte("version")
	keyDurableTx  = []byte("durable_tx")
	keyNextAtomID = []byte("next_atom_id")

	// keyNextTxID is written by the transaction coordinator; it lives in
	// the same header bucket so CopyCounters can carry it across a
	// pruning transfer.
	keyNextTxID = []byte("next_tx_id")
)

// PageStore wraps a single bbolt database file and owns the meta bucket.
type PageStore struct {
	DB   *bolt.DB
	Path string
}

// Open opens (creating if absent) the page store at path, validates the
// header, and returns a handle. timeout is passed to bbolt as its
// Options.Timeout and a new file is created with mode 0600; an exclusive
// OS file lock on the database file (bbolt's default) prevents concurrent
// openers.
func Open(path string, timeout time.Duration) (*PageStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("pagestore: open %s: %w: %v", path, storeerr.ErrIO, err)
	}

	ps := &PageStore{DB: db, Path: path}
	if err := ps.initOrValidateHeader(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ps, nil
}

func (ps *PageStore) initOrValidateHeader() error {
	return ps.DB.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return fmt.Errorf("pagestore: create meta bucket: %w", err)
		}

		existing := b.Get(keyMagic)
		if existing == nil {
			// Fresh store: stamp the header.
			if err := putU32(b, keyMagic, Magic); err != nil {
				return err
			}
			if err := putU32(b, keyVersion, FormatVersion); err != nil {
				return err
			}
			if err := putU64(b, keyDurableTx, 0); err != nil {
				return err
			}
			return putU64(b, keyNextAtomID, 1) // id 0 reserved for default graph
		}

		magic := binary.BigEndian.Uint32(existing)
		if magic != Magic {
			return fmt.Errorf("pagestore: %w: bad magic %x", storeerr.ErrCorruption, magic)
		}
		verBytes := b.Get(keyVersion)
		if verBytes == nil {
			return fmt.Errorf("pagestore: %w: missing version", storeerr.ErrCorruption)
		}
		version := binary.BigEndian.Uint32(verBytes)
		if version > FormatVersion {
			return fmt.Errorf("pagestore: %w: file format version %d exceeds binary maximum %d", storeerr.ErrCorruption, version, FormatVersion)
		}
		return nil
	})
}

// Close closes the underlying database file.
func (ps *PageStore) Close() error {
	return ps.DB.Close()
}

// DurableTx returns the last checkpointed transaction id.
func (ps *PageStore) DurableTx() (uint64, error) {
	var tx uint64
	err := ps.DB.View(func(t *bolt.Tx) error {
		b := t.Bucket(metaBucket)
		v := b.Get(keyDurableTx)
		if v == nil {
			return fmt.Errorf("pagestore: %w: missing durable_tx", storeerr.ErrCorruption)
		}
		tx = binary.BigEndian.Uint64(v)
		return nil
	})
	return tx, err
}

// SetDurableTx persists the durable tx id within an already-open write
// transaction (called by the transaction coordinator on checkpoint).
func SetDurableTx(tx *bolt.Tx, durable uint64) error {
	b := tx.Bucket(metaBucket)
	if b == nil {
		return errors.New("pagestore: meta bucket missing")
	}
	return putU64(b, keyDurableTx, durable)
}

// NextAtomID allocates the next monotonic atom id counter value within an
// open write transaction and persists the post-increment value.
func NextAtomID(tx *bolt.Tx) (uint64, error) {
	b := tx.Bucket(metaBucket)
	if b == nil {
		return 0, errors.New("pagestore: meta bucket missing")
	}
	v := b.Get(keyNextAtomID)
	if v == nil {
		return 0, fmt.Errorf("pagestore: %w: missing next_atom_id", storeerr.ErrCorruption)
	}
	id := binary.BigEndian.Uint64(v)
	if err := putU64(b, keyNextAtomID, id+1); err != nil {
		return 0, err
	}
	return id, nil
}

// CopyCounters carries the durable tx id and the coordinator's tx counter
// from one store's header to another's. The pruning transfer uses it so
// the rewritten store resumes the source's transaction history: a fresh
// header's durable_tx of 0 would otherwise make the next open replay the
// source's entire WAL into the pruned file, resurrecting exactly the
// versions the transfer removed. The atom id counter is deliberately not
// copied — the transfer re-interns every term, so the target numbers its
// atoms from 1 in scan order, keeping repeated transfers of the same
// content byte-identical.
func CopyCounters(src, dst *bolt.Tx) error {
	sb := src.Bucket(metaBucket)
	db := dst.Bucket(metaBucket)
	if sb == nil || db == nil {
		return errors.New("pagestore: meta bucket missing")
	}
	for _, key := range [][]byte{keyDurableTx, keyNextTxID} {
		if v := sb.Get(key); v != nil {
			if err := db.Put(key, append([]byte(nil), v...)); err != nil {
				return err
			}
		}
	}
	return nil
}

func putU32(b *bolt.Bucket, key []byte, v uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return b.Put(key, buf)
}

func putU64(b *bolt.Bucket, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return b.Put(key, buf)
}
