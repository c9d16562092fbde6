// Package atom implements the atom dictionary: interning RDF
// terms into fixed-width IDs with O(1)-expected lookup via an
// open-addressing hash index, and O(1) reverse lookup via an id→offset
// table. Buckets are split per concern: one blob bucket keyed by
// counter, plus one hash bucket per atom namespace.
package atom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/chronograph/qstore/pkg/pagestore"
	"github.com/chronograph/qstore/pkg/storeerr"
)

var (
	bucketBlob        = []byte("atoms.blob")     // id -> canonical encoding
	bucketHashResource = []byte("atoms.hash.res") // hash slot -> id, for IRI/BlankNode
	bucketHashLiteral  = []byte("atoms.hash.lit") // hash slot -> id, for Literal
)

// DefaultMaxAtomBytes is the default per-atom byte cap;
// overridable via Store.SetMaxBytes for tests and config wiring.
const DefaultMaxAtomBytes = 64 * 1024

// Store is the atom dictionary for one quad store instance. It is safe for
// concurrent readers; interning (which allocates new ids) is expected to be
// serialized by the caller's writer lock (pkg/txn).
type Store struct {
	db           *bolt.DB
	maxAtomBytes int

	mu    sync.RWMutex
	cache map[string]ID // canonical encoding -> id, process-local memo
}

// Open creates the atom buckets (if absent) inside an already-open
// PageStore and returns a Store bound to it.
func Open(ps *pagestore.PageStore) (*Store, error) {
	err := ps.DB.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBlob, bucketHashResource, bucketHashLiteral} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("atom: init buckets: %w", err)
	}
	return &Store{db: ps.DB, maxAtomBytes: DefaultMaxAtomBytes, cache: make(map[string]ID)}, nil
}

// SetMaxBytes overrides the per-atom byte cap.
func (s *Store) SetMaxBytes(n int) { s.maxAtomBytes = n }

// hashBucketFor returns the hash-index bucket for a kind: literals hash
// separately from IRIs and blank nodes.
func hashBucketFor(k Kind) []byte {
	if k == KindLiteral {
		return bucketHashLiteral
	}
	return bucketHashResource
}

// encode produces the canonical byte form hashed and stored for an atom:
// kind || varint(len) || bytes [|| datatype(8) || varint(len(lang)) || lang].
func encode(k Kind, lexical []byte, datatype ID, hasType bool, lang string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(k))
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(lexical)))
	buf.Write(lenBuf[:n])
	buf.Write(lexical)
	if k == KindLiteral {
		if hasType {
			buf.WriteByte(1)
			var idBuf [8]byte
			binary.BigEndian.PutUint64(idBuf[:], uint64(datatype))
			buf.Write(idBuf[:])
		} else {
			buf.WriteByte(0)
		}
		langBytes := []byte(lang)
		n = binary.PutUvarint(lenBuf[:], uint64(len(langBytes)))
		buf.Write(lenBuf[:n])
		buf.Write(langBytes)
	}
	return buf.Bytes()
}

func decode(enc []byte) (Term, error) {
	if len(enc) < 2 {
		return Term{}, fmt.Errorf("atom: %w: truncated encoding", storeerr.ErrCorruption)
	}
	k := Kind(enc[0])
	rest := enc[1:]
	strLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return Term{}, fmt.Errorf("atom: %w: bad length varint", storeerr.ErrCorruption)
	}
	rest = rest[n:]
	if uint64(len(rest)) < strLen {
		return Term{}, fmt.Errorf("atom: %w: truncated lexical", storeerr.ErrCorruption)
	}
	lexical := append([]byte(nil), rest[:strLen]...)
	rest = rest[strLen:]

	t := Term{Kind: k, Lexical: lexical}
	if k != KindLiteral {
		return t, nil
	}
	if len(rest) < 1 {
		return Term{}, fmt.Errorf("atom: %w: truncated literal tail", storeerr.ErrCorruption)
	}
	hasType := rest[0] == 1
	rest = rest[1:]
	if hasType {
		if len(rest) < 8 {
			return Term{}, fmt.Errorf("atom: %w: truncated datatype id", storeerr.ErrCorruption)
		}
		t.HasType = true
		t.Datatype = ID(binary.BigEndian.Uint64(rest[:8]))
		rest = rest[8:]
	}
	langLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return Term{}, fmt.Errorf("atom: %w: bad lang length", storeerr.ErrCorruption)
	}
	rest = rest[n:]
	if uint64(len(rest)) < langLen {
		return Term{}, fmt.Errorf("atom: %w: truncated lang", storeerr.ErrCorruption)
	}
	t.Lang = string(rest[:langLen])
	return t, nil
}

// fnv1a64 hashes the canonical encoding with 64-bit FNV-1a.
func fnv1a64(enc []byte) uint64 {
	h := fnv.New64a()
	h.Write(enc)
	return h.Sum64()
}

func slotKey(h uint64, probe uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h+probe)
	return buf[:]
}

// Intern hashes the canonical encoding of (kind, lexical[, datatype, lang]),
// probes the appropriate hash bucket with linear probing, and returns the
// existing id on hit or allocates and appends a new one on miss. Intern is
// idempotent: repeated interning of the same term returns the same id
// so interning stays idempotent.
func (s *Store) Intern(tx *bolt.Tx, k Kind, lexical []byte, datatype ID, hasType bool, lang string) (ID, error) {
	if len(lexical) > s.maxAtomBytes {
		return 0, fmt.Errorf("atom: %d bytes: atom too large (cap %d)", len(lexical), s.maxAtomBytes)
	}
	enc := encode(k, lexical, datatype, hasType, lang)

	s.mu.RLock()
	if id, ok := s.cache[string(enc)]; ok {
		s.mu.RUnlock()
		return id, nil
	}
	s.mu.RUnlock()

	hashBucket := tx.Bucket(hashBucketFor(k))
	blobBucket := tx.Bucket(bucketBlob)
	h := fnv1a64(enc)

	var probe uint64
	for {
		key := slotKey(h, probe)
		v := hashBucket.Get(key)
		if v == nil {
			break // empty slot: this is where we'll insert on miss
		}
		candidateID := ID(binary.BigEndian.Uint64(v))
		candidateEnc := blobBucket.Get(idKey(candidateID))
		if bytes.Equal(candidateEnc, enc) {
			s.memoize(enc, candidateID)
			return candidateID, nil
		}
		probe++
	}

	counter, err := pagestore.NextAtomID(tx)
	if err != nil {
		return 0, err
	}
	id, err := MakeID(k, counter)
	if err != nil {
		return 0, err
	}
	if err := blobBucket.Put(idKey(id), enc); err != nil {
		return 0, fmt.Errorf("atom: store blob: %w", err)
	}
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], uint64(id))
	if err := hashBucket.Put(slotKey(h, probe), idBuf[:]); err != nil {
		return 0, fmt.Errorf("atom: store hash slot: %w", err)
	}
	s.memoize(enc, id)
	return id, nil
}

func (s *Store) memoize(enc []byte, id ID) {
	s.mu.Lock()
	s.cache[string(enc)] = id
	s.mu.Unlock()
}

// idKey is keyed by the 40-bit counter alone, not the full (kind-tagged)
// ID: the counter is allocated from one global sequence shared by every
// kind, so it is already unique store-wide. Quad index keys store exactly
// this counter per position; the
// kind tag lives only in the in-memory ID value and in the blob record's
// own leading byte, recoverable via ResolveCounter.
func idKey(id ID) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id.Counter())
	return buf[:]
}

func counterKey(counter uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	return buf[:]
}

// Resolve looks up the term for an atom id in constant time via the id
// table. The DefaultGraph sentinel resolves to an empty IRI-kind term
// without consulting any bucket.
func (s *Store) Resolve(tx *bolt.Tx, id ID) (Term, error) {
	if id == DefaultGraph {
		return Term{Kind: KindIRI, Lexical: nil}, nil
	}
	b := tx.Bucket(bucketBlob)
	enc := b.Get(idKey(id))
	if enc == nil {
		return Term{}, fmt.Errorf("atom: id %d: %w", id, storeerr.ErrNotFound)
	}
	return decode(enc)
}

// ResolveCounter reconstructs the full kind-tagged ID and Term from a bare
// 40-bit counter, as pulled out of a quad index key by pkg/quad. Returns
// storeerr.ErrNotFound if the counter names no atom (or is 0, the default
// graph sentinel, handled by the caller before reaching here in practice).
func (s *Store) ResolveCounter(tx *bolt.Tx, counter uint64) (ID, Term, error) {
	if counter == 0 {
		return DefaultGraph, Term{Kind: KindIRI}, nil
	}
	b := tx.Bucket(bucketBlob)
	enc := b.Get(counterKey(counter))
	if enc == nil {
		return 0, Term{}, fmt.Errorf("atom: counter %d: %w", counter, storeerr.ErrNotFound)
	}
	term, err := decode(enc)
	if err != nil {
		return 0, Term{}, err
	}
	id, err := MakeID(term.Kind, counter)
	if err != nil {
		return 0, Term{}, err
	}
	return id, term, nil
}

// Iterate returns, in id order, every atom id whose kind matches filter
// (or every id, if filter is nil). The returned slice is a point-in-time
// snapshot; callers needing a lazy/restartable cursor should page through
// it with a starting-id bound for very large dictionaries.
func (s *Store) Iterate(tx *bolt.Tx, filter *Kind) ([]ID, error) {
	b := tx.Bucket(bucketBlob)
	var out []ID
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if len(k) != 8 {
			continue
		}
		// k is the bare counter (idKey/counterKey share the same encoding);
		// the kind tag only lives in the blob value, so it must be decoded
		// from v rather than reconstructed from k.
		term, err := decode(v)
		if err != nil {
			return nil, err
		}
		if filter != nil && term.Kind != *filter {
			continue
		}
		counter := binary.BigEndian.Uint64(k)
		id, err := MakeID(term.Kind, counter)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
