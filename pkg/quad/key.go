// Package quad implements the four quad indexes: GSPO,
// GPOS, GOSP and TGSPO B+Trees over the same set of quads, keyed by
// different atom-position permutations, carrying a validity-interval +
// tx-id payload. The multi-permutation key encoding is the usual quad
// store arrangement, generalized from existence-only index entries to
// carry the bitemporal payload.
package quad

import (
	"encoding/binary"

	"github.com/chronograph/qstore/pkg/atom"
)

// KeyLen is the fixed composite key width: four 5-byte (40-bit) atom id
// counters.
const KeyLen = 20

// Key is a fixed-width B+Tree key: four 40-bit columns in an
// index-specific permutation order.
type Key [KeyLen]byte

func putU40(dst []byte, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	copy(dst, buf[3:8]) // low 40 bits, big-endian
}

func getU40(src []byte) uint64 {
	var buf [8]byte
	copy(buf[3:8], src)
	return binary.BigEndian.Uint64(buf[:])
}

// EncodeKey packs four atom ids into a 20-byte key in the given column
// order. Counter() strips the kind tag; keys carry the raw u40 counter.
func EncodeKey(a, b, c, d atom.ID) Key {
	var k Key
	putU40(k[0:5], a.Counter())
	putU40(k[5:10], b.Counter())
	putU40(k[10:15], c.Counter())
	putU40(k[15:20], d.Counter())
	return k
}

// DecodeKey unpacks a 20-byte key into its four raw 40-bit counters, in
// the same column order EncodeKey used.
func DecodeKey(k Key) (a, b, c, d uint64) {
	return getU40(k[0:5]), getU40(k[5:10]), getU40(k[10:15]), getU40(k[15:20])
}

// Prefix returns the first n*5 bytes of a key, for range-scan bounds over
// a partially-bound pattern.
func Prefix(k Key, columns int) []byte {
	return k[:columns*5]
}

// ValidFromSuffixLen is the width of the big-endian ValidFrom suffix
// EncodeVersionedKey appends to a base 20-byte column key. GSPO/GPOS/GOSP
// store one row per (columns, ValidFrom) pair rather than one row per
// columns alone, so a Put for a new version never clobbers an earlier
// version's row — every past interval stays on disk, not just the
// current one.
//
// The suffix is ValidFrom alone, not (ValidFrom, Tx): LogicalDelete closes
// a version out by re-Putting the same (g,s,p,o,ValidFrom) with only the
// payload's ValidTo/Tx fields changed, and that re-Put must land on the
// exact row it is closing rather than leave the old "still open" row
// behind next to a new "closed" one. Keying on Tx too would break that
// in-place update. The one edge case this leaves is two distinct versions
// of the same key opened in the same microsecond (e.g. a delete
// immediately followed by a re-insert inside that same microsecond): the
// second Put would overwrite the first's row. pkg/prune's PreserveVersions
// mode already drops degenerate (ValidFrom == ValidTo) rows, and this
// case is narrow enough (a zero-or-sub-microsecond-duration version) that
// it is accepted rather than solved with a wider key.
const ValidFromSuffixLen = 8

// EncodeVersionedKey appends a version's ValidFrom to a base column key.
// ValidFrom is always a non-negative microsecond timestamp, so
// plain big-endian encoding preserves numeric ordering across the suffix,
// keeping every version of the same (g,s,p,o) contiguous in the B+Tree
// ordered by validity start.
func EncodeVersionedKey(base Key, validFrom int64) []byte {
	out := make([]byte, KeyLen+ValidFromSuffixLen)
	copy(out, base[:])
	binary.BigEndian.PutUint64(out[KeyLen:], uint64(validFrom))
	return out
}
