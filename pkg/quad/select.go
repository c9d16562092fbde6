package quad

import (
	"bytes"
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	"github.com/chronograph/qstore/pkg/atom"
)

// IndexName tags which of the four B+Trees a scan was routed to.
type IndexName int

const (
	IndexGSPO IndexName = iota
	IndexGPOS
	IndexGOSP
	IndexTGSPO
)

func (n IndexName) bucket() []byte {
	switch n {
	case IndexGPOS:
		return bucketGPOS
	case IndexGOSP:
		return bucketGOSP
	case IndexTGSPO:
		return bucketTGSPO
	default:
		return bucketGSPO
	}
}

// Pattern is a triple pattern; a nil field is unbound. Bound fields
// narrow the index range scan. The
// graph is not part of Pattern: ScanPattern always scopes to the graph
// passed as its own argument.
type Pattern struct {
	S, P, O *atom.ID
}

// ChooseIndex routes a bound-mask over (s,p,o) within a graph to the
// index whose key order puts the bound columns first. The graph is
// always bound here: ScanPattern scans the single graph it is given, and
// a caller with an unbound graph enumerates ListGraphs itself.
func ChooseIndex(pat Pattern) IndexName {
	bs, bp, bo := pat.S != nil, pat.P != nil, pat.O != nil
	switch {
	case bs && bp && bo:
		return IndexGSPO // point get
	case bs && bp && !bo:
		return IndexGSPO
	case bs && !bp && bo:
		return IndexGOSP
	case bs && !bp && !bo:
		return IndexGSPO
	case !bs && bp && bo:
		return IndexGPOS
	case !bs && bp && !bo:
		return IndexGPOS
	case !bs && !bp && bo:
		return IndexGOSP
	default:
		return IndexGSPO // full scan
	}
}

// columnOrder returns the atom-position order a given index's key uses,
// e.g. GPOS encodes (g,p,o,s).
func columnOrder(idx IndexName) [4]int {
	// positions: 0=g 1=s 2=p 3=o
	switch idx {
	case IndexGPOS:
		return [4]int{0, 2, 3, 1}
	case IndexGOSP:
		return [4]int{0, 3, 1, 2}
	default: // GSPO, TGSPO (within its gspo suffix)
		return [4]int{0, 1, 2, 3}
	}
}

// Match is one scan result: the resolved (g,s,p,o) as raw 40-bit counters
// (the caller resolves to full atom.ID/terms as needed) plus its payload.
type Match struct {
	G, S, P, O uint64
	Payload
}

// BoundPrefix reports which index pat selects and the
// bound-prefix bytes within that index's key space — the cardinality
// cache key the planner's estimator keys on.
func BoundPrefix(g atom.ID, pat Pattern) (IndexName, []byte) {
	idx := ChooseIndex(pat)
	order := columnOrder(idx)
	cols := [4]*atom.ID{&g, pat.S, pat.P, pat.O}
	boundVals := [4]*atom.ID{}
	for i, colIdx := range order {
		boundVals[i] = cols[colIdx]
	}
	prefixCols := 0
	for _, v := range boundVals {
		if v == nil {
			break
		}
		prefixCols++
	}
	prefix := make([]byte, prefixCols*5)
	for i := 0; i < prefixCols; i++ {
		putU40(prefix[i*5:i*5+5], (*boundVals[i]).Counter())
	}
	return idx, prefix
}

// ScanPattern opens IndexGSPO/GPOS/GOSP (never TGSPO, which is reserved
// for evolution/WAL-replay scans) for a bound graph and yields every
// matching quad in index order. The caller supplies a visit function and
// may return false to stop early (restartable-by-construction: callers
// re-invoke ScanPattern to restart, which is what the executor's
// restartable operator contract builds on).
//
// ScanPattern's bound comparisons only ever touch a key's first 20 bytes
// (prefixCols*5 <= KeyLen); GSPO/GPOS/GOSP keys carry an additional 8-byte
// ValidFrom suffix (see EncodeVersionedKey) that this function never
// inspects, so a single logical (g,s,p,o) now yields one Match per stored
// version instead of one Match overall — exactly the multi-version
// behavior AS OF/DURING/ALL VERSIONS need; temporal.Clause.Matches still
// does the actual per-mode filtering on each Match's payload.
func ScanPattern(btx *bolt.Tx, g atom.ID, pat Pattern, visit func(Match) (bool, error)) error {
	idx, prefix := BoundPrefix(g, pat)
	prefixCols := len(prefix) / 5

	var lower, upper [KeyLen]byte
	copy(lower[:], prefix)
	copy(upper[:], prefix)
	for i := prefixCols * 5; i < KeyLen; i++ {
		upper[i] = 0xff
	}

	b := btx.Bucket(idx.bucket())
	c := b.Cursor()
	lowBytes := lower[:prefixCols*5]
	for k, v := c.Seek(lowBytes); k != nil; k, v = c.Next() {
		if prefixCols > 0 && !bytes.HasPrefix(k, lowBytes) {
			if bytes.Compare(k[:prefixCols*5], upper[:prefixCols*5]) > 0 {
				break
			}
			continue
		}
		m := matchFromKey(idx, k, v)
		// Re-check any bound non-prefix columns (e.g. GSPO scan with O
		// bound but P unbound cannot happen per ChooseIndex, but a
		// caller-level Graph() scope with additional constant columns
		// may still need a residual filter; none currently do).
		ok, err := visit(m)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}

func matchFromKey(idx IndexName, key, payload []byte) Match {
	order := columnOrder(idx)
	var cols [4]uint64
	for i := 0; i < 4; i++ {
		cols[order[i]] = getU40(key[i*5 : i*5+5])
	}
	return Match{
		G: cols[0], S: cols[1], P: cols[2], O: cols[3],
		Payload: DecodePayload(payload),
	}
}

// AuthoritativePayload returns the latest stored payload for the version
// of (g,s,p,o) opened at validFrom, straight from GSPO's versioned row.
// TGSPO keeps one row per transaction that touched a version, and earlier
// rows retain the payload as it stood at their tx (a logical delete closes
// the GSPO row in place but leaves the opening tx's TGSPO row showing the
// interval still open) — evolution-order consumers that want final state
// rather than per-tx state use this to tell the two apart.
func AuthoritativePayload(btx *bolt.Tx, g, s, p, o uint64, validFrom int64) (Payload, bool) {
	var base Key
	putU40(base[0:5], g)
	putU40(base[5:10], s)
	putU40(base[10:15], p)
	putU40(base[15:20], o)
	v := btx.Bucket(bucketGSPO).Get(EncodeVersionedKey(base, validFrom))
	if len(v) != PayloadLen {
		return Payload{}, false
	}
	return DecodePayload(v), true
}

// ScanEvolution walks TGSPO in (tx,g,s,p,o) order starting at fromTx —
// used by WAL replay ordering checks and by pkg/prune's deterministic
// source enumeration.
func ScanEvolution(btx *bolt.Tx, fromTx uint64, visit func(tx uint64, m Match) (bool, error)) error {
	b := btx.Bucket(bucketTGSPO)
	c := b.Cursor()
	var start [8]byte
	binary.BigEndian.PutUint64(start[:], fromTx)
	for k, v := c.Seek(start[:]); k != nil; k, v = c.Next() {
		if len(k) != 8+KeyLen {
			continue
		}
		txID := binary.BigEndian.Uint64(k[:8])
		g, s, p, o := DecodeKey(Key(k[8:]))
		ok, err := visit(txID, Match{G: g, S: s, P: p, O: o, Payload: DecodePayload(v)})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}
