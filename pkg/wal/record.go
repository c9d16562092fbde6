// Package wal implements the write-ahead log: an append-only
// record stream partitioned into fixed-size segments, each record
// carrying a tx id, its ops, and a CRC32. Recovery replays records whose
// CRC validates and whose tx id is newer than the store's durable tx,
// stopping at the first bad CRC (a torn write).
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/chronograph/qstore/pkg/atom"
)

// Op is one write within a transaction's record. Kind is always "put a
// quad version": an insert and a logical delete are both expressed as the
// resulting (g,s,p,o,valid_from,valid_to) row the quad indexes should
// hold after replay, which keeps replay idempotent: index
// insert-or-replace lands on the same row given the same payload.
type Op struct {
	G, S, P, O         atom.ID
	ValidFrom, ValidTo int64
}

const opLen = 8 + 8 + 8 + 8 + 8 + 8 // four atom ids + two timestamps

func (o Op) encode(dst []byte) {
	binary.BigEndian.PutUint64(dst[0:8], uint64(o.G))
	binary.BigEndian.PutUint64(dst[8:16], uint64(o.S))
	binary.BigEndian.PutUint64(dst[16:24], uint64(o.P))
	binary.BigEndian.PutUint64(dst[24:32], uint64(o.O))
	binary.BigEndian.PutUint64(dst[32:40], uint64(o.ValidFrom))
	binary.BigEndian.PutUint64(dst[40:48], uint64(o.ValidTo))
}

func decodeOp(src []byte) Op {
	return Op{
		G:         atom.ID(binary.BigEndian.Uint64(src[0:8])),
		S:         atom.ID(binary.BigEndian.Uint64(src[8:16])),
		P:         atom.ID(binary.BigEndian.Uint64(src[16:24])),
		O:         atom.ID(binary.BigEndian.Uint64(src[24:32])),
		ValidFrom: int64(binary.BigEndian.Uint64(src[32:40])),
		ValidTo:   int64(binary.BigEndian.Uint64(src[40:48])),
	}
}

// Record is one committed batch: a tx id and the ops it wrote.
type Record struct {
	TxID uint64
	Ops  []Op
}

// Encode serializes a record as {tx_id(8) | op_count(4) | ops | crc32(4)}.
func (r Record) Encode() []byte {
	body := make([]byte, 8+4+len(r.Ops)*opLen)
	binary.BigEndian.PutUint64(body[0:8], r.TxID)
	binary.BigEndian.PutUint32(body[8:12], uint32(len(r.Ops)))
	off := 12
	for _, op := range r.Ops {
		op.encode(body[off : off+opLen])
		off += opLen
	}
	crc := crc32.ChecksumIEEE(body)
	out := make([]byte, len(body)+4)
	copy(out, body)
	binary.BigEndian.PutUint32(out[len(body):], crc)
	return out
}

// decodeRecord parses one record from the front of buf, returning the
// record, the number of bytes it consumed, and an error. A short buffer
// (fewer bytes than the header promises) is reported via ok=false rather
// than an error: the caller treats it as a torn trailing write.
func decodeRecord(buf []byte) (rec Record, consumed int, ok bool) {
	if len(buf) < 12 {
		return Record{}, 0, false
	}
	txID := binary.BigEndian.Uint64(buf[0:8])
	opCount := binary.BigEndian.Uint32(buf[8:12])
	need := 12 + int(opCount)*opLen + 4
	if len(buf) < need {
		return Record{}, 0, false
	}
	body := buf[:need-4]
	storedCRC := binary.BigEndian.Uint32(buf[need-4 : need])
	if crc32.ChecksumIEEE(body) != storedCRC {
		return Record{}, 0, false
	}
	ops := make([]Op, opCount)
	off := 12
	for i := range ops {
		ops[i] = decodeOp(buf[off : off+opLen])
		off += opLen
	}
	return Record{TxID: txID, Ops: ops}, need, true
}

func (r Record) String() string {
	return fmt.Sprintf("wal.Record{tx=%d, ops=%d}", r.TxID, len(r.Ops))
}
