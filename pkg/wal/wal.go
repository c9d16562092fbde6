package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/chronograph/qstore/pkg/log"
	"github.com/chronograph/qstore/pkg/metrics"
	"github.com/chronograph/qstore/pkg/storeerr"
)

const segmentPrefix = "wal-"
const segmentSuffix = ".log"

// WAL manages one store's append-only log directory, partitioned into
// fixed-size segments. Segment filenames embed a
// monotonically increasing sequence number so ordering survives
// directory listing; a per-WAL instance uuid tags log lines for
// cross-process log correlation but plays no role in recovery ordering.
type WAL struct {
	dir         string
	segmentSize int64
	instanceID  string

	mu       sync.Mutex
	cur      *os.File
	curSeq   int
	curBytes int64
}

// Open creates dir if needed and opens (or starts) the latest segment for
// appending.
func Open(dir string, segmentSize int64) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir %s: %w: %v", dir, storeerr.ErrIO, err)
	}
	w := &WAL{dir: dir, segmentSize: segmentSize, instanceID: uuid.NewString()}

	segs, err := w.listSegments()
	if err != nil {
		return nil, err
	}
	seq := 0
	if len(segs) > 0 {
		seq = segs[len(segs)-1]
	}
	if err := w.openSegment(seq); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) segmentPath(seq int) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s%08d%s", segmentPrefix, seq, segmentSuffix))
}

func (w *WAL) listSegments() ([]int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("wal: readdir: %w: %v", storeerr.ErrIO, err)
	}
	var seqs []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		n, err := strconv.Atoi(numStr)
		if err != nil {
			continue
		}
		seqs = append(seqs, n)
	}
	sort.Ints(seqs)
	return seqs, nil
}

func (w *WAL) openSegment(seq int) error {
	f, err := os.OpenFile(w.segmentPath(seq), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment %d: %w: %v", seq, storeerr.ErrIO, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: stat segment %d: %w: %v", seq, storeerr.ErrIO, err)
	}
	w.cur = f
	w.curSeq = seq
	w.curBytes = info.Size()
	return nil
}

// Append writes one record to the current segment and fsyncs it before
// returning; a commit is durable once Append returns. A transient fsync
// failure (EINTR/EAGAIN) is retried with exponential backoff before
// surfacing storeerr.ErrIO.
func (w *WAL) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := rec.Encode()
	if w.curBytes > 0 && w.curBytes+int64(len(buf)) > w.segmentSize {
		if err := w.roll(); err != nil {
			return err
		}
	}

	n, err := w.cur.Write(buf)
	if err != nil {
		return fmt.Errorf("wal: write: %w: %v", storeerr.ErrIO, err)
	}
	w.curBytes += int64(n)
	metrics.WALBytesAppended.Add(float64(n))

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WALFsyncDuration)
	return backoff.Retry(func() error {
		if err := w.cur.Sync(); err != nil {
			return fmt.Errorf("wal: fsync: %w: %v", storeerr.ErrIO, err)
		}
		return nil
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3))
}

func (w *WAL) roll() error {
	if err := w.cur.Close(); err != nil {
		return fmt.Errorf("wal: close segment %d: %w: %v", w.curSeq, storeerr.ErrIO, err)
	}
	metrics.WALSegmentRolls.Inc()
	return w.openSegment(w.curSeq + 1)
}

// Replay reads every segment in order and returns records with
// TxID > afterTx, in ascending tx order. It stops at
// the first record that fails to decode (truncated length or bad CRC),
// treating everything read before that point as valid and the remainder
// as a torn write — recoverable truncation, not a fatal error, unless
// truncated is true and zero records were read from an otherwise
// non-empty segment set, which the caller may still choose to treat as
// fatal: corruption before the torn-write boundary means records were
// lost, corruption at the tail is just an interrupted final write.
func (w *WAL) Replay(afterTx uint64) (records []Record, truncated bool, err error) {
	segs, err := w.listSegments()
	if err != nil {
		return nil, false, err
	}
	logger := log.WithComponent("wal").With().Str("instance", w.instanceID).Logger()
	for _, seq := range segs {
		data, rerr := os.ReadFile(w.segmentPath(seq))
		if rerr != nil {
			return records, truncated, fmt.Errorf("wal: read segment %d: %w: %v", seq, storeerr.ErrIO, rerr)
		}
		off := 0
		for off < len(data) {
			rec, n, ok := decodeRecord(data[off:])
			if !ok {
				if off < len(data) {
					truncated = true
					logger.Warn().Int("segment", seq).Int("offset", off).Msg("wal: torn write detected, stopping replay")
				}
				return records, truncated, nil
			}
			off += n
			if rec.TxID > afterTx {
				records = append(records, rec)
			}
		}
	}
	return records, truncated, nil
}

// Truncate removes every segment and starts a fresh one at sequence 0,
// called after a successful checkpoint has persisted durable_tx in the
// header.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.cur.Close(); err != nil {
		return fmt.Errorf("wal: close current segment: %w: %v", storeerr.ErrIO, err)
	}
	segs, err := w.listSegments()
	if err != nil {
		return err
	}
	for _, seq := range segs {
		if err := os.Remove(w.segmentPath(seq)); err != nil {
			return fmt.Errorf("wal: remove segment %d: %w: %v", seq, storeerr.ErrIO, err)
		}
	}
	return w.openSegment(0)
}

// Close closes the current segment file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur.Close()
}

// ShouldCheckpoint reports whether the configured commit-count or
// byte-count threshold has been crossed since the last checkpoint.
func ShouldCheckpoint(commitsSinceCheckpoint int, commitThreshold int, bytesSinceCheckpoint int64, byteThreshold int64) bool {
	return commitsSinceCheckpoint >= commitThreshold || bytesSinceCheckpoint >= byteThreshold
}
