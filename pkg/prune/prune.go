// Package prune implements the pruning/compaction transfer: rewrite a
// store through a live filter into a fresh file, then swap it into the
// source's path. The optional integrity checksum uses the same CRC32 the
// WAL frames records with.
package prune

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/log"
	"github.com/chronograph/qstore/pkg/metrics"
	"github.com/chronograph/qstore/pkg/pagestore"
	"github.com/chronograph/qstore/pkg/quad"
	"github.com/chronograph/qstore/pkg/storeerr"

	"github.com/google/uuid"
)

// HistoryMode selects how much of a quad's version history survives the
// transfer.
type HistoryMode int

const (
	// FlattenToCurrent emits only quads with valid_to == Forever.
	FlattenToCurrent HistoryMode = iota
	// PreserveVersions emits full history, suppressing only degenerate
	// (valid_from == valid_to) entries that were closed before they ever
	// became observable to any query.
	PreserveVersions
	// All emits every quad, including closed-out and degenerate ones.
	All
)

// Filter composes graph/predicate include/exclude lists with an optional
// caller predicate. Empty Include lists mean "no restriction"; Exclude
// always wins over Include when both match.
type Filter struct {
	IncludeGraphs     []string
	ExcludeGraphs     []string
	IncludePredicates []string
	ExcludePredicates []string
	// Extra, if set, is consulted last and may veto any quad that passed
	// the graph/predicate lists.
	Extra func(g, s, p, o ResolvedTerm) bool
}

// ResolvedTerm is a quad position's resolved identity, handed to Filter.Extra
// and used internally for IRI-based include/exclude matching.
type ResolvedTerm struct {
	Kind    atom.Kind
	Lexical string
}

func (f Filter) includes(g, s, p, o ResolvedTerm) bool {
	if !matchSet(g.Lexical, f.IncludeGraphs, f.ExcludeGraphs) {
		return false
	}
	if !matchSet(p.Lexical, f.IncludePredicates, f.ExcludePredicates) {
		return false
	}
	if f.Extra != nil && !f.Extra(g, s, p, o) {
		return false
	}
	return true
}

func matchSet(v string, include, exclude []string) bool {
	for _, x := range exclude {
		if x == v {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, x := range include {
		if x == v {
			return true
		}
	}
	return false
}

// Options configures one transfer.
type Options struct {
	Filter          Filter
	History         HistoryMode
	DryRun          bool
	Verify          bool
	ComputeChecksum bool
	AuditLogPath    string
	BatchSize       int
}

// Result reports what a transfer did or would do.
type Result struct {
	SessionID   string
	Scanned     int64
	Written     int64
	FilteredOut int64
	Checksum    uint32
	DryRun      bool
}

const defaultBatchSize = 10000

// Run executes a pruning transfer against the store file at sourcePath.
// On success (and when opts.DryRun is false) the file at sourcePath is
// atomically replaced by the rewritten store.
func Run(sourcePath string, opts Options) (result *Result, err error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	sessionID := uuid.NewString()
	logger := log.WithComponent("prune").With().Str("session", sessionID).Logger()

	timer := metrics.NewTimer()
	defer func() {
		metrics.PruneDuration.Observe(timer.Duration().Seconds())
		metrics.PruneRunsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		if result != nil {
			metrics.PruneQuadsFilteredOut.Add(float64(result.FilteredOut))
		}
	}()

	srcPS, err := pagestore.Open(sourcePath, time.Second)
	if err != nil {
		return nil, err
	}
	defer srcPS.Close()
	srcAtoms, err := atom.Open(srcPS)
	if err != nil {
		return nil, err
	}
	if _, err := quad.Init(srcPS); err != nil {
		return nil, err
	}

	targetPath := filepath.Join(filepath.Dir(sourcePath), ".prune-"+sessionID+".db")
	dstPS, err := pagestore.Open(targetPath, time.Second)
	if err != nil {
		return nil, err
	}
	dstAtoms, err := atom.Open(dstPS)
	if err != nil {
		_ = dstPS.Close()
		return nil, err
	}
	dstIx, err := quad.Init(dstPS)
	if err != nil {
		_ = dstPS.Close()
		return nil, err
	}

	var auditLines [][]byte
	result = &Result{SessionID: sessionID, DryRun: opts.DryRun}
	checksum := crc32.NewIEEE()

	var pending []quad.Quad
	flush := func() error {
		if opts.DryRun || len(pending) == 0 {
			pending = pending[:0]
			return nil
		}
		err := dstPS.DB.Update(func(btx *bolt.Tx) error {
			return dstIx.BulkLoad(btx, pending)
		})
		pending = pending[:0]
		return err
	}

	err = srcPS.DB.View(func(sbtx *bolt.Tx) error {
		return dstPS.DB.Update(func(dbtx *bolt.Tx) error {
			// The rewritten store continues the source's tx history; a
			// fresh header would make the next open replay the whole WAL
			// into it, resurrecting the versions this transfer removed.
			if err := pagestore.CopyCounters(sbtx, dbtx); err != nil {
				return err
			}
			return quad.ScanEvolution(sbtx, 0, func(tx uint64, m quad.Match) (bool, error) {
				result.Scanned++

				// A version touched by more than one tx has one TGSPO row
				// per touch; only the final touch's row carries the
				// version's settled interval. Skip the earlier rows, or a
				// flatten would resurrect logically deleted versions off
				// their opening tx's still-open payload.
				if auth, ok := quad.AuthoritativePayload(sbtx, m.G, m.S, m.P, m.O, m.Payload.ValidFrom); ok {
					if auth.Tx != tx {
						return true, nil
					}
					m.Payload = auth
				}

				gTerm, gID, err := resolveAndReintern(sbtx, dbtx, srcAtoms, dstAtoms, m.G)
				if err != nil {
					return false, err
				}
				sTerm, sID, err := resolveAndReintern(sbtx, dbtx, srcAtoms, dstAtoms, m.S)
				if err != nil {
					return false, err
				}
				pTerm, pID, err := resolveAndReintern(sbtx, dbtx, srcAtoms, dstAtoms, m.P)
				if err != nil {
					return false, err
				}
				oTerm, oID, err := resolveAndReintern(sbtx, dbtx, srcAtoms, dstAtoms, m.O)
				if err != nil {
					return false, err
				}

				if !historyKeeps(opts.History, m.Payload) || !opts.Filter.includes(gTerm, sTerm, pTerm, oTerm) {
					result.FilteredOut++
					if opts.AuditLogPath != "" {
						auditLines = append(auditLines, auditLine(tx, gTerm, sTerm, pTerm, oTerm, m.Payload))
					}
					return true, nil
				}

				q := quad.Quad{G: gID, S: sID, P: pID, O: oID, Payload: m.Payload}
				result.Written++
				if opts.ComputeChecksum {
					writeChecksum(checksum, q)
				}
				if !opts.DryRun {
					// Rebuild the named-graph refcounts the write path
					// maintains incrementally, or GRAPH enumeration and
					// CLEAR NAMED go blind after the swap.
					if q.Payload.IsCurrent() {
						if err := dstIx.IncrGraph(dbtx, gID, 1); err != nil {
							return false, err
						}
					}
					pending = append(pending, q)
					if len(pending) >= opts.BatchSize {
						if err := dstIx.BulkLoad(dbtx, pending); err != nil {
							return false, err
						}
						pending = pending[:0]
					}
				}
				return true, nil
			})
		})
	})
	if err != nil {
		_ = dstPS.Close()
		_ = os.Remove(targetPath)
		return nil, err
	}
	if err := flush(); err != nil {
		_ = dstPS.Close()
		_ = os.Remove(targetPath)
		return nil, err
	}
	result.Checksum = checksum.Sum32()

	if opts.AuditLogPath != "" {
		if err := writeAuditLog(opts.AuditLogPath, sessionID, auditLines); err != nil {
			_ = dstPS.Close()
			_ = os.Remove(targetPath)
			return nil, err
		}
	}

	if opts.DryRun {
		_ = dstPS.Close()
		_ = os.Remove(targetPath)
		logger.Info().Int64("scanned", result.Scanned).Int64("would_write", result.Written).Msg("prune: dry run complete")
		return result, nil
	}

	if opts.Verify {
		if err := verify(dstPS, result); err != nil {
			_ = dstPS.Close()
			_ = os.Remove(targetPath)
			return nil, err
		}
	}

	if err := dstPS.Close(); err != nil {
		_ = os.Remove(targetPath)
		return nil, err
	}
	if err := swap(sourcePath, targetPath); err != nil {
		return nil, err
	}
	logger.Info().Int64("scanned", result.Scanned).Int64("written", result.Written).Int64("filtered_out", result.FilteredOut).Msg("prune: transfer complete")
	return result, nil
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// historyKeeps applies the per-mode version retention rule.
func historyKeeps(mode HistoryMode, p quad.Payload) bool {
	switch mode {
	case FlattenToCurrent:
		return p.ValidTo == quad.Forever
	case PreserveVersions:
		return p.ValidFrom != p.ValidTo
	case All:
		return true
	default:
		return true
	}
}

// resolveAndReintern resolves a raw 40-bit counter against the source atom
// dictionary and interns the equivalent term (recursively, for a
// literal's datatype IRI) into the target dictionary, returning both the
// resolved identity (for filter matching) and the target-local id.
func resolveAndReintern(sbtx, dbtx *bolt.Tx, src, dst *atom.Store, counter uint64) (ResolvedTerm, atom.ID, error) {
	id, term, err := src.ResolveCounter(sbtx, counter)
	if err != nil {
		return ResolvedTerm{}, 0, err
	}
	if id == atom.DefaultGraph {
		return ResolvedTerm{Kind: atom.KindIRI, Lexical: ""}, atom.DefaultGraph, nil
	}

	var dtID atom.ID
	if term.Kind == atom.KindLiteral && term.HasType {
		_, dtID, err = resolveAndReinternID(sbtx, dbtx, src, dst, term.Datatype)
		if err != nil {
			return ResolvedTerm{}, 0, err
		}
	}
	newID, err := dst.Intern(dbtx, term.Kind, term.Lexical, dtID, term.HasType, term.Lang)
	if err != nil {
		return ResolvedTerm{}, 0, err
	}
	return ResolvedTerm{Kind: term.Kind, Lexical: string(term.Lexical)}, newID, nil
}

func resolveAndReinternID(sbtx, dbtx *bolt.Tx, src, dst *atom.Store, id atom.ID) (ResolvedTerm, atom.ID, error) {
	term, err := src.Resolve(sbtx, id)
	if err != nil {
		return ResolvedTerm{}, 0, err
	}
	newID, err := dst.Intern(dbtx, term.Kind, term.Lexical, 0, false, term.Lang)
	if err != nil {
		return ResolvedTerm{}, 0, err
	}
	return ResolvedTerm{Kind: term.Kind, Lexical: string(term.Lexical)}, newID, nil
}

func writeChecksum(h crc32hash, q quad.Quad) {
	var buf [40]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(q.G))
	binary.BigEndian.PutUint64(buf[8:16], uint64(q.S))
	binary.BigEndian.PutUint64(buf[16:24], uint64(q.P))
	binary.BigEndian.PutUint64(buf[24:32], uint64(q.O))
	binary.BigEndian.PutUint64(buf[32:40], uint64(q.Payload.ValidFrom))
	h.Write(buf[:])
}

// crc32hash is the narrow subset of hash.Hash32 writeChecksum needs, so
// callers don't have to import hash/crc32 just to pass its constructor's
// return type around.
type crc32hash interface{ Write(p []byte) (int, error) }

func auditLine(tx uint64, g, s, p, o ResolvedTerm, pl quad.Payload) []byte {
	return []byte(fmt.Sprintf("tx=%d g=%q s=%q p=%q o=%q valid_from=%d valid_to=%d\n",
		tx, g.Lexical, s.Lexical, p.Lexical, o.Lexical, pl.ValidFrom, pl.ValidTo))
}

func writeAuditLog(path, sessionID string, lines [][]byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("prune: open audit log %s: %w: %v", path, storeerr.ErrIO, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "# prune session %s: %d filtered entries\n", sessionID, len(lines)); err != nil {
		return fmt.Errorf("prune: write audit header: %w: %v", storeerr.ErrIO, err)
	}
	for _, line := range lines {
		if _, err := f.Write(line); err != nil {
			return fmt.Errorf("prune: write audit line: %w: %v", storeerr.ErrIO, err)
		}
	}
	return nil
}

// verify re-scans the target (through the handle already open on it, since
// bbolt holds an exclusive file lock and a second Open on the same path
// would block) and confirms the written count matches the plan.
func verify(ps *pagestore.PageStore, want *Result) error {
	var count int64
	err := ps.DB.View(func(btx *bolt.Tx) error {
		return quad.ScanEvolution(btx, 0, func(uint64, quad.Match) (bool, error) {
			count++
			return true, nil
		})
	})
	if err != nil {
		return err
	}
	if count != want.Written {
		return fmt.Errorf("prune: %w: verify found %d quads, plan wrote %d", storeerr.ErrCorruption, count, want.Written)
	}
	return nil
}

// swap atomically replaces sourcePath's file with targetPath's: source
// is renamed to a backup, target is renamed into place,
// and the backup is removed only once the new file is live. A crash
// between the two renames is the one window this leaves open; recovering
// from it is left to the operator (the backup file is still present under
// its renamed name and can be restored by hand).
func swap(sourcePath, targetPath string) error {
	backupPath := sourcePath + ".bak"
	_ = os.Remove(backupPath)
	if err := os.Rename(sourcePath, backupPath); err != nil {
		return fmt.Errorf("prune: rename source to backup: %w: %v", storeerr.ErrIO, err)
	}
	if err := os.Rename(targetPath, sourcePath); err != nil {
		// Best-effort restore: put the original back so the store isn't
		// left missing its file entirely.
		_ = os.Rename(backupPath, sourcePath)
		return fmt.Errorf("prune: rename target into place: %w: %v", storeerr.ErrIO, err)
	}
	return os.Remove(backupPath)
}
