package prune

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/pagestore"
	"github.com/chronograph/qstore/pkg/quad"
)

// buildSource writes a store file with one current quad (http://p) and one
// closed-out version (http://q), then closes it so Run can take the file
// lock.
func buildSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	ps, err := pagestore.Open(path, time.Second)
	require.NoError(t, err)
	as, err := atom.Open(ps)
	require.NoError(t, err)
	ix, err := quad.Init(ps)
	require.NoError(t, err)

	require.NoError(t, ps.DB.Update(func(btx *bolt.Tx) error {
		intern := func(k atom.Kind, v string) atom.ID {
			id, err := as.Intern(btx, k, []byte(v), 0, false, "")
			require.NoError(t, err)
			return id
		}
		s := intern(atom.KindIRI, "http://a")
		p1 := intern(atom.KindIRI, "http://p")
		p2 := intern(atom.KindIRI, "http://q")
		o1 := intern(atom.KindLiteral, "1")
		o2 := intern(atom.KindLiteral, "2")
		if err := ix.Put(btx, quad.Quad{G: atom.DefaultGraph, S: s, P: p1, O: o1,
			Payload: quad.Payload{ValidFrom: 100, ValidTo: quad.Forever, Tx: 1}}); err != nil {
			return err
		}
		return ix.Put(btx, quad.Quad{G: atom.DefaultGraph, S: s, P: p2, O: o2,
			Payload: quad.Payload{ValidFrom: 100, ValidTo: 200, Tx: 2}})
	}))
	require.NoError(t, ps.Close())
	return path
}

func countQuads(t *testing.T, path string) int64 {
	t.Helper()
	ps, err := pagestore.Open(path, time.Second)
	require.NoError(t, err)
	defer ps.Close()
	var count int64
	require.NoError(t, ps.DB.View(func(btx *bolt.Tx) error {
		return quad.ScanEvolution(btx, 0, func(uint64, quad.Match) (bool, error) {
			count++
			return true, nil
		})
	}))
	return count
}

func TestFlattenToCurrentDropsClosedVersions(t *testing.T) {
	path := buildSource(t)

	result, err := Run(path, Options{History: FlattenToCurrent})
	require.NoError(t, err)
	require.Equal(t, int64(2), result.Scanned)
	require.Equal(t, int64(1), result.Written)
	require.Equal(t, int64(1), result.FilteredOut)
	require.Equal(t, int64(1), countQuads(t, path))

	_, err = os.Stat(path + ".bak")
	require.True(t, os.IsNotExist(err), "backup is removed once the swap completes")
}

func TestAllModeKeepsFullHistory(t *testing.T) {
	path := buildSource(t)

	result, err := Run(path, Options{History: All})
	require.NoError(t, err)
	require.Equal(t, int64(2), result.Written)
	require.Equal(t, int64(2), countQuads(t, path))
}

func TestPreserveVersionsDropsDegenerateIntervals(t *testing.T) {
	path := buildSource(t)

	// Add a zero-duration version: closed in the same microsecond it
	// opened, never observable by any query.
	ps, err := pagestore.Open(path, time.Second)
	require.NoError(t, err)
	as, err := atom.Open(ps)
	require.NoError(t, err)
	ix, err := quad.Init(ps)
	require.NoError(t, err)
	require.NoError(t, ps.DB.Update(func(btx *bolt.Tx) error {
		s, _ := as.Intern(btx, atom.KindIRI, []byte("http://a"), 0, false, "")
		p, _ := as.Intern(btx, atom.KindIRI, []byte("http://r"), 0, false, "")
		o, err := as.Intern(btx, atom.KindLiteral, []byte("3"), 0, false, "")
		if err != nil {
			return err
		}
		return ix.Put(btx, quad.Quad{G: atom.DefaultGraph, S: s, P: p, O: o,
			Payload: quad.Payload{ValidFrom: 300, ValidTo: 300, Tx: 3}})
	}))
	require.NoError(t, ps.Close())

	result, err := Run(path, Options{History: PreserveVersions})
	require.NoError(t, err)
	require.Equal(t, int64(3), result.Scanned)
	require.Equal(t, int64(2), result.Written, "both real versions survive, the degenerate one does not")
}

func TestDryRunLeavesSourceUntouched(t *testing.T) {
	path := buildSource(t)

	result, err := Run(path, Options{History: FlattenToCurrent, DryRun: true})
	require.NoError(t, err)
	require.True(t, result.DryRun)
	require.Equal(t, int64(1), result.Written)
	require.Equal(t, int64(1), result.FilteredOut)

	require.Equal(t, int64(2), countQuads(t, path), "dry run must not rewrite the source")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".prune-", "temp target must be cleaned up")
	}
}

func TestPredicateFilterWritesAuditLog(t *testing.T) {
	path := buildSource(t)
	auditPath := filepath.Join(filepath.Dir(path), "audit.log")

	result, err := Run(path, Options{
		History:      All,
		Filter:       Filter{ExcludePredicates: []string{"http://q"}},
		AuditLogPath: auditPath,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Written)
	require.Equal(t, int64(1), result.FilteredOut)

	audit, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	require.Contains(t, string(audit), result.SessionID)
	require.Contains(t, string(audit), "http://q")
	require.NotContains(t, string(audit), `p="http://p"`)
}

func TestVerifyAndChecksumPass(t *testing.T) {
	path := buildSource(t)

	result, err := Run(path, Options{History: All, Verify: true, ComputeChecksum: true})
	require.NoError(t, err)
	require.NotZero(t, result.Checksum)

	// Re-running over the rewritten store is deterministic: the same
	// content produces the same checksum.
	again, err := Run(path, Options{History: All, Verify: true, ComputeChecksum: true})
	require.NoError(t, err)
	require.Equal(t, result.Checksum, again.Checksum)
}

func TestExtraFilterVetoesQuads(t *testing.T) {
	path := buildSource(t)

	result, err := Run(path, Options{
		History: All,
		Filter: Filter{Extra: func(g, s, p, o ResolvedTerm) bool {
			return o.Lexical != "1"
		}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Written)
	require.Equal(t, int64(1), result.FilteredOut)
}
