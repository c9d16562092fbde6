// Package config loads store configuration from YAML, the way the wider
// example pack parses its own deployment configs. Byte-size fields accept
// human-readable forms ("64KiB", "4KB") via datasize.ByteSize rather than
// raw integers.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a datasize.ByteSize that decodes itself from a YAML scalar
// ("64KB", "4KiB", or a bare byte count). yaml.v3 does not consult
// encoding.TextUnmarshaler, so datasize's parser is wired in here instead.
type ByteSize datasize.ByteSize

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := datasize.ParseString(s)
	if err != nil {
		return fmt.Errorf("config: parse byte size %q: %w", s, err)
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) String() string { return datasize.ByteSize(b).HR() }

// Config holds the tunables for a single store instance. Every field has a
// conservative default applied by Default() so a zero-value Config is never
// handed to the engine.
type Config struct {
	// PageCacheBudget bounds the OS page cache hint for mmap'd index files.
	PageCacheBudget ByteSize `yaml:"page_cache_budget"`

	// WALSegmentSize is the size at which the write-ahead log rolls to a
	// new segment file.
	WALSegmentSize ByteSize `yaml:"wal_segment_size"`

	// CheckpointCommits triggers a checkpoint every N commits.
	CheckpointCommits int `yaml:"checkpoint_commits"`

	// CheckpointBytes triggers a checkpoint after this many bytes of WAL
	// have accumulated since the last checkpoint, whichever comes first.
	CheckpointBytes ByteSize `yaml:"checkpoint_bytes"`

	// AtomCap is the maximum byte length of a single atom's lexical form
	// before interning refuses it.
	AtomCap ByteSize `yaml:"atom_cap"`

	// SubqueryRecursionLimit bounds nested SubSelect/EXISTS depth.
	SubqueryRecursionLimit int `yaml:"subquery_recursion_limit"`

	// PropertyPathStepBudget bounds BFS frontier expansions per PathEval
	// before ErrQuota is returned.
	PropertyPathStepBudget int `yaml:"property_path_step_budget"`

	// HashJoinThreshold is the estimated input-size cutoff (in solutions)
	// above which the planner prefers HashJoin over NestedLoopJoin.
	HashJoinThreshold int `yaml:"hash_join_threshold"`

	// WriterLockTimeoutSeconds, if non-zero, bounds how long a writer waits
	// to acquire the single-writer lock before ErrConcurrency is returned.
	// Plain whole seconds in YAML, converted with time.Second at the call
	// site.
	WriterLockTimeoutSeconds int `yaml:"writer_lock_timeout_seconds"`
}

// Default returns the store's out-of-the-box configuration.
func Default() Config {
	return Config{
		PageCacheBudget:        ByteSize(256 * datasize.MB),
		WALSegmentSize:         ByteSize(64 * datasize.KB),
		CheckpointCommits:      1000,
		CheckpointBytes:        ByteSize(16 * datasize.MB),
		AtomCap:                ByteSize(64 * datasize.KB),
		SubqueryRecursionLimit: 32,
		PropertyPathStepBudget: 1_000_000,
		HashJoinThreshold:      256,
	}
}

// Load reads and parses a YAML config file over Default(): any field the
// file omits keeps Default()'s value; a field the file sets, even to zero,
// takes the file's value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
