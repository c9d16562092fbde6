// Package temporal wraps index-scan payloads with validity-interval
// filters for the four query modes: Current, AsOf, During, and
// AllVersions.
package temporal

import (
	"fmt"

	"github.com/chronograph/qstore/pkg/quad"
	"github.com/chronograph/qstore/pkg/storeerr"
)

// Mode tags which temporal clause a scan is evaluated under.
type Mode int

const (
	Current Mode = iota
	AsOf
	During
	AllVersions
)

// Clause is an attached AS OF / DURING / ALL VERSIONS modifier. A
// Current clause needs neither At nor From/To.
type Clause struct {
	Mode Mode
	At   int64 // AsOf
	From int64 // During
	To   int64 // During
}

// NewCurrent, NewAsOf, NewDuring, NewAllVersions construct validated
// Clause values; NewAsOf/NewDuring reject malformed bounds at
// construction time, so a bad AS OF / DURING literal never reaches
// execution.
func NewCurrent() Clause { return Clause{Mode: Current} }

func NewAsOf(at int64) Clause { return Clause{Mode: AsOf, At: at} }

func NewDuring(from, to int64) (Clause, error) {
	if to <= from {
		return Clause{}, fmt.Errorf("temporal: %w: DURING(%d,%d) is empty", storeerr.ErrTemporal, from, to)
	}
	return Clause{Mode: During, From: from, To: to}, nil
}

func NewAllVersions() Clause { return Clause{Mode: AllVersions} }

// Less orders two versions of the same (g,s,p,o) key: by ValidFrom
// ascending, then by Tx ascending when ValidFrom is equal.
func Less(a, b quad.Payload) bool {
	if a.ValidFrom != b.ValidFrom {
		return a.ValidFrom < b.ValidFrom
	}
	return a.Tx < b.Tx
}

// Matches reports whether a quad payload satisfies the clause: the
// per-mode filter over the index-scan payload (vf, vt).
func (c Clause) Matches(p quad.Payload, now int64) bool {
	switch c.Mode {
	case Current:
		return p.ValidFrom <= now && now < p.ValidTo
	case AsOf:
		return p.ValidFrom <= c.At && c.At < p.ValidTo
	case During:
		return p.ValidFrom < c.To && p.ValidTo > c.From
	case AllVersions:
		return true
	default:
		return false
	}
}
