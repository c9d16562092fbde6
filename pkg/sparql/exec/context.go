// Package exec evaluates algebra.GraphPattern trees against a snapshot.
// Each pattern is evaluated into a fully materialized slice of solution
// mappings; an Operator's Next() iterates rows that have already been
// computed. Solution modifiers, LIMIT included, are applied after the
// WHERE clause has been evaluated in full, so a LIMIT or a consumer that
// stops early does not skip any scan work.
package exec

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/planner"
	"github.com/chronograph/qstore/pkg/quad"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
	"github.com/chronograph/qstore/pkg/sparql/expr"
	"github.com/chronograph/qstore/pkg/storeerr"
	"github.com/chronograph/qstore/pkg/temporal"
)

// Context carries everything an operator needs to touch storage: the read
// transaction a Snapshot wraps, the atom dictionary, the quad indexes, the
// active temporal clause, and the instant NOW resolves to.
type Context struct {
	Tx       *bolt.Tx
	Atoms    *atom.Store
	Indexes  *quad.Indexes
	Temporal temporal.Clause
	Now      int64

	// Service, when set, handles SERVICE patterns. Nil means
	// federation is unavailable: a non-SILENT SERVICE then fails the
	// query, a SILENT one contributes the empty set.
	Service ServiceEndpoint

	// HashJoinThreshold is the estimated-input-size cutoff above which a
	// Join combinator switches from substituting
	// left into right (NestedLoopJoin) to materializing both sides
	// independently and probing a multi-map keyed on shared variables
	// (HashJoin). Zero falls back to defaultHashJoinThreshold.
	HashJoinThreshold int

	// Stats is the cardinality cache the BGP reorder step consults before
	// counting a pattern's matches itself. Nil is
	// valid: the estimator just recounts every time.
	Stats *planner.StatsCache

	// SubqueryDepthLimit caps nested SubSelect evaluation; zero falls
	// back to defaultSubqueryDepthLimit. Exceeding it is a quota error,
	// not a silent truncation.
	SubqueryDepthLimit int

	// PathStepBudget caps frontier expansions per transitive-closure walk
	// (`*`/`+` paths); zero falls back to defaultPathStepBudget.
	PathStepBudget int

	subqueryDepth int
}

const (
	defaultHashJoinThreshold  = 256
	defaultSubqueryDepthLimit = 32
	defaultPathStepBudget     = 1_000_000
)

// Operator is one node of a compiled query plan.
type Operator interface {
	// Next returns the next solution mapping, or ok=false once exhausted.
	Next() (b expr.Binding, ok bool, err error)
	Close() error
}

// resolveTerm turns an algebra.Term into a bound atom.ID (interning
// IRIs/blanks/literals on first use so later-appearing identical terms in
// the same query compare equal) or, for a variable, consults the input
// binding.
func resolveTerm(ctx *Context, t algebra.Term, in expr.Binding) (atom.ID, bool, error) {
	switch t.Kind {
	case algebra.TermVar:
		v, ok := in.Get(t.Var)
		if !ok || !v.HasAtom {
			return 0, false, nil
		}
		return v.AtomID, true, nil
	case algebra.TermIRI:
		id, err := ctx.Atoms.Intern(ctx.Tx, atom.KindIRI, []byte(t.Value), 0, false, "")
		return id, true, err
	case algebra.TermBlank:
		id, err := ctx.Atoms.Intern(ctx.Tx, atom.KindBlankNode, []byte(t.Value), 0, false, "")
		return id, true, err
	case algebra.TermLiteral:
		var dt atom.ID
		hasType := t.Datatype != ""
		if hasType {
			var err error
			dt, err = ctx.Atoms.Intern(ctx.Tx, atom.KindIRI, []byte(t.Datatype), 0, false, "")
			if err != nil {
				return 0, false, err
			}
		}
		id, err := ctx.Atoms.Intern(ctx.Tx, atom.KindLiteral, []byte(t.Value), dt, hasType, t.Lang)
		return id, true, err
	default:
		return 0, false, fmt.Errorf("exec: %w: unsupported term kind", storeerr.ErrEval)
	}
}

// valueForCounter reconstructs a full Value (for binding into a solution
// mapping) from a bare 40-bit counter extracted out of an index scan key.
func valueForCounter(ctx *Context, counter uint64) (expr.Value, error) {
	id, term, err := ctx.Atoms.ResolveCounter(ctx.Tx, counter)
	if err != nil {
		return expr.Value{}, err
	}
	return valueFromTerm(ctx, id, term)
}

// valueForID reconstructs a full Value from an already kind-tagged atom
// id, used when the id came from resolveTerm rather than a raw scan key.
func valueForID(ctx *Context, id atom.ID) (expr.Value, error) {
	term, err := ctx.Atoms.Resolve(ctx.Tx, id)
	if err != nil {
		return expr.Value{}, err
	}
	return valueFromTerm(ctx, id, term)
}

func valueFromTerm(ctx *Context, id atom.ID, term atom.Term) (expr.Value, error) {
	v := expr.Value{AtomID: id, HasAtom: true, Lexical: string(term.Lexical), Lang: term.Lang}
	switch term.Kind {
	case atom.KindIRI:
		v.Kind = algebra.TermIRI
	case atom.KindBlankNode:
		v.Kind = algebra.TermBlank
	case atom.KindLiteral:
		v.Kind = algebra.TermLiteral
		if term.HasType {
			dtTerm, err := ctx.Atoms.Resolve(ctx.Tx, term.Datatype)
			if err != nil {
				return expr.Value{}, err
			}
			v.Datatype = string(dtTerm.Lexical)
		}
	case atom.KindVariable:
		return expr.Value{}, fmt.Errorf("exec: %w: variable atom found in index scan", storeerr.ErrCorruption)
	}
	return v, nil
}
