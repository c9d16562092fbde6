// Package expr evaluates algebra.Expr trees against solution mappings:
// arithmetic, the six comparisons under SPARQL's value testing rules
// (numeric promotion in FILTER; lexical-form+datatype equality
// elsewhere), boolean connectives under effective boolean value, and the
// built-in function library (BOUND, type-checking predicates, STR, REGEX,
// IF, COALESCE).
package expr

import (
	"github.com/chronograph/qstore/pkg/atom"
	"github.com/chronograph/qstore/pkg/sparql/algebra"
)

// Binding is one solution mapping: variable to a resolved term. A
// variable absent from the map is unbound, distinct from being bound to
// an explicit "undef" sentinel (SPARQL has no such sentinel at the value
// level; VALUES' UNDEF rows simply omit the key).
type Binding map[algebra.Var]Value

// Value is a resolved RDF term carried through evaluation, wide enough to
// avoid re-resolving through the atom dictionary for every comparison.
type Value struct {
	Kind     algebra.TermKind
	Lexical  string
	Datatype string
	Lang     string
	AtomID   atom.ID
	HasAtom  bool
}

func (b Binding) Get(v algebra.Var) (Value, bool) {
	val, ok := b[v]
	return val, ok
}

func (b Binding) With(v algebra.Var, val Value) Binding {
	out := make(Binding, len(b)+1)
	for k, v2 := range b {
		out[k] = v2
	}
	out[v] = val
	return out
}

// Compatible reports whether two bindings agree on every variable they
// share — the join condition for BGP/Join/LeftJoin evaluation.
func (b Binding) Compatible(other Binding) bool {
	for v, val := range b {
		if ov, ok := other[v]; ok && !sameValue(val, ov) {
			return false
		}
	}
	return true
}

// Merge combines two compatible bindings.
func (b Binding) Merge(other Binding) Binding {
	out := make(Binding, len(b)+len(other))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

func sameValue(a, b Value) bool {
	return a.Kind == b.Kind && a.Lexical == b.Lexical && a.Datatype == b.Datatype && a.Lang == b.Lang
}

// SameValue reports term identity (kind, lexical form, datatype, lang) —
// the same test Compatible applies per shared variable.
func SameValue(a, b Value) bool { return sameValue(a, b) }
