package algebra

import "fmt"

// The RDF reification vocabulary quoted triples expand into.
const (
	rdfType      = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	rdfStatement = "http://www.w3.org/1999/02/22-rdf-syntax-ns#Statement"
	rdfSubject   = "http://www.w3.org/1999/02/22-rdf-syntax-ns#subject"
	rdfPredicate = "http://www.w3.org/1999/02/22-rdf-syntax-ns#predicate"
	rdfObject    = "http://www.w3.org/1999/02/22-rdf-syntax-ns#object"
)

// qtGen hands out fresh synthetic variable names for one
// ExpandQuotedTriples call. A fresh generator per call keeps names
// collision-free within a query without a shared counter that would race
// across concurrently planned queries.
type qtGen struct{ n int }

func (g *qtGen) next() Var {
	v := Var(fmt.Sprintf("_qt%d", g.n))
	g.n++
	return v
}

// ExpandQuotedTriples rewrites every quoted triple in p's
// triple patterns into a synthetic variable plus the four reification
// triples (rdf:type rdf:Statement, rdf:subject, rdf:predicate, rdf:object)
// that bind it, added alongside the BGP the quoted triple was found in.
// Nesting expands depth-first: a quoted triple inside another quoted
// triple's position gets its own synthetic variable and reification
// triples first, and the outer expansion references that variable.
//
// p is not mutated; ExpandQuotedTriples returns a new pattern tree (or p
// itself, unchanged, for the common case of no quoted triples anywhere).
func ExpandQuotedTriples(p GraphPattern) GraphPattern {
	if p == nil {
		return nil
	}
	return expandPattern(p, &qtGen{})
}

func expandPattern(p GraphPattern, g *qtGen) GraphPattern {
	switch n := p.(type) {
	case BGP:
		return expandBGP(n, g)
	case Join:
		return Join{Left: expandPattern(n.Left, g), Right: expandPattern(n.Right, g)}
	case LeftJoin:
		return LeftJoin{Left: expandPattern(n.Left, g), Right: expandPattern(n.Right, g), Filter: n.Filter}
	case UnionPattern:
		return UnionPattern{Left: expandPattern(n.Left, g), Right: expandPattern(n.Right, g)}
	case MinusPattern:
		return MinusPattern{Left: expandPattern(n.Left, g), Right: expandPattern(n.Right, g)}
	case FilterPattern:
		return FilterPattern{Pattern: expandPattern(n.Pattern, g), Cond: n.Cond}
	case BindPattern:
		return BindPattern{Pattern: expandPattern(n.Pattern, g), Expr: n.Expr, As: n.As}
	case GraphNamePattern:
		return GraphNamePattern{Graph: n.Graph, Pattern: expandPattern(n.Pattern, g)}
	case ServicePattern:
		return ServicePattern{Endpoint: n.Endpoint, Silent: n.Silent, IsOptional: n.IsOptional, Pattern: expandPattern(n.Pattern, g)}
	case ExistsPattern:
		return ExistsPattern{Pattern: expandPattern(n.Pattern, g), Negated: n.Negated}
	case TemporalPattern:
		return TemporalPattern{Pattern: expandPattern(n.Pattern, g), Clause: n.Clause}
	default:
		// ValuesPattern and SubSelect carry no triple patterns of their own
		// at this level (a SubSelect's inner Query expands independently,
		// the first time it is itself executed).
		return p
	}
}

func expandBGP(b BGP, g *qtGen) GraphPattern {
	var extra []TriplePattern
	triples := make([]TriplePattern, len(b.Triples))
	changed := false
	for i, t := range b.Triples {
		before := len(extra)
		triples[i] = TriplePattern{
			S: expandTerm(t.S, &extra, g),
			P: expandTerm(t.P, &extra, g),
			O: expandTerm(t.O, &extra, g),
		}
		if len(extra) != before {
			changed = true
		}
	}
	if !changed {
		return b
	}
	return BGP{Triples: append(triples, extra...), PathTriples: b.PathTriples}
}

// expandTerm replaces a quoted-triple term with the synthetic variable
// naming it, appending that variable's reification triples to extra.
// Non-quoted terms pass through unchanged.
func expandTerm(t Term, extra *[]TriplePattern, g *qtGen) Term {
	if t.Kind != TermQuoted {
		return t
	}
	qt := t.Quoted
	s := expandTerm(qt.S, extra, g)
	p := expandTerm(qt.P, extra, g)
	o := expandTerm(qt.O, extra, g)

	v := g.next()
	*extra = append(*extra,
		TriplePattern{S: VarTerm(v), P: IRI(rdfType), O: IRI(rdfStatement)},
		TriplePattern{S: VarTerm(v), P: IRI(rdfSubject), O: s},
		TriplePattern{S: VarTerm(v), P: IRI(rdfPredicate), O: p},
		TriplePattern{S: VarTerm(v), P: IRI(rdfObject), O: o},
	)
	return VarTerm(v)
}
