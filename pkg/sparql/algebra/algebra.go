// Package algebra holds the parsed-query representation the planner and
// executor consume: queries, updates, graph patterns, and
// property paths. Nothing in this package touches storage; it is the
// boundary between "what a caller asked for" and "how the engine answers
// it".
package algebra

import "github.com/chronograph/qstore/pkg/temporal"

// Var names a SPARQL variable (without its leading '?').
type Var string

// TermKind tags which flavor of algebra term a Term value holds.
type TermKind int

const (
	TermIRI TermKind = iota
	TermBlank
	TermLiteral
	TermVar
	// TermQuoted is a `<< s p o >>` quoted triple (SPARQL-star). It
	// only ever appears in a freshly parsed/constructed
	// pattern; ExpandQuotedTriples rewrites every occurrence into a
	// synthetic variable plus reification triples before the planner or
	// executor sees the pattern, so no other code needs to handle it.
	TermQuoted
)

// Term is a position in a triple pattern: a bound RDF term or a variable.
type Term struct {
	Kind     TermKind
	Value    string // IRI string, blank node label, or literal lexical form
	Datatype string // literal datatype IRI, empty for simple/lang-tagged literals
	Lang     string
	Var      Var
	Quoted   *TriplePattern // set when Kind == TermQuoted
}

func IRI(v string) Term        { return Term{Kind: TermIRI, Value: v} }
func Blank(label string) Term  { return Term{Kind: TermBlank, Value: label} }
func VarTerm(v Var) Term       { return Term{Kind: TermVar, Var: v} }
func Literal(v, dt string) Term {
	return Term{Kind: TermLiteral, Value: v, Datatype: dt}
}
func LangLiteral(v, lang string) Term {
	return Term{Kind: TermLiteral, Value: v, Lang: lang}
}

// Quoted builds a `<< s p o >>` term.
func Quoted(s, p, o Term) Term {
	return Term{Kind: TermQuoted, Quoted: &TriplePattern{S: s, P: p, O: o}}
}

func (t Term) IsVar() bool { return t.Kind == TermVar }

// TriplePattern is one (s,p,o) line in a WHERE clause's basic graph pattern;
// property paths replace P with a PropertyPath instead (see PathTriple).
type TriplePattern struct {
	S, P, O Term
}

// PropertyPath is a SPARQL 1.1 property path expression.
type PropertyPath interface{ isPath() }

type PathIRI struct{ IRI string }
type PathInverse struct{ Path PropertyPath }
type PathSeq struct{ Left, Right PropertyPath }
type PathAlt struct{ Left, Right PropertyPath }
type PathZeroOrMore struct{ Path PropertyPath }
type PathOneOrMore struct{ Path PropertyPath }
type PathZeroOrOne struct{ Path PropertyPath }
type PathNegatedSet struct{ IRIs []string }

func (PathIRI) isPath()        {}
func (PathInverse) isPath()    {}
func (PathSeq) isPath()        {}
func (PathAlt) isPath()        {}
func (PathZeroOrMore) isPath() {}
func (PathOneOrMore) isPath()  {}
func (PathZeroOrOne) isPath()  {}
func (PathNegatedSet) isPath() {}

// PathTriple is a triple pattern whose predicate position is a property
// path rather than a single bound predicate or variable.
type PathTriple struct {
	S    Term
	Path PropertyPath
	O    Term
}

// GraphPattern is a node of the WHERE-clause algebra tree.
type GraphPattern interface{ isPattern() }

// BGP is a basic graph pattern: a conjunction of triple/path patterns
// evaluated against one graph context.
type BGP struct {
	Triples     []TriplePattern
	PathTriples []PathTriple
}

type Join struct{ Left, Right GraphPattern }
type LeftJoin struct {
	Left, Right GraphPattern
	Filter      Expr // nil if no FILTER was attached to the OPTIONAL
}
type UnionPattern struct{ Left, Right GraphPattern }
type MinusPattern struct{ Left, Right GraphPattern }
type FilterPattern struct {
	Pattern GraphPattern
	Cond    Expr
}
type BindPattern struct {
	Pattern GraphPattern
	Expr    Expr
	As      Var
}
type ValuesPattern struct {
	Vars []Var
	Rows [][]Term // a Term with Kind==TermVar at a row position means UNDEF
}
type GraphNamePattern struct {
	Graph   Term // IRI or variable naming the graph
	Pattern GraphPattern
}
type ServicePattern struct {
	Endpoint Term
	Silent   bool
	// IsOptional marks a SERVICE nested directly under an OPTIONAL: a
	// silent failure then passes the outer binding through unchanged
	// instead of producing the empty set.
	IsOptional bool
	Pattern    GraphPattern
}
type ExistsPattern struct {
	Pattern GraphPattern
	Negated bool
}
type SubSelect struct {
	Query *Query
}
type TemporalPattern struct {
	Pattern GraphPattern
	Clause  temporal.Clause
}

func (BGP) isPattern()              {}
func (Join) isPattern()             {}
func (LeftJoin) isPattern()         {}
func (UnionPattern) isPattern()     {}
func (MinusPattern) isPattern()     {}
func (FilterPattern) isPattern()    {}
func (BindPattern) isPattern()      {}
func (ValuesPattern) isPattern()    {}
func (GraphNamePattern) isPattern() {}
func (ServicePattern) isPattern()   {}
func (ExistsPattern) isPattern()    {}
func (SubSelect) isPattern()        {}
func (TemporalPattern) isPattern()  {}

// AggregateKind enumerates SPARQL 1.1 aggregate functions.
type AggregateKind int

const (
	AggCount AggregateKind = iota
	AggSum
	AggAvg
	AggMin
	AggMax
	AggSample
	AggGroupConcat
)

// Aggregation binds an aggregate expression to a result variable within a
// GROUP BY.
type Aggregation struct {
	Kind     AggregateKind
	Expr     Expr // nil for COUNT(*)
	Distinct bool
	As       Var
	Separator string // GROUP_CONCAT only
}

// SolutionModifier captures GROUP BY / HAVING / ORDER BY / LIMIT / OFFSET
// / DISTINCT / REDUCED.
type SolutionModifier struct {
	GroupBy    []Expr
	Aggregates []Aggregation
	Having     []Expr
	OrderBy    []OrderTerm
	Limit      int64 // -1 means unbounded
	Offset     int64
	Distinct   bool
	Reduced    bool
}

type OrderTerm struct {
	Expr Expr
	Desc bool
}

// QueryForm tags which of the four SPARQL query forms a Query represents.
type QueryForm int

const (
	FormSelect QueryForm = iota
	FormConstruct
	FormAsk
	FormDescribe
)

// Query is a complete parsed query: a form, its projection
// or construct template, the WHERE pattern, and solution modifiers.
type Query struct {
	Form         QueryForm
	SelectAll    bool // SELECT *
	Project      []Var
	ProjectExprs map[Var]Expr // AS-bound projection expressions
	Construct    []TriplePattern
	Describe     []Term
	Where        GraphPattern
	Modifier     SolutionModifier
	Temporal     *temporal.Clause // query-level AS OF / DURING / ALL VERSIONS
	DefaultGraph []Term           // FROM
	NamedGraphs  []Term           // FROM NAMED
}

// UpdateOp tags one operation within a SPARQL Update request.
type UpdateOp interface{ isUpdateOp() }

type InsertData struct{ Quads []QuadPattern }
type DeleteData struct{ Quads []QuadPattern }
type DeleteWhere struct{ Pattern GraphPattern }
type Modify struct {
	With      Term // optional WITH graph
	Delete    []QuadPattern
	Insert    []QuadPattern
	Using     []Term
	UsingNamed []Term
	Where     GraphPattern
}
type Load struct {
	Source Term
	Into   Term // zero Term means default graph
	Silent bool
}
type ClearOp struct {
	Target ClearTarget
	Graph  Term // set when Target == ClearGraph
	Silent bool
}
type CreateOp struct {
	Graph  Term
	Silent bool
}
type DropOp struct {
	Target ClearTarget
	Graph  Term
	Silent bool
}
type CopyOp struct {
	From, To GraphRef
	Silent   bool
}
type MoveOp struct {
	From, To GraphRef
	Silent   bool
}
type AddOp struct {
	From, To GraphRef
	Silent   bool
}

func (InsertData) isUpdateOp()  {}
func (DeleteData) isUpdateOp()  {}
func (DeleteWhere) isUpdateOp() {}
func (Modify) isUpdateOp()      {}
func (Load) isUpdateOp()        {}
func (ClearOp) isUpdateOp()     {}
func (CreateOp) isUpdateOp()    {}
func (DropOp) isUpdateOp()      {}
func (CopyOp) isUpdateOp()      {}
func (MoveOp) isUpdateOp()      {}
func (AddOp) isUpdateOp()       {}

// ClearTarget distinguishes CLEAR/DROP's DEFAULT / NAMED / ALL / GRAPH
// <iri> forms. Per SPARQL 1.1 Update, ALL clears every named graph plus
// the default graph; NAMED clears every named graph and leaves the
// default graph untouched.
type ClearTarget int

const (
	ClearDefault ClearTarget = iota
	ClearNamed
	ClearAll
	ClearGraph
)

// GraphRef names DEFAULT or a specific graph IRI for COPY/MOVE/ADD.
type GraphRef struct {
	Default bool
	Graph   Term
}

// QuadPattern is one (g,s,p,o) line inside INSERT/DELETE DATA or a
// Modify's insert/delete templates; G is the zero Term for the default
// graph.
type QuadPattern struct {
	G, S, P, O Term
}

// Update is a sequence of update operations executed in order: a
// request is a semicolon-separated sequence, and the executor runs the
// whole request in one batch so it commits or rolls back atomically.
type Update struct {
	Ops []UpdateOp
}
