package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/chronograph/qstore/pkg/sparql/algebra"
	"github.com/chronograph/qstore/pkg/storeerr"
)

const (
	xsdInteger = "http://www.w3.org/2001/XMLSchema#integer"
	xsdDecimal = "http://www.w3.org/2001/XMLSchema#decimal"
	xsdDouble  = "http://www.w3.org/2001/XMLSchema#double"
	xsdBoolean = "http://www.w3.org/2001/XMLSchema#boolean"
	xsdString  = "http://www.w3.org/2001/XMLSchema#string"
)

// errUnbound is returned by Eval when an expression references a variable
// with no binding; callers propagate it per SPARQL's error-as-unbound
// semantics (a FILTER whose expression errors excludes the solution; a
// BIND whose expression errors leaves the variable unbound).
var errUnbound = fmt.Errorf("expr: %w: unbound variable", storeerr.ErrEval)

// Eval evaluates an expression tree against one binding.
func Eval(e algebra.Expr, b Binding) (Value, error) {
	switch n := e.(type) {
	case algebra.TermExpr:
		return termToValue(n.Term, b)
	case algebra.UnaryExpr:
		return evalUnary(n, b)
	case algebra.BinaryExpr:
		return evalBinary(n, b)
	case algebra.FuncCall:
		return evalFunc(n, b)
	default:
		return Value{}, fmt.Errorf("expr: %w: unsupported expression node %T", storeerr.ErrEval, e)
	}
}

func termToValue(t algebra.Term, b Binding) (Value, error) {
	if t.Kind == algebra.TermVar {
		v, ok := b.Get(t.Var)
		if !ok {
			return Value{}, errUnbound
		}
		return v, nil
	}
	return Value{Kind: t.Kind, Lexical: t.Value, Datatype: t.Datatype, Lang: t.Lang}, nil
}

func evalUnary(n algebra.UnaryExpr, b Binding) (Value, error) {
	v, err := Eval(n.Expr, b)
	if err != nil {
		return Value{}, err
	}
	switch n.Op {
	case algebra.OpNot:
		return boolValue(!EffectiveBooleanValue(v)), nil
	case algebra.OpNeg:
		f, err := numeric(v)
		if err != nil {
			return Value{}, err
		}
		return numericValue(-f, v.Datatype), nil
	case algebra.OpPlusUnary:
		return v, nil
	default:
		return Value{}, fmt.Errorf("expr: %w: unknown unary op", storeerr.ErrEval)
	}
}

func evalBinary(n algebra.BinaryExpr, b Binding) (Value, error) {
	switch n.Op {
	case algebra.OpAnd:
		l, err := Eval(n.Left, b)
		if err != nil || !EffectiveBooleanValue(l) {
			return boolValue(false), nil
		}
		r, err := Eval(n.Right, b)
		if err != nil {
			return boolValue(false), nil
		}
		return boolValue(EffectiveBooleanValue(r)), nil
	case algebra.OpOr:
		l, lerr := Eval(n.Left, b)
		if lerr == nil && EffectiveBooleanValue(l) {
			return boolValue(true), nil
		}
		r, rerr := Eval(n.Right, b)
		if rerr == nil && EffectiveBooleanValue(r) {
			return boolValue(true), nil
		}
		if lerr != nil || rerr != nil {
			return Value{}, fmt.Errorf("expr: %w: OR over an erroring operand", storeerr.ErrEval)
		}
		return boolValue(false), nil
	}

	l, err := Eval(n.Left, b)
	if err != nil {
		return Value{}, err
	}
	r, err := Eval(n.Right, b)
	if err != nil {
		return Value{}, err
	}

	switch n.Op {
	case algebra.OpEq:
		return boolValue(valueEquals(l, r)), nil
	case algebra.OpNeq:
		return boolValue(!valueEquals(l, r)), nil
	case algebra.OpLt, algebra.OpGt, algebra.OpLe, algebra.OpGe:
		return compareOrdered(n.Op, l, r)
	case algebra.OpAdd, algebra.OpSub, algebra.OpMul, algebra.OpDiv:
		return arith(n.Op, l, r)
	default:
		return Value{}, fmt.Errorf("expr: %w: unsupported binary op", storeerr.ErrEval)
	}
}

// valueEquals implements SPARQL value testing: numeric promotion between
// numeric-typed literals, otherwise lexical-form+datatype+lang equality.
func valueEquals(a, b Value) bool {
	if isNumericType(a.Datatype) && isNumericType(b.Datatype) {
		fa, erra := numeric(a)
		fb, errb := numeric(b)
		if erra == nil && errb == nil {
			return fa == fb
		}
	}
	if a.Kind == algebra.TermLiteral && b.Kind == algebra.TermLiteral {
		return a.Lexical == b.Lexical && a.Datatype == b.Datatype && a.Lang == b.Lang
	}
	return a.Kind == b.Kind && a.Lexical == b.Lexical
}

// Compare orders two values the way the comparison operators do: numeric
// promotion when both sides carry numeric datatypes, lexical comparison
// between literals, and ErrEval for anything else. Returns -1/0/1.
// ORDER BY routes through this too, so "9" < "10" holds for
// integer-typed literals instead of sorting lexicographically.
func Compare(l, r Value) (int, error) {
	if isNumericType(l.Datatype) && isNumericType(r.Datatype) {
		fl, err := numeric(l)
		if err != nil {
			return 0, err
		}
		fr, err := numeric(r)
		if err != nil {
			return 0, err
		}
		return cmpFloat(fl, fr), nil
	}
	if l.Kind == algebra.TermLiteral && r.Kind == algebra.TermLiteral {
		return strings.Compare(l.Lexical, r.Lexical), nil
	}
	return 0, fmt.Errorf("expr: %w: incomparable operand types", storeerr.ErrEval)
}

func compareOrdered(op algebra.BinaryOp, l, r Value) (Value, error) {
	c, err := Compare(l, r)
	if err != nil {
		return Value{}, err
	}
	return boolValue(applyOrder(op, c)), nil
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func applyOrder(op algebra.BinaryOp, c int) bool {
	switch op {
	case algebra.OpLt:
		return c < 0
	case algebra.OpGt:
		return c > 0
	case algebra.OpLe:
		return c <= 0
	case algebra.OpGe:
		return c >= 0
	}
	return false
}

func arith(op algebra.BinaryOp, l, r Value) (Value, error) {
	fl, err := numeric(l)
	if err != nil {
		return Value{}, err
	}
	fr, err := numeric(r)
	if err != nil {
		return Value{}, err
	}
	dt := resultType(l.Datatype, r.Datatype)
	switch op {
	case algebra.OpAdd:
		return numericValue(fl+fr, dt), nil
	case algebra.OpSub:
		return numericValue(fl-fr, dt), nil
	case algebra.OpMul:
		return numericValue(fl*fr, dt), nil
	case algebra.OpDiv:
		if fr == 0 {
			return Value{}, fmt.Errorf("expr: %w: division by zero", storeerr.ErrEval)
		}
		return numericValue(fl/fr, xsdDecimal), nil
	}
	return Value{}, fmt.Errorf("expr: %w: unknown arithmetic op", storeerr.ErrEval)
}

func resultType(a, b string) string {
	if a == xsdDouble || b == xsdDouble {
		return xsdDouble
	}
	if a == xsdDecimal || b == xsdDecimal {
		return xsdDecimal
	}
	return xsdInteger
}

func isNumericType(dt string) bool {
	switch dt {
	case xsdInteger, xsdDecimal, xsdDouble:
		return true
	}
	return false
}

func numeric(v Value) (float64, error) {
	f, err := strconv.ParseFloat(v.Lexical, 64)
	if err != nil {
		return 0, fmt.Errorf("expr: %w: %q is not numeric", storeerr.ErrEval, v.Lexical)
	}
	return f, nil
}

func numericValue(f float64, dt string) Value {
	lexical := strconv.FormatFloat(f, 'g', -1, 64)
	if dt == xsdInteger && f == float64(int64(f)) {
		lexical = strconv.FormatInt(int64(f), 10)
	}
	return Value{Kind: algebra.TermLiteral, Lexical: lexical, Datatype: dt}
}

func boolValue(v bool) Value {
	return Value{Kind: algebra.TermLiteral, Lexical: strconv.FormatBool(v), Datatype: xsdBoolean}
}

// EffectiveBooleanValue implements SPARQL's EBV coercion:
// booleans by lexical value, numerics by nonzero, strings by nonempty,
// anything else is not EBV-coercible and treated as false.
func EffectiveBooleanValue(v Value) bool {
	switch {
	case v.Datatype == xsdBoolean:
		return v.Lexical == "true" || v.Lexical == "1"
	case isNumericType(v.Datatype):
		f, err := numeric(v)
		return err == nil && f != 0
	case v.Datatype == "" || v.Datatype == xsdString:
		return v.Lexical != ""
	default:
		return false
	}
}

func evalFunc(n algebra.FuncCall, b Binding) (Value, error) {
	switch strings.ToUpper(n.Name) {
	case "BOUND":
		if len(n.Args) != 1 {
			return Value{}, fmt.Errorf("expr: %w: BOUND takes one argument", storeerr.ErrEval)
		}
		te, ok := n.Args[0].(algebra.TermExpr)
		if !ok || te.Term.Kind != algebra.TermVar {
			return Value{}, fmt.Errorf("expr: %w: BOUND requires a variable", storeerr.ErrEval)
		}
		_, bound := b.Get(te.Term.Var)
		return boolValue(bound), nil
	case "ISIRI", "ISURI":
		v, err := Eval(n.Args[0], b)
		if err != nil {
			return Value{}, err
		}
		return boolValue(v.Kind == algebra.TermIRI), nil
	case "ISBLANK":
		v, err := Eval(n.Args[0], b)
		if err != nil {
			return Value{}, err
		}
		return boolValue(v.Kind == algebra.TermBlank), nil
	case "ISLITERAL":
		v, err := Eval(n.Args[0], b)
		if err != nil {
			return Value{}, err
		}
		return boolValue(v.Kind == algebra.TermLiteral), nil
	case "STR":
		v, err := Eval(n.Args[0], b)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: algebra.TermLiteral, Lexical: v.Lexical, Datatype: xsdString}, nil
	case "LANG":
		v, err := Eval(n.Args[0], b)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: algebra.TermLiteral, Lexical: v.Lang, Datatype: xsdString}, nil
	case "DATATYPE":
		v, err := Eval(n.Args[0], b)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: algebra.TermIRI, Lexical: v.Datatype}, nil
	case "REGEX":
		return evalRegex(n, b)
	case "IF":
		if len(n.Args) != 3 {
			return Value{}, fmt.Errorf("expr: %w: IF takes three arguments", storeerr.ErrEval)
		}
		cond, err := Eval(n.Args[0], b)
		if err != nil {
			return Value{}, err
		}
		if EffectiveBooleanValue(cond) {
			return Eval(n.Args[1], b)
		}
		return Eval(n.Args[2], b)
	case "COALESCE":
		for _, a := range n.Args {
			v, err := Eval(a, b)
			if err == nil {
				return v, nil
			}
		}
		return Value{}, fmt.Errorf("expr: %w: COALESCE: every argument errored or was unbound", storeerr.ErrEval)
	default:
		return Value{}, fmt.Errorf("expr: %w: unknown function %s", storeerr.ErrEval, n.Name)
	}
}

func evalRegex(n algebra.FuncCall, b Binding) (Value, error) {
	if len(n.Args) < 2 {
		return Value{}, fmt.Errorf("expr: %w: REGEX takes at least two arguments", storeerr.ErrEval)
	}
	subject, err := Eval(n.Args[0], b)
	if err != nil {
		return Value{}, err
	}
	pattern, err := Eval(n.Args[1], b)
	if err != nil {
		return Value{}, err
	}
	pat := pattern.Lexical
	if len(n.Args) == 3 {
		flags, err := Eval(n.Args[2], b)
		if err != nil {
			return Value{}, err
		}
		if strings.Contains(flags.Lexical, "i") {
			pat = "(?i)" + pat
		}
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return Value{}, fmt.Errorf("expr: %w: bad REGEX pattern: %v", storeerr.ErrEval, err)
	}
	return boolValue(re.MatchString(subject.Lexical)), nil
}
