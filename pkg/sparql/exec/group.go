package exec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chronograph/qstore/pkg/sparql/algebra"
	"github.com/chronograph/qstore/pkg/sparql/expr"
	"github.com/chronograph/qstore/pkg/storeerr"
)

// applyGrouping partitions rows by the GROUP BY key expressions (or a
// single implicit group when aggregates are requested without an
// explicit GROUP BY, per SPARQL 1.1 §11.3) and computes each requested
// aggregate per group, returning one binding per group carrying the
// group-by variables plus each aggregate's result variable.
func applyGrouping(rows []expr.Binding, mod algebra.SolutionModifier) ([]expr.Binding, error) {
	if len(mod.GroupBy) == 0 && len(mod.Aggregates) == 0 {
		return rows, nil
	}

	type group struct {
		rows []expr.Binding
	}
	order := []string{}
	groups := map[string]*group{}
	for _, row := range rows {
		key := ""
		for _, ge := range mod.GroupBy {
			v, err := expr.Eval(ge, row)
			if err != nil {
				v = expr.Value{}
			}
			key += v.Lexical + "\x00" + v.Datatype + "\x01"
		}
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.rows = append(g.rows, row)
	}
	sort.Strings(order)

	var out []expr.Binding
	for _, k := range order {
		g := groups[k]
		result := expr.Binding{}
		if len(mod.GroupBy) > 0 {
			sample := g.rows[0]
			for i, ge := range mod.GroupBy {
				if ve, ok := ge.(algebra.TermExpr); ok && ve.Term.Kind == algebra.TermVar {
					if v, found := sample.Get(ve.Term.Var); found {
						result[ve.Term.Var] = v
					}
				}
				_ = i
			}
		}
		for _, agg := range mod.Aggregates {
			v, err := computeAggregate(agg, g.rows)
			if err != nil {
				return nil, err
			}
			result[agg.As] = v
		}
		if len(mod.Having) > 0 {
			keep := true
			for _, h := range mod.Having {
				v, err := expr.Eval(h, result)
				if err != nil || !expr.EffectiveBooleanValue(v) {
					keep = false
					break
				}
			}
			if !keep {
				continue
			}
		}
		out = append(out, result)
	}
	return out, nil
}

func computeAggregate(agg algebra.Aggregation, rows []expr.Binding) (expr.Value, error) {
	var vals []expr.Value
	seen := map[string]struct{}{}
	for _, row := range rows {
		if agg.Expr == nil {
			vals = append(vals, expr.Value{Lexical: "*"})
			continue
		}
		v, err := expr.Eval(agg.Expr, row)
		if err != nil {
			continue
		}
		if agg.Distinct {
			k := v.Lexical + "\x00" + v.Datatype
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
		}
		vals = append(vals, v)
	}

	switch agg.Kind {
	case algebra.AggCount:
		return intValue(int64(len(vals))), nil
	case algebra.AggSum:
		sum, err := numericSum(vals, "SUM")
		if err != nil {
			return expr.Value{}, err
		}
		return numericResult(sum), nil
	case algebra.AggAvg:
		if len(vals) == 0 {
			return numericResult(0), nil
		}
		sum, err := numericSum(vals, "AVG")
		if err != nil {
			return expr.Value{}, err
		}
		return numericResult(sum / float64(len(vals))), nil
	case algebra.AggMin:
		return extremeValue(vals, true)
	case algebra.AggMax:
		return extremeValue(vals, false)
	case algebra.AggSample:
		if len(vals) == 0 {
			return expr.Value{}, fmt.Errorf("exec: %w: SAMPLE over empty group", storeerr.ErrEval)
		}
		return vals[0], nil
	case algebra.AggGroupConcat:
		sep := agg.Separator
		if sep == "" {
			sep = " "
		}
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = v.Lexical
		}
		return expr.Value{Kind: algebra.TermLiteral, Lexical: strings.Join(parts, sep), Datatype: xsdString}, nil
	default:
		return expr.Value{}, fmt.Errorf("exec: %w: unknown aggregate kind", storeerr.ErrEval)
	}
}

// numericSum coerces every value numerically; a single non-numeric
// argument errors the whole aggregate rather than being dropped from it.
func numericSum(vals []expr.Value, aggName string) (float64, error) {
	var sum float64
	for _, v := range vals {
		f, err := strconv.ParseFloat(v.Lexical, 64)
		if err != nil {
			return 0, fmt.Errorf("exec: %w: %s over non-numeric value %q", storeerr.ErrEval, aggName, v.Lexical)
		}
		sum += f
	}
	return sum, nil
}

func intValue(n int64) expr.Value {
	return expr.Value{Kind: algebra.TermLiteral, Lexical: strconv.FormatInt(n, 10), Datatype: xsdInteger}
}

func numericResult(f float64) expr.Value {
	return expr.Value{Kind: algebra.TermLiteral, Lexical: strconv.FormatFloat(f, 'g', -1, 64), Datatype: xsdDecimal}
}

func extremeValue(vals []expr.Value, min bool) (expr.Value, error) {
	if len(vals) == 0 {
		return expr.Value{}, nil
	}
	best := vals[0]
	bestF, bestIsNum := parseNum(best)
	for _, v := range vals[1:] {
		f, isNum := parseNum(v)
		var less bool
		if bestIsNum && isNum {
			less = f < bestF
		} else {
			less = v.Lexical < best.Lexical
		}
		if (min && less) || (!min && !less && v.Lexical != best.Lexical) {
			best, bestF, bestIsNum = v, f, isNum
		}
	}
	return best, nil
}

func parseNum(v expr.Value) (float64, bool) {
	f, err := strconv.ParseFloat(v.Lexical, 64)
	return f, err == nil
}

const (
	xsdInteger = "http://www.w3.org/2001/XMLSchema#integer"
	xsdDecimal = "http://www.w3.org/2001/XMLSchema#decimal"
	xsdString  = "http://www.w3.org/2001/XMLSchema#string"
)
