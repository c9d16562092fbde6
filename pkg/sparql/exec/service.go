package exec

import (
	"fmt"

	"github.com/chronograph/qstore/pkg/sparql/algebra"
	"github.com/chronograph/qstore/pkg/sparql/expr"
	"github.com/chronograph/qstore/pkg/storeerr"
)

// ServiceEndpoint is the federation collaborator a SERVICE pattern
// delegates to: given an endpoint IRI and the subpattern to ship there, it
// returns solution mappings over the subpattern's free variables, or an
// error the caller maps through the SILENT rules. The engine never talks
// to the network itself; embedding applications register an implementation
// via qstore.Store.SetServiceEndpoint.
type ServiceEndpoint interface {
	Evaluate(endpoint string, pattern algebra.GraphPattern, silent bool) ([]expr.Binding, error)
}

// evalService runs one SERVICE pattern. Failure handling: without SILENT
// the error propagates; with SILENT the subresult is the empty set, except
// for an OPTIONAL SERVICE where the outer binding passes through
// unchanged.
func evalService(ctx *Context, n algebra.ServicePattern, in expr.Binding) ([]expr.Binding, error) {
	fail := func(err error) ([]expr.Binding, error) {
		if !n.Silent {
			return nil, err
		}
		if n.IsOptional {
			return []expr.Binding{in}, nil
		}
		return nil, nil
	}

	if ctx.Service == nil {
		return fail(fmt.Errorf("exec: %w: SERVICE requires a federation endpoint, none registered", storeerr.ErrPlan))
	}

	endpoint := n.Endpoint.Value
	if n.Endpoint.Kind == algebra.TermVar {
		v, ok := in.Get(n.Endpoint.Var)
		if !ok {
			return fail(fmt.Errorf("exec: %w: SERVICE endpoint variable ?%s is unbound", storeerr.ErrEval, n.Endpoint.Var))
		}
		endpoint = v.Lexical
	}

	rows, err := ctx.Service.Evaluate(endpoint, n.Pattern, n.Silent)
	if err != nil {
		return fail(err)
	}
	var out []expr.Binding
	for _, r := range rows {
		if in.Compatible(r) {
			out = append(out, in.Merge(r))
		}
	}
	return out, nil
}
