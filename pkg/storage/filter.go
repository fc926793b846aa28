package storage

import (
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"github.com/pkg/errors"
	"go.einride.tech/aip/filtering"
)

// FilterCharacterLimit bounds filter expressions, since parsing them is not free.
const FilterCharacterLimit = 1024

// Filterable exposes the variables a filter expression may reference.
type Filterable interface {
	FilterVariablesMap() map[string]any
}

// IncludeFunc decides whether a record belongs in a listing.
type IncludeFunc func(Filterable) (bool, error)

func includeAll(Filterable) (bool, error) { return true, nil }

// CompileFilter turns an https://google.aip.dev/160 expression into an IncludeFunc. Only
// string identifiers compared with "=" are supported, for example `protocol = "hotp"`, and
// only the given identifiers may appear. A blank expression includes everything.
func CompileFilter(expression string, identifiers ...string) (IncludeFunc, error) {
	if strings.TrimSpace(expression) == "" {
		return includeAll, nil
	}
	if len(expression) > FilterCharacterLimit {
		return nil, errors.Errorf("filter longer than %d character size limit", FilterCharacterLimit)
	}

	parsed, err := parseFilter(expression, identifiers)
	if err != nil {
		return nil, err
	}
	if parsed.CheckedExpr == nil {
		return includeAll, nil
	}

	env, err := celEnv()
	if err != nil {
		return nil, errors.Wrap(err, "creating cel env")
	}
	program, err := env.Program(cel.CheckedExprToAst(parsed.CheckedExpr))
	if err != nil {
		return nil, errors.Wrap(err, "creating program from filter")
	}
	return func(f Filterable) (bool, error) {
		out, _, err := program.Eval(f.FilterVariablesMap())
		if err != nil {
			return false, errors.Wrap(err, "evaluating filter")
		}
		return out.Value() == true, nil
	}, nil
}

type filterRequest string

func (f filterRequest) GetFilter() string {
	return string(f)
}

func parseFilter(expression string, identifiers []string) (filtering.Filter, error) {
	opts := make([]filtering.DeclarationOption, 0, len(identifiers)+1)
	opts = append(opts, filtering.DeclareFunction(filtering.FunctionEquals,
		filtering.NewFunctionOverload(
			filtering.FunctionOverloadEqualsString, filtering.TypeBool, filtering.TypeString, filtering.TypeString)))
	for _, ident := range identifiers {
		opts = append(opts, filtering.DeclareIdent(ident, filtering.TypeString))
	}
	declarations, err := filtering.NewDeclarations(opts...)
	if err != nil {
		return filtering.Filter{}, errors.Wrap(err, "creating filter declarations")
	}
	filter, err := filtering.ParseFilter(filterRequest(expression), declarations)
	if err != nil {
		return filtering.Filter{}, errors.Wrap(err, "parsing filter")
	}
	return filter, nil
}

func equal(lhs, rhs ref.Val) ref.Val {
	return lhs.Equal(rhs)
}

// celEnv declares the "=" overload that aip filters compile to. It is built once.
var celEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Function(filtering.FunctionEquals,
			cel.Overload(filtering.FunctionOverloadEqualsString,
				[]*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(equal))))
})
