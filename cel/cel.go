// Package cel compiles Common Expression Language expressions into record filters
// and record comparers usable by observable collections.
package cel

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
)

// Predicate contains a CEL expression & the cel program used to evaluate the
// expression vs. one record's field map. It satisfies rox.Filter.
type Predicate struct {
	Expression string
	program    cel.Program
}

// Instantiate a new CEL predicate for use as an observable collection filter.
// expression param is expected to evaluate to a bool over the "rec" variable,
// e.g. `rec.isComplete == false && rec.description != ""`.
func NewPredicate(expression string) (*Predicate, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty string")
	}

	env, err := cel.NewEnv(
		// Declare the record variable based on the expected map[string]any data to be evaluated against.
		cel.Variable("rec", cel.MapType(cel.StringType, cel.AnyType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &Predicate{
		Expression: expression,
		program:    p,
	}, nil
}

// Match evaluates the predicate against a record's field map.
func (p *Predicate) Match(rec map[string]any) (bool, error) {
	out, _, err := p.program.Eval(map[string]any{
		"rec": rec,
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(true))
	if err != nil {
		return false, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}
	if v, ok := nv.(bool); !ok {
		return false, fmt.Errorf("error converting to bool, nv: %v", nv)
	} else {
		return v, nil
	}
}

// Comparer contains a CEL expression & the cel program used to order two records.
// It satisfies rox.Comparer.
type Comparer struct {
	Expression string
	program    cel.Program
}

// Instantiate a new CEL comparer for use as a custom observable collection sort.
// expression param is expected to compare recX vs recY and yield an int,
// e.g. `recX.priority < recY.priority ? -1 : (recX.priority > recY.priority ? 1 : 0)`.
func NewComparer(expression string) (*Comparer, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty string")
	}

	env, err := cel.NewEnv(
		cel.Variable("recX", cel.MapType(cel.StringType, cel.AnyType)),
		cel.Variable("recY", cel.MapType(cel.StringType, cel.AnyType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &Comparer{
		Expression: expression,
		program:    p,
	}, nil
}

// Compare evaluates the comparer against two records' field maps.
func (c *Comparer) Compare(recX map[string]any, recY map[string]any) (int, error) {
	out, _, err := c.program.Eval(map[string]any{
		"recX": recX,
		"recY": recY,
	})
	if err != nil {
		return 0, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(int(0)))
	if err != nil {
		return 0, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}
	if v, ok := nv.(int); !ok {
		return 0, fmt.Errorf("error converting to int, nv: %v", nv)
	} else {
		return v, nil
	}
}
