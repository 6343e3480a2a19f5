package engine

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Evaluator maps an expression and a variable scope to a value.
type Evaluator interface {
	Evaluate(ctx context.Context, expr string, vars map[string]any) (any, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, expr string, vars map[string]any) (any, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, expr string, vars map[string]any) (any, error) {
	return f(ctx, expr, vars)
}

// VariableEvaluator resolves an expression as a variable name, with an optional
// leading "!" for negation and the literals "true" and "false". Unset variables
// resolve to nil. It is the default when no evaluator is configured.
type VariableEvaluator struct{}

func (VariableEvaluator) Evaluate(_ context.Context, expr string, vars map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	negate := false
	if strings.HasPrefix(expr, "!") {
		negate = true
		expr = strings.TrimSpace(expr[1:])
	}
	var value any
	switch expr {
	case "":
		return nil, fmt.Errorf("empty expression")
	case "true":
		value = true
	case "false":
		value = false
	default:
		if strings.ContainsAny(expr, " ()=<>&|+-*/") {
			return nil, fmt.Errorf("unsupported expression %q", expr)
		}
		value = vars[expr]
	}
	if negate {
		return !Truthy(value), nil
	}
	return value, nil
}

// Truthy converts an evaluation result to a boolean.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err == nil {
			return b
		}
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map:
		return rv.Len() > 0
	}
	return true
}
