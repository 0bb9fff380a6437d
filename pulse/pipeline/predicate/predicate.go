// Package predicate is a small typed boolean language for pipeline node
// conditions: combinators over named lookups into the execution state.
// There is no general expression evaluation.
package predicate

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/teranos/conductor/errors"
)

// Roots a path may start with
const (
	RootShared  = "shared"
	RootResults = "results"
	RootErrors  = "errors"
)

// ErrPathNotFound is returned when a compared path does not resolve
var ErrPathNotFound = errors.New("path not found")

// Env is the read-only state a condition is evaluated against
type Env struct {
	Shared     map[string]any
	Results    map[string]any
	ErrorCount int
}

// Expr is a boolean expression
type Expr interface {
	Eval(env Env) (bool, error)
	String() string
}

// And is true when every operand is true. Empty And is true.
type And struct{ Exprs []Expr }

// Or is true when any operand is true. Empty Or is false.
type Or struct{ Exprs []Expr }

// Not negates its operand
type Not struct{ Expr Expr }

// Exists is true when Path resolves, even to a zero value
type Exists struct{ Path string }

// Truthy is true when Path resolves to a non-zero, non-empty value
type Truthy struct{ Path string }

// Compare tests the value at Path against a literal
type Compare struct {
	Path  string
	Op    Op
	Value any
}

// Op is a comparison operator
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Valid reports whether op is known
func (op Op) Valid() bool {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

func (a And) Eval(env Env) (bool, error) {
	for _, e := range a.Exprs {
		ok, err := e.Eval(env)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (o Or) Eval(env Env) (bool, error) {
	for _, e := range o.Exprs {
		ok, err := e.Eval(env)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (n Not) Eval(env Env) (bool, error) {
	if n.Expr == nil {
		return false, errors.New("not: missing operand")
	}
	ok, err := n.Expr.Eval(env)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (e Exists) Eval(env Env) (bool, error) {
	_, found, err := Lookup(env, e.Path)
	return found, err
}

func (t Truthy) Eval(env Env) (bool, error) {
	v, found, err := Lookup(env, t.Path)
	if err != nil || !found {
		return false, err
	}
	return truthy(v), nil
}

func (c Compare) Eval(env Env) (bool, error) {
	if !c.Op.Valid() {
		return false, errors.Newf("unknown operator %q", c.Op)
	}
	v, found, err := Lookup(env, c.Path)
	if err != nil {
		return false, err
	}
	if !found {
		return false, errors.Wrapf(ErrPathNotFound, "%s", c.Path)
	}
	return compare(v, c.Op, c.Value)
}

func (a And) String() string { return join("all", a.Exprs) }
func (o Or) String() string  { return join("any", o.Exprs) }
func (n Not) String() string {
	if n.Expr == nil {
		return "not()"
	}
	return "not(" + n.Expr.String() + ")"
}
func (e Exists) String() string  { return "exists(" + e.Path + ")" }
func (t Truthy) String() string  { return "truthy(" + t.Path + ")" }
func (c Compare) String() string { return fmt.Sprintf("%s %s %v", c.Path, c.Op, c.Value) }

func join(name string, exprs []Expr) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return name + "(" + strings.Join(parts, ", ") + ")"
}

// Lookup resolves a dotted path such as shared.ticket.priority or results.fetch.count.
// "errors" resolves to the error count. Numeric segments index into slices.
func Lookup(env Env, path string) (any, bool, error) {
	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if seg == "" {
			return nil, false, errors.Newf("path %q: empty segment", path)
		}
	}

	var cur any
	switch segments[0] {
	case RootShared:
		cur = env.Shared
	case RootResults:
		cur = env.Results
	case RootErrors:
		if len(segments) > 1 {
			return nil, false, errors.Newf("path %q: errors has no fields", path)
		}
		return env.ErrorCount, true, nil
	default:
		return nil, false, errors.Newf("path %q: root must be shared, results or errors", path)
	}

	for _, seg := range segments[1:] {
		next, ok := step(cur, seg)
		if !ok {
			return nil, false, nil
		}
		cur = next
	}
	return cur, true, nil
}

func step(cur any, seg string) (any, bool) {
	switch c := cur.(type) {
	case map[string]any:
		v, ok := c[seg]
		return v, ok
	case map[string]string:
		v, ok := c[seg]
		return v, ok
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	}

	// typed maps and slices produced by workers
	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func compare(left any, op Op, right any) (bool, error) {
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return ordered(lf, rf, op), nil
		}
	}
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			return ordered(ls, rs, op), nil
		}
	}

	switch op {
	case OpEq:
		return reflect.DeepEqual(left, right), nil
	case OpNe:
		return !reflect.DeepEqual(left, right), nil
	}
	return false, errors.Newf("cannot order %T against %T", left, right)
}

func ordered[T float64 | string](l, r T, op Op) bool {
	switch op {
	case OpEq:
		return l == r
	case OpNe:
		return l != r
	case OpGt:
		return l > r
	case OpGte:
		return l >= r
	case OpLt:
		return l < r
	case OpLte:
		return l <= r
	}
	return false
}
