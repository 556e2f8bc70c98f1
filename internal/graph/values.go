package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/vektah/gqlparser/v2/ast"
)

// isNullish reports nil, typed nil pointers, maps and slices.
func isNullish(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func:
		return rv.IsNil()
	}
	return false
}

func indirect(v any) any {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil
	}
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}

func listItems(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

// fieldIndex caches json tag lookups per struct type.
var fieldIndex sync.Map // reflect.Type -> map[string][]int

func jsonFields(t reflect.Type) map[string][]int {
	if cached, ok := fieldIndex.Load(t); ok {
		return cached.(map[string][]int)
	}
	idx := make(map[string][]int)
	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() || f.Anonymous {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			if tag == "-" {
				continue
			}
			if n, _, _ := strings.Cut(tag, ","); n != "" {
				name = n
			}
		}
		idx[name] = f.Index
	}
	fieldIndex.Store(t, idx)
	return idx
}

// defaultResolve reads name from a map or from the struct field whose json
// name matches. Map values that are functions of the arguments are called.
func defaultResolve(source any, name string, args map[string]any) (any, error) {
	switch src := source.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		v := src[name]
		if fn, ok := v.(func(map[string]any) any); ok {
			return fn(args), nil
		}
		return v, nil
	}

	rv := reflect.ValueOf(source)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("cannot resolve field %q on %T", name, source)
	}
	index, ok := jsonFields(rv.Type())[name]
	if !ok {
		return nil, nil
	}
	return rv.FieldByIndex(index).Interface(), nil
}

// serializeLeaf coerces a resolved value to the output form of a scalar or
// enum type.
func serializeLeaf(def *ast.Definition, v any) (any, error) {
	v = indirect(v)
	if v == nil {
		return nil, nil
	}
	if def.Kind == ast.Enum {
		s, ok := asString(v)
		if !ok {
			return nil, fmt.Errorf("enum %s cannot represent %T", def.Name, v)
		}
		if def.EnumValues.ForName(s) == nil {
			return nil, fmt.Errorf("enum %s cannot represent value %q", def.Name, s)
		}
		return s, nil
	}

	switch def.Name {
	case "Int":
		n, ok := asInt(v)
		if !ok || n > math.MaxInt32 || n < math.MinInt32 {
			return nil, fmt.Errorf("Int cannot represent %v", v)
		}
		return n, nil
	case "Float":
		f, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("Float cannot represent %v", v)
		}
		return f, nil
	case "String", "ID":
		if s, ok := asString(v); ok {
			return s, nil
		}
		if def.Name == "ID" {
			if n, ok := asInt(v); ok {
				return strconv.FormatInt(n, 10), nil
			}
		}
		return nil, fmt.Errorf("%s cannot represent %T", def.Name, v)
	case "Boolean":
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("Boolean cannot represent %T", v)
		}
		return b, nil
	}
	return v, nil
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return rv.String(), true
	}
	return "", false
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case float32:
		return asInt(float64(n))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

// Argument helpers for resolvers. Values come from literals (int64,
// float64, string, bool, map, slice) or from decoded variables, which may
// also carry json.Number.

// ArgString returns args[name] as a string, or "".
func ArgString(args map[string]any, name string) string {
	s, _ := asString(indirect(args[name]))
	return s
}

// ArgOptionalString returns nil when args[name] is absent or null.
func ArgOptionalString(args map[string]any, name string) *string {
	v, ok := args[name]
	if !ok || v == nil {
		return nil
	}
	s, ok := asString(indirect(v))
	if !ok {
		return nil
	}
	return &s
}

// ArgInt returns args[name] as an int, or def when absent or null.
func ArgInt(args map[string]any, name string, def int) int {
	v, ok := args[name]
	if !ok || v == nil {
		return def
	}
	n, ok := asInt(indirect(v))
	if !ok {
		return def
	}
	return int(n)
}

// ArgObject returns args[name] as an input object, or nil.
func ArgObject(args map[string]any, name string) map[string]any {
	m, _ := args[name].(map[string]any)
	return m
}

// Input copies an input object, normalizing json.Number values so the map
// can be re-encoded for an upstream call.
func Input(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeInput(v)
	}
	return out
}

func normalizeInput(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		return Input(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeInput(e)
		}
		return out
	}
	return v
}
