package graph

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// introspect resolves the __schema and __type root fields. Values are maps
// read by the default resolver; list fields that take arguments are
// functions of those arguments, so types referencing each other are only
// expanded as far as the query selects.
func (ex *execution) introspect(field string, args map[string]any) any {
	in := introspector{schema: ex.schema}
	switch field {
	case "__schema":
		return in.schemaValue()
	case "__type":
		if def := ex.schema.Types[ArgString(args, "name")]; def != nil {
			return in.typeValue(def)
		}
	}
	return nil
}

type introspector struct {
	schema *ast.Schema
}

func (in introspector) schemaValue() map[string]any {
	names := make([]string, 0, len(in.schema.Types))
	for name := range in.schema.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	types := make([]any, len(names))
	for i, name := range names {
		types[i] = in.typeValue(in.schema.Types[name])
	}

	dirNames := make([]string, 0, len(in.schema.Directives))
	for name := range in.schema.Directives {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)
	directives := make([]any, len(dirNames))
	for i, name := range dirNames {
		directives[i] = in.directiveValue(in.schema.Directives[name])
	}

	return map[string]any{
		"description":      nonEmpty(in.schema.Description),
		"types":            types,
		"queryType":        in.typeOrNil(in.schema.Query),
		"mutationType":     in.typeOrNil(in.schema.Mutation),
		"subscriptionType": in.typeOrNil(in.schema.Subscription),
		"directives":       directives,
	}
}

func (in introspector) typeOrNil(def *ast.Definition) any {
	if def == nil {
		return nil
	}
	return in.typeValue(def)
}

func (in introspector) typeValue(def *ast.Definition) map[string]any {
	return map[string]any{
		"kind":           string(def.Kind),
		"name":           def.Name,
		"description":    nonEmpty(def.Description),
		"specifiedByURL": nil,
		"isOneOf":        nil,
		"fields": func(args map[string]any) any {
			if def.Kind != ast.Object && def.Kind != ast.Interface {
				return nil
			}
			withDeprecated := boolArg(args, "includeDeprecated")
			out := []any{}
			for _, f := range def.Fields {
				if strings.HasPrefix(f.Name, "__") {
					continue
				}
				if !withDeprecated && deprecated(f.Directives) {
					continue
				}
				out = append(out, in.fieldValue(f))
			}
			return out
		},
		"interfaces": func(map[string]any) any {
			if def.Kind != ast.Object && def.Kind != ast.Interface {
				return nil
			}
			out := []any{}
			for _, name := range def.Interfaces {
				if iface := in.schema.Types[name]; iface != nil {
					out = append(out, in.typeValue(iface))
				}
			}
			return out
		},
		"possibleTypes": func(map[string]any) any {
			if !def.IsAbstractType() {
				return nil
			}
			out := []any{}
			for _, pt := range in.schema.GetPossibleTypes(def) {
				out = append(out, in.typeValue(pt))
			}
			return out
		},
		"enumValues": func(args map[string]any) any {
			if def.Kind != ast.Enum {
				return nil
			}
			withDeprecated := boolArg(args, "includeDeprecated")
			out := []any{}
			for _, v := range def.EnumValues {
				if !withDeprecated && deprecated(v.Directives) {
					continue
				}
				out = append(out, map[string]any{
					"name":              v.Name,
					"description":       nonEmpty(v.Description),
					"isDeprecated":      deprecated(v.Directives),
					"deprecationReason": deprecationReason(v.Directives),
				})
			}
			return out
		},
		"inputFields": func(args map[string]any) any {
			if def.Kind != ast.InputObject {
				return nil
			}
			out := []any{}
			for _, f := range def.Fields {
				out = append(out, in.inputValue(f.Name, f.Description, f.Type, f.DefaultValue, f.Directives))
			}
			return out
		},
		"ofType": nil,
	}
}

// typeRef renders a possibly wrapped type reference.
func (in introspector) typeRef(t *ast.Type) map[string]any {
	switch {
	case t.NonNull:
		inner := *t
		inner.NonNull = false
		return wrapper("NON_NULL", in.typeRef(&inner))
	case t.Elem != nil:
		return wrapper("LIST", in.typeRef(t.Elem))
	}
	if def := in.schema.Types[t.NamedType]; def != nil {
		return in.typeValue(def)
	}
	return map[string]any{"kind": string(ast.Scalar), "name": t.NamedType}
}

func wrapper(kind string, of map[string]any) map[string]any {
	return map[string]any{"kind": kind, "name": nil, "ofType": of}
}

func (in introspector) fieldValue(f *ast.FieldDefinition) map[string]any {
	return map[string]any{
		"name":        f.Name,
		"description": nonEmpty(f.Description),
		"args": func(map[string]any) any {
			out := []any{}
			for _, a := range f.Arguments {
				out = append(out, in.inputValue(a.Name, a.Description, a.Type, a.DefaultValue, a.Directives))
			}
			return out
		},
		"type":              in.typeRef(f.Type),
		"isDeprecated":      deprecated(f.Directives),
		"deprecationReason": deprecationReason(f.Directives),
	}
}

func (in introspector) inputValue(name, desc string, t *ast.Type, def *ast.Value, dirs ast.DirectiveList) map[string]any {
	var defaultValue any
	if def != nil {
		defaultValue = def.String()
	}
	return map[string]any{
		"name":              name,
		"description":       nonEmpty(desc),
		"type":              in.typeRef(t),
		"defaultValue":      defaultValue,
		"isDeprecated":      deprecated(dirs),
		"deprecationReason": deprecationReason(dirs),
	}
}

func (in introspector) directiveValue(d *ast.DirectiveDefinition) map[string]any {
	locations := make([]any, len(d.Locations))
	for i, l := range d.Locations {
		locations[i] = string(l)
	}
	return map[string]any{
		"name":         d.Name,
		"description":  nonEmpty(d.Description),
		"isRepeatable": d.IsRepeatable,
		"locations":    locations,
		"args": func(map[string]any) any {
			out := []any{}
			for _, a := range d.Arguments {
				out = append(out, in.inputValue(a.Name, a.Description, a.Type, a.DefaultValue, a.Directives))
			}
			return out
		},
	}
}

func deprecated(dirs ast.DirectiveList) bool {
	return dirs.ForName("deprecated") != nil
}

func deprecationReason(dirs ast.DirectiveList) any {
	d := dirs.ForName("deprecated")
	if d == nil {
		return nil
	}
	if arg := d.Arguments.ForName("reason"); arg != nil && arg.Value != nil {
		return arg.Value.Raw
	}
	return "No longer supported"
}

func boolArg(args map[string]any, name string) bool {
	b, _ := args[name].(bool)
	return b
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
