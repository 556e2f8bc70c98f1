// Package graph is the GraphQL engine of the gateway: the embedded schema,
// the field resolver registry, a breadth-first executor that flushes the
// request's loaders once per level, introspection, and the HTTP and
// websocket transports.
package graph

import (
	"context"
	_ "embed"
	"fmt"
	"sort"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/tjfontaine/hospital-gateway/internal/auth"
	"github.com/tjfontaine/hospital-gateway/internal/complexity"
)

//go:embed schema.graphql
var schemaSDL string

// LoadSchema parses the embedded schema.
func LoadSchema() (*ast.Schema, error) {
	return gqlparser.LoadSchema(&ast.Source{Name: "schema.graphql", Input: schemaSDL})
}

// ResolveParams is what a field resolver sees.
type ResolveParams struct {
	Source any
	Args   map[string]any
	Field  *ast.Field
	Path   ast.Path
}

// ResolveFunc resolves one field. It may return a Thunk to defer the value
// until the request's loaders have been flushed.
type ResolveFunc func(ctx context.Context, p ResolveParams) (any, error)

// SubscribeFunc starts a subscription root field. Every value received from
// the channel becomes the root value of one execution of the selection set.
// The channel is closed when ctx is done or the source ends.
type SubscribeFunc func(ctx context.Context, args map[string]any) (<-chan any, error)

// Thunk is a deferred field value. The executor calls it after the loader
// flush that ends the level the thunk was created on. A thunk may return
// another thunk.
type Thunk func() (any, error)

// Field registers the resolver of one schema field.
type Field struct {
	Type      string
	Name      string
	Policy    auth.Policy
	Resolve   ResolveFunc
	Subscribe SubscribeFunc
	// Complexity overrides the default cost of the field when non-nil.
	Complexity complexity.Estimator
}

// Key returns "Type.field".
func (f Field) Key() string { return f.Type + "." + f.Name }

// Module contributes a group of field resolvers.
type Module interface {
	Fields() []Field
}

// Registry maps "Type.field" to its resolver. Fields without an entry use
// the default resolver and are public.
type Registry struct {
	schema *ast.Schema
	fields map[string]Field
}

// NewRegistry creates an empty registry bound to schema.
func NewRegistry(schema *ast.Schema) *Registry {
	return &Registry{schema: schema, fields: make(map[string]Field)}
}

// Schema returns the schema the registry validates against.
func (r *Registry) Schema() *ast.Schema { return r.schema }

// Register adds f. Registering a key twice, or a field the schema does not
// define, is an error.
func (r *Registry) Register(f Field) error {
	def := r.schema.Types[f.Type]
	if def == nil {
		return fmt.Errorf("graph: register %s: type %q not in schema", f.Key(), f.Type)
	}
	if def.Fields.ForName(f.Name) == nil {
		return fmt.Errorf("graph: register %s: field not in schema", f.Key())
	}
	if _, dup := r.fields[f.Key()]; dup {
		return fmt.Errorf("graph: register %s: duplicate resolver", f.Key())
	}
	isSub := r.schema.Subscription != nil && f.Type == r.schema.Subscription.Name
	switch {
	case isSub && f.Subscribe == nil:
		return fmt.Errorf("graph: register %s: subscription field needs Subscribe", f.Key())
	case !isSub && f.Resolve == nil:
		return fmt.Errorf("graph: register %s: Resolve is nil", f.Key())
	}
	r.fields[f.Key()] = f
	return nil
}

// RegisterModules registers every field of every module, stopping at the
// first error.
func (r *Registry) RegisterModules(mods ...Module) error {
	for _, m := range mods {
		for _, f := range m.Fields() {
			if err := r.Register(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// Lookup returns the entry for typeName.field.
func (r *Registry) Lookup(typeName, field string) (Field, bool) {
	f, ok := r.fields[typeName+"."+field]
	return f, ok
}

// Keys lists the registered keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.fields))
	for k := range r.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Estimators registers every field's complexity estimator with gate.
func (r *Registry) Estimators(gate *complexity.Gate) {
	for _, f := range r.fields {
		if f.Complexity != nil {
			gate.Register(f.Type, f.Name, f.Complexity)
		}
	}
}
