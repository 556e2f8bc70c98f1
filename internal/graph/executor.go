package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"

	"github.com/tjfontaine/hospital-gateway/internal/auth"
	"github.com/tjfontaine/hospital-gateway/internal/domain"
	"github.com/tjfontaine/hospital-gateway/internal/i18n"
	"github.com/tjfontaine/hospital-gateway/internal/reqctx"
)

// DefaultMaxRounds bounds the flush-and-complete loop of one execution.
const DefaultMaxRounds = 64

// Request is one operation to execute. Document and Operation must already
// be validated against the registry's schema.
type Request struct {
	Document  *ast.QueryDocument
	Operation *ast.OperationDefinition
	Variables map[string]any
	// Root is the root value. Subscription events are executed with the
	// event as root.
	Root any
}

// Response is the GraphQL response envelope.
type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors gqlerror.List   `json:"errors,omitempty"`
}

// ErrorResponse builds a response that carries only errors.
func ErrorResponse(errs ...*gqlerror.Error) *Response {
	return &Response{Errors: errs}
}

// Executor resolves operations breadth-first. Thunks returned by resolvers
// are collected for a whole level; the request's loader registry is then
// flushed once and the thunks completed, which yields the next level.
type Executor struct {
	registry   *Registry
	schema     *ast.Schema
	translator *i18n.Translator
	logger     *slog.Logger
	tracer     trace.Tracer
	debug      bool
	maxRounds  int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTranslator localizes error messages for the request's language.
func WithTranslator(t *i18n.Translator) ExecutorOption {
	return func(e *Executor) { e.translator = t }
}

// WithLogger sets the logger for resolver failures.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithDebug adds the underlying error text of internal errors to
// extensions.detail.
func WithDebug(on bool) ExecutorOption {
	return func(e *Executor) { e.debug = on }
}

// WithMaxRounds overrides DefaultMaxRounds.
func WithMaxRounds(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxRounds = n
		}
	}
}

// NewExecutor creates an executor over reg.
func NewExecutor(reg *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:  reg,
		schema:    reg.Schema(),
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/tjfontaine/hospital-gateway/internal/graph"),
		maxRounds: DefaultMaxRounds,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Schema returns the executable schema.
func (e *Executor) Schema() *ast.Schema { return e.schema }

// Execute runs a query or mutation. The context must carry a
// reqctx.RequestContext.
func (e *Executor) Execute(ctx context.Context, req Request) *Response {
	rc := reqctx.From(ctx)
	if rc == nil {
		return ErrorResponse(e.FormatError(ctx, errors.New("graph: no request context"), nil))
	}

	ctx, span := e.tracer.Start(ctx, "graphql.execute", trace.WithAttributes(
		attribute.String("graphql.operation.type", string(req.Operation.Operation)),
		attribute.String("graphql.operation.name", req.Operation.Name),
		attribute.String("request.id", rc.RequestID()),
	))
	defer span.End()

	root := e.rootType(req.Operation.Operation)
	if root == nil {
		return ErrorResponse(e.FormatError(ctx,
			domain.ErrBadRequest(fmt.Sprintf("schema does not support %s operations", req.Operation.Operation)), nil))
	}

	ex := &execution{
		Executor: e,
		ctx:      ctx,
		rc:       rc,
		doc:      req.Document,
		vars:     req.Variables,
	}
	data := &node{kind: nodeObject}
	groups := ex.collect(root, []ast.SelectionSet{req.Operation.SelectionSet})

	if req.Operation.Operation == ast.Mutation {
		for _, g := range groups {
			ex.resolveField(root, req.Root, g, nil, data.addField(g.key))
			ex.drain()
		}
	} else {
		for _, g := range groups {
			ex.resolveField(root, req.Root, g, nil, data.addField(g.key))
		}
		ex.drain()
	}

	value, _ := data.value()
	raw, err := json.Marshal(value)
	if err != nil {
		ex.errors = append(ex.errors, e.FormatError(ctx, err, nil))
		raw = []byte("null")
	}
	if len(ex.errors) > 0 {
		span.SetStatus(codes.Error, ex.errors[0].Message)
		span.SetAttributes(attribute.Int("graphql.errors", len(ex.errors)))
	}
	return &Response{Data: raw, Errors: ex.errors}
}

// Subscribe starts the single root field of a subscription operation and
// returns its event source.
func (e *Executor) Subscribe(ctx context.Context, req Request) (<-chan any, error) {
	if e.schema.Subscription == nil || req.Operation.Operation != ast.Subscription {
		return nil, domain.ErrBadRequest("not a subscription operation")
	}
	rc := reqctx.From(ctx)
	if rc == nil {
		return nil, errors.New("graph: no request context")
	}
	ex := &execution{Executor: e, ctx: ctx, rc: rc, doc: req.Document, vars: req.Variables}
	groups := ex.collect(e.schema.Subscription, []ast.SelectionSet{req.Operation.SelectionSet})
	if len(groups) != 1 {
		return nil, domain.ErrBadRequest("subscription must select exactly one root field")
	}
	f := groups[0].fields[0]
	entry, ok := e.registry.Lookup(e.schema.Subscription.Name, f.Name)
	if !ok {
		return nil, domain.ErrBadRequest(fmt.Sprintf("subscription field %s is not available", f.Name))
	}
	if err := auth.Authorize(rc.Identity(), entry.Policy); err != nil {
		return nil, err
	}
	args, err := argumentMap(f, req.Variables)
	if err != nil {
		return nil, domain.ErrBadRequest(err.Error())
	}
	return e.startSource(ctx, entry.Subscribe, f.Name, args)
}

// startSource calls fn, turning a panic into an internal error.
func (e *Executor) startSource(ctx context.Context, fn SubscribeFunc, field string, args map[string]any) (events <-chan any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("subscription panic",
				slog.String("field", field),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			events, err = nil, domain.New(domain.KindInternal, "internal.error", fmt.Sprintf("panic: %v", r))
		}
	}()
	return fn(ctx, args)
}

// FormatError converts err into a GraphQL error localized for the request.
// Typed domain errors carry extensions.code.
func (e *Executor) FormatError(ctx context.Context, err error, path ast.Path) *gqlerror.Error {
	var gqlErr *gqlerror.Error
	if errors.As(err, &gqlErr) && gqlErr.Extensions != nil {
		out := *gqlErr
		if path != nil {
			out.Path = path
		}
		return &out
	}

	tag := language.English
	requestID := ""
	if rc := reqctx.From(ctx); rc != nil {
		tag = rc.Language()
		requestID = rc.RequestID()
	}
	return e.formatError(tag, requestID, err, path)
}

func (e *Executor) formatError(tag language.Tag, requestID string, err error, path ast.Path) *gqlerror.Error {
	kind := domain.KindOf(err)
	ext := map[string]any{"code": kind.Code()}
	if de, ok := domain.AsError(err); ok && de.RetryAfter > 0 {
		ext["retryAfter"] = int(de.RetryAfter.Seconds() + 0.999)
	}
	if kind == domain.KindInternal {
		e.logger.Error("graphql internal error",
			slog.String("request_id", requestID),
			slog.String("path", path.String()),
			slog.String("error", err.Error()))
		if e.debug {
			ext["detail"] = err.Error()
		}
	}
	return &gqlerror.Error{
		Err:        err,
		Message:    e.message(tag, err),
		Path:       path,
		Extensions: ext,
	}
}

func (e *Executor) message(tag language.Tag, err error) string {
	if e.translator != nil {
		return e.translator.Localize(tag, err)
	}
	if de, ok := domain.AsError(err); ok && de.Kind != domain.KindInternal {
		return de.Message
	}
	return "internal server error"
}

func (e *Executor) rootType(op ast.Operation) *ast.Definition {
	switch op {
	case ast.Mutation:
		return e.schema.Mutation
	case ast.Subscription:
		return e.schema.Subscription
	default:
		return e.schema.Query
	}
}

// execution is the state of one Execute call.
type execution struct {
	*Executor
	ctx     context.Context
	rc      *reqctx.RequestContext
	doc     *ast.QueryDocument
	vars    map[string]any
	errors  gqlerror.List
	pending []*deferred
}

// deferred is a thunk waiting for the next loader flush.
type deferred struct {
	thunk  Thunk
	node   *node
	typ    *ast.Type
	fields []*ast.Field
	path   ast.Path
	label  string
}

type fieldGroup struct {
	key    string
	fields []*ast.Field
}

// drain alternates loader flushes and thunk completion until no thunk is
// left.
func (ex *execution) drain() {
	for round := 0; len(ex.pending) > 0; round++ {
		if round >= ex.maxRounds {
			for _, d := range ex.pending {
				ex.fail(d.node, d.path, fmt.Errorf("graph: %s not resolved after %d rounds", d.label, ex.maxRounds))
			}
			ex.pending = nil
			return
		}
		if err := ex.ctx.Err(); err != nil {
			for _, d := range ex.pending {
				ex.fail(d.node, d.path, err)
			}
			ex.pending = nil
			return
		}

		ex.rc.Loaders().Registry.Flush(ex.ctx)

		level := ex.pending
		ex.pending = nil
		for _, d := range level {
			v, err := callThunk(d.thunk)
			ex.complete(d.node, d.typ, d.fields, v, err, d.path, d.label)
		}
	}
}

func (ex *execution) fail(n *node, path ast.Path, err error) {
	ex.errors = append(ex.errors, ex.FormatError(ex.ctx, err, path))
	n.setNull()
}

func (ex *execution) resolveField(objType *ast.Definition, source any, g fieldGroup, parent ast.Path, n *node) {
	f := g.fields[0]
	path := appendPath(parent, ast.PathName(g.key))

	if f.Name == "__typename" {
		n.nonNull = true
		n.kind, n.leaf = nodeLeaf, objType.Name
		return
	}

	def := objType.Fields.ForName(f.Name)
	if def == nil {
		ex.fail(n, path, domain.ErrBadRequest(fmt.Sprintf("field %s is not defined on %s", f.Name, objType.Name)))
		return
	}
	label := objType.Name + "." + f.Name
	n.nonNull = def.Type.NonNull

	args, err := argumentMap(f, ex.vars)
	if err != nil {
		ex.fail(n, path, domain.ErrBadRequest(err.Error()))
		return
	}

	var value any
	switch {
	case objType == ex.schema.Query && (f.Name == "__schema" || f.Name == "__type"):
		value = ex.introspect(f.Name, args)
	default:
		entry, ok := ex.registry.Lookup(objType.Name, f.Name)
		switch {
		case !ok:
			value, err = defaultResolve(source, f.Name, args)
		case objType == ex.schema.Subscription && entry.Resolve == nil:
			// the event itself is the field value
			value = source
		default:
			if err = auth.Authorize(ex.rc.Identity(), entry.Policy); err == nil {
				value, err = ex.call(entry.Resolve, ResolveParams{Source: source, Args: args, Field: f, Path: path})
			}
		}
	}
	ex.complete(n, def.Type, g.fields, value, err, path, label)
}

func (ex *execution) call(fn ResolveFunc, p ResolveParams) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			ex.logger.Error("resolver panic",
				slog.String("request_id", ex.rc.RequestID()),
				slog.String("path", p.Path.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = domain.New(domain.KindInternal, "internal.error", fmt.Sprintf("panic: %v", r))
		}
	}()
	return fn(ex.ctx, p)
}

func callThunk(t Thunk) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.New(domain.KindInternal, "internal.error", fmt.Sprintf("panic: %v", r))
		}
	}()
	return t()
}

// complete writes value into n according to typ. Thunks are queued for
// the next flush.
func (ex *execution) complete(n *node, typ *ast.Type, fields []*ast.Field, value any, err error, path ast.Path, label string) {
	n.nonNull = typ.NonNull
	if err != nil {
		ex.fail(n, path, err)
		return
	}
	if fn, ok := value.(func() (any, error)); ok {
		value = Thunk(fn)
	}
	if t, ok := value.(Thunk); ok {
		ex.pending = append(ex.pending, &deferred{thunk: t, node: n, typ: typ, fields: fields, path: path, label: label})
		return
	}
	if isNullish(value) {
		n.setNull()
		if typ.NonNull {
			ex.errors = append(ex.errors, &gqlerror.Error{
				Message: fmt.Sprintf("Cannot return null for non-nullable field %s", label),
				Path:    path,
			})
		}
		return
	}

	if typ.Elem != nil {
		ex.completeList(n, typ.Elem, fields, value, path, label)
		return
	}

	def := ex.schema.Types[typ.NamedType]
	if def == nil {
		ex.fail(n, path, fmt.Errorf("graph: unknown type %s", typ.NamedType))
		return
	}
	switch def.Kind {
	case ast.Scalar, ast.Enum:
		v, err := serializeLeaf(def, value)
		if err != nil {
			ex.fail(n, path, err)
			return
		}
		n.kind, n.leaf = nodeLeaf, v
	case ast.Object:
		ex.completeObject(n, def, fields, value, path)
	case ast.Interface, ast.Union:
		concrete := ex.resolveAbstract(def, value)
		if concrete == nil {
			ex.fail(n, path, fmt.Errorf("graph: cannot resolve concrete type of %s for %T", def.Name, value))
			return
		}
		ex.completeObject(n, concrete, fields, value, path)
	default:
		ex.fail(n, path, fmt.Errorf("graph: %s is not an output type", def.Name))
	}
}

func (ex *execution) completeList(n *node, elem *ast.Type, fields []*ast.Field, value any, path ast.Path, label string) {
	items, ok := listItems(value)
	if !ok {
		ex.fail(n, path, fmt.Errorf("graph: %s expected a list, got %T", label, value))
		return
	}
	n.kind = nodeList
	n.items = make([]*node, len(items))
	for i, item := range items {
		child := &node{}
		n.items[i] = child
		ex.complete(child, elem, fields, item, nil, appendPath(path, ast.PathIndex(i)), label)
	}
}

func (ex *execution) completeObject(n *node, def *ast.Definition, fields []*ast.Field, value any, path ast.Path) {
	sets := make([]ast.SelectionSet, 0, len(fields))
	for _, f := range fields {
		sets = append(sets, f.SelectionSet)
	}
	n.kind = nodeObject
	for _, g := range ex.collect(def, sets) {
		ex.resolveField(def, value, g, path, n.addField(g.key))
	}
}

// TypeNamer lets values of interface or union fields name their concrete
// type.
type TypeNamer interface {
	GraphQLType() string
}

func (ex *execution) resolveAbstract(def *ast.Definition, value any) *ast.Definition {
	var name string
	switch v := value.(type) {
	case TypeNamer:
		name = v.GraphQLType()
	case map[string]any:
		name, _ = v["__typename"].(string)
	}
	for _, pt := range ex.schema.GetPossibleTypes(def) {
		if pt.Name == name {
			return pt
		}
	}
	return nil
}

// collect groups the fields of sets that apply to objType by response key,
// in selection order, expanding fragments and honoring @skip/@include.
func (ex *execution) collect(objType *ast.Definition, sets []ast.SelectionSet) []fieldGroup {
	var groups []fieldGroup
	index := map[string]int{}
	visited := map[string]bool{}

	var walk func(set ast.SelectionSet)
	walk = func(set ast.SelectionSet) {
		for _, sel := range set {
			switch s := sel.(type) {
			case *ast.Field:
				if !included(s.Directives, ex.vars) {
					continue
				}
				key := s.Alias
				if key == "" {
					key = s.Name
				}
				if i, ok := index[key]; ok {
					groups[i].fields = append(groups[i].fields, s)
					continue
				}
				index[key] = len(groups)
				groups = append(groups, fieldGroup{key: key, fields: []*ast.Field{s}})
			case *ast.InlineFragment:
				if !included(s.Directives, ex.vars) || !ex.applies(s.TypeCondition, objType) {
					continue
				}
				walk(s.SelectionSet)
			case *ast.FragmentSpread:
				if visited[s.Name] || !included(s.Directives, ex.vars) {
					continue
				}
				visited[s.Name] = true
				frag := s.Definition
				if frag == nil && ex.doc != nil {
					frag = ex.doc.Fragments.ForName(s.Name)
				}
				if frag == nil || !ex.applies(frag.TypeCondition, objType) {
					continue
				}
				walk(frag.SelectionSet)
			}
		}
	}
	for _, set := range sets {
		walk(set)
	}
	return groups
}

func (ex *execution) applies(cond string, objType *ast.Definition) bool {
	if cond == "" || cond == objType.Name {
		return true
	}
	condDef := ex.schema.Types[cond]
	if condDef == nil || !condDef.IsAbstractType() {
		return false
	}
	for _, pt := range ex.schema.GetPossibleTypes(condDef) {
		if pt.Name == objType.Name {
			return true
		}
	}
	return false
}

func included(dirs ast.DirectiveList, vars map[string]any) bool {
	if d := dirs.ForName("skip"); d != nil {
		if b, _ := d.ArgumentMap(vars)["if"].(bool); b {
			return false
		}
	}
	if d := dirs.ForName("include"); d != nil {
		if b, _ := d.ArgumentMap(vars)["if"].(bool); !b {
			return false
		}
	}
	return true
}

func argumentMap(f *ast.Field, vars map[string]any) (args map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid arguments for %s: %v", f.Name, r)
		}
	}()
	args = f.ArgumentMap(vars)
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func appendPath(parent ast.Path, el ast.PathElement) ast.Path {
	p := make(ast.Path, len(parent), len(parent)+1)
	copy(p, parent)
	return append(p, el)
}
