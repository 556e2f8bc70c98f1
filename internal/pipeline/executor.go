package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/tjfontaine/hospital-gateway/internal/reqctx"
)

// Operation is one parsed and validated GraphQL operation.
type Operation struct {
	Document  *ast.QueryDocument
	Operation *ast.OperationDefinition
	Variables map[string]any
	Request   *reqctx.RequestContext
}

// Name returns the operation name, or "" for anonymous operations.
func (o *Operation) Name() string {
	if o.Operation == nil {
		return ""
	}
	return o.Operation.Name
}

// Type returns query, mutation or subscription.
func (o *Operation) Type() string {
	if o.Operation == nil {
		return string(ast.Query)
	}
	return string(o.Operation.Operation)
}

// IsSubscription reports whether the operation is a subscription.
func (o *Operation) IsSubscription() bool {
	return o.Operation != nil && o.Operation.Operation == ast.Subscription
}

// Stage is one admission step.
type Stage interface {
	Name() string
	Run(ctx context.Context, op *Operation) error
}

// StageConfig places a stage in the run order.
type StageConfig struct {
	Order int
	Stage Stage
}

// Executor runs stages sequentially in ascending order.
type Executor struct {
	stages []Stage
}

// NewExecutor creates an executor. Stages with equal Order keep their
// relative position.
func NewExecutor(stages ...StageConfig) *Executor {
	sorted := append([]StageConfig(nil), stages...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})

	e := &Executor{stages: make([]Stage, len(sorted))}
	for i, s := range sorted {
		e.stages[i] = s.Stage
	}
	return e
}

// Stages returns the stage names in run order.
func (e *Executor) Stages() []string {
	names := make([]string, len(e.stages))
	for i, s := range e.stages {
		names[i] = s.Name()
	}
	return names
}

// Run executes every stage. The first failing stage's error is returned
// wrapped in a DeniedError.
func (e *Executor) Run(ctx context.Context, op *Operation) error {
	if op == nil || op.Request == nil {
		return fmt.Errorf("pipeline: operation has no request context")
	}
	for _, stage := range e.stages {
		if err := stage.Run(ctx, op); err != nil {
			return &DeniedError{StageName: stage.Name(), Err: err}
		}
	}
	return nil
}

// DeniedError is returned when a stage rejects an operation.
type DeniedError struct {
	StageName string
	Err       error
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("denied by stage %s: %v", e.StageName, e.Err)
}

func (e *DeniedError) Unwrap() error { return e.Err }
