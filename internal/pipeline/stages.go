package pipeline

import (
	"context"

	"github.com/tjfontaine/hospital-gateway/internal/complexity"
	"github.com/tjfontaine/hospital-gateway/internal/ratelimit"
)

// Default stage order.
const (
	OrderRateLimit  = 10
	OrderComplexity = 20
)

// RateLimitStage checks the caller's window for the operation class.
type RateLimitStage struct {
	Limiter *ratelimit.Limiter
}

func (s *RateLimitStage) Name() string { return "ratelimit" }

func (s *RateLimitStage) Run(ctx context.Context, op *Operation) error {
	rc := op.Request
	class := ratelimit.ClassFor(rc.Identity(), op.IsSubscription())
	res := s.Limiter.Check(ctx, ratelimit.Subject(rc.Identity(), rc.ClientIP()), class)
	rc.SetRateLimit(res)
	return res.Err(s.Limiter.Now())
}

// ComplexityStage scores the operation and enforces the caller's budget.
type ComplexityStage struct {
	Gate *complexity.Gate
}

func (s *ComplexityStage) Name() string { return "complexity" }

func (s *ComplexityStage) Run(ctx context.Context, op *Operation) error {
	rc := op.Request
	role := complexity.RoleOf(rc.Identity())

	score, err := s.Gate.Score(op.Document, op.Operation, op.Variables)
	if err != nil {
		return err
	}
	rc.SetComplexity(score, s.Gate.Budget(role))
	if score == 0 && complexity.IsIntrospection(op.Document, op.Operation) {
		return nil
	}
	return s.Gate.Enforce(score, role)
}

// Default builds the standard admission pipeline.
func Default(limiter *ratelimit.Limiter, gate *complexity.Gate) *Executor {
	return NewExecutor(
		StageConfig{Order: OrderRateLimit, Stage: &RateLimitStage{Limiter: limiter}},
		StageConfig{Order: OrderComplexity, Stage: &ComplexityStage{Gate: gate}},
	)
}
