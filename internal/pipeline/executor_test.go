package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/tjfontaine/hospital-gateway/internal/complexity"
	"github.com/tjfontaine/hospital-gateway/internal/domain"
	"github.com/tjfontaine/hospital-gateway/internal/hospital"
	"github.com/tjfontaine/hospital-gateway/internal/ratelimit"
	"github.com/tjfontaine/hospital-gateway/internal/reqctx"
	"github.com/tjfontaine/hospital-gateway/internal/upstream"
)

const sdl = `
type Query { departments: [Department!]! }
type Subscription { tick: Int }
type Department { id: ID! name: String! }
`

type recordingStage struct {
	name  string
	err   error
	calls *[]string
}

func (s *recordingStage) Name() string { return s.name }

func (s *recordingStage) Run(ctx context.Context, op *Operation) error {
	*s.calls = append(*s.calls, s.name)
	return s.err
}

func newOperation(t *testing.T, query string, id *domain.Identity) *Operation {
	t.Helper()
	schema := gqlparser.MustLoadSchema(&ast.Source{Name: "schema.graphql", Input: sdl})
	doc, errs := gqlparser.LoadQueryWithRules(schema, query, nil)
	if len(errs) > 0 {
		t.Fatalf("load query: %v", errs)
	}

	client, err := upstream.NewClient(map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	session := client.Session("req-1", "en")
	rc, err := reqctx.New(reqctx.Scope{
		RequestID: "req-1",
		Identity:  id,
		ClientIP:  "10.1.1.1",
		Session:   session,
		Loaders:   hospital.NewLoaders(session, nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	return &Operation{Document: doc, Operation: doc.Operations[0], Request: rc}
}

func TestExecutor_RunsInOrder(t *testing.T) {
	var calls []string
	e := NewExecutor(
		StageConfig{Order: 20, Stage: &recordingStage{name: "second", calls: &calls}},
		StageConfig{Order: 10, Stage: &recordingStage{name: "first", calls: &calls}},
		StageConfig{Order: 20, Stage: &recordingStage{name: "third", calls: &calls}},
	)

	if err := e.Run(context.Background(), newOperation(t, `{ departments { id } }`, nil)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestExecutor_FirstDenialStops(t *testing.T) {
	var calls []string
	denial := domain.ErrForbidden("admin")
	e := NewExecutor(
		StageConfig{Order: 1, Stage: &recordingStage{name: "deny", err: denial, calls: &calls}},
		StageConfig{Order: 2, Stage: &recordingStage{name: "after", calls: &calls}},
	)

	err := e.Run(context.Background(), newOperation(t, `{ departments { id } }`, nil))
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.StageName != "deny" {
		t.Errorf("StageName = %q", denied.StageName)
	}
	if domain.KindOf(err) != domain.KindForbidden {
		t.Errorf("KindOf = %v, want forbidden", domain.KindOf(err))
	}
	if len(calls) != 1 {
		t.Errorf("stages after a denial must not run, calls = %v", calls)
	}
}

func TestDefault_RecordsDecisions(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryStore())
	e := Default(limiter, complexity.NewGate(complexity.DefaultBudgets()))

	op := newOperation(t, `{ departments { id name } }`, &domain.Identity{ID: "doc-1", Role: domain.RoleDoctor})
	if err := e.Run(context.Background(), op); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rl := op.Request.RateLimit()
	if rl == nil || rl.Class != ratelimit.ClassDoctor || rl.Remaining != 999 {
		t.Errorf("rate limit = %+v", rl)
	}
	c := op.Request.Complexity()
	if c == nil || c.Score != 3 || c.Limit != 1500 {
		t.Errorf("complexity = %+v", c)
	}
}

func TestDefault_RateLimitedBeforeComplexity(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.New(ratelimit.NewMemoryStore(),
		ratelimit.WithClock(func() time.Time { return now }),
		ratelimit.WithRules(map[ratelimit.Class]ratelimit.Rule{ratelimit.ClassAnonymous: {Window: time.Minute, Max: 1}}))
	e := Default(limiter, complexity.NewGate(complexity.DefaultBudgets()))

	if err := e.Run(context.Background(), newOperation(t, `{ departments { id } }`, nil)); err != nil {
		t.Fatalf("first request: %v", err)
	}

	op := newOperation(t, `{ departments { id } }`, nil)
	err := e.Run(context.Background(), op)
	if domain.KindOf(err) != domain.KindRateLimited {
		t.Fatalf("KindOf = %v, want rate limited", domain.KindOf(err))
	}
	e2, _ := domain.AsError(err)
	if e2.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want 1m", e2.RetryAfter)
	}
	if op.Request.Complexity() != nil {
		t.Error("complexity must not be scored after a rate-limit rejection")
	}
}

func TestDefault_SubscriptionClass(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryStore())
	e := Default(limiter, complexity.NewGate(complexity.DefaultBudgets()))

	op := newOperation(t, `subscription { tick }`, &domain.Identity{ID: "u", Role: domain.RoleAdmin})
	if err := e.Run(context.Background(), op); err != nil {
		t.Fatal(err)
	}
	if got := op.Request.RateLimit().Class; got != ratelimit.ClassSubscription {
		t.Errorf("class = %q, want subscription", got)
	}
}

func TestDefault_ComplexityRejected(t *testing.T) {
	gate := complexity.NewGate(complexity.DefaultBudgets())
	gate.Register("Query", "departments", complexity.Fixed(499))
	e := Default(ratelimit.New(ratelimit.NewMemoryStore()), gate)

	// 499 + id(1) = 500: exactly the anonymous budget
	if err := e.Run(context.Background(), newOperation(t, `{ departments { id } }`, nil)); err != nil {
		t.Fatalf("at budget: %v", err)
	}
	err := e.Run(context.Background(), newOperation(t, `{ departments { id name } }`, nil))
	if domain.KindOf(err) != domain.KindComplexityExceeded {
		t.Fatalf("KindOf = %v, want complexity exceeded", domain.KindOf(err))
	}
}

func TestDefault_IntrospectionExempt(t *testing.T) {
	gate := complexity.NewGate(complexity.Budgets{Roles: map[string]int{complexity.RoleAnonymous: 0}, Ceiling: 1})
	e := Default(ratelimit.New(ratelimit.NewMemoryStore()), gate)

	if err := e.Run(context.Background(), newOperation(t, `{ __schema { queryType { name } } }`, nil)); err != nil {
		t.Fatalf("introspection rejected: %v", err)
	}
}
