// Package complexity scores an operation before it runs and rejects
// operations whose score exceeds the caller's budget.
package complexity

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/tjfontaine/hospital-gateway/internal/domain"
	"github.com/tjfontaine/hospital-gateway/internal/metrics"
)

// RoleAnonymous is the budget key for callers without an identity.
const RoleAnonymous = "anonymous"

// Budgets holds the per-role ceilings and the global ceiling. The effective
// budget of a role is the lower of the two.
type Budgets struct {
	Roles   map[string]int
	Ceiling int
}

// DefaultBudgets returns the stock budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		Roles: map[string]int{
			string(domain.RoleAdmin):   2000,
			string(domain.RoleDoctor):  1500,
			string(domain.RolePatient): 1000,
			RoleAnonymous:              500,
		},
		Ceiling: 1500,
	}
}

// RoleOf returns the budget key for an identity.
func RoleOf(id *domain.Identity) string {
	if id == nil {
		return RoleAnonymous
	}
	return string(id.Role)
}

// Gate holds the estimator registry and the budgets.
type Gate struct {
	mu         sync.RWMutex
	budgets    Budgets
	estimators map[string]Estimator
}

// NewGate creates a gate with no field estimators registered.
func NewGate(b Budgets) *Gate {
	return &Gate{budgets: b, estimators: make(map[string]Estimator)}
}

// Register sets the estimator for typeName.field.
func (g *Gate) Register(typeName, field string, e Estimator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.estimators[typeName+"."+field] = e
}

// SetBudgets replaces the budgets; used on config reload.
func (g *Gate) SetBudgets(b Budgets) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.budgets = b
}

// Budget returns the effective budget for role. Unknown roles get the
// anonymous budget.
func (g *Gate) Budget(role string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.budgets.Roles[role]
	if !ok {
		b = g.budgets.Roles[RoleAnonymous]
	}
	if g.budgets.Ceiling > 0 && (b <= 0 || g.budgets.Ceiling < b) {
		b = g.budgets.Ceiling
	}
	return b
}

// Enforce rejects score when it is above role's budget. A score equal to the
// budget is allowed.
func (g *Gate) Enforce(score int, role string) error {
	limit := g.Budget(role)
	metrics.ObserveComplexity(role, score)
	if score > limit {
		return domain.ErrComplexityExceeded(score, limit)
	}
	return nil
}

// MaxSelections bounds the fields and fragment expansions visited while
// scoring one operation. Larger operations score MaxScore.
const MaxSelections = 10000

var errTooLarge = errors.New("complexity: operation too large to score")

// IsIntrospection reports whether every root selection of op is an
// introspection field.
func IsIntrospection(doc *ast.QueryDocument, op *ast.OperationDefinition) bool {
	w := &walker{doc: doc}
	fields, err := w.collect(op.SelectionSet)
	if err != nil || len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		switch f.Name {
		case "__schema", "__type", "__typename":
		default:
			return false
		}
	}
	return true
}

// Score computes the cost of op. Introspection operations score 0. The
// result never exceeds MaxScore.
func (g *Gate) Score(doc *ast.QueryDocument, op *ast.OperationDefinition, vars map[string]any) (int, error) {
	if IsIntrospection(doc, op) {
		return 0, nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	w := &walker{gate: g, doc: doc, vars: vars}
	s, err := w.selectionCost(op.SelectionSet, 1)
	if errors.Is(err, errTooLarge) {
		return MaxScore, nil
	}
	return s, err
}

// walker scores one operation. visits counts every selection it expands.
type walker struct {
	gate   *Gate
	doc    *ast.QueryDocument
	vars   map[string]any
	visits int
}

func (w *walker) selectionCost(set ast.SelectionSet, depth int) (int, error) {
	fields, err := w.collect(set)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, f := range fields {
		c, err := w.fieldCost(f, depth)
		if err != nil {
			return 0, err
		}
		total = Add(total, c)
		if total == MaxScore {
			break
		}
	}
	return total, nil
}

func (w *walker) fieldCost(f *ast.Field, depth int) (int, error) {
	switch f.Name {
	case "__typename", "__schema", "__type":
		return 0, nil
	}

	child, err := w.selectionCost(f.SelectionSet, depth+1)
	if err != nil {
		return 0, err
	}

	est := Default
	if f.ObjectDefinition != nil {
		if e, ok := w.gate.estimators[f.ObjectDefinition.Name+"."+f.Name]; ok {
			est = e
		}
	}
	c := est.Estimate(FieldContext{
		Field:     f,
		Args:      f.ArgumentMap(w.vars),
		Depth:     depth,
		ChildCost: child,
	})
	if c < 0 || c > MaxScore {
		c = MaxScore
	}
	return c, nil
}

// collect flattens fragment spreads and inline fragments into the fields
// they contribute.
func (w *walker) collect(set ast.SelectionSet) ([]*ast.Field, error) {
	var out []*ast.Field
	for _, sel := range set {
		w.visits++
		if w.visits > MaxSelections {
			return nil, errTooLarge
		}
		switch s := sel.(type) {
		case *ast.Field:
			out = append(out, s)
		case *ast.InlineFragment:
			inner, err := w.collect(s.SelectionSet)
			if err != nil {
				return nil, err
			}
			out = append(out, inner...)
		case *ast.FragmentSpread:
			def := s.Definition
			if def == nil && w.doc != nil {
				def = w.doc.Fragments.ForName(s.Name)
			}
			if def == nil {
				return nil, fmt.Errorf("unknown fragment %q", s.Name)
			}
			inner, err := w.collect(def.SelectionSet)
			if err != nil {
				return nil, err
			}
			out = append(out, inner...)
		}
	}
	return out, nil
}
