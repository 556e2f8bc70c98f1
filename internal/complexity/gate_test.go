package complexity

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/tjfontaine/hospital-gateway/internal/domain"
)

const testSDL = `
type Query {
	departments: [Department!]!
	doctors(page: Int, limit: Int): [Doctor!]!
	searchDoctors(query: String!, filter: DoctorFilter, limit: Int): [Doctor!]!
	doctorSchedule(doctorId: ID!, from: String!, to: String!): [Appointment!]!
	department(id: ID!): Department
}

input DoctorFilter {
	specialization: String
	departmentId: ID
	status: String
}

type Department {
	id: ID!
	name: String!
	doctors: [Doctor!]!
}

type Doctor {
	id: ID!
	firstName: String!
	department: Department
	appointments(limit: Int): [Appointment!]!
}

type Appointment {
	id: ID!
	doctor: Doctor
}
`

func load(t *testing.T, query string) (*ast.QueryDocument, *ast.OperationDefinition) {
	t.Helper()
	schema := gqlparser.MustLoadSchema(&ast.Source{Name: "test.graphql", Input: testSDL})
	doc, errs := gqlparser.LoadQueryWithRules(schema, query, nil)
	require.Empty(t, errs)
	return doc, doc.Operations[0]
}

func score(t *testing.T, g *Gate, query string, vars map[string]any) int {
	t.Helper()
	doc, op := load(t, query)
	s, err := g.Score(doc, op, vars)
	require.NoError(t, err)
	return s
}

func TestScore_DefaultCost(t *testing.T) {
	g := NewGate(DefaultBudgets())
	// departments(1) + id(1) + name(1) + __typename(0)
	assert.Equal(t, 3, score(t, g, `{ departments { id name __typename } }`, nil))
}

func TestScore_FragmentsExpanded(t *testing.T) {
	g := NewGate(DefaultBudgets())
	q := `
query {
	departments { ...D ... on Department { name } }
}
fragment D on Department { id }
`
	assert.Equal(t, 3, score(t, g, q, nil))
}

func TestScore_List(t *testing.T) {
	g := NewGate(DefaultBudgets())
	g.Register("Doctor", "appointments", List{ItemCost: 1, MaxItems: 50, DefaultLimit: 10})
	g.Register("Query", "doctors", Fixed(1))

	// doctors: 1 + firstName(1) + appointments((1 + id 1) * min(100,50))
	assert.Equal(t, 1+1+2*50, score(t, g, `{ doctors { firstName appointments(limit: 100) { id } } }`, nil))
	// default limit
	assert.Equal(t, 1+2*10, score(t, g, `{ doctors { appointments { id } } }`, nil))
	// from a variable
	assert.Equal(t, 1+2*5, score(t, g, `query($n: Int) { doctors { appointments(limit: $n) { id } } }`, map[string]any{"n": int64(5)}))
}

func TestScore_Pagination(t *testing.T) {
	g := NewGate(DefaultBudgets())
	g.Register("Query", "doctors", Pagination{Base: 1})

	// 1 + ceil(25/10)*5 + ceil(30/10)*2 + id(1)
	assert.Equal(t, 1+15+6+1, score(t, g, `{ doctors(page: 25, limit: 30) { id } }`, nil))
	// defaults page 1, limit 10
	assert.Equal(t, 1+5+2+1, score(t, g, `{ doctors { id } }`, nil))
}

func TestScore_Search(t *testing.T) {
	g := NewGate(DefaultBudgets())
	g.Register("Query", "searchDoctors", Search{Base: 5, PerChar: 1, PerFilter: 3})

	q := `{ searchDoctors(query: "heart", filter: {specialization: "cardio", status: null}) { id } }`
	assert.Equal(t, 5+5+3+1, score(t, g, q, nil))
}

func TestScore_Relationship(t *testing.T) {
	g := NewGate(DefaultBudgets())
	g.Register("Department", "doctors", Relationship{Base: 1, Factor: 2})
	g.Register("Doctor", "department", Relationship{Base: 1, Factor: 2})

	// depth 1: departments(1 + doctors@2((1+id)*2)) = 1 + 4
	assert.Equal(t, 5, score(t, g, `{ departments { doctors { id } } }`, nil))

	// depth capped at 3: department@3 and doctors@4 use factor 2^2
	q := `{ departments { doctors { department { doctors { id } } } } }`
	inner := (1 + 1) * 4    // doctors at depth 4
	dept := (1 + inner) * 4 // department at depth 3
	docs := (1 + dept) * 2  // doctors at depth 2
	assert.Equal(t, 1+docs, score(t, g, q, nil))
}

func TestScore_TimeRange(t *testing.T) {
	g := NewGate(DefaultBudgets())
	g.Register("Query", "doctorSchedule", TimeRange{Base: 2, PerDay: 1})

	assert.Equal(t, 2+7+1, score(t, g, `{ doctorSchedule(doctorId: "d", from: "2026-01-01", to: "2026-01-08") { id } }`, nil))
	assert.Equal(t, 2+365+1, score(t, g, `{ doctorSchedule(doctorId: "d", from: "2020-01-01", to: "2026-01-01T00:00:00Z") { id } }`, nil))
	assert.Equal(t, 2+1, score(t, g, `{ doctorSchedule(doctorId: "d", from: "garbage", to: "2026-01-01") { id } }`, nil))
}

func TestScore_IntrospectionExempt(t *testing.T) {
	g := NewGate(DefaultBudgets())
	g.Register("Query", "departments", Fixed(100000))

	assert.Equal(t, 0, score(t, g, `{ __schema { types { name fields { name } } } }`, nil))
	assert.Equal(t, 0, score(t, g, `{ __typename }`, nil))
	assert.Equal(t, 100001, score(t, g, `{ __typename departments { id } }`, nil))
}

func TestAddMul_Saturate(t *testing.T) {
	assert.Equal(t, 5, Add(2, 3))
	assert.Equal(t, 3, Add(-4, 3))
	assert.Equal(t, MaxScore, Add(MaxScore, 1))
	assert.Equal(t, MaxScore, Add(MaxScore-1, MaxScore-1))

	assert.Equal(t, 6, Mul(2, 3))
	assert.Equal(t, 0, Mul(-2, 3))
	assert.Equal(t, 0, Mul(MaxScore, 0))
	assert.Equal(t, MaxScore, Mul(1<<20, 1<<20))
	assert.Equal(t, MaxScore, Mul(MaxScore, 2))
}

func TestScore_DeepNestingSaturates(t *testing.T) {
	g := NewGate(DefaultBudgets())
	g.Register("Query", "departments", List{ItemCost: 1, DefaultLimit: 100})
	g.Register("Department", "doctors", List{ItemCost: 1, DefaultLimit: 100})
	g.Register("Doctor", "department", Relationship{Base: 1, Factor: 10})

	q := "{ departments { " + strings.Repeat("doctors { department { ", 12) + "id" + strings.Repeat(" } }", 12) + " } }"
	s := score(t, g, q, nil)
	assert.Equal(t, MaxScore, s)

	err := g.Enforce(s, "admin")
	require.Error(t, err)
	assert.Equal(t, domain.KindComplexityExceeded, domain.KindOf(err))
}

func TestScore_HugeLimitSaturates(t *testing.T) {
	g := NewGate(DefaultBudgets())
	g.Register("Query", "doctors", List{ItemCost: 1})
	g.Register("Doctor", "appointments", List{ItemCost: 1})

	q := `query($n: Int) { doctors(limit: $n) { appointments(limit: $n) { id } } }`
	assert.Equal(t, MaxScore, score(t, g, q, map[string]any{"n": int64(1) << 40}))
}

func TestScore_FragmentFanOutIsBounded(t *testing.T) {
	g := NewGate(DefaultBudgets())

	var b strings.Builder
	b.WriteString("query { ...F30 }\nfragment F0 on Query { __typename id }\n")
	for i := 1; i <= 30; i++ {
		fmt.Fprintf(&b, "fragment F%d on Query { ...F%d ...F%d }\n", i, i-1, i-1)
	}
	doc, err := parser.ParseQuery(&ast.Source{Input: b.String()})
	require.NoError(t, err)
	op := doc.Operations[0]

	done := make(chan int, 1)
	go func() {
		s, err := g.Score(doc, op, nil)
		assert.NoError(t, err)
		done <- s
	}()
	select {
	case s := <-done:
		assert.Equal(t, MaxScore, s)
	case <-time.After(5 * time.Second):
		t.Fatal("scoring did not finish")
	}
	assert.False(t, IsIntrospection(doc, op))
}

func TestIsIntrospection_FragmentFanOut(t *testing.T) {
	var b strings.Builder
	b.WriteString("query { ...F24 }\nfragment F0 on Query { __typename }\n")
	for i := 1; i <= 24; i++ {
		fmt.Fprintf(&b, "fragment F%d on Query { ...F%d ...F%d }\n", i, i-1, i-1)
	}
	doc, err := parser.ParseQuery(&ast.Source{Input: b.String()})
	require.NoError(t, err)

	g := NewGate(DefaultBudgets())
	assert.False(t, IsIntrospection(doc, doc.Operations[0]))
	s, err := g.Score(doc, doc.Operations[0], nil)
	require.NoError(t, err)
	assert.Equal(t, MaxScore, s)
}

func TestBudget_LowerLimitWins(t *testing.T) {
	g := NewGate(DefaultBudgets())
	assert.Equal(t, 1500, g.Budget("admin"))
	assert.Equal(t, 1500, g.Budget("doctor"))
	assert.Equal(t, 1000, g.Budget("patient"))
	assert.Equal(t, 500, g.Budget(RoleAnonymous))
	assert.Equal(t, 500, g.Budget("janitor"))

	g.SetBudgets(Budgets{Roles: map[string]int{"admin": 2000, RoleAnonymous: 10}, Ceiling: 5000})
	assert.Equal(t, 2000, g.Budget("admin"))
	assert.Equal(t, 10, g.Budget("doctor"))
}

func TestEnforce_Boundaries(t *testing.T) {
	g := NewGate(DefaultBudgets())
	for _, role := range []string{"admin", "doctor", "patient", RoleAnonymous} {
		t.Run(role, func(t *testing.T) {
			limit := g.Budget(role)
			assert.NoError(t, g.Enforce(limit, role))

			err := g.Enforce(limit+1, role)
			require.Error(t, err)
			assert.Equal(t, domain.KindComplexityExceeded, domain.KindOf(err))
		})
	}
}

func TestEnforce_Message(t *testing.T) {
	g := NewGate(DefaultBudgets())
	err := g.Enforce(1600, "admin")
	require.Error(t, err)
	e, _ := domain.AsError(err)
	assert.Equal(t, "Query is too complex: 1600. Maximum allowed complexity: 1500", e.Message)
	assert.Equal(t, []any{1600, 1500}, e.Params)
}

func TestRoleOf(t *testing.T) {
	assert.Equal(t, RoleAnonymous, RoleOf(nil))
	assert.Equal(t, "doctor", RoleOf(&domain.Identity{Role: domain.RoleDoctor}))
}
