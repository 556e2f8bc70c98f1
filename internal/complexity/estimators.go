package complexity

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vektah/gqlparser/v2/ast"
)

// FieldContext is what an estimator sees for one selected field.
type FieldContext struct {
	Field *ast.Field
	Args  map[string]any
	// Depth of the field in the operation, root fields are 1.
	Depth int
	// ChildCost is the summed cost of the field's sub-selection.
	ChildCost int
}

// Estimator computes the cost of one field including its children.
type Estimator interface {
	Estimate(fc FieldContext) int
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(fc FieldContext) int

func (f EstimatorFunc) Estimate(fc FieldContext) int { return f(fc) }

// MaxScore is the ceiling every score saturates at.
const MaxScore = math.MaxInt32

// Add returns a+b saturated at MaxScore. Negative operands count as zero.
func Add(a, b int) int {
	a, b = max(a, 0), max(b, 0)
	if a > MaxScore-b {
		return MaxScore
	}
	return a + b
}

// Mul returns a*b saturated at MaxScore. Negative operands count as zero.
func Mul(a, b int) int {
	a, b = max(a, 0), max(b, 0)
	if a == 0 || b == 0 {
		return 0
	}
	if a > MaxScore/b {
		return MaxScore
	}
	return a * b
}

// Default costs 1 plus the children.
var Default Estimator = Fixed(1)

// Fixed costs n plus the children.
type Fixed int

func (f Fixed) Estimate(fc FieldContext) int { return Add(int(f), fc.ChildCost) }

// List multiplies the per-item cost by the requested item count.
type List struct {
	ItemCost     int
	MaxItems     int
	DefaultLimit int
	LimitArg     string // defaults to "limit"
}

func (l List) Estimate(fc FieldContext) int {
	arg := l.LimitArg
	if arg == "" {
		arg = "limit"
	}
	n, ok := intArg(fc.Args, arg)
	if !ok || n <= 0 {
		n = l.DefaultLimit
	}
	if l.MaxItems > 0 && n > l.MaxItems {
		n = l.MaxItems
	}
	return Mul(Add(l.ItemCost, fc.ChildCost), n)
}

// Pagination charges for deep pages and large page sizes.
type Pagination struct {
	Base int
}

func (p Pagination) Estimate(fc FieldContext) int {
	page, ok := intArg(fc.Args, "page")
	if !ok || page < 1 {
		page = 1
	}
	limit, ok := intArg(fc.Args, "limit")
	if !ok || limit < 1 {
		limit = 10
	}
	return Add(Add(p.Base, Mul(ceilDiv(page, 10), 5)), Add(Mul(ceilDiv(limit, 10), 2), fc.ChildCost))
}

// Search charges for query length and the number of filters set.
type Search struct {
	Base      int
	PerChar   int
	PerFilter int
	QueryArg  string // defaults to "query"
	FilterArg string // defaults to "filter"
}

func (s Search) Estimate(fc FieldContext) int {
	qa, fa := s.QueryArg, s.FilterArg
	if qa == "" {
		qa = "query"
	}
	if fa == "" {
		fa = "filter"
	}
	q, _ := fc.Args[qa].(string)
	filters := 0
	if m, ok := fc.Args[fa].(map[string]any); ok {
		for _, v := range m {
			if v != nil {
				filters++
			}
		}
	}
	return Add(Add(s.Base, Mul(utf8.RuneCountInString(q), s.PerChar)), Add(Mul(filters, s.PerFilter), fc.ChildCost))
}

// MaxRelationshipDepth caps the exponent of Relationship.
const MaxRelationshipDepth = 3

// Relationship grows exponentially with the depth at which it is selected.
type Relationship struct {
	Base   int
	Factor int
}

func (r Relationship) Estimate(fc FieldContext) int {
	depth := min(max(fc.Depth, 1), MaxRelationshipDepth)
	factor := max(r.Factor, 1)
	mult := 1
	for i := 1; i < depth; i++ {
		mult = Mul(mult, factor)
	}
	return Mul(Add(r.Base, fc.ChildCost), mult)
}

// MaxRangeDays caps the span counted by TimeRange.
const MaxRangeDays = 365

// TimeRange charges for the number of days between the from and to
// arguments.
type TimeRange struct {
	Base    int
	PerDay  int
	FromArg string // defaults to "from"
	ToArg   string // defaults to "to"
}

func (t TimeRange) Estimate(fc FieldContext) int {
	fa, ta := t.FromArg, t.ToArg
	if fa == "" {
		fa = "from"
	}
	if ta == "" {
		ta = "to"
	}
	days := 0
	from, okFrom := timeArg(fc.Args, fa)
	to, okTo := timeArg(fc.Args, ta)
	if okFrom && okTo && to.After(from) {
		days = int(math.Ceil(to.Sub(from).Hours() / 24))
	}
	return Add(Add(t.Base, Mul(min(days, MaxRangeDays), t.PerDay)), fc.ChildCost)
}

func ceilDiv(a, b int) int {
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

func intArg(args map[string]any, name string) (int, bool) {
	switch v := args[name].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

func timeArg(args map[string]any, name string) (time.Time, bool) {
	s, ok := args[name].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
