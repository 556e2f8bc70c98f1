// Package reqctx holds the per-operation dependency scope.
package reqctx

import (
	"context"
	"errors"
	"time"

	"golang.org/x/text/language"

	"github.com/tjfontaine/hospital-gateway/internal/domain"
	"github.com/tjfontaine/hospital-gateway/internal/hospital"
	"github.com/tjfontaine/hospital-gateway/internal/ratelimit"
	"github.com/tjfontaine/hospital-gateway/internal/upstream"
)

type contextKey struct{}

// Scope lists the dependencies of a RequestContext. RequestID, Loaders and
// Session are required.
type Scope struct {
	RequestID string
	Start     time.Time
	Identity  *domain.Identity
	Language  language.Tag
	ClientIP  string
	Loaders   *hospital.Loaders
	Session   *upstream.Session
}

// RequestContext is built once per inbound operation and never shared.
// Only the pipeline stages write to it, through the Set methods.
type RequestContext struct {
	requestID string
	start     time.Time
	identity  *domain.Identity
	language  language.Tag
	clientIP  string
	loaders   *hospital.Loaders
	session   *upstream.Session
	api       *hospital.API

	rateLimit  *ratelimit.Result
	complexity *Complexity
}

// Complexity is the outcome of the complexity stage.
type Complexity struct {
	Score int
	Limit int
}

// Remaining is the unused part of the budget, never negative.
func (c Complexity) Remaining() int {
	return max(c.Limit-c.Score, 0)
}

// New validates s and builds the context.
func New(s Scope) (*RequestContext, error) {
	var errs []error
	if s.RequestID == "" {
		errs = append(errs, errors.New("request id is required"))
	}
	if s.Loaders == nil {
		errs = append(errs, errors.New("loaders are required"))
	}
	if s.Session == nil {
		errs = append(errs, errors.New("upstream session is required"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	start := s.Start
	if start.IsZero() {
		start = time.Now()
	}
	lang := s.Language
	if lang == language.Und {
		lang = language.English
	}
	return &RequestContext{
		requestID: s.RequestID,
		start:     start,
		identity:  s.Identity,
		language:  lang,
		clientIP:  s.ClientIP,
		loaders:   s.Loaders,
		session:   s.Session,
		api:       hospital.NewAPI(s.Session),
	}, nil
}

func (rc *RequestContext) RequestID() string { return rc.requestID }
func (rc *RequestContext) Start() time.Time { return rc.start }
func (rc *RequestContext) Identity() *domain.Identity { return rc.identity }
func (rc *RequestContext) Language() language.Tag { return rc.language }
func (rc *RequestContext) ClientIP() string { return rc.clientIP }
func (rc *RequestContext) Loaders() *hospital.Loaders { return rc.loaders }
func (rc *RequestContext) Session() *upstream.Session { return rc.session }
func (rc *RequestContext) API() *hospital.API { return rc.api }
func (rc *RequestContext) RateLimit() *ratelimit.Result { return rc.rateLimit }
func (rc *RequestContext) Complexity() *Complexity { return rc.complexity }

// Authenticated reports whether an identity is present.
func (rc *RequestContext) Authenticated() bool { return rc.identity != nil }

// SetRateLimit records the limiter decision.
func (rc *RequestContext) SetRateLimit(r ratelimit.Result) { rc.rateLimit = &r }

// SetComplexity records the complexity decision.
func (rc *RequestContext) SetComplexity(score, limit int) {
	rc.complexity = &Complexity{Score: score, Limit: limit}
}

// WithLoaders returns a copy that uses a fresh loader bundle. Subscription
// events each get their own bundle.
func (rc *RequestContext) WithLoaders(l *hospital.Loaders) *RequestContext {
	cp := *rc
	cp.loaders = l
	return &cp
}

// With stores rc in ctx.
func With(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// From returns the RequestContext stored in ctx, or nil.
func From(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rc
}

// MustFrom is From for code that only runs inside an operation.
func MustFrom(ctx context.Context) *RequestContext {
	rc := From(ctx)
	if rc == nil {
		panic("reqctx: no RequestContext in context")
	}
	return rc
}
