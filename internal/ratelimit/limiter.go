// Package ratelimit implements the fixed-window request limiter applied to
// every GraphQL operation before resolution.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/hospital-gateway/internal/domain"
	"github.com/tjfontaine/hospital-gateway/internal/metrics"
)

// Class is an operation class with its own window and limit.
type Class string

const (
	ClassAnonymous    Class = "anonymous"
	ClassPatient      Class = "patient"
	ClassDoctor       Class = "doctor"
	ClassAdmin        Class = "admin"
	ClassSubscription Class = "subscription"
)

// Rule is the (window, max_requests) pair of a class.
type Rule struct {
	Window time.Duration
	Max    int
}

// DefaultRules are stricter for anonymous callers and subscriptions.
var DefaultRules = map[Class]Rule{
	ClassAnonymous:    {Window: 15 * time.Minute, Max: 100},
	ClassPatient:      {Window: 15 * time.Minute, Max: 500},
	ClassDoctor:       {Window: 15 * time.Minute, Max: 1000},
	ClassAdmin:        {Window: 15 * time.Minute, Max: 5000},
	ClassSubscription: {Window: time.Minute, Max: 10},
}

// ClassFor picks the class of an operation. Subscriptions are limited
// separately from one-shot operations.
func ClassFor(id *domain.Identity, subscription bool) Class {
	switch {
	case subscription:
		return ClassSubscription
	case id == nil:
		return ClassAnonymous
	case id.Role == domain.RoleAdmin:
		return ClassAdmin
	case id.Role == domain.RoleDoctor:
		return ClassDoctor
	default:
		return ClassPatient
	}
}

// Subject returns the identity id, or ip for anonymous callers.
func Subject(id *domain.Identity, ip string) string {
	if id != nil && id.ID != "" {
		return id.ID
	}
	return ip
}

// Key derives the counter key "<class>:<subject>".
func Key(class Class, subject string) string {
	return string(class) + ":" + subject
}

// Result is the outcome of a check.
type Result struct {
	Class     Class
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the time until the window resets, rounded up to a whole
// second and never less than one.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}

// Err returns the rejection for a disallowed result, or nil.
func (r Result) Err(now time.Time) error {
	if r.Allowed {
		return nil
	}
	return domain.ErrRateLimited(r.RetryAfter(now))
}

// Limiter checks requests against per-class rules backed by a Store.
type Limiter struct {
	store  Store
	rules  map[Class]Rule
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithRules replaces the rules of the given classes.
func WithRules(rules map[Class]Rule) Option {
	return func(l *Limiter) {
		for c, r := range rules {
			l.rules[c] = r
		}
	}
}

// WithLogger sets the logger for fail-open warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter over store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		rules:  make(map[Class]Rule, len(DefaultRules)),
		logger: slog.Default(),
		now:    time.Now,
	}
	for c, r := range DefaultRules {
		l.rules[c] = r
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Rule returns the rule of class.
func (l *Limiter) Rule(class Class) (Rule, error) {
	r, ok := l.rules[class]
	if !ok {
		return Rule{}, fmt.Errorf("ratelimit: unknown class %q", class)
	}
	return r, nil
}

// Now returns the limiter's clock reading.
func (l *Limiter) Now() time.Time { return l.now() }

// Check counts one request for subject under class. The key and rule are
// fixed at check time. Store failures are logged and allowed through.
func (l *Limiter) Check(ctx context.Context, subject string, class Class) Result {
	rule, err := l.Rule(class)
	if err != nil {
		l.logger.WarnContext(ctx, "rate limit check skipped", slog.String("error", err.Error()))
		return Result{Class: class, Allowed: true}
	}

	now := l.now()
	key := Key(class, subject)
	rec, err := l.store.Incr(ctx, key, rule.Window, now)
	if err != nil {
		metrics.RecordRateLimitStoreError()
		l.logger.WarnContext(ctx, "rate limit store failed, allowing request",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return Result{Class: class, Allowed: true, Limit: rule.Max, Remaining: rule.Max, ResetAt: now.Add(rule.Window)}
	}

	res := Result{Class: class, Limit: rule.Max, ResetAt: rec.ResetAt}
	if rec.Count > rule.Max {
		metrics.RecordRateLimitRejection(string(class))
		return res
	}
	res.Allowed = true
	res.Remaining = rule.Max - rec.Count
	return res
}
