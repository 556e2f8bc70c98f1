package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/hospital-gateway/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)}
}

func TestLimiter_FixedWindow(t *testing.T) {
	clock := newClock()
	l := New(NewMemoryStore(),
		WithClock(clock.Now),
		WithRules(map[Class]Rule{ClassPatient: {Window: time.Minute, Max: 3}}))
	ctx := context.Background()

	start := clock.Now()
	for i := 1; i <= 3; i++ {
		res := l.Check(ctx, "p1", ClassPatient)
		require.True(t, res.Allowed, "check %d", i)
		assert.Equal(t, 3-i, res.Remaining)
		assert.Equal(t, start.Add(time.Minute), res.ResetAt)
		clock.Advance(10 * time.Second)
	}

	res := l.Check(ctx, "p1", ClassPatient)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, start.Add(time.Minute), res.ResetAt, "rejection keeps existing reset_at")

	err := res.Err(clock.Now())
	require.Error(t, err)
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))
	e, _ := domain.AsError(err)
	assert.Equal(t, 30*time.Second, e.RetryAfter)

	// Exactly at reset_at the window is still live.
	clock.t = start.Add(time.Minute)
	assert.False(t, l.Check(ctx, "p1", ClassPatient).Allowed)

	clock.Advance(time.Millisecond)
	res = l.Check(ctx, "p1", ClassPatient)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining, "fresh window starts at count 1")
	assert.Equal(t, clock.Now().Add(time.Minute), res.ResetAt)
}

func TestLimiter_DoctorThousandAndFirst(t *testing.T) {
	clock := newClock()
	l := New(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		require.True(t, l.Check(ctx, "doc-1", ClassDoctor).Allowed, "request %d", i+1)
		clock.Advance(500 * time.Millisecond)
	}
	res := l.Check(ctx, "doc-1", ClassDoctor)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 1000, res.Limit)
}

func TestLimiter_KeysAreIsolated(t *testing.T) {
	clock := newClock()
	l := New(NewMemoryStore(),
		WithClock(clock.Now),
		WithRules(map[Class]Rule{
			ClassAnonymous:    {Window: time.Minute, Max: 1},
			ClassSubscription: {Window: time.Minute, Max: 1},
		}))
	ctx := context.Background()

	assert.True(t, l.Check(ctx, "10.0.0.1", ClassAnonymous).Allowed)
	assert.True(t, l.Check(ctx, "10.0.0.2", ClassAnonymous).Allowed)
	assert.True(t, l.Check(ctx, "10.0.0.1", ClassSubscription).Allowed)
	assert.False(t, l.Check(ctx, "10.0.0.1", ClassAnonymous).Allowed)
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration, time.Time) (Record, error) {
	return Record{}, errors.New("store down")
}

func TestLimiter_FailOpen(t *testing.T) {
	l := New(failingStore{})
	res := l.Check(context.Background(), "u", ClassAnonymous)
	assert.True(t, res.Allowed)
	assert.NoError(t, res.Err(time.Now()))
}

func TestClassFor(t *testing.T) {
	tests := []struct {
		name string
		id   *domain.Identity
		sub  bool
		want Class
	}{
		{"anonymous", nil, false, ClassAnonymous},
		{"anonymous subscription", nil, true, ClassSubscription},
		{"patient", &domain.Identity{Role: domain.RolePatient}, false, ClassPatient},
		{"doctor", &domain.Identity{Role: domain.RoleDoctor}, false, ClassDoctor},
		{"admin", &domain.Identity{Role: domain.RoleAdmin}, false, ClassAdmin},
		{"admin subscription", &domain.Identity{Role: domain.RoleAdmin}, true, ClassSubscription},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassFor(tt.id, tt.sub))
		})
	}
}

func TestKeyAndSubject(t *testing.T) {
	assert.Equal(t, "doctor:u1", Key(ClassDoctor, Subject(&domain.Identity{ID: "u1"}, "1.2.3.4")))
	assert.Equal(t, "anonymous:1.2.3.4", Key(ClassAnonymous, Subject(nil, "1.2.3.4")))
}

func TestResult_RetryAfter(t *testing.T) {
	now := time.Now()
	assert.Equal(t, time.Second, Result{ResetAt: now}.RetryAfter(now))
	assert.Equal(t, 2*time.Second, Result{ResetAt: now.Add(1500 * time.Millisecond)}.RetryAfter(now))
}

func TestMemoryStore_Sweep(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	ctx := context.Background()
	s.Incr(ctx, "a", time.Second, now)
	s.Incr(ctx, "b", time.Hour, now)

	n, err := s.Sweep(ctx, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Len())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, "")
	ctx := context.Background()
	now := time.Now()

	rec, err := store.Incr(ctx, "doctor:u1", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count)
	assert.WithinDuration(t, now.Add(time.Minute), rec.ResetAt, time.Second)

	rec, err = store.Incr(ctx, "doctor:u1", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Count)
	assert.True(t, mr.Exists("ratelimit:doctor:u1"))

	mr.FastForward(time.Minute + time.Second)

	rec, err = store.Incr(ctx, "doctor:u1", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count, "expired key starts a fresh window")
}

func TestRedisStore_UnavailableFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	l := New(NewRedisStore(client, ""))
	assert.True(t, l.Check(context.Background(), "u", ClassAdmin).Allowed)
}

func TestJanitor(t *testing.T) {
	s := NewMemoryStore()
	s.Incr(context.Background(), "old", time.Millisecond, time.Now().Add(-time.Hour))

	j, err := NewJanitor(s, "@every 1h", nil)
	require.NoError(t, err)
	j.sweep()
	assert.Equal(t, 0, s.Len())

	_, err = NewJanitor(s, "not a schedule", nil)
	assert.Error(t, err)
}
