// Package auth derives the request identity from a bearer token.
//
// Tokens are HMAC-signed JWTs issued either by the identity provider
// (primary secret) or by the application itself (application secret). A
// missing or malformed token yields an anonymous request. A token whose
// signature fails under every configured secret is rejected, as are expired
// tokens and inactive accounts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tjfontaine/hospital-gateway/internal/domain"
)

var errNoSecret = errors.New("secret not configured")

// Builder verifies tokens and normalizes their claims into an Identity.
type Builder struct {
	primary     []byte
	application []byte
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger used for degraded-token warnings.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a Builder. Either secret may be empty, in which case
// that verification path is skipped.
func NewBuilder(primarySecret, applicationSecret string, opts ...Option) *Builder {
	b := &Builder{
		primary:     []byte(primarySecret),
		application: []byte(applicationSecret),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FromRequest builds the identity for an HTTP request. A nil identity with a
// nil error means the request is anonymous.
func (b *Builder) FromRequest(r *http.Request) (*domain.Identity, error) {
	token, ok := ExtractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, nil
	}
	return b.FromToken(r.Context(), token)
}

// FromInitPayload builds the identity for a long-lived connection from its
// connection_init payload.
func (b *Builder) FromInitPayload(ctx context.Context, payload map[string]any) (*domain.Identity, error) {
	token, ok := TokenFromInitPayload(payload)
	if !ok {
		return nil, nil
	}
	return b.FromToken(ctx, token)
}

// FromToken verifies token with the primary secret, then the application
// secret, and normalizes the claims of whichever succeeded.
func (b *Builder) FromToken(ctx context.Context, token string) (*domain.Identity, error) {
	if token == "" {
		return nil, nil
	}

	claims, source, err := b.verify(token)
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return nil, domain.ErrInvalidToken()
	}
	if err != nil {
		b.logger.WarnContext(ctx, "token rejected, continuing anonymously", slog.String("error", err.Error()))
		return nil, nil
	}

	var id *domain.Identity
	switch source {
	case domain.SourcePrimary:
		id = normalizePrimary(claims)
	default:
		id = normalizeApplication(claims)
	}
	id.Source = source

	if id.ID == "" {
		b.logger.WarnContext(ctx, "token has no subject, continuing anonymously", slog.String("source", string(source)))
		return nil, nil
	}
	if !id.ExpiresAt.IsZero() && b.now().After(id.ExpiresAt) {
		return nil, domain.ErrTokenExpired(id.ExpiresAt)
	}
	if !id.Active {
		return nil, domain.ErrAccountInactive(id.ID)
	}
	return id, nil
}

func (b *Builder) verify(token string) (jwt.MapClaims, domain.TokenSource, error) {
	claims, err := parse(token, b.primary)
	if err == nil {
		return claims, domain.SourcePrimary, nil
	}
	claims, appErr := parse(token, b.application)
	if appErr == nil {
		return claims, domain.SourceApplication, nil
	}
	return nil, "", fmt.Errorf("primary: %w; application: %w", err, appErr)
}

// parse checks signature and algorithm only. Time-based claims are checked
// by the caller so that an expired token can be told apart from a forged one.
func parse(token string, secret []byte) (jwt.MapClaims, error) {
	if len(secret) == 0 {
		return nil, errNoSecret
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("jwt parse: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("jwt invalid")
	}
	return claims, nil
}

// ExtractBearerToken parses an Authorization header value.
func ExtractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

var initPayloadKeys = []string{"Authorization", "authorization", "authToken", "token"}

// TokenFromInitPayload finds the bearer token in a connection_init payload.
// Values may or may not carry the "Bearer " prefix.
func TokenFromInitPayload(payload map[string]any) (string, bool) {
	for _, key := range initPayloadKeys {
		raw, ok := payload[key].(string)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if token, ok := ExtractBearerToken(raw); ok {
			return token, true
		}
		return strings.TrimSpace(raw), true
	}
	if headers, ok := payload["headers"].(map[string]any); ok {
		return TokenFromInitPayload(headers)
	}
	return "", false
}
