package auth

import (
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tjfontaine/hospital-gateway/internal/domain"
)

// normalizePrimary reads the identity provider's claim shape:
//
//	sub, email, app_metadata.{role,permissions,entity_id}, user_metadata.is_active
func normalizePrimary(claims jwt.MapClaims) *domain.Identity {
	app := getMapClaim(claims, "app_metadata")
	user := getMapClaim(claims, "user_metadata")

	role := domain.ParseRole(getStringClaim(app, "role"))
	active := true
	if v, ok := getBoolClaim(user, "is_active"); ok {
		active = v
	} else if v, ok := getBoolClaim(app, "is_active"); ok {
		active = v
	}

	return &domain.Identity{
		ID:             getStringClaim(claims, "sub"),
		Email:          getStringClaim(claims, "email"),
		Role:           role,
		Permissions:    permissions(getStringsClaim(app, "permissions"), role),
		LinkedEntityID: getStringClaim(app, "entity_id"),
		Active:         active,
		IssuedAt:       getTimeClaim(claims, "iat"),
		ExpiresAt:      getTimeClaim(claims, "exp"),
	}
}

// normalizeApplication reads the application's own claim shape:
//
//	userId, email, role, permissions, linkedEntityId, isActive
func normalizeApplication(claims jwt.MapClaims) *domain.Identity {
	id := getStringClaim(claims, "userId")
	if id == "" {
		id = getStringClaim(claims, "sub")
	}
	role := domain.ParseRole(getStringClaim(claims, "role"))
	active := true
	if v, ok := getBoolClaim(claims, "isActive"); ok {
		active = v
	}

	return &domain.Identity{
		ID:             id,
		Email:          getStringClaim(claims, "email"),
		Role:           role,
		Permissions:    permissions(getStringsClaim(claims, "permissions"), role),
		LinkedEntityID: getStringClaim(claims, "linkedEntityId"),
		Active:         active,
		IssuedAt:       getTimeClaim(claims, "iat"),
		ExpiresAt:      getTimeClaim(claims, "exp"),
	}
}

func permissions(raw []string, role domain.Role) []domain.Permission {
	if len(raw) == 0 {
		return append([]domain.Permission(nil), domain.DefaultPermissions[role]...)
	}
	out := make([]domain.Permission, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, domain.Permission(p))
		}
	}
	return out
}

func getStringClaim(claims map[string]any, key string) string {
	if claims == nil {
		return ""
	}
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func getMapClaim(claims map[string]any, key string) map[string]any {
	if claims == nil {
		return nil
	}
	if v, ok := claims[key].(map[string]any); ok {
		return v
	}
	return nil
}

func getBoolClaim(claims map[string]any, key string) (bool, bool) {
	if claims == nil {
		return false, false
	}
	switch v := claims[key].(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(v) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

func getStringsClaim(claims map[string]any, key string) []string {
	if claims == nil {
		return nil
	}
	switch v := claims[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Split(v, ",")
	}
	return nil
}

func getTimeClaim(claims map[string]any, key string) time.Time {
	if claims == nil {
		return time.Time{}
	}
	switch v := claims[key].(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case int64:
		return time.Unix(v, 0)
	}
	return time.Time{}
}
