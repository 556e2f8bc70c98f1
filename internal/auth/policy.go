package auth

import (
	"strings"

	"github.com/tjfontaine/hospital-gateway/internal/domain"
)

// Policy describes who may resolve a field.
type Policy struct {
	public     bool
	roles      []domain.Role
	permission domain.Permission
}

// Public fields resolve for anonymous callers.
func Public() Policy { return Policy{public: true} }

// Authenticated fields need any identity.
func Authenticated() Policy { return Policy{} }

// Roles fields need an identity holding one of roles.
func Roles(roles ...domain.Role) Policy { return Policy{roles: roles} }

// Permission fields need an identity holding p.
func Permission(p domain.Permission) Policy { return Policy{permission: p} }

// IsPublic reports whether anonymous callers pass.
func (p Policy) IsPublic() bool { return p.public }

func (p Policy) String() string {
	switch {
	case p.public:
		return "public"
	case len(p.roles) > 0:
		names := make([]string, len(p.roles))
		for i, r := range p.roles {
			names[i] = string(r)
		}
		return "roles(" + strings.Join(names, ",") + ")"
	case p.permission != "":
		return "permission(" + string(p.permission) + ")"
	default:
		return "authenticated"
	}
}

// Authorize checks id against p. Anonymous callers of a protected field get
// KindAuthenticationRequired; identities lacking the role or permission get
// KindForbidden.
func Authorize(id *domain.Identity, p Policy) error {
	if p.public {
		return nil
	}
	if id == nil {
		return domain.ErrAuthenticationRequired()
	}
	if len(p.roles) > 0 && !id.HasRole(p.roles...) && id.Role != domain.RoleAdmin {
		return domain.ErrForbidden(p.String())
	}
	if p.permission != "" && !id.Can(p.permission) {
		return domain.ErrForbidden(string(p.permission))
	}
	return nil
}
