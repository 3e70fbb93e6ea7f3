package perm

import (
	"budgetline/internal/config"
	"budgetline/internal/domain"
	"budgetline/internal/stage"
)

// Matrix is the static permission lookup built from the RBAC section of
// budgetline.yml. It holds no mutable state; rebuilding it is the only way
// to change permissions.
type Matrix struct {
	profiles map[domain.Profile]config.ProfileConfig
}

// New builds the matrix from config.
func New(cfg *config.Config) *Matrix {
	m := &Matrix{profiles: make(map[domain.Profile]config.ProfileConfig, len(cfg.RBAC.Profiles))}
	for name, p := range cfg.RBAC.Profiles {
		m.profiles[domain.Profile(name)] = p
	}
	return m
}

// allRoles lists every hierarchical role, for the admin "*" expansion.
var allRoles = []string{
	domain.RoleDG,
	domain.RoleCB,
	domain.RoleOrdonnateur,
	domain.RoleTresorerie,
}

// IsAuthorized reports whether the actor may perform action on entityType.
// The admin profile is authorized for every action unconditionally; that
// override lives here, not in callers.
func (m *Matrix) IsAuthorized(actor domain.Actor, entityType string, action domain.Action) bool {
	if actor.Profile == domain.ProfileAdmin {
		return true
	}
	p, ok := m.profiles[actor.Profile]
	if !ok {
		return false
	}
	for _, entity := range []string{entityType, "*"} {
		for _, a := range p.Actions[entity] {
			if a == "*" || a == string(action) {
				return true
			}
		}
	}
	return false
}

// ValidatorsFor returns the functional profiles allowed to validate the
// given entity type.
func (m *Matrix) ValidatorsFor(entityType string) map[domain.Profile]bool {
	out := map[domain.Profile]bool{}
	for name := range m.profiles {
		if m.IsAuthorized(domain.Actor{Profile: name}, entityType, domain.ActionValidate) {
			out[name] = true
		}
	}
	return out
}

// AccessibleRoutes returns the read-path routes granted to the actor.
// Route gating belongs to the surrounding application; the engine never
// consults this.
func (m *Matrix) AccessibleRoutes(actor domain.Actor) []string {
	p, ok := m.profiles[actor.Profile]
	if !ok {
		return nil
	}
	for _, r := range p.Routes {
		if r == "*" {
			return []string{"*"}
		}
	}
	out := make([]string, len(p.Routes))
	copy(out, p.Routes)
	return out
}

// ExpandRoles resolves a functional profile to the hierarchical roles it
// carries. The expansion table is configuration; admin (or any profile
// granted "*") expands to every role.
func (m *Matrix) ExpandRoles(profile domain.Profile) []string {
	p, ok := m.profiles[profile]
	if !ok {
		return nil
	}
	for _, r := range p.Roles {
		if r == "*" {
			out := make([]string, len(allRoles))
			copy(out, allRoles)
			return out
		}
	}
	out := make([]string, len(p.Roles))
	copy(out, p.Roles)
	return out
}

// CanUserAct reports whether the actor's combined role set (explicit role
// plus profile expansion) satisfies the validation role of the given stage.
func (m *Matrix) CanUserAct(actor domain.Actor, s domain.Stage) bool {
	required := stage.For(s).ValidationRole
	if required == "" {
		return false
	}
	if actor.Profile == domain.ProfileAdmin {
		return true
	}
	if actor.Role == required {
		return true
	}
	for _, r := range m.ExpandRoles(actor.Profile) {
		if r == required {
			return true
		}
	}
	return false
}
