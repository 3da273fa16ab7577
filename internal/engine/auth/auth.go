package auth

import (
	"fmt"
	"sort"

	"shipyard/internal/config"
)

// All grants every permission.
const All = "all"

const (
	CertsView      = "certs_view"
	CertsEdit      = "certs_edit"
	CertsOverride  = "certs_override"
	CertsBounty    = "certs_bounty"
	CertsAdmin     = "certs_admin"
	AssignView     = "assign_view"
	AssignEdit     = "assign_edit"
	AssignOverride = "assign_override"
	ReviewsView    = "reviews_view"
	ReviewsEdit    = "reviews_edit"
	SpotCheck      = "spot_check"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Policy resolves a role to its effective permissions.
type Policy struct {
	Roles   map[string][]string
	Implies map[string][]string
}

func FromConfig(cfg *config.Config) Policy {
	p := Policy{Roles: map[string][]string{}, Implies: map[string][]string{}}
	if cfg == nil {
		return p
	}
	for id, role := range cfg.RBAC.Roles {
		p.Roles[id] = role.Permissions
	}
	for perm, implied := range cfg.RBAC.Implies {
		p.Implies[perm] = implied
	}
	return p
}

// Set is an expanded permission set.
type Set map[string]bool

func (s Set) Has(perm string) bool {
	return s[All] || s[perm]
}

// Require returns ForbiddenError when perm is missing.
func (s Set) Require(perm string) error {
	if !s.Has(perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

func (s Set) List() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Permissions expands a role through the implies graph. Unknown roles have no permissions.
func (p Policy) Permissions(role string) Set {
	set := Set{}
	queue := append([]string(nil), p.Roles[role]...)
	for len(queue) > 0 {
		perm := queue[0]
		queue = queue[1:]
		if set[perm] {
			continue
		}
		set[perm] = true
		queue = append(queue, p.Implies[perm]...)
	}
	return set
}
