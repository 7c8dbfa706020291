package auth

import (
	"context"
	"sort"
	"strings"
	"time"

	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/logging"
	"github.com/quillpay/platform/services/registry"
)

// RequestScope is the context a permission check runs in
type RequestScope struct {
	Brand    string
	Tenant   string
	Resource string
}

// scopeCovers reports whether an assignment context applies to the
// request scope. An empty assignment field is a wildcard; a set field
// must match exactly, so broader assignments cover narrower requests.
func scopeCovers(assignment *registry.RoleScope, req RequestScope) bool {
	if assignment == nil {
		return true
	}
	if assignment.Brand != "" && assignment.Brand != req.Brand {
		return false
	}
	if assignment.Tenant != "" && assignment.Tenant != req.Tenant {
		return false
	}
	if assignment.Resource != "" && assignment.Resource != req.Resource {
		return false
	}
	return true
}

// activeAssignment filters out disabled and expired role assignments
func activeAssignment(a registry.RoleAssignment, now time.Time) bool {
	if !a.Active {
		return false
	}
	if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
		return false
	}
	return true
}

// ResolvePermissions produces the user's effective permission set for a
// request scope: scope filtered assignments, transitive role inheritance
// and the user's direct permissions, unioned and sorted.
func (s *Service) ResolvePermissions(ctx context.Context, user *registry.User, scope RequestScope) ([]string, error) {
	now := time.Now().UTC()
	perms := map[string]bool{}
	for _, p := range user.Permissions {
		perms[p] = true
	}

	visited := map[string]bool{}
	queue := []string{}
	for _, a := range user.Roles {
		if activeAssignment(a, now) && scopeCovers(a.Context, scope) {
			queue = append(queue, a.Role)
		}
	}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true

		role, err := s.Registry.Datastore.GetRole(ctx, name)
		if errorutils.IsNotFound(err) {
			logging.Logger(ctx, "auth.ResolvePermissions").Warn().
				Str("role", name).Msg("assigned role does not exist")
			continue
		}
		if err != nil {
			return nil, err
		}
		if !role.Active {
			continue
		}
		for _, p := range role.Permissions {
			perms[p] = true
		}
		queue = append(queue, role.Inherits...)
	}

	out := make([]string, 0, len(perms))
	for p := range perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// ResolveRoles lists the role names effective for a request scope
func (s *Service) ResolveRoles(user *registry.User, scope RequestScope) []string {
	now := time.Now().UTC()
	var roles []string
	for _, a := range user.Roles {
		if activeAssignment(a, now) && scopeCovers(a.Context, scope) {
			roles = append(roles, a.Role)
		}
	}
	sort.Strings(roles)
	return roles
}

// PermissionMatches reports whether a granted permission covers a
// required one. Both are resource:action:scope tuples; "*" matches any
// value in its segment.
func PermissionMatches(granted, required string) bool {
	g := strings.Split(granted, ":")
	r := strings.Split(required, ":")
	if len(g) != len(r) {
		return false
	}
	for i := range g {
		if g[i] != "*" && g[i] != r[i] {
			return false
		}
	}
	return true
}

// HasPermission reports whether any granted permission covers the
// required one.
func HasPermission(granted []string, required string) bool {
	for _, g := range granted {
		if PermissionMatches(g, required) {
			return true
		}
	}
	return false
}
