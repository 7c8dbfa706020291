package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quillpay/platform/libs/datastore"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/services/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistryStore backs the registry service for auth tests
type fakeRegistryStore struct {
	mu    sync.Mutex
	users map[string]*registry.User
	roles map[string]*registry.Role
}

func newFakeRegistryStore() *fakeRegistryStore {
	return &fakeRegistryStore{
		users: map[string]*registry.User{},
		roles: map[string]*registry.Role{},
	}
}

func (s *fakeRegistryStore) GetBrandByID(context.Context, string) (*registry.Brand, error) {
	return nil, errorutils.NotFound("brand not found")
}

func (s *fakeRegistryStore) GetBrandByCode(context.Context, string) (*registry.Brand, error) {
	return nil, errorutils.NotFound("brand not found")
}

func (s *fakeRegistryStore) UpsertBrand(context.Context, *registry.Brand) error { return nil }

func (s *fakeRegistryStore) GetTenantByID(context.Context, string) (*registry.Tenant, error) {
	return nil, errorutils.NotFound("tenant not found")
}

func (s *fakeRegistryStore) GetTenantByCode(context.Context, string) (*registry.Tenant, error) {
	return nil, errorutils.NotFound("tenant not found")
}

func (s *fakeRegistryStore) UpsertTenant(context.Context, *registry.Tenant) error { return nil }

func (s *fakeRegistryStore) GetConfigEntry(context.Context, string, string, string, string) (*registry.ConfigEntry, error) {
	return nil, errorutils.NotFound("config not found")
}

func (s *fakeRegistryStore) SetConfigEntry(context.Context, *registry.ConfigEntry) error { return nil }

func (s *fakeRegistryStore) ListConfigEntries(context.Context, string) ([]registry.ConfigEntry, error) {
	return nil, nil
}

func (s *fakeRegistryStore) GetUserByID(_ context.Context, id string) (*registry.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, errorutils.NotFound("user not found")
	}
	cp := *user
	return &cp, nil
}

func (s *fakeRegistryStore) GetUserByEmail(_ context.Context, tenantID, email string) (*registry.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.TenantID == tenantID && user.Email == registry.NormalizeEmail(email) {
			cp := *user
			return &cp, nil
		}
	}
	return nil, errorutils.NotFound("user not found")
}

func (s *fakeRegistryStore) InsertUser(_ context.Context, user *registry.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *fakeRegistryStore) UpdateUser(_ context.Context, user *registry.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return errorutils.NotFound("user not found")
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *fakeRegistryStore) UpdateUserMetadata(_ context.Context, id string, set datastore.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return errorutils.NotFound("user not found")
	}
	if user.Metadata == nil {
		user.Metadata = datastore.Metadata{}
	}
	for k, v := range set {
		user.Metadata[k] = v
	}
	return nil
}

func (s *fakeRegistryStore) GetRole(_ context.Context, name string) (*registry.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[name]
	if !ok {
		return nil, errorutils.NotFound("role not found")
	}
	cp := *role
	return &cp, nil
}

func (s *fakeRegistryStore) UpsertRole(_ context.Context, role *registry.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *role
	s.roles[role.Name] = &cp
	return nil
}

func (s *fakeRegistryStore) ListRoles(context.Context) ([]registry.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var roles []registry.Role
	for _, role := range s.roles {
		roles = append(roles, *role)
	}
	return roles, nil
}

func TestPermissionMatches(t *testing.T) {
	tests := []struct {
		granted, required string
		want              bool
	}{
		{"*:*:*", "wallets:read:own", true},
		{"wallets:read:own", "wallets:read:own", true},
		{"wallets:*:own", "wallets:read:own", true},
		{"wallets:*:own", "wallets:withdraw:own", true},
		{"wallets:*:own", "wallets:read:any", false},
		{"wallets:read:*", "wallets:read:any", true},
		{"bonuses:read:own", "wallets:read:own", false},
		// segment counts must line up
		{"wallets:read", "wallets:read:own", false},
		{"wallets:read:own:extra", "wallets:read:own", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, PermissionMatches(tc.granted, tc.required),
			"%s covering %s", tc.granted, tc.required)
	}
}

func TestHasPermission(t *testing.T) {
	granted := []string{"bonuses:read:own", "wallets:*:own"}

	assert.True(t, HasPermission(granted, "wallets:withdraw:own"))
	assert.True(t, HasPermission(granted, "bonuses:read:own"))
	assert.False(t, HasPermission(granted, "wallets:read:any"))
	assert.False(t, HasPermission(nil, "wallets:read:own"))
}

func TestScopeCovers(t *testing.T) {
	req := RequestScope{Brand: "acme", Tenant: "acme-uk", Resource: "wallets"}

	assert.True(t, scopeCovers(nil, req))
	assert.True(t, scopeCovers(&registry.RoleScope{}, req))
	assert.True(t, scopeCovers(&registry.RoleScope{Brand: "acme"}, req))
	assert.True(t, scopeCovers(&registry.RoleScope{Tenant: "acme-uk", Resource: "wallets"}, req))
	assert.False(t, scopeCovers(&registry.RoleScope{Brand: "other"}, req))
	assert.False(t, scopeCovers(&registry.RoleScope{Tenant: "acme-de"}, req))
	assert.False(t, scopeCovers(&registry.RoleScope{Resource: "ledger"}, req))
}

func TestActiveAssignment(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, activeAssignment(registry.RoleAssignment{Active: true}, now))
	assert.True(t, activeAssignment(registry.RoleAssignment{Active: true, ExpiresAt: &future}, now))
	assert.False(t, activeAssignment(registry.RoleAssignment{Active: false}, now))
	assert.False(t, activeAssignment(registry.RoleAssignment{Active: true, ExpiresAt: &past}, now))
}

func TestResolvePermissions(t *testing.T) {
	store := newFakeRegistryStore()
	svc := NewService(registry.NewService(store), nil, nil, nil, "platform")
	ctx := context.Background()

	require.NoError(t, store.UpsertRole(ctx, &registry.Role{
		Name: "admin", Active: true,
		Permissions: []string{"users:*:any"},
		Inherits:    []string{"support"},
	}))
	require.NoError(t, store.UpsertRole(ctx, &registry.Role{
		Name: "support", Active: true,
		Permissions: []string{"wallets:read:any"},
		// cycle back to admin must not loop
		Inherits: []string{"admin", "viewer"},
	}))
	require.NoError(t, store.UpsertRole(ctx, &registry.Role{
		Name: "viewer", Active: true,
		Permissions: []string{"bonuses:read:any"},
	}))
	require.NoError(t, store.UpsertRole(ctx, &registry.Role{
		Name: "disabled", Active: false,
		Permissions: []string{"ledger:write:any"},
	}))

	user := &registry.User{
		ID:          "user-1",
		Permissions: []string{"profile:read:own"},
		Roles: []registry.RoleAssignment{
			{Role: "admin", Active: true},
			{Role: "disabled", Active: true},
			{Role: "ghost", Active: true},
			{Role: "viewer", Active: false},
		},
	}

	perms, err := svc.ResolvePermissions(ctx, user, RequestScope{Tenant: "tenant-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"bonuses:read:any",
		"profile:read:own",
		"users:*:any",
		"wallets:read:any",
	}, perms)
}

func TestResolvePermissionsScopeFiltered(t *testing.T) {
	store := newFakeRegistryStore()
	svc := NewService(registry.NewService(store), nil, nil, nil, "platform")
	ctx := context.Background()

	require.NoError(t, store.UpsertRole(ctx, &registry.Role{
		Name: "uk-admin", Active: true, Permissions: []string{"users:*:any"},
	}))

	user := &registry.User{
		ID: "user-1",
		Roles: []registry.RoleAssignment{
			{Role: "uk-admin", Active: true, Context: &registry.RoleScope{Tenant: "acme-uk"}},
		},
	}

	perms, err := svc.ResolvePermissions(ctx, user, RequestScope{Tenant: "acme-uk"})
	require.NoError(t, err)
	assert.Equal(t, []string{"users:*:any"}, perms)

	perms, err = svc.ResolvePermissions(ctx, user, RequestScope{Tenant: "acme-de"})
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestResolveRoles(t *testing.T) {
	svc := NewService(registry.NewService(newFakeRegistryStore()), nil, nil, nil, "platform")
	past := time.Now().UTC().Add(-time.Hour)

	user := &registry.User{
		Roles: []registry.RoleAssignment{
			{Role: "support", Active: true},
			{Role: "admin", Active: true},
			{Role: "expired", Active: true, ExpiresAt: &past},
			{Role: "inactive", Active: false},
			{Role: "scoped", Active: true, Context: &registry.RoleScope{Tenant: "other"}},
		},
	}

	roles := svc.ResolveRoles(user, RequestScope{Tenant: "tenant-1"})
	assert.Equal(t, []string{"admin", "support"}, roles)
}
