package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/jsonutils"
	"github.com/quillpay/platform/libs/logging"
)

const (
	brandTenantCacheTTL = time.Hour
	cachePurgeInterval  = 10 * time.Minute
)

// ConfigScope narrows a config lookup to a brand and/or tenant
type ConfigScope struct {
	Brand  string
	Tenant string
}

// Service exposes the identity and config substrate
type Service struct {
	Datastore Datastore

	cache *cache.Cache

	mu       sync.RWMutex
	defaults map[string]map[string]interface{} // service -> key -> default
}

// NewService creates the registry service
func NewService(ds Datastore) *Service {
	return &Service{
		Datastore: ds,
		cache:     cache.New(brandTenantCacheTTL, cachePurgeInterval),
		defaults:  map[string]map[string]interface{}{},
	}
}

// NormalizeEmail lowercases and trims an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// GetBrand resolves a brand by canonical id or unique code
func (s *Service) GetBrand(ctx context.Context, idOrCode string) (*Brand, error) {
	if v, ok := s.cache.Get("brand:" + idOrCode); ok {
		return v.(*Brand), nil
	}

	brand, err := s.Datastore.GetBrandByID(ctx, idOrCode)
	if errorutils.IsNotFound(err) {
		brand, err = s.Datastore.GetBrandByCode(ctx, idOrCode)
	}
	if err != nil {
		return nil, err
	}

	s.cache.SetDefault("brand:"+brand.ID, brand)
	s.cache.SetDefault("brand:"+brand.Code, brand)
	return brand, nil
}

// GetTenant resolves a tenant by canonical id or unique code
func (s *Service) GetTenant(ctx context.Context, idOrCode string) (*Tenant, error) {
	if v, ok := s.cache.Get("tenant:" + idOrCode); ok {
		return v.(*Tenant), nil
	}

	tenant, err := s.Datastore.GetTenantByID(ctx, idOrCode)
	if errorutils.IsNotFound(err) {
		tenant, err = s.Datastore.GetTenantByCode(ctx, idOrCode)
	}
	if err != nil {
		return nil, err
	}

	s.cache.SetDefault("tenant:"+tenant.ID, tenant)
	s.cache.SetDefault("tenant:"+tenant.Code, tenant)
	return tenant, nil
}

// Invalidate drops cached brands/tenants by id, code or "all"
func (s *Service) Invalidate(key string) {
	if key == "all" {
		s.cache.Flush()
		return
	}
	s.cache.Delete("brand:" + key)
	s.cache.Delete("tenant:" + key)
}

// RegisterDefaults registers the known tunables for a service so
// introspection lists every key even when nothing is stored.
func (s *Service) RegisterDefaults(service string, defaults map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.defaults[service]
	if !ok {
		existing = map[string]interface{}{}
		s.defaults[service] = existing
	}
	for k, v := range defaults {
		existing[k] = v
	}
}

// GetConfig walks the precedence chain and returns the first value found:
// (service,brand,tenant) > (service,tenant) > (service,brand) > (service) >
// registered defaults. Values are returned as decoded JSON.
func (s *Service) GetConfig(ctx context.Context, service, key string, scope ConfigScope) (jsonutils.Value, error) {
	type probe struct{ brand, tenant string }
	probes := []probe{}
	if scope.Brand != "" && scope.Tenant != "" {
		probes = append(probes, probe{scope.Brand, scope.Tenant})
	}
	if scope.Tenant != "" {
		probes = append(probes, probe{"", scope.Tenant})
	}
	if scope.Brand != "" {
		probes = append(probes, probe{scope.Brand, ""})
	}
	probes = append(probes, probe{"", ""})

	for _, p := range probes {
		entry, err := s.Datastore.GetConfigEntry(ctx, service, p.brand, p.tenant, key)
		if err == nil {
			return jsonutils.NewValue(entry.Value), nil
		}
		if !errorutils.IsNotFound(err) {
			return jsonutils.Value{}, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if defaults, ok := s.defaults[service]; ok {
		if v, ok := defaults[key]; ok {
			return jsonutils.NewValue(v), nil
		}
	}

	return jsonutils.Value{}, errorutils.NotFound("config not found: " + service + "." + key)
}

// SetConfig writes a config entry and logs the change
func (s *Service) SetConfig(ctx context.Context, entry *ConfigEntry) error {
	logger := logging.Logger(ctx, "registry.SetConfig")
	if entry.Service == "" || entry.Key == "" {
		return errorutils.Validation("service and key are required", nil)
	}
	if err := s.Datastore.SetConfigEntry(ctx, entry); err != nil {
		return err
	}
	logger.Info().Str("service", entry.Service).Str("key", entry.Key).Msg("config updated")
	return nil
}

// ConfigSummary is a redacted view of one config entry
type ConfigSummary struct {
	Service string      `json:"service"`
	Brand   string      `json:"brand,omitempty"`
	Tenant  string      `json:"tenant,omitempty"`
	Key     string      `json:"key"`
	Value   interface{} `json:"value"`
	Default bool        `json:"default,omitempty"`
}

// ListConfig lists stored entries for a service with sensitive paths
// redacted, followed by registered defaults with no stored override.
func (s *Service) ListConfig(ctx context.Context, service string) ([]ConfigSummary, error) {
	entries, err := s.Datastore.ListConfigEntries(ctx, service)
	if err != nil {
		return nil, err
	}

	summaries := make([]ConfigSummary, 0, len(entries))
	seen := map[string]bool{}
	for _, e := range entries {
		v := jsonutils.NewValue(e.Value).Redact(e.SensitivePaths)
		summaries = append(summaries, ConfigSummary{
			Service: e.Service,
			Brand:   e.Brand,
			Tenant:  e.Tenant,
			Key:     e.Key,
			Value:   v.Raw(),
		})
		seen[e.Key] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.defaults[service] {
		if !seen[k] {
			summaries = append(summaries, ConfigSummary{Service: service, Key: k, Value: v, Default: true})
		}
	}
	return summaries, nil
}

// GetUser fetches a user by canonical id
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.Datastore.GetUserByID(ctx, id)
}

// GetUserByEmail fetches a user by email within a tenant
func (s *Service) GetUserByEmail(ctx context.Context, tenantID, email string) (*User, error) {
	return s.Datastore.GetUserByEmail(ctx, tenantID, email)
}
