// Package dbresolver maps (service, brand, tenant) tuples onto physical
// mongo database handles according to the configured strategy.
package dbresolver

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/quillpay/platform/libs/datastore"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/jsonutils"
	"github.com/quillpay/platform/libs/logging"
	"github.com/quillpay/platform/services/registry"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Strategy enumerates the supported database placement policies
type Strategy string

const (
	// StrategyShared - always the core database
	StrategyShared Strategy = "shared"
	// StrategyPerService - one database per service
	StrategyPerService Strategy = "per-service"
	// StrategyPerBrand - one database per brand
	StrategyPerBrand Strategy = "per-brand"
	// StrategyPerBrandService - one database per (brand, service)
	StrategyPerBrandService Strategy = "per-brand-service"
	// StrategyPerTenant - one database per tenant
	StrategyPerTenant Strategy = "per-tenant"
	// StrategyPerTenantService - one database per (tenant, service)
	StrategyPerTenantService Strategy = "per-tenant-service"
	// StrategyPerShard - hash tenants/brands onto a fixed shard count
	StrategyPerShard Strategy = "per-shard"
)

// CoreDatabase is the shared core database name
const CoreDatabase = "core_service"

const (
	configKeyDatabase  = "database"
	resolutionCacheTTL = time.Hour
	defaultNumShards   = 4
)

var sanitizeRE = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// sanitize makes an identifier safe for database name interpolation
func sanitize(s string) string {
	return sanitizeRE.ReplaceAllString(strings.ReplaceAll(s, "-", "_"), "")
}

// strategyPlaceholders lists the placeholders each strategy requires of a
// custom name template.
var strategyPlaceholders = map[Strategy][]string{
	StrategyShared:           {},
	StrategyPerService:       {"{service}"},
	StrategyPerBrand:         {"{brand}"},
	StrategyPerBrandService:  {"{brand}", "{service}"},
	StrategyPerTenant:        {"{tenant}"},
	StrategyPerTenantService: {"{tenant}", "{service}"},
	StrategyPerShard:         {"{service}"},
}

// Config is the per-service database placement configuration
type Config struct {
	Strategy       Strategy `json:"strategy"`
	DBNameTemplate string   `json:"dbNameTemplate,omitempty"`
	URITemplate    string   `json:"uriTemplate,omitempty"`
	NumShards      int      `json:"numShards,omitempty"`
}

// Validate checks the template carries every placeholder the strategy
// requires. Runs at startup so a bad template never surfaces at request
// time.
func (c Config) Validate() error {
	required, ok := strategyPlaceholders[c.Strategy]
	if !ok {
		// unknown strategies fall back at resolve time, nothing to validate
		return nil
	}
	for _, tpl := range []string{c.DBNameTemplate, c.URITemplate} {
		if tpl == "" {
			continue
		}
		for _, ph := range required {
			if !strings.Contains(tpl, ph) {
				return errorutils.NewKind(errorutils.KindFatal, nil,
					fmt.Sprintf("template %q missing required placeholder %s for strategy %s", tpl, ph, c.Strategy), nil)
			}
		}
	}
	return nil
}

// Resolution is a cached strategy decision
type Resolution struct {
	URI      string
	Database string
}

// Resolver maps tuples onto database handles, caching resolutions and
// lazily establishing one client per physical URI.
type Resolver struct {
	registry   *registry.Service
	defaultURI string

	cache *cache.Cache

	mu      sync.Mutex
	clients map[string]*mongo.Client
}

// NewResolver creates a resolver using the bootstrap uri for databases
// without an explicit uri template.
func NewResolver(reg *registry.Service, defaultURI string) *Resolver {
	return &Resolver{
		registry:   reg,
		defaultURI: defaultURI,
		cache:      cache.New(resolutionCacheTTL, 10*time.Minute),
		clients:    map[string]*mongo.Client{},
	}
}

// ValidateConfigs checks every stored database placement config for the
// given services. Called at startup so a bad template fails the boot,
// never a request.
func (r *Resolver) ValidateConfigs(ctx context.Context, services ...string) error {
	var errs errorutils.MultiError
	for _, service := range services {
		entries, err := r.registry.Datastore.ListConfigEntries(ctx, service)
		if err != nil {
			return errorutils.Wrap(err, "failed to list database configs for "+service)
		}
		for _, entry := range entries {
			if entry.Key != configKeyDatabase {
				continue
			}
			cfg := Config{Strategy: StrategyPerService}
			decodeConfig(jsonutils.NewValue(entry.Value), &cfg)
			if _, known := strategyPlaceholders[cfg.Strategy]; !known {
				// unknown strategies fall back at resolve time
				continue
			}
			if err := cfg.Validate(); err != nil {
				errs.Append(errorutils.Wrap(err, "invalid database config for "+service))
			}
		}
	}
	if errs.Count() > 0 {
		return &errs
	}
	return nil
}

// configFor loads the placement config for a service, falling back to
// per-service when nothing is stored.
func (r *Resolver) configFor(ctx context.Context, service, brand, tenant string) Config {
	logger := logging.Logger(ctx, "dbresolver.configFor")

	cfg := Config{Strategy: StrategyPerService}
	v, err := r.registry.GetConfig(ctx, service, configKeyDatabase, registry.ConfigScope{Brand: brand, Tenant: tenant})
	if err != nil {
		return cfg
	}
	decodeConfig(v, &cfg)

	if _, known := strategyPlaceholders[cfg.Strategy]; !known {
		logger.Warn().Str("service", service).Str("strategy", string(cfg.Strategy)).Msg("unknown database strategy, falling back to per-service")
		cfg.Strategy = StrategyPerService
		cfg.DBNameTemplate = ""
	}
	if cfg.NumShards <= 0 {
		cfg.NumShards = defaultNumShards
	}
	return cfg
}

func decodeConfig(v jsonutils.Value, cfg *Config) {
	if s, ok := v.At("strategy").String(); ok {
		cfg.Strategy = Strategy(s)
	}
	if s, ok := v.At("dbNameTemplate").String(); ok {
		cfg.DBNameTemplate = s
	}
	if s, ok := v.At("uriTemplate").String(); ok {
		cfg.URITemplate = s
	}
	if n, ok := v.At("numShards").Int64(); ok {
		cfg.NumShards = int(n)
	}
}

// DatabaseName computes the physical database name for a tuple under cfg
func DatabaseName(cfg Config, service, brand, tenant string) string {
	svc := sanitize(service)
	brd := sanitize(brand)
	tnt := sanitize(tenant)

	if cfg.DBNameTemplate != "" {
		out := cfg.DBNameTemplate
		out = strings.ReplaceAll(out, "{service}", svc)
		out = strings.ReplaceAll(out, "{brand}", brd)
		out = strings.ReplaceAll(out, "{tenant}", tnt)
		return out
	}

	switch cfg.Strategy {
	case StrategyShared:
		return CoreDatabase
	case StrategyPerBrand:
		return "brand_" + brd
	case StrategyPerBrandService:
		return "brand_" + brd + "_" + svc
	case StrategyPerTenant:
		return "tenant_" + tnt
	case StrategyPerTenantService:
		return "tenant_" + tnt + "_" + svc
	case StrategyPerShard:
		key := tenant
		if key == "" {
			key = brand
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(key))
		return fmt.Sprintf("%s_shard_%d", svc, h.Sum32()%uint32(cfg.NumShards))
	default: // per-service
		return svc
	}
}

// Resolve returns the database handle for the tuple. Resolutions are
// cached; the cache is invalidated on config change.
func (r *Resolver) Resolve(ctx context.Context, service, brand, tenant string) (*mongo.Database, error) {
	cacheKey := service + "|" + brand + "|" + tenant

	if v, ok := r.cache.Get(cacheKey); ok {
		res := v.(Resolution)
		client, err := r.clientFor(ctx, res.URI)
		if err != nil {
			return nil, err
		}
		return client.Database(res.Database), nil
	}

	cfg := r.configFor(ctx, service, brand, tenant)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dbName := DatabaseName(cfg, service, brand, tenant)
	uri := r.defaultURI
	if cfg.URITemplate != "" {
		uri = strings.ReplaceAll(cfg.URITemplate, "{service}", sanitize(service))
		uri = strings.ReplaceAll(uri, "{brand}", sanitize(brand))
		uri = strings.ReplaceAll(uri, "{tenant}", sanitize(tenant))
	}

	r.cache.SetDefault(cacheKey, Resolution{URI: uri, Database: dbName})

	client, err := r.clientFor(ctx, uri)
	if err != nil {
		return nil, err
	}
	return client.Database(dbName), nil
}

// Invalidate drops every cached resolution; called on config change
func (r *Resolver) Invalidate() {
	r.cache.Flush()
}

// clientFor lazily establishes one pooled client per physical uri
func (r *Resolver) clientFor(ctx context.Context, uri string) (*mongo.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[uri]; ok {
		return client, nil
	}

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(datastore.DefaultMaxPoolSize).
		SetRegistry(datastore.Registry()))
	if err != nil {
		return nil, errorutils.Upstream(err, "failed to connect to database", map[string]interface{}{"uri": "redacted"})
	}
	r.clients[uri] = client
	return client, nil
}

// Close disconnects every established client
func (r *Resolver) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs errorutils.MultiError
	for _, client := range r.clients {
		if err := client.Disconnect(ctx); err != nil {
			errs.Append(err)
		}
	}
	r.clients = map[string]*mongo.Client{}
	if errs.Count() > 0 {
		return &errs
	}
	return nil
}

// HealthCheck pings the default client when established
func (r *Resolver) HealthCheck(ctx context.Context) error {
	r.mu.Lock()
	client, ok := r.clients[r.defaultURI]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return client.Ping(ctx, readpref.Primary())
}
