package registry

import (
	"context"
	"errors"
	"time"

	"github.com/quillpay/platform/libs/datastore"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	uuid "github.com/satori/go.uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	brandsCollection  = "brands"
	tenantsCollection = "tenants"
	configCollection  = "config_entries"
	usersCollection   = "users"
	rolesCollection   = "roles"
)

// Datastore abstracts over the underlying registry storage
type Datastore interface {
	GetBrandByID(ctx context.Context, id string) (*Brand, error)
	GetBrandByCode(ctx context.Context, code string) (*Brand, error)
	UpsertBrand(ctx context.Context, brand *Brand) error
	GetTenantByID(ctx context.Context, id string) (*Tenant, error)
	GetTenantByCode(ctx context.Context, code string) (*Tenant, error)
	UpsertTenant(ctx context.Context, tenant *Tenant) error

	GetConfigEntry(ctx context.Context, service, brand, tenant, key string) (*ConfigEntry, error)
	SetConfigEntry(ctx context.Context, entry *ConfigEntry) error
	ListConfigEntries(ctx context.Context, service string) ([]ConfigEntry, error)

	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, tenantID, email string) (*User, error)
	InsertUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	UpdateUserMetadata(ctx context.Context, id string, set datastore.Metadata) error

	GetRole(ctx context.Context, name string) (*Role, error)
	UpsertRole(ctx context.Context, role *Role) error
	ListRoles(ctx context.Context) ([]Role, error)
}

// MongoStore is the mongo backed registry datastore, living in the core
// service database regardless of the per-service strategy.
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore creates the store and ensures its indexes
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{db: db}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	if _, err := s.db.Collection(brandsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "code", Value: 1}}, Options: unique,
	}); err != nil {
		return err
	}
	if _, err := s.db.Collection(tenantsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "code", Value: 1}}, Options: unique,
	}); err != nil {
		return err
	}
	if _, err := s.db.Collection(configCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "service", Value: 1}, {Key: "brand", Value: 1}, {Key: "tenant", Value: 1}, {Key: "key", Value: 1}},
		Options: unique,
	}); err != nil {
		return err
	}
	_, err := s.db.Collection(usersCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tenantId", Value: 1}, {Key: "email", Value: 1}},
		Options: unique,
	})
	return err
}

func (s *MongoStore) findOne(ctx context.Context, coll string, filter bson.M, out interface{}) error {
	err := s.db.Collection(coll).FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return errorutils.NotFound(coll + " not found")
	}
	return err
}

// GetBrandByID fetches a brand by canonical id
func (s *MongoStore) GetBrandByID(ctx context.Context, id string) (*Brand, error) {
	var b Brand
	if err := s.findOne(ctx, brandsCollection, bson.M{"_id": id}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBrandByCode fetches a brand by its unique code
func (s *MongoStore) GetBrandByCode(ctx context.Context, code string) (*Brand, error) {
	var b Brand
	if err := s.findOne(ctx, brandsCollection, bson.M{"code": code}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// UpsertBrand writes a brand, assigning an id when absent
func (s *MongoStore) UpsertBrand(ctx context.Context, brand *Brand) error {
	now := time.Now().UTC()
	if brand.ID == "" {
		brand.ID = uuid.NewV4().String()
		brand.CreatedAt = now
	}
	brand.UpdatedAt = now
	_, err := s.db.Collection(brandsCollection).ReplaceOne(ctx,
		bson.M{"_id": brand.ID}, brand, options.Replace().SetUpsert(true))
	return err
}

// GetTenantByID fetches a tenant by canonical id
func (s *MongoStore) GetTenantByID(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	if err := s.findOne(ctx, tenantsCollection, bson.M{"_id": id}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTenantByCode fetches a tenant by its unique code
func (s *MongoStore) GetTenantByCode(ctx context.Context, code string) (*Tenant, error) {
	var t Tenant
	if err := s.findOne(ctx, tenantsCollection, bson.M{"code": code}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertTenant writes a tenant, assigning an id when absent
func (s *MongoStore) UpsertTenant(ctx context.Context, tenant *Tenant) error {
	now := time.Now().UTC()
	if tenant.ID == "" {
		tenant.ID = uuid.NewV4().String()
		tenant.CreatedAt = now
	}
	tenant.UpdatedAt = now
	_, err := s.db.Collection(tenantsCollection).ReplaceOne(ctx,
		bson.M{"_id": tenant.ID}, tenant, options.Replace().SetUpsert(true))
	return err
}

// GetConfigEntry fetches the entry at exactly the given scope, empty brand
// and tenant meaning the service-wide entry.
func (s *MongoStore) GetConfigEntry(ctx context.Context, service, brand, tenant, key string) (*ConfigEntry, error) {
	var e ConfigEntry
	filter := bson.M{"service": service, "key": key, "brand": brand, "tenant": tenant}
	if err := s.findOne(ctx, configCollection, filter, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// SetConfigEntry upserts a config entry at its scope
func (s *MongoStore) SetConfigEntry(ctx context.Context, entry *ConfigEntry) error {
	now := time.Now().UTC()
	if entry.ID == "" {
		entry.ID = uuid.NewV4().String()
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	_, err := s.db.Collection(configCollection).ReplaceOne(ctx,
		bson.M{"service": entry.Service, "key": entry.Key, "brand": entry.Brand, "tenant": entry.Tenant},
		entry, options.Replace().SetUpsert(true))
	return err
}

// ListConfigEntries lists every stored entry for a service
func (s *MongoStore) ListConfigEntries(ctx context.Context, service string) ([]ConfigEntry, error) {
	cur, err := s.db.Collection(configCollection).Find(ctx, bson.M{"service": service})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var entries []ConfigEntry
	if err := cur.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetUserByID fetches a user by canonical id
func (s *MongoStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	if err := s.findOne(ctx, usersCollection, bson.M{"_id": id}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail fetches a user by normalized email within a tenant
func (s *MongoStore) GetUserByEmail(ctx context.Context, tenantID, email string) (*User, error) {
	var u User
	if err := s.findOne(ctx, usersCollection, bson.M{"tenantId": tenantID, "email": NormalizeEmail(email)}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// InsertUser writes a new user
func (s *MongoStore) InsertUser(ctx context.Context, user *User) error {
	now := time.Now().UTC()
	if user.ID == "" {
		user.ID = uuid.NewV4().String()
	}
	user.Email = NormalizeEmail(user.Email)
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.Status == "" {
		user.Status = UserStatusActive
	}
	_, err := s.db.Collection(usersCollection).InsertOne(ctx, user)
	if datastore.IsDuplicateKey(err) {
		return errorutils.Conflict("user already exists for tenant", nil)
	}
	return err
}

// UpdateUser replaces a user document
func (s *MongoStore) UpdateUser(ctx context.Context, user *User) error {
	user.UpdatedAt = time.Now().UTC()
	res, err := s.db.Collection(usersCollection).ReplaceOne(ctx, bson.M{"_id": user.ID}, user)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errorutils.NotFound("user not found")
	}
	return nil
}

// UpdateUserMetadata sets metadata keys on a user without replacing the document
func (s *MongoStore) UpdateUserMetadata(ctx context.Context, id string, set datastore.Metadata) error {
	sets := bson.M{"updatedAt": time.Now().UTC()}
	for k, v := range set {
		sets["metadata."+k] = v
	}
	res, err := s.db.Collection(usersCollection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": sets})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errorutils.NotFound("user not found")
	}
	return nil
}

// GetRole fetches a role by name
func (s *MongoStore) GetRole(ctx context.Context, name string) (*Role, error) {
	var r Role
	if err := s.findOne(ctx, rolesCollection, bson.M{"_id": name}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertRole writes a role
func (s *MongoStore) UpsertRole(ctx context.Context, role *Role) error {
	_, err := s.db.Collection(rolesCollection).ReplaceOne(ctx,
		bson.M{"_id": role.Name}, role, options.Replace().SetUpsert(true))
	return err
}

// ListRoles lists every role
func (s *MongoStore) ListRoles(ctx context.Context) ([]Role, error) {
	cur, err := s.db.Collection(rolesCollection).Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var roles []Role
	if err := cur.All(ctx, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}
