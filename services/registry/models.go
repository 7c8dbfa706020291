package registry

import (
	"time"

	"github.com/quillpay/platform/libs/datastore"
)

// Brand groups tenants commercially; optional.
type Brand struct {
	ID        string              `bson:"_id" json:"id"`
	Code      string              `bson:"code" json:"code"`
	Name      string              `bson:"name" json:"name"`
	Active    bool                `bson:"active" json:"active"`
	Metadata  datastore.Metadata  `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt time.Time           `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time           `bson:"updatedAt" json:"updatedAt"`
}

// Tenant scopes every entity in the platform.
type Tenant struct {
	ID        string              `bson:"_id" json:"id"`
	Code      string              `bson:"code" json:"code"`
	Name      string              `bson:"name" json:"name"`
	BrandID   string              `bson:"brandId,omitempty" json:"brandId,omitempty"`
	Active    bool                `bson:"active" json:"active"`
	Metadata  datastore.Metadata  `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt time.Time           `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time           `bson:"updatedAt" json:"updatedAt"`
}

// ConfigEntry is one stored configuration value with optional brand and
// tenant scope. Precedence on read is handled by the service, not here.
type ConfigEntry struct {
	ID             string      `bson:"_id" json:"id"`
	Service        string      `bson:"service" json:"service"`
	Brand          string      `bson:"brand,omitempty" json:"brand,omitempty"`
	Tenant         string      `bson:"tenant,omitempty" json:"tenant,omitempty"`
	Key            string      `bson:"key" json:"key"`
	Value          interface{} `bson:"value" json:"value"`
	SensitivePaths []string    `bson:"sensitivePaths,omitempty" json:"sensitivePaths,omitempty"`
	CreatedAt      time.Time   `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time   `bson:"updatedAt" json:"updatedAt"`
}

// RoleAssignment binds a role to a user within an optional context scope.
type RoleAssignment struct {
	Role       string     `bson:"role" json:"role"`
	Context    *RoleScope `bson:"context,omitempty" json:"context,omitempty"`
	AssignedAt time.Time  `bson:"assignedAt" json:"assignedAt"`
	AssignedBy string     `bson:"assignedBy,omitempty" json:"assignedBy,omitempty"`
	ExpiresAt  *time.Time `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	Active     bool       `bson:"active" json:"active"`
}

// RoleScope narrows a role assignment to a brand, tenant or resource.
type RoleScope struct {
	Brand    string `bson:"brand,omitempty" json:"brand,omitempty"`
	Tenant   string `bson:"tenant,omitempty" json:"tenant,omitempty"`
	Resource string `bson:"resource,omitempty" json:"resource,omitempty"`
}

// Role carries a named permission set with inheritance.
type Role struct {
	Name        string   `bson:"_id" json:"name"`
	DisplayName string   `bson:"displayName" json:"displayName"`
	Description string   `bson:"description,omitempty" json:"description,omitempty"`
	Permissions []string `bson:"permissions" json:"permissions"`
	Inherits    []string `bson:"inherits,omitempty" json:"inherits,omitempty"`
	Priority    int      `bson:"priority" json:"priority"`
	Active      bool     `bson:"active" json:"active"`
}

// User statuses
const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
	UserStatusClosed    = "closed"
)

// User is the identity record. Email is normalized and unique per tenant.
type User struct {
	ID               string             `bson:"_id" json:"id"`
	TenantID         string             `bson:"tenantId" json:"tenantId"`
	Email            string             `bson:"email" json:"email"`
	Phone            string             `bson:"phone,omitempty" json:"phone,omitempty"`
	PasswordHash     string             `bson:"passwordHash,omitempty" json:"-"`
	Roles            []RoleAssignment   `bson:"roles,omitempty" json:"roles,omitempty"`
	Permissions      []string           `bson:"permissions,omitempty" json:"permissions,omitempty"`
	TwoFactorSecret  string             `bson:"twoFactorSecret,omitempty" json:"-"`
	TwoFactorEnabled bool               `bson:"twoFactorEnabled" json:"twoFactorEnabled"`
	Metadata         datastore.Metadata `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Status           string             `bson:"status" json:"status"`
	CreatedAt        time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// metadata keys tracked on users
const (
	// MetaHasMadeFirstDeposit - set when the first deposit completes
	MetaHasMadeFirstDeposit = "hasMadeFirstDeposit"
	// MetaHasMadeFirstPurchase - set when the first purchase completes
	MetaHasMadeFirstPurchase = "hasMadeFirstPurchase"
	// MetaBackupCodes - hashed 2fa backup codes
	MetaBackupCodes = "backupCodes"
	// MetaTier - loyalty tier assigned to the user
	MetaTier = "tier"
	// MetaCountry - ISO 3166 country code from onboarding
	MetaCountry = "country"
	// MetaBirthDate - date of birth in YYYY-MM-DD form
	MetaBirthDate = "birthDate"
	// MetaVerified - set when identity verification completes
	MetaVerified = "verified"
)
