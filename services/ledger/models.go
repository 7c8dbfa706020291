// Package ledger implements the double entry money movement core. Every
// movement is a balanced transaction over lazily opened accounts; balances
// are materialized and periodically reconciled against the log.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/quillpay/platform/libs/datastore"
	"github.com/shopspring/decimal"
)

// Account owner types
const (
	OwnerTypeUser   = "user"
	OwnerTypeSystem = "system"
)

// Well known system account subtypes
const (
	SubtypeMain      = "main"
	SubtypeBonus     = "bonus"
	SubtypeBonusPool = "bonus_pool"
	SubtypeFloat     = "float"
	SubtypeProvider  = "provider"
)

// AccountID derives the deterministic account id for an owner tuple. Two
// callers opening the same logical account always compute the same id, so
// lazy open cannot race into duplicates.
func AccountID(ownerType, ownerID, subtype, currency string) string {
	sum := sha256.Sum256([]byte(ownerType + "|" + ownerID + "|" + subtype + "|" + currency))
	return hex.EncodeToString(sum[:])[:24]
}

// Account is one ledger account. Balance is materialized from postings;
// the transaction log is the source of truth.
type Account struct {
	ID            string              `bson:"_id" json:"id"`
	TenantID      string              `bson:"tenantId" json:"tenantId"`
	OwnerType     string              `bson:"ownerType" json:"ownerType"`
	OwnerID       string              `bson:"ownerId" json:"ownerId"`
	Subtype       string              `bson:"subtype" json:"subtype"`
	Currency      string              `bson:"currency" json:"currency"`
	Balance       decimal.Decimal     `bson:"balance" json:"balance"`
	AllowNegative bool                `bson:"allowNegative" json:"allowNegative"`
	CreditLimit   *decimal.Decimal    `bson:"creditLimit,omitempty" json:"creditLimit,omitempty"`
	Metadata      datastore.Metadata  `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt     time.Time           `bson:"createdAt" json:"createdAt"`
	UpdatedAt     time.Time           `bson:"updatedAt" json:"updatedAt"`
}

// Entry directions
const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"
)

// Entry is one side of a transaction. Amount is always positive; the
// direction carries the sign.
type Entry struct {
	AccountID string          `bson:"accountId" json:"accountId"`
	Direction string          `bson:"direction" json:"direction"`
	Amount    decimal.Decimal `bson:"amount" json:"amount"`
	Currency  string          `bson:"currency" json:"currency"`
}

// Signed returns the balance delta this entry applies
func (e Entry) Signed() decimal.Decimal {
	if e.Direction == DirectionDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Transaction types
const (
	TxnTypeTransfer   = "transfer"
	TxnTypeReversal   = "reversal"
	TxnTypeConversion = "conversion"
	TxnTypeCapture    = "capture"
)

// Transaction statuses
const (
	TxnStatusCommitted = "committed"
	TxnStatusReversed  = "reversed"
)

// Transaction is one committed double entry posting. Entries always
// balance per currency. Never deleted; reversal appends an opposing
// transaction and flips Status.
type Transaction struct {
	ID           string              `bson:"_id" json:"id"`
	TenantID     string              `bson:"tenantId" json:"tenantId"`
	Type         string              `bson:"type" json:"type"`
	Status       string              `bson:"status" json:"status"`
	Entries      []Entry             `bson:"entries" json:"entries"`
	ExternalRef  string              `bson:"externalRef,omitempty" json:"externalRef,omitempty"`
	ExchangeRate *decimal.Decimal    `bson:"exchangeRate,omitempty" json:"exchangeRate,omitempty"`
	ReversalOf   string              `bson:"reversalOf,omitempty" json:"reversalOf,omitempty"`
	Description  string              `bson:"description,omitempty" json:"description,omitempty"`
	Metadata     datastore.Metadata  `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt    time.Time           `bson:"createdAt" json:"createdAt"`
}

// Hold statuses
const (
	HoldStatusActive   = "active"
	HoldStatusCaptured = "captured"
	HoldStatusReleased = "released"
	HoldStatusExpired  = "expired"
)

// Hold earmarks part of an account's balance without moving it
type Hold struct {
	ID        string          `bson:"_id" json:"id"`
	TenantID  string          `bson:"tenantId" json:"tenantId"`
	AccountID string          `bson:"accountId" json:"accountId"`
	Amount    decimal.Decimal `bson:"amount" json:"amount"`
	Currency  string          `bson:"currency" json:"currency"`
	Reason    string          `bson:"reason,omitempty" json:"reason,omitempty"`
	Status    string          `bson:"status" json:"status"`
	ExpiresAt *time.Time      `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	CreatedAt time.Time       `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time       `bson:"updatedAt" json:"updatedAt"`
}

// Balance is the balance view returned to callers
type Balance struct {
	AccountID        string          `json:"accountId"`
	Currency         string          `json:"currency"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	PendingIn        decimal.Decimal `json:"pendingIn"`
	PendingOut       decimal.Decimal `json:"pendingOut"`
}
