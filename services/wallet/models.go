// Package wallet projects user facing balance views over the ledger and
// drives deposit and withdrawal sagas against an external payment
// processor.
package wallet

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// View is the wallet projection for one user and currency. Balances come
// straight from the ledger; the lifetime stats are maintained here.
type View struct {
	UserID           string          `json:"userId"`
	TenantID         string          `json:"tenantId"`
	Currency         string          `json:"currency"`
	RealBalance      decimal.Decimal `json:"realBalance"`
	BonusBalance     decimal.Decimal `json:"bonusBalance"`
	LockedAmount     decimal.Decimal `json:"lockedAmount"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	TotalDeposited   decimal.Decimal `json:"totalDeposited"`
	TotalWithdrawn   decimal.Decimal `json:"totalWithdrawn"`
	DepositCount     int             `json:"depositCount"`
	WithdrawalCount  int             `json:"withdrawalCount"`
	LastActivityAt   *time.Time      `json:"lastActivityAt,omitempty"`
}

// Stats is the persisted lifetime counter record per user and currency
type Stats struct {
	ID              string          `bson:"_id" json:"-"`
	UserID          string          `bson:"userId" json:"userId"`
	TenantID        string          `bson:"tenantId" json:"tenantId"`
	Currency        string          `bson:"currency" json:"currency"`
	TotalDeposited  decimal.Decimal `bson:"totalDeposited" json:"totalDeposited"`
	TotalWithdrawn  decimal.Decimal `bson:"totalWithdrawn" json:"totalWithdrawn"`
	DepositCount    int             `bson:"depositCount" json:"depositCount"`
	WithdrawalCount int             `bson:"withdrawalCount" json:"withdrawalCount"`
	LastActivityAt  time.Time       `bson:"lastActivityAt" json:"lastActivityAt"`
	UpdatedAt       time.Time       `bson:"updatedAt" json:"updatedAt"`
}

// DepositParams describes one deposit request. IdempotencyKey, when the
// caller supplies one, pins the saga id so a redelivered request
// converges on the already posted transaction instead of charging and
// crediting again.
type DepositParams struct {
	TenantID       string                 `json:"tenantId"`
	UserID         string                 `json:"userId"`
	Amount         decimal.Decimal        `json:"amount"`
	Currency       string                 `json:"currency"`
	Method         string                 `json:"method,omitempty"`
	ProviderRef    string                 `json:"providerRef,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// WithdrawParams describes one withdrawal request
type WithdrawParams struct {
	TenantID       string                 `json:"tenantId"`
	UserID         string                 `json:"userId"`
	Amount         decimal.Decimal        `json:"amount"`
	Currency       string                 `json:"currency"`
	Method         string                 `json:"method,omitempty"`
	Destination    string                 `json:"destination,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Processor is the external payment processor boundary. Provider
// specific adapters live outside the core.
type Processor interface {
	// Charge collects the deposit amount, returning the provider's
	// transaction reference
	Charge(ctx context.Context, params DepositParams) (string, error)
	// Refund returns a charged amount to the payer
	Refund(ctx context.Context, providerRef string) error
	// Payout sends the withdrawal amount out, returning the provider's
	// transaction reference
	Payout(ctx context.Context, params WithdrawParams) (string, error)
}

// SagaResult is the envelope money mutating operations return
type SagaResult struct {
	Success         bool        `json:"success"`
	SagaID          string      `json:"sagaId"`
	Transaction     interface{} `json:"transaction,omitempty"`
	Errors          []string    `json:"errors,omitempty"`
	ExecutionTimeMs int64       `json:"executionTimeMs"`
}
