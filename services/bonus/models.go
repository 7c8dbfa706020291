// Package bonus implements the template driven incentive engine: typed
// handlers run the eligibility, calculation and award pipeline against
// bonus templates, money moves through the ledger, and lifecycle changes
// emit domain events.
package bonus

import (
	"time"

	"github.com/quillpay/platform/libs/datastore"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/shopspring/decimal"
)

// Bonus types with shipped handlers. Deployments register additional
// handlers at startup.
const (
	TypeFirstDeposit  = "first_deposit"
	TypeWelcome       = "welcome"
	TypeReload        = "reload"
	TypeFirstPurchase = "first_purchase"
	TypeTournament    = "tournament"
	TypeLeaderboard   = "leaderboard"
	TypeReferral      = "referral"
	TypeCashback      = "cashback"
	TypeCustom        = "custom"
)

// Value types
const (
	ValueTypeFixed      = "fixed"
	ValueTypePercentage = "percentage"
	ValueTypeMultiplier = "multiplier"
	ValueTypeCredit     = "credit"
	ValueTypePoints     = "points"
)

// Eligibility constraints on a template
type Eligibility struct {
	Tiers                []string `bson:"tiers,omitempty" json:"tiers,omitempty"`
	Countries            []string `bson:"countries,omitempty" json:"countries,omitempty"`
	MinAge               int      `bson:"minAge,omitempty" json:"minAge,omitempty"`
	RequiresVerification bool     `bson:"requiresVerification,omitempty" json:"requiresVerification,omitempty"`
}

// ReferralConfig carries referral type specifics
type ReferralConfig struct {
	RefereeValue    decimal.Decimal `bson:"refereeValue" json:"refereeValue"`
	MinRefereeSpend decimal.Decimal `bson:"minRefereeSpend,omitempty" json:"minRefereeSpend,omitempty"`
}

// Template is a bonus definition. Code is unique per tenant.
type Template struct {
	ID                  string                     `bson:"_id" json:"id"`
	TenantID            string                     `bson:"tenantId" json:"tenantId"`
	Code                string                     `bson:"code" json:"code"`
	Name                string                     `bson:"name" json:"name"`
	Type                string                     `bson:"type" json:"type"`
	Domain              string                     `bson:"domain,omitempty" json:"domain,omitempty"`
	ValueType           string                     `bson:"valueType" json:"valueType"`
	Value               decimal.Decimal            `bson:"value" json:"value"`
	Currency            string                     `bson:"currency" json:"currency"`
	SupportedCurrencies []string                   `bson:"supportedCurrencies,omitempty" json:"supportedCurrencies,omitempty"`
	MaxValue            *decimal.Decimal           `bson:"maxValue,omitempty" json:"maxValue,omitempty"`
	MinDeposit          *decimal.Decimal           `bson:"minDeposit,omitempty" json:"minDeposit,omitempty"`
	TurnoverMultiplier  decimal.Decimal            `bson:"turnoverMultiplier" json:"turnoverMultiplier"`
	// ActivityContributions maps activity category to the percentage of
	// the activity amount that counts toward turnover; absent means 100.
	ActivityContributions map[string]decimal.Decimal `bson:"activityContributions,omitempty" json:"activityContributions,omitempty"`
	ValidFrom             time.Time                  `bson:"validFrom" json:"validFrom"`
	ValidUntil            time.Time                  `bson:"validUntil" json:"validUntil"`
	MaxUsesTotal          int                        `bson:"maxUsesTotal,omitempty" json:"maxUsesTotal,omitempty"`
	MaxUsesPerUser        int                        `bson:"maxUsesPerUser,omitempty" json:"maxUsesPerUser,omitempty"`
	CurrentUsesTotal      int                        `bson:"currentUsesTotal" json:"currentUsesTotal"`
	Eligibility           Eligibility                `bson:"eligibility,omitempty" json:"eligibility,omitempty"`
	Stackable             bool                       `bson:"stackable" json:"stackable"`
	ExcludedBonusTypes    []string                   `bson:"excludedBonusTypes,omitempty" json:"excludedBonusTypes,omitempty"`
	RequiresApproval      bool                       `bson:"requiresApproval" json:"requiresApproval"`
	ApprovalThreshold     *decimal.Decimal           `bson:"approvalThreshold,omitempty" json:"approvalThreshold,omitempty"`
	Priority              int                        `bson:"priority" json:"priority"`
	IsActive              bool                       `bson:"isActive" json:"isActive"`
	ExpirationDays        int                        `bson:"expirationDays,omitempty" json:"expirationDays,omitempty"`
	CooldownHours         int                        `bson:"cooldownHours,omitempty" json:"cooldownHours,omitempty"`
	// PositionMultipliers maps a tournament position or leaderboard rank
	// (as a string key) to a value multiplier.
	PositionMultipliers map[string]decimal.Decimal `bson:"positionMultipliers,omitempty" json:"positionMultipliers,omitempty"`
	ReferralConfig      *ReferralConfig            `bson:"referralConfig,omitempty" json:"referralConfig,omitempty"`
	Metadata            datastore.Metadata         `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt           time.Time                  `bson:"createdAt" json:"createdAt"`
	UpdatedAt           time.Time                  `bson:"updatedAt" json:"updatedAt"`
}

// Live reports whether the template can qualify users right now
func (t *Template) Live(now time.Time) bool {
	return t.IsActive && !now.Before(t.ValidFrom) && !now.After(t.ValidUntil)
}

// UserBonus statuses
const (
	StatusPending         = "pending"
	StatusActive          = "active"
	StatusInProgress      = "in_progress"
	StatusRequirementsMet = "requirements_met"
	StatusConverted       = "converted"
	StatusClaimed         = "claimed"
	StatusForfeited       = "forfeited"
	StatusExpired         = "expired"
	StatusCancelled       = "cancelled"
	StatusLocked          = "locked"
)

// transitions is the allowed status graph. Locked is a holding state for
// review; the return leg is validated against the pre-lock status.
var transitions = map[string][]string{
	StatusPending:         {StatusActive, StatusCancelled},
	StatusActive:          {StatusInProgress, StatusRequirementsMet, StatusForfeited, StatusExpired, StatusCancelled, StatusLocked},
	StatusInProgress:      {StatusRequirementsMet, StatusForfeited, StatusExpired, StatusCancelled, StatusLocked},
	StatusRequirementsMet: {StatusConverted, StatusClaimed, StatusForfeited, StatusExpired, StatusCancelled, StatusLocked},
	StatusConverted:       {StatusClaimed},
	StatusLocked:          {StatusActive, StatusInProgress, StatusRequirementsMet, StatusCancelled},
}

// lockable are the states a bonus may be locked from
var lockable = map[string]bool{
	StatusActive:          true,
	StatusInProgress:      true,
	StatusRequirementsMet: true,
}

// CanTransition reports whether from → to is a legal status move
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a Precondition error for an illegal move
func ValidateTransition(from, to string) error {
	if !CanTransition(from, to) {
		return errorutils.Precondition("illegal bonus status transition", map[string]interface{}{
			"from": from, "to": to,
		})
	}
	return nil
}

// StatusHistoryEntry records one lifecycle change
type StatusHistoryEntry struct {
	From      string    `bson:"from,omitempty" json:"from,omitempty"`
	To        string    `bson:"to" json:"to"`
	Reason    string    `bson:"reason,omitempty" json:"reason,omitempty"`
	ChangedBy string    `bson:"changedBy,omitempty" json:"changedBy,omitempty"`
	ChangedAt time.Time `bson:"changedAt" json:"changedAt"`
}

// UserBonus is one awarded (or pending approval) bonus instance
type UserBonus struct {
	ID                   string               `bson:"_id" json:"id"`
	UserID               string               `bson:"userId" json:"userId"`
	TenantID             string               `bson:"tenantId" json:"tenantId"`
	TemplateID           string               `bson:"templateId" json:"templateId"`
	TemplateCode         string               `bson:"templateCode" json:"templateCode"`
	Type                 string               `bson:"type" json:"type"`
	Domain               string               `bson:"domain,omitempty" json:"domain,omitempty"`
	Status               string               `bson:"status" json:"status"`
	Currency             string               `bson:"currency" json:"currency"`
	OriginalValue        decimal.Decimal      `bson:"originalValue" json:"originalValue"`
	CurrentValue         decimal.Decimal      `bson:"currentValue" json:"currentValue"`
	TurnoverRequired     decimal.Decimal      `bson:"turnoverRequired" json:"turnoverRequired"`
	TurnoverProgress     decimal.Decimal      `bson:"turnoverProgress" json:"turnoverProgress"`
	TriggerTransactionID string               `bson:"triggerTransactionId,omitempty" json:"triggerTransactionId,omitempty"`
	ReferrerID           string               `bson:"referrerId,omitempty" json:"referrerId,omitempty"`
	RefereeID            string               `bson:"refereeId,omitempty" json:"refereeId,omitempty"`
	TournamentID         string               `bson:"tournamentId,omitempty" json:"tournamentId,omitempty"`
	LeaderboardID        string               `bson:"leaderboardId,omitempty" json:"leaderboardId,omitempty"`
	LeaderboardPeriod    string               `bson:"leaderboardPeriod,omitempty" json:"leaderboardPeriod,omitempty"`
	QualifiedAt          time.Time            `bson:"qualifiedAt" json:"qualifiedAt"`
	ClaimedAt            *time.Time           `bson:"claimedAt,omitempty" json:"claimedAt,omitempty"`
	CompletedAt          *time.Time           `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	ConvertedAt          *time.Time           `bson:"convertedAt,omitempty" json:"convertedAt,omitempty"`
	ForfeitedAt          *time.Time           `bson:"forfeitedAt,omitempty" json:"forfeitedAt,omitempty"`
	ExpiresAt            time.Time            `bson:"expiresAt" json:"expiresAt"`
	History              []StatusHistoryEntry `bson:"history" json:"history"`
	Metadata             datastore.Metadata   `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt            time.Time            `bson:"createdAt" json:"createdAt"`
	UpdatedAt            time.Time            `bson:"updatedAt" json:"updatedAt"`
}

// PreLockStatus returns the status the bonus held before it was locked
func (ub *UserBonus) PreLockStatus() string {
	for i := len(ub.History) - 1; i >= 0; i-- {
		if ub.History[i].To == StatusLocked {
			return ub.History[i].From
		}
	}
	return ""
}

// BonusTransaction types
const (
	BonusTxnCredit     = "credit"
	BonusTxnDebit      = "debit"
	BonusTxnTurnover   = "turnover"
	BonusTxnConversion = "conversion"
	BonusTxnForfeit    = "forfeit"
	BonusTxnAdjustment = "adjustment"
)

// BonusTransaction records one movement on a user bonus
type BonusTransaction struct {
	ID                   string           `bson:"_id" json:"id"`
	UserBonusID          string           `bson:"userBonusId" json:"userBonusId"`
	UserID               string           `bson:"userId" json:"userId"`
	Type                 string           `bson:"type" json:"type"`
	Amount               decimal.Decimal  `bson:"amount" json:"amount"`
	BalanceBefore        decimal.Decimal  `bson:"balanceBefore" json:"balanceBefore"`
	BalanceAfter         decimal.Decimal  `bson:"balanceAfter" json:"balanceAfter"`
	TurnoverBefore       *decimal.Decimal `bson:"turnoverBefore,omitempty" json:"turnoverBefore,omitempty"`
	TurnoverAfter        *decimal.Decimal `bson:"turnoverAfter,omitempty" json:"turnoverAfter,omitempty"`
	TurnoverContribution *decimal.Decimal `bson:"turnoverContribution,omitempty" json:"turnoverContribution,omitempty"`
	ActivityCategory     string           `bson:"activityCategory,omitempty" json:"activityCategory,omitempty"`
	RelatedTransactionID string           `bson:"relatedTransactionId,omitempty" json:"relatedTransactionId,omitempty"`
	CreatedAt            time.Time        `bson:"createdAt" json:"createdAt"`
}
