package bonus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	errorutils "github.com/quillpay/platform/libs/errorutils"
	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"
)

// QualifyParams carries the trigger context for one qualification run
type QualifyParams struct {
	TenantID             string                 `json:"tenantId"`
	UserID               string                 `json:"userId"`
	DepositAmount        decimal.Decimal        `json:"depositAmount,omitempty"`
	Currency             string                 `json:"currency"`
	TriggerTransactionID string                 `json:"triggerTransactionId,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
}

// metaString reads a string out of the trigger metadata
func (p QualifyParams) metaString(key string) string {
	if v, ok := p.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// metaInt reads an integer out of the trigger metadata
func (p QualifyParams) metaInt(key string) int {
	switch v := p.Metadata[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// pipeline is the state threaded through one handler run
type pipeline struct {
	params   QualifyParams
	template *Template
}

// notEligible builds the standard ineligibility error
func notEligible(reason string) error {
	return errorutils.Precondition("not eligible: "+reason, map[string]interface{}{"reason": reason})
}

// Handler is one bonus type's pipeline. Concrete handlers embed
// baseHandler and override the hooks they need.
type Handler interface {
	Type() string
	validateSpecific(ctx context.Context, p *pipeline) error
	calculateValue(ctx context.Context, p *pipeline) (decimal.Decimal, error)
	calculateTurnover(p *pipeline, value decimal.Decimal) decimal.Decimal
	calculateExpiration(p *pipeline, now time.Time) time.Time
	buildUserBonus(p *pipeline, value decimal.Decimal, now time.Time) *UserBonus
	onAwarded(ctx context.Context, p *pipeline, ub *UserBonus) error
}

const defaultExpirationDays = 30

// baseHandler owns the template method defaults shared by every type
type baseHandler struct {
	svc       *Service
	bonusType string
}

func (h *baseHandler) Type() string { return h.bonusType }

func (h *baseHandler) validateSpecific(_ context.Context, _ *pipeline) error { return nil }

// calculateValue applies the template value policy against the deposit
// base. Percentage and multiplier results floor to whole minor units and
// cap at maxValue.
func (h *baseHandler) calculateValue(_ context.Context, p *pipeline) (decimal.Decimal, error) {
	tpl := p.template
	base := p.params.DepositAmount

	var value decimal.Decimal
	switch tpl.ValueType {
	case ValueTypePercentage:
		value = base.Mul(tpl.Value).Div(decimal.NewFromInt(100)).Floor()
	case ValueTypeMultiplier:
		value = base.Mul(tpl.Value).Floor()
	case ValueTypeFixed, ValueTypeCredit, ValueTypePoints:
		return tpl.Value, nil
	default:
		return decimal.Zero, errorutils.Validation("unknown bonus value type", map[string]interface{}{
			"valueType": tpl.ValueType,
		})
	}

	if tpl.MaxValue != nil && value.GreaterThan(*tpl.MaxValue) {
		value = *tpl.MaxValue
	}
	return value, nil
}

func (h *baseHandler) calculateTurnover(p *pipeline, value decimal.Decimal) decimal.Decimal {
	return value.Mul(p.template.TurnoverMultiplier)
}

func (h *baseHandler) calculateExpiration(p *pipeline, now time.Time) time.Time {
	days := p.template.ExpirationDays
	if days <= 0 {
		days = defaultExpirationDays
	}
	return now.AddDate(0, 0, days)
}

func (h *baseHandler) buildUserBonus(p *pipeline, value decimal.Decimal, now time.Time) *UserBonus {
	tpl := p.template
	return &UserBonus{
		ID:                   uuid.NewV4().String(),
		UserID:               p.params.UserID,
		TenantID:             p.params.TenantID,
		TemplateID:           tpl.ID,
		TemplateCode:         tpl.Code,
		Type:                 tpl.Type,
		Domain:               tpl.Domain,
		Status:               StatusActive,
		Currency:             tpl.Currency,
		OriginalValue:        value,
		CurrentValue:         value,
		TurnoverRequired:     h.calculateTurnover(p, value),
		TurnoverProgress:     decimal.Zero,
		TriggerTransactionID: p.params.TriggerTransactionID,
		QualifiedAt:          now,
		ExpiresAt:            h.calculateExpiration(p, now),
		History: []StatusHistoryEntry{
			{To: StatusActive, Reason: "awarded", ChangedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (h *baseHandler) onAwarded(_ context.Context, _ *pipeline, _ *UserBonus) error { return nil }

// positionValue resolves a rank keyed multiplier against the template
// value, used by tournament and leaderboard handlers.
func positionValue(tpl *Template, position int) (decimal.Decimal, error) {
	value := tpl.Value
	if mult, ok := tpl.PositionMultipliers[strconv.Itoa(position)]; ok {
		value = tpl.Value.Mul(mult).Floor()
	}
	if tpl.MaxValue != nil && value.GreaterThan(*tpl.MaxValue) {
		value = *tpl.MaxValue
	}
	return value, nil
}

// Registry maps bonus types to handlers
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register installs a handler for its type, replacing any previous one
func (r *Registry) Register(h Handler) {
	r.handlers[h.Type()] = h
}

// Lookup finds the handler for a type
func (r *Registry) Lookup(bonusType string) (Handler, error) {
	h, ok := r.handlers[bonusType]
	if !ok {
		return nil, errorutils.Validation(fmt.Sprintf("no handler registered for bonus type %q", bonusType), nil)
	}
	return h, nil
}
