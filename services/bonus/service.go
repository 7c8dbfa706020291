package bonus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	uuid "github.com/satori/go.uuid"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/logging"
	srv "github.com/quillpay/platform/libs/service"
	"github.com/quillpay/platform/services/event"
	"github.com/quillpay/platform/services/ledger"
	"github.com/quillpay/platform/services/pendingops"
	"github.com/quillpay/platform/services/registry"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
)

const pendingApprovalTTL = 72 * time.Hour

var bonusesAwardedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bonuses_awarded_total",
		Help: "Count of awarded bonuses by type.",
	},
	[]string{"type"},
)

func init() {
	prometheus.MustRegister(bonusesAwardedTotal)
}

// Service is the bonus engine
type Service struct {
	Datastore Datastore
	Registry  *registry.Service
	Ledger    *ledger.Service
	Pending   pendingops.Store
	Events    *event.Dispatcher
	Handlers  *Registry
}

// NewService creates the bonus service with the shipped handlers
// registered. Deployments register extra handlers before serving.
func NewService(ds Datastore, reg *registry.Service, led *ledger.Service, pending pendingops.Store, events *event.Dispatcher) *Service {
	s := &Service{
		Datastore: ds,
		Registry:  reg,
		Ledger:    led,
		Pending:   pending,
		Events:    events,
		Handlers:  NewRegistry(),
	}
	s.registerDefaults()
	return s
}

// ProcessResult is the outcome of a qualification run
type ProcessResult struct {
	Status       string     `json:"status"` // awarded | pending_approval
	UserBonus    *UserBonus `json:"userBonus,omitempty"`
	PendingToken string     `json:"pendingToken,omitempty"`
}

// Process runs the full pipeline for a bonus type: eligibility,
// calculation, then award or the approval detour.
func (s *Service) Process(ctx context.Context, bonusType string, params QualifyParams) (*ProcessResult, error) {
	h, err := s.Handlers.Lookup(bonusType)
	if err != nil {
		return nil, err
	}

	p := &pipeline{params: params}
	if err := s.checkEligibility(ctx, h, p); err != nil {
		return nil, err
	}

	value, err := h.calculateValue(ctx, p)
	if err != nil {
		return nil, err
	}
	if value.LessThanOrEqual(decimal.Zero) {
		return nil, notEligible("calculated bonus value is zero")
	}

	if s.needsApproval(p.template, value) {
		token, err := s.createPendingBonus(ctx, bonusType, params, value)
		if err != nil {
			return nil, err
		}
		return &ProcessResult{Status: "pending_approval", PendingToken: token}, nil
	}

	ub, err := s.award(ctx, h, p, "")
	if err != nil {
		return nil, err
	}
	return &ProcessResult{Status: "awarded", UserBonus: ub}, nil
}

// checkEligibility loads the live template and runs the common validators
// in order, then the type specific ones.
func (s *Service) checkEligibility(ctx context.Context, h Handler, p *pipeline) error {
	tpl, err := s.Datastore.GetActiveTemplate(ctx, p.params.TenantID, h.Type(), time.Now().UTC())
	if errorutils.IsNotFound(err) {
		return notEligible("no active template")
	}
	if err != nil {
		return err
	}
	p.template = tpl

	if !s.currencySupported(tpl, p.params.Currency) {
		return notEligible("currency not supported")
	}
	if tpl.MinDeposit != nil && p.params.DepositAmount.LessThan(*tpl.MinDeposit) {
		return notEligible("deposit below minimum")
	}
	if tpl.MaxUsesPerUser > 0 {
		uses, err := s.Datastore.CountUserUses(ctx, p.params.UserID, tpl.ID)
		if err != nil {
			return err
		}
		if uses >= tpl.MaxUsesPerUser {
			return notEligible("per user usage limit reached")
		}
	}
	if tpl.MaxUsesTotal > 0 && tpl.CurrentUsesTotal >= tpl.MaxUsesTotal {
		return notEligible("template usage limit reached")
	}
	if err := s.checkUserEligibility(ctx, tpl, p.params.UserID); err != nil {
		return err
	}

	return h.validateSpecific(ctx, p)
}

// checkUserEligibility enforces the template's user constraints against
// the registry record. Constraints fail closed: a user missing the
// attribute a constraint needs is not eligible.
func (s *Service) checkUserEligibility(ctx context.Context, tpl *Template, userID string) error {
	el := tpl.Eligibility
	if len(el.Tiers) == 0 && len(el.Countries) == 0 && el.MinAge == 0 && !el.RequiresVerification {
		return nil
	}

	user, err := s.Registry.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	if el.RequiresVerification && !user.Metadata.GetBool(registry.MetaVerified) {
		return notEligible("identity verification required")
	}
	if len(el.Tiers) > 0 {
		tier, _ := user.Metadata.GetString(registry.MetaTier)
		if !containsString(el.Tiers, tier) {
			return notEligible("user tier not eligible")
		}
	}
	if len(el.Countries) > 0 {
		country, _ := user.Metadata.GetString(registry.MetaCountry)
		if !containsString(el.Countries, country) {
			return notEligible("country not eligible")
		}
	}
	if el.MinAge > 0 {
		birthDate, _ := user.Metadata.GetString(registry.MetaBirthDate)
		born, parseErr := time.Parse("2006-01-02", birthDate)
		if parseErr != nil || yearsSince(born, time.Now().UTC()) < el.MinAge {
			return notEligible("minimum age requirement not met")
		}
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// yearsSince counts whole years between born and now
func yearsSince(born, now time.Time) int {
	years := now.Year() - born.Year()
	if now.Month() < born.Month() || (now.Month() == born.Month() && now.Day() < born.Day()) {
		years--
	}
	return years
}

func (s *Service) currencySupported(tpl *Template, currency string) bool {
	if currency == "" || currency == tpl.Currency {
		return true
	}
	for _, c := range tpl.SupportedCurrencies {
		if c == currency {
			return true
		}
	}
	return false
}

func (s *Service) needsApproval(tpl *Template, value decimal.Decimal) bool {
	if !tpl.RequiresApproval {
		return false
	}
	if tpl.ApprovalThreshold == nil {
		return true
	}
	return value.GreaterThanOrEqual(*tpl.ApprovalThreshold)
}

// PoolBalance is the bonus pool guard result
type PoolBalance struct {
	Sufficient bool            `json:"sufficient"`
	Available  decimal.Decimal `json:"available"`
	Required   decimal.Decimal `json:"required"`
}

// CheckPoolBalance verifies the tenant's bonus pool can cover an award
func (s *Service) CheckPoolBalance(ctx context.Context, tenantID string, amount decimal.Decimal, currency string) (*PoolBalance, error) {
	pool := ledger.BonusPool(tenantID, currency)
	balance, err := s.Ledger.GetBalance(ctx, pool.ID())
	if errorutils.IsNotFound(err) {
		// pool never funded
		return &PoolBalance{Sufficient: false, Available: decimal.Zero, Required: amount}, nil
	}
	if err != nil {
		return nil, err
	}
	return &PoolBalance{
		Sufficient: balance.AvailableBalance.GreaterThanOrEqual(amount),
		Available:  balance.AvailableBalance,
		Required:   amount,
	}, nil
}

// award executes the atomic award sequence. The ledger posting's
// externalRef is the user bonus id, so a replay (an approval retry, a
// saga retry) converges on the same award. fixedID pins the user bonus id
// for replays; empty means a fresh award.
func (s *Service) award(ctx context.Context, h Handler, p *pipeline, fixedID string) (*UserBonus, error) {
	logger := logging.Logger(ctx, "bonus.award")

	value, err := h.calculateValue(ctx, p)
	if err != nil {
		return nil, err
	}
	if value.LessThanOrEqual(decimal.Zero) {
		return nil, notEligible("calculated bonus value is zero")
	}

	if fixedID != "" {
		// replay: if the bonus exists the award already happened
		if existing, err := s.Datastore.GetUserBonus(ctx, fixedID); err == nil {
			return existing, nil
		} else if !errorutils.IsNotFound(err) {
			return nil, err
		}
	}

	pool, err := s.CheckPoolBalance(ctx, p.params.TenantID, value, p.template.Currency)
	if err != nil {
		return nil, err
	}
	if !pool.Sufficient {
		return nil, errorutils.Precondition("bonus pool balance insufficient", map[string]interface{}{
			"available": pool.Available.String(), "required": pool.Required.String(),
		})
	}

	now := time.Now().UTC()
	ub := h.buildUserBonus(p, value, now)
	if fixedID != "" {
		ub.ID = fixedID
	}

	// ledger first: a failed posting must leave no UserBonus behind
	if _, err := s.Ledger.Post(ctx, ledger.PostParams{
		TenantID:    p.params.TenantID,
		From:        ledger.BonusPool(p.params.TenantID, p.template.Currency),
		To:          ledger.UserBonus(p.params.UserID, p.template.Currency),
		Amount:      value,
		Currency:    p.template.Currency,
		ExternalRef: ub.ID,
		Description: "bonus award " + p.template.Code,
	}); err != nil {
		return nil, errorutils.Wrap(err, "bonus ledger posting failed")
	}

	if err := s.Datastore.InsertUserBonus(ctx, ub); err != nil {
		return nil, err
	}
	if err := s.Datastore.IncrementTemplateUses(ctx, p.template.ID); err != nil {
		logger.Error().Err(err).Str("templateId", p.template.ID).Msg("failed to increment template uses")
	}

	if err := s.Datastore.InsertBonusTransaction(ctx, &BonusTransaction{
		UserBonusID:   ub.ID,
		UserID:        ub.UserID,
		Type:          BonusTxnCredit,
		Amount:        value,
		BalanceBefore: decimal.Zero,
		BalanceAfter:  value,
	}); err != nil {
		logger.Error().Err(err).Str("userBonusId", ub.ID).Msg("failed to record bonus transaction")
	}

	if _, err := s.Events.Emit(ctx, event.TypeBonusAwarded, ub.TenantID, ub.UserID, ub); err != nil {
		logger.Error().Err(err).Str("userBonusId", ub.ID).Msg("failed to emit bonus.awarded")
	}

	if err := h.onAwarded(ctx, p, ub); err != nil {
		logger.Error().Err(err).Str("userBonusId", ub.ID).Msg("onAwarded hook failed")
	}

	bonusesAwardedTotal.WithLabelValues(ub.Type).Inc()
	return ub, nil
}

// pendingBonusPayload is what the approval token stores
type pendingBonusPayload struct {
	BonusType   string          `json:"bonusType"`
	UserBonusID string          `json:"userBonusId"`
	Params      QualifyParams   `json:"params"`
	Value       decimal.Decimal `json:"value"`
}

// createPendingBonus stores the award context for later approval. The
// user bonus id is fixed now so approval retries stay idempotent.
func (s *Service) createPendingBonus(ctx context.Context, bonusType string, params QualifyParams, value decimal.Decimal) (string, error) {
	payload := pendingBonusPayload{
		BonusType:   bonusType,
		UserBonusID: uuid.NewV4().String(),
		Params:      params,
		Value:       value,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errorutils.Wrap(err, "failed to marshal pending bonus")
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", errorutils.Wrap(err, "failed to encode pending bonus")
	}

	return s.Pending.Create(ctx, pendingops.TypeBonusApproval, data, map[string]interface{}{
		"tenantId": params.TenantID,
		"userId":   params.UserID,
	}, pendingApprovalTTL)
}

// Approve re-runs the award from the stored payload. Replays converge on
// the same user bonus.
func (s *Service) Approve(ctx context.Context, token string) (*UserBonus, error) {
	op, err := s.Pending.Get(ctx, pendingops.TypeBonusApproval, token)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(op.Data)
	if err != nil {
		return nil, errorutils.Wrap(err, "failed to decode pending bonus")
	}
	var payload pendingBonusPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errorutils.Wrap(err, "failed to decode pending bonus")
	}

	h, err := s.Handlers.Lookup(payload.BonusType)
	if err != nil {
		return nil, err
	}

	// reload the template; it must still exist, though it may have gone
	// inactive since qualification, approval honors the original decision
	tpl, err := s.Datastore.GetActiveTemplate(ctx, payload.Params.TenantID, payload.BonusType, time.Now().UTC())
	if errorutils.IsNotFound(err) {
		tplByType, tplErr := s.templateFromPayload(ctx, payload)
		if tplErr != nil {
			return nil, tplErr
		}
		tpl = tplByType
	} else if err != nil {
		return nil, err
	}

	ub, err := s.award(ctx, h, &pipeline{params: payload.Params, template: tpl}, payload.UserBonusID)
	if err != nil {
		return nil, err
	}

	if _, err := s.Pending.Delete(ctx, pendingops.TypeBonusApproval, token); err != nil {
		logging.Logger(ctx, "bonus.Approve").Warn().Err(err).Msg("failed to consume approval token")
	}
	return ub, nil
}

// templateFromPayload finds the template the pending award was computed
// against when it is no longer live.
func (s *Service) templateFromPayload(ctx context.Context, payload pendingBonusPayload) (*Template, error) {
	tpls, err := s.Datastore.ListTemplates(ctx, payload.Params.TenantID)
	if err != nil {
		return nil, err
	}
	for i := range tpls {
		if tpls[i].Type == payload.BonusType {
			return &tpls[i], nil
		}
	}
	return nil, errorutils.NotFound("bonus template not found")
}

// Reject discards a pending bonus approval
func (s *Service) Reject(ctx context.Context, token string) error {
	won, err := s.Pending.Delete(ctx, pendingops.TypeBonusApproval, token)
	if err != nil {
		return err
	}
	if !won {
		return errorutils.NotFound("pending bonus not found")
	}
	return nil
}

// ActivityParams describes qualifying activity against a bonus
type ActivityParams struct {
	UserBonusID      string          `json:"userBonusId"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	TransactionID    string          `json:"transactionId,omitempty"`
	ActivityCategory string          `json:"activityCategory,omitempty"`
}

// RecordActivity applies turnover progress from qualifying activity.
// Progress is monotonic and capped at the requirement; crossing it flips
// the bonus to requirements_met.
func (s *Service) RecordActivity(ctx context.Context, params ActivityParams) (*UserBonus, error) {
	if params.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, errorutils.Validation("amount must be positive", nil)
	}

	ub, err := s.Datastore.GetUserBonus(ctx, params.UserBonusID)
	if err != nil {
		return nil, err
	}
	if ub.Status != StatusActive && ub.Status != StatusInProgress {
		return nil, errorutils.Precondition("bonus does not accept activity", map[string]interface{}{
			"status": ub.Status,
		})
	}

	tpl, err := s.Datastore.GetTemplate(ctx, ub.TemplateID)
	if err != nil {
		return nil, err
	}

	amount := params.Amount
	if params.Currency != "" && params.Currency != ub.Currency {
		converted, _, err := s.Ledger.Convert(ctx, amount, params.Currency, ub.Currency)
		if err != nil {
			return nil, err
		}
		amount = converted
	}

	percent := decimal.NewFromInt(100)
	if p, ok := tpl.ActivityContributions[params.ActivityCategory]; ok {
		percent = p
	}
	contribution := amount.Mul(percent).Div(decimal.NewFromInt(100))

	// cap at the remaining requirement so progress never overshoots
	remaining := ub.TurnoverRequired.Sub(ub.TurnoverProgress)
	if contribution.GreaterThan(remaining) {
		contribution = remaining
	}
	if contribution.LessThanOrEqual(decimal.Zero) {
		return ub, nil
	}

	if ub.Status == StatusActive {
		entry := StatusHistoryEntry{From: StatusActive, To: StatusInProgress, Reason: "activity recorded", ChangedAt: time.Now().UTC()}
		if ub, err = s.Datastore.TransitionUserBonus(ctx, ub.ID, StatusActive, StatusInProgress, entry, nil); err != nil {
			return nil, err
		}
	}

	before := ub.TurnoverProgress
	updated, err := s.Datastore.ApplyTurnover(ctx, ub.ID, contribution)
	if err != nil {
		return nil, err
	}

	after := updated.TurnoverProgress
	if err := s.Datastore.InsertBonusTransaction(ctx, &BonusTransaction{
		UserBonusID:          ub.ID,
		UserID:               ub.UserID,
		Type:                 BonusTxnTurnover,
		Amount:               params.Amount,
		BalanceBefore:        updated.CurrentValue,
		BalanceAfter:         updated.CurrentValue,
		TurnoverBefore:       &before,
		TurnoverAfter:        &after,
		TurnoverContribution: &contribution,
		ActivityCategory:     params.ActivityCategory,
		RelatedTransactionID: params.TransactionID,
	}); err != nil {
		return nil, err
	}

	if updated.TurnoverProgress.GreaterThanOrEqual(updated.TurnoverRequired) && updated.Status == StatusInProgress {
		entry := StatusHistoryEntry{From: StatusInProgress, To: StatusRequirementsMet, Reason: "turnover requirement satisfied", ChangedAt: time.Now().UTC()}
		completedAt := time.Now().UTC()
		if updated, err = s.Datastore.TransitionUserBonus(ctx, updated.ID, StatusInProgress, StatusRequirementsMet, entry,
			bson.M{"completedAt": completedAt}); err != nil {
			return nil, err
		}
	}

	return updated, nil
}

// Convert moves the remaining bonus value to the user's real wallet
func (s *Service) Convert(ctx context.Context, userBonusID string) (*UserBonus, error) {
	ub, err := s.Datastore.GetUserBonus(ctx, userBonusID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(ub.Status, StatusConverted); err != nil {
		return nil, err
	}

	if ub.CurrentValue.GreaterThan(decimal.Zero) {
		if _, err := s.Ledger.Post(ctx, ledger.PostParams{
			TenantID:    ub.TenantID,
			From:        ledger.UserBonus(ub.UserID, ub.Currency),
			To:          ledger.UserMain(ub.UserID, ub.Currency),
			Amount:      ub.CurrentValue,
			Currency:    ub.Currency,
			ExternalRef: "bonus-convert:" + ub.ID,
			Description: "bonus conversion " + ub.TemplateCode,
		}); err != nil {
			return nil, errorutils.Wrap(err, "bonus conversion posting failed")
		}
	}

	now := time.Now().UTC()
	entry := StatusHistoryEntry{From: ub.Status, To: StatusConverted, Reason: "converted to real balance", ChangedAt: now}
	updated, err := s.Datastore.TransitionUserBonus(ctx, ub.ID, ub.Status, StatusConverted, entry, bson.M{
		"convertedAt":  now,
		"currentValue": decimal.Zero,
	})
	if err != nil {
		return nil, err
	}

	if err := s.Datastore.InsertBonusTransaction(ctx, &BonusTransaction{
		UserBonusID:   ub.ID,
		UserID:        ub.UserID,
		Type:          BonusTxnConversion,
		Amount:        ub.CurrentValue,
		BalanceBefore: ub.CurrentValue,
		BalanceAfter:  decimal.Zero,
	}); err != nil {
		return nil, err
	}

	if _, err := s.Events.Emit(ctx, event.TypeBonusConverted, ub.TenantID, ub.UserID, updated); err != nil {
		logging.Logger(ctx, "bonus.Convert").Error().Err(err).Msg("failed to emit bonus.converted")
	}
	return updated, nil
}

// Forfeit takes the remaining bonus value back to the pool
func (s *Service) Forfeit(ctx context.Context, userBonusID, reason string) (*UserBonus, error) {
	return s.terminate(ctx, userBonusID, StatusForfeited, reason)
}

// terminate ends a bonus (forfeit or expiry), returning remaining funds
// to the tenant pool.
func (s *Service) terminate(ctx context.Context, userBonusID, to, reason string) (*UserBonus, error) {
	ub, err := s.Datastore.GetUserBonus(ctx, userBonusID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(ub.Status, to); err != nil {
		return nil, err
	}

	if ub.CurrentValue.GreaterThan(decimal.Zero) {
		if _, err := s.Ledger.Post(ctx, ledger.PostParams{
			TenantID:    ub.TenantID,
			From:        ledger.UserBonus(ub.UserID, ub.Currency),
			To:          ledger.BonusPool(ub.TenantID, ub.Currency),
			Amount:      ub.CurrentValue,
			Currency:    ub.Currency,
			ExternalRef: "bonus-" + to + ":" + ub.ID,
			Description: "bonus " + to + " " + ub.TemplateCode,
		}); err != nil {
			return nil, errorutils.Wrap(err, "bonus return posting failed")
		}
	}

	now := time.Now().UTC()
	entry := StatusHistoryEntry{From: ub.Status, To: to, Reason: reason, ChangedAt: now}
	updated, err := s.Datastore.TransitionUserBonus(ctx, ub.ID, ub.Status, to, entry, bson.M{
		"forfeitedAt":  now,
		"currentValue": decimal.Zero,
	})
	if err != nil {
		return nil, err
	}

	if err := s.Datastore.InsertBonusTransaction(ctx, &BonusTransaction{
		UserBonusID:   ub.ID,
		UserID:        ub.UserID,
		Type:          BonusTxnForfeit,
		Amount:        ub.CurrentValue,
		BalanceBefore: ub.CurrentValue,
		BalanceAfter:  decimal.Zero,
	}); err != nil {
		return nil, err
	}

	eventType := event.TypeBonusForfeited
	if to == StatusExpired {
		eventType = event.TypeBonusExpired
	}
	if _, err := s.Events.Emit(ctx, eventType, ub.TenantID, ub.UserID, updated); err != nil {
		logging.Logger(ctx, "bonus.terminate").Error().Err(err).Msg("failed to emit " + eventType)
	}
	return updated, nil
}

// Claim marks a converted (or requirements met) bonus as claimed
func (s *Service) Claim(ctx context.Context, userBonusID string) (*UserBonus, error) {
	ub, err := s.Datastore.GetUserBonus(ctx, userBonusID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(ub.Status, StatusClaimed); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	entry := StatusHistoryEntry{From: ub.Status, To: StatusClaimed, Reason: "claimed", ChangedAt: now}
	return s.Datastore.TransitionUserBonus(ctx, ub.ID, ub.Status, StatusClaimed, entry, bson.M{"claimedAt": now})
}

// Cancel voids a bonus administratively, returning remaining funds
func (s *Service) Cancel(ctx context.Context, userBonusID, reason, by string) (*UserBonus, error) {
	ub, err := s.Datastore.GetUserBonus(ctx, userBonusID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(ub.Status, StatusCancelled); err != nil {
		return nil, err
	}

	if ub.CurrentValue.GreaterThan(decimal.Zero) && ub.Status != StatusPending {
		if _, err := s.Ledger.Post(ctx, ledger.PostParams{
			TenantID:    ub.TenantID,
			From:        ledger.UserBonus(ub.UserID, ub.Currency),
			To:          ledger.BonusPool(ub.TenantID, ub.Currency),
			Amount:      ub.CurrentValue,
			Currency:    ub.Currency,
			ExternalRef: "bonus-cancel:" + ub.ID,
			Description: "bonus cancellation " + ub.TemplateCode,
		}); err != nil {
			return nil, errorutils.Wrap(err, "bonus return posting failed")
		}
	}

	entry := StatusHistoryEntry{From: ub.Status, To: StatusCancelled, Reason: reason, ChangedBy: by, ChangedAt: time.Now().UTC()}
	return s.Datastore.TransitionUserBonus(ctx, ub.ID, ub.Status, StatusCancelled, entry, bson.M{"currentValue": decimal.Zero})
}

// Lock moves a bonus into the review holding state
func (s *Service) Lock(ctx context.Context, userBonusID, reason, by string) (*UserBonus, error) {
	ub, err := s.Datastore.GetUserBonus(ctx, userBonusID)
	if err != nil {
		return nil, err
	}
	if !lockable[ub.Status] {
		return nil, errorutils.Precondition("bonus cannot be locked from its current status", map[string]interface{}{
			"status": ub.Status,
		})
	}
	entry := StatusHistoryEntry{From: ub.Status, To: StatusLocked, Reason: reason, ChangedBy: by, ChangedAt: time.Now().UTC()}
	return s.Datastore.TransitionUserBonus(ctx, ub.ID, ub.Status, StatusLocked, entry, nil)
}

// Unlock returns a locked bonus to its pre-lock status
func (s *Service) Unlock(ctx context.Context, userBonusID, by string) (*UserBonus, error) {
	ub, err := s.Datastore.GetUserBonus(ctx, userBonusID)
	if err != nil {
		return nil, err
	}
	if ub.Status != StatusLocked {
		return nil, errorutils.Precondition("bonus is not locked", map[string]interface{}{"status": ub.Status})
	}
	prev := ub.PreLockStatus()
	if prev == "" {
		return nil, errorutils.Precondition("locked bonus has no recorded source status", nil)
	}
	entry := StatusHistoryEntry{From: StatusLocked, To: prev, Reason: "review cleared", ChangedBy: by, ChangedAt: time.Now().UTC()}
	return s.Datastore.TransitionUserBonus(ctx, ub.ID, StatusLocked, prev, entry, nil)
}

// ExpireLapsed forfeits bonuses whose expiry passed. Runs as a job.
func (s *Service) ExpireLapsed(ctx context.Context) (bool, error) {
	logger := logging.Logger(ctx, "bonus.ExpireLapsed")

	lapsed, err := s.Datastore.ListLapsed(ctx, time.Now().UTC(), 100)
	if err != nil {
		return false, err
	}
	for i := range lapsed {
		if _, err := s.terminate(ctx, lapsed[i].ID, StatusExpired, "expired"); err != nil {
			if errorutils.KindOf(err) == errorutils.KindPrecondition {
				continue
			}
			logger.Error().Err(err).Str("userBonusId", lapsed[i].ID).Msg("failed to expire bonus")
		}
	}
	return len(lapsed) > 0, nil
}

// Jobs returns the bonus background jobs
func (s *Service) Jobs() []srv.Job {
	return []srv.Job{
		{Func: s.ExpireLapsed, Workers: 1, Cadence: time.Minute},
	}
}
