package bonus

import (
	"context"
	"time"

	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/services/registry"
	"github.com/shopspring/decimal"
)

// firstDepositHandler awards once, before any first deposit was made
type firstDepositHandler struct{ baseHandler }

func (h *firstDepositHandler) validateSpecific(ctx context.Context, p *pipeline) error {
	has, err := h.svc.Datastore.HasBonusOfTypes(ctx, p.params.UserID, []string{TypeFirstDeposit, TypeWelcome})
	if err != nil {
		return err
	}
	if has {
		return notEligible("user already received a first deposit or welcome bonus")
	}

	user, err := h.svc.Registry.GetUser(ctx, p.params.UserID)
	if err != nil {
		return err
	}
	if user.Metadata.GetBool(registry.MetaHasMadeFirstDeposit) {
		return notEligible("user has already made a first deposit")
	}
	return nil
}

// welcomeHandler awards once per user, exclusive with first_deposit
type welcomeHandler struct{ baseHandler }

func (h *welcomeHandler) validateSpecific(ctx context.Context, p *pipeline) error {
	has, err := h.svc.Datastore.HasBonusOfTypes(ctx, p.params.UserID, []string{TypeWelcome, TypeFirstDeposit})
	if err != nil {
		return err
	}
	if has {
		return notEligible("user already received a welcome or first deposit bonus")
	}
	return nil
}

// reloadHandler enforces an optional cooldown between reload bonuses
type reloadHandler struct{ baseHandler }

func (h *reloadHandler) validateSpecific(ctx context.Context, p *pipeline) error {
	if p.template.CooldownHours <= 0 {
		return nil
	}
	last, err := h.svc.Datastore.LastBonusOfType(ctx, p.params.UserID, TypeReload)
	if errorutils.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	cooldown := time.Duration(p.template.CooldownHours) * time.Hour
	if elapsed := time.Since(last.CreatedAt); elapsed < cooldown {
		return notEligible("reload cooldown has not elapsed")
	}
	return nil
}

// firstPurchaseHandler mirrors first_deposit using the purchase flag
type firstPurchaseHandler struct{ baseHandler }

func (h *firstPurchaseHandler) validateSpecific(ctx context.Context, p *pipeline) error {
	has, err := h.svc.Datastore.HasBonusOfTypes(ctx, p.params.UserID, []string{TypeFirstPurchase})
	if err != nil {
		return err
	}
	if has {
		return notEligible("user already received a first purchase bonus")
	}

	user, err := h.svc.Registry.GetUser(ctx, p.params.UserID)
	if err != nil {
		return err
	}
	if user.Metadata.GetBool(registry.MetaHasMadeFirstPurchase) {
		return notEligible("user has already made a first purchase")
	}
	return nil
}

// tournamentHandler pays position based prizes once per tournament
type tournamentHandler struct{ baseHandler }

func (h *tournamentHandler) validateSpecific(ctx context.Context, p *pipeline) error {
	tournamentID := p.params.metaString("tournamentId")
	if tournamentID == "" {
		return notEligible("tournamentId is required")
	}
	if p.params.metaInt("position") < 1 {
		return notEligible("position must be at least 1")
	}
	claimed, err := h.svc.Datastore.HasTournamentClaim(ctx, p.params.UserID, tournamentID)
	if err != nil {
		return err
	}
	if claimed {
		return notEligible("tournament bonus already claimed")
	}
	return nil
}

func (h *tournamentHandler) calculateValue(_ context.Context, p *pipeline) (decimal.Decimal, error) {
	return positionValue(p.template, p.params.metaInt("position"))
}

func (h *tournamentHandler) buildUserBonus(p *pipeline, value decimal.Decimal, now time.Time) *UserBonus {
	ub := h.baseHandler.buildUserBonus(p, value, now)
	ub.TournamentID = p.params.metaString("tournamentId")
	return ub
}

// leaderboardHandler pays rank based prizes once per (board, period)
type leaderboardHandler struct{ baseHandler }

func (h *leaderboardHandler) validateSpecific(ctx context.Context, p *pipeline) error {
	boardID := p.params.metaString("leaderboardId")
	period := p.params.metaString("period")
	if boardID == "" || period == "" {
		return notEligible("leaderboardId and period are required")
	}
	if p.params.metaInt("rank") < 1 {
		return notEligible("rank must be at least 1")
	}
	claimed, err := h.svc.Datastore.HasLeaderboardClaim(ctx, p.params.UserID, boardID, period)
	if err != nil {
		return err
	}
	if claimed {
		return notEligible("leaderboard bonus already claimed for period")
	}
	return nil
}

func (h *leaderboardHandler) calculateValue(_ context.Context, p *pipeline) (decimal.Decimal, error) {
	return positionValue(p.template, p.params.metaInt("rank"))
}

func (h *leaderboardHandler) buildUserBonus(p *pipeline, value decimal.Decimal, now time.Time) *UserBonus {
	ub := h.baseHandler.buildUserBonus(p, value, now)
	ub.LeaderboardID = p.params.metaString("leaderboardId")
	ub.LeaderboardPeriod = p.params.metaString("period")
	return ub
}

// referralHandler awards the referrer when a referee qualifies
type referralHandler struct{ baseHandler }

func (h *referralHandler) validateSpecific(_ context.Context, p *pipeline) error {
	refereeID := p.params.metaString("refereeId")
	if refereeID == "" {
		return notEligible("refereeId is required")
	}
	if refereeID == p.params.UserID {
		return notEligible("users cannot refer themselves")
	}
	if cfg := p.template.ReferralConfig; cfg != nil && !cfg.MinRefereeSpend.IsZero() {
		if p.params.DepositAmount.LessThan(cfg.MinRefereeSpend) {
			return notEligible("referee spend below minimum")
		}
	}
	return nil
}

func (h *referralHandler) buildUserBonus(p *pipeline, value decimal.Decimal, now time.Time) *UserBonus {
	ub := h.baseHandler.buildUserBonus(p, value, now)
	ub.ReferrerID = p.params.UserID
	ub.RefereeID = p.params.metaString("refereeId")
	return ub
}

// cashbackHandler uses the common pipeline unchanged
type cashbackHandler struct{ baseHandler }

// customHandler relies on the per user usage limit of the common checks
type customHandler struct{ baseHandler }

// registerDefaults installs the shipped handlers
func (s *Service) registerDefaults() {
	s.Handlers.Register(&firstDepositHandler{baseHandler{svc: s, bonusType: TypeFirstDeposit}})
	s.Handlers.Register(&welcomeHandler{baseHandler{svc: s, bonusType: TypeWelcome}})
	s.Handlers.Register(&reloadHandler{baseHandler{svc: s, bonusType: TypeReload}})
	s.Handlers.Register(&firstPurchaseHandler{baseHandler{svc: s, bonusType: TypeFirstPurchase}})
	s.Handlers.Register(&tournamentHandler{baseHandler{svc: s, bonusType: TypeTournament}})
	s.Handlers.Register(&leaderboardHandler{baseHandler{svc: s, bonusType: TypeLeaderboard}})
	s.Handlers.Register(&referralHandler{baseHandler{svc: s, bonusType: TypeReferral}})
	s.Handlers.Register(&cashbackHandler{baseHandler{svc: s, bonusType: TypeCashback}})
	s.Handlers.Register(&customHandler{baseHandler{svc: s, bonusType: TypeCustom}})
}
