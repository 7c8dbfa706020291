package bonus

import (
	"net/http"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi"
	appctx "github.com/quillpay/platform/libs/context"
	"github.com/quillpay/platform/libs/cursor"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/handlers"
	"github.com/quillpay/platform/libs/requestutils"
	"github.com/shopspring/decimal"
)

// Router returns the bonus service routes
func Router(svc *Service) chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/qualify", handlers.AppHandler(svc.QualifyHandler))
	r.Method(http.MethodPost, "/activity", handlers.AppHandler(svc.ActivityHandler))
	r.Method(http.MethodGet, "/", handlers.AppHandler(svc.ListHandler))
	r.Method(http.MethodGet, "/{userBonusID}", handlers.AppHandler(svc.GetHandler))
	r.Method(http.MethodGet, "/{userBonusID}/transactions", handlers.AppHandler(svc.TransactionsHandler))
	r.Method(http.MethodPost, "/{userBonusID}/claim", handlers.AppHandler(svc.ClaimHandler))
	r.Method(http.MethodPost, "/{userBonusID}/convert", handlers.AppHandler(svc.ConvertHandler))
	r.Method(http.MethodPost, "/{userBonusID}/forfeit", handlers.AppHandler(svc.ForfeitHandler))
	return r
}

// AdminRouter returns the operator routes: approvals, template
// management and review locks.
func AdminRouter(svc *Service) chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/approvals/{token}/approve", handlers.AppHandler(svc.ApproveHandler))
	r.Method(http.MethodPost, "/approvals/{token}/reject", handlers.AppHandler(svc.RejectHandler))
	r.Method(http.MethodPost, "/templates", handlers.AppHandler(svc.UpsertTemplateHandler))
	r.Method(http.MethodGet, "/templates", handlers.AppHandler(svc.ListTemplatesHandler))
	r.Method(http.MethodPost, "/{userBonusID}/lock", handlers.AppHandler(svc.LockHandler))
	r.Method(http.MethodPost, "/{userBonusID}/unlock", handlers.AppHandler(svc.UnlockHandler))
	r.Method(http.MethodPost, "/{userBonusID}/cancel", handlers.AppHandler(svc.CancelHandler))
	return r
}

func unauthorized(endpoint string) *handlers.AppError {
	return handlers.CodedError(errorutils.NewKind(errorutils.KindUnauthorized, nil, "authentication required", nil), endpoint)
}

// QualifyRequest triggers a qualification run
type QualifyRequest struct {
	BonusType            string                 `json:"bonusType" valid:"required"`
	DepositAmount        decimal.Decimal        `json:"depositAmount" valid:"-"`
	Currency             string                 `json:"currency" valid:"-"`
	TriggerTransactionID string                 `json:"triggerTransactionId" valid:"-"`
	Metadata             map[string]interface{} `json:"metadata" valid:"-"`
}

// QualifyHandler runs the bonus pipeline for the authenticated user
func (s *Service) QualifyHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	userID := appctx.GetUserID(ctx)
	tenantID := appctx.GetTenantID(ctx)
	if userID == "" || tenantID == "" {
		return unauthorized("qualify")
	}

	var req QualifyRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	result, err := s.Process(ctx, req.BonusType, QualifyParams{
		TenantID:             tenantID,
		UserID:               userID,
		DepositAmount:        req.DepositAmount,
		Currency:             req.Currency,
		TriggerTransactionID: req.TriggerTransactionID,
		Metadata:             req.Metadata,
	})
	if err != nil {
		return handlers.CodedError(err, "bonus qualification failed")
	}
	return handlers.RenderContent(ctx, result, w, http.StatusOK)
}

// ActivityRequest reports qualifying activity toward turnover
type ActivityRequest struct {
	UserBonusID      string          `json:"userBonusId" valid:"required"`
	Amount           decimal.Decimal `json:"amount" valid:"-"`
	Currency         string          `json:"currency" valid:"-"`
	TransactionID    string          `json:"transactionId" valid:"-"`
	ActivityCategory string          `json:"activityCategory" valid:"-"`
}

// ActivityHandler records turnover progress on the caller's bonus
func (s *Service) ActivityHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	userID := appctx.GetUserID(ctx)
	if userID == "" {
		return unauthorized("activity")
	}

	var req ActivityRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	if appErr := s.ownedBonus(r, req.UserBonusID); appErr != nil {
		return appErr
	}

	ub, err := s.RecordActivity(ctx, ActivityParams{
		UserBonusID:      req.UserBonusID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		TransactionID:    req.TransactionID,
		ActivityCategory: req.ActivityCategory,
	})
	if err != nil {
		return handlers.CodedError(err, "failed to record activity")
	}
	return handlers.RenderContent(ctx, ub, w, http.StatusOK)
}

// ListHandler lists the caller's bonuses as a paginated connection,
// optionally filtered by status.
func (s *Service) ListHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	userID := appctx.GetUserID(ctx)
	if userID == "" {
		return unauthorized("bonuses")
	}

	args, err := cursor.FromQuery(r.URL.Query())
	if err != nil {
		return handlers.CodedError(err, "invalid pagination arguments")
	}

	var statuses []string
	if status := r.URL.Query().Get("status"); status != "" {
		statuses = []string{status}
	}
	bonuses, err := s.Datastore.ListUserBonuses(ctx, userID, statuses)
	if err != nil {
		return handlers.CodedError(err, "failed to list bonuses")
	}

	bonusID := func(ub UserBonus) string { return ub.ID }
	window, hasNext, hasPrev, err := cursor.Window(bonuses, bonusID, args, args.Limit(20, 100))
	if err != nil {
		return handlers.CodedError(err, "invalid pagination arguments")
	}
	conn := cursor.NewConnection(window, bonusID, hasNext, hasPrev, int64(len(bonuses)))
	return handlers.RenderContent(ctx, conn, w, http.StatusOK)
}

// GetHandler fetches one of the caller's bonuses
func (s *Service) GetHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	ub, appErr := s.ownedBonusValue(r, chi.URLParam(r, "userBonusID"))
	if appErr != nil {
		return appErr
	}
	return handlers.RenderContent(ctx, ub, w, http.StatusOK)
}

// TransactionsHandler lists the movements on one of the caller's bonuses
// as a paginated connection.
func (s *Service) TransactionsHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	id := chi.URLParam(r, "userBonusID")
	if appErr := s.ownedBonus(r, id); appErr != nil {
		return appErr
	}

	args, err := cursor.FromQuery(r.URL.Query())
	if err != nil {
		return handlers.CodedError(err, "invalid pagination arguments")
	}

	txns, err := s.Datastore.ListBonusTransactions(ctx, id)
	if err != nil {
		return handlers.CodedError(err, "failed to list bonus transactions")
	}

	txnID := func(bt BonusTransaction) string { return bt.ID }
	window, hasNext, hasPrev, err := cursor.Window(txns, txnID, args, args.Limit(50, 200))
	if err != nil {
		return handlers.CodedError(err, "invalid pagination arguments")
	}
	conn := cursor.NewConnection(window, txnID, hasNext, hasPrev, int64(len(txns)))
	return handlers.RenderContent(ctx, conn, w, http.StatusOK)
}

// ClaimHandler claims a completed bonus
func (s *Service) ClaimHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	id := chi.URLParam(r, "userBonusID")
	if appErr := s.ownedBonus(r, id); appErr != nil {
		return appErr
	}
	ub, err := s.Claim(ctx, id)
	if err != nil {
		return handlers.CodedError(err, "failed to claim bonus")
	}
	return handlers.RenderContent(ctx, ub, w, http.StatusOK)
}

// ConvertHandler converts a completed bonus to real balance
func (s *Service) ConvertHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	id := chi.URLParam(r, "userBonusID")
	if appErr := s.ownedBonus(r, id); appErr != nil {
		return appErr
	}
	ub, err := s.Convert(ctx, id)
	if err != nil {
		return handlers.CodedError(err, "failed to convert bonus")
	}
	return handlers.RenderContent(ctx, ub, w, http.StatusOK)
}

// ForfeitHandler lets the user forfeit their own bonus
func (s *Service) ForfeitHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	id := chi.URLParam(r, "userBonusID")
	if appErr := s.ownedBonus(r, id); appErr != nil {
		return appErr
	}
	ub, err := s.Forfeit(ctx, id, "forfeited by user")
	if err != nil {
		return handlers.CodedError(err, "failed to forfeit bonus")
	}
	return handlers.RenderContent(ctx, ub, w, http.StatusOK)
}

// ownedBonus verifies the bonus belongs to the authenticated caller
func (s *Service) ownedBonus(r *http.Request, id string) *handlers.AppError {
	_, appErr := s.ownedBonusValue(r, id)
	return appErr
}

func (s *Service) ownedBonusValue(r *http.Request, id string) (*UserBonus, *handlers.AppError) {
	ctx := r.Context()
	userID := appctx.GetUserID(ctx)
	if userID == "" {
		return nil, unauthorized("bonuses")
	}
	ub, err := s.Datastore.GetUserBonus(ctx, id)
	if err != nil {
		return nil, handlers.CodedError(err, "failed to load bonus")
	}
	if ub.UserID != userID {
		return nil, handlers.CodedError(errorutils.NewKind(errorutils.KindForbidden, nil, "bonus belongs to another user", nil), "bonuses")
	}
	return ub, nil
}

// ApproveHandler approves a pending bonus award
func (s *Service) ApproveHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	ub, err := s.Approve(ctx, chi.URLParam(r, "token"))
	if err != nil {
		return handlers.CodedError(err, "failed to approve bonus")
	}
	return handlers.RenderContent(ctx, ub, w, http.StatusOK)
}

// RejectHandler rejects a pending bonus award
func (s *Service) RejectHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	if err := s.Reject(ctx, chi.URLParam(r, "token")); err != nil {
		return handlers.CodedError(err, "failed to reject bonus")
	}
	return handlers.RenderContent(ctx, map[string]string{"status": "rejected"}, w, http.StatusOK)
}

// UpsertTemplateHandler creates or updates a bonus template for the
// caller's tenant.
func (s *Service) UpsertTemplateHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	tenantID := appctx.GetTenantID(ctx)
	if tenantID == "" {
		return unauthorized("templates")
	}

	var tpl Template
	if err := requestutils.ReadJSON(ctx, r.Body, &tpl); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if tpl.Code == "" || tpl.Type == "" || tpl.ValueType == "" {
		return handlers.WrapError(nil, "code, type and valueType are required", http.StatusBadRequest)
	}
	if _, err := s.Handlers.Lookup(tpl.Type); err != nil {
		return handlers.CodedError(err, "unknown bonus type")
	}
	tpl.TenantID = tenantID

	if err := s.Datastore.UpsertTemplate(ctx, &tpl); err != nil {
		return handlers.CodedError(err, "failed to save template")
	}
	return handlers.RenderContent(ctx, tpl, w, http.StatusOK)
}

// ListTemplatesHandler lists the tenant's bonus templates
func (s *Service) ListTemplatesHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	tenantID := appctx.GetTenantID(ctx)
	if tenantID == "" {
		return unauthorized("templates")
	}
	tpls, err := s.Datastore.ListTemplates(ctx, tenantID)
	if err != nil {
		return handlers.CodedError(err, "failed to list templates")
	}
	return handlers.RenderContent(ctx, tpls, w, http.StatusOK)
}

// LockRequest carries the review reason
type LockRequest struct {
	Reason string `json:"reason" valid:"required"`
}

// LockHandler places a bonus into review
func (s *Service) LockHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	var req LockRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}
	ub, err := s.Lock(ctx, chi.URLParam(r, "userBonusID"), req.Reason, appctx.GetUserID(ctx))
	if err != nil {
		return handlers.CodedError(err, "failed to lock bonus")
	}
	return handlers.RenderContent(ctx, ub, w, http.StatusOK)
}

// UnlockHandler clears a review lock
func (s *Service) UnlockHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	ub, err := s.Unlock(ctx, chi.URLParam(r, "userBonusID"), appctx.GetUserID(ctx))
	if err != nil {
		return handlers.CodedError(err, "failed to unlock bonus")
	}
	return handlers.RenderContent(ctx, ub, w, http.StatusOK)
}

// CancelHandler voids a bonus administratively
func (s *Service) CancelHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	var req LockRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	ub, err := s.Cancel(ctx, chi.URLParam(r, "userBonusID"), req.Reason, appctx.GetUserID(ctx))
	if err != nil {
		return handlers.CodedError(err, "failed to cancel bonus")
	}
	return handlers.RenderContent(ctx, ub, w, http.StatusOK)
}
