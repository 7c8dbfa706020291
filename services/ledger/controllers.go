package ledger

import (
	"net/http"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi"
	appctx "github.com/quillpay/platform/libs/context"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/handlers"
	"github.com/quillpay/platform/libs/requestutils"
	"github.com/shopspring/decimal"
)

// AdminRouter returns the operator ledger routes
func AdminRouter(svc *Service) chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/accounts/{accountID}/balance", handlers.AppHandler(svc.BalanceHandler))
	r.Method(http.MethodPost, "/post", handlers.AppHandler(svc.PostHandler))
	r.Method(http.MethodPost, "/transactions/{transactionID}/reverse", handlers.AppHandler(svc.ReverseHandler))
	r.Method(http.MethodPut, "/rates/{from}/{to}", handlers.AppHandler(svc.SetRateOverrideHandler))
	return r
}

// BalanceHandler returns the balance view for an account
func (s *Service) BalanceHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	balance, err := s.GetBalance(ctx, chi.URLParam(r, "accountID"))
	if err != nil {
		return handlers.CodedError(err, "failed to load balance")
	}
	return handlers.RenderContent(ctx, balance, w, http.StatusOK)
}

// PostRequest describes an operator posting
type PostRequest struct {
	From        AccountRef      `json:"from" valid:"-"`
	To          AccountRef      `json:"to" valid:"-"`
	Amount      decimal.Decimal `json:"amount" valid:"-"`
	Currency    string          `json:"currency" valid:"required"`
	ExternalRef string          `json:"externalRef" valid:"-"`
	Description string          `json:"description" valid:"-"`
}

// PostHandler applies an operator posting within the caller's tenant
func (s *Service) PostHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	tenantID := appctx.GetTenantID(ctx)
	if tenantID == "" {
		return handlers.CodedError(errorutils.NewKind(errorutils.KindUnauthorized, nil, "authentication required", nil), "post")
	}

	var req PostRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	txn, err := s.Post(ctx, PostParams{
		TenantID:    tenantID,
		From:        req.From,
		To:          req.To,
		Amount:      req.Amount,
		Currency:    req.Currency,
		ExternalRef: req.ExternalRef,
		Description: req.Description,
	})
	if err != nil {
		return handlers.CodedError(err, "posting failed")
	}
	return handlers.RenderContent(ctx, txn, w, http.StatusOK)
}

// ReverseRequest carries the reversal reason
type ReverseRequest struct {
	Reason string `json:"reason" valid:"required"`
}

// ReverseHandler reverses a committed transaction
func (s *Service) ReverseHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	var req ReverseRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	reversal, err := s.Reverse(ctx, chi.URLParam(r, "transactionID"), req.Reason)
	if err != nil {
		return handlers.CodedError(err, "failed to reverse transaction")
	}
	return handlers.RenderContent(ctx, reversal, w, http.StatusOK)
}

// SetRateOverrideRequest pins an exchange rate
type SetRateOverrideRequest struct {
	Rate decimal.Decimal `json:"rate" valid:"-"`
}

// SetRateOverrideHandler pins a manual exchange rate for a pair
func (s *Service) SetRateOverrideHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	var req SetRateOverrideRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}

	from := chi.URLParam(r, "from")
	to := chi.URLParam(r, "to")
	if err := s.Rates.SetOverride(ctx, from, to, req.Rate); err != nil {
		return handlers.CodedError(err, "failed to set rate override")
	}
	return handlers.RenderContent(ctx, map[string]interface{}{
		"from": from, "to": to, "rate": req.Rate, "setAt": time.Now().UTC(),
	}, w, http.StatusOK)
}
