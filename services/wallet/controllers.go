package wallet

import (
	"net/http"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi"
	appctx "github.com/quillpay/platform/libs/context"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/handlers"
	"github.com/quillpay/platform/libs/requestutils"
	"github.com/shopspring/decimal"
)

// Router returns the wallet routes
func Router(svc *Service) chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/{currency}", handlers.AppHandler(svc.ViewHandler))
	r.Method(http.MethodPost, "/deposit", handlers.AppHandler(svc.DepositHandler))
	r.Method(http.MethodPost, "/withdraw", handlers.AppHandler(svc.WithdrawHandler))
	return r
}

// AdminRouter returns the operator wallet routes
func AdminRouter(svc *Service) chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/deposits/{transactionID}/reverse", handlers.AppHandler(svc.ReverseDepositHandler))
	return r
}

// ViewHandler returns the caller's wallet projection for a currency
func (s *Service) ViewHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	userID := appctx.GetUserID(ctx)
	tenantID := appctx.GetTenantID(ctx)
	if userID == "" || tenantID == "" {
		return handlers.CodedError(errorutils.NewKind(errorutils.KindUnauthorized, nil, "authentication required", nil), "wallet")
	}

	view, err := s.GetView(ctx, tenantID, userID, chi.URLParam(r, "currency"))
	if err != nil {
		return handlers.CodedError(err, "failed to load wallet")
	}
	return handlers.RenderContent(ctx, view, w, http.StatusOK)
}

// DepositRequest starts a deposit
type DepositRequest struct {
	Amount   decimal.Decimal        `json:"amount" valid:"-"`
	Currency string                 `json:"currency" valid:"required"`
	Method   string                 `json:"method" valid:"-"`
	Metadata map[string]interface{} `json:"metadata" valid:"-"`
}

// DepositHandler runs the deposit saga for the caller
func (s *Service) DepositHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	userID := appctx.GetUserID(ctx)
	tenantID := appctx.GetTenantID(ctx)
	if userID == "" || tenantID == "" {
		return handlers.CodedError(errorutils.NewKind(errorutils.KindUnauthorized, nil, "authentication required", nil), "deposit")
	}

	var req DepositRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	result, _ := s.Deposit(ctx, DepositParams{
		TenantID: tenantID,
		UserID:   userID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Method:   req.Method,
		Metadata: req.Metadata,
	})
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	return handlers.RenderContent(ctx, result, w, status)
}

// WithdrawRequest starts a withdrawal
type WithdrawRequest struct {
	Amount      decimal.Decimal        `json:"amount" valid:"-"`
	Currency    string                 `json:"currency" valid:"required"`
	Method      string                 `json:"method" valid:"-"`
	Destination string                 `json:"destination" valid:"-"`
	Metadata    map[string]interface{} `json:"metadata" valid:"-"`
}

// WithdrawHandler runs the withdrawal saga for the caller
func (s *Service) WithdrawHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	userID := appctx.GetUserID(ctx)
	tenantID := appctx.GetTenantID(ctx)
	if userID == "" || tenantID == "" {
		return handlers.CodedError(errorutils.NewKind(errorutils.KindUnauthorized, nil, "authentication required", nil), "withdraw")
	}

	var req WithdrawRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	result, _ := s.Withdraw(ctx, WithdrawParams{
		TenantID:    tenantID,
		UserID:      userID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Method:      req.Method,
		Destination: req.Destination,
		Metadata:    req.Metadata,
	})
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	return handlers.RenderContent(ctx, result, w, status)
}

// ReverseDepositRequest carries the reversal reason
type ReverseDepositRequest struct {
	UserID string `json:"userId" valid:"required"`
	Reason string `json:"reason" valid:"required"`
}

// ReverseDepositHandler backs out a completed deposit
func (s *Service) ReverseDepositHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	tenantID := appctx.GetTenantID(ctx)
	if tenantID == "" {
		return handlers.CodedError(errorutils.NewKind(errorutils.KindUnauthorized, nil, "authentication required", nil), "reverse")
	}

	var req ReverseDepositRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	reversal, err := s.ReverseDeposit(ctx, tenantID, req.UserID, chi.URLParam(r, "transactionID"), req.Reason)
	if err != nil {
		return handlers.CodedError(err, "failed to reverse deposit")
	}
	return handlers.RenderContent(ctx, reversal, w, http.StatusOK)
}
