package auth

import (
	"net/http"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi"
	appctx "github.com/quillpay/platform/libs/context"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/handlers"
	"github.com/quillpay/platform/libs/requestutils"
)

// Router returns the auth routes
func Router(svc *Service) chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/login", handlers.AppHandler(svc.LoginHandler))
	r.Method(http.MethodPost, "/refresh", handlers.AppHandler(svc.RefreshHandler))
	r.Method(http.MethodPost, "/otp/send", handlers.AppHandler(svc.SendOTPHandler))
	r.Method(http.MethodPost, "/otp/verify", handlers.AppHandler(svc.VerifyOTPHandler))
	r.Method(http.MethodPost, "/otp/resend", handlers.AppHandler(svc.ResendOTPHandler))
	return r
}

// ProtectedRouter returns the routes requiring an authenticated caller
func ProtectedRouter(svc *Service) chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/2fa/enable", handlers.AppHandler(svc.EnableTOTPHandler))
	r.Method(http.MethodPost, "/2fa/activate", handlers.AppHandler(svc.ActivateTOTPHandler))
	r.Method(http.MethodPost, "/2fa/verify", handlers.AppHandler(svc.VerifyTwoFactorHandler))
	return r
}

// LoginRequest authenticates a user within a tenant
type LoginRequest struct {
	TenantID      string `json:"tenantId" valid:"required"`
	Email         string `json:"email" valid:"email"`
	Password      string `json:"password" valid:"required"`
	TwoFactorCode string `json:"twoFactorCode" valid:"-"`
}

// LoginHandler issues tokens for valid credentials
func (s *Service) LoginHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	var req LoginRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	pair, user, err := s.Login(ctx, req.TenantID, req.Email, req.Password, req.TwoFactorCode)
	if err != nil {
		return handlers.CodedError(err, "login failed")
	}
	return handlers.RenderContent(ctx, map[string]interface{}{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"user":         user,
	}, w, http.StatusOK)
}

// RefreshRequest exchanges a refresh token
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" valid:"required"`
}

// RefreshHandler exchanges a refresh token for a new pair
func (s *Service) RefreshHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	var req RefreshRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	pair, err := s.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return handlers.CodedError(err, "refresh failed")
	}
	return handlers.RenderContent(ctx, pair, w, http.StatusOK)
}

// SendOTPRequest issues an OTP
type SendOTPRequest struct {
	TenantID  string `json:"tenantId" valid:"required"`
	Recipient string `json:"recipient" valid:"required"`
	Channel   string `json:"channel" valid:"in(email|sms)"`
	Purpose   string `json:"purpose" valid:"required"`
	ExpiresIn int    `json:"expiresIn" valid:"-"`
}

// SendOTPHandler issues an OTP to the recipient
func (s *Service) SendOTPHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	var req SendOTPRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	issue, err := s.SendOTP(ctx, SendOTPParams{
		UserID:    appctx.GetUserID(ctx),
		TenantID:  req.TenantID,
		Recipient: req.Recipient,
		Channel:   req.Channel,
		Purpose:   req.Purpose,
		ExpiresIn: time.Duration(req.ExpiresIn) * time.Second,
	})
	if err != nil {
		return handlers.CodedError(err, "failed to send otp")
	}
	return handlers.RenderContent(ctx, issue, w, http.StatusOK)
}

// VerifyOTPRequest checks an OTP code
type VerifyOTPRequest struct {
	TenantID string `json:"tenantId" valid:"required"`
	OTPToken string `json:"otpToken" valid:"required"`
	Code     string `json:"code" valid:"required"`
}

// VerifyOTPHandler consumes an OTP on successful verification
func (s *Service) VerifyOTPHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	var req VerifyOTPRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	op, err := s.ConsumeOTP(ctx, req.OTPToken, req.Code, req.TenantID)
	if err != nil {
		return handlers.CodedError(err, "otp verification failed")
	}
	purpose, _ := op.Data["purpose"].(string)
	return handlers.RenderContent(ctx, map[string]interface{}{
		"verified": true,
		"purpose":  purpose,
	}, w, http.StatusOK)
}

// ResendOTPRequest reissues an OTP
type ResendOTPRequest struct {
	TenantID string `json:"tenantId" valid:"required"`
	OTPToken string `json:"otpToken" valid:"required"`
}

// ResendOTPHandler reissues a code, subject to the resend floor
func (s *Service) ResendOTPHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	var req ResendOTPRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	issue, err := s.ResendOTP(ctx, req.OTPToken, req.TenantID)
	if err != nil {
		return handlers.CodedError(err, "failed to resend otp")
	}
	return handlers.RenderContent(ctx, issue, w, http.StatusOK)
}

// EnableTOTPRequest starts two factor enrollment
type EnableTOTPRequest struct {
	Password string `json:"password" valid:"required"`
}

// EnableTOTPHandler starts two factor enrollment for the caller
func (s *Service) EnableTOTPHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	userID := appctx.GetUserID(ctx)
	if userID == "" {
		return handlers.CodedError(errorutils.NewKind(errorutils.KindUnauthorized, nil, "authentication required", nil), "2fa")
	}

	var req EnableTOTPRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	enrollment, err := s.EnableTOTP(ctx, userID, req.Password, s.Issuer)
	if err != nil {
		return handlers.CodedError(err, "failed to enable two factor")
	}
	return handlers.RenderContent(ctx, enrollment, w, http.StatusOK)
}

// TwoFactorCodeRequest carries a TOTP or backup code
type TwoFactorCodeRequest struct {
	Code string `json:"code" valid:"required"`
}

// ActivateTOTPHandler completes enrollment with a first valid code
func (s *Service) ActivateTOTPHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	userID := appctx.GetUserID(ctx)
	if userID == "" {
		return handlers.CodedError(errorutils.NewKind(errorutils.KindUnauthorized, nil, "authentication required", nil), "2fa")
	}

	var req TwoFactorCodeRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	if err := s.ActivateTOTP(ctx, userID, req.Code); err != nil {
		return handlers.CodedError(err, "failed to activate two factor")
	}
	return handlers.RenderContent(ctx, map[string]bool{"enabled": true}, w, http.StatusOK)
}

// VerifyTwoFactorHandler checks a TOTP or backup code for the caller
func (s *Service) VerifyTwoFactorHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	userID := appctx.GetUserID(ctx)
	if userID == "" {
		return handlers.CodedError(errorutils.NewKind(errorutils.KindUnauthorized, nil, "authentication required", nil), "2fa")
	}

	var req TwoFactorCodeRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	if err := s.VerifyTwoFactor(ctx, userID, req.Code); err != nil {
		return handlers.CodedError(err, "two factor verification failed")
	}
	return handlers.RenderContent(ctx, map[string]bool{"verified": true}, w, http.StatusOK)
}
