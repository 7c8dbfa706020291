// Package auth implements OTP verification, TOTP two factor enrollment
// and the role to permission resolution used by the gateway.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
	"time"

	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/logging"
	"github.com/quillpay/platform/services/pendingops"
)

const (
	defaultOTPLength = 6
	defaultOTPExpiry = 10 * time.Minute
	otpResendFloor   = 60 * time.Second
)

// CodeSender delivers an OTP code out of band. Notification transports
// live outside the core; deployments wire their own sender.
type CodeSender func(ctx context.Context, channel, recipient, code string) error

// logSender is the development fallback sender
func logSender(ctx context.Context, channel, recipient, _ string) error {
	logging.Logger(ctx, "auth.otp").Info().
		Str("channel", channel).
		Str("recipient", recipient).
		Msg("otp code generated, no sender configured")
	return nil
}

// SendOTPParams describes one OTP issuance
type SendOTPParams struct {
	UserID     string        `json:"userId,omitempty"`
	TenantID   string        `json:"tenantId"`
	Recipient  string        `json:"recipient"`
	Channel    string        `json:"channel"`
	Purpose    string        `json:"purpose"`
	CodeLength int           `json:"codeLength,omitempty"`
	ExpiresIn  time.Duration `json:"-"`
}

// OTPIssue is the result of sending an OTP
type OTPIssue struct {
	Token     string `json:"otpToken"`
	ExpiresIn int64  `json:"expiresIn"`
}

// generateOTPCode returns a uniformly random numeric code
func generateOTPCode(length int) (string, error) {
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", errorutils.Wrap(err, "failed to generate otp code")
		}
		code[i] = byte('0' + n.Int64())
	}
	return string(code), nil
}

func hashOTPCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// SendOTP issues a code to the recipient and returns the opaque token the
// caller presents on verify. Only the code's hash is stored.
func (s *Service) SendOTP(ctx context.Context, params SendOTPParams) (*OTPIssue, error) {
	if params.TenantID == "" || params.Recipient == "" || params.Purpose == "" {
		return nil, errorutils.Validation("tenantId, recipient and purpose are required", nil)
	}
	if params.CodeLength <= 0 {
		params.CodeLength = defaultOTPLength
	}
	if params.ExpiresIn <= 0 {
		params.ExpiresIn = defaultOTPExpiry
	}

	if err := s.enforceResendFloor(ctx, params.TenantID, params.Recipient, params.Purpose); err != nil {
		return nil, err
	}

	code, err := generateOTPCode(params.CodeLength)
	if err != nil {
		return nil, err
	}

	token, err := s.Pending.Create(ctx, pendingops.TypeOTPVerification, map[string]interface{}{
		"codeHash":  hashOTPCode(code),
		"channel":   params.Channel,
		"recipient": params.Recipient,
		"purpose":   params.Purpose,
	}, map[string]interface{}{
		"tenantId": params.TenantID,
		"userId":   params.UserID,
	}, params.ExpiresIn)
	if err != nil {
		return nil, err
	}

	sender := s.SendCode
	if sender == nil {
		sender = logSender
	}
	if err := sender(ctx, params.Channel, params.Recipient, code); err != nil {
		return nil, errorutils.Wrap(err, "failed to deliver otp code")
	}

	return &OTPIssue{Token: token, ExpiresIn: int64(params.ExpiresIn.Seconds())}, nil
}

// enforceResendFloor blocks a second send to the same recipient and
// purpose within the floor window.
func (s *Service) enforceResendFloor(ctx context.Context, tenantID, recipient, purpose string) error {
	if s.Redis == nil {
		return nil
	}
	key := "otp:floor:" + tenantID + ":" + purpose + ":" + recipient
	ok, err := s.Redis.SetNX(ctx, key, time.Now().Unix(), otpResendFloor).Result()
	if err != nil {
		return errorutils.Transient(err, "otp throttle check failed")
	}
	if !ok {
		return errorutils.NewKind(errorutils.KindRateLimited, nil, "otp was sent recently, wait before retrying", nil)
	}
	return nil
}

// VerifyOTP checks a code against a token without consuming it
func (s *Service) VerifyOTP(ctx context.Context, token, code, tenantID string) (*pendingops.PendingOperation, error) {
	op, err := s.Pending.Get(ctx, pendingops.TypeOTPVerification, token)
	if err != nil {
		return nil, err
	}
	if tid, _ := op.Meta["tenantId"].(string); tid != tenantID {
		return nil, errorutils.NotFound("otp token not found")
	}
	stored, _ := op.Data["codeHash"].(string)
	if subtle.ConstantTimeCompare([]byte(stored), []byte(hashOTPCode(code))) != 1 {
		return nil, errorutils.Validation("otp code does not match", nil)
	}
	return op, nil
}

// ConsumeOTP verifies and deletes in one logical operation. The delete's
// boolean decides the winner when two callers race the same token.
func (s *Service) ConsumeOTP(ctx context.Context, token, code, tenantID string) (*pendingops.PendingOperation, error) {
	op, err := s.VerifyOTP(ctx, token, code, tenantID)
	if err != nil {
		return nil, err
	}
	won, err := s.Pending.Delete(ctx, pendingops.TypeOTPVerification, token)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, errorutils.Conflict("otp already consumed", nil)
	}
	return op, nil
}

// ResendOTP reissues a code for an existing token, subject to the resend
// floor. Returns a fresh token; the old one stays valid until expiry.
func (s *Service) ResendOTP(ctx context.Context, token, tenantID string) (*OTPIssue, error) {
	op, err := s.Pending.Get(ctx, pendingops.TypeOTPVerification, token)
	if err != nil {
		return nil, err
	}
	if tid, _ := op.Meta["tenantId"].(string); tid != tenantID {
		return nil, errorutils.NotFound("otp token not found")
	}

	userID, _ := op.Meta["userId"].(string)
	recipient, _ := op.Data["recipient"].(string)
	channel, _ := op.Data["channel"].(string)
	purpose, _ := op.Data["purpose"].(string)
	return s.SendOTP(ctx, SendOTPParams{
		UserID:    userID,
		TenantID:  tenantID,
		Recipient: recipient,
		Channel:   channel,
		Purpose:   purpose,
		ExpiresIn: time.Until(op.ExpiresAt),
	})
}
