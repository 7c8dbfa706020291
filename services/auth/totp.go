package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/quillpay/platform/libs/datastore"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/services/registry"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/crypto/bcrypt"
)

const (
	totpSecretSize  = 32
	totpSkew        = 2
	backupCodeCount = 8
	backupCodeBytes = 4
)

// TOTPEnrollment is the secret material handed to the user exactly once
type TOTPEnrollment struct {
	Secret      string   `json:"secret"`
	URL         string   `json:"url"`
	BackupCodes []string `json:"backupCodes"`
}

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func generateBackupCodes() ([]string, []interface{}, error) {
	codes := make([]string, 0, backupCodeCount)
	hashes := make([]interface{}, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		buf := make([]byte, backupCodeBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, errorutils.Wrap(err, "failed to generate backup codes")
		}
		code := hex.EncodeToString(buf)
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}
	return codes, hashes, nil
}

// EnableTOTP starts two factor enrollment after a password check. The
// secret is stored but 2fa stays inactive until ActivateTOTP sees a valid
// code, proving the authenticator was set up.
func (s *Service) EnableTOTP(ctx context.Context, userID, password, issuer string) (*TOTPEnrollment, error) {
	user, err := s.Registry.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		return nil, errorutils.Precondition("two factor authentication is already enabled", nil)
	}
	if user.PasswordHash == "" {
		return nil, errorutils.Precondition("user has no password set", nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, errorutils.NewKind(errorutils.KindUnauthorized, nil, "invalid password", nil)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: user.Email,
		SecretSize:  totpSecretSize,
	})
	if err != nil {
		return nil, errorutils.Wrap(err, "failed to generate totp secret")
	}

	codes, hashes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}

	user.TwoFactorSecret = key.Secret()
	user.TwoFactorEnabled = false
	if err := s.Registry.Datastore.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	if err := s.Registry.Datastore.UpdateUserMetadata(ctx, user.ID, datastore.Metadata{
		registry.MetaBackupCodes: hashes,
	}); err != nil {
		return nil, err
	}

	return &TOTPEnrollment{Secret: key.Secret(), URL: key.URL(), BackupCodes: codes}, nil
}

// validTOTP checks a code against the secret with the allowed clock skew
func validTOTP(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// ActivateTOTP turns two factor on once the user proves their
// authenticator works.
func (s *Service) ActivateTOTP(ctx context.Context, userID, code string) error {
	user, err := s.Registry.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.TwoFactorSecret == "" {
		return errorutils.Precondition("two factor enrollment has not started", nil)
	}
	if !validTOTP(code, user.TwoFactorSecret) {
		return errorutils.Validation("invalid verification code", nil)
	}
	user.TwoFactorEnabled = true
	return s.Registry.Datastore.UpdateUser(ctx, user)
}

// VerifyTwoFactor accepts a live TOTP code or a one time backup code.
// Backup codes are consumed on use.
func (s *Service) VerifyTwoFactor(ctx context.Context, userID, code string) error {
	user, err := s.Registry.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TwoFactorEnabled {
		return errorutils.Precondition("two factor authentication is not enabled", nil)
	}
	if validTOTP(code, user.TwoFactorSecret) {
		return nil
	}
	return s.consumeBackupCode(ctx, user, code)
}

// consumeBackupCode removes a matching backup code hash from the user's
// metadata, failing when none matches.
func (s *Service) consumeBackupCode(ctx context.Context, user *registry.User, code string) error {
	var stored []interface{}
	switch v := user.Metadata[registry.MetaBackupCodes].(type) {
	case []interface{}:
		stored = v
	case primitive.A:
		// mongo decodes arrays inside interface values as primitive.A
		stored = v
	}
	if len(stored) == 0 {
		return errorutils.Validation("invalid verification code", nil)
	}

	hashed := hashBackupCode(code)
	remaining := make([]interface{}, 0, len(stored))
	found := false
	for _, v := range stored {
		h, _ := v.(string)
		if !found && h == hashed {
			found = true
			continue
		}
		remaining = append(remaining, v)
	}
	if !found {
		return errorutils.Validation("invalid verification code", nil)
	}

	return s.Registry.Datastore.UpdateUserMetadata(ctx, user.ID, datastore.Metadata{
		registry.MetaBackupCodes: remaining,
	})
}
