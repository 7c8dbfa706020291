package pendingops

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	errorutils "github.com/quillpay/platform/libs/errorutils"
)

// jwtStore encodes the whole operation into a signed token. Stateless, so
// Delete cannot enforce single use; it always reports the caller won.
// Suitable only for operations where replay is harmless or guarded
// elsewhere.
type jwtStore struct {
	secret []byte
}

// NewJWTStore creates the stateless JWT backed store
func NewJWTStore(secret []byte) Store {
	return &jwtStore{secret: secret}
}

type opClaims struct {
	Op   string                 `json:"op"`
	Data map[string]interface{} `json:"data,omitempty"`
	Meta map[string]interface{} `json:"meta,omitempty"`
	jwt.RegisteredClaims
}

// Create signs the operation payload into the token itself
func (s *jwtStore) Create(_ context.Context, opType string, data, meta map[string]interface{}, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := opClaims{
		Op:   opType,
		Data: data,
		Meta: meta,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", errorutils.Wrap(err, "failed to sign pending operation token")
	}
	return token, nil
}

// Get verifies the token signature and expiry and decodes the payload
func (s *jwtStore) Get(_ context.Context, opType, token string) (*PendingOperation, error) {
	var claims opClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, errorutils.NotFound("pending operation not found")
	}
	if claims.Op != opType {
		return nil, errorutils.NotFound("pending operation not found")
	}
	return &PendingOperation{
		Token:     token,
		Type:      claims.Op,
		Data:      claims.Data,
		Meta:      claims.Meta,
		CreatedAt: claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// GetRawData decodes the token and derives the remaining TTL from its
// expiry claim
func (s *jwtStore) GetRawData(ctx context.Context, opType, token string) (*PendingOperation, time.Duration, error) {
	op, err := s.Get(ctx, opType, token)
	if err != nil {
		return nil, 0, err
	}
	remaining := time.Until(op.ExpiresAt)
	if remaining < 0 {
		remaining = 0
	}
	return op, remaining, nil
}

// Delete is a no-op for the stateless backend
func (s *jwtStore) Delete(_ context.Context, _, _ string) (bool, error) {
	return true, nil
}

// List cannot enumerate stateless tokens
func (s *jwtStore) List(_ context.Context, _ string) ([]PendingOperation, error) {
	return nil, errorutils.Precondition("jwt pending operation store cannot enumerate tokens", nil)
}
