// Package pendingops stores short lived tokens representing operations
// awaiting confirmation: OTP verifications, bonus approvals, destructive
// action confirmations. Two backends exist, a stateless JWT store and a
// redis store that supports listing and true single use deletion.
package pendingops

import (
	"context"
	"time"
)

// Operation types used across the platform
const (
	TypeOTPVerification = "otp_verification"
	TypeBonusApproval   = "bonus"
	TypeActionConfirm   = "action_confirmation"
)

// PendingOperation is one stored operation awaiting confirmation
type PendingOperation struct {
	Token     string                 `json:"token"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	ExpiresAt time.Time              `json:"expiresAt"`
}

// Expired reports whether the operation's TTL has elapsed
func (op *PendingOperation) Expired() bool {
	return time.Now().After(op.ExpiresAt)
}

// Store abstracts over the pending operation backends. Get never deletes;
// consumption is Get followed by Delete, and Delete's boolean is the
// single use guarantee: exactly one concurrent caller observes true.
type Store interface {
	// Create stores a pending operation and returns its opaque token
	Create(ctx context.Context, opType string, data, meta map[string]interface{}, ttl time.Duration) (string, error)
	// Get fetches an operation by token, NotFound when missing or expired
	Get(ctx context.Context, opType, token string) (*PendingOperation, error)
	// Delete removes the operation, reporting whether this caller won the
	// removal race
	Delete(ctx context.Context, opType, token string) (bool, error)
	// List enumerates live operations of a type; backends that cannot
	// enumerate return Precondition
	List(ctx context.Context, opType string) ([]PendingOperation, error)
	// GetRawData fetches an operation for admin inspection along with its
	// remaining time to live
	GetRawData(ctx context.Context, opType, token string) (*PendingOperation, time.Duration, error)
}
