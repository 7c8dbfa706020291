// Package event implements domain event emission: an audit log, redis
// pub/sub fan-out, webhook delivery with persistent retry, and realtime
// push over SSE and websockets.
package event

import (
	"encoding/json"
	"strings"
	"time"
)

// Well known event types
const (
	TypeBonusAwarded        = "bonus.awarded"
	TypeBonusForfeited      = "bonus.forfeited"
	TypeBonusConverted      = "bonus.converted"
	TypeBonusExpired        = "bonus.expired"
	TypeDepositCompleted    = "wallet.deposit.completed"
	TypeDepositReversed     = "wallet.deposit.reversed"
	TypeWithdrawalCompleted = "wallet.withdrawal.completed"
)

// criticalTypes are never dropped from realtime buffers and always go
// through persistent webhook retry.
var criticalTypes = map[string]bool{
	TypeBonusAwarded:     true,
	TypeDepositCompleted: true,
}

// Critical reports whether an event type must never be dropped
func Critical(eventType string) bool {
	return criticalTypes[eventType]
}

// Event is one emitted domain event
type Event struct {
	ID         string          `db:"id" json:"eventId"`
	Type       string          `db:"type" json:"type"`
	TenantID   string          `db:"tenant_id" json:"tenantId"`
	UserID     string          `db:"user_id" json:"userId,omitempty"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	OccurredAt time.Time       `db:"occurred_at" json:"occurredAt"`
}

// Channel returns the redis channel the event publishes to, keyed on
// tenant and the first segment of the type.
func (e *Event) Channel() string {
	prefix := e.Type
	if i := strings.Index(prefix, "."); i > 0 {
		prefix = prefix[:i]
	}
	return "events:" + e.TenantID + ":" + prefix
}

// Rooms returns the realtime rooms this event fans out to
func (e *Event) Rooms() []string {
	rooms := []string{"tenant:" + e.TenantID}
	if e.UserID != "" {
		rooms = append(rooms, "user:"+e.UserID)
	}
	return rooms
}

// Subscription is a registered webhook endpoint. Types may end in ".*" to
// match a whole prefix, or be "*" for everything.
type Subscription struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenantId"`
	URL       string    `db:"url" json:"url"`
	Secret    string    `db:"secret" json:"-"`
	Types     string    `db:"types" json:"-"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// TypeList returns the subscribed types as a slice
func (s *Subscription) TypeList() []string {
	if s.Types == "" {
		return nil
	}
	return strings.Split(s.Types, ",")
}

// Matches reports whether the subscription wants the event type
func (s *Subscription) Matches(eventType string) bool {
	for _, t := range s.TypeList() {
		t = strings.TrimSpace(t)
		if t == "*" || t == eventType {
			return true
		}
		if strings.HasSuffix(t, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(t, "*")) {
			return true
		}
	}
	return false
}

// Delivery statuses
const (
	DeliveryStatusPending   = "pending"
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusFailed    = "failed"
)

// Delivery is one queued webhook delivery. Each delivery retries
// independently, so cross event ordering is not guaranteed.
type Delivery struct {
	ID             string          `db:"id" json:"id"`
	SubscriptionID string          `db:"subscription_id" json:"subscriptionId"`
	EventID        string          `db:"event_id" json:"eventId"`
	EventType      string          `db:"event_type" json:"eventType"`
	TenantID       string          `db:"tenant_id" json:"tenantId"`
	Body           json.RawMessage `db:"body" json:"body"`
	Attempts       int             `db:"attempts" json:"attempts"`
	Status         string          `db:"status" json:"status"`
	LastError      *string         `db:"last_error" json:"lastError,omitempty"`
	NextAttemptAt  time.Time       `db:"next_attempt_at" json:"nextAttemptAt"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updatedAt"`
}
