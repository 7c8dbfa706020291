package event

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/quillpay/platform/libs/datastore"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	uuid "github.com/satori/go.uuid"
)

// Datastore abstracts over the relational event store
type Datastore interface {
	InsertEvent(ctx context.Context, e *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)

	InsertSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	DeleteSubscription(ctx context.Context, id string) error

	EnqueueDelivery(ctx context.Context, d *Delivery) error
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]Delivery, error)
	MarkDelivered(ctx context.Context, id string) error
	RecordDeliveryFailure(ctx context.Context, id string, attempts int, lastError string, nextAttemptAt time.Time, terminal bool) error
}

// PGStore is the postgres backed event store
type PGStore struct {
	*datastore.Postgres
}

// NewPGStore wraps the shared postgres handle
func NewPGStore(pg *datastore.Postgres) *PGStore {
	return &PGStore{Postgres: pg}
}

// InsertEvent writes the audit row for an emitted event
func (s *PGStore) InsertEvent(ctx context.Context, e *Event) error {
	_, err := s.DB.ExecContext(ctx, `
		insert into events (id, type, tenant_id, user_id, payload, occurred_at)
		values ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Type, e.TenantID, e.UserID, []byte(e.Payload), e.OccurredAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return errorutils.Conflict("event already recorded", map[string]interface{}{"eventId": e.ID})
	}
	return err
}

// GetEvent fetches one audit row
func (s *PGStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	var e Event
	err := s.DB.GetContext(ctx, &e, `
		select id, type, tenant_id, user_id, payload, occurred_at
		from events where id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorutils.NotFound("event not found")
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertSubscription registers a webhook endpoint
func (s *PGStore) InsertSubscription(ctx context.Context, sub *Subscription) error {
	now := time.Now().UTC()
	if sub.ID == "" {
		sub.ID = uuid.NewV4().String()
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		insert into webhook_subscriptions (id, tenant_id, url, secret, types, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.TenantID, sub.URL, sub.Secret, sub.Types, sub.Active, sub.CreatedAt, sub.UpdatedAt)
	return err
}

// GetSubscription fetches a subscription by id
func (s *PGStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	err := s.DB.GetContext(ctx, &sub, `
		select id, tenant_id, url, secret, types, active, created_at, updated_at
		from webhook_subscriptions where id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorutils.NotFound("webhook subscription not found")
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListSubscriptions lists the active subscriptions of a tenant
func (s *PGStore) ListSubscriptions(ctx context.Context, tenantID string) ([]Subscription, error) {
	var subs []Subscription
	err := s.DB.SelectContext(ctx, &subs, `
		select id, tenant_id, url, secret, types, active, created_at, updated_at
		from webhook_subscriptions where tenant_id = $1 and active`, tenantID)
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// UpdateSubscription updates a subscription in place
func (s *PGStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		update webhook_subscriptions
		set url = $2, secret = $3, types = $4, active = $5, updated_at = $6
		where id = $1`,
		sub.ID, sub.URL, sub.Secret, sub.Types, sub.Active, sub.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errorutils.NotFound("webhook subscription not found")
	}
	return nil
}

// DeleteSubscription removes a subscription
func (s *PGStore) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `delete from webhook_subscriptions where id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errorutils.NotFound("webhook subscription not found")
	}
	return nil
}

// EnqueueDelivery queues one webhook delivery attempt
func (s *PGStore) EnqueueDelivery(ctx context.Context, d *Delivery) error {
	now := time.Now().UTC()
	if d.ID == "" {
		d.ID = uuid.NewV4().String()
		d.CreatedAt = now
	}
	if d.Status == "" {
		d.Status = DeliveryStatusPending
	}
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = now
	}
	d.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		insert into webhook_deliveries
			(id, subscription_id, event_id, event_type, tenant_id, body, attempts, status, next_attempt_at, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.SubscriptionID, d.EventID, d.EventType, d.TenantID, []byte(d.Body),
		d.Attempts, d.Status, d.NextAttemptAt, d.CreatedAt, d.UpdatedAt)
	return err
}

// DueDeliveries claims pending deliveries whose next attempt is due. The
// claim pushes next_attempt_at forward in the same statement so concurrent
// workers cannot pick up the same rows.
func (s *PGStore) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	var deliveries []Delivery
	err := s.DB.SelectContext(ctx, &deliveries, `
		update webhook_deliveries
		set next_attempt_at = $2 + interval '30 seconds', updated_at = now()
		where id in (
			select id from webhook_deliveries
			where status = $1 and next_attempt_at <= $2
			order by next_attempt_at asc
			limit $3
			for update skip locked
		)
		returning id, subscription_id, event_id, event_type, tenant_id, body,
			attempts, status, last_error, next_attempt_at, created_at, updated_at`,
		DeliveryStatusPending, now, limit)
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}

// MarkDelivered finalizes a successful delivery
func (s *PGStore) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		update webhook_deliveries
		set status = $2, updated_at = now()
		where id = $1`, id, DeliveryStatusDelivered)
	return err
}

// RecordDeliveryFailure schedules the next retry, or finalizes the
// delivery as failed when attempts are exhausted.
func (s *PGStore) RecordDeliveryFailure(ctx context.Context, id string, attempts int, lastError string, nextAttemptAt time.Time, terminal bool) error {
	status := DeliveryStatusPending
	if terminal {
		status = DeliveryStatusFailed
	}
	_, err := s.DB.ExecContext(ctx, `
		update webhook_deliveries
		set attempts = $2, last_error = $3, next_attempt_at = $4, status = $5, updated_at = now()
		where id = $1`, id, attempts, lastError, nextAttemptAt, status)
	return err
}
