package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/logging"
	"github.com/quillpay/platform/libs/redisutils"
	uuid "github.com/satori/go.uuid"
)

var emittedEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "events_emitted_total",
		Help: "Count of emitted domain events by type.",
	},
	[]string{"type"},
)

func init() {
	prometheus.MustRegister(emittedEventsTotal)
}

// Dispatcher emits domain events: audit row first, then redis pub/sub for
// realtime fan-out, then webhook deliveries queued for persistent retry.
// Local realtime consumers receive events through the redis bridge, so
// ordering per (tenant, user) follows redis publication order everywhere.
type Dispatcher struct {
	ds    Datastore
	redis *redisutils.Client
}

// NewDispatcher creates a dispatcher
func NewDispatcher(ds Datastore, redis *redisutils.Client) *Dispatcher {
	return &Dispatcher{ds: ds, redis: redis}
}

// Emit records and fans out one domain event. The audit write is the
// commit point: failure there fails the emit; later fan-out failures are
// logged and the audit row remains for redelivery.
func (d *Dispatcher) Emit(ctx context.Context, eventType, tenantID, userID string, payload interface{}) (*Event, error) {
	logger := logging.Logger(ctx, "event.Emit")

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errorutils.Wrap(err, "failed to marshal event payload")
	}

	e := &Event{
		ID:         uuid.NewV4().String(),
		Type:       eventType,
		TenantID:   tenantID,
		UserID:     userID,
		Payload:    body,
		OccurredAt: time.Now().UTC(),
	}

	if err := d.ds.InsertEvent(ctx, e); err != nil {
		return nil, errorutils.Wrap(err, "failed to persist event")
	}
	emittedEventsTotal.WithLabelValues(eventType).Inc()

	wire, err := json.Marshal(e)
	if err != nil {
		return nil, errorutils.Wrap(err, "failed to marshal event envelope")
	}
	if err := d.redis.PublishRaw(ctx, e.Channel(), wire); err != nil {
		logger.Error().Err(err).Str("eventId", e.ID).Str("channel", e.Channel()).
			Msg("failed to publish event to redis")
	}

	if err := d.queueWebhooks(ctx, e, wire); err != nil {
		logger.Error().Err(err).Str("eventId", e.ID).Msg("failed to queue webhook deliveries")
	}

	return e, nil
}

// queueWebhooks enqueues one delivery per matching subscription
func (d *Dispatcher) queueWebhooks(ctx context.Context, e *Event, body []byte) error {
	subs, err := d.ds.ListSubscriptions(ctx, e.TenantID)
	if err != nil {
		return err
	}

	var errs errorutils.MultiError
	for i := range subs {
		if !subs[i].Matches(e.Type) {
			continue
		}
		if err := d.ds.EnqueueDelivery(ctx, &Delivery{
			SubscriptionID: subs[i].ID,
			EventID:        e.ID,
			EventType:      e.Type,
			TenantID:       e.TenantID,
			Body:           body,
		}); err != nil {
			errs.Append(err)
		}
	}
	if errs.Count() > 0 {
		return &errs
	}
	return nil
}
