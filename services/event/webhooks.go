package event

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quillpay/platform/libs/closers"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/logging"
	srv "github.com/quillpay/platform/libs/service"
)

const (
	webhookInitialBackoff = time.Second
	webhookMaxBackoff     = 5 * time.Minute
	webhookMaxAttempts    = 10
)

var webhookDeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Count of webhook delivery attempts by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(webhookDeliveriesTotal)
}

// Sign computes the hex HMAC-SHA256 signature of a webhook body
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// nextBackoff returns the delay before attempt n (1 based): 1s doubling
// up to 5m.
func nextBackoff(attempt int) time.Duration {
	d := webhookInitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= webhookMaxBackoff {
			return webhookMaxBackoff
		}
	}
	return d
}

// WebhookWorker drains the delivery queue. Deliveries are independent;
// cross event ordering toward one endpoint is not guaranteed.
type WebhookWorker struct {
	ds         Datastore
	httpClient *http.Client
}

// NewWebhookWorker creates a delivery worker
func NewWebhookWorker(ds Datastore) *WebhookWorker {
	return &WebhookWorker{
		ds:         ds,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// DeliverDue attempts every due delivery once. Runs as a job.
func (w *WebhookWorker) DeliverDue(ctx context.Context) (bool, error) {
	logger := logging.Logger(ctx, "event.DeliverDue")

	deliveries, err := w.ds.DueDeliveries(ctx, time.Now().UTC(), 50)
	if err != nil {
		return false, err
	}

	for i := range deliveries {
		d := &deliveries[i]
		if err := w.attempt(ctx, d); err != nil {
			attempts := d.Attempts + 1
			terminal := attempts >= webhookMaxAttempts
			next := time.Now().UTC().Add(nextBackoff(attempts))
			webhookDeliveriesTotal.WithLabelValues("failure").Inc()
			if terminal {
				webhookDeliveriesTotal.WithLabelValues("exhausted").Inc()
				logger.Error().Err(err).Str("deliveryId", d.ID).Str("eventType", d.EventType).
					Int("attempts", attempts).Msg("webhook delivery exhausted")
			}
			if recErr := w.ds.RecordDeliveryFailure(ctx, d.ID, attempts, err.Error(), next, terminal); recErr != nil {
				return true, recErr
			}
			continue
		}
		webhookDeliveriesTotal.WithLabelValues("success").Inc()
		if err := w.ds.MarkDelivered(ctx, d.ID); err != nil {
			return true, err
		}
	}
	return len(deliveries) > 0, nil
}

// attempt performs one signed HTTP delivery
func (w *WebhookWorker) attempt(ctx context.Context, d *Delivery) error {
	sub, err := w.ds.GetSubscription(ctx, d.SubscriptionID)
	if err != nil {
		return err
	}
	if !sub.Active {
		return errorutils.Precondition("subscription is inactive", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(d.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(sub.Secret, d.Body))
	req.Header.Set("X-Event-Id", d.EventID)
	req.Header.Set("X-Event-Type", d.EventType)
	req.Header.Set("X-Tenant-Id", d.TenantID)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer closers.Log(ctx, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Jobs returns the webhook delivery job
func (w *WebhookWorker) Jobs() []srv.Job {
	return []srv.Job{
		{Func: w.DeliverDue, Workers: 1, Cadence: 5 * time.Second},
	}
}
