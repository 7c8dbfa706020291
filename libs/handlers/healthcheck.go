package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quillpay/platform/libs/logging"
)

// CheckFunc probes a single dependency, returning nil when healthy
type CheckFunc func(ctx context.Context) error

// HealthCheckResponse - response structure for healthchecks
type HealthCheckResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// RenderJSON - helper to render a HealthCheckResponse as Json to an http.ResponseWriter
func (hcr HealthCheckResponse) RenderJSON(ctx context.Context, w http.ResponseWriter, status int) error {
	logger := logging.Logger(ctx, "handlers.HealthCheckResponse.RenderJSON")
	body, err := json.Marshal(hcr)
	if err != nil {
		return fmt.Errorf("failed to marshal response in render json: %w", err)
	}
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		logger.Error().Err(err).Msg("failed to write response to writer")
	}
	return nil
}

// HealthCheckHandler - function which generates a health check http.HandlerFunc
// probing every registered dependency check
func HealthCheckHandler(service string, started time.Time, checks map[string]CheckFunc) http.HandlerFunc {
	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			var ctx = r.Context()
			logger := logging.Logger(ctx, "handlers.HealthCheckHandler")

			hcr := HealthCheckResponse{
				Status:  "ok",
				Service: service,
				Uptime:  time.Since(started).Truncate(time.Second).String(),
				Checks:  map[string]string{},
			}

			status := http.StatusOK
			for name, check := range checks {
				cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				err := check(cctx)
				cancel()
				if err != nil {
					hcr.Status = "degraded"
					hcr.Checks[name] = err.Error()
					status = http.StatusServiceUnavailable
					continue
				}
				hcr.Checks[name] = "ok"
			}

			if err := hcr.RenderJSON(ctx, w, status); err != nil {
				w.WriteHeader(500)
				if _, err := w.Write([]byte("unhealthy")); err != nil {
					logger.Error().Err(err).Msg("failed to write response to writer")
				}
			}
		})
}
