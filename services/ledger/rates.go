package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/quillpay/platform/libs/circuitbreaker"
	"github.com/quillpay/platform/libs/closers"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/logging"
	"github.com/shopspring/decimal"
)

// RateFreshness bounds how old a rate may be when a cross currency posting
// uses it.
const RateFreshness = 5 * time.Minute

// Rate is a quoted conversion rate with its provenance
type Rate struct {
	From       string          `json:"from"`
	To         string          `json:"to"`
	Rate       decimal.Decimal `json:"rate"`
	Source     string          `json:"source"`
	ObtainedAt time.Time       `json:"obtainedAt"`
}

// Fresh reports whether the rate is inside the freshness window
func (r Rate) Fresh() bool {
	return time.Since(r.ObtainedAt) <= RateFreshness
}

// RateService quotes conversion rates. Manual overrides stored in the
// ledger database take precedence; otherwise the external provider is
// consulted behind a circuit breaker. There is no fallback guess: when
// every source fails, conversion fails.
type RateService struct {
	ds          Datastore
	cache       *cache.Cache
	breaker     *circuitbreaker.Breaker
	providerURL string
	httpClient  *http.Client
}

// NewRateService creates the rate service. providerURL may be empty when
// a deployment relies on manual overrides only.
func NewRateService(ds Datastore, providerURL string) *RateService {
	return &RateService{
		ds:          ds,
		cache:       cache.New(RateFreshness, time.Minute),
		breaker:     circuitbreaker.New(circuitbreaker.Config{Name: "exchange-rate-provider"}),
		providerURL: providerURL,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
	}
}

// SetOverride stores a persistent manual rate and drops the cached quote
func (s *RateService) SetOverride(ctx context.Context, from, to string, rate decimal.Decimal) error {
	if rate.LessThanOrEqual(decimal.Zero) {
		return errorutils.Validation("rate must be positive", nil)
	}
	if err := s.ds.SetRateOverride(ctx, from, to, rate); err != nil {
		return err
	}
	s.cache.Delete(from + ":" + to)
	return nil
}

// GetRate quotes a rate for the pair. Identical currencies always quote 1.
func (s *RateService) GetRate(ctx context.Context, from, to string) (*Rate, error) {
	if from == to {
		return &Rate{From: from, To: to, Rate: decimal.NewFromInt(1), Source: "identity", ObtainedAt: time.Now().UTC()}, nil
	}

	// manual overrides always win
	if rate, err := s.ds.GetRateOverride(ctx, from, to); err == nil {
		return &Rate{From: from, To: to, Rate: rate, Source: "override", ObtainedAt: time.Now().UTC()}, nil
	} else if !errorutils.IsNotFound(err) {
		return nil, err
	}

	key := from + ":" + to
	if v, ok := s.cache.Get(key); ok {
		return v.(*Rate), nil
	}

	rate, err := s.fetchProviderRate(ctx, from, to)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(key, rate)
	return rate, nil
}

func (s *RateService) fetchProviderRate(ctx context.Context, from, to string) (*Rate, error) {
	logger := logging.Logger(ctx, "ledger.fetchProviderRate")

	if s.providerURL == "" {
		return nil, errorutils.Upstream(nil, "no exchange rate available for pair", map[string]interface{}{
			"from": from, "to": to,
		})
	}

	out, err := s.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		url := fmt.Sprintf("%s/v1/rates/%s/%s", s.providerURL, from, to)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer closers.Log(ctx, resp.Body)

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("rate provider returned %d", resp.StatusCode)
		}

		var body struct {
			Rate decimal.Decimal `json:"rate"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, err
		}
		if body.Rate.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("rate provider returned non-positive rate")
		}
		return body.Rate, nil
	})
	if err != nil {
		logger.Warn().Err(err).Str("from", from).Str("to", to).
			Str("breakerState", s.breaker.State().String()).Msg("rate lookup failed")
		return nil, errorutils.Upstream(err, "exchange rate unavailable", map[string]interface{}{
			"from": from, "to": to, "breakerState": s.breaker.State().String(),
		})
	}

	return &Rate{
		From:       from,
		To:         to,
		Rate:       out.(decimal.Decimal),
		Source:     "provider",
		ObtainedAt: time.Now().UTC(),
	}, nil
}
