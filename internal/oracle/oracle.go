package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"EmpireSync/internal/observability"
)

// Oracle fetches and time-caches the USD reference price of the chain
// token. The price only sizes reporting and administrative output; nothing
// in settlement math depends on it.
type Oracle struct {
	url     string
	ttl     time.Duration
	http    *http.Client
	log     zerolog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	price     decimal.Decimal
	fetchedAt time.Time
	haveValue bool
}

// New creates an Oracle polling url with the given cache TTL.
func New(url string, ttl time.Duration, log zerolog.Logger, metrics *observability.Metrics) *Oracle {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Oracle{
		url:     url,
		ttl:     ttl,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "oracle").Logger(),
		metrics: metrics,
	}
}

// ReferencePrice returns the cached price, refreshing once the cache window
// lapsed. The fetch happens under the lock, so concurrent callers of an
// expired cache coalesce onto a single upstream request. A failed refresh
// serves the last good value stale; only a cold cache propagates the error.
func (o *Oracle) ReferencePrice(ctx context.Context) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	age := time.Since(o.fetchedAt)
	if o.haveValue && age < o.ttl {
		o.observeAge(age)
		return o.price, nil
	}

	price, err := o.fetch(ctx)
	if err != nil {
		if o.metrics != nil {
			o.metrics.OracleRefreshes.WithLabelValues("error").Inc()
		}
		if o.haveValue {
			if o.metrics != nil {
				o.metrics.OracleStaleServe.Inc()
			}
			o.log.Warn().Err(err).
				Dur("age", age).
				Str("price", o.price.String()).
				Msg("price refresh failed, serving stale value")
			o.observeAge(age)
			return o.price, nil
		}
		return decimal.Zero, fmt.Errorf("reference price unavailable: %w", err)
	}

	o.price = price
	o.fetchedAt = time.Now()
	o.haveValue = true
	if o.metrics != nil {
		o.metrics.OracleRefreshes.WithLabelValues("ok").Inc()
	}
	o.observeAge(0)
	return price, nil
}

// LastUpdated reports when the cached value was fetched; ok is false on a
// cold cache.
func (o *Oracle) LastUpdated() (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fetchedAt, o.haveValue
}

func (o *Oracle) fetch(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		USD decimal.Decimal `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode price: %w", err)
	}
	if payload.USD.IsNegative() || payload.USD.IsZero() {
		return decimal.Zero, fmt.Errorf("implausible price %s", payload.USD)
	}
	return payload.USD, nil
}

func (o *Oracle) observeAge(age time.Duration) {
	if o.metrics != nil {
		o.metrics.OraclePriceAge.Set(age.Seconds())
	}
}
