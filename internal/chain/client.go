package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"EmpireSync/internal/observability"
)

// Client is the boundary to the remote chain. Reads return snapshots,
// writes return handles to confirm later. All calls distinguish transient
// from permanent failure; none retries internally.
type Client interface {
	AccountState(ctx context.Context, address string) (*AccountSnapshot, error)
	Businesses(ctx context.Context, address string) ([]BusinessSnapshot, error)
	SubmitAccrual(ctx context.Context, address string, amount int64) (RequestHandle, error)
	Confirm(ctx context.Context, handle RequestHandle, timeout time.Duration) (ConfirmResult, error)
}

// ClientConfig configures the HTTP chain client.
type ClientConfig struct {
	PrimaryURL          string
	FallbackURLs        []string
	RequestTimeout      time.Duration
	ConfirmPollInterval time.Duration
}

// HTTPClient talks JSON over HTTP to a chain gateway node. Reads fail over
// to fallback URLs on transient primary failure (one pass, in order).
// Submissions never fail over: an ambiguous primary failure must surface to
// the caller, not risk a second landing.
type HTTPClient struct {
	cfg     ClientConfig
	http    *http.Client
	log     zerolog.Logger
	metrics *observability.Metrics
}

// NewHTTPClient creates a chain client against cfg.PrimaryURL.
func NewHTTPClient(cfg ClientConfig, log zerolog.Logger, metrics *observability.Metrics) *HTTPClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 2 * time.Second
	}
	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		log:     log.With().Str("component", "chain").Logger(),
		metrics: metrics,
	}
}

type accountPayload struct {
	Address         string `json:"address"`
	TotalInvested   int64  `json:"total_invested"`
	TotalEarned     int64  `json:"total_earned"`
	PendingEarnings int64  `json:"pending_earnings"`
	LastClaimAt     int64  `json:"last_claim_at"`
	BusinessCount   int    `json:"business_count"`
}

type businessPayload struct {
	SlotIndex     int32  `json:"slot_index"`
	Kind          string `json:"kind"`
	Level         int32  `json:"level"`
	BaseInvested  int64  `json:"base_invested"`
	TotalInvested int64  `json:"total_invested"`
	RateBps       int32  `json:"rate_bps"`
	Active        bool   `json:"active"`
	CreatedAt     int64  `json:"created_at"`
	LastClaimAt   int64  `json:"last_claim_at"`
}

type submitPayload struct {
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"`
	Address   string `json:"address"`
	Amount    int64  `json:"amount"`
}

type requestStatusPayload struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Height    uint64 `json:"height"`
	Reason    string `json:"reason"`
}

// AccountState reads the chain's current account snapshot. A missing
// account returns (nil, nil); not-found is an answer, not a failure.
func (c *HTTPClient) AccountState(ctx context.Context, address string) (*AccountSnapshot, error) {
	const op = "account_state"
	var payload accountPayload
	status, err := c.getWithFallback(ctx, op, "/v1/accounts/"+address, &payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return &AccountSnapshot{
		Address:         payload.Address,
		TotalInvested:   payload.TotalInvested,
		TotalEarned:     payload.TotalEarned,
		PendingEarnings: payload.PendingEarnings,
		LastClaimAt:     unixTime(payload.LastClaimAt),
		BusinessCount:   payload.BusinessCount,
	}, nil
}

// Businesses reads the chain's business slots for an address, sorted by
// slot index. A missing account yields an empty list.
func (c *HTTPClient) Businesses(ctx context.Context, address string) ([]BusinessSnapshot, error) {
	const op = "businesses"
	var payload struct {
		Businesses []businessPayload `json:"businesses"`
	}
	status, err := c.getWithFallback(ctx, op, "/v1/accounts/"+address+"/businesses", &payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}

	out := make([]BusinessSnapshot, 0, len(payload.Businesses))
	for _, b := range payload.Businesses {
		out = append(out, BusinessSnapshot{
			SlotIndex:     b.SlotIndex,
			Kind:          b.Kind,
			Level:         b.Level,
			BaseInvested:  b.BaseInvested,
			TotalInvested: b.TotalInvested,
			RateBps:       b.RateBps,
			Active:        b.Active,
			CreatedAt:     unixTime(b.CreatedAt),
			LastClaimAt:   unixTime(b.LastClaimAt),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotIndex < out[j].SlotIndex })
	return out, nil
}

// SubmitAccrual submits a settle-earnings request crediting amount micros
// to the address. The request ID is generated here and doubles as the
// chain-side idempotency key.
func (c *HTTPClient) SubmitAccrual(ctx context.Context, address string, amount int64) (RequestHandle, error) {
	const op = "submit_accrual"
	if amount <= 0 {
		return RequestHandle{}, &PermanentError{Op: op, Reason: fmt.Sprintf("non-positive amount %d", amount)}
	}

	body := submitPayload{
		RequestID: uuid.NewString(),
		Kind:      RequestKindSettle,
		Address:   address,
		Amount:    amount,
	}
	var resp requestStatusPayload
	if err := c.post(ctx, op, "/v1/requests", body, &resp); err != nil {
		return RequestHandle{}, err
	}
	id := resp.RequestID
	if id == "" {
		id = body.RequestID
	}
	return RequestHandle{
		ID:          id,
		Kind:        RequestKindSettle,
		Address:     address,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// Confirm polls the request until it lands, is rejected, or the timeout
// passes. Poll failures are absorbed: the deadline decides. A timeout is
// reported in the result, not as an error.
func (c *HTTPClient) Confirm(ctx context.Context, handle RequestHandle, timeout time.Duration) (ConfirmResult, error) {
	const op = "confirm"
	deadline := time.Now().Add(timeout)

	for {
		var payload requestStatusPayload
		status, err := c.getWithFallback(ctx, op, "/v1/requests/"+handle.ID, &payload)
		switch {
		case err != nil && ctx.Err() != nil:
			return ConfirmResult{}, err
		case err != nil:
			// Node hiccup mid-wait; keep polling until the deadline.
			c.log.Debug().Err(err).Str("request_id", handle.ID).Msg("confirm poll failed")
		case status == http.StatusNotFound:
			// Not indexed yet; keep polling.
		case payload.Status == "confirmed":
			return ConfirmResult{Status: Confirmed, Height: payload.Height}, nil
		case payload.Status == "rejected":
			return ConfirmResult{Status: Rejected, Reason: payload.Reason}, nil
		}

		if time.Now().After(deadline) {
			if c.metrics != nil {
				c.metrics.ChainConfirmTimeout.Inc()
			}
			return ConfirmResult{Status: TimedOut}, nil
		}

		select {
		case <-ctx.Done():
			return ConfirmResult{}, ctx.Err()
		case <-time.After(c.cfg.ConfirmPollInterval):
		}
	}
}

// Ping checks chain reachability for the readiness probe.
func (c *HTTPClient) Ping(ctx context.Context) error {
	var payload struct {
		Height uint64 `json:"height"`
	}
	_, err := c.getWithFallback(ctx, "status", "/v1/status", &payload)
	return err
}

// getWithFallback GETs path from the primary, then from each fallback in
// order when the primary fails transiently. Permanent errors stop the pass.
// Returns the HTTP status for the caller's not-found handling; 404 is not
// decoded.
func (c *HTTPClient) getWithFallback(ctx context.Context, op, path string, out interface{}) (int, error) {
	start := time.Now()
	status, err := c.getOne(ctx, op, c.cfg.PrimaryURL, path, out)
	if err != nil && IsTransient(err) && ctx.Err() == nil {
		for _, base := range c.cfg.FallbackURLs {
			var ferr error
			status, ferr = c.getOne(ctx, op, base, path, out)
			if ferr == nil {
				if c.metrics != nil {
					c.metrics.ChainFallbackUsed.Inc()
				}
				err = nil
				break
			}
			if !IsTransient(ferr) {
				err = ferr
				break
			}
			err = ferr
		}
	}
	c.observe(op, start, err)
	return status, err
}

func (c *HTTPClient) getOne(ctx context.Context, op, base, path string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return 0, &PermanentError{Op: op, Reason: err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, classifyStatus(op, resp.StatusCode, readBodySnippet(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, &PermanentError{Op: op, Reason: "undecodable response: " + err.Error()}
	}
	return resp.StatusCode, nil
}

func (c *HTTPClient) post(ctx context.Context, op, path string, body, out interface{}) error {
	start := time.Now()
	err := c.postOne(ctx, op, c.cfg.PrimaryURL, path, body, out)
	c.observe(op, start, err)
	return err
}

func (c *HTTPClient) postOne(ctx context.Context, op, base, path string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return &PermanentError{Op: op, Reason: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(buf))
	if err != nil {
		return &PermanentError{Op: op, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return classifyStatus(op, resp.StatusCode, readBodySnippet(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &PermanentError{Op: op, Reason: "undecodable response: " + err.Error()}
	}
	return nil
}

func (c *HTTPClient) observe(op string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case IsTransient(err):
		outcome = "transient"
	default:
		outcome = "permanent"
	}
	c.metrics.ChainRequests.WithLabelValues(op, outcome).Inc()
	c.metrics.ChainRequestDur.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func classifyStatus(op string, status int, body string) error {
	if status >= 500 || status == http.StatusTooManyRequests {
		return &TransientError{Op: op, Err: fmt.Errorf("http %d: %s", status, body)}
	}
	return &PermanentError{Op: op, Reason: fmt.Sprintf("http %d: %s", status, body)}
}

func readBodySnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(bytes.TrimSpace(b))
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
