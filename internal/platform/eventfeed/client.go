package eventfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

const (
	maxRetries    = 3
	baseRetryWait = 250 * time.Millisecond
)

// Client is a REST client for the external results feed that reports
// sports/event outcomes and reference prices.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retryWait  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRetryWait sets the base backoff between retried requests.
func WithRetryWait(d time.Duration) Option {
	return func(c *Client) { c.retryWait = d }
}

// NewClient creates a feed client limited to perSecond requests with the
// given burst.
func NewClient(baseURL, apiKey string, perSecond float64, burst int, opts ...Option) *Client {
	if burst < 1 {
		burst = 1
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(perSecond), burst),
		retryWait:  baseRetryWait,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EventStatus is the feed's lifecycle for an event.
type EventStatus string

const (
	EventScheduled  EventStatus = "scheduled"
	EventInProgress EventStatus = "in_progress"
	EventFinal      EventStatus = "final"
	EventCancelled  EventStatus = "cancelled"
)

// Event is one feed event. Outcome is YES or NO once Status is final.
type Event struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Status      EventStatus     `json:"status"`
	Outcome     string          `json:"outcome"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// Quote is a reference price observed at a point in time.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
}

// GetEvent fetches an event by id.
func (c *Client) GetEvent(ctx context.Context, id string) (Event, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/events/"+url.PathEscape(id), nil, &raw); err != nil {
		return Event{}, fmt.Errorf("eventfeed: get event %s: %w", id, err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("eventfeed: decode event %s: %w", id, err)
	}
	ev.Raw = raw
	return ev, nil
}

// PriceAt returns the last price of symbol at or before at.
func (c *Client) PriceAt(ctx context.Context, symbol string, at time.Time) (Quote, error) {
	q := url.Values{"at": {at.UTC().Format(time.RFC3339)}}
	var quote Quote
	if err := c.get(ctx, "/prices/"+url.PathEscape(symbol), q, &quote); err != nil {
		return Quote{}, fmt.Errorf("eventfeed: price %s at %s: %w", symbol, at.Format(time.RFC3339), err)
	}
	return quote, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return domain.ErrNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("status %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		case resp.StatusCode >= 400:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.retryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
