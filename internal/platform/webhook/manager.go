// Package webhook delivers examination events to configured HTTP endpoints
// with an HMAC-SHA256 signature over the body.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Endpoint is a delivery target. An empty Events list receives every event.
type Endpoint struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
}

// Event is the JSON body POSTed to every matching endpoint.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeliveryAttempt records the final outcome of delivering one event to one
// endpoint, after retries.
type DeliveryAttempt struct {
	ID         string        `json:"id"`
	URL        string        `json:"url"`
	EventType  string        `json:"event_type"`
	EventID    string        `json:"event_id"`
	StatusCode int           `json:"status_code"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration_ns"`
	Status     string        `json:"status"` // "success" or "failed"
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex signature produced by SignPayload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}
	return nil
}

// eventMatches supports exact types and "prefix.*" patterns.
func eventMatches(pattern, eventType string) bool {
	if pattern == eventType || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep Endpoint) matches(eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option {
	return func(m *Dispatcher) { m.http.SetTimeout(d) }
}

// WithRetry sets the retry count and the wait bounds between attempts.
func WithRetry(count int, wait, maxWait time.Duration) Option {
	return func(m *Dispatcher) {
		m.http.SetRetryCount(count).SetRetryWaitTime(wait).SetRetryMaxWaitTime(maxWait)
	}
}

const historySize = 200

// Dispatcher signs and delivers events to a fixed set of endpoints.
type Dispatcher struct {
	endpoints []Endpoint
	secret    string
	http      *resty.Client
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	history []*DeliveryAttempt
}

func NewDispatcher(endpoints []Endpoint, secret string, logger zerolog.Logger, opts ...Option) (*Dispatcher, error) {
	for _, ep := range endpoints {
		if err := validateURL(ep.URL); err != nil {
			return nil, err
		}
	}
	if len(endpoints) > 0 && secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}

	d := &Dispatcher{
		endpoints: endpoints,
		secret:    secret,
		http: resty.New().
			SetTimeout(10*time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second).
			SetRetryMaxWaitTime(10*time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests
			}),
		logger: logger.With().Str("component", "webhook").Logger(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// EndpointsFromURLs subscribes every url to all events.
func EndpointsFromURLs(urls []string) []Endpoint {
	eps := make([]Endpoint, 0, len(urls))
	for _, u := range urls {
		eps = append(eps, Endpoint{URL: u})
	}
	return eps
}

// Enabled reports whether any endpoint is configured.
func (d *Dispatcher) Enabled() bool { return len(d.endpoints) > 0 }

// Dispatch delivers payload as an event of eventType to every matching
// endpoint and returns one attempt per endpoint.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload interface{}) ([]*DeliveryAttempt, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}
	ev := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   raw,
		Timestamp: d.now().UTC(),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook event: %w", err)
	}

	var attempts []*DeliveryAttempt
	for _, ep := range d.endpoints {
		if !ep.matches(eventType) {
			continue
		}
		attempts = append(attempts, d.deliver(ctx, ep, ev, body))
	}
	return attempts, nil
}

func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, ev Event, body []byte) *DeliveryAttempt {
	attempt := &DeliveryAttempt{
		ID:        uuid.New().String(),
		URL:       ep.URL,
		EventType: ev.Type,
		EventID:   ev.ID,
		CreatedAt: d.now(),
	}

	start := time.Now()
	resp, err := d.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Webhook-Signature", "sha256="+SignPayload(body, d.secret)).
		SetHeader("X-Webhook-Event", ev.Type).
		SetHeader("X-Webhook-ID", ev.ID).
		SetHeader("X-Webhook-Timestamp", strconv.FormatInt(ev.Timestamp.Unix(), 10)).
		SetBody(body).
		Post(ep.URL)
	attempt.Duration = time.Since(start)

	switch {
	case err != nil:
		attempt.Status = "failed"
		attempt.Error = err.Error()
	case resp.IsSuccess():
		attempt.Status = "success"
	default:
		attempt.Status = "failed"
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode())
	}
	if resp != nil {
		attempt.StatusCode = resp.StatusCode()
		if resp.Request != nil {
			attempt.Attempts = resp.Request.Attempt
		}
	}

	log := d.logger.With().Str("url", ep.URL).Str("event_type", ev.Type).Int("attempts", attempt.Attempts).Logger()
	if attempt.Status == "failed" {
		log.Warn().Str("error", attempt.Error).Msg("webhook delivery failed")
	} else {
		log.Debug().Dur("duration", attempt.Duration).Msg("webhook delivered")
	}

	d.record(attempt)
	return attempt
}

func (d *Dispatcher) record(a *DeliveryAttempt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, a)
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}
}

// Deliveries returns up to limit recent attempts, newest first.
func (d *Dispatcher) Deliveries(limit int) []*DeliveryAttempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || limit > len(d.history) {
		limit = len(d.history)
	}
	out := make([]*DeliveryAttempt, 0, limit)
	for i := len(d.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, d.history[i])
	}
	return out
}

// Handler exposes delivery history for operators.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// RegisterRoutes mounts the history endpoint; m guards it, typically an
// admin role check.
func (h *Handler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.GET("/webhooks/deliveries", h.ListDeliveries, m...)
}

// ListDeliveries handles GET /webhooks/deliveries?limit=N.
func (h *Handler) ListDeliveries(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	items := h.dispatcher.Deliveries(limit)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  items,
		"total": len(items),
	})
}
