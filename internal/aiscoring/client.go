// Package aiscoring calls the external AI risk-scoring service.
package aiscoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aura/exam/internal/domain/examination"
)

const diagnosisPath = "/api/ai/auto-diagnosis"

type Request struct {
	FileName  string `json:"file_name"`
	ImageURL  string `json:"image_url"`
	PatientID string `json:"patient_id"`
}

// NewRequest builds the scoring request for an uploaded image.
func NewRequest(imageID uuid.UUID, imageURL string, patientID uuid.UUID) Request {
	return Request{
		FileName:  imageID.String() + ".jpg",
		ImageURL:  imageURL,
		PatientID: patientID.String(),
	}
}

// response is the wire shape returned by the scoring service.
type response struct {
	Status     string   `json:"status"`
	Diagnosis  string   `json:"diagnosis"`
	RiskScore  *float64 `json:"risk_score"`
	RiskLevel  string   `json:"risk_level"`
	HeatmapURL string   `json:"heatmap_url"`
}

// Result is a validated scoring outcome with the score normalized to [0,1].
type Result struct {
	Diagnosis  string
	RiskLevel  *examination.RiskLevel
	RiskScore  float64
	HeatmapURL string
}

// AIResult converts r into the examination merge input.
func (r *Result) AIResult() examination.AIResult {
	score := r.RiskScore
	out := examination.AIResult{RiskScore: &score, RiskLevel: r.RiskLevel}
	if r.Diagnosis != "" {
		d := r.Diagnosis
		out.Diagnosis = &d
	}
	if r.HeatmapURL != "" {
		h := r.HeatmapURL
		out.HeatmapURL = &h
	}
	return out
}

// UpstreamServiceError is returned for every failed scoring call: transport
// errors, timeouts, non-2xx statuses and unusable bodies.
type UpstreamServiceError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamServiceError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("ai service returned %d: %v", e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("ai service returned %d: %s", e.StatusCode, truncate(e.Body, 200))
	}
	return fmt.Sprintf("ai service call failed: %v", e.Err)
}

func (e *UpstreamServiceError) Unwrap() error { return e.Err }

type Options struct {
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}
	if opts.RetryMaxWait <= 0 {
		opts.RetryMaxWait = 5 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.MaxRetries).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.RetryMaxWait).
		AddRetryCondition(retryable).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		logger: logger.With().Str("component", "aiscoring").Logger(),
	}
}

// retryable limits retries to transport failures, 5xx and 429.
func retryable(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	return r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests
}

// Score submits the image for scoring.
func (c *Client) Score(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post(diagnosisPath)
	if err != nil {
		return nil, &UpstreamServiceError{Err: err}
	}

	c.logger.Debug().
		Str("file_name", req.FileName).
		Int("status", resp.StatusCode()).
		Dur("latency", time.Since(start)).
		Msg("ai scoring call")

	if !resp.IsSuccess() {
		return nil, &UpstreamServiceError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	var body response
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, &UpstreamServiceError{StatusCode: resp.StatusCode(), Body: resp.String(), Err: fmt.Errorf("decode response: %w", err)}
	}
	res, err := body.result()
	if err != nil {
		return nil, &UpstreamServiceError{StatusCode: resp.StatusCode(), Body: resp.String(), Err: err}
	}
	return res, nil
}

func (b response) result() (*Result, error) {
	if s := strings.ToLower(b.Status); s == "error" || s == "failed" {
		return nil, fmt.Errorf("scoring reported status %q", b.Status)
	}
	if b.RiskScore == nil {
		return nil, fmt.Errorf("%w: risk_score missing", examination.ErrInvalidRiskScore)
	}
	score, err := examination.NormalizeRiskScore(*b.RiskScore)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Diagnosis:  strings.TrimSpace(b.Diagnosis),
		RiskScore:  score,
		HeatmapURL: strings.TrimSpace(b.HeatmapURL),
	}
	if strings.TrimSpace(b.RiskLevel) != "" {
		lvl, err := examination.ParseRiskLevel(b.RiskLevel)
		if err != nil {
			return nil, err
		}
		res.RiskLevel = &lvl
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
