// Package client provides the ddosguard Go SDK for scoring requests and
// reading the detection log of a running ddos-server.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Result is the serving contract of a single prediction.
type Result struct {
	IsDDoS     bool    `json:"is_ddos"`
	Confidence float64 `json:"confidence"`
	RiskLevel  string  `json:"risk_level"`
}

// BatchItem is one entry of a batch prediction: either a Result or the
// schema error of that record.
type BatchItem struct {
	IsDDoS     *bool    `json:"is_ddos,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	RiskLevel  string   `json:"risk_level,omitempty"`
	Error      string   `json:"error,omitempty"`
	Missing    []string `json:"missing,omitempty"`
}

// ModelInfo describes the model a server is serving.
type ModelInfo struct {
	ID                string          `json:"id"`
	CreatedAt         time.Time       `json:"created_at"`
	Kind              string          `json:"kind"`
	Width             int             `json:"width"`
	Threshold         float64         `json:"threshold"`
	Banding           string          `json:"banding"`
	SchemaVersion     int             `json:"schema_version"`
	SchemaFingerprint string          `json:"schema_fingerprint"`
	Digest            string          `json:"digest"`
	Validation        json.RawMessage `json:"validation,omitempty"`
	Test              json.RawMessage `json:"test,omitempty"`
}

// Detection is one entry of the detection log.
type Detection struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	IP         string         `json:"ip"`
	Features   map[string]any `json:"features"`
	IsDDoS     bool           `json:"is_ddos"`
	Confidence float64        `json:"confidence"`
	RiskLevel  string         `json:"risk_level"`
	Blocked    bool           `json:"blocked"`
	ModelID    string         `json:"model_id,omitempty"`
}

// DetectionFilter narrows Detections. Zero values are omitted.
type DetectionFilter struct {
	Limit    int
	Offset   int
	DDoSOnly bool
	Since    time.Time
	IP       string
}

// Stats aggregates the detection log.
type Stats struct {
	Since   time.Time      `json:"since"`
	Total   int            `json:"total"`
	DDoS    int            `json:"ddos"`
	Blocked int            `json:"blocked"`
	ByTier  map[string]int `json:"by_tier"`
	TopIPs  []struct {
		IP    string `json:"ip"`
		Count int    `json:"count"`
	} `json:"top_ips"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	Status  int
	Message string
	Kind    string   // schema error kind, when the server reported one
	Missing []string // fields named by a schema error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ddosguard: %d: %s", e.Status, e.Message)
}

// IsNotReady reports whether err means the server has no model loaded or
// timed out.
func IsNotReady(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusServiceUnavailable
}

// Client is the ddosguard SDK entry point.
type Client struct {
	base       string
	httpClient *http.Client

	// guarded by mu
	mu          sync.Mutex
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an admin token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		c.httpClient.Timeout = d
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed server.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: c.httpClient.Timeout,
		}
		return nil
	}
}

// New creates a Client for the server at base.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithTimeout(2*time.Second),
//	)
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// SetBearerToken replaces the admin token used for later requests.
func (c *Client) SetBearerToken(token string) {
	c.mu.Lock()
	c.bearerToken = token
	c.mu.Unlock()
}

// Predict scores one feature record.
func (c *Client) Predict(ctx context.Context, record map[string]any) (*Result, error) {
	var res Result
	if err := c.call(ctx, http.MethodPost, "/api/v1/predict", record, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PredictBatch scores many records in one request.
func (c *Client) PredictBatch(ctx context.Context, records []map[string]any) ([]BatchItem, error) {
	var resp struct {
		Results []BatchItem `json:"results"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/predict/batch", map[string]any{"records": records}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Model returns information about the serving model.
func (c *Client) Model(ctx context.Context) (*ModelInfo, error) {
	var info ModelInfo
	if err := c.call(ctx, http.MethodGet, "/api/v1/model", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ReloadModel asks the server to reload its artifact. Requires an admin token.
func (c *Client) ReloadModel(ctx context.Context) (*ModelInfo, error) {
	var info ModelInfo
	if err := c.call(ctx, http.MethodPost, "/api/v1/model/reload", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// AdminToken exchanges the operator secret for an admin token and uses it
// for subsequent requests.
func (c *Client) AdminToken(ctx context.Context, secret string) (string, time.Time, error) {
	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/auth/token", map[string]string{"secret": secret}, &resp); err != nil {
		return "", time.Time{}, err
	}
	c.SetBearerToken(resp.Token)
	return resp.Token, resp.ExpiresAt, nil
}

// Detections lists the detection log. Requires an admin token.
func (c *Client) Detections(ctx context.Context, f DetectionFilter) ([]Detection, error) {
	q := url.Values{}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.DDoSOnly {
		q.Set("ddos_only", "true")
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if f.IP != "" {
		q.Set("ip", f.IP)
	}
	path := "/api/v1/detections"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Detections []Detection `json:"detections"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Detections, nil
}

// DetectionStats aggregates the detection log since the given time; a zero
// since uses the server default. Requires an admin token.
func (c *Client) DetectionStats(ctx context.Context, since time.Time) (*Stats, error) {
	path := "/api/v1/detections/stats"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}
	var st Stats
	if err := c.call(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// HistoryEntry is one model deployment event.
type HistoryEntry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	ModelID   string    `json:"model_id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail"`
	Hash      string    `json:"hash"`
}

// History is the server's model deployment history, newest first.
type History struct {
	Entries     []HistoryEntry `json:"entries"`
	Root        string         `json:"root"`
	Verified    bool           `json:"verified"`
	VerifyError string         `json:"verify_error,omitempty"`
}

// ModelHistory returns up to limit deployment events. Requires an admin token.
func (c *Client) ModelHistory(ctx context.Context, limit int) (*History, error) {
	path := "/api/v1/model/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var h History
	if err := c.call(ctx, http.MethodGet, path, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// call sends reqBody as JSON and decodes a 2xx response into respBody.
func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	data, err := c.do(req)
	if err != nil {
		return err
	}
	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(data, respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request, attaching the Bearer token if present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	c.mu.Lock()
	token := c.bearerToken
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var payload struct {
			Error   string   `json:"error"`
			Kind    string   `json:"kind"`
			Missing []string `json:"missing"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Kind = payload.Kind
			apiErr.Missing = payload.Missing
		}
		return nil, apiErr
	}
	return body, nil
}
