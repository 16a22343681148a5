// Package chainflow provides a thin HTTP client for the ChainFlow-Eval API.
package chainflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a ChainFlow-Eval daemon over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithTimeout sets the request timeout on the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a client for the given base URL, e.g. http://localhost:8080.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	// Flow execution waits for consolidation server-side, so the default
	// timeout must exceed the 60s consolidation window.
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WalletContext mirrors the server-side wallet snapshot.
type WalletContext struct {
	Address  string            `json:"address"`
	ChainID  string            `json:"chain_id,omitempty"`
	Balances map[string]string `json:"balances,omitempty"`
}

// FlowRequest is a full evaluation request.
type FlowRequest struct {
	Request string        `json:"request"`
	Wallet  WalletContext `json:"wallet"`
	Mode    string        `json:"mode,omitempty"`
	Bundle  string        `json:"bundle,omitempty"`
}

// ValidationResult carries the scoring breakdown.
type ValidationResult struct {
	Total       float64  `json:"total"`
	Instruction float64  `json:"instruction"`
	Outcome     float64  `json:"outcome"`
	Failures    []string `json:"failures,omitempty"`
}

// ExecutionResult is the outcome of one evaluation.
type ExecutionResult struct {
	ExecutionID string            `json:"execution_id"`
	PlanID      string            `json:"plan_id"`
	Status      string            `json:"status"`
	Score       *float64          `json:"score,omitempty"`
	Validation  *ValidationResult `json:"validation,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// StepResult is one recorded step attempt.
type StepResult struct {
	StepID      string `json:"step_id"`
	Ordinal     int    `json:"ordinal"`
	Attempt     int    `json:"attempt"`
	Tool        string `json:"tool"`
	Output      string `json:"output,omitempty"`
	Status      string `json:"status"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// Session is the stored record of one execution.
type Session struct {
	ID         string       `json:"id"`
	PlanID     string       `json:"plan_id"`
	Request    string       `json:"request"`
	Mode       string       `json:"mode"`
	Status     string       `json:"status"`
	Steps      []StepResult `json:"steps,omitempty"`
	Score      *float64     `json:"score,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  int64        `json:"created_at"`
	FinishedAt int64        `json:"finished_at,omitempty"`
}

// ConsolidatedSession is the consolidated summary of one execution.
type ConsolidatedSession struct {
	ExecutionID    string         `json:"execution_id"`
	Status         string         `json:"status"`
	Steps          []StepResult   `json:"steps,omitempty"`
	StepCount      int            `json:"step_count"`
	AttemptCount   int            `json:"attempt_count"`
	SuccessRate    float64        `json:"success_rate"`
	ToolCounts     map[string]int `json:"tool_counts,omitempty"`
	RecoveryCount  int            `json:"recovery_count"`
	DurationMS     int64          `json:"duration_ms"`
	ConsolidatedAt int64          `json:"consolidated_at"`
}

// Stats summarises the session store.
type Stats struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	AverageScore float64        `json:"average_score"`
	Consolidated int            `json:"consolidated"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("chainflow: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// ExecuteFlow runs one full evaluation and blocks until it is scored.
func (c *Client) ExecuteFlow(ctx context.Context, req FlowRequest) (*ExecutionResult, error) {
	var result ExecutionResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/flows", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetSession fetches a stored session by execution ID.
func (c *Client) GetSession(ctx context.Context, executionID string) (*Session, error) {
	var sess Session
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(executionID), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions lists sessions, optionally filtered by status.
func (c *Client) ListSessions(ctx context.Context, status string, limit, offset int) ([]Session, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/v1/sessions"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var payload struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Sessions, nil
}

// GetConsolidated fetches the consolidated summary of an execution.
func (c *Client) GetConsolidated(ctx context.Context, executionID string) (*ConsolidatedSession, error) {
	var consolidated ConsolidatedSession
	path := "/api/v1/sessions/" + url.PathEscape(executionID) + "/consolidated"
	if err := c.do(ctx, http.MethodGet, path, nil, &consolidated); err != nil {
		return nil, err
	}
	return &consolidated, nil
}

// GetStats fetches store-wide statistics.
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Health probes the daemon.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var wrapper struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "UNKNOWN", Message: string(data)}
		if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.Error.Code != "" {
			apiErr.Code = wrapper.Error.Code
			apiErr.Message = wrapper.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
