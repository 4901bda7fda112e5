// Package agent implements the Worker Agent (spec.md §4.5): a singleton
// process-wide loop that reports liveness to the control plane, converges
// deploy items to local state, and keeps the dispatcher's routing table
// current.
//
// The control-plane HTTP client is grounded on the teacher's sdk-go
// (`sdk-go/http.go`: a thin doRequest wrapper with bearer/API-key headers,
// JSON marshal/unmarshal, typed error parsing via parseError).
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	headerAuthorization = "Authorization"
	headerUserAgent     = "User-Agent"
	headerContentType   = "Content-Type"
	contentTypeJSON     = "application/json"
	agentUserAgent      = "edge-worker-agent/1.0.0"
)

// APIError is the typed error parsed from a non-2xx control-plane response.
type APIError struct {
	StatusCode int                    `json:"-"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Client is the worker's HTTP client for the two control-plane endpoints
// (spec.md §6: `/api/v1/worker-api/{alive,deploys}`).
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a Client against baseURL, authenticating with the
// worker's scoped bearer service token (spec.md §4.6 design note: the
// REGION_TOKEN global-owner backdoor is removed in favor of this token).
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	reqURL := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(headerAuthorization, "Bearer "+c.token)
	req.Header.Set(headerUserAgent, agentUserAgent)
	if body != nil {
		req.Header.Set(headerContentType, contentTypeJSON)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func parseAPIError(statusCode int, body []byte) error {
	var env struct {
		Error struct {
			Code    string                 `json:"code"`
			Message string                 `json:"message"`
			Details map[string]interface{} `json:"details,omitempty"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != "" {
		return &APIError{StatusCode: statusCode, Code: env.Error.Code, Message: env.Error.Message, Details: env.Error.Details}
	}
	return &APIError{StatusCode: statusCode, Code: "unknown", Message: string(body)}
}

// IPInfo identifies the reporting worker to the control plane (spec.md §6:
// the alive payload's `ip` field is a structured value, not a bare string).
type IPInfo struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	Region   string `json:"region"`
}

// AliveRequest is the liveness ticker's payload (spec.md §4.5).
type AliveRequest struct {
	IP    IPInfo            `json:"ip"`
	Tasks map[string]string `json:"tasks"`
}

// AliveResponse lists the task-content strings the worker should converge
// to, per the liveness protocol (spec.md §6: the response body is a bare
// JSON array of task-content strings, not an envelope object).
type AliveResponse struct {
	Tasks []string
}

// Alive posts the current outcome map and returns the server's expected
// task set.
func (c *Client) Alive(ctx context.Context, ip IPInfo, tasks map[string]string) (*AliveResponse, error) {
	var tasksOut []string
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/worker-api/alive", AliveRequest{IP: ip, Tasks: tasks}, &tasksOut); err != nil {
		return nil, err
	}
	return &AliveResponse{Tasks: tasksOut}, nil
}

// DeploysResponse is the full desired-state set returned by the full-sync
// endpoint (spec.md §4.5: "{checksum, tasks: [item, …]}").
type DeploysResponse struct {
	Checksum string       `json:"checksum"`
	Tasks    []DeployItem `json:"tasks"`
}

// Deploys fetches the complete desired-state set.
func (c *Client) Deploys(ctx context.Context) (*DeploysResponse, error) {
	var out DeploysResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/worker-api/deploys", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
