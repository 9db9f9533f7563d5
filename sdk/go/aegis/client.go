package aegis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Aegis Assist REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents account credentials used to obtain access tokens.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token represents an issued access token bound to a session.
type Token struct {
	AccessToken string    `json:"access_token"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Command represents a natural language instruction sent to the daemon.
type Command struct {
	Text     string `json:"text"`
	Priority string `json:"priority,omitempty"`
	Source   string `json:"source,omitempty"`
	// Wait set to false returns immediately with the queued operation.
	Wait *bool `json:"wait,omitempty"`
}

// Resolution describes how the daemon interpreted a command.
type Resolution struct {
	Kind         string      `json:"kind"`
	Question     string      `json:"question,omitempty"`
	Confidence   float64     `json:"confidence"`
	Alternatives []Operation `json:"alternatives,omitempty"`
}

// Operation is the daemon side record of a single resolved action.
type Operation struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Params      map[string]any  `json:"params,omitempty"`
	Context     map[string]any  `json:"context,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   int64           `json:"created_at"`
	StartedAt   int64           `json:"started_at,omitempty"`
	CompletedAt int64           `json:"completed_at,omitempty"`
	Error       *OperationError `json:"error,omitempty"`
}

// OperationError carries terminal failure details.
type OperationError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// CommandResult pairs the resolution with the (possibly terminal) operation.
type CommandResult struct {
	Resolution *Resolution `json:"resolution"`
	Operation  *Operation  `json:"operation,omitempty"`
}

// Stats summarises the operation store by status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InFlight   int `json:"in_flight"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolled_back"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("aegis api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("aegis api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Aegis Assist API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Authenticate exchanges account credentials for an access token and stores it
// for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token, false); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// SubmitCommand sends a natural language instruction through the resolution
// pipeline. Depending on Wait the returned operation may already be terminal.
func (c *Client) SubmitCommand(ctx context.Context, command Command) (CommandResult, error) {
	var result CommandResult
	if err := c.post(ctx, "/api/v1/commands", command, &result, true); err != nil {
		return CommandResult{}, err
	}
	return result, nil
}

// SubmitOperation enqueues a pre-structured operation draft.
func (c *Client) SubmitOperation(ctx context.Context, draft map[string]any) (Operation, error) {
	var op Operation
	if err := c.post(ctx, "/api/v1/operations", draft, &op, true); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// GetOperation fetches operation details by identifier.
func (c *Client) GetOperation(ctx context.Context, operationID string) (Operation, error) {
	var op Operation
	endpoint := "/api/v1/operations/" + url.PathEscape(operationID)
	if err := c.get(ctx, endpoint, &op, true); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// ListFilter narrows the results of ListOperations. Zero values are omitted
// from the query string.
type ListFilter struct {
	Statuses    []string
	Types       []string
	PrincipalID string
	Limit       int
	Offset      int
}

// ListOperations fetches operations matching the filter.
func (c *Client) ListOperations(ctx context.Context, filter ListFilter) ([]Operation, error) {
	params := url.Values{}
	if len(filter.Statuses) > 0 {
		params.Set("status", strings.Join(filter.Statuses, ","))
	}
	if len(filter.Types) > 0 {
		params.Set("type", strings.Join(filter.Types, ","))
	}
	if filter.PrincipalID != "" {
		params.Set("principal_id", filter.PrincipalID)
	}
	if filter.Limit > 0 {
		params.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		params.Set("offset", strconv.Itoa(filter.Offset))
	}
	endpoint := "/api/v1/operations"
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var ops []Operation
	if err := c.get(ctx, endpoint, &ops, true); err != nil {
		return nil, err
	}
	return ops, nil
}

// WaitForOperation polls until the operation reaches a terminal status or the
// context expires.
func (c *Client) WaitForOperation(ctx context.Context, operationID string, interval time.Duration) (Operation, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		op, err := c.GetOperation(ctx, operationID)
		if err != nil {
			return Operation{}, err
		}
		switch op.Status {
		case "completed", "failed", "rolled_back":
			return op, nil
		}
		select {
		case <-ctx.Done():
			return Operation{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats retrieves the aggregate operation counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/operations/stats", &stats, true); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// SystemState retrieves a read-only snapshot of the executor.
func (c *Client) SystemState(ctx context.Context) (map[string]any, error) {
	state := make(map[string]any)
	if err := c.get(ctx, "/api/v1/system/state", &state, true); err != nil {
		return nil, err
	}
	return state, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		token := c.AccessToken()
		if token == "" {
			return nil, errors.New("aegis: access token is not set")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
