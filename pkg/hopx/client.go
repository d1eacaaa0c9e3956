package hopx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

const defaultBaseURL = "https://api.hopx.ai"

// ClientConfig configures the hopx API client.
type ClientConfig struct {
	// BaseURL overrides the production API endpoint. Mainly for tests.
	BaseURL string
	// APIKey authenticates sandbox creation. Required.
	APIKey string
}

// Client talks to the hopx control plane. It implements Factory.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a hopx API client.
//
// The underlying http.Client carries no global timeout: code executions can
// legitimately run for minutes, so deadlines are applied per request through
// the context.
func NewClient(cfg ClientConfig) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{},
	}
}

type createRequest struct {
	Template   string `json:"template"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type createResponse struct {
	SandboxID      string    `json:"sandbox_id"`
	Token          string    `json:"token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Create provisions a new sandbox and returns its handle.
func (c *Client) Create(ctx context.Context, opts CreateOpts) (Sandbox, error) {
	in := createRequest{
		Template:   opts.Template,
		TTLSeconds: int(opts.TTL / time.Second),
	}
	var out createResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sandboxes", "", c.apiKey, in, &out); err != nil {
		return nil, err
	}

	return &remoteSandbox{
		client:         c,
		id:             out.SandboxID,
		token:          out.Token,
		tokenExpiresAt: out.TokenExpiresAt,
	}, nil
}

// remoteSandbox is the HTTP-backed Sandbox implementation. The access token
// is mutable (EnsureValidToken) and guarded by mu.
type remoteSandbox struct {
	client *Client
	id     string

	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time
}

func (s *remoteSandbox) ID() string {
	return s.id
}

func (s *remoteSandbox) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

type runCodeRequest struct {
	Code           string `json:"code"`
	Language       string `json:"language"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// RunCode executes code inside the sandbox.
func (s *remoteSandbox) RunCode(ctx context.Context, code string, opts RunOpts) (*Execution, error) {
	in := runCodeRequest{
		Code:           code,
		Language:       opts.Language,
		TimeoutSeconds: int(opts.Timeout / time.Second),
	}
	var out Execution
	if err := s.do(ctx, http.MethodPost, "/code", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns the sandbox health report.
func (s *remoteSandbox) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := s.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AgentMetrics returns the sandbox agent's counters.
func (s *remoteSandbox) AgentMetrics(ctx context.Context) (*AgentMetrics, error) {
	var out AgentMetrics
	if err := s.do(ctx, http.MethodGet, "/metrics", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Info returns static sandbox details.
func (s *remoteSandbox) Info(ctx context.Context) (*Info, error) {
	var out Info
	if err := s.do(ctx, http.MethodGet, "/info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExpiryInfo returns the sandbox's expiry report.
func (s *remoteSandbox) ExpiryInfo(ctx context.Context) (*ExpiryInfo, error) {
	var out ExpiryInfo
	if err := s.do(ctx, http.MethodGet, "/expiry", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type refreshTokenResponse struct {
	Token          string    `json:"token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
}

// tokenRefreshMargin is how close to token expiry a refresh is triggered.
const tokenRefreshMargin = time.Minute

// EnsureValidToken refreshes the access token when it is within a minute of
// expiry and swaps it in place. Sandboxes that never report token expiry are
// left alone.
func (s *remoteSandbox) EnsureValidToken(ctx context.Context) error {
	s.mu.Lock()
	exp := s.tokenExpiresAt
	s.mu.Unlock()

	if exp.IsZero() || time.Until(exp) > tokenRefreshMargin {
		return nil
	}

	var out refreshTokenResponse
	if err := s.do(ctx, http.MethodPost, "/token/refresh", nil, &out); err != nil {
		return err
	}

	s.mu.Lock()
	s.token = out.Token
	s.tokenExpiresAt = out.TokenExpiresAt
	s.mu.Unlock()
	return nil
}

// Kill terminates the sandbox.
func (s *remoteSandbox) Kill(ctx context.Context) error {
	return s.do(ctx, http.MethodDelete, "", nil, nil)
}

// do issues a sandbox-scoped request authenticated with the sandbox token.
func (s *remoteSandbox) do(ctx context.Context, method, suffix string, in, out any) error {
	return s.client.doJSON(ctx, method, "/v1/sandboxes/"+url.PathEscape(s.id)+suffix, s.id, s.currentToken(), in, out)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// doJSON sends a JSON request and decodes a JSON response (if out is non-nil).
// Error responses are translated into the package's typed errors.
func (c *Client) doJSON(ctx context.Context, method, p, sandboxID, token string, in, out any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	u.Path = path.Join(u.Path, p)

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return translateError(resp, sandboxID)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// translateError maps an HTTP error response onto the typed error set checked
// by the classifier.
func translateError(resp *http.Response, sandboxID string) error {
	b, _ := io.ReadAll(resp.Body)

	var er errorResponse
	if err := json.Unmarshal(b, &er); err != nil || er.Code == "" {
		return &APIError{
			Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message: string(b),
			Status:  resp.StatusCode,
		}
	}

	switch er.Code {
	case "SANDBOX_NOT_FOUND", "SANDBOX_EXPIRED":
		return &SandboxExpiredError{SandboxID: sandboxID}
	case "TOKEN_EXPIRED", "TOKEN_INVALID":
		return &TokenExpiredError{SandboxID: sandboxID}
	}

	return &APIError{
		Code:    er.Code,
		Message: er.Message,
		Status:  resp.StatusCode,
	}
}
