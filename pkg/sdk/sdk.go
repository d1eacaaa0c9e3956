package sdk

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/bytedance/sonic"
)

// SDK is a typed client for the runbox REST API. It exchanges the configured
// API key for a bearer token on first use and refreshes it before expiry.
type SDK struct {
	endpoint string
	apiKey   string
	hc       *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

type ClientOptions struct {
	// Endpoint of the runbox server, e.g. http://localhost:6060.
	Endpoint string

	// APIKey in rbx_<key_id>.<secret> form. Leave empty against a server
	// running with AUTH_ENABLED off.
	APIKey string
}

func New(opts *ClientOptions) (*SDK, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	return &SDK{
		endpoint: strings.TrimSuffix(opts.Endpoint, "/"),
		apiKey:   opts.APIKey,
		hc:       &http.Client{},
	}, nil
}

// envelope mirrors the server's generic response wrapper.
type envelope[T any] struct {
	Error        bool   `json:"error"`
	Message      string `json:"message"`
	Data         T      `json:"data"`
	ErrorDetails struct {
		Err string `json:"error"`
	} `json:"errorDetails"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
	Detail  string
}

func (e *APIError) Error() string {
	if e.Detail != "" && e.Detail != e.Message {
		return fmt.Sprintf("runbox: %s: %s (status %d)", e.Message, e.Detail, e.Status)
	}
	return fmt.Sprintf("runbox: %s (status %d)", e.Message, e.Status)
}

type tokenRequest struct {
	APIKey string `json:"api_key"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// tokenRefreshMargin is how close to token expiry a new exchange is
// triggered.
const tokenRefreshMargin = time.Minute

func (s *SDK) ensureToken(ctx context.Context) (string, error) {
	if s.apiKey == "" {
		return "", nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Until(s.tokenExp) > tokenRefreshMargin {
		return s.token, nil
	}

	var out tokenResponse
	if err := s.roundTrip(ctx, http.MethodPost, "/api/auth/token", "", tokenRequest{APIKey: s.apiKey}, &out); err != nil {
		return "", fmt.Errorf("exchange api key: %w", err)
	}

	s.token = out.Token
	s.tokenExp = out.ExpiresAt
	return s.token, nil
}

// do issues an authenticated JSON request and decodes the envelope's data
// field into out (skipped when out is nil).
func (s *SDK) do(ctx context.Context, method, path string, in, out any) error {
	token, err := s.ensureToken(ctx)
	if err != nil {
		return err
	}
	return s.roundTrip(ctx, method, path, token, in, out)
}

func (s *SDK) roundTrip(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return apiErrorFrom(resp.StatusCode, buf)
	}

	if out == nil {
		return nil
	}

	return decodeData(buf, out)
}

func apiErrorFrom(status int, buf []byte) *APIError {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}

	var env envelope[any]
	if err := json.Unmarshal(buf, &env); err == nil && env.Message != "" {
		apiErr.Message = env.Message
		apiErr.Detail = env.ErrorDetails.Err
	}
	return apiErr
}

func decodeData(buf []byte, out any) error {
	// The data field's concrete type is only known at the call site, so the
	// envelope is unwrapped in two steps.
	var env envelope[stdjson.RawMessage]
	if err := json.Unmarshal(buf, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
