package sdk

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	json "github.com/bytedance/sonic"

	"github.com/sandbooks/runbox/pkg/terminal"
)

// CreateSession opens an interactive terminal session backed by a dedicated
// sandbox.
func (s *SDK) CreateSession(ctx context.Context) (*terminal.SessionInfo, error) {
	var out terminal.SessionInfo
	if err := s.do(ctx, http.MethodPost, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Session fetches a session snapshot including its command history.
func (s *SDK) Session(ctx context.Context, id string) (*terminal.SessionInfo, error) {
	var out terminal.SessionInfo
	if err := s.do(ctx, http.MethodGet, s.sessionPath(id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DestroySession tears a session down, terminating its sandbox.
func (s *SDK) DestroySession(ctx context.Context, id string) error {
	return s.do(ctx, http.MethodDelete, s.sessionPath(id, ""), nil, nil)
}

type sessionInput struct {
	Data string `json:"data"`
}

// SendInput writes input to the session's terminal. A trailing newline
// executes the line.
func (s *SDK) SendInput(ctx context.Context, id, data string) error {
	return s.do(ctx, http.MethodPost, s.sessionPath(id, "/input"), sessionInput{Data: data}, nil)
}

type sessionResize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ResizeSession changes the session's pseudo-terminal dimensions.
func (s *SDK) ResizeSession(ctx context.Context, id string, cols, rows int) error {
	return s.do(ctx, http.MethodPost, s.sessionPath(id, "/resize"), sessionResize{Cols: cols, Rows: rows}, nil)
}

// SessionStats fetches registry-wide counters.
func (s *SDK) SessionStats(ctx context.Context) (*terminal.Stats, error) {
	var out terminal.Stats
	if err := s.do(ctx, http.MethodGet, "/api/sessions/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CleanupSessions triggers an idle sweep and reports what it destroyed.
func (s *SDK) CleanupSessions(ctx context.Context) (*terminal.CleanupResult, error) {
	var out terminal.CleanupResult
	if err := s.do(ctx, http.MethodPost, "/api/sessions/cleanup", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SDK) sessionPath(id, suffix string) string {
	return "/api/sessions/" + url.PathEscape(id) + suffix
}

// SessionStream is a live event feed for one session. Events ends when the
// session is destroyed or the stream is closed.
type SessionStream struct {
	body   io.ReadCloser
	events chan terminal.Event

	closeOnce sync.Once
}

// StreamSession attaches to a session's server-sent event feed. The first
// event is a connected acknowledgement.
func (s *SDK) StreamSession(ctx context.Context, id string) (*SessionStream, error) {
	token, err := s.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+s.sessionPath(id, "/stream"), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect stream: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		buf, _ := io.ReadAll(resp.Body)
		return nil, apiErrorFrom(resp.StatusCode, buf)
	}

	st := &SessionStream{
		body:   resp.Body,
		events: make(chan terminal.Event, 64),
	}
	go st.readLoop()

	return st, nil
}

// Events returns the live event channel.
func (st *SessionStream) Events() <-chan terminal.Event {
	return st.events
}

// Close detaches from the stream. The Events channel closes once the reader
// drains.
func (st *SessionStream) Close() error {
	var err error
	st.closeOnce.Do(func() {
		err = st.body.Close()
	})
	return err
}

func (st *SessionStream) readLoop() {
	defer close(st.events)

	scanner := bufio.NewScanner(st.body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	// Each frame is an event: line followed by a data: line carrying the
	// JSON-encoded event; the event: line is redundant and skipped.
	for scanner.Scan() {
		payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}

		var ev terminal.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}

		st.events <- ev
	}
}
