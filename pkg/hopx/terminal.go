package hopx

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// terminalEvent is one NDJSON frame on the terminal stream.
type terminalEvent struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// terminalStream reads the vendor's chunked NDJSON terminal stream and fans
// the frames into a channel. Input and resize go over separate requests.
type terminalStream struct {
	sb   *remoteSandbox
	body io.ReadCloser

	out       chan TerminalChunk
	closeOnce sync.Once
}

// OpenTerminal connects an interactive terminal stream to the sandbox.
func (s *remoteSandbox) OpenTerminal(ctx context.Context) (Terminal, error) {
	u := s.client.baseURL + "/v1/sandboxes/" + s.id + "/terminal"

	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, u, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.currentToken())
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect terminal: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, translateError(resp, s.id)
	}

	t := &terminalStream{
		sb:   s,
		body: resp.Body,
		out:  make(chan TerminalChunk, 64),
	}
	go t.readLoop()

	return t, nil
}

func (t *terminalStream) readLoop() {
	defer close(t.out)

	scanner := bufio.NewScanner(t.body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev terminalEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Type != "output" {
			continue
		}

		t.out <- TerminalChunk{Data: ev.Data}
	}

	if err := scanner.Err(); err != nil {
		t.out <- TerminalChunk{Err: err}
	}
}

type terminalInput struct {
	Data string `json:"data"`
}

// Send writes input to the terminal.
func (t *terminalStream) Send(ctx context.Context, data string) error {
	return t.sb.do(ctx, http.MethodPost, "/terminal/input", terminalInput{Data: data}, nil)
}

type terminalResize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Resize changes the pseudo-terminal dimensions.
func (t *terminalStream) Resize(ctx context.Context, cols, rows int) error {
	return t.sb.do(ctx, http.MethodPost, "/terminal/resize", terminalResize{Cols: cols, Rows: rows}, nil)
}

// Output returns the stream of terminal chunks.
func (t *terminalStream) Output() <-chan TerminalChunk {
	return t.out
}

// Close tears down the stream connection. The read loop drains out on the
// closed body and the Output channel closes.
func (t *terminalStream) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.body.Close()
	})
	return err
}
