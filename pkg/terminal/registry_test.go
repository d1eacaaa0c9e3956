package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandbooks/runbox/pkg/hopx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.Advance(d)
	return ctx.Err()
}

type fakeTerminal struct {
	mu      sync.Mutex
	out     chan hopx.TerminalChunk
	sent    []string
	cols    int
	rows    int
	sendErr error
	closed  bool
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{out: make(chan hopx.TerminalChunk, 16)}
}

func (t *fakeTerminal) Send(ctx context.Context, data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTerminal) Resize(ctx context.Context, cols, rows int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cols, t.rows = cols, rows
	return nil
}

func (t *fakeTerminal) Output() <-chan hopx.TerminalChunk {
	return t.out
}

func (t *fakeTerminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.out)
	}
	return nil
}

func (t *fakeTerminal) emit(data string) {
	t.out <- hopx.TerminalChunk{Data: data}
}

func (t *fakeTerminal) setSendErr(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

func (t *fakeTerminal) sentLines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

func (t *fakeTerminal) size() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cols, t.rows
}

type fakeTermSandbox struct {
	id   string
	term *fakeTerminal

	mu        sync.Mutex
	openErr   error
	killErr   error
	killCalls int
}

func (s *fakeTermSandbox) ID() string { return s.id }

func (s *fakeTermSandbox) RunCode(ctx context.Context, code string, opts hopx.RunOpts) (*hopx.Execution, error) {
	return nil, errors.New("sessions never run code directly")
}

func (s *fakeTermSandbox) Health(ctx context.Context) (*hopx.Health, error) {
	return &hopx.Health{Status: hopx.StatusHealthy}, nil
}

func (s *fakeTermSandbox) AgentMetrics(ctx context.Context) (*hopx.AgentMetrics, error) {
	return &hopx.AgentMetrics{}, nil
}

func (s *fakeTermSandbox) Info(ctx context.Context) (*hopx.Info, error) {
	return &hopx.Info{}, nil
}

func (s *fakeTermSandbox) ExpiryInfo(ctx context.Context) (*hopx.ExpiryInfo, error) {
	return &hopx.ExpiryInfo{}, nil
}

func (s *fakeTermSandbox) EnsureValidToken(ctx context.Context) error { return nil }

func (s *fakeTermSandbox) Kill(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killCalls++
	return s.killErr
}

func (s *fakeTermSandbox) OpenTerminal(ctx context.Context) (hopx.Terminal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.term, nil
}

func (s *fakeTermSandbox) killCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killCalls
}

func (s *fakeTermSandbox) setKillErr(err error) {
	s.mu.Lock()
	s.killErr = err
	s.mu.Unlock()
}

type fakeCreator struct {
	mu      sync.Mutex
	created []*fakeTermSandbox
	err     error
	openErr error
}

func (c *fakeCreator) CreateDedicated(ctx context.Context) (hopx.Sandbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	sb := &fakeTermSandbox{
		id:      fmt.Sprintf("dsb-%d", len(c.created)+1),
		term:    newFakeTerminal(),
		openErr: c.openErr,
	}
	c.created = append(c.created, sb)
	return sb, nil
}

func (c *fakeCreator) sandbox(i int) *fakeTermSandbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created[i]
}

func newTestRegistry(creator *fakeCreator, clk *fakeClock) *Registry {
	return NewRegistry(creator, Config{
		MaxSessions:       50,
		IdleTimeout:       15 * time.Minute,
		CleanupInterval:   2 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		MaxHistory:        100,
	}, clk)
}

func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestCreateSessionAndGet(t *testing.T) {
	c := &fakeCreator{}
	r := newTestRegistry(c, newFakeClock())
	defer r.Shutdown(context.Background())

	info, err := r.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Contains(t, info.ID, "term_")
	assert.Equal(t, "dsb-1", info.SandboxID)
	assert.Equal(t, StatusActive, info.Status)
	assert.Zero(t, info.Subscribers)

	got, err := r.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)
}

func TestGetSessionNotFound(t *testing.T) {
	r := newTestRegistry(&fakeCreator{}, newFakeClock())
	defer r.Shutdown(context.Background())

	_, err := r.GetSession("term_missing")
	var nf *SessionNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "term_missing", nf.SessionID)
}

func TestCreateSessionKillsSandboxWhenStreamSetupFails(t *testing.T) {
	c := &fakeCreator{openErr: errors.New("stream refused")}
	r := newTestRegistry(c, newFakeClock())
	defer r.Shutdown(context.Background())

	_, err := r.CreateSession(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, c.sandbox(0).killCount(), "a sandbox without its stream must not leak")
	assert.Zero(t, r.Stats().TotalSessions)
}

func TestSendInputForwardsAndRecordsHistory(t *testing.T) {
	c := &fakeCreator{}
	r := newTestRegistry(c, newFakeClock())
	defer r.Shutdown(context.Background())

	info, err := r.CreateSession(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.SendInput(context.Background(), info.ID, "ls -la\n"))
	require.NoError(t, r.SendInput(context.Background(), info.ID, "pwd\n"))

	assert.Equal(t, []string{"ls -la\n", "pwd\n"}, c.sandbox(0).term.sentLines())

	got, err := r.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Commands)
	require.Len(t, got.History, 2)
	assert.Equal(t, "ls -la\n", got.History[0].Input)
	assert.Equal(t, int64(2), r.Stats().TotalCommands)
}

func TestCommandHistoryIsBounded(t *testing.T) {
	c := &fakeCreator{}
	r := NewRegistry(c, Config{
		MaxSessions:       50,
		IdleTimeout:       15 * time.Minute,
		CleanupInterval:   2 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		MaxHistory:        5,
	}, newFakeClock())
	defer r.Shutdown(context.Background())

	info, err := r.CreateSession(context.Background())
	require.NoError(t, err)

	for i := range 8 {
		require.NoError(t, r.SendInput(context.Background(), info.ID, fmt.Sprintf("cmd-%d\n", i)))
	}

	got, err := r.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Commands)
	require.Len(t, got.History, 5)
	assert.Equal(t, "cmd-3\n", got.History[0].Input, "oldest entries are dropped first")
}

func TestSendInputStreamFailureIsCommandError(t *testing.T) {
	c := &fakeCreator{}
	r := newTestRegistry(c, newFakeClock())
	defer r.Shutdown(context.Background())

	info, err := r.CreateSession(context.Background())
	require.NoError(t, err)

	c.sandbox(0).term.setSendErr(errors.New("pipe broken"))

	err = r.SendInput(context.Background(), info.ID, "ls\n")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, info.ID, cmdErr.SessionID)
}

func TestResizeForwards(t *testing.T) {
	c := &fakeCreator{}
	r := newTestRegistry(c, newFakeClock())
	defer r.Shutdown(context.Background())

	info, err := r.CreateSession(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.Resize(context.Background(), info.ID, 120, 40))
	cols, rows := c.sandbox(0).term.size()
	assert.Equal(t, 120, cols)
	assert.Equal(t, 40, rows)
}

func TestSubscribeReceivesOutput(t *testing.T) {
	c := &fakeCreator{}
	r := newTestRegistry(c, newFakeClock())
	defer r.Shutdown(context.Background())

	info, err := r.CreateSession(context.Background())
	require.NoError(t, err)

	sub, err := r.Subscribe(info.ID)
	require.NoError(t, err)
	defer sub.Close()

	ack := nextEvent(t, sub)
	assert.Equal(t, EventConnected, ack.Type)
	assert.Equal(t, info.ID, ack.Data)

	c.sandbox(0).term.emit("$ ")
	ev := nextEvent(t, sub)
	assert.Equal(t, EventOutput, ev.Type)
	assert.Equal(t, "$ ", ev.Data)
}

func TestLastSubscriberLeavingIdlesSession(t *testing.T) {
	c := &fakeCreator{}
	r := newTestRegistry(c, newFakeClock())
	defer r.Shutdown(context.Background())

	info, err := r.CreateSession(context.Background())
	require.NoError(t, err)

	sub, err := r.Subscribe(info.ID)
	require.NoError(t, err)
	got, err := r.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 1, got.Subscribers)

	sub.Close()
	got, err = r.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, got.Status)
	assert.Zero(t, got.Subscribers)
}

func TestHeartbeatReachesSubscribers(t *testing.T) {
	c := &fakeCreator{}
	r := newTestRegistry(c, newFakeClock())
	defer r.Shutdown(context.Background())

	info, err := r.CreateSession(context.Background())
	require.NoError(t, err)

	sub, err := r.Subscribe(info.ID)
	require.NoError(t, err)
	defer sub.Close()
	nextEvent(t, sub) // connected

	r.heartbeat()
	ev := nextEvent(t, sub)
	assert.Equal(t, EventHeartbeat, ev.Type)
}

func TestDestroySession(t *testing.T) {
	c := &fakeCreator{}
	r := newTestRegistry(c, newFakeClock())
	defer r.Shutdown(context.Background())

	info, err := r.CreateSession(context.Background())
	require.NoError(t, err)

	sub, err := r.Subscribe(info.ID)
	require.NoError(t, err)
	nextEvent(t, sub) // connected

	require.NoError(t, r.DestroySession(context.Background(), info.ID))

	ev := nextEvent(t, sub)
	assert.Equal(t, EventDestroyed, ev.Type)
	_, open := <-sub.Events
	assert.False(t, open, "subscriber channels close on destruction")

	assert.Equal(t, 1, c.sandbox(0).killCount())

	var gone *SessionDestroyedError
	_, err = r.GetSession(info.ID)
	require.ErrorAs(t, err, &gone)
	err = r.SendInput(context.Background(), info.ID, "ls\n")
	require.ErrorAs(t, err, &gone)
	err = r.DestroySession(context.Background(), info.ID)
	require.ErrorAs(t, err, &gone)

	assert.Equal(t, int64(1), r.Stats().DestroyedSessions)
}

func TestDestroyUnknownSession(t *testing.T) {
	r := newTestRegistry(&fakeCreator{}, newFakeClock())
	defer r.Shutdown(context.Background())

	err := r.DestroySession(context.Background(), "term_nope")
	var nf *SessionNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestStreamEndTearsSessionDown(t *testing.T) {
	c := &fakeCreator{}
	r := newTestRegistry(c, newFakeClock())
	defer r.Shutdown(context.Background())

	info, err := r.CreateSession(context.Background())
	require.NoError(t, err)

	// The remote closes the stream.
	require.NoError(t, c.sandbox(0).term.Close())

	require.Eventually(t, func() bool {
		_, err := r.GetSession(info.ID)
		var gone *SessionDestroyedError
		return errors.As(err, &gone)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.sandbox(0).killCount())
}

func TestCleanupInactiveDestroysOnlyExpired(t *testing.T) {
	c := &fakeCreator{}
	clk := newFakeClock()
	r := newTestRegistry(c, clk)
	defer r.Shutdown(context.Background())

	stale, err := r.CreateSession(context.Background())
	require.NoError(t, err)
	fresh, err := r.CreateSession(context.Background())
	require.NoError(t, err)

	clk.Advance(16 * time.Minute)
	require.NoError(t, r.SendInput(context.Background(), fresh.ID, "uptime\n"))

	res := r.CleanupInactive(context.Background())
	assert.Equal(t, 1, res.CleanedCount)
	assert.Empty(t, res.Errors)

	var gone *SessionDestroyedError
	_, err = r.GetSession(stale.ID)
	require.ErrorAs(t, err, &gone)
	_, err = r.GetSession(fresh.ID)
	require.NoError(t, err)
}

func TestCleanupCollectsErrorsWithoutAborting(t *testing.T) {
	c := &fakeCreator{}
	clk := newFakeClock()
	r := newTestRegistry(c, clk)
	defer r.Shutdown(context.Background())

	_, err := r.CreateSession(context.Background())
	require.NoError(t, err)
	_, err = r.CreateSession(context.Background())
	require.NoError(t, err)

	c.sandbox(0).setKillErr(errors.New("vendor hiccup"))

	clk.Advance(16 * time.Minute)
	res := r.CleanupInactive(context.Background())

	assert.Equal(t, 1, res.CleanedCount)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "vendor hiccup")
}

func TestSessionCapEvictsOldestIdle(t *testing.T) {
	c := &fakeCreator{}
	clk := newFakeClock()
	r := NewRegistry(c, Config{
		MaxSessions:       2,
		IdleTimeout:       15 * time.Minute,
		CleanupInterval:   2 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		MaxHistory:        100,
	}, clk)
	defer r.Shutdown(context.Background())

	first, err := r.CreateSession(context.Background())
	require.NoError(t, err)
	second, err := r.CreateSession(context.Background())
	require.NoError(t, err)

	// Idle the first session by detaching its only subscriber.
	sub, err := r.Subscribe(first.ID)
	require.NoError(t, err)
	sub.Close()
	clk.Advance(time.Minute)

	third, err := r.CreateSession(context.Background())
	require.NoError(t, err)

	var gone *SessionDestroyedError
	_, err = r.GetSession(first.ID)
	require.ErrorAs(t, err, &gone, "the oldest idle session is evicted")
	_, err = r.GetSession(second.ID)
	require.NoError(t, err)
	_, err = r.GetSession(third.ID)
	require.NoError(t, err)

	stats := r.Stats()
	assert.Equal(t, 2, stats.TotalSessions, "cap holds after eviction")
}

func TestSessionCapRefusesWhenNothingEvictable(t *testing.T) {
	c := &fakeCreator{}
	r := NewRegistry(c, Config{
		MaxSessions:       1,
		IdleTimeout:       15 * time.Minute,
		CleanupInterval:   2 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		MaxHistory:        100,
	}, newFakeClock())
	defer r.Shutdown(context.Background())

	_, err := r.CreateSession(context.Background())
	require.NoError(t, err)

	_, err = r.CreateSession(context.Background())
	var full *TooManySessionsError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, 1, full.Limit)
	assert.Equal(t, 1, r.Stats().TotalSessions)
}

func TestStats(t *testing.T) {
	c := &fakeCreator{}
	r := newTestRegistry(c, newFakeClock())
	defer r.Shutdown(context.Background())

	a, err := r.CreateSession(context.Background())
	require.NoError(t, err)
	_, err = r.CreateSession(context.Background())
	require.NoError(t, err)

	sub, err := r.Subscribe(a.ID)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, r.SendInput(context.Background(), a.ID, "date\n"))

	stats := r.Stats()
	assert.Equal(t, 2, stats.TotalSessions)
	assert.Equal(t, 2, stats.ActiveSessions)
	assert.Zero(t, stats.IdleSessions)
	assert.Equal(t, 1, stats.ConnectedSubscribers)
	assert.Equal(t, int64(1), stats.TotalCommands)
}

func TestShutdownDestroysEverything(t *testing.T) {
	c := &fakeCreator{}
	r := newTestRegistry(c, newFakeClock())

	_, err := r.CreateSession(context.Background())
	require.NoError(t, err)
	_, err = r.CreateSession(context.Background())
	require.NoError(t, err)

	r.Shutdown(context.Background())

	assert.Equal(t, 1, c.sandbox(0).killCount())
	assert.Equal(t, 1, c.sandbox(1).killCount())
	assert.Zero(t, r.Stats().TotalSessions)
}
