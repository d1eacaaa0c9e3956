package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sandbooks/runbox/pkg/hopx"
)

// fakeClock is a manually advanced clock. Sleep records the requested delay
// and advances time without blocking.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// fakeSandbox scripts one remote sandbox. Error queues are consumed one entry
// per call; a persistent error applies once the queue is drained.
type fakeSandbox struct {
	id string

	mu          sync.Mutex
	runErrs     []error
	runErr      error
	runResult   *hopx.Execution
	runDelay    time.Duration
	lastRunOpts hopx.RunOpts
	runCalls    int

	health    hopx.Health
	healthErr error

	agent    *hopx.AgentMetrics
	agentErr error

	expiry       hopx.ExpiryInfo
	expiryErr    error
	expiryPanics bool

	tokenErr  error
	killErr   error
	killCalls int

	terminal    hopx.Terminal
	terminalErr error
}

func newFakeSandbox(id string) *fakeSandbox {
	return &fakeSandbox{
		id: id,
		health: hopx.Health{
			Status:   hopx.StatusHealthy,
			Features: []string{hopx.FeatureRunCode},
		},
		expiry: hopx.ExpiryInfo{
			ExpiresAt:      time.Now().Add(time.Hour),
			TimeToExpiryMs: time.Hour.Milliseconds(),
		},
	}
}

func (s *fakeSandbox) ID() string {
	return s.id
}

func (s *fakeSandbox) RunCode(ctx context.Context, code string, opts hopx.RunOpts) (*hopx.Execution, error) {
	s.mu.Lock()
	s.runCalls++
	s.lastRunOpts = opts
	var err error
	if len(s.runErrs) > 0 {
		err = s.runErrs[0]
		s.runErrs = s.runErrs[1:]
	} else {
		err = s.runErr
	}
	delay := s.runDelay
	res := s.runResult
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return &hopx.Execution{Stdout: "ok\n", ExecutionTimeMs: 5}, nil
}

func (s *fakeSandbox) Health(ctx context.Context) (*hopx.Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthErr != nil {
		return nil, s.healthErr
	}
	h := s.health
	return &h, nil
}

func (s *fakeSandbox) AgentMetrics(ctx context.Context) (*hopx.AgentMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentErr != nil {
		return nil, s.agentErr
	}
	if s.agent == nil {
		return &hopx.AgentMetrics{}, nil
	}
	a := *s.agent
	return &a, nil
}

func (s *fakeSandbox) Info(ctx context.Context) (*hopx.Info, error) {
	return &hopx.Info{Status: "running"}, nil
}

func (s *fakeSandbox) ExpiryInfo(ctx context.Context) (*hopx.ExpiryInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiryPanics {
		panic("expiry monitor wedged")
	}
	if s.expiryErr != nil {
		return nil, s.expiryErr
	}
	e := s.expiry
	return &e, nil
}

func (s *fakeSandbox) EnsureValidToken(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenErr
}

func (s *fakeSandbox) Kill(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killCalls++
	return s.killErr
}

func (s *fakeSandbox) OpenTerminal(ctx context.Context) (hopx.Terminal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalErr != nil {
		return nil, s.terminalErr
	}
	if s.terminal == nil {
		return nil, errors.New("no terminal scripted")
	}
	return s.terminal, nil
}

func (s *fakeSandbox) setHealth(h hopx.Health)       { s.mu.Lock(); s.health = h; s.mu.Unlock() }
func (s *fakeSandbox) setHealthErr(err error)        { s.mu.Lock(); s.healthErr = err; s.mu.Unlock() }
func (s *fakeSandbox) setAgent(a *hopx.AgentMetrics) { s.mu.Lock(); s.agent = a; s.mu.Unlock() }
func (s *fakeSandbox) setExpiry(e hopx.ExpiryInfo)   { s.mu.Lock(); s.expiry = e; s.mu.Unlock() }
func (s *fakeSandbox) setExpiryErr(err error)        { s.mu.Lock(); s.expiryErr = err; s.mu.Unlock() }
func (s *fakeSandbox) setExpiryPanics()              { s.mu.Lock(); s.expiryPanics = true; s.mu.Unlock() }
func (s *fakeSandbox) setKillErr(err error)          { s.mu.Lock(); s.killErr = err; s.mu.Unlock() }
func (s *fakeSandbox) setRunErr(err error)           { s.mu.Lock(); s.runErr = err; s.mu.Unlock() }
func (s *fakeSandbox) setRunErrs(errs ...error)      { s.mu.Lock(); s.runErrs = errs; s.mu.Unlock() }
func (s *fakeSandbox) setRunResult(r *hopx.Execution) { s.mu.Lock(); s.runResult = r; s.mu.Unlock() }
func (s *fakeSandbox) setRunDelay(d time.Duration)   { s.mu.Lock(); s.runDelay = d; s.mu.Unlock() }

func (s *fakeSandbox) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCalls
}

func (s *fakeSandbox) killCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killCalls
}

func (s *fakeSandbox) lastOpts() hopx.RunOpts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRunOpts
}

// fakeFactory hands out scripted sandboxes. The error queue is consumed one
// entry per Create; prepared sandboxes are handed out in order, with
// auto-numbered defaults once exhausted.
type fakeFactory struct {
	mu       sync.Mutex
	prepared []*fakeSandbox
	errs     []error
	created  []*fakeSandbox
	attempts int
}

func (f *fakeFactory) Create(ctx context.Context, opts hopx.CreateOpts) (hopx.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	var sb *fakeSandbox
	if len(f.prepared) > 0 {
		sb = f.prepared[0]
		f.prepared = f.prepared[1:]
	} else {
		sb = newFakeSandbox(fmt.Sprintf("sbx-%d", len(f.created)+1))
	}
	f.created = append(f.created, sb)
	return sb, nil
}

func (f *fakeFactory) createCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeFactory) sandbox(i int) *fakeSandbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}
