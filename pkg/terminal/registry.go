package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sandbooks/runbox/internal/metrics"
	"github.com/sandbooks/runbox/pkg/hopx"
	"github.com/sandbooks/runbox/pkg/sandbox"
)

var tracer = otel.Tracer("Terminal")

// SandboxCreator provisions dedicated sandboxes for sessions. Satisfied by
// *sandbox.Manager.
type SandboxCreator interface {
	CreateDedicated(ctx context.Context) (hopx.Sandbox, error)
}

// Config holds the registry limits and sweep cadence.
type Config struct {
	// MaxSessions caps concurrently live (active or idle) sessions.
	MaxSessions int
	// IdleTimeout is how long a session may sit without activity before the
	// sweep destroys it.
	IdleTimeout time.Duration
	// CleanupInterval is the idle-sweep period.
	CleanupInterval time.Duration
	// HeartbeatInterval is the keep-alive push period.
	HeartbeatInterval time.Duration
	// MaxHistory bounds each session's command history.
	MaxHistory int
}

// Stats is the registry-wide summary.
type Stats struct {
	TotalSessions        int   `json:"total_sessions"`
	ActiveSessions       int   `json:"active_sessions"`
	IdleSessions         int   `json:"idle_sessions"`
	DestroyedSessions    int64 `json:"destroyed_sessions"`
	TotalCommands        int64 `json:"total_commands"`
	ConnectedSubscribers int   `json:"connected_subscribers"`
}

// CleanupResult reports one idle sweep. Per-session failures are collected,
// never allowed to abort the sweep.
type CleanupResult struct {
	CleanedCount int      `json:"cleaned_count"`
	Errors       []string `json:"errors"`
}

// Subscription is one attached event sink. Close detaches it; the Events
// channel is closed by the registry on detach or session destruction.
type Subscription struct {
	ID     string
	Events <-chan Event

	once   sync.Once
	cancel func()
}

// Close detaches the subscription. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Registry manages interactive terminal sessions, each owning a dedicated
// sandbox so no state leaks between users. Operations on different sessions
// run concurrently; the registry lock only guards the session table.
type Registry struct {
	creator SandboxCreator
	clock   sandbox.Clock
	cfg     Config

	mu       sync.Mutex
	sessions map[string]*session
	creating int

	destroyed     atomic.Int64
	totalCommands atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry builds a registry. Call Start to run the sweep and heartbeat
// loops; tests drive CleanupInactive directly instead.
func NewRegistry(creator SandboxCreator, cfg Config, clock sandbox.Clock) *Registry {
	if clock == nil {
		clock = sandbox.SystemClock()
	}
	return &Registry{
		creator:  creator,
		clock:    clock,
		cfg:      cfg,
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
	}
}

// Start launches the periodic idle sweep and subscriber heartbeat.
func (r *Registry) Start() {
	r.wg.Add(2)
	go r.sweepLoop()
	go r.heartbeatLoop()
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res := r.CleanupInactive(context.Background())
			if res.CleanedCount > 0 || len(res.Errors) > 0 {
				slog.Info("Idle session sweep finished",
					slog.Int("cleaned", res.CleanedCount),
					slog.Int("errors", len(res.Errors)))
			}
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.heartbeat()
		case <-r.stop:
			return
		}
	}
}

// heartbeat pushes a keep-alive to every subscriber of every session. A
// subscriber that cannot take the event is dropped by the broadcast itself,
// not by this loop.
func (r *Registry) heartbeat() {
	for _, s := range r.snapshot() {
		s.broadcast(Event{Type: EventHeartbeat})
	}
}

func (r *Registry) snapshot() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// liveLocked counts sessions that hold a sandbox (active or idle). Caller
// holds r.mu.
func (r *Registry) liveLocked() int {
	n := r.creating
	for _, s := range r.sessions {
		if s.currentStatus() != StatusDestroyed {
			n++
		}
	}
	return n
}

// reserveSlot claims capacity for one session creation, sweeping idle
// sessions and evicting the oldest inactive one if needed.
func (r *Registry) reserveSlot(ctx context.Context) error {
	r.mu.Lock()
	if r.liveLocked() < r.cfg.MaxSessions {
		r.creating++
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.CleanupInactive(ctx)
	r.evictOldestIdle(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.liveLocked() >= r.cfg.MaxSessions {
		return &TooManySessionsError{Limit: r.cfg.MaxSessions}
	}
	r.creating++
	return nil
}

func (r *Registry) releaseSlot() {
	r.mu.Lock()
	r.creating--
	r.mu.Unlock()
}

// evictOldestIdle destroys the idle session with the oldest activity stamp,
// if any.
func (r *Registry) evictOldestIdle(ctx context.Context) {
	var oldest *session
	var oldestAt time.Time

	for _, s := range r.snapshot() {
		s.mu.Lock()
		idle := s.status == StatusIdle
		at := s.lastActivityAt
		s.mu.Unlock()
		if idle && (oldest == nil || at.Before(oldestAt)) {
			oldest = s
			oldestAt = at
		}
	}

	if oldest == nil {
		return
	}
	slog.Info("Evicting oldest idle session to make room", slog.String("session_id", oldest.id))
	if err := r.DestroySession(ctx, oldest.id); err != nil {
		slog.Warn("Evicting idle session failed", slog.String("session_id", oldest.id), slog.Any("error", err))
	}
}

// CreateSession provisions a dedicated sandbox, opens its terminal stream,
// and registers the session. At capacity the idle sweep runs first; if no
// room can be made the caller gets TooManySessionsError.
func (r *Registry) CreateSession(ctx context.Context) (*SessionInfo, error) {
	ctx, span := tracer.Start(ctx, "Terminal.CreateSession")
	defer span.End()

	if err := r.reserveSlot(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer r.releaseSlot()

	sb, err := r.creator.CreateDedicated(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	term, err := sb.OpenTerminal(ctx)
	if err != nil {
		// The sandbox is unusable without its stream; tear it down rather
		// than leak it.
		if kerr := sb.Kill(ctx); kerr != nil {
			slog.Warn("Terminating sandbox after stream setup failure failed",
				slog.String("sandbox_id", sb.ID()),
				slog.Any("error", kerr))
		}
		span.RecordError(err)
		return nil, fmt.Errorf("open terminal stream: %w", err)
	}

	now := r.clock.Now()
	s := &session{
		id:             "term_" + uuid.NewString(),
		createdAt:      now,
		clock:          r.clock,
		status:         StatusActive,
		lastActivityAt: now,
		maxHistory:     r.cfg.MaxHistory,
		subscribers:    make(map[string]*subscriber),
		sb:             sb,
		term:           term,
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	r.setSessionsGauge()

	r.wg.Add(1)
	go r.pump(s)

	slog.Info("Terminal session created",
		slog.String("session_id", s.id),
		slog.String("sandbox_id", sb.ID()))
	span.SetAttributes(attribute.String("session_id", s.id))

	return s.info(), nil
}

// pump forwards terminal output to subscribers for the session's lifetime.
// When the stream ends on its own, the session is torn down.
func (r *Registry) pump(s *session) {
	defer r.wg.Done()

	for chunk := range s.term.Output() {
		if chunk.Err != nil {
			s.broadcast(Event{Type: EventError, Data: chunk.Err.Error()})
			continue
		}
		s.broadcast(Event{Type: EventOutput, Data: chunk.Data})
	}

	if s.currentStatus() != StatusDestroyed {
		slog.Info("Terminal stream ended, destroying session", slog.String("session_id", s.id))
		if err := r.DestroySession(context.Background(), s.id); err != nil {
			slog.Warn("Destroying session after stream end failed",
				slog.String("session_id", s.id),
				slog.Any("error", err))
		}
	}
}

// lookup returns the session or the typed not-found error.
func (r *Registry) lookup(id string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, &SessionNotFoundError{SessionID: id}
	}
	return s, nil
}

// GetSession returns a session snapshot. Destroyed sessions fail closed like
// every other operation.
func (r *Registry) GetSession(id string) (*SessionInfo, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := s.guardLive(); err != nil {
		return nil, err
	}
	return s.info(), nil
}

// SendInput forwards an input line to the session's terminal and records it
// in the command history.
func (r *Registry) SendInput(ctx context.Context, id, data string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := s.guardLive(); err != nil {
		return err
	}

	s.touch()
	if err := s.term.Send(ctx, data); err != nil {
		return &CommandError{SessionID: id, Cause: err}
	}

	s.recordCommand(data)
	r.totalCommands.Add(1)
	return nil
}

// Resize forwards new pseudo-terminal dimensions to the session's terminal.
func (r *Registry) Resize(ctx context.Context, id string, cols, rows int) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := s.guardLive(); err != nil {
		return err
	}

	s.touch()
	if err := s.term.Resize(ctx, cols, rows); err != nil {
		return &CommandError{SessionID: id, Cause: err}
	}
	return nil
}

// Subscribe attaches an event sink to a session. The first event is a
// connected acknowledgement; closing the subscription detaches it, and a
// session whose last subscriber detaches goes idle.
func (r *Registry) Subscribe(id string) (*Subscription, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{
		id:     uuid.NewString(),
		events: make(chan Event, subscriberBuffer),
	}
	if err := s.addSubscriber(sub); err != nil {
		return nil, err
	}

	return &Subscription{
		ID:     sub.id,
		Events: sub.events,
		cancel: func() { s.removeSubscriber(sub.id) },
	}, nil
}

// DestroySession tears a session down and leaves a tombstone so concurrent
// operations report destroyed rather than not-found. Tombstones age out with
// the idle sweep.
func (r *Registry) DestroySession(ctx context.Context, id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	err = s.destroy(ctx)
	var gone *SessionDestroyedError
	if errors.As(err, &gone) {
		return err
	}

	r.destroyed.Add(1)
	r.setSessionsGauge()
	slog.Info("Terminal session destroyed", slog.String("session_id", id))
	return err
}

// CleanupInactive destroys every live session idle past the timeout and
// prunes aged tombstones. Per-session failures are collected, never aborting
// the sweep.
func (r *Registry) CleanupInactive(ctx context.Context) *CleanupResult {
	res := &CleanupResult{Errors: []string{}}
	now := r.clock.Now()

	for _, s := range r.snapshot() {
		s.mu.Lock()
		status := s.status
		lastActivity := s.lastActivityAt
		destroyedAt := s.destroyedAt
		s.mu.Unlock()

		switch status {
		case StatusDestroyed:
			if now.Sub(destroyedAt) > r.cfg.IdleTimeout {
				r.mu.Lock()
				delete(r.sessions, s.id)
				r.mu.Unlock()
			}
		default:
			if now.Sub(lastActivity) <= r.cfg.IdleTimeout {
				continue
			}
			if err := r.DestroySession(ctx, s.id); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("session %s: %v", s.id, err))
				continue
			}
			res.CleanedCount++
		}
	}

	return res
}

// Stats summarizes the registry.
func (r *Registry) Stats() *Stats {
	stats := &Stats{
		DestroyedSessions: r.destroyed.Load(),
		TotalCommands:     r.totalCommands.Load(),
	}

	for _, s := range r.snapshot() {
		s.mu.Lock()
		switch s.status {
		case StatusActive:
			stats.ActiveSessions++
			stats.TotalSessions++
		case StatusIdle:
			stats.IdleSessions++
			stats.TotalSessions++
		}
		stats.ConnectedSubscribers += len(s.subscribers)
		s.mu.Unlock()
	}
	return stats
}

// Shutdown stops the loops and destroys every session. Idempotent.
func (r *Registry) Shutdown(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.stop) })

	for _, s := range r.snapshot() {
		if s.currentStatus() == StatusDestroyed {
			continue
		}
		if err := r.DestroySession(ctx, s.id); err != nil {
			slog.Warn("Destroying session at shutdown failed",
				slog.String("session_id", s.id),
				slog.Any("error", err))
		}
	}

	r.wg.Wait()
	slog.Info("Terminal registry stopped")
}

func (r *Registry) setSessionsGauge() {
	r.mu.Lock()
	live := 0
	for _, s := range r.sessions {
		if s.currentStatus() != StatusDestroyed {
			live++
		}
	}
	r.mu.Unlock()
	metrics.SessionsActive.Set(float64(live))
}
