package terminal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sandbooks/runbox/internal/metrics"
	"github.com/sandbooks/runbox/pkg/hopx"
	"github.com/sandbooks/runbox/pkg/sandbox"
)

// Status is a session's lifecycle phase.
type Status string

const (
	StatusActive    Status = "active"
	StatusIdle      Status = "idle"
	StatusDestroyed Status = "destroyed"
)

// Event types pushed to session subscribers.
const (
	EventConnected = "connected"
	EventOutput    = "output"
	EventHeartbeat = "heartbeat"
	EventError     = "error"
	EventDestroyed = "destroyed"
)

// Event is one message fanned out to a session's subscribers.
type Event struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// CommandEntry is one input line recorded in a session's bounded history.
type CommandEntry struct {
	Input string    `json:"input"`
	At    time.Time `json:"at"`
}

// SessionInfo is the externally visible session snapshot.
type SessionInfo struct {
	ID             string         `json:"session_id"`
	SandboxID      string         `json:"sandbox_id"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	Subscribers    int            `json:"subscribers"`
	Commands       int            `json:"commands"`
	History        []CommandEntry `json:"history"`
}

// subscriberBuffer is the per-subscriber event channel depth. A subscriber
// that cannot drain this many events is treated as disconnected.
const subscriberBuffer = 64

type subscriber struct {
	id     string
	events chan Event
	closed bool
}

// session owns one dedicated sandbox and its live terminal stream. All
// mutable state is guarded by mu; different sessions never share locks.
type session struct {
	id        string
	createdAt time.Time
	clock     sandbox.Clock

	mu             sync.Mutex
	status         Status
	lastActivityAt time.Time
	history        []CommandEntry
	maxHistory     int
	commands       int
	subscribers    map[string]*subscriber
	sb             hopx.Sandbox
	term           hopx.Terminal
	destroyedAt    time.Time
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivityAt = s.clock.Now()
	s.mu.Unlock()
}

func (s *session) currentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// guardLive returns the typed error matching the session state, or nil when
// the session can accept operations.
func (s *session) guardLive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDestroyed {
		return &SessionDestroyedError{SessionID: s.id}
	}
	return nil
}

// recordCommand appends an input line to the bounded history.
func (s *session) recordCommand(input string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands++
	s.history = append(s.history, CommandEntry{Input: input, At: s.clock.Now()})
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
}

// broadcast fans an event out to every subscriber. A subscriber whose buffer
// is full is treated as disconnected and dropped.
func (s *session) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusDestroyed && ev.Type != EventDestroyed {
		return
	}

	for id, sub := range s.subscribers {
		select {
		case sub.events <- ev:
		default:
			slog.Debug("Subscriber cannot keep up, dropping",
				slog.String("session_id", s.id),
				slog.String("subscriber_id", id))
			s.dropSubscriberLocked(sub)
		}
	}
}

// dropSubscriberLocked removes one subscriber and moves the session to idle
// when the set empties. Caller holds s.mu.
func (s *session) dropSubscriberLocked(sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.events)
	delete(s.subscribers, sub.id)
	metrics.SubscribersConnected.Dec()

	if len(s.subscribers) == 0 && s.status == StatusActive {
		s.status = StatusIdle
	}
}

// addSubscriber registers a sink and reactivates an idle session.
func (s *session) addSubscriber(sub *subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusDestroyed {
		return &SessionDestroyedError{SessionID: s.id}
	}

	s.subscribers[sub.id] = sub
	s.status = StatusActive
	s.lastActivityAt = s.clock.Now()
	metrics.SubscribersConnected.Inc()

	// Initial acknowledgement so clients learn the stream is live.
	sub.events <- Event{Type: EventConnected, Data: s.id}
	return nil
}

func (s *session) removeSubscriber(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		s.dropSubscriberLocked(sub)
	}
}

// destroy tears the session down: mark destroyed first so concurrent
// operations fail closed, notify and close subscribers, close the stream,
// then terminate the dedicated sandbox.
func (s *session) destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusDestroyed {
		s.mu.Unlock()
		return &SessionDestroyedError{SessionID: s.id}
	}
	s.status = StatusDestroyed
	s.destroyedAt = s.clock.Now()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	term := s.term
	sb := s.sb
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- Event{Type: EventDestroyed, Data: s.id}:
		default:
		}
	}

	s.mu.Lock()
	for _, sub := range subs {
		s.dropSubscriberLocked(sub)
	}
	s.mu.Unlock()

	if term != nil {
		if err := term.Close(); err != nil {
			slog.Warn("Closing terminal stream failed",
				slog.String("session_id", s.id),
				slog.Any("error", err))
		}
	}

	if sb != nil {
		if err := sb.Kill(ctx); err != nil {
			slog.Warn("Terminating session sandbox failed",
				slog.String("session_id", s.id),
				slog.String("sandbox_id", sb.ID()),
				slog.Any("error", err))
			return err
		}
	}
	return nil
}

func (s *session) info() *SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]CommandEntry, len(s.history))
	copy(history, s.history)

	return &SessionInfo{
		ID:             s.id,
		SandboxID:      s.sb.ID(),
		Status:         s.status,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
		Subscribers:    len(s.subscribers),
		Commands:       s.commands,
		History:        history,
	}
}
