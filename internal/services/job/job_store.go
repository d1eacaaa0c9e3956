package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// ErrJobNotFound is returned for unknown or expired job IDs.
var ErrJobNotFound = errors.New("job not found")

// Store persists jobs for the retention window.
type Store interface {
	Save(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
}

const redisKeyPrefix = "runbox:job:"

// RedisStore keeps jobs in redis with a TTL, surviving restarts and shared
// across replicas.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore creates a redis-backed job store.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func (s *RedisStore) Save(ctx context.Context, j *Job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	if err := s.client.Set(ctx, redisKeyPrefix+j.ID, payload, s.retention).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	payload, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &j, nil
}

// MemoryStore is the in-process fallback used when redis is not configured.
type MemoryStore struct {
	retention time.Duration

	mu   sync.Mutex
	jobs map[string]memoryEntry
}

type memoryEntry struct {
	job       *Job
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory job store.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		retention: retention,
		jobs:      make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Save(ctx context.Context, j *Job) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.jobs {
		if now.After(entry.expiresAt) {
			delete(s.jobs, id)
		}
	}

	copied := *j
	s.jobs[j.ID] = memoryEntry{job: &copied, expiresAt: now.Add(s.retention)}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[id]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(s.jobs, id)
		return nil, ErrJobNotFound
	}

	copied := *entry.job
	return &copied, nil
}
