package apikey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrKeyRejected is returned for keys that exist but cannot authenticate
// (wrong secret or disabled).
var ErrKeyRejected = errors.New("api key rejected")

// APIKeyService handles business logic for API keys. Verified rows are
// cached by key_id; the cache is flushed by LISTEN/NOTIFY events whenever
// the api_keys table changes.
type APIKeyService struct {
	repo *APIKeyRepo

	mu    sync.RWMutex
	cache map[string]*APIKey
}

// NewAPIKeyService creates a new API key service
func NewAPIKeyService(repo *APIKeyRepo) *APIKeyService {
	return &APIKeyService{
		repo:  repo,
		cache: make(map[string]*APIKey),
	}
}

// Create mints a new API key. The plaintext key in the response is shown
// exactly once.
func (s *APIKeyService) Create(ctx context.Context, req *CreateAPIKeyRequest) (*CreatedAPIKey, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	key, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}

	return key, nil
}

// List retrieves all API keys
func (s *APIKeyService) List(ctx context.Context) ([]*APIKey, error) {
	keys, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}

	return keys, nil
}

// SetDisabled enables or disables a key.
func (s *APIKeyService) SetDisabled(ctx context.Context, id uuid.UUID, disabled bool) error {
	if err := s.repo.SetDisabled(ctx, id, disabled); err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	return nil
}

// Delete deletes an API key
func (s *APIKeyService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	return nil
}

// VerifyKey authenticates a presented plaintext key and returns its row.
// The bcrypt comparison runs on every call; only the row lookup is cached.
func (s *APIKeyService) VerifyKey(ctx context.Context, raw string) (*APIKey, error) {
	keyID, secret, err := ParseKey(raw)
	if err != nil {
		return nil, err
	}

	key, err := s.lookup(ctx, keyID)
	if err != nil {
		return nil, err
	}

	if key.Disabled {
		return nil, fmt.Errorf("%w: key is disabled", ErrKeyRejected)
	}
	if !verifySecret(key.SecretHash, secret) {
		return nil, fmt.Errorf("%w: bad secret", ErrKeyRejected)
	}

	go s.touchLastUsed(key.ID)

	return key, nil
}

func (s *APIKeyService) lookup(ctx context.Context, keyID string) (*APIKey, error) {
	s.mu.RLock()
	key, ok := s.cache[keyID]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := s.repo.GetByKeyID(ctx, keyID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[keyID] = key
	s.mu.Unlock()

	return key, nil
}

func (s *APIKeyService) touchLastUsed(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.repo.TouchLastUsed(ctx, id); err != nil {
		slog.Debug("Unable to stamp api key usage", slog.String("key_id", id.String()), slog.Any("error", err))
	}
}

// InvalidateCache drops all cached rows. Hooked to the api_keys change
// notifications.
func (s *APIKeyService) InvalidateCache() {
	s.mu.Lock()
	s.cache = make(map[string]*APIKey)
	s.mu.Unlock()
	slog.Debug("API key cache invalidated")
}
