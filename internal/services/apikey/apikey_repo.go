package apikey

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"
)

// ErrKeyNotFound is returned when no key row matches.
var ErrKeyNotFound = fmt.Errorf("api key not found")

// APIKeyRepo handles database operations for API keys
type APIKeyRepo struct {
	db *sqlx.DB
}

// NewAPIKeyRepo creates a new API key repository
func NewAPIKeyRepo(db *sqlx.DB) *APIKeyRepo {
	return &APIKeyRepo{db: db}
}

func randomToken(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(bytes), nil
}

// Create mints a new key pair, stores the bcrypt hash of the secret half,
// and returns the plaintext key alongside the stored row.
func (r *APIKeyRepo) Create(ctx context.Context, req *CreateAPIKeyRequest) (*CreatedAPIKey, error) {
	keyID, err := randomToken(12)
	if err != nil {
		return nil, err
	}
	secret, err := randomToken(32)
	if err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash secret: %w", err)
	}

	query := `
		INSERT INTO api_keys (name, key_id, secret_hash)
		VALUES ($1, $2, $3)
		RETURNING id, name, key_id, secret_hash, disabled, last_used_at, created_at, updated_at
	`

	var key APIKey
	if err := r.db.GetContext(ctx, &key, query, req.Name, keyID, string(hash)); err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}

	return &CreatedAPIKey{
		APIKey:       key,
		PlaintextKey: FormatKey(keyID, secret),
	}, nil
}

// GetByKeyID retrieves a key row by its public key_id.
func (r *APIKeyRepo) GetByKeyID(ctx context.Context, keyID string) (*APIKey, error) {
	query := `
		SELECT id, name, key_id, secret_hash, disabled, last_used_at, created_at, updated_at
		FROM api_keys
		WHERE key_id = $1
	`

	var key APIKey
	err := r.db.GetContext(ctx, &key, query, keyID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	return &key, nil
}

// List retrieves all API keys, newest first.
func (r *APIKeyRepo) List(ctx context.Context) ([]*APIKey, error) {
	query := `
		SELECT id, name, key_id, secret_hash, disabled, last_used_at, created_at, updated_at
		FROM api_keys
		ORDER BY created_at DESC
	`

	var keys []*APIKey
	if err := r.db.SelectContext(ctx, &keys, query); err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}

	return keys, nil
}

// SetDisabled flips the disabled flag on a key.
func (r *APIKeyRepo) SetDisabled(ctx context.Context, id uuid.UUID, disabled bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE api_keys
		SET disabled = $1, updated_at = NOW()
		WHERE id = $2
	`, disabled, id)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// TouchLastUsed stamps the last successful verification time.
func (r *APIKeyRepo) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE api_keys
		SET last_used_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// Delete removes a key.
func (r *APIKeyRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM api_keys
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// verifySecret compares a presented secret with the stored bcrypt hash.
func verifySecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
