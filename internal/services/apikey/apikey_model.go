package apikey

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix is the public prefix of every issued key.
const KeyPrefix = "rbx_"

// ErrMalformedKey is returned when a presented key does not have the
// rbx_<key_id>.<secret> shape.
var ErrMalformedKey = errors.New("malformed api key")

// APIKey represents one issued key. The secret half is never stored; only
// its bcrypt hash is.
type APIKey struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	KeyID      string     `json:"key_id" db:"key_id"`
	SecretHash string     `json:"-" db:"secret_hash"`
	Disabled   bool       `json:"disabled" db:"disabled"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// CreateAPIKeyRequest represents the request to create a new API key
type CreateAPIKeyRequest struct {
	Name string `json:"name" validate:"required,min=1,max=255"`
}

// CreatedAPIKey is the one-time creation response carrying the plaintext
// key. It is never reconstructable afterwards.
type CreatedAPIKey struct {
	APIKey
	PlaintextKey string `json:"key"`
}

// ParseKey splits a presented key into its public key_id and secret halves.
func ParseKey(raw string) (keyID, secret string, err error) {
	rest, ok := strings.CutPrefix(raw, KeyPrefix)
	if !ok {
		return "", "", ErrMalformedKey
	}

	keyID, secret, ok = strings.Cut(rest, ".")
	if !ok || keyID == "" || secret == "" {
		return "", "", ErrMalformedKey
	}
	return keyID, secret, nil
}

// FormatKey builds the plaintext key presented to the caller exactly once.
func FormatKey(keyID, secret string) string {
	return fmt.Sprintf("%s%s.%s", KeyPrefix, keyID, secret)
}
