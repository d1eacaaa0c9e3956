package authenticator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sandbooks/runbox/internal/config"
	"github.com/sandbooks/runbox/internal/services/apikey"
)

const (
	issuer   = "runbox"
	tokenTTL = time.Hour
)

// ErrInvalidToken is returned for tokens that fail validation for any reason.
var ErrInvalidToken = errors.New("invalid access token")

// Claims are the JWT claims carried by issued access tokens.
type Claims struct {
	KeyID   string `json:"key_id"`
	KeyName string `json:"key_name"`
	jwt.RegisteredClaims
}

// Authenticator exchanges API keys for short-lived bearer JWTs and
// validates them on every request.
type Authenticator struct {
	secret      []byte
	authEnabled bool
	keys        *apikey.APIKeyService
}

// New builds an authenticator. keys may be nil when no database is
// configured; token issuance is then unavailable but externally minted
// JWTs still validate against the shared secret.
func New(conf *config.Config, keys *apikey.APIKeyService) (*Authenticator, error) {
	if !conf.AUTH_ENABLED {
		return &Authenticator{authEnabled: false}, nil
	}
	if conf.JWT_SECRET == "" {
		return nil, fmt.Errorf("JWT_SECRET is required when AUTH_ENABLED=true")
	}

	return &Authenticator{
		secret:      []byte(conf.JWT_SECRET),
		authEnabled: true,
		keys:        keys,
	}, nil
}

func (a *Authenticator) AuthEnabled() bool {
	return a.authEnabled
}

// IssueToken verifies a presented API key and mints a bearer JWT for it.
func (a *Authenticator) IssueToken(ctx context.Context, rawKey string) (string, time.Time, error) {
	if a.keys == nil {
		return "", time.Time{}, fmt.Errorf("api key verification requires a database")
	}

	key, err := a.keys.VerifyKey(ctx, rawKey)
	if err != nil {
		return "", time.Time{}, err
	}

	now := time.Now()
	expiresAt := now.Add(tokenTTL)
	claims := &Claims{
		KeyID:   key.KeyID,
		KeyName: key.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   key.KeyID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return token, expiresAt, nil
}

// VerifyAccessToken validates a bearer JWT and returns its claims.
func (a *Authenticator) VerifyAccessToken(ctx context.Context, raw string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
