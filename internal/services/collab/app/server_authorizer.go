package server

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/fracturing-collab/internal/platform/errors"
)

// principal is the identity an authorizer grants to a connection.
type principal struct {
	UserID string
}

// authorizer decides whether a token may open a session on a document.
// Denials must carry apperrors.CodeUnauthorized; any other error is treated
// as the collaborator being unavailable.
type authorizer interface {
	Authorize(ctx context.Context, documentID string, token string) (principal, error)
}

// GrantConfig configures verification of signed document grants.
type GrantConfig struct {
	Issuer    string
	Audience  string
	PublicKey string
}

func (c GrantConfig) configured() bool {
	return strings.TrimSpace(c.PublicKey) != ""
}

type grantClaims struct {
	jwt.RegisteredClaims
	DocumentID string `json:"document_id"`
}

// grantAuthorizer accepts EdDSA-signed JWT grants scoped to one document.
type grantAuthorizer struct {
	issuer   string
	audience string
	key      ed25519.PublicKey
	now      func() time.Time
}

func newGrantAuthorizer(config GrantConfig, now func() time.Time) (*grantAuthorizer, error) {
	issuer := strings.TrimSpace(config.Issuer)
	audience := strings.TrimSpace(config.Audience)
	publicKey := strings.TrimSpace(config.PublicKey)
	if issuer == "" {
		return nil, errors.New("grant issuer is required")
	}
	if audience == "" {
		return nil, errors.New("grant audience is required")
	}
	if publicKey == "" {
		return nil, errors.New("grant public key is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decode grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return &grantAuthorizer{
		issuer:   issuer,
		audience: audience,
		key:      ed25519.PublicKey(keyBytes),
		now:      now,
	}, nil
}

func (a *grantAuthorizer) Authorize(_ context.Context, documentID string, token string) (principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return principal{}, apperrors.New(apperrors.CodeUnauthorized, "grant is required")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return principal{}, apperrors.Wrap(apperrors.CodeUnauthorized, "grant signature is invalid", err)
	}

	if parsed.Issuer != a.issuer {
		return principal{}, denied("issuer", "grant issuer mismatch")
	}
	if !audienceContains(parsed.Audience, a.audience) {
		return principal{}, denied("audience", "grant audience mismatch")
	}
	if parsed.ExpiresAt == nil {
		return principal{}, denied("exp", "grant exp is required")
	}
	now := a.now().UTC()
	if !parsed.ExpiresAt.Time.After(now) {
		return principal{}, denied("exp", "grant is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time) {
		return principal{}, denied("nbf", "grant not active yet")
	}
	if strings.TrimSpace(parsed.DocumentID) == "" || parsed.DocumentID != documentID {
		return principal{}, denied("document_id", "grant document mismatch")
	}
	userID := strings.TrimSpace(parsed.Subject)
	if userID == "" {
		return principal{}, denied("sub", "grant subject is required")
	}
	return principal{UserID: userID}, nil
}

func denied(field, message string) error {
	return apperrors.WithMetadata(apperrors.CodeUnauthorized, message, map[string]string{"Field": field})
}

func audienceContains(audience jwt.ClaimStrings, want string) bool {
	for _, value := range audience {
		if value == want {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if decoded, err := base64.RawStdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return base64.URLEncoding.DecodeString(value)
}

// anonymousAuthorizer admits every connection. The token, when present,
// becomes the user id so local clients can still tell each other apart.
type anonymousAuthorizer struct{}

func (anonymousAuthorizer) Authorize(_ context.Context, _ string, token string) (principal, error) {
	userID := strings.TrimSpace(token)
	if userID == "" {
		userID = "anonymous"
	}
	return principal{UserID: userID}, nil
}
