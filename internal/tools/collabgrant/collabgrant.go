// Package collabgrant generates the Ed25519 key pair the sync service
// verifies grants with, and signs grants for local clients.
package collabgrant

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GenerateKeys writes a fresh key pair as shell exports.
func GenerateKeys(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate grant key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export FRACTURING_SPACE_COLLAB_GRANT_PRIVATE_KEY=%s\n", base64.RawStdEncoding.EncodeToString(privateKey)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export FRACTURING_SPACE_COLLAB_GRANT_PUBLIC_KEY=%s\n", base64.RawStdEncoding.EncodeToString(publicKey)); err != nil {
		return err
	}
	return nil
}

// Grant describes one document grant to sign.
type Grant struct {
	PrivateKey string
	Issuer     string
	Audience   string
	DocumentID string
	UserID     string
	TTL        time.Duration
	Now        func() time.Time
}

type claims struct {
	jwt.RegisteredClaims
	DocumentID string `json:"document_id"`
}

// Sign writes a signed grant token followed by a newline.
func Sign(out io.Writer, grant Grant) error {
	if out == nil {
		return errors.New("output is required")
	}
	keyBytes, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(grant.PrivateKey))
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return fmt.Errorf("private key must be %d bytes", ed25519.PrivateKeySize)
	}
	if strings.TrimSpace(grant.DocumentID) == "" {
		return errors.New("document id is required")
	}
	if strings.TrimSpace(grant.UserID) == "" {
		return errors.New("user id is required")
	}
	if grant.TTL <= 0 {
		return errors.New("ttl must be positive")
	}
	now := time.Now
	if grant.Now != nil {
		now = grant.Now
	}
	issuedAt := now().UTC()

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    grant.Issuer,
			Audience:  jwt.ClaimStrings{grant.Audience},
			Subject:   grant.UserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(grant.TTL)),
		},
		DocumentID: grant.DocumentID,
	}).SignedString(ed25519.PrivateKey(keyBytes))
	if err != nil {
		return fmt.Errorf("sign grant: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
