// Package grantkey generates caller grant key pairs and development grants.
package grantkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/argylefox/tradepost/internal/platform/id"
)

// Run generates a caller grant key pair and writes exports.
func Run(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate caller grant key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export TRADEPOST_CALLER_GRANT_PRIVATE_KEY=%s\n", base64.RawStdEncoding.EncodeToString(privateKey)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export TRADEPOST_CALLER_GRANT_PUBLIC_KEY=%s\n", base64.RawStdEncoding.EncodeToString(publicKey)); err != nil {
		return err
	}
	return nil
}

// IssueRequest describes a development grant to mint.
type IssueRequest struct {
	Issuer    string
	Audience  string
	AccountID string
	TTL       time.Duration
	Now       func() time.Time
}

// Issue signs a caller grant for local development and testing.
func Issue(key ed25519.PrivateKey, req IssueRequest) (string, error) {
	if len(key) != ed25519.PrivateKeySize {
		return "", errors.New("private key must be ed25519")
	}
	if req.Issuer == "" || req.Audience == "" || req.AccountID == "" {
		return "", errors.New("issuer, audience, and account are required")
	}
	if req.TTL <= 0 {
		req.TTL = time.Hour
	}
	now := time.Now
	if req.Now != nil {
		now = req.Now
	}
	issuedAt := now().UTC()

	jti, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate grant id: %w", err)
	}
	claims := jwt.MapClaims{
		"iss":        req.Issuer,
		"aud":        req.Audience,
		"iat":        jwt.NewNumericDate(issuedAt),
		"exp":        jwt.NewNumericDate(issuedAt.Add(req.TTL)),
		"jti":        jti,
		"account_id": req.AccountID,
	}
	grant, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign caller grant: %w", err)
	}
	return grant, nil
}

// DecodePrivateKey parses a base64 ed25519 private key export.
func DecodePrivateKey(value string) (ed25519.PrivateKey, error) {
	if value == "" {
		return nil, errors.New("empty private key")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err != nil {
		decoded, err = base64.StdEncoding.DecodeString(value)
	}
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes", ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(decoded), nil
}
