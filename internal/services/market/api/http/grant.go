package http

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/argylefox/tradepost/internal/platform/errors"
)

// callerGrantEnv holds raw env values before post-parse validation.
type callerGrantEnv struct {
	Issuer    string `env:"TRADEPOST_CALLER_GRANT_ISSUER"`
	Audience  string `env:"TRADEPOST_CALLER_GRANT_AUDIENCE"`
	PublicKey string `env:"TRADEPOST_CALLER_GRANT_PUBLIC_KEY"`
}

// CallerGrantConfig defines how caller grants are verified. A zero Key means
// grant verification is disabled and callers identify through the
// X-Account-ID header, which is only acceptable for local development.
type CallerGrantConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Enabled reports whether grant verification is configured.
func (c CallerGrantConfig) Enabled() bool {
	return len(c.Key) == ed25519.PublicKeySize
}

// CallerClaims captures the validated identity of a request.
type CallerClaims struct {
	AccountID string
	ExpiresAt time.Time
	JWTID     string
}

// callerClaims is the internal claims type used for JWT parsing.
type callerClaims struct {
	jwt.RegisteredClaims
	AccountID string `json:"account_id"`
}

// LoadCallerGrantConfigFromEnv reads caller grant verification configuration.
// All three variables must be set together; setting none disables
// verification.
func LoadCallerGrantConfigFromEnv(now func() time.Time) (CallerGrantConfig, error) {
	var raw callerGrantEnv
	if err := env.Parse(&raw); err != nil {
		return CallerGrantConfig{}, fmt.Errorf("parse caller grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" && audience == "" && publicKey == "" {
		return CallerGrantConfig{Now: now}, nil
	}
	if issuer == "" {
		return CallerGrantConfig{}, fmt.Errorf("TRADEPOST_CALLER_GRANT_ISSUER is required")
	}
	if audience == "" {
		return CallerGrantConfig{}, fmt.Errorf("TRADEPOST_CALLER_GRANT_AUDIENCE is required")
	}
	if publicKey == "" {
		return CallerGrantConfig{}, fmt.Errorf("TRADEPOST_CALLER_GRANT_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return CallerGrantConfig{}, fmt.Errorf("decode caller grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return CallerGrantConfig{}, fmt.Errorf("caller grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return CallerGrantConfig{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// ValidateCallerGrant verifies a caller grant token and returns its claims.
func ValidateCallerGrant(grant string, cfg CallerGrantConfig) (CallerClaims, error) {
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return CallerClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "caller grant is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || !cfg.Enabled() {
		return CallerClaims{}, errors.New("caller grant verifier is not configured")
	}

	var parsed callerClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return CallerClaims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return CallerClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "caller grant issuer mismatch")
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return CallerClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "caller grant audience mismatch")
	}
	if parsed.ID == "" {
		return CallerClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "caller grant jti is required")
	}
	if parsed.ExpiresAt == nil {
		return CallerClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "caller grant exp is required")
	}

	now := cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return CallerClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "caller grant is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return CallerClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "caller grant not active yet")
	}
	if strings.TrimSpace(parsed.AccountID) == "" {
		return CallerClaims{}, apperrors.New(apperrors.CodeUnauthenticated, "caller grant account is required")
	}

	return CallerClaims{
		AccountID: parsed.AccountID,
		ExpiresAt: exp,
		JWTID:     parsed.ID,
	}, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeUnauthenticated, "caller grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeUnauthenticated, "caller grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeUnauthenticated, "caller grant is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
