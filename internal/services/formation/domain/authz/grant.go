package authz

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/formation/internal/platform/config"
	apperrors "github.com/louisbranch/formation/internal/platform/errors"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvGrantIssuer     = "FORMATION_REGRESSION_GRANT_ISSUER"
	EnvGrantAudience   = "FORMATION_REGRESSION_GRANT_AUDIENCE"
	EnvGrantPublicKey  = "FORMATION_REGRESSION_GRANT_PUBLIC_KEY"
	EnvGrantPrivateKey = "FORMATION_REGRESSION_GRANT_PRIVATE_KEY"
)

// ErrNotConfigured indicates grant verification keys are absent.
var ErrNotConfigured = errors.New("regression grant verifier is not configured")

// grantEnv holds raw env values before post-parse validation.
type grantEnv struct {
	Issuer    string `env:"FORMATION_REGRESSION_GRANT_ISSUER"`
	Audience  string `env:"FORMATION_REGRESSION_GRANT_AUDIENCE" envDefault:"formation"`
	PublicKey string `env:"FORMATION_REGRESSION_GRANT_PUBLIC_KEY"`
}

// Config defines how regression grants are verified.
type Config struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
}

// Grant is a verified regression authorization.
type Grant struct {
	ID           string
	SubjectID    string
	ToPhase      string
	AuthorizedBy string
	Reason       string
	Issuer       string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// grantClaims is the JWT body of a regression grant.
type grantClaims struct {
	jwt.RegisteredClaims
	ToPhase      string `json:"to_phase"`
	AuthorizedBy string `json:"authorized_by"`
	Reason       string `json:"reason,omitempty"`
}

// ConfigFromEnv reads verification settings. It returns ErrNotConfigured
// when no public key is set so callers can run without regression support.
func ConfigFromEnv() (Config, error) {
	var raw grantEnv
	if err := config.ParseEnv(&raw); err != nil {
		return Config{}, fmt.Errorf("parse regression grant env: %w", err)
	}
	publicKey := strings.TrimSpace(raw.PublicKey)
	if publicKey == "" {
		return Config{}, ErrNotConfigured
	}
	issuer := strings.TrimSpace(raw.Issuer)
	if issuer == "" {
		return Config{}, fmt.Errorf("%s is required", EnvGrantIssuer)
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return Config{}, fmt.Errorf("decode regression grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return Config{}, fmt.Errorf("regression grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	return Config{
		Issuer:   issuer,
		Audience: strings.TrimSpace(raw.Audience),
		Key:      ed25519.PublicKey(keyBytes),
	}, nil
}

// Verifier checks regression grant tokens.
type Verifier struct {
	cfg Config
}

// NewVerifier validates cfg and returns a verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return nil, ErrNotConfigured
	}
	return &Verifier{cfg: cfg}, nil
}

// Verify parses token and checks its signature, issuer, audience, validity
// window and subject. now is explicit so decisions stay replayable in tests.
func (v *Verifier) Verify(token, subjectID string, now time.Time) (Grant, error) {
	if v == nil {
		return Grant{}, ErrNotConfigured
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Grant{}, apperrors.New(apperrors.CodeDeniedRegressionGrantInvalid, "regression grant is required")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Grant{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != v.cfg.Issuer {
		return Grant{}, apperrors.WithMetadata(
			apperrors.CodeDeniedRegressionGrantInvalid,
			"regression grant issuer mismatch",
			map[string]string{"Field": "issuer"},
		)
	}
	if !slices.Contains(parsed.Audience, v.cfg.Audience) {
		return Grant{}, apperrors.WithMetadata(
			apperrors.CodeDeniedRegressionGrantInvalid,
			"regression grant audience mismatch",
			map[string]string{"Field": "audience"},
		)
	}
	if parsed.ID == "" {
		return Grant{}, apperrors.New(apperrors.CodeDeniedRegressionGrantInvalid, "regression grant jti is required")
	}
	if parsed.ExpiresAt == nil {
		return Grant{}, apperrors.New(apperrors.CodeDeniedRegressionGrantInvalid, "regression grant exp is required")
	}

	now = now.UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Grant{}, apperrors.New(apperrors.CodeDeniedRegressionGrantExpired, "regression grant is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time) {
		return Grant{}, apperrors.New(apperrors.CodeDeniedRegressionGrantInvalid, "regression grant not active yet")
	}
	if strings.TrimSpace(parsed.Subject) == "" || parsed.Subject != subjectID {
		return Grant{}, apperrors.WithMetadata(
			apperrors.CodeDeniedRegressionGrantSubjectMatch,
			"regression grant subject mismatch",
			map[string]string{"Field": "sub"},
		)
	}
	if strings.TrimSpace(parsed.ToPhase) == "" {
		return Grant{}, apperrors.New(apperrors.CodeDeniedRegressionGrantInvalid, "regression grant to_phase is required")
	}
	if strings.TrimSpace(parsed.AuthorizedBy) == "" {
		return Grant{}, apperrors.New(apperrors.CodeDeniedRegressionGrantInvalid, "regression grant authorized_by is required")
	}

	grant := Grant{
		ID:           parsed.ID,
		SubjectID:    parsed.Subject,
		ToPhase:      parsed.ToPhase,
		AuthorizedBy: parsed.AuthorizedBy,
		Reason:       parsed.Reason,
		Issuer:       parsed.Issuer,
		ExpiresAt:    exp,
	}
	if parsed.IssuedAt != nil {
		grant.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return grant, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeDeniedRegressionGrantInvalid, "regression grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeDeniedRegressionGrantInvalid, "regression grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeDeniedRegressionGrantInvalid, "regression grant is invalid")
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
