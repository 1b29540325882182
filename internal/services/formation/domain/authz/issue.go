package authz

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

	"github.com/louisbranch/formation/internal/platform/config"
	"github.com/louisbranch/formation/internal/platform/id"
)

// DefaultGrantTTL bounds how long an issued grant stays usable.
const DefaultGrantTTL = 24 * time.Hour

// Issuer signs regression grants for administrators.
type Issuer struct {
	Issuer   string
	Audience string
	Key      ed25519.PrivateKey
	TTL      time.Duration
}

// IssueRequest describes a grant to sign.
type IssueRequest struct {
	SubjectID    string
	ToPhase      string
	AuthorizedBy string
	Reason       string
}

type issuerEnv struct {
	Issuer     string `env:"FORMATION_REGRESSION_GRANT_ISSUER"`
	Audience   string `env:"FORMATION_REGRESSION_GRANT_AUDIENCE" envDefault:"formation"`
	PrivateKey string `env:"FORMATION_REGRESSION_GRANT_PRIVATE_KEY"`
}

// IssuerFromEnv reads signing settings for administrator tooling.
func IssuerFromEnv(ttl time.Duration) (Issuer, error) {
	var raw issuerEnv
	if err := config.ParseEnv(&raw); err != nil {
		return Issuer{}, fmt.Errorf("parse regression grant env: %w", err)
	}
	if strings.TrimSpace(raw.PrivateKey) == "" {
		return Issuer{}, fmt.Errorf("%s is required", EnvGrantPrivateKey)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	if issuer == "" {
		return Issuer{}, fmt.Errorf("%s is required", EnvGrantIssuer)
	}
	key, err := ParsePrivateKey(raw.PrivateKey)
	if err != nil {
		return Issuer{}, err
	}
	audience := strings.TrimSpace(raw.Audience)
	if audience == "" {
		audience = "formation"
	}
	return Issuer{Issuer: issuer, Audience: audience, Key: key, TTL: ttl}, nil
}

// ParsePrivateKey decodes a base64 ed25519 private key.
func ParsePrivateKey(value string) (ed25519.PrivateKey, error) {
	keyBytes, err := decodeBase64(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("decode regression grant private key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("regression grant private key must be %d bytes", ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(keyBytes), nil
}

// Issue signs a grant valid from now for the issuer TTL.
func (i Issuer) Issue(req IssueRequest, now time.Time) (string, Grant, error) {
	if i.Issuer == "" || i.Audience == "" || len(i.Key) != ed25519.PrivateKeySize {
		return "", Grant{}, errors.New("regression grant issuer is not configured")
	}
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.ToPhase = strings.TrimSpace(req.ToPhase)
	req.AuthorizedBy = strings.TrimSpace(req.AuthorizedBy)
	switch {
	case req.SubjectID == "":
		return "", Grant{}, errors.New("subject id is required")
	case req.ToPhase == "":
		return "", Grant{}, errors.New("to phase is required")
	case req.AuthorizedBy == "":
		return "", Grant{}, errors.New("authorized by is required")
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}
	grantID, err := id.NewID()
	if err != nil {
		return "", Grant{}, err
	}

	now = now.UTC().Truncate(time.Second)
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.Issuer,
			Subject:   req.SubjectID,
			Audience:  jwt.ClaimStrings{i.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        grantID,
		},
		ToPhase:      req.ToPhase,
		AuthorizedBy: req.AuthorizedBy,
		Reason:       strings.TrimSpace(req.Reason),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.Key)
	if err != nil {
		return "", Grant{}, fmt.Errorf("sign regression grant: %w", err)
	}
	return token, Grant{
		ID:           grantID,
		SubjectID:    req.SubjectID,
		ToPhase:      req.ToPhase,
		AuthorizedBy: req.AuthorizedBy,
		Reason:       claims.Reason,
		Issuer:       i.Issuer,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
	}, nil
}

// GenerateKeys writes a fresh grant key pair as shell exports.
func GenerateKeys(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate regression grant key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export %s=%s\n", EnvGrantPrivateKey, base64.RawStdEncoding.EncodeToString(privateKey)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export %s=%s\n", EnvGrantPublicKey, base64.RawStdEncoding.EncodeToString(publicKey)); err != nil {
		return err
	}
	return nil
}
