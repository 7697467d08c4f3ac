package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/stackwatch/stackwatch/pkg/config"
	"github.com/stackwatch/stackwatch/pkg/log"
	"github.com/stackwatch/stackwatch/pkg/metrics"
	"github.com/stackwatch/stackwatch/pkg/storage"
	"github.com/stackwatch/stackwatch/pkg/types"
)

// ErrUnauthorized is the single error surfaced for any verification
// failure. Expired, revoked, and forged tokens are indistinguishable to
// the caller.
var ErrUnauthorized = errors.New("auth: unauthorized")

const (
	// fingerprintBytes is the raw entropy per session fingerprint.
	fingerprintBytes = 32

	// clockSkew tolerated when validating token timestamps.
	clockSkew = 60 * time.Second
)

// Claims carried in a session token. The fingerprint hash binds the token
// to the transport cookie.
type Claims struct {
	Role            string `json:"role"`
	FingerprintHash string `json:"fgp"`
	jwt.RegisteredClaims
}

// Session is the result of issuing a token: the signed token for the
// Authorization header and the raw fingerprint for the HttpOnly cookie.
type Session struct {
	Token       string
	Fingerprint string
	ExpiresAt   time.Time
}

// Service issues and verifies RS256 session tokens bound to a per-session
// fingerprint, with a digest denylist for revocation.
type Service struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string
	issuer     string
	expiration time.Duration
	store      *storage.Store
	parser     *jwt.Parser
	logger     zerolog.Logger
}

// NewService loads the RSA keypair and builds the token service.
func NewService(cfg config.TokenConfig, store *storage.Store) (*Service, error) {
	priv, err := loadPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	pub, err := loadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, err
	}
	return newService(cfg, priv, pub, store), nil
}

// NewServiceWithKeys builds the service from in-memory keys. Used by
// tests and by deployments that fetch keys from a secret manager.
func NewServiceWithKeys(cfg config.TokenConfig, priv *rsa.PrivateKey, store *storage.Store) *Service {
	return newService(cfg, priv, &priv.PublicKey, store)
}

func newService(cfg config.TokenConfig, priv *rsa.PrivateKey, pub *rsa.PublicKey, store *storage.Store) *Service {
	return &Service{
		privateKey: priv,
		publicKey:  pub,
		keyID:      cfg.KeyID,
		issuer:     cfg.Issuer,
		expiration: cfg.Expiration(),
		store:      store,
		// Claim validation is done in validateClaims; the library checks
		// timestamps without leeway.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
		logger: log.WithComponent("auth"),
	}
}

// Issue creates a session: a signed token carrying the SHA-256 of a fresh
// fingerprint, plus the raw fingerprint for the cookie.
func (s *Service) Issue(email, role string) (*Session, error) {
	raw := make([]byte, fingerprintBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate fingerprint: %w", err)
	}
	fingerprint := base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now().UTC()
	expiresAt := now.Add(s.expiration)
	claims := Claims{
		Role:            role,
		FingerprintHash: hashHex(fingerprint),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Session{Token: signed, Fingerprint: fingerprint, ExpiresAt: expiresAt}, nil
}

// Verify validates a token against the public key, binds it to the cookie
// fingerprint, and checks the revocation denylist. Every failure surfaces
// as ErrUnauthorized.
func (s *Service) Verify(ctx context.Context, tokenString, fingerprint string) (*Claims, error) {
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.publicKey, nil
	})
	if err != nil {
		metrics.TokenVerifications.WithLabelValues("invalid_token").Inc()
		return nil, ErrUnauthorized
	}
	if err := s.validateClaims(claims, time.Now().UTC()); err != nil {
		metrics.TokenVerifications.WithLabelValues("invalid_token").Inc()
		return nil, ErrUnauthorized
	}

	if subtle.ConstantTimeCompare([]byte(hashHex(fingerprint)), []byte(claims.FingerprintHash)) != 1 {
		metrics.TokenVerifications.WithLabelValues("fingerprint_mismatch").Inc()
		s.logger.Warn().Str("sub", claims.Subject).Msg("token fingerprint mismatch")
		return nil, ErrUnauthorized
	}

	revoked, err := s.store.IsTokenRevoked(ctx, hashHex(tokenString))
	if err != nil {
		metrics.TokenVerifications.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		metrics.TokenVerifications.WithLabelValues("revoked").Inc()
		return nil, ErrUnauthorized
	}

	metrics.TokenVerifications.WithLabelValues("success").Inc()
	return claims, nil
}

// validateClaims checks the registered claims with clockSkew tolerance
// on the time-based checks. The issuer must match the configured one and
// an expiry must be present.
func (s *Service) validateClaims(c *Claims, now time.Time) error {
	if !c.VerifyIssuer(s.issuer, true) {
		return fmt.Errorf("unexpected issuer %q", c.Issuer)
	}
	if !c.VerifyExpiresAt(now.Add(-clockSkew), true) {
		return fmt.Errorf("token expired")
	}
	if !c.VerifyIssuedAt(now.Add(clockSkew), false) {
		return fmt.Errorf("token used before issued")
	}
	if !c.VerifyNotBefore(now.Add(clockSkew), false) {
		return fmt.Errorf("token not valid yet")
	}
	return nil
}

// Revoke adds the token's digest to the denylist, expiring with the token
// itself. Revoking twice, or revoking an already expired token, is a
// no-op.
func (s *Service) Revoke(ctx context.Context, tokenString, reason string) error {
	// The token may already be expired; extraction only needs the claims.
	claims := &Claims{}
	unverified := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := unverified.ParseUnverified(tokenString, claims); err != nil {
		return fmt.Errorf("failed to parse token for revocation: %w", err)
	}

	expiresAt := time.Now().UTC().Add(s.expiration)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return s.store.RevokeToken(ctx, &types.RevokedToken{
		Digest:    hashHex(tokenString),
		UserEmail: claims.Subject,
		Reason:    reason,
		RevokedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	})
}

// RevokeAllForUser drops every denylist row for a user, used when the
// user record itself is removed.
func (s *Service) RevokeAllForUser(ctx context.Context, email string) (int64, error) {
	return s.store.DeleteTokensForUser(ctx, email)
}

// SweepExpired removes denylist rows whose tokens have expired on their
// own; those fail verification regardless of the denylist.
func (s *Service) SweepExpired(ctx context.Context) {
	n, err := s.store.DeleteExpiredTokens(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Msg("revocation sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Msg("swept expired revocation entries")
	}
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key file %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key in %s is not RSA", path)
	}
	return key, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in public key file %s", path)
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key in %s is not RSA", path)
	}
	return key, nil
}
