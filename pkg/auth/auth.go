// Package auth implements bearer-token authentication for the aggregator's
// HTTP surface.
//
// Tokens are RS256-signed JWTs minted and validated with a locally managed
// RSA keypair. The absence of a private key disables authentication
// globally: the middleware passes every request through.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/maggmcp/magg/pkg/logger"
	"github.com/maggmcp/magg/pkg/magg"
)

const (
	// DefaultIssuer and DefaultAudience are baked into minted tokens and
	// enforced during validation.
	DefaultIssuer   = "magg"
	DefaultAudience = "magg"

	privateKeyFile = "magg.key"
	keyBits        = 2048
)

// Claims are the validated contents of a bearer token. Scopes are
// informational; the aggregator does not enforce authorization scopes.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Scopes    []string
}

// Manager owns the RSA keypair and mints/validates bearer tokens.
type Manager struct {
	keyDir   string
	issuer   string
	audience string

	privateKey *rsa.PrivateKey
}

// NewManager creates an auth manager rooted at keyDir. When privateKeyPEM is
// non-empty (the MAGG_PRIVATE_KEY override) it is used instead of the key
// file. A manager without a key is valid: auth is simply disabled.
func NewManager(keyDir, privateKeyPEM string) (*Manager, error) {
	m := &Manager{
		keyDir:   keyDir,
		issuer:   DefaultIssuer,
		audience: DefaultAudience,
	}

	if privateKeyPEM != "" {
		key, err := parsePrivateKey([]byte(privateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("%w: parsing MAGG_PRIVATE_KEY: %v", magg.ErrValidation, err)
		}
		m.privateKey = key
		return m, nil
	}

	if err := m.loadKeyFile(); err != nil {
		return nil, err
	}
	return m, nil
}

// Enabled reports whether a private key is present. Without one, auth is
// disabled globally.
func (m *Manager) Enabled() bool {
	return m.privateKey != nil
}

// KeyPath returns the private key file location.
func (m *Manager) KeyPath() string {
	return filepath.Join(m.keyDir, privateKeyFile)
}

// InitKeys generates a fresh RSA keypair and writes the private key with
// owner-only permissions. It refuses to overwrite an existing key.
func (m *Manager) InitKeys() error {
	path := m.KeyPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: key file %s already exists", magg.ErrValidation, path)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}

	if err := os.MkdirAll(m.keyDir, 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	m.privateKey = key
	logger.Infof("Generated RSA keypair at %s", path)
	return nil
}

func (m *Manager) loadKeyFile() error {
	data, err := os.ReadFile(m.KeyPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading private key: %w", err)
	}

	if info, err := os.Stat(m.KeyPath()); err == nil {
		if info.Mode().Perm()&0o077 != 0 {
			return fmt.Errorf("%w: private key %s must be readable by owner only (chmod 600)",
				magg.ErrValidation, m.KeyPath())
		}
	}

	key, err := parsePrivateKey(data)
	if err != nil {
		return fmt.Errorf("%w: parsing private key %s: %v", magg.ErrValidation, m.KeyPath(), err)
	}
	m.privateKey = key
	return nil
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", parsed)
	}
	return key, nil
}

// PublicKeyPEM returns the PEM-encoded public key.
func (m *Manager) PublicKeyPEM() (string, error) {
	if m.privateKey == nil {
		return "", fmt.Errorf("%w: no private key loaded", magg.ErrAuth)
	}
	der, err := x509.MarshalPKIXPublicKey(&m.privateKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// PrivateKeyPEM returns the PEM-encoded private key for export.
func (m *Manager) PrivateKeyPEM() (string, error) {
	if m.privateKey == nil {
		return "", fmt.Errorf("%w: no private key loaded", magg.ErrAuth)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(m.privateKey),
	}
	return string(pem.EncodeToMemory(block)), nil
}

// CreateToken mints an RS256 bearer token for subject, valid for ttl.
func (m *Manager) CreateToken(subject string, ttl time.Duration, scopes []string) (string, error) {
	if m.privateKey == nil {
		return "", fmt.Errorf("%w: no private key loaded", magg.ErrAuth)
	}
	if subject == "" {
		subject = "dev-user"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": m.issuer,
		"aud": m.audience,
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if len(scopes) > 0 {
		claims["scopes"] = strings.Join(scopes, " ")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(m.privateKey)
}

// ValidateToken checks the signature, expiry, issuer, and audience of a
// bearer token and returns its claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	if m.privateKey == nil {
		return nil, fmt.Errorf("%w: authentication is disabled", magg.ErrAuth)
	}

	token, err := jwt.Parse(tokenString,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return &m.privateKey.PublicKey, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", magg.ErrAuth, err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: malformed claims", magg.ErrAuth)
	}

	claims := &Claims{}
	claims.Subject, _ = mapClaims["sub"].(string)
	claims.Issuer, _ = mapClaims["iss"].(string)
	if aud, err := mapClaims.GetAudience(); err == nil {
		claims.Audience = aud
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if iat, err := mapClaims.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if scopes, ok := mapClaims["scopes"].(string); ok && scopes != "" {
		claims.Scopes = strings.Fields(scopes)
	}
	return claims, nil
}

// Middleware enforces bearer authentication on HTTP routes. With auth
// disabled it is a pass-through.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		if _, err := m.ValidateToken(strings.TrimSpace(tokenString)); err != nil {
			logger.Debugf("Rejected bearer token: %v", err)
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
