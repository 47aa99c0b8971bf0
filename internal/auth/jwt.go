// Package auth signs and verifies gateway bearer tokens.
package auth

import (
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	// Issuer and Audience are fixed for every gateway token.
	Issuer   = "osa-gateway"
	Audience = "osa-api"

	servicePrefix = "service:"
	serviceTTL    = time.Hour
	defaultTTL    = time.Hour
)

// Claims is the gateway token payload.
type Claims struct {
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Service     string   `json:"service,omitempty"`
	jwt.RegisteredClaims
}

// IsService reports whether the token was issued to another service.
func (c *Claims) IsService() bool {
	return strings.HasPrefix(c.Subject, servicePrefix)
}

// GenerateOptions customizes a user token.
type GenerateOptions struct {
	Role        string
	Permissions []string
	TTL         time.Duration
}

// SecretFunc supplies the signing secret. It is called at most once.
type SecretFunc func() (string, error)

// StaticSecret returns a SecretFunc for a configured secret. An empty secret
// is reported at first use, not at startup.
func StaticSecret(secret string) SecretFunc {
	return func() (string, error) {
		if secret == "" {
			return "", eris.New("auth: jwt secret not configured (OSA_AUTH_JWT_SECRET)")
		}
		return secret, nil
	}
}

// Signer issues and verifies HS256 tokens.
type Signer struct {
	load SecretFunc
	ttl  time.Duration
	now  func() time.Time

	once   sync.Once
	secret []byte
	err    error
}

// NewSigner creates a Signer. ttl applies to user tokens without their own.
func NewSigner(load SecretFunc, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Signer{load: load, ttl: ttl, now: time.Now}
}

func (s *Signer) key() ([]byte, error) {
	s.once.Do(func() {
		secret, err := s.load()
		if err != nil {
			s.err = err
			return
		}
		s.secret = []byte(secret)
	})
	return s.secret, s.err
}

// Generate signs a token for a user.
func (s *Signer) Generate(userID string, opts GenerateOptions) (string, error) {
	if userID == "" {
		return "", eris.New("auth: user id is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	return s.sign(&Claims{
		Role:             opts.Role,
		Permissions:      opts.Permissions,
		RegisteredClaims: s.registered(userID, ttl),
	})
}

// GenerateService signs a one-hour service-to-service token.
func (s *Signer) GenerateService(name string) (string, error) {
	if name == "" {
		return "", eris.New("auth: service name is required")
	}
	return s.sign(&Claims{
		Role:             "service",
		Service:          name,
		RegisteredClaims: s.registered(servicePrefix+name, serviceTTL),
	})
}

func (s *Signer) registered(sub string, ttl time.Duration) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    Issuer,
		Audience:  jwt.ClaimStrings{Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *Signer) sign(claims *Claims) (string, error) {
	key, err := s.key()
	if err != nil {
		return "", err
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", eris.Wrap(err, "auth: sign token")
	}
	return signed, nil
}

// Verify parses and validates a token. It returns nil on any failure.
func (s *Signer) Verify(token string) *Claims {
	key, err := s.key()
	if err != nil {
		zap.L().Warn("auth: cannot verify token", zap.Error(err))
		return nil
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil
	}
	return claims
}
