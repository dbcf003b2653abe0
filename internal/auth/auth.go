// Package auth authenticates HTTP API callers by static API key or by an
// HS256 bearer token.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Principal identifies an authenticated caller.
type Principal struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	// Method is "api_key" or "jwt".
	Method string `json:"method"`
}

// Config configures authentication.
type Config struct {
	APIKeys     []string
	JWTSecret   string
	TokenExpiry time.Duration
}

type apiKey struct {
	key       []byte
	principal *Principal
}

// Service validates API keys and JWTs.
type Service struct {
	jwt     *JWTService
	apiKeys []apiKey
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	for _, key := range cfg.APIKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		sum := sha256.Sum256([]byte(key))
		service.apiKeys = append(service.apiKeys, apiKey{
			key:       []byte(key),
			principal: &Principal{ID: "api_" + hex.EncodeToString(sum[:8]), Method: "api_key"},
		})
	}
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// GenerateJWT issues a signed token for subject.
func (s *Service) GenerateJWT(subject, name string) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(subject, name)
}

// ValidateJWT validates a JWT and returns its principal.
func (s *Service) ValidateJWT(token string) (*Principal, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey checks key against every configured key in constant time.
func (s *Service) ValidateAPIKey(key string) (*Principal, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	input := []byte(strings.TrimSpace(key))
	var matched *Principal
	for _, candidate := range s.apiKeys {
		if subtle.ConstantTimeCompare(input, candidate.key) == 1 {
			matched = candidate.principal
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	p := *matched
	return &p, nil
}
