package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Operator is the caller of the admin API, taken from a verified JWT
type Operator struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ErrMissingSubject is returned for tokens without a subject
var ErrMissingSubject = errors.New("token missing subject")

// JWTVerifier verifies bearer tokens against a cached JWKS
type JWTVerifier struct {
	jwksURL    string
	audience   string
	cache      *jwk.Cache
	refreshTTL time.Duration
	logger     *slog.Logger

	mu        sync.RWMutex
	keySet    jwk.Set
	lastFetch time.Time
}

// VerifierOption configures a JWTVerifier
type VerifierOption func(*JWTVerifier)

// WithAudience requires the aud claim to contain aud.
func WithAudience(aud string) VerifierOption {
	return func(v *JWTVerifier) { v.audience = aud }
}

// WithVerifierLogger sets the logger used for refresh failures
func WithVerifierLogger(l *slog.Logger) VerifierOption {
	return func(v *JWTVerifier) { v.logger = l }
}

// NewJWTVerifier fetches the JWKS once and keeps it fresh until ctx is done.
func NewJWTVerifier(ctx context.Context, jwksURL string, opts ...VerifierOption) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}

	v.cache = jwk.NewCache(ctx)
	if err := v.cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	set, err := v.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.setKeySet(set)

	go v.backgroundRefresh(ctx)
	return v, nil
}

// NewStaticVerifier verifies against a fixed key set; no refresh.
func NewStaticVerifier(set jwk.Set, opts ...VerifierOption) *JWTVerifier {
	v := &JWTVerifier{logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	v.setKeySet(set)
	return v
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	set, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return set, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		set, err := v.fetchKeySet(fetchCtx)
		cancel()
		if err != nil {
			v.logger.Warn("jwks refresh failed", "url", v.jwksURL, "error", err)
			continue
		}
		v.setKeySet(set)
	}
}

func (v *JWTVerifier) setKeySet(set jwk.Set) {
	v.mu.Lock()
	v.keySet = set
	v.lastFetch = time.Now()
	v.mu.Unlock()
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keySet
}

// OperatorFromRequest validates the Authorization bearer token.
func (v *JWTVerifier) OperatorFromRequest(r *http.Request) (*Operator, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseRequest(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	if token.Subject() == "" {
		return nil, ErrMissingSubject
	}

	op := &Operator{ID: token.Subject()}
	if claim, ok := token.Get("email"); ok {
		op.Email, _ = claim.(string)
	}
	if claim, ok := token.Get("name"); ok {
		op.Name, _ = claim.(string)
	}
	return op, nil
}

// CacheStats reports JWKS cache state for the health endpoint
func (v *JWTVerifier) CacheStats() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()

	keys := 0
	if v.keySet != nil {
		keys = v.keySet.Len()
	}
	return map[string]any{
		"keys_cached": keys,
		"last_fetch":  v.lastFetch,
		"jwks_url":    v.jwksURL,
	}
}
