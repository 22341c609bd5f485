// Package auth guards the search API with bearer tokens verified against a JWKS.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	log "github.com/sirupsen/logrus"
)

// ContextKey is where Middleware stores the verified *Caller
const ContextKey = "caller"

// Caller is the identity carried by a verified token
type Caller struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Verifier checks bearer tokens against a cached key set
type Verifier struct {
	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	lastFetch   time.Time
	refreshTTL  time.Duration
	parseOpts   []jwt.ParseOption
}

// Option customises token validation
type Option func(*Verifier)

// WithAudience requires the aud claim to contain aud
func WithAudience(aud string) Option {
	return func(v *Verifier) {
		if aud != "" {
			v.parseOpts = append(v.parseOpts, jwt.WithAudience(aud))
		}
	}
}

// WithIssuer requires the iss claim to equal iss
func WithIssuer(iss string) Option {
	return func(v *Verifier) {
		if iss != "" {
			v.parseOpts = append(v.parseOpts, jwt.WithIssuer(iss))
		}
	}
}

// NewVerifier fetches the key set at jwksURL and keeps it fresh until ctx is done.
// Verification never waits on the network; a failed refresh keeps the old keys.
func NewVerifier(ctx context.Context, jwksURL string, opts ...Option) (*Verifier, error) {
	v := &Verifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(v)
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	keySet, err := v.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.setKeySet(keySet)

	go v.backgroundRefresh(ctx)
	return v, nil
}

// NewStaticVerifier verifies against a fixed key set
func NewStaticVerifier(keySet jwk.Set, opts ...Option) *Verifier {
	v := &Verifier{jwksURL: "static"}
	for _, opt := range opts {
		opt(v)
	}
	v.setKeySet(keySet)
	return v
}

func (v *Verifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *Verifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()
		if err != nil {
			log.Warnf("JWKS refresh failed, keeping cached keys: %v", err)
			continue
		}
		v.setKeySet(keySet)
	}
}

func (v *Verifier) setKeySet(keySet jwk.Set) {
	v.keySetMutex.Lock()
	defer v.keySetMutex.Unlock()
	v.keySet = keySet
	v.lastFetch = time.Now()
}

func (v *Verifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// CallerFromRequest validates the request's bearer token
func (v *Verifier) CallerFromRequest(r *http.Request) (*Caller, error) {
	opts := append([]jwt.ParseOption{
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	}, v.parseOpts...)

	token, err := jwt.ParseRequest(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	if token.Subject() == "" {
		return nil, errors.New("token missing subject")
	}

	caller := &Caller{Subject: token.Subject()}
	if email, ok := token.Get("email"); ok {
		caller.Email, _ = email.(string)
	}
	if name, ok := token.Get("name"); ok {
		caller.Name, _ = name.(string)
	}
	return caller, nil
}

// Middleware rejects requests without a valid token
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := v.CallerFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Set(ContextKey, caller)
		c.Next()
	}
}

// Stats describes the cached key set
func (v *Verifier) Stats() map[string]any {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()

	keyCount := 0
	if v.keySet != nil {
		keyCount = v.keySet.Len()
	}
	return map[string]any{
		"keys_cached": keyCount,
		"last_fetch":  v.lastFetch,
		"jwks_url":    v.jwksURL,
	}
}
