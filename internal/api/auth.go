package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"duel/internal/store"
)

// KeyVerifier checks a plaintext API key
type KeyVerifier interface {
	VerifyAPIKey(plaintext string) (*store.APIKey, error)
}

type cachedKey struct {
	name      string
	expiresAt time.Time
}

// KeyCache verifies API keys and remembers good ones for a while, so the
// bcrypt comparison runs once per key per TTL. A revoked key keeps working
// until its cache entry expires.
type KeyCache struct {
	verifier KeyVerifier
	ttl      time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	cache    map[string]cachedKey
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewKeyCache(v KeyVerifier, ttl time.Duration) *KeyCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	kc := &KeyCache{
		verifier: v,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]cachedKey),
		stopCh:   make(chan struct{}),
	}
	go kc.cleanupLoop()
	return kc
}

// cleanupLoop periodically removes expired entries
func (kc *KeyCache) cleanupLoop() {
	ticker := time.NewTicker(kc.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			kc.cleanup()
		case <-kc.stopCh:
			return
		}
	}
}

func (kc *KeyCache) cleanup() {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	now := kc.now()
	for token, k := range kc.cache {
		if now.After(k.expiresAt) {
			delete(kc.cache, token)
		}
	}
}

// Stop halts the cleanup goroutine
func (kc *KeyCache) Stop() {
	kc.stopOnce.Do(func() { close(kc.stopCh) })
}

// Verify returns the name of the key, or store.ErrInvalidKey
func (kc *KeyCache) Verify(token string) (string, error) {
	kc.mu.RLock()
	k, ok := kc.cache[token]
	kc.mu.RUnlock()
	if ok && kc.now().Before(k.expiresAt) {
		return k.name, nil
	}

	key, err := kc.verifier.VerifyAPIKey(token)
	if err != nil {
		return "", err
	}

	kc.mu.Lock()
	kc.cache[token] = cachedKey{name: key.Name, expiresAt: kc.now().Add(kc.ttl)}
	kc.mu.Unlock()
	return key.Name, nil
}

type callerKey struct{}

// CallerFromContext returns the API key name of an authenticated request
func CallerFromContext(ctx context.Context) string {
	name, _ := ctx.Value(callerKey{}).(string)
	return name
}

// Middleware rejects requests without a valid key. Browsers cannot set
// headers on WebSocket upgrades, so a token query parameter is accepted too.
func (kc *KeyCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			unauthorized(w, "api key required")
			return
		}

		name, err := kc.Verify(token)
		if errors.Is(err, store.ErrInvalidKey) {
			unauthorized(w, "invalid api key")
			return
		}
		if err != nil {
			writeErrorBody(w, http.StatusServiceUnavailable, ErrorBody{
				Code:      CodeUnavailable,
				Message:   "could not verify api key",
				Retriable: true,
			})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, name)))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="duel"`)
	writeErrorBody(w, http.StatusUnauthorized, ErrorBody{Code: CodeUnauthorized, Message: msg})
}
