package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// MinKeyLength is the shortest signing secret accepted from any source.
	MinKeyLength = 32

	defaultKeyCacheTTL = 300 * time.Second
	minKeyCacheTTL     = 60 * time.Second
	maxKeyCacheTTL     = 300 * time.Second
)

// ErrKeyUnavailable is returned when no valid signing key can be produced.
var ErrKeyUnavailable = errors.New("auth: signing key unavailable")

// KeySource yields the current signing secret. forceRefresh bypasses any cache.
type KeySource interface {
	Key(ctx context.Context, forceRefresh bool) (string, error)
}

// SecretGetter fetches a raw secret payload by name.
// *paramstore.Client satisfies this interface.
type SecretGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// KeyProvider fetches the signing key from a secret store and caches it in
// memory for a short TTL. A failed fetch clears the cache.
type KeyProvider struct {
	getter SecretGetter
	name   string
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	key       string
	expires   time.Time
	fetchedAt time.Time
}

type KeyProviderOption func(*KeyProvider)

// WithCacheTTL sets how long a fetched key is served from memory. The value is
// clamped to [60s, 300s].
func WithCacheTTL(ttl time.Duration) KeyProviderOption {
	return func(p *KeyProvider) {
		switch {
		case ttl <= 0:
			p.ttl = defaultKeyCacheTTL
		case ttl < minKeyCacheTTL:
			p.ttl = minKeyCacheTTL
		case ttl > maxKeyCacheTTL:
			p.ttl = maxKeyCacheTTL
		default:
			p.ttl = ttl
		}
	}
}

func WithKeyClock(now func() time.Time) KeyProviderOption {
	return func(p *KeyProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewKeyProvider creates a KeyProvider reading the named secret.
func NewKeyProvider(getter SecretGetter, name string, opts ...KeyProviderOption) (*KeyProvider, error) {
	if getter == nil {
		return nil, errors.New("auth: secret getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("auth: signing key name must not be empty")
	}
	p := &KeyProvider{
		getter: getter,
		name:   name,
		ttl:    defaultKeyCacheTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Key returns the cached key, fetching it when the cache is cold, expired or
// forceRefresh is set. A forced refresh is honored at most once per minimum
// cache TTL; inside that window the cached key is returned, so tokens with a
// bad signature cannot turn every request into a secret-store call. The lock
// is held across the fetch so concurrent callers share one refresh.
func (p *KeyProvider) Key(ctx context.Context, forceRefresh bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.key != "" && now.Before(p.expires) {
		if !forceRefresh || now.Sub(p.fetchedAt) < minKeyCacheTTL {
			return p.key, nil
		}
	}

	raw, err := p.getter.GetParameter(ctx, p.name)
	if err != nil {
		p.key, p.expires = "", time.Time{}
		return "", fmt.Errorf("%w: fetch %q: %v", ErrKeyUnavailable, p.name, err)
	}
	key, err := parseSigningKey(raw)
	if err != nil {
		p.key, p.expires = "", time.Time{}
		return "", fmt.Errorf("%w: %q: %v", ErrKeyUnavailable, p.name, err)
	}

	p.key = key
	p.expires = now.Add(p.ttl)
	p.fetchedAt = now
	return key, nil
}

// StaticKey serves a fixed secret. It exists for local development and tests
// and must not be wired in production.
type StaticKey struct {
	key string
}

func NewStaticKey(key string) (*StaticKey, error) {
	key = strings.TrimSpace(key)
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("auth: static key must be at least %d characters", MinKeyLength)
	}
	return &StaticKey{key: key}, nil
}

func (s *StaticKey) Key(context.Context, bool) (string, error) {
	return s.key, nil
}

// parseSigningKey accepts a bare secret or a JSON object carrying it under one
// of the known field names.
func parseSigningKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty secret payload")
	}

	key := raw
	if strings.HasPrefix(raw, "{") {
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return "", fmt.Errorf("decode secret payload: %w", err)
		}
		key = ""
		for _, field := range []string{"signingKey", "signing_key", "key", "secret"} {
			if v, ok := payload[field].(string); ok && strings.TrimSpace(v) != "" {
				key = strings.TrimSpace(v)
				break
			}
		}
		if key == "" {
			return "", errors.New("secret payload has no signing key field")
		}
	}

	if len(key) < MinKeyLength {
		return "", fmt.Errorf("signing key shorter than %d characters", MinKeyLength)
	}
	return key, nil
}
