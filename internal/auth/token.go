// Package auth provides bearer-credential sourcing for the duplex client.
//
// Session starts authenticate with a freshly issued bearer token. The
// CachingTokenSource keeps a token across reconnects and refreshes it
// transparently when it nears expiry or the server rejects it, so an expired
// credential never surfaces as a hard failure on first use.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// expirySkew is subtracted from a token's deadline so a token that would
// expire mid-handshake is refreshed up front.
const expirySkew = 30 * time.Second

// Token is a bearer credential with an optional expiry. A zero ExpiresAt
// means the token never expires (an API key).
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token is usable: non-empty and not within the
// expiry skew of its deadline.
func (t Token) Valid() bool {
	if t.Value == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Add(expirySkew).Before(t.ExpiresAt)
}

// TokenSource issues bearer tokens.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
}

// TokenFunc adapts a function to the TokenSource interface.
type TokenFunc func(ctx context.Context) (Token, error)

// Token calls f.
func (f TokenFunc) Token(ctx context.Context) (Token, error) { return f(ctx) }

// StaticTokenSource returns a source that always yields the same
// never-expiring token. Used for API-key style credentials.
func StaticTokenSource(value string) TokenSource {
	return TokenFunc(func(context.Context) (Token, error) {
		if value == "" {
			return Token{}, fmt.Errorf("auth: empty static token")
		}
		return Token{Value: value}, nil
	})
}

// CachingTokenSource wraps another source and caches its token until it
// nears expiry or is invalidated. Safe for concurrent use.
type CachingTokenSource struct {
	src TokenSource

	mu     sync.Mutex
	cached Token
}

// NewCachingTokenSource creates a caching wrapper around src.
func NewCachingTokenSource(src TokenSource) *CachingTokenSource {
	return &CachingTokenSource{src: src}
}

// Token returns the cached token if still valid, otherwise fetches a fresh
// one from the underlying source.
func (c *CachingTokenSource) Token(ctx context.Context) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached.Valid() {
		return c.cached, nil
	}
	tok, err := c.src.Token(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("auth: fetch token: %w", err)
	}
	if !tok.Valid() {
		return Token{}, fmt.Errorf("auth: source returned an expired token")
	}
	c.cached = tok
	return tok, nil
}

// Invalidate drops the cached token so the next Token call fetches a fresh
// one. Called when the server rejects a credential that looked valid
// locally.
func (c *CachingTokenSource) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = Token{}
}

var _ TokenSource = (*CachingTokenSource)(nil)
