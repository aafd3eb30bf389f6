package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// earlyRefresh is how long before expiry a cached token is replaced, so
// requests never go out with a token about to lapse mid-flight.
const earlyRefresh = 5 * time.Minute

// newTokenSource returns a caching client-credentials token source.
func newTokenSource(ctx context.Context, cfg clientcredentials.Config) oauth2.TokenSource {
	return &cachingSource{ctx: ctx, cfg: cfg, now: time.Now}
}

// cachingSource caches the fetched token until earlyRefresh before its
// expiry. When the token endpoint omits an expiry, the JWT exp claim
// supplies one; tokens with neither are cached for the process lifetime.
type cachingSource struct {
	ctx context.Context
	cfg clientcredentials.Config
	now func() time.Time

	mu  sync.Mutex
	tok *oauth2.Token
}

func (s *cachingSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok != nil && s.tok.AccessToken != "" {
		if s.tok.Expiry.IsZero() || s.now().Before(s.tok.Expiry.Add(-earlyRefresh)) {
			return s.tok, nil
		}
	}

	var tok, err = s.cfg.Token(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching transfer service token: %w", err)
	}
	if tok.Expiry.IsZero() {
		if exp, ok := jwtExpiry(tok.AccessToken); ok {
			tok.Expiry = exp
		}
	}
	s.tok = tok
	return tok, nil
}

// jwtExpiry parses the exp claim of a JWT access token. The signature
// isn't verified; the claim is only a refresh hint.
func jwtExpiry(raw string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
