// Package jwks resolves an issuer's signing keys through OpenID Connect
// discovery and verifies ID tokens against them. Key sets are cached per
// issuer with a bounded TTL so a key rotation is picked up without hitting
// the issuer on every login.
package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrInvalidToken is returned for any token that fails signature or claim
// validation. The cause is wrapped for logs; responses carry only this.
var ErrInvalidToken = errors.New("invalid token")

// Options configures a Client
type Options struct {
	// CacheTTL bounds how long a fetched key set is reused
	CacheTTL time.Duration
	// CacheSize bounds how many issuers are cached at once
	CacheSize int
	// Leeway is the clock skew tolerated on time claims
	Leeway time.Duration
	// CacheHits and CacheMisses are optional counters
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// Client fetches, caches and applies issuer key sets
type Client struct {
	httpClient *http.Client
	cache      *expirable.LRU[string, jwk.Set]
	opts       Options
}

// NewClient creates a key set client. httpClient handles all outbound
// requests so callers can attach timeouts and tracing.
func NewClient(httpClient *http.Client, opts Options) *Client {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 16
	}
	return &Client{
		httpClient: httpClient,
		cache:      expirable.NewLRU[string, jwk.Set](opts.CacheSize, nil, opts.CacheTTL),
		opts:       opts,
	}
}

type openidConfiguration struct {
	JWKSURI string `json:"jwks_uri"`
}

// KeySet returns the signing keys for an issuer, from cache when fresh
func (c *Client) KeySet(ctx context.Context, issuer string) (jwk.Set, error) {
	if set, ok := c.cache.Get(issuer); ok {
		if c.opts.CacheHits != nil {
			c.opts.CacheHits.Inc()
		}
		return set, nil
	}
	if c.opts.CacheMisses != nil {
		c.opts.CacheMisses.Inc()
	}

	jwksURI, err := c.discoverJWKSURI(ctx, issuer)
	if err != nil {
		return nil, err
	}
	set, err := jwk.Fetch(ctx, jwksURI, jwk.WithHTTPClient(c.httpClient))
	if err != nil {
		return nil, fmt.Errorf("fetch key set for %s: %w", issuer, err)
	}
	c.cache.Add(issuer, set)
	return set, nil
}

func (c *Client) discoverJWKSURI(ctx context.Context, issuer string) (string, error) {
	wellKnown := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return "", fmt.Errorf("build discovery request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w", issuer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discover %s: unexpected status %d", issuer, resp.StatusCode)
	}
	var cfg openidConfiguration
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return "", fmt.Errorf("decode discovery document for %s: %w", issuer, err)
	}
	if cfg.JWKSURI == "" {
		return "", fmt.Errorf("discovery document for %s has no jwks_uri", issuer)
	}
	return cfg.JWKSURI, nil
}

// VerifyIDToken checks a raw ID token's signature against the issuer's key
// set and validates issuer, audience and time claims with the configured
// leeway. Further provider-specific claims are the caller's job.
func (c *Client) VerifyIDToken(ctx context.Context, raw, issuer, audience string) (jwt.Token, error) {
	set, err := c.KeySet(ctx, issuer)
	if err != nil {
		return nil, err
	}
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(c.opts.Leeway),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return tok, nil
}
