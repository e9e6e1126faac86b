package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testIssuer runs a fake OpenID provider with one RSA signing key
type testIssuer struct {
	server   *httptest.Server
	key      *rsa.PrivateKey
	requests int64
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.FromRaw(key.Public())
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "test-key-1"))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	ti := &testIssuer{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&ti.requests, 1)
		fmt.Fprintf(w, `{"jwks_uri":"%s/keys"}`, ti.server.URL)
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		buf, err := json.Marshal(set)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(buf)
	})
	ti.server = httptest.NewServer(mux)
	t.Cleanup(ti.server.Close)
	return ti
}

func (ti *testIssuer) sign(t *testing.T, build func(b *jwt.Builder)) string {
	t.Helper()

	b := jwt.NewBuilder().
		Issuer(ti.server.URL).
		Audience([]string{"client-1"}).
		Subject("user-1").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	if build != nil {
		build(b)
	}
	tok, err := b.Build()
	require.NoError(t, err)

	signKey, err := jwk.FromRaw(ti.key)
	require.NoError(t, err)
	require.NoError(t, signKey.Set(jwk.KeyIDKey, "test-key-1"))

	raw, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, signKey))
	require.NoError(t, err)
	return string(raw)
}

func newTestClient(leeway time.Duration) *Client {
	return NewClient(http.DefaultClient, Options{
		CacheTTL:  time.Hour,
		CacheSize: 4,
		Leeway:    leeway,
	})
}

func TestVerifyIDToken(t *testing.T) {
	ti := newTestIssuer(t)
	client := newTestClient(30 * time.Second)

	raw := ti.sign(t, nil)
	tok, err := client.VerifyIDToken(context.Background(), raw, ti.server.URL, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", tok.Subject())
}

func TestVerifyIDToken_WrongAudience(t *testing.T) {
	ti := newTestIssuer(t)
	client := newTestClient(30 * time.Second)

	raw := ti.sign(t, nil)
	_, err := client.VerifyIDToken(context.Background(), raw, ti.server.URL, "someone-else")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyIDToken_Expired(t *testing.T) {
	ti := newTestIssuer(t)
	client := newTestClient(30 * time.Second)

	raw := ti.sign(t, func(b *jwt.Builder) {
		b.Expiration(time.Now().Add(-time.Minute))
	})
	_, err := client.VerifyIDToken(context.Background(), raw, ti.server.URL, "client-1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyIDToken_ExpiredWithinLeeway(t *testing.T) {
	ti := newTestIssuer(t)
	client := newTestClient(time.Minute)

	// expired ten seconds ago, tolerated by a one minute skew allowance
	raw := ti.sign(t, func(b *jwt.Builder) {
		b.Expiration(time.Now().Add(-10 * time.Second))
	})
	_, err := client.VerifyIDToken(context.Background(), raw, ti.server.URL, "client-1")
	assert.NoError(t, err)
}

func TestVerifyIDToken_TamperedSignature(t *testing.T) {
	ti := newTestIssuer(t)
	client := newTestClient(30 * time.Second)

	raw := ti.sign(t, nil)
	tampered := raw[:len(raw)-4] + "AAAA"
	_, err := client.VerifyIDToken(context.Background(), tampered, ti.server.URL, "client-1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyIDToken_ForeignKey(t *testing.T) {
	ti := newTestIssuer(t)
	other := newTestIssuer(t)
	client := newTestClient(30 * time.Second)

	// token signed by another issuer's key but claiming this issuer
	raw := other.sign(t, func(b *jwt.Builder) {
		b.Issuer(ti.server.URL)
	})
	_, err := client.VerifyIDToken(context.Background(), raw, ti.server.URL, "client-1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestKeySetCaching(t *testing.T) {
	ti := newTestIssuer(t)
	client := newTestClient(30 * time.Second)
	ctx := context.Background()

	_, err := client.KeySet(ctx, ti.server.URL)
	require.NoError(t, err)
	_, err = client.KeySet(ctx, ti.server.URL)
	require.NoError(t, err)

	// one discovery round-trip, second lookup served from cache
	assert.Equal(t, int64(1), atomic.LoadInt64(&ti.requests))
}

func TestKeySet_DiscoveryFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := newTestClient(30 * time.Second)
	_, err := client.KeySet(context.Background(), server.URL)
	assert.Error(t, err)
}
