package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return k
}

// platformJWKS serves whatever set is current and counts fetches.
type platformJWKS struct {
	mu      sync.Mutex
	body    []byte
	fetches atomic.Int32
	delay   time.Duration
}

func (p *platformJWKS) serve(t *testing.T, pub *rsa.PublicKey, kid string) {
	set, _, err := PublicSet(pub, kid)
	require.NoError(t, err)
	b, err := json.Marshal(set)
	require.NoError(t, err)
	p.mu.Lock()
	p.body = b
	p.mu.Unlock()
}

func (p *platformJWKS) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	p.fetches.Add(1)
	time.Sleep(p.delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = w.Write(p.body)
}

func TestResolveKeyCachesAndRefetchesOnRotation(t *testing.T) {
	k1, k2 := newKey(t), newKey(t)
	plat := &platformJWKS{}
	plat.serve(t, &k1.PublicKey, "k1")
	srv := httptest.NewServer(plat)
	defer srv.Close()

	c := NewCache(time.Second, time.Hour)
	c.MinRefetch = 0

	got, err := c.ResolveKey(context.Background(), srv.URL, "k1")
	require.NoError(t, err)
	require.Equal(t, 0, got.N.Cmp(k1.N))

	_, err = c.ResolveKey(context.Background(), srv.URL, "k1")
	require.NoError(t, err)
	require.EqualValues(t, 1, plat.fetches.Load())

	plat.serve(t, &k2.PublicKey, "k2")
	got, err = c.ResolveKey(context.Background(), srv.URL, "k2")
	require.NoError(t, err)
	require.Equal(t, 0, got.N.Cmp(k2.N))
	require.EqualValues(t, 2, plat.fetches.Load())

	_, err = c.ResolveKey(context.Background(), srv.URL, "missing")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestResolveKeyCollapsesConcurrentColdFetches(t *testing.T) {
	k := newKey(t)
	plat := &platformJWKS{delay: 50 * time.Millisecond}
	plat.serve(t, &k.PublicKey, "k")
	srv := httptest.NewServer(plat)
	defer srv.Close()

	c := NewCache(time.Second, time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ResolveKey(context.Background(), srv.URL, "k")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, plat.fetches.Load())
}

func TestResolveKeyExpiresAfterTTL(t *testing.T) {
	k := newKey(t)
	plat := &platformJWKS{}
	plat.serve(t, &k.PublicKey, "k")
	srv := httptest.NewServer(plat)
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	c := NewCache(time.Second, time.Minute)
	c.Now = func() time.Time { return now }

	_, err := c.ResolveKey(context.Background(), srv.URL, "k")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = c.ResolveKey(context.Background(), srv.URL, "k")
	require.NoError(t, err)
	require.EqualValues(t, 2, plat.fetches.Load())
}

func TestResolveKeySuppressesRapidRefetch(t *testing.T) {
	k := newKey(t)
	plat := &platformJWKS{}
	plat.serve(t, &k.PublicKey, "k")
	srv := httptest.NewServer(plat)
	defer srv.Close()

	c := NewCache(time.Second, time.Hour)
	_, err := c.ResolveKey(context.Background(), srv.URL, "k")
	require.NoError(t, err)
	_, err = c.ResolveKey(context.Background(), srv.URL, "other")
	require.ErrorIs(t, err, ErrKeyNotFound)
	require.EqualValues(t, 1, plat.fetches.Load())
}

func TestResolveKeyHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewCache(time.Second, time.Hour).ResolveKey(context.Background(), srv.URL, "k")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrKeyNotFound)
}

func TestHandlerServesThumbprintKid(t *testing.T) {
	k := newKey(t)
	set, kid, err := PublicSet(&k.PublicKey, "")
	require.NoError(t, err)
	require.NotEmpty(t, kid)

	h, err := NewHandler(set, time.Minute)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"kid":"`+kid+`"`)
	require.Contains(t, rr.Body.String(), `"alg":"RS256"`)
	require.NotContains(t, rr.Body.String(), `"d":`)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	req.Header.Set("If-None-Match", rr.Header().Get("ETag"))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotModified, rr.Code)
}

func TestResolveKeyWithoutKid(t *testing.T) {
	k1, k2 := newKey(t), newKey(t)
	plat := &platformJWKS{}
	plat.serve(t, &k1.PublicKey, "k1")
	srv := httptest.NewServer(plat)
	defer srv.Close()

	c := NewCache(time.Second, time.Hour)
	c.MinRefetch = 0

	got, err := c.ResolveKey(context.Background(), srv.URL, "")
	require.NoError(t, err)
	require.Equal(t, 0, got.N.Cmp(k1.N))

	// two keys: an empty kid is ambiguous
	s1, _, err := PublicSet(&k1.PublicKey, "k1")
	require.NoError(t, err)
	s2, _, err := PublicSet(&k2.PublicKey, "k2")
	require.NoError(t, err)
	k, ok := s2.Key(0)
	require.True(t, ok)
	require.NoError(t, s1.AddKey(k))
	b, err := json.Marshal(s1)
	require.NoError(t, err)
	plat.mu.Lock()
	plat.body = b
	plat.mu.Unlock()

	c2 := NewCache(time.Second, time.Hour)
	_, err = c2.ResolveKey(context.Background(), srv.URL, "")
	require.ErrorIs(t, err, ErrKeyNotFound)
	got, err = c2.ResolveKey(context.Background(), srv.URL, "k2")
	require.NoError(t, err)
	require.Equal(t, 0, got.N.Cmp(k2.N))
}
