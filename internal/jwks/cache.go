// Package jwks resolves platform signing keys and publishes the tool's own key set.
package jwks

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"
)

// ErrKeyNotFound means the key set was reachable but holds no usable RSA key for the kid.
var ErrKeyNotFound = errors.New("jwks: key not found")

// KeyResolver returns the public key a platform signs with.
type KeyResolver interface {
	ResolveKey(ctx context.Context, jwksURI, kid string) (*rsa.PublicKey, error)
}

type cacheKey struct{ uri, kid string }

type entry struct {
	key     *rsa.PublicKey
	fetched time.Time
}

// Cache is a read-through KeyResolver keyed by (jwksURI, kid). A miss or a
// stale entry refetches the whole set; concurrent fetches of one URI share a
// single request.
type Cache struct {
	HTTP *http.Client
	TTL  time.Duration
	// MinRefetch stops a flood of unknown kids from hammering the platform. Zero disables it.
	MinRefetch time.Duration
	Now        func() time.Time

	mu        sync.RWMutex
	keys      map[cacheKey]entry
	lastFetch map[string]time.Time
	group     singleflight.Group
}

// NewCache builds a Cache with a bounded HTTP client.
func NewCache(timeout, ttl time.Duration) *Cache {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		HTTP:       &http.Client{Timeout: timeout},
		TTL:        ttl,
		MinRefetch: 10 * time.Second,
		Now:        time.Now,
	}
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Cache) lookup(uri, kid string) (*rsa.PublicKey, bool) {
	k, ok, _ := c.lookupWithFetch(uri, kid)
	return k, ok
}

// lookupWithFetch also reports when uri was last fetched, read under the same lock.
func (c *Cache) lookupWithFetch(uri, kid string) (*rsa.PublicKey, bool, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	last := c.lastFetch[uri]
	e, ok := c.keys[cacheKey{uri, kid}]
	if !ok || c.now().Sub(e.fetched) > c.TTL {
		return nil, false, last
	}
	return e.key, true, last
}

func (c *Cache) ResolveKey(ctx context.Context, jwksURI, kid string) (*rsa.PublicKey, error) {
	k, ok, last := c.lookupWithFetch(jwksURI, kid)
	if ok {
		return k, nil
	}
	if !last.IsZero() && c.MinRefetch > 0 && c.now().Sub(last) < c.MinRefetch {
		return nil, fmt.Errorf("%w: kid %q (refetch suppressed)", ErrKeyNotFound, kid)
	}

	// The fetch runs detached from any one caller so a cancelled request
	// does not fail the others waiting on it.
	ch := c.group.DoChan(jwksURI, func() (any, error) {
		return nil, c.refresh(context.WithoutCancel(ctx), jwksURI)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
	}

	if k, ok := c.lookup(jwksURI, kid); ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

func (c *Cache) refresh(ctx context.Context, uri string) error {
	set, err := c.fetch(ctx, uri)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastFetch == nil {
		c.lastFetch = map[string]time.Time{}
	}
	c.lastFetch[uri] = now
	if err != nil {
		return err
	}
	if c.keys == nil {
		c.keys = map[cacheKey]entry{}
	}
	for k := range c.keys {
		if k.uri == uri {
			delete(c.keys, k)
		}
	}
	var only *rsa.PublicKey
	usable := 0
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		var pub rsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			continue // non-RSA keys are not usable for RS256
		}
		if u := key.KeyUsage(); u != "" && u != string(jwk.ForSignature) {
			continue
		}
		c.keys[cacheKey{uri, key.KeyID()}] = entry{key: &pub, fetched: now}
		only = &pub
		usable++
	}
	// A token without a kid can only be matched when the set leaves no choice.
	if usable == 1 {
		c.keys[cacheKey{uri, ""}] = entry{key: only, fetched: now}
	}
	return nil
}

func (c *Cache) fetch(ctx context.Context, uri string) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("jwks: read: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("jwks: fetch %s: platform returned %s", uri, resp.Status)
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("jwks: parse: %w", err)
	}
	return set, nil
}
