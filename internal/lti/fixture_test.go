package lti

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti-tool/internal/jwks"
	"github.com/mind-engage/mindengage-lti-tool/internal/registry"
	"github.com/mind-engage/mindengage-lti-tool/internal/session"
)

var (
	keyOnce sync.Once
	keys    [3]*rsa.PrivateKey
)

// testKeys shares RSA keys across tests; generating them is slow.
func testKeys(t *testing.T) [3]*rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		for i := range keys {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			keys[i] = k
		}
	})
	return keys
}

// fakePlatform is an LMS serving a JWKS and signing launch tokens.
type fakePlatform struct {
	t        *testing.T
	mu       sync.Mutex
	key      *rsa.PrivateKey
	kid      string
	srv      *httptest.Server
	platform registry.Platform
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	f := &fakePlatform{t: t, key: testKeys(t)[0], kid: "platform-key-1"}
	mux := http.NewServeMux()
	mux.HandleFunc("/certs", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		set, _, err := jwks.PublicSet(&f.key.PublicKey, f.kid)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(set)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	f.platform = registry.Platform{
		Issuer:                 "https://lms.example",
		ClientID:               "tool-1",
		DeploymentID:           "dep-1",
		AuthenticationEndpoint: "https://lms.example/auth",
		AccessTokenEndpoint:    f.srv.URL + "/token",
		JWKSEndpoint:           f.srv.URL + "/certs",
	}
	return f
}

func (f *fakePlatform) rotate(key *rsa.PrivateKey, kid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.key, f.kid = key, kid
}

func (f *fakePlatform) validClaims(nonce string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":              f.platform.Issuer,
		"aud":              f.platform.ClientID,
		"sub":              "user-42",
		"iat":              now.Unix(),
		"exp":              now.Add(5 * time.Minute).Unix(),
		"nonce":            nonce,
		"name":             "Ada Lovelace",
		"email":            "ada@example.edu",
		ClaimMessageType:   MessageTypeResourceLink,
		ClaimVersion:       Version13,
		ClaimDeploymentID:  "dep-1",
		ClaimTargetLinkURI: "https://tool.example/quiz",
		ClaimResourceLink:  map[string]any{"id": "link-3", "title": "Quiz 1"},
		ClaimContext:       map[string]any{"id": "course-7", "title": "Math"},
		ClaimRoles:         []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"},
		ClaimAGSEndpoint: map[string]any{
			"lineitem":  "https://lms.example/api/lti/courses/7/lineitem/9",
			"lineitems": "https://lms.example/api/lti/courses/7/lineitems",
			"scope":     []string{ScopeScore},
		},
	}
}

func (f *fakePlatform) sign(claims jwt.MapClaims) string {
	f.mu.Lock()
	key, kid := f.key, f.kid
	f.mu.Unlock()
	return signWith(f.t, key, kid, claims)
}

func signWith(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

type launchFixture struct {
	plat      *fakePlatform
	validator *Validator
	sessions  *session.MemoryStore
}

func newLaunchFixture(t *testing.T) *launchFixture {
	t.Helper()
	plat := newFakePlatform(t)
	cache := jwks.NewCache(5*time.Second, time.Hour)
	cache.MinRefetch = 0
	sessions := session.NewMemoryStore(0)
	return &launchFixture{
		plat:     plat,
		sessions: sessions,
		validator: &Validator{
			Platforms: registry.NewMemoryStore(plat.platform),
			Keys:      cache,
			Sessions:  sessions,
			Leeway:    60 * time.Second,
		},
	}
}

// login stores a login state the way the initiator would and returns it.
func (f *launchFixture) login(t *testing.T, state, nonce string) {
	t.Helper()
	require.NoError(t, f.sessions.Save(context.Background(), session.State{
		State: state, Nonce: nonce, Issuer: f.plat.platform.Issuer, ClientID: "tool-1",
	}, time.Minute))
}
