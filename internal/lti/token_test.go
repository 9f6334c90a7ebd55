package lti

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti-tool/internal/registry"
)

func tokenPlatform(tokenURL string) registry.Platform {
	return registry.Platform{
		Issuer:              "https://lms.example",
		ClientID:            "tool-1",
		DeploymentID:        "dep-1",
		AccessTokenEndpoint: tokenURL,
	}
}

func newIssuer(t *testing.T) *TokenIssuer {
	return NewTokenIssuer(ToolKey{Private: testKeys(t)[1], KeyID: "tool-key"}, 5*time.Second)
}

func TestFetchSendsClientAssertion(t *testing.T) {
	var (
		form  url.Values
		ctype string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctype = r.Header.Get("Content-Type")
		_ = r.ParseForm()
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-abc","token_type":"Bearer","expires_in":3600,"scope":"`+ScopeScore+`"}`)
	}))
	defer srv.Close()

	iss := newIssuer(t)
	p := tokenPlatform(srv.URL + "/token")
	tok, err := iss.Fetch(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, "tok-abc", tok.AccessToken)
	require.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiry, 5*time.Second)

	require.Equal(t, "application/x-www-form-urlencoded", ctype)
	require.Equal(t, "client_credentials", form.Get("grant_type"))
	require.Equal(t, "urn:ietf:params:oauth:client-assertion-type:jwt-bearer", form.Get("client_assertion_type"))
	require.Equal(t, ScopeScore, form.Get("scope"))

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(form.Get("client_assertion"), &claims, func(*jwt.Token) (any, error) {
		return &testKeys(t)[1].PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	require.Equal(t, "tool-key", parsed.Header["kid"])
	require.Equal(t, "tool-1", claims.Issuer)
	require.Equal(t, "tool-1", claims.Subject)
	require.ElementsMatch(t, jwt.ClaimStrings{p.AccessTokenEndpoint, "https://lms.example"}, claims.Audience)
	require.NotEmpty(t, claims.ID)
	require.Equal(t, 300*time.Second, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
}

func TestAssertionJTIUnique(t *testing.T) {
	iss := newIssuer(t)
	p := tokenPlatform("https://lms.example/token")
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		a, err := iss.Assertion(p)
		require.NoError(t, err)
		var c jwt.RegisteredClaims
		_, _, err = jwt.NewParser().ParseUnverified(a, &c)
		require.NoError(t, err)
		require.False(t, seen[c.ID], "jti reused: %s", c.ID)
		seen[c.ID] = true
	}
}

func TestFetchFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		reason TokenReason
		code   string
	}{
		{"oauth error", http.StatusBadRequest, `{"error":"invalid_client","error_description":"unknown kid"}`, TokenOAuthError, "invalid_client"},
		{"oauth error on 200", http.StatusOK, `{"error":"invalid_scope"}`, TokenOAuthError, "invalid_scope"},
		{"http status non json", http.StatusInternalServerError, `<html>oops</html>`, TokenHTTPStatus, ""},
		{"http status empty json", http.StatusUnauthorized, `{}`, TokenHTTPStatus, ""},
		{"malformed body", http.StatusOK, `not json`, TokenMalformedBody, ""},
		{"missing access token", http.StatusOK, `{"token_type":"Bearer"}`, TokenMalformedBody, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := newIssuer(t).Fetch(context.Background(), tokenPlatform(srv.URL))
			var te *TokenError
			require.ErrorAs(t, err, &te)
			require.Equal(t, tc.reason, te.Reason)
			require.Equal(t, tc.code, te.Code)
			require.Equal(t, tc.status, te.Status)
			require.Equal(t, KindTokenRequestFailed, KindOf(err))
			if tc.code != "" {
				require.Contains(t, err.Error(), tc.code)
			}
		})
	}
}

func TestFetchNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()

	_, err := newIssuer(t).Fetch(context.Background(), tokenPlatform(u))
	var te *TokenError
	require.ErrorAs(t, err, &te)
	require.Equal(t, TokenNetwork, te.Reason)
}

func TestFetchTimeoutIsNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	iss := newIssuer(t)
	iss.HTTP.Timeout = 20 * time.Millisecond
	_, err := iss.Fetch(context.Background(), tokenPlatform(srv.URL))
	var te *TokenError
	require.ErrorAs(t, err, &te)
	require.Equal(t, TokenNetwork, te.Reason)
}

func TestTokenCachesUntilExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"access_token":"tok","expires_in":3600}`)
	}))
	defer srv.Close()

	now := time.Now()
	var mu sync.Mutex
	iss := newIssuer(t)
	iss.Now = func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	p := tokenPlatform(srv.URL)

	for i := 0; i < 3; i++ {
		_, err := iss.Token(context.Background(), p)
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, calls.Load())

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	_, err := iss.Token(context.Background(), p)
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestTokenWithoutExpiryIsNotReused(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"access_token":"tok"}`)
	}))
	defer srv.Close()

	iss := newIssuer(t)
	for i := 0; i < 2; i++ {
		_, err := iss.Token(context.Background(), tokenPlatform(srv.URL))
		require.NoError(t, err)
	}
	require.EqualValues(t, 2, calls.Load())
}

func TestParseToolKey(t *testing.T) {
	_, err := ParseToolKey([]byte("garbage"), "")
	require.Error(t, err)
}
