package lti

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/mind-engage/mindengage-lti-tool/internal/registry"
)

const (
	grantClientCredentials = "client_credentials"
	assertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	ScopeScore = "https://purl.imsglobal.org/spec/lti-ags/scope/score"

	assertionLifetime = 300 * time.Second
	maxBodySnippet    = 2048
)

// TokenIssuer obtains AGS bearer tokens with an RFC 7523 client assertion.
type TokenIssuer struct {
	HTTP *http.Client
	Key  ToolKey
	Now  func() time.Time
	// Scopes requested; defaults to the score scope.
	Scopes []string

	mu    sync.Mutex
	cache map[string]*oauth2.Token
}

func NewTokenIssuer(key ToolKey, timeout time.Duration) *TokenIssuer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TokenIssuer{
		HTTP: &http.Client{Timeout: timeout},
		Key:  key,
		Now:  time.Now,
	}
}

func (t *TokenIssuer) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Assertion signs a fresh client assertion for p. Every call carries a new jti.
func (t *TokenIssuer) Assertion(p registry.Platform) (string, error) {
	if t.Key.Private == nil {
		return "", errors.New("lti: tool signing key not configured")
	}
	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer:    p.ClientID,
		Subject:   p.ClientID,
		Audience:  jwt.ClaimStrings{p.AccessTokenEndpoint, p.Issuer},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		ID:        uuid.NewString(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if t.Key.KeyID != "" {
		tok.Header["kid"] = t.Key.KeyID
	}
	return tok.SignedString(t.Key.Private)
}

type tokenResp struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type,omitempty"`
	ExpiresIn        int64  `json:"expires_in,omitempty"`
	Scope            string `json:"scope,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Fetch always performs a token request against p's token endpoint.
func (t *TokenIssuer) Fetch(ctx context.Context, p registry.Platform) (*oauth2.Token, error) {
	assertion, err := t.Assertion(p)
	if err != nil {
		return nil, err
	}
	scopes := t.Scopes
	if len(scopes) == 0 {
		scopes = []string{ScopeScore}
	}
	form := url.Values{}
	form.Set("grant_type", grantClientCredentials)
	form.Set("client_assertion_type", assertionTypeJWTBearer)
	form.Set("client_assertion", assertion)
	form.Set("scope", strings.Join(scopes, " "))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.AccessTokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &TokenError{Reason: TokenNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return nil, &TokenError{Reason: TokenNetwork, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TokenError{Reason: TokenNetwork, Status: resp.StatusCode, Err: err}
	}

	var tr tokenResp
	decodeErr := json.Unmarshal(body, &tr)
	// An OAuth error code is the most specific signal, whatever the status.
	if decodeErr == nil && tr.Error != "" {
		return nil, &TokenError{Reason: TokenOAuthError, Status: resp.StatusCode, Code: tr.Error, Body: snippet(body)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TokenError{Reason: TokenHTTPStatus, Status: resp.StatusCode, Body: snippet(body)}
	}
	if decodeErr != nil {
		return nil, &TokenError{Reason: TokenMalformedBody, Status: resp.StatusCode, Body: snippet(body), Err: decodeErr}
	}
	if tr.AccessToken == "" {
		return nil, &TokenError{Reason: TokenMalformedBody, Status: resp.StatusCode, Body: snippet(body), Err: errors.New("missing access_token")}
	}

	tok := &oauth2.Token{AccessToken: tr.AccessToken, TokenType: tr.TokenType}
	if tr.ExpiresIn > 0 {
		tok.Expiry = t.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok.WithExtra(map[string]any{"scope": tr.Scope}), nil
}

// Token returns a cached token for p while oauth2 considers it valid and
// fetches a new one otherwise. Tokens without expires_in are never reused.
func (t *TokenIssuer) Token(ctx context.Context, p registry.Platform) (*oauth2.Token, error) {
	key := p.Issuer + "|" + p.ClientID + "|" + p.AccessTokenEndpoint

	t.mu.Lock()
	cached, ok := t.cache[key]
	t.mu.Unlock()
	if ok && !cached.Expiry.IsZero() && cached.Valid() && cached.Expiry.After(t.now()) {
		return cached, nil
	}

	tok, err := t.Fetch(ctx, p)
	if err != nil {
		t.mu.Lock()
		delete(t.cache, key)
		t.mu.Unlock()
		return nil, err
	}
	if !tok.Expiry.IsZero() {
		t.mu.Lock()
		if t.cache == nil {
			t.cache = map[string]*oauth2.Token{}
		}
		t.cache[key] = tok
		t.mu.Unlock()
	}
	return tok, nil
}

func snippet(b []byte) string {
	if len(b) > maxBodySnippet {
		b = b[:maxBodySnippet]
	}
	return string(b)
}
