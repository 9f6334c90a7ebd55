package jwks

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// PublicSet builds the JWKS for the tool's signing key. When kid is empty the
// RFC 7638 thumbprint is used, which is also returned.
func PublicSet(pub *rsa.PublicKey, kid string) (jwk.Set, string, error) {
	key, err := jwk.FromRaw(pub)
	if err != nil {
		return nil, "", fmt.Errorf("jwks: build key: %w", err)
	}
	if kid == "" {
		tp, err := key.Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, "", fmt.Errorf("jwks: thumbprint: %w", err)
		}
		kid = base64.RawURLEncoding.EncodeToString(tp)
	}
	for k, v := range map[string]any{
		jwk.KeyIDKey:     kid,
		jwk.AlgorithmKey: jwa.RS256,
		jwk.KeyUsageKey:  jwk.ForSignature,
	} {
		if err := key.Set(k, v); err != nil {
			return nil, "", fmt.Errorf("jwks: set %s: %w", k, err)
		}
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, "", err
	}
	return set, kid, nil
}

// Handler serves a fixed key set at /.well-known/jwks.json with caching headers.
type Handler struct {
	payload []byte
	etag    string
	maxAge  time.Duration
}

func NewHandler(set jwk.Set, maxAge time.Duration) (*Handler, error) {
	payload, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("jwks: marshal: %w", err)
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	sum := sha256.Sum256(payload)
	return &Handler{
		payload: payload,
		etag:    `W/"` + base64.RawURLEncoding.EncodeToString(sum[:]) + `"`,
		maxAge:  maxAge,
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.maxAge.Seconds())))
	w.Header().Set("ETag", h.etag)
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if match := r.Header.Get("If-None-Match"); match != "" && match == h.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.payload)
}
