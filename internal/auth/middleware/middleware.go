package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/mindengage-lti-tool/internal/lti"
)

const sessionIssuer = "mindengage-lti-tool"

// AuthService issues and verifies the tool's own session tokens, minted after
// a successful LTI launch and presented by the quiz UI as a Bearer token.
type AuthService struct {
	hmac []byte
	ttl  time.Duration
	now  func() time.Time
}

func NewAuthService(secret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &AuthService{hmac: []byte(secret), ttl: ttl, now: time.Now}
}

type Claims struct {
	Launch lti.LaunchClaims `json:"lti"`
	jwt.RegisteredClaims
}

func (a *AuthService) IssueJWT(lc lti.LaunchClaims) (string, error) {
	now := a.now()
	claims := &Claims{
		Launch: lc,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   lc.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(a.hmac)
}

func (a *AuthService) Parse(tokenStr string) (*Claims, error) {
	var c Claims
	token, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (interface{}, error) {
		return a.hmac, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid || c.Subject == "" {
		return nil, errors.New("invalid session token")
	}
	return &c, nil
}

// LaunchRedirect answers a validated launch. With a UI URL the browser is sent
// there with the session token in the fragment; otherwise the token and
// claims are returned as JSON.
func LaunchRedirect(a *AuthService, uiURL string) lti.LaunchSuccessFunc {
	return func(w http.ResponseWriter, r *http.Request, lc lti.LaunchClaims) {
		tok, err := a.IssueJWT(lc)
		if err != nil {
			http.Error(w, "issue token", http.StatusInternalServerError)
			return
		}
		if uiURL != "" {
			http.Redirect(w, r, strings.TrimRight(uiURL, "#")+"#token="+tok, http.StatusSeeOther)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": tok, "launch": lc})
	}
}

func JWTMiddleware(a *AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				http.Error(w, "missing bearer", http.StatusUnauthorized)
				return
			}
			c, err := a.Parse(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				http.Error(w, "bad token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithLaunch(r.Context(), c.Launch)))
		})
	}
}
