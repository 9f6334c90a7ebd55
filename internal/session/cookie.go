package session

import (
	"crypto/subtle"
	"net/http"
	"time"
)

// CookieName binds a login state to the browser that started it.
const CookieName = "lti_state"

// SetCookie stores state in a cookie readable by the cross-site launch POST.
func SetCookie(w http.ResponseWriter, state string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}

// CookieMatches reports whether the request carries a cookie for state.
func CookieMatches(r *http.Request, state string) bool {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(state)) == 1
}

// ClearCookie expires the binding cookie.
func ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name: CookieName, Value: "", Path: "/", MaxAge: -1,
		HttpOnly: true, Secure: true, SameSite: http.SameSiteNoneMode,
	})
}
