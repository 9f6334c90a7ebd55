package auth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti-tool/internal/lti"
)

var launch = lti.LaunchClaims{
	Issuer: "https://lms.example", ClientID: "tool-1", DeploymentID: "dep-1",
	UserID: "user-42", CourseID: "course-7", ResourceLinkID: "link-3",
	LineItemURL: "https://lms.example/lineitem/9",
}

func TestIssueAndParse(t *testing.T) {
	a := NewAuthService("secret", time.Hour)
	tok, err := a.IssueJWT(launch)
	require.NoError(t, err)

	c, err := a.Parse(tok)
	require.NoError(t, err)
	require.Equal(t, "user-42", c.Subject)
	require.Equal(t, launch, c.Launch)

	_, err = NewAuthService("other", time.Hour).Parse(tok)
	require.Error(t, err)
}

func TestParseExpired(t *testing.T) {
	a := NewAuthService("secret", time.Minute)
	a.now = func() time.Time { return time.Now().Add(-time.Hour) }
	tok, err := a.IssueJWT(launch)
	require.NoError(t, err)

	_, err = NewAuthService("secret", time.Minute).Parse(tok)
	require.Error(t, err)
}

func TestJWTMiddleware(t *testing.T) {
	a := NewAuthService("secret", time.Hour)
	tok, err := a.IssueJWT(launch)
	require.NoError(t, err)

	var sub string
	h := JWTMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub = SubjectFromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "user-42", sub)
}

func TestLaunchRedirect(t *testing.T) {
	a := NewAuthService("secret", time.Hour)

	rr := httptest.NewRecorder()
	LaunchRedirect(a, "https://quiz.example/app")(rr, httptest.NewRequest(http.MethodPost, "/lti/launch", nil), launch)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "quiz.example", loc.Host)
	require.True(t, strings.HasPrefix(loc.Fragment, "token="))
	_, err = a.Parse(strings.TrimPrefix(loc.Fragment, "token="))
	require.NoError(t, err)

	rr = httptest.NewRecorder()
	LaunchRedirect(a, "")(rr, httptest.NewRequest(http.MethodPost, "/lti/launch", nil), launch)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"access_token"`)
	require.Contains(t, rr.Body.String(), `"courseId":"course-7"`)
}
