package lti

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestScoresURL(t *testing.T) {
	cases := []struct {
		in, want  string
		ambiguous bool
	}{
		{in: "https://lms/mod/lti/services.php/2/lineitems/9/lineitem?type_id=11", want: "https://lms/mod/lti/services.php/2/lineitems/9/lineitem/scores?type_id=11"},
		{in: "https://lms.example/api/lti/courses/7/lineitem/9", want: "https://lms.example/api/lti/courses/7/lineitem/9/scores"},
		{in: "https://lms.example/lineitem/9/", want: "https://lms.example/lineitem/9/scores"},
		{in: "https://lms.example/api/lti/courses/7/lineitems", ambiguous: true},
		{in: "https://lms.example/mod/lti/services.php/2/lineitems?type_id=11", ambiguous: true},
		{in: "https://canvas.example/api/lti/courses/1/line_items", ambiguous: true},
		{in: "https://canvas.example/api/lti/courses/1/line_items/", ambiguous: true},
		{in: "https://canvas.example/api/lti/courses/1/line_items/31", want: "https://canvas.example/api/lti/courses/1/line_items/31/scores"},
		{in: "", ambiguous: true},
		{in: "/relative/lineitem", ambiguous: true},
	}
	for _, tc := range cases {
		got, err := ScoresURL(tc.in)
		if tc.ambiguous {
			require.ErrorIs(t, err, ErrAmbiguousLineItem, tc.in)
			require.Equal(t, KindAmbiguousLineItem, KindOf(err))
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got)
	}
}

func TestPostScore(t *testing.T) {
	var (
		path, ctype, auth, body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.RequestURI()
		ctype = r.Header.Get("Content-Type")
		auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewAGSClient(5 * time.Second)
	c.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	err := c.PostScore(context.Background(), &oauth2.Token{AccessToken: "tok-abc", TokenType: "bearer"},
		srv.URL+"/lineitem/9?type_id=11", Score{ScoreGiven: 85, ScoreMaximum: 100, UserID: "user-42", Comment: "Nice"})
	require.NoError(t, err)

	require.Equal(t, "/lineitem/9/scores?type_id=11", path)
	require.Equal(t, "application/vnd.ims.lis.v1.score+json", ctype)
	require.Equal(t, "Bearer tok-abc", auth)
	require.Contains(t, body, `"scoreGiven":85,"scoreMaximum":100,"activityProgress":"Completed","gradingProgress":"FullyGraded"`)
	require.Contains(t, body, `"timestamp":"2024-05-01T12:00:00Z"`)
	require.Contains(t, body, `"userId":"user-42"`)
	require.Contains(t, body, `"comment":"Nice"`)
}

func TestPostScoreNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":"scope not granted"}`)
	}))
	defer srv.Close()

	err := NewAGSClient(time.Second).PostScore(context.Background(), &oauth2.Token{AccessToken: "t"},
		srv.URL+"/lineitem/9", Score{ScoreGiven: 1, ScoreMaximum: 2, UserID: "u"})
	var pe *PassbackError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, http.StatusForbidden, pe.Status)
	require.Contains(t, pe.Body, "scope not granted")
	require.Equal(t, KindPassbackFailed, KindOf(err))
	require.Equal(t, http.StatusBadGateway, HTTPStatus(KindOf(err)))
}

func TestPostScoreRejectsCollection(t *testing.T) {
	err := NewAGSClient(time.Second).PostScore(context.Background(), &oauth2.Token{AccessToken: "t"},
		"https://lms.example/api/lti/courses/7/lineitems", Score{UserID: "u"})
	require.ErrorIs(t, err, ErrAmbiguousLineItem)
}
