package logger

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	require.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}

func TestAccessLogPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "debug", Writer: &buf})

	h := AccessLog(AccessLogOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "hi")
		_, _ = io.WriteString(w, "there")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x?login_hint=secret", nil))

	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, "hithere", rr.Body.String())
	require.Contains(t, buf.String(), `"path":"/x"`)
	require.Contains(t, buf.String(), `"bytes":7`)
	require.NotContains(t, buf.String(), "secret")
}
