package logger

import (
	"net/http"
	"time"
)

// AccessLogOptions configures AccessLog.
type AccessLogOptions struct {
	// Slow marks requests taking >= Slow as warn level; 0 disables it.
	Slow time.Duration
}

type captureWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	n, err := cw.ResponseWriter.Write(b)
	cw.bytes += n
	return n, err
}

// AccessLog logs method, path, status, elapsed and bytes for every request.
// Query strings are left out since launch and login requests carry hints.
func AccessLog(opt AccessLogOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(cw, r)

			elapsed := time.Since(start)
			log := C(r.Context())
			ev := log.Info()
			switch {
			case cw.status >= 500:
				ev = log.Error()
			case opt.Slow > 0 && elapsed >= opt.Slow:
				ev = log.Warn().Bool("slow", true)
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", cw.status).
				Dur("elapsed", elapsed).
				Int("bytes", cw.bytes).
				Msg("http request")
		})
	}
}
