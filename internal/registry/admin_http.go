package registry

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-lti-tool/internal/logger"
	"github.com/mind-engage/mindengage-lti-tool/internal/validate"
)

/*
Admin API for platform provisioning.

	GET    /platforms            list
	PUT    /platforms            create or replace (keyed by issuer)
	GET    /platforms/{issuer}   issuer is path-escaped
	DELETE /platforms/{issuer}

Mount under /admin behind BasicAuth.
*/

// Routes returns the admin handler for store.
func Routes(store Admin) http.Handler {
	r := chi.NewRouter()
	r.Get("/platforms", listPlatforms(store))
	r.Put("/platforms", upsertPlatform(store))
	r.Post("/platforms", upsertPlatform(store))
	r.Get("/platforms/{issuer}", getPlatform(store))
	r.Delete("/platforms/{issuer}", deletePlatform(store))
	return r
}

// BasicAuth guards the admin API with a user name and bcrypt password hash.
// An empty hash disables the API entirely.
func BasicAuth(user, passHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if passHash == "" || !ok ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(passHash), []byte(p)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="lti-admin"`)
				writeErr(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func listPlatforms(store Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := store.List(r.Context())
		if err != nil {
			logger.C(r.Context()).Error().Err(err).Msg("list platforms")
			writeErr(w, http.StatusInternalServerError, "list failed")
			return
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func upsertPlatform(store Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p Platform
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
		if err := dec.Decode(&p); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		p = normalize(p)
		if err := validate.Struct(p); err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		out, err := store.Upsert(r.Context(), p)
		if err != nil {
			logger.C(r.Context()).Error().Err(err).Str("issuer", p.Issuer).Msg("upsert platform")
			writeErr(w, http.StatusInternalServerError, "upsert failed")
			return
		}
		logger.C(r.Context()).Info().Str("issuer", out.Issuer).Str("client_id", out.ClientID).Msg("platform registered")
		writeJSON(w, http.StatusOK, out)
	}
}

func getPlatform(store Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		iss, err := url.PathUnescape(chi.URLParam(r, "issuer"))
		if err != nil {
			writeErr(w, http.StatusBadRequest, "bad issuer")
			return
		}
		p, err := store.FindByIssuer(r.Context(), iss)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				writeErr(w, http.StatusNotFound, "platform not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func deletePlatform(store Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		iss, err := url.PathUnescape(chi.URLParam(r, "issuer"))
		if err != nil {
			writeErr(w, http.StatusBadRequest, "bad issuer")
			return
		}
		if err := store.Delete(r.Context(), iss); err != nil {
			if errors.Is(err, ErrNotFound) {
				writeErr(w, http.StatusNotFound, "platform not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, "delete failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errResp struct {
	Error string `json:"error"`
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}
