package lti

import (
	"encoding/json"
	"net/http"

	"github.com/mind-engage/mindengage-lti-tool/internal/logger"
	"github.com/mind-engage/mindengage-lti-tool/internal/session"
)

// LaunchSuccessFunc receives a validated launch and writes the response.
type LaunchSuccessFunc func(w http.ResponseWriter, r *http.Request, c LaunchClaims)

// LaunchHandler handles POST /lti/launch (form fields id_token and state).
type LaunchHandler struct {
	Validator *Validator
	// RequireStateCookie rejects launches not carrying the cookie set at login.
	RequireStateCookie bool
	OnSuccess          LaunchSuccessFunc
}

func (h *LaunchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "could not read launch form")
		return
	}
	idToken := r.PostForm.Get("id_token")
	state := r.PostForm.Get("state")
	log := logger.C(r.Context())

	if platformErr := r.PostForm.Get("error"); platformErr != "" {
		log.Warn().Str("error", platformErr).Str("description", r.PostForm.Get("error_description")).Msg("platform returned auth error")
		writeJSONError(w, http.StatusUnauthorized, string(KindInvalidLaunch), "could not validate launch")
		return
	}
	if h.RequireStateCookie && !session.CookieMatches(r, state) {
		log.Warn().Msg("launch state does not match browser cookie")
		writeJSONError(w, http.StatusUnauthorized, string(KindUnknownState), "could not validate launch")
		return
	}

	res := h.Validator.Validate(r.Context(), idToken, state)
	if !res.Valid {
		log.Warn().Str("kind", string(res.Kind)).Str("reason", string(res.Reason)).Str("detail", res.Detail).Msg("launch rejected")
		writeJSONError(w, HTTPStatus(res.Kind), string(res.Kind), "could not validate launch")
		return
	}
	if h.RequireStateCookie {
		session.ClearCookie(w)
	}
	log.Info().
		Str("issuer", res.Claims.Issuer).
		Str("user_id", res.Claims.UserID).
		Str("course_id", res.Claims.CourseID).
		Str("resource_link_id", res.Claims.ResourceLinkID).
		Bool("ags", res.Claims.LineItemURL != "").
		Msg("launch accepted")

	if h.OnSuccess == nil {
		writeJSON(w, http.StatusOK, res.Claims)
		return
	}
	h.OnSuccess(w, r, res.Claims)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errResp struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errResp{Error: code, Message: msg})
}
