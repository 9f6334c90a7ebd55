package lti

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mind-engage/mindengage-lti-tool/internal/logger"
	"github.com/mind-engage/mindengage-lti-tool/internal/registry"
	"github.com/mind-engage/mindengage-lti-tool/internal/session"
)

// LoginRequest is a third-party initiated login, however the platform sent it.
type LoginRequest struct {
	Issuer         string
	LoginHint      string
	TargetLinkURI  string
	LTIMessageHint string
	ClientID       string // optional; LTI lets platforms send it
	DeploymentID   string // optional lti_deployment_id
}

// LoginInitiator answers OIDC login initiation with a redirect to the platform's authorize endpoint.
type LoginInitiator struct {
	Platforms   registry.Store
	Sessions    session.Store
	RedirectURI string
	StateTTL    time.Duration
	// FormPost renders an auto-submitting form instead of a 302.
	FormPost bool
	// StateCookie binds the state to the browser with a cookie.
	StateCookie bool
}

// Initiate registers a new login state for req and returns the authorize URL to send the browser to.
func (l *LoginInitiator) Initiate(ctx context.Context, req LoginRequest) (string, session.State, error) {
	if req.Issuer == "" || req.LoginHint == "" || req.TargetLinkURI == "" {
		return "", session.State{}, errMissingLoginParams
	}
	p, err := l.Platforms.FindByIssuer(ctx, req.Issuer)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return "", session.State{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, req.Issuer)
		}
		return "", session.State{}, err
	}
	if req.ClientID != "" && req.ClientID != p.ClientID {
		return "", session.State{}, fmt.Errorf("%w: client_id %s", ErrUnknownPlatform, req.ClientID)
	}

	stateVal, err := randomToken()
	if err != nil {
		return "", session.State{}, err
	}
	nonce, err := randomToken()
	if err != nil {
		return "", session.State{}, err
	}
	st := session.State{
		State:         stateVal,
		Nonce:         nonce,
		TargetLinkURI: req.TargetLinkURI,
		Issuer:        p.Issuer,
		ClientID:      p.ClientID,
		LoginHint:     req.LoginHint,
	}
	if err := l.Sessions.Save(ctx, st, l.stateTTL()); err != nil {
		return "", session.State{}, fmt.Errorf("save login state: %w", err)
	}

	u, err := url.Parse(p.AuthenticationEndpoint)
	if err != nil {
		return "", session.State{}, fmt.Errorf("platform authentication endpoint: %w", err)
	}
	q := u.Query()
	for k, v := range l.authParams(p, req, st) {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), st, nil
}

func (l *LoginInitiator) authParams(p registry.Platform, req LoginRequest, st session.State) map[string]string {
	m := map[string]string{
		"client_id":     p.ClientID,
		"login_hint":    req.LoginHint,
		"nonce":         st.Nonce,
		"prompt":        "none",
		"redirect_uri":  l.RedirectURI,
		"response_mode": "form_post",
		"response_type": "id_token",
		"scope":         "openid",
		"state":         st.State,
	}
	if req.LTIMessageHint != "" {
		m["lti_message_hint"] = req.LTIMessageHint
	}
	return m
}

func (l *LoginInitiator) stateTTL() time.Duration {
	if l.StateTTL > 0 {
		return l.StateTTL
	}
	return 10 * time.Minute
}

var errMissingLoginParams = errors.New("lti: iss, login_hint and target_link_uri are required")

// ServeHTTP handles GET and POST /lti/login.
func (l *LoginInitiator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := ParseLoginRequest(r)
	log := logger.C(r.Context())

	authURL, st, err := l.Initiate(r.Context(), req)
	if err != nil {
		if errors.Is(err, errMissingLoginParams) {
			writeJSONError(w, http.StatusBadRequest, "missing_parameters", "iss, login_hint and target_link_uri are required")
			return
		}
		kind := KindOf(err)
		log.Warn().Str("kind", string(kind)).Str("issuer", req.Issuer).Err(err).Msg("login initiation failed")
		if kind == KindUnknownPlatform {
			writeJSONError(w, http.StatusNotFound, string(kind), "platform is not registered with this tool")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", "could not start login")
		return
	}
	log.Debug().Str("issuer", st.Issuer).Msg("login initiated")

	if l.StateCookie {
		session.SetCookie(w, st.State, l.stateTTL())
	}
	if !l.FormPost {
		http.Redirect(w, r, authURL, http.StatusFound)
		return
	}
	u, _ := url.Parse(authURL)
	fields := u.Query()
	u.RawQuery = ""
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = formPostTmpl.Execute(w, struct {
		Action string
		Fields url.Values
	}{Action: u.String(), Fields: fields})
}

// ParseLoginRequest reads login parameters from the form body, then the query,
// then from a raw path some platforms produce by dropping the '?'.
func ParseLoginRequest(r *http.Request) LoginRequest {
	_ = r.ParseForm()
	get := func(k string) string {
		if v := r.PostForm.Get(k); v != "" {
			return v
		}
		return r.Form.Get(k)
	}
	req := LoginRequest{
		Issuer:         get("iss"),
		LoginHint:      get("login_hint"),
		TargetLinkURI:  get("target_link_uri"),
		LTIMessageHint: get("lti_message_hint"),
		ClientID:       get("client_id"),
		DeploymentID:   get("lti_deployment_id"),
	}
	if req.Issuer != "" && req.LoginHint != "" && req.TargetLinkURI != "" {
		return req
	}

	raw := r.URL.EscapedPath()
	i := strings.Index(raw, "iss=")
	if i < 0 {
		return req
	}
	vals, err := url.ParseQuery(raw[i:])
	if err != nil && len(vals) == 0 {
		return req
	}
	fill := func(dst *string, k string) {
		if *dst == "" {
			*dst = vals.Get(k)
		}
	}
	fill(&req.Issuer, "iss")
	fill(&req.LoginHint, "login_hint")
	fill(&req.TargetLinkURI, "target_link_uri")
	fill(&req.LTIMessageHint, "lti_message_hint")
	fill(&req.ClientID, "client_id")
	fill(&req.DeploymentID, "lti_deployment_id")
	return req
}

// randomToken returns 256 bits of URL-safe randomness.
func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

var formPostTmpl = template.Must(template.New("form_post").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Redirecting…</title></head>
<body onload="document.forms[0].submit()">
<form method="POST" action="{{.Action}}">
{{range $k, $vs := .Fields}}{{range $vs}}<input type="hidden" name="{{$k}}" value="{{.}}">
{{end}}{{end}}<noscript><button type="submit">Continue</button></noscript>
</form>
</body></html>`))
