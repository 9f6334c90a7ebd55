package lti

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mind-engage/mindengage-lti-tool/internal/registry"
	"github.com/mind-engage/mindengage-lti-tool/internal/session"
)

// ErrorKind classifies failures of the launch and passback flows.
type ErrorKind string

const (
	KindUnknownPlatform    ErrorKind = "unknown_platform"
	KindInvalidLaunch      ErrorKind = "invalid_launch"
	KindUnknownState       ErrorKind = "unknown_state"
	KindNonceReplay        ErrorKind = "nonce_replay"
	KindTokenRequestFailed ErrorKind = "token_request_failed"
	KindAmbiguousLineItem  ErrorKind = "ambiguous_line_item"
	KindPassbackFailed     ErrorKind = "passback_failed"
	KindInternal           ErrorKind = "internal"
)

var (
	ErrUnknownPlatform   = errors.New("lti: unknown platform")
	ErrUnknownState      = errors.New("lti: unknown state")
	ErrNonceReplay       = errors.New("lti: nonce replay")
	ErrAmbiguousLineItem = errors.New("lti: line item URL is missing or names a collection")
)

// LaunchReason names the check an id_token failed.
type LaunchReason string

const (
	ReasonMalformed         LaunchReason = "malformed"
	ReasonBadSignature      LaunchReason = "bad_signature"
	ReasonKeyNotFound       LaunchReason = "key_not_found"
	ReasonJWKSUnavailable   LaunchReason = "jwks_unavailable"
	ReasonExpired           LaunchReason = "expired"
	ReasonNotYetValid       LaunchReason = "not_yet_valid"
	ReasonWrongIssuer       LaunchReason = "wrong_issuer"
	ReasonWrongAudience     LaunchReason = "wrong_audience"
	ReasonWrongMessageType  LaunchReason = "wrong_message_type"
	ReasonWrongVersion      LaunchReason = "wrong_version"
	ReasonWrongDeploymentID LaunchReason = "wrong_deployment_id"
	ReasonMissingClaim      LaunchReason = "missing_claim"
)

// LaunchError is an InvalidLaunch failure.
type LaunchError struct {
	Reason LaunchReason
	Detail string
}

func (e *LaunchError) Error() string {
	if e.Detail == "" {
		return "invalid launch: " + string(e.Reason)
	}
	return fmt.Sprintf("invalid launch: %s: %s", e.Reason, e.Detail)
}

// TokenReason separates token endpoint failures by their likely fix.
type TokenReason string

const (
	TokenNetwork       TokenReason = "network"
	TokenHTTPStatus    TokenReason = "http_status"
	TokenMalformedBody TokenReason = "malformed_body"
	TokenOAuthError    TokenReason = "oauth_error"
)

// TokenError is a TokenRequestFailed failure.
type TokenError struct {
	Reason TokenReason
	Status int    // HTTP status when a response arrived
	Code   string // OAuth "error" field
	Body   string // truncated response body
	Err    error
}

func (e *TokenError) Error() string {
	switch e.Reason {
	case TokenOAuthError:
		return fmt.Sprintf("token request failed: oauth error %q (status %d)", e.Code, e.Status)
	case TokenHTTPStatus:
		return fmt.Sprintf("token request failed: status %d", e.Status)
	case TokenNetwork:
		return fmt.Sprintf("token request failed: network: %v", e.Err)
	default:
		if e.Err != nil {
			return fmt.Sprintf("token request failed: %s: %v", e.Reason, e.Err)
		}
		return "token request failed: " + string(e.Reason)
	}
}

func (e *TokenError) Unwrap() error { return e.Err }

// PassbackError is a non-2xx or unreachable score endpoint.
type PassbackError struct {
	Status int
	Body   string
	Err    error
}

func (e *PassbackError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("passback failed: %v", e.Err)
	}
	return fmt.Sprintf("passback failed: status %d: %s", e.Status, e.Body)
}

func (e *PassbackError) Unwrap() error { return e.Err }

// KindOf classifies err into the failure taxonomy.
func KindOf(err error) ErrorKind {
	var (
		le *LaunchError
		te *TokenError
		pe *PassbackError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &le):
		return KindInvalidLaunch
	case errors.As(err, &te):
		return KindTokenRequestFailed
	case errors.As(err, &pe):
		return KindPassbackFailed
	case errors.Is(err, ErrUnknownPlatform), errors.Is(err, registry.ErrNotFound):
		return KindUnknownPlatform
	case errors.Is(err, ErrNonceReplay), errors.Is(err, session.ErrStateConsumed):
		return KindNonceReplay
	case errors.Is(err, ErrUnknownState), errors.Is(err, session.ErrUnknownState):
		return KindUnknownState
	case errors.Is(err, ErrAmbiguousLineItem):
		return KindAmbiguousLineItem
	default:
		return KindInternal
	}
}

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindTokenRequestFailed || k == KindPassbackFailed
}

// HTTPStatus maps a kind to the status returned by the tool's HTTP layer.
func HTTPStatus(k ErrorKind) int {
	switch k {
	case KindUnknownPlatform:
		return http.StatusNotFound
	case KindInvalidLaunch, KindUnknownState, KindNonceReplay:
		return http.StatusUnauthorized
	case KindTokenRequestFailed, KindPassbackFailed:
		return http.StatusBadGateway
	case KindAmbiguousLineItem:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
