package lti

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/mindengage-lti-tool/internal/jwks"
	"github.com/mind-engage/mindengage-lti-tool/internal/registry"
	"github.com/mind-engage/mindengage-lti-tool/internal/session"
)

// LaunchResult is the outcome of validating a launch. Exactly one of Claims
// (when Valid) or Kind/Reason/Detail (when not) is meaningful.
type LaunchResult struct {
	Valid  bool         `json:"valid"`
	Claims LaunchClaims `json:"claims,omitempty"`
	Kind   ErrorKind    `json:"kind,omitempty"`
	Reason LaunchReason `json:"reason,omitempty"`
	Detail string       `json:"detail,omitempty"`
}

// Err returns the failure as an error, or nil for a valid launch.
func (r LaunchResult) Err() error {
	if r.Valid {
		return nil
	}
	switch r.Kind {
	case KindInvalidLaunch:
		return &LaunchError{Reason: r.Reason, Detail: r.Detail}
	case KindUnknownPlatform:
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, r.Detail)
	case KindNonceReplay:
		return fmt.Errorf("%w: %s", ErrNonceReplay, r.Detail)
	case KindUnknownState:
		return fmt.Errorf("%w: %s", ErrUnknownState, r.Detail)
	default:
		return errors.New(r.Detail)
	}
}

func invalid(reason LaunchReason, detail string) LaunchResult {
	return LaunchResult{Kind: KindInvalidLaunch, Reason: reason, Detail: detail}
}

func failed(kind ErrorKind, detail string) LaunchResult {
	return LaunchResult{Kind: kind, Detail: detail}
}

// Validator verifies platform id_tokens. Checks run strictly in order and
// stop at the first failure: signature, standard claims, LTI claims, nonce.
type Validator struct {
	Platforms registry.Store
	Keys      jwks.KeyResolver
	Sessions  session.Store
	// Leeway tolerated on exp, nbf and iat.
	Leeway time.Duration
	Now    func() time.Time
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Validate checks idToken against the login state it claims to answer. It never panics
// and reports every failure through the result.
func (v *Validator) Validate(ctx context.Context, idToken, state string) LaunchResult {
	if idToken == "" {
		return invalid(ReasonMalformed, "id_token is empty")
	}
	if state == "" {
		return failed(KindUnknownState, "state is empty")
	}

	var unverified idTokenClaims
	tok, _, err := jwt.NewParser().ParseUnverified(idToken, &unverified)
	if err != nil {
		return invalid(ReasonMalformed, "cannot decode token")
	}
	if unverified.Issuer == "" {
		return invalid(ReasonMissingClaim, "iss")
	}
	kid, _ := tok.Header["kid"].(string)

	p, err := v.Platforms.FindByIssuer(ctx, unverified.Issuer)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return failed(KindUnknownPlatform, "no platform registered for issuer "+unverified.Issuer)
		}
		return failed(KindInternal, "platform lookup failed")
	}

	pub, err := v.Keys.ResolveKey(ctx, p.JWKSEndpoint, kid)
	if err != nil {
		if errors.Is(err, jwks.ErrKeyNotFound) {
			return invalid(ReasonKeyNotFound, fmt.Sprintf("kid %q", kid))
		}
		return invalid(ReasonJWKSUnavailable, err.Error())
	}

	var claims idTokenClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(p.ClientID),
		jwt.WithLeeway(v.Leeway),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if _, err := parser.ParseWithClaims(idToken, &claims, func(*jwt.Token) (any, error) { return pub, nil }); err != nil {
		return invalid(jwtReason(err), err.Error())
	}
	if registry.NormalizeIssuer(claims.Issuer) != p.Issuer {
		return invalid(ReasonWrongIssuer, claims.Issuer)
	}

	switch {
	case claims.MessageType != MessageTypeResourceLink:
		return invalid(ReasonWrongMessageType, claims.MessageType)
	case claims.Version != Version13:
		return invalid(ReasonWrongVersion, claims.Version)
	case claims.DeploymentID != p.DeploymentID:
		return invalid(ReasonWrongDeploymentID, claims.DeploymentID)
	case claims.Subject == "":
		return invalid(ReasonMissingClaim, "sub")
	case claims.ResourceLink.ID == "":
		return invalid(ReasonMissingClaim, ClaimResourceLink)
	}

	st, err := v.Sessions.Consume(ctx, state)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrStateConsumed):
			return failed(KindNonceReplay, "state already used")
		case errors.Is(err, session.ErrUnknownState):
			return failed(KindUnknownState, "state unknown or expired")
		default:
			return failed(KindInternal, "session lookup failed")
		}
	}
	if claims.Nonce == "" || subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(st.Nonce)) != 1 {
		return failed(KindNonceReplay, "nonce does not match login")
	}
	if st.Issuer != "" && registry.NormalizeIssuer(st.Issuer) != p.Issuer {
		return invalid(ReasonWrongIssuer, "token issuer differs from login issuer")
	}

	lc := claims.launchClaims(p.ClientID)
	lc.Issuer = p.Issuer
	return LaunchResult{Valid: true, Claims: lc}
}

func jwtReason(err error) LaunchReason {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ReasonMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ReasonNotYetValid
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ReasonWrongAudience
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ReasonWrongIssuer
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return ReasonMissingClaim
	default:
		return ReasonBadSignature
	}
}
