// Package session holds in-flight OIDC login state between the login
// redirect and the launch POST. Every state is single-use.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownState means the state was never issued or has expired.
	ErrUnknownState = errors.New("session: unknown state")
	// ErrStateConsumed means the state was already used by an earlier launch.
	ErrStateConsumed = errors.New("session: state already consumed")
)

// State is the login session correlated by its opaque state value.
type State struct {
	State         string    `json:"state"`
	Nonce         string    `json:"nonce"`
	TargetLinkURI string    `json:"targetLinkUri"`
	Issuer        string    `json:"iss"`
	ClientID      string    `json:"clientId"`
	LoginHint     string    `json:"loginHint,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists login state. Consume must be atomic: of two concurrent
// calls with the same state at most one succeeds.
type Store interface {
	Save(ctx context.Context, st State, ttl time.Duration) error
	Consume(ctx context.Context, state string) (State, error)
}

// tombstoneTTL bounds how long a consumed state is remembered for replay reporting.
const tombstoneTTL = 30 * time.Minute
