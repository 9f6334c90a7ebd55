// Package registry stores the LMS platforms this tool trusts.
package registry

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when no platform matches a lookup.
var ErrNotFound = errors.New("registry: platform not found")

// Platform is one registered LMS deployment of the tool.
type Platform struct {
	Issuer                 string    `db:"issuer" json:"issuer" validate:"required,url"`
	ClientID               string    `db:"client_id" json:"clientId" validate:"required"`
	DeploymentID           string    `db:"deployment_id" json:"deploymentId" validate:"required"`
	AuthenticationEndpoint string    `db:"authentication_endpoint" json:"authenticationEndpoint" validate:"required,url"`
	AccessTokenEndpoint    string    `db:"access_token_endpoint" json:"accessTokenEndpoint" validate:"required,url"`
	JWKSEndpoint           string    `db:"jwks_endpoint" json:"jwksEndpoint" validate:"required,url"`
	CreatedAt              time.Time `db:"-" json:"createdAt"`
	UpdatedAt              time.Time `db:"-" json:"updatedAt"`
}

// Store is the read side used at login, launch and passback time.
type Store interface {
	FindByIssuer(ctx context.Context, issuer string) (Platform, error)
	FindByIssuerClientDeployment(ctx context.Context, issuer, clientID, deploymentID string) (Platform, error)
}

// Admin adds provisioning operations on top of Store.
type Admin interface {
	Store
	Upsert(ctx context.Context, p Platform) (Platform, error)
	List(ctx context.Context) ([]Platform, error)
	Delete(ctx context.Context, issuer string) error
}

func normalize(p Platform) Platform {
	p.Issuer = strings.TrimRight(strings.TrimSpace(p.Issuer), "/")
	p.ClientID = strings.TrimSpace(p.ClientID)
	p.DeploymentID = strings.TrimSpace(p.DeploymentID)
	p.AuthenticationEndpoint = strings.TrimSpace(p.AuthenticationEndpoint)
	p.AccessTokenEndpoint = strings.TrimSpace(p.AccessTokenEndpoint)
	p.JWKSEndpoint = strings.TrimSpace(p.JWKSEndpoint)
	return p
}

// NormalizeIssuer applies the same canonical form used when storing platforms.
func NormalizeIssuer(iss string) string {
	return strings.TrimRight(strings.TrimSpace(iss), "/")
}
