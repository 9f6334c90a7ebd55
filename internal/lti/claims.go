package lti

import "github.com/golang-jwt/jwt/v5"

// LTI 1.3 claim names.
const (
	ClaimMessageType   = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion       = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimResourceLink  = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimContext       = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimRoles         = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimAGSEndpoint   = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"

	MessageTypeResourceLink = "LtiResourceLinkRequest"
	Version13               = "1.3.0"
)

type resourceLinkClaim struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type contextClaim struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	Title string `json:"title,omitempty"`
}

type agsEndpointClaim struct {
	LineItem  string   `json:"lineitem,omitempty"`
	LineItems string   `json:"lineitems,omitempty"`
	Scope     []string `json:"scope,omitempty"`
}

// idTokenClaims is the payload of a platform launch id_token.
type idTokenClaims struct {
	jwt.RegisteredClaims
	Nonce      string `json:"nonce"`
	Name       string `json:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Email      string `json:"email,omitempty"`

	MessageType   string            `json:"https://purl.imsglobal.org/spec/lti/claim/message_type"`
	Version       string            `json:"https://purl.imsglobal.org/spec/lti/claim/version"`
	DeploymentID  string            `json:"https://purl.imsglobal.org/spec/lti/claim/deployment_id"`
	TargetLinkURI string            `json:"https://purl.imsglobal.org/spec/lti/claim/target_link_uri,omitempty"`
	ResourceLink  resourceLinkClaim `json:"https://purl.imsglobal.org/spec/lti/claim/resource_link"`
	Context       contextClaim      `json:"https://purl.imsglobal.org/spec/lti/claim/context"`
	Roles         []string          `json:"https://purl.imsglobal.org/spec/lti/claim/roles"`
	AGS           *agsEndpointClaim `json:"https://purl.imsglobal.org/spec/lti-ags/claim/endpoint,omitempty"`
}

// LaunchClaims is what a validated launch tells the tool about the user and placement.
type LaunchClaims struct {
	Issuer       string `json:"iss"`
	ClientID     string `json:"clientId"`
	DeploymentID string `json:"deploymentId"`

	UserID string   `json:"userId"`
	Name   string   `json:"name,omitempty"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`

	CourseID          string `json:"courseId"`
	CourseTitle       string `json:"courseTitle,omitempty"`
	ResourceLinkID    string `json:"resourceLinkId"`
	ResourceLinkTitle string `json:"resourceLinkTitle,omitempty"`
	TargetLinkURI     string `json:"targetLinkUri,omitempty"`

	// LineItemURL is set only when the platform bound a single line item.
	LineItemURL  string   `json:"lineItemUrl,omitempty"`
	LineItemsURL string   `json:"lineItemsUrl,omitempty"`
	AGSScopes    []string `json:"agsScopes,omitempty"`
}

func (c *idTokenClaims) launchClaims(clientID string) LaunchClaims {
	name := c.Name
	if name == "" {
		name = joinNonEmpty(c.GivenName, c.FamilyName)
	}
	out := LaunchClaims{
		Issuer:            c.Issuer,
		ClientID:          clientID,
		DeploymentID:      c.DeploymentID,
		UserID:            c.Subject,
		Name:              name,
		Email:             c.Email,
		Roles:             c.Roles,
		CourseID:          c.Context.ID,
		CourseTitle:       c.Context.Title,
		ResourceLinkID:    c.ResourceLink.ID,
		ResourceLinkTitle: c.ResourceLink.Title,
		TargetLinkURI:     c.TargetLinkURI,
	}
	if c.AGS != nil {
		out.LineItemURL = c.AGS.LineItem
		out.LineItemsURL = c.AGS.LineItems
		out.AGSScopes = c.AGS.Scope
	}
	return out
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
