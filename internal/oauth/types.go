// Package oauth implements the kernel's OAuth 2.1 authorization core (C4):
// dynamic client registration, PKCE-gated authorization codes, DPoP-bound
// access/refresh tokens with rotation and family-level reuse detection,
// introspection, revocation, and periodic cleanup.
package oauth

import "time"

// AuthMethod is a registered client's token endpoint authentication method.
type AuthMethod string

const (
	AuthMethodNone       AuthMethod = "none"
	AuthMethodSecretBasic AuthMethod = "secret_basic"
	AuthMethodSecretPost AuthMethod = "secret_post"
)

// GrantType is a grant the token endpoint accepts.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
)

// TokenType distinguishes bearer from sender-constrained (DPoP) tokens.
type TokenType string

const (
	TokenTypeBearer TokenType = "Bearer"
	TokenTypeDPoP   TokenType = "DPoP"
)

// RegisteredClient is immutable once created; deleting it is the caller's
// responsibility (via the store) and implicitly revokes derived tokens.
type RegisteredClient struct {
	ClientID      string
	ClientSecret  string // empty unless AuthMethod != none
	ClientName    string
	RedirectURIs  []string
	GrantTypes    []GrantType
	ResponseTypes []string
	AuthMethod    AuthMethod
	AllowedScopes []string
	CreatedAt     time.Time
	IsConfidential bool
}

// AuthorizationCode is single-use: consumed on first redemption regardless
// of outcome. Lifetime is capped at 60 seconds from issuance.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               []string
	CodeChallenge       string // SHA-256 digest, base64url, of the verifier
	ExpiresAt           time.Time
	UserID              string
	Nonce               string
	DPoPKeyThumbprint   string
}

// AccessToken is opaque and stored server-side keyed by its raw value.
type AccessToken struct {
	Token             string
	TokenType         TokenType
	ClientID          string
	UserID            string
	Scope             []string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	DPoPKeyThumbprint string
}

// RefreshToken belongs to a rotation family; at most one token per
// (family, counter) is ever valid at a time. Consumed tokens are kept
// (not deleted) until expiry so a replayed rotated token can still be
// recognized and its whole family revoked.
type RefreshToken struct {
	Token           string
	ClientID        string
	UserID          string
	Scope           []string
	ExpiresAt       time.Time
	RotationCounter int
	Family          string
	Consumed        bool
}

// TokenResponse is the token endpoint's successful JSON response shape.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// IntrospectionResult is the introspection endpoint's response shape.
type IntrospectionResult struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
}

// ClientSpec is the input to RegisterClient.
type ClientSpec struct {
	ClientName    string
	RedirectURIs  []string
	GrantTypes    []GrantType
	ResponseTypes []string
	AuthMethod    AuthMethod
	RequestedScopes []string
}

// AuthorizeRequest is the input to Authorize.
type AuthorizeRequest struct {
	ResponseType      string
	ClientID          string
	RedirectURI       string
	Scope             []string
	State             string
	CodeChallenge     string
	CodeChallengeMethod string
	Nonce             string
	DPoPKeyThumbprint string
	UserID            string
}

// AuthorizeResult is returned on successful authorization.
type AuthorizeResult struct {
	Code  string
	State string
}

// TokenRequest is the input to the token endpoint, covering both grants.
type TokenRequest struct {
	GrantType    GrantType
	ClientID     string
	ClientSecret string

	// authorization_code grant
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token grant
	RefreshToken    string
	RequestedScopes []string

	// DPoP, either grant
	DPoPProof string
}
