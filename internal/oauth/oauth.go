package oauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/corekernel/internal/audit"
	"github.com/r3e-network/corekernel/internal/eventbus"
)

// SecurityEventTopic carries client-registration and token-lifecycle
// security events for downstream subscribers (alerting, SIEM export).
const SecurityEventTopic = "oauth.security"

// SecurityEvent is the payload published to SecurityEventTopic.
type SecurityEvent struct {
	Kind     string
	ClientID string
	UserID   string
	Detail   string
}

// ErrorCode mirrors the OAuth wire-format error tags the spec requires be
// preserved verbatim.
type ErrorCode string

const (
	ErrInvalidClient           ErrorCode = "invalid_client"
	ErrInvalidRequest          ErrorCode = "invalid_request"
	ErrInvalidGrant            ErrorCode = "invalid_grant"
	ErrInvalidScope            ErrorCode = "invalid_scope"
	ErrUnsupportedResponseType ErrorCode = "unsupported_response_type"
	ErrUnsupportedGrantType    ErrorCode = "unsupported_grant_type"
	ErrInvalidDPoPProofCode    ErrorCode = "invalid_dpop_proof"
)

// Error is the OAuth endpoint error shape; it never carries token material.
type Error struct {
	Code        ErrorCode
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func oauthErr(code ErrorCode, description string) error {
	return &Error{Code: code, Description: description}
}

// Config governs token lifetimes and scope/DPoP policy.
type Config struct {
	CodeTTL            time.Duration
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	AllowedScopes      []string
	DPoPEnabled        bool
	DPoPAllowedAlgs    []string
	RevokedFamilyCap   int
	CleanupInterval    time.Duration
	DPoPProofFreshness time.Duration
}

func (c Config) withDefaults() Config {
	if c.CodeTTL <= 0 || c.CodeTTL > 60*time.Second {
		c.CodeTTL = 60 * time.Second
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = time.Hour
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if len(c.AllowedScopes) == 0 {
		c.AllowedScopes = []string{"read", "write"}
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	return c
}

// Clock allows tests to control "now"; production code uses time.Now.
type Clock func() time.Time

// Core implements the OAuth 2.1 authorization core described in §4.4.
type Core struct {
	store    Store
	cfg      Config
	auditLog audit.Store
	bus      *eventbus.Bus
	clock    Clock
}

// NewCore creates a Core backed by store. auditLog and bus may be nil to
// skip audit/event emission (tests only; production always wires both).
func NewCore(store Store, cfg Config, auditLog audit.Store, bus *eventbus.Bus) *Core {
	return &Core{store: store, cfg: cfg.withDefaults(), auditLog: auditLog, bus: bus, clock: time.Now}
}

func (c *Core) now() time.Time { return c.clock() }

func randomToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func randomClientID() (string, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// RegisterClient validates spec and creates a RegisteredClient.
func (c *Core) RegisterClient(ctx context.Context, spec ClientSpec) (RegisteredClient, error) {
	for _, uri := range spec.RedirectURIs {
		if !isAbsoluteURL(uri) {
			return RegisteredClient{}, oauthErr(ErrInvalidRequest, "redirectUris must be absolute URLs")
		}
	}

	clientID, err := randomClientID()
	if err != nil {
		return RegisteredClient{}, err
	}

	authMethod := spec.AuthMethod
	if authMethod == "" {
		authMethod = AuthMethodNone
	}

	client := RegisteredClient{
		ClientID:       clientID,
		ClientName:     spec.ClientName,
		RedirectURIs:   spec.RedirectURIs,
		GrantTypes:     spec.GrantTypes,
		ResponseTypes:  spec.ResponseTypes,
		AuthMethod:     authMethod,
		AllowedScopes:  intersectOrDefault(spec.RequestedScopes, c.cfg.AllowedScopes),
		CreatedAt:      c.now(),
		IsConfidential: authMethod != AuthMethodNone,
	}

	if client.IsConfidential {
		secret, err := randomToken()
		if err != nil {
			return RegisteredClient{}, err
		}
		client.ClientSecret = secret
	}

	if err := c.store.SaveClient(ctx, client); err != nil {
		return RegisteredClient{}, err
	}

	c.auditAppend(ctx, "oauth.client_registered", clientID, true, "info", "")
	return client, nil
}

func intersectOrDefault(requested, allowed []string) []string {
	if len(requested) == 0 {
		return append([]string{}, allowed...)
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = true
	}
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if allowedSet[s] {
			out = append(out, s)
		}
	}
	return out
}

func isAbsoluteURL(raw string) bool {
	idx := strings.Index(raw, "://")
	return idx > 0 && idx < len(raw)-3
}

// Authorize performs the five ordered checks of §4.4.3 and mints a
// single-use authorization code.
func (c *Core) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error) {
	client, ok, err := c.store.GetClient(ctx, req.ClientID)
	if err != nil {
		return AuthorizeResult{}, err
	}
	if !ok {
		return AuthorizeResult{}, oauthErr(ErrInvalidClient, "unknown client")
	}

	if req.ResponseType != "code" {
		return AuthorizeResult{}, oauthErr(ErrUnsupportedResponseType, "")
	}

	if !containsExact(client.RedirectURIs, req.RedirectURI) {
		return AuthorizeResult{}, oauthErr(ErrInvalidRequest, "redirect_uri not registered")
	}

	if req.CodeChallenge == "" || req.CodeChallengeMethod != PKCEMethodS256 {
		return AuthorizeResult{}, oauthErr(ErrInvalidRequest, "S256 code_challenge is required")
	}

	scopes := intersectOrDefault(req.Scope, c.cfg.AllowedScopes)
	scopes = intersectScopes(scopes, client.AllowedScopes)
	if len(scopes) == 0 {
		return AuthorizeResult{}, oauthErr(ErrInvalidScope, "no overlapping scope")
	}

	code, err := randomToken()
	if err != nil {
		return AuthorizeResult{}, err
	}

	authCode := AuthorizationCode{
		Code:              code,
		ClientID:          req.ClientID,
		RedirectURI:       req.RedirectURI,
		Scope:             scopes,
		CodeChallenge:     req.CodeChallenge,
		ExpiresAt:         c.now().Add(c.cfg.CodeTTL),
		UserID:            req.UserID,
		Nonce:             req.Nonce,
		DPoPKeyThumbprint: req.DPoPKeyThumbprint,
	}
	if err := c.store.SaveCode(ctx, authCode); err != nil {
		return AuthorizeResult{}, err
	}

	return AuthorizeResult{Code: code, State: req.State}, nil
}

func containsExact(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func intersectScopes(a, b []string) []string {
	bSet := make(map[string]bool, len(b))
	for _, s := range b {
		bSet[s] = true
	}
	out := make([]string, 0, len(a))
	for _, s := range a {
		if bSet[s] {
			out = append(out, s)
		}
	}
	return out
}

// Token dispatches to the authorization_code or refresh_token grant
// handler per §4.4.4.
func (c *Core) Token(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	client, ok, err := c.store.GetClient(ctx, req.ClientID)
	if err != nil {
		return TokenResponse{}, err
	}
	if !ok {
		return TokenResponse{}, oauthErr(ErrInvalidClient, "unknown client")
	}
	if client.IsConfidential {
		if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(req.ClientSecret)) != 1 {
			return TokenResponse{}, oauthErr(ErrInvalidClient, "client authentication failed")
		}
	}

	var dpopThumbprint string
	if req.DPoPProof != "" {
		thumbprint, err := VerifyDPoP(VerifyDPoPParams{
			Proof:  req.DPoPProof,
			Method: "POST",
			URI:    "token",
		})
		if err != nil {
			return TokenResponse{}, oauthErr(ErrInvalidDPoPProofCode, err.Error())
		}
		dpopThumbprint = thumbprint
	}

	switch req.GrantType {
	case GrantAuthorizationCode:
		return c.exchangeAuthorizationCode(ctx, client, req, dpopThumbprint)
	case GrantRefreshToken:
		return c.rotateRefreshToken(ctx, client, req, dpopThumbprint)
	default:
		return TokenResponse{}, oauthErr(ErrUnsupportedGrantType, "")
	}
}

func (c *Core) exchangeAuthorizationCode(ctx context.Context, client RegisteredClient, req TokenRequest, dpopThumbprint string) (TokenResponse, error) {
	code, found, err := c.store.TakeCode(ctx, req.Code)
	if err != nil {
		return TokenResponse{}, err
	}
	if !found {
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "unknown or already-redeemed code")
	}
	if !c.now().Before(code.ExpiresAt) {
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "code expired")
	}
	if code.ClientID != client.ClientID || code.RedirectURI != req.RedirectURI {
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "client or redirect_uri mismatch")
	}
	if !VerifyPKCE(req.CodeVerifier, code.CodeChallenge) {
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "PKCE verification failed")
	}
	if code.DPoPKeyThumbprint != "" && code.DPoPKeyThumbprint != dpopThumbprint {
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "dpop key thumbprint mismatch")
	}

	family := uuid.New().String()
	return c.issueTokenPair(ctx, client, code.UserID, code.Scope, family, 0, dpopThumbprint)
}

func (c *Core) rotateRefreshToken(ctx context.Context, client RegisteredClient, req TokenRequest, dpopThumbprint string) (TokenResponse, error) {
	current, found, err := c.store.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return TokenResponse{}, err
	}
	if !found {
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "unknown refresh token")
	}

	revoked, err := c.store.IsFamilyRevoked(ctx, current.Family)
	if err != nil {
		return TokenResponse{}, err
	}
	if revoked {
		c.auditAppend(ctx, "reuse_attempt", current.UserID, false, "critical", "refresh token family already revoked")
		c.publishSecurityEvent(ctx, "reuse_attempt", current.ClientID, current.UserID, "refresh token family already revoked")
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "token family revoked")
	}

	// A consumed token presented again means the attacker replayed a
	// token that was already rotated away — revoke the whole family.
	if current.Consumed {
		if err := c.store.RevokeFamily(ctx, current.Family); err != nil {
			return TokenResponse{}, err
		}
		c.auditAppend(ctx, "reuse_attempt", current.UserID, false, "critical", "rotated refresh token replayed")
		c.publishSecurityEvent(ctx, "reuse_attempt", current.ClientID, current.UserID, "rotated refresh token replayed")
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "refresh token already consumed")
	}

	if !c.now().Before(current.ExpiresAt) {
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "refresh token expired")
	}
	if current.ClientID != client.ClientID {
		return TokenResponse{}, oauthErr(ErrInvalidGrant, "client mismatch")
	}

	scopes := current.Scope
	if len(req.RequestedScopes) > 0 {
		scopes = intersectScopes(req.RequestedScopes, current.Scope)
		if len(scopes) == 0 {
			return TokenResponse{}, oauthErr(ErrInvalidScope, "requested scope exceeds refresh token scope")
		}
	}

	current.Consumed = true
	if err := c.store.SaveRefreshToken(ctx, current); err != nil {
		return TokenResponse{}, err
	}

	return c.issueTokenPair(ctx, client, current.UserID, scopes, current.Family, current.RotationCounter+1, dpopThumbprint)
}

func (c *Core) issueTokenPair(ctx context.Context, client RegisteredClient, userID string, scope []string, family string, counter int, dpopThumbprint string) (TokenResponse, error) {
	accessRaw, err := randomToken()
	if err != nil {
		return TokenResponse{}, err
	}
	refreshRaw, err := randomToken()
	if err != nil {
		return TokenResponse{}, err
	}

	tokenType := TokenTypeBearer
	if dpopThumbprint != "" {
		tokenType = TokenTypeDPoP
	}

	access := AccessToken{
		Token:             accessRaw,
		TokenType:         tokenType,
		ClientID:          client.ClientID,
		UserID:            userID,
		Scope:             scope,
		IssuedAt:          c.now(),
		ExpiresAt:         c.now().Add(c.cfg.AccessTokenTTL),
		DPoPKeyThumbprint: dpopThumbprint,
	}
	if err := c.store.SaveAccessToken(ctx, access); err != nil {
		return TokenResponse{}, err
	}

	refresh := RefreshToken{
		Token:           refreshRaw,
		ClientID:        client.ClientID,
		UserID:          userID,
		Scope:           scope,
		ExpiresAt:       c.now().Add(c.cfg.RefreshTokenTTL),
		RotationCounter: counter,
		Family:          family,
	}
	if err := c.store.SaveRefreshToken(ctx, refresh); err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		TokenType:    string(tokenType),
		ExpiresIn:    int64(c.cfg.AccessTokenTTL.Seconds()),
		Scope:        strings.Join(scope, " "),
	}, nil
}

// Introspect reports token status per §4.4.7.
func (c *Core) Introspect(ctx context.Context, token string) (IntrospectionResult, error) {
	if access, ok, err := c.store.GetAccessToken(ctx, token); err != nil {
		return IntrospectionResult{}, err
	} else if ok {
		if !c.now().Before(access.ExpiresAt) {
			return IntrospectionResult{Active: false}, nil
		}
		return IntrospectionResult{
			Active:    true,
			Scope:     strings.Join(access.Scope, " "),
			ClientID:  access.ClientID,
			Username:  access.UserID,
			TokenType: string(access.TokenType),
			Exp:       access.ExpiresAt.Unix(),
			Iat:       access.IssuedAt.Unix(),
		}, nil
	}

	refresh, ok, err := c.store.GetRefreshToken(ctx, token)
	if err != nil {
		return IntrospectionResult{}, err
	}
	if !ok || !c.now().Before(refresh.ExpiresAt) {
		return IntrospectionResult{Active: false}, nil
	}
	revoked, err := c.store.IsFamilyRevoked(ctx, refresh.Family)
	if err != nil {
		return IntrospectionResult{}, err
	}
	if revoked {
		return IntrospectionResult{Active: false}, nil
	}
	return IntrospectionResult{
		Active:    true,
		Scope:     strings.Join(refresh.Scope, " "),
		ClientID:  refresh.ClientID,
		Username:  refresh.UserID,
		TokenType: "refresh_token",
	}, nil
}

// RevokeAccessToken deletes the token outright.
func (c *Core) RevokeAccessToken(ctx context.Context, token string) error {
	return c.store.DeleteAccessToken(ctx, token)
}

// RevokeRefreshToken revokes the token's entire family, invalidating every
// sibling.
func (c *Core) RevokeRefreshToken(ctx context.Context, token string) error {
	refresh, ok, err := c.store.GetRefreshToken(ctx, token)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := c.store.RevokeFamily(ctx, refresh.Family); err != nil {
		return err
	}
	return c.store.DeleteRefreshToken(ctx, token)
}

// ValidateDPoPBinding enforces that an access token issued with a
// thumbprint is only usable alongside a matching proof for this request.
func (c *Core) ValidateDPoPBinding(accessToken AccessToken, method, uri, proof string) error {
	if accessToken.DPoPKeyThumbprint == "" {
		return nil
	}
	thumbprint, err := VerifyDPoP(VerifyDPoPParams{
		Proof:       proof,
		Method:      method,
		URI:         uri,
		AccessToken: accessToken.Token,
	})
	if err != nil {
		return oauthErr(ErrInvalidDPoPProofCode, err.Error())
	}
	if thumbprint != accessToken.DPoPKeyThumbprint {
		return oauthErr(ErrInvalidDPoPProofCode, "thumbprint mismatch")
	}
	return nil
}

// Cleanup purges expired codes and tokens. Intended to run on a ~1 minute
// cadence.
func (c *Core) Cleanup(ctx context.Context) (int, error) {
	return c.store.PurgeExpired(ctx, c.now())
}

func (c *Core) auditAppend(ctx context.Context, action, actor string, success bool, severity, errMsg string) {
	if c.auditLog == nil {
		return
	}
	now := c.now()
	_, _ = c.auditLog.Append(ctx, audit.Entry{
		Action:    action,
		Actor:     actor,
		Severity:  severity,
		Success:   success,
		Error:     errMsg,
		StartTime: now,
		EndTime:   now,
	})
}

func (c *Core) publishSecurityEvent(ctx context.Context, kind, clientID, userID, detail string) {
	if c.bus == nil {
		return
	}
	_, _ = c.bus.Publish(ctx, SecurityEventTopic, SecurityEvent{
		Kind:     kind,
		ClientID: clientID,
		UserID:   userID,
		Detail:   detail,
	})
}
