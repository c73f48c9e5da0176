package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/corekernel/internal/audit"
)

func newTestCore(t *testing.T, now *time.Time) (*Core, *audit.MemoryStore) {
	t.Helper()
	store := NewMemoryStore(0)
	auditStore := audit.NewMemoryStore(1000)
	core := NewCore(store, Config{}, auditStore, nil)
	core.clock = func() time.Time { return *now }
	return core, auditStore
}

func registerTestClient(t *testing.T, core *Core) RegisteredClient {
	t.Helper()
	client, err := core.RegisterClient(context.Background(), ClientSpec{
		ClientName:    "test-client",
		RedirectURIs:  []string{"https://app.example.com/callback"},
		GrantTypes:    []GrantType{GrantAuthorizationCode, GrantRefreshToken},
		ResponseTypes: []string{"code"},
		AuthMethod:    AuthMethodSecretBasic,
	})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	return client
}

func authorizeAndExchange(t *testing.T, core *Core, client RegisteredClient, userID string) TokenResponse {
	t.Helper()
	verifier, challenge, err := GeneratePKCEChallenge()
	if err != nil {
		t.Fatalf("GeneratePKCEChallenge: %v", err)
	}

	res, err := core.Authorize(context.Background(), AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		UserID:              userID,
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	tok, err := core.Token(context.Background(), TokenRequest{
		GrantType:    GrantAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Code:         res.Code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("Token(authorization_code): %v", err)
	}
	return tok
}

func TestRegisterClient_RejectsNonAbsoluteRedirectURI(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)

	_, err := core.RegisterClient(context.Background(), ClientSpec{
		ClientName:   "bad",
		RedirectURIs: []string{"/callback"},
	})
	assertOAuthErr(t, err, ErrInvalidRequest)
}

func TestRegisterClient_ConfidentialClientGetsSecret(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)

	client := registerTestClient(t, core)
	if client.ClientSecret == "" {
		t.Fatal("expected confidential client to receive a secret")
	}
	if !client.IsConfidential {
		t.Fatal("expected IsConfidential to be true")
	}
}

func TestRegisterClient_PublicClientHasNoSecret(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)

	client, err := core.RegisterClient(context.Background(), ClientSpec{
		ClientName:   "public-client",
		RedirectURIs: []string{"https://app.example.com/callback"},
		AuthMethod:   AuthMethodNone,
	})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if client.ClientSecret != "" {
		t.Fatal("expected public client to have no secret")
	}
}

func TestAuthorize_RejectsUnregisteredRedirectURI(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)
	client := registerTestClient(t, core)

	_, _, err := GeneratePKCEChallenge()
	if err != nil {
		t.Fatalf("GeneratePKCEChallenge: %v", err)
	}
	_, err = core.Authorize(context.Background(), AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            client.ClientID,
		RedirectURI:         "https://evil.example.com/callback",
		CodeChallenge:       "x",
		CodeChallengeMethod: PKCEMethodS256,
	})
	assertOAuthErr(t, err, ErrInvalidRequest)
}

func TestAuthorize_RequiresS256Challenge(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)
	client := registerTestClient(t, core)

	_, err := core.Authorize(context.Background(), AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		CodeChallenge:       "abc",
		CodeChallengeMethod: "plain",
	})
	assertOAuthErr(t, err, ErrInvalidRequest)
}

func TestAuthorize_RejectsUnknownClient(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)

	_, err := core.Authorize(context.Background(), AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "does-not-exist",
		RedirectURI:         "https://app.example.com/callback",
		CodeChallenge:       "abc",
		CodeChallengeMethod: PKCEMethodS256,
	})
	assertOAuthErr(t, err, ErrInvalidClient)
}

func TestAuthorize_RejectsNonScopeOverlap(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)
	client := registerTestClient(t, core)

	_, err := core.Authorize(context.Background(), AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		CodeChallenge:       "abc",
		CodeChallengeMethod: PKCEMethodS256,
		Scope:               []string{"admin"},
	})
	assertOAuthErr(t, err, ErrInvalidScope)
}

// TestAuthorizationCode_SingleUse covers scenario S1: a redeemed code
// cannot be redeemed again.
func TestAuthorizationCode_SingleUse(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)
	client := registerTestClient(t, core)

	verifier, challenge, err := GeneratePKCEChallenge()
	if err != nil {
		t.Fatalf("GeneratePKCEChallenge: %v", err)
	}
	authRes, err := core.Authorize(context.Background(), AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		UserID:              "user-1",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	req := TokenRequest{
		GrantType:    GrantAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Code:         authRes.Code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	}

	if _, err := core.Token(context.Background(), req); err != nil {
		t.Fatalf("first redemption: %v", err)
	}

	_, err = core.Token(context.Background(), req)
	assertOAuthErr(t, err, ErrInvalidGrant)
}

func TestAuthorizationCode_PKCEMismatchStillConsumesCode(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)
	client := registerTestClient(t, core)

	_, challenge, err := GeneratePKCEChallenge()
	if err != nil {
		t.Fatalf("GeneratePKCEChallenge: %v", err)
	}
	authRes, err := core.Authorize(context.Background(), AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		UserID:              "user-1",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	badReq := TokenRequest{
		GrantType:    GrantAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Code:         authRes.Code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: "wrong-verifier",
	}
	_, err = core.Token(context.Background(), badReq)
	assertOAuthErr(t, err, ErrInvalidGrant)

	// The code was consumed by the mismatched attempt above; retrying
	// with any verifier, including the correct one, must still fail.
	badReq.CodeVerifier = "irrelevant-now"
	_, err = core.Token(context.Background(), badReq)
	assertOAuthErr(t, err, ErrInvalidGrant)
}

// TestRefreshReuseDetection covers scenario S2: replaying a rotated
// refresh token writes a critical audit entry and revokes the family,
// so the legitimate successor token also stops working thereafter.
func TestRefreshReuseDetection(t *testing.T) {
	base := time.Now()
	now := base
	core, auditStore := newTestCore(t, &now)
	client := registerTestClient(t, core)

	tok1 := authorizeAndExchange(t, core, client, "user-1")

	now = base.Add(30 * time.Second)
	tok2, err := core.Token(context.Background(), TokenRequest{
		GrantType:    GrantRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		RefreshToken: tok1.RefreshToken,
	})
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	now = base.Add(40 * time.Second)
	_, err = core.Token(context.Background(), TokenRequest{
		GrantType:    GrantRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		RefreshToken: tok1.RefreshToken,
	})
	assertOAuthErr(t, err, ErrInvalidGrant)

	entries, err := auditStore.Query(context.Background(), audit.Query{Actor: "user-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Action == "reuse_attempt" && e.Severity == "critical" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected critical audit entry with actor=user-1 and action=reuse_attempt")
	}

	now = base.Add(50 * time.Second)
	_, err = core.Token(context.Background(), TokenRequest{
		GrantType:    GrantRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		RefreshToken: tok2.RefreshToken,
	})
	assertOAuthErr(t, err, ErrInvalidGrant)
}

func TestRefreshRotation_NarrowsScopeOnRequest(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)
	client := registerTestClient(t, core)

	tok1 := authorizeAndExchange(t, core, client, "user-1")

	tok2, err := core.Token(context.Background(), TokenRequest{
		GrantType:       GrantRefreshToken,
		ClientID:        client.ClientID,
		ClientSecret:    client.ClientSecret,
		RefreshToken:    tok1.RefreshToken,
		RequestedScopes: []string{"read"},
	})
	if err != nil {
		t.Fatalf("refresh with narrowed scope: %v", err)
	}
	if tok2.Scope != "read" {
		t.Fatalf("expected narrowed scope 'read', got %q", tok2.Scope)
	}
}

func TestRefreshRotation_RejectsScopeEscalation(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)
	client := registerTestClient(t, core)

	tok1 := authorizeAndExchange(t, core, client, "user-1")

	_, err := core.Token(context.Background(), TokenRequest{
		GrantType:       GrantRefreshToken,
		ClientID:        client.ClientID,
		ClientSecret:    client.ClientSecret,
		RefreshToken:    tok1.RefreshToken,
		RequestedScopes: []string{"admin"},
	})
	assertOAuthErr(t, err, ErrInvalidScope)
}

func TestIntrospect_ActiveAccessToken(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)
	client := registerTestClient(t, core)
	tok := authorizeAndExchange(t, core, client, "user-1")

	res, err := core.Introspect(context.Background(), tok.AccessToken)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !res.Active {
		t.Fatal("expected active introspection result")
	}
	if res.ClientID != client.ClientID {
		t.Fatalf("expected client id %q, got %q", client.ClientID, res.ClientID)
	}
}

func TestIntrospect_InactiveForUnknownToken(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)

	res, err := core.Introspect(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if res.Active {
		t.Fatal("expected inactive result for unknown token")
	}
}

func TestRevokeRefreshToken_InvalidatesWholeFamily(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)
	client := registerTestClient(t, core)
	tok := authorizeAndExchange(t, core, client, "user-1")

	if err := core.RevokeRefreshToken(context.Background(), tok.RefreshToken); err != nil {
		t.Fatalf("RevokeRefreshToken: %v", err)
	}

	res, err := core.Introspect(context.Background(), tok.RefreshToken)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if res.Active {
		t.Fatal("expected refresh token to be inactive after revocation")
	}

	_, err = core.Token(context.Background(), TokenRequest{
		GrantType:    GrantRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		RefreshToken: tok.RefreshToken,
	})
	assertOAuthErr(t, err, ErrInvalidGrant)
}

func TestRevokeAccessToken_DeletesToken(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)
	client := registerTestClient(t, core)
	tok := authorizeAndExchange(t, core, client, "user-1")

	if err := core.RevokeAccessToken(context.Background(), tok.AccessToken); err != nil {
		t.Fatalf("RevokeAccessToken: %v", err)
	}

	res, err := core.Introspect(context.Background(), tok.AccessToken)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if res.Active {
		t.Fatal("expected access token to be inactive after revocation")
	}
}

func TestCleanup_PurgesExpiredArtifacts(t *testing.T) {
	base := time.Now()
	now := base
	core, _ := newTestCore(t, &now)
	client := registerTestClient(t, core)
	_ = authorizeAndExchange(t, core, client, "user-1")

	now = base.Add(31 * 24 * time.Hour)
	purged, err := core.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if purged == 0 {
		t.Fatal("expected Cleanup to purge at least one expired artifact")
	}
}

func TestTokenEndpoint_RejectsWrongClientSecret(t *testing.T) {
	now := time.Now()
	core, _ := newTestCore(t, &now)
	client := registerTestClient(t, core)

	_, err := core.Token(context.Background(), TokenRequest{
		GrantType:    GrantRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: "wrong-secret",
		RefreshToken: "irrelevant",
	})
	assertOAuthErr(t, err, ErrInvalidClient)
}

func assertOAuthErr(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %q, got nil", code)
	}
	oe, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *oauth.Error, got %T: %v", err, err)
	}
	if oe.Code != code {
		t.Fatalf("expected error code %q, got %q", code, oe.Code)
	}
}
