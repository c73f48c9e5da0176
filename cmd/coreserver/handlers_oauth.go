package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/r3e-network/corekernel/internal/httputil"
	"github.com/r3e-network/corekernel/internal/kernel"
	"github.com/r3e-network/corekernel/internal/oauth"
)

// discoveryHandler precomputes the discovery document once and serves it from memory, matching
// the teacher's pattern of precomputing handler closures rather than
// rebuilding a static payload on every request.
func discoveryHandler(k *kernel.Kernel, issuer string) http.HandlerFunc {
	var (
		once4   sync.Once
		payload map[string]interface{}
	)
	build := func() {
		scopesSupported := append([]string{}, k.Config.OAuth.AllowedScopes...)
		doc := map[string]interface{}{
			"issuer":                                issuer,
			"authorization_endpoint":                issuer + "/oauth/authorize",
			"token_endpoint":                         issuer + "/oauth/token",
			"revocation_endpoint":                    issuer + "/oauth/revoke",
			"introspection_endpoint":                 issuer + "/oauth/introspect",
			"registration_endpoint":                  issuer + "/oauth/register",
			"scopes_supported":                       scopesSupported,
			"response_types_supported":               []string{"code"},
			"grant_types_supported":                   []string{"authorization_code", "refresh_token"},
			"token_endpoint_auth_methods_supported":   []string{"none", "client_secret_basic", "client_secret_post"},
			"code_challenge_methods_supported":        []string{"S256"},
		}
		if k.Config.OAuth.DPoPEnabled {
			doc["dpop_signing_alg_values_supported"] = k.Config.OAuth.DPoPAllowedAlgs
		}
		payload = doc
	}
	return func(w http.ResponseWriter, r *http.Request) {
		once4.Do(build)
		httputil.WriteJSON(w, http.StatusOK, payload)
	}
}

type registerClientRequest struct {
	ClientName              string   `json:"clientName"`
	RedirectURIs            []string `json:"redirectUris"`
	GrantTypes              []string `json:"grantTypes"`
	ResponseTypes           []string `json:"responseTypes"`
	TokenEndpointAuthMethod string   `json:"tokenEndpointAuthMethod"`
	Scope                   string   `json:"scope"`
}

func registerClientHandler(k *kernel.Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerClientRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}

		grantTypes := make([]oauth.GrantType, 0, len(req.GrantTypes))
		for _, g := range req.GrantTypes {
			grantTypes = append(grantTypes, oauth.GrantType(g))
		}

		spec := oauth.ClientSpec{
			ClientName:      req.ClientName,
			RedirectURIs:    req.RedirectURIs,
			GrantTypes:      grantTypes,
			ResponseTypes:   req.ResponseTypes,
			AuthMethod:      oauth.AuthMethod(req.TokenEndpointAuthMethod),
			RequestedScopes: strings.Fields(req.Scope),
		}

		client, err := k.OAuth.RegisterClient(r.Context(), spec)
		if err != nil {
			writeOAuthError(w, err)
			return
		}

		resp := map[string]interface{}{
			"clientId":                client.ClientID,
			"clientName":              client.ClientName,
			"redirectUris":            client.RedirectURIs,
			"tokenEndpointAuthMethod": string(client.AuthMethod),
			"scope":                   strings.Join(client.AllowedScopes, " "),
		}
		if client.ClientSecret != "" {
			resp["clientSecret"] = client.ClientSecret
		}
		httputil.WriteJSON(w, http.StatusCreated, resp)
	}
}

func authorizeHandler(k *kernel.Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := oauth.AuthorizeRequest{
			ResponseType:        q.Get("response_type"),
			ClientID:            q.Get("client_id"),
			RedirectURI:         q.Get("redirect_uri"),
			Scope:               strings.Fields(q.Get("scope")),
			State:               q.Get("state"),
			CodeChallenge:       q.Get("code_challenge"),
			CodeChallengeMethod: q.Get("code_challenge_method"),
			Nonce:               q.Get("nonce"),
			UserID:              httputil.GetUserID(r),
		}

		result, err := k.OAuth.Authorize(r.Context(), req)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"code":  result.Code,
			"state": result.State,
		})
	}
}

func tokenHandler(k *kernel.Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			httputil.BadRequest(w, "invalid form body")
			return
		}

		req := oauth.TokenRequest{
			GrantType:       oauth.GrantType(r.PostForm.Get("grant_type")),
			ClientID:        r.PostForm.Get("client_id"),
			ClientSecret:    r.PostForm.Get("client_secret"),
			Code:            r.PostForm.Get("code"),
			RedirectURI:     r.PostForm.Get("redirect_uri"),
			CodeVerifier:    r.PostForm.Get("code_verifier"),
			RefreshToken:    r.PostForm.Get("refresh_token"),
			DPoPProof:       r.Header.Get("DPoP"),
		}
		if scope := r.PostForm.Get("scope"); scope != "" {
			req.RequestedScopes = strings.Fields(scope)
		}

		resp, err := k.OAuth.Token(r.Context(), req)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func introspectHandler(k *kernel.Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			httputil.BadRequest(w, "invalid form body")
			return
		}
		result, err := k.OAuth.Introspect(r.Context(), r.PostForm.Get("token"))
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, result)
	}
}

func revokeHandler(k *kernel.Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			httputil.BadRequest(w, "invalid form body")
			return
		}
		token := r.PostForm.Get("token")
		hint := r.PostForm.Get("token_type_hint")

		var err error
		switch hint {
		case "refresh_token":
			err = k.OAuth.RevokeRefreshToken(r.Context(), token)
		default:
			err = k.OAuth.RevokeAccessToken(r.Context(), token)
			if err != nil {
				err = k.OAuth.RevokeRefreshToken(r.Context(), token)
			}
		}
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func writeOAuthError(w http.ResponseWriter, err error) {
	oerr, ok := err.(*oauth.Error)
	if !ok {
		httputil.InternalError(w, "internal_error")
		return
	}
	status := http.StatusBadRequest
	switch oerr.Code {
	case oauth.ErrInvalidClient, oauth.ErrInvalidDPoPProofCode:
		status = http.StatusUnauthorized
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             string(oerr.Code),
		"error_description": oerr.Description,
	})
}
