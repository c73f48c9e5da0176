package oauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresStore is a durable Store backed by Postgres, satisfying the same
// interface as MemoryStore so restart-durable reuse detection and client
// registration can be swapped in without touching Core.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open *sqlx.DB. The caller is responsible for
// having migrated the oauth_* tables ahead of time.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type clientRow struct {
	ClientID       string         `db:"client_id"`
	ClientSecret   string         `db:"client_secret"`
	ClientName     string         `db:"client_name"`
	RedirectURIs   pq.StringArray `db:"redirect_uris"`
	GrantTypes     pq.StringArray `db:"grant_types"`
	ResponseTypes  pq.StringArray `db:"response_types"`
	AuthMethod     string         `db:"auth_method"`
	AllowedScopes  pq.StringArray `db:"allowed_scopes"`
	CreatedAt      time.Time      `db:"created_at"`
	IsConfidential bool           `db:"is_confidential"`
}

func (s *PostgresStore) SaveClient(ctx context.Context, client RegisteredClient) error {
	row := clientRow{
		ClientID:       client.ClientID,
		ClientSecret:   client.ClientSecret,
		ClientName:     client.ClientName,
		RedirectURIs:   pq.StringArray(client.RedirectURIs),
		GrantTypes:     grantTypesToStrings(client.GrantTypes),
		ResponseTypes:  pq.StringArray(client.ResponseTypes),
		AuthMethod:     string(client.AuthMethod),
		AllowedScopes:  pq.StringArray(client.AllowedScopes),
		CreatedAt:      client.CreatedAt,
		IsConfidential: client.IsConfidential,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO oauth_clients (
			client_id, client_secret, client_name, redirect_uris, grant_types,
			response_types, auth_method, allowed_scopes, created_at, is_confidential
		) VALUES (
			:client_id, :client_secret, :client_name, :redirect_uris, :grant_types,
			:response_types, :auth_method, :allowed_scopes, :created_at, :is_confidential
		)`, row)
	if err != nil {
		return fmt.Errorf("oauth: save client: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetClient(ctx context.Context, clientID string) (RegisteredClient, bool, error) {
	var row clientRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM oauth_clients WHERE client_id = $1`, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return RegisteredClient{}, false, nil
	}
	if err != nil {
		return RegisteredClient{}, false, fmt.Errorf("oauth: get client: %w", err)
	}
	return RegisteredClient{
		ClientID:       row.ClientID,
		ClientSecret:   row.ClientSecret,
		ClientName:     row.ClientName,
		RedirectURIs:   []string(row.RedirectURIs),
		GrantTypes:     stringsToGrantTypes(row.GrantTypes),
		ResponseTypes:  []string(row.ResponseTypes),
		AuthMethod:     AuthMethod(row.AuthMethod),
		AllowedScopes:  []string(row.AllowedScopes),
		CreatedAt:      row.CreatedAt,
		IsConfidential: row.IsConfidential,
	}, true, nil
}

type codeRow struct {
	Code              string         `db:"code"`
	ClientID          string         `db:"client_id"`
	RedirectURI       string         `db:"redirect_uri"`
	Scope             pq.StringArray `db:"scope"`
	CodeChallenge     string         `db:"code_challenge"`
	ExpiresAt         time.Time      `db:"expires_at"`
	UserID            string         `db:"user_id"`
	Nonce             string         `db:"nonce"`
	DPoPKeyThumbprint string         `db:"dpop_key_thumbprint"`
}

func (s *PostgresStore) SaveCode(ctx context.Context, code AuthorizationCode) error {
	row := codeRow{
		Code:              code.Code,
		ClientID:          code.ClientID,
		RedirectURI:       code.RedirectURI,
		Scope:             pq.StringArray(code.Scope),
		CodeChallenge:     code.CodeChallenge,
		ExpiresAt:         code.ExpiresAt,
		UserID:            code.UserID,
		Nonce:             code.Nonce,
		DPoPKeyThumbprint: code.DPoPKeyThumbprint,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO oauth_codes (
			code, client_id, redirect_uri, scope, code_challenge, expires_at,
			user_id, nonce, dpop_key_thumbprint
		) VALUES (
			:code, :client_id, :redirect_uri, :scope, :code_challenge, :expires_at,
			:user_id, :nonce, :dpop_key_thumbprint
		)`, row)
	if err != nil {
		return fmt.Errorf("oauth: save code: %w", err)
	}
	return nil
}

// TakeCode deletes the code and returns what it deleted, so redemption is
// atomic from the caller's point of view even though Postgres does it as a
// delete-returning rather than a single compare-and-swap.
func (s *PostgresStore) TakeCode(ctx context.Context, code string) (AuthorizationCode, bool, error) {
	var row codeRow
	err := s.db.GetContext(ctx, &row, `DELETE FROM oauth_codes WHERE code = $1 RETURNING *`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthorizationCode{}, false, nil
	}
	if err != nil {
		return AuthorizationCode{}, false, fmt.Errorf("oauth: take code: %w", err)
	}
	return AuthorizationCode{
		Code:              row.Code,
		ClientID:          row.ClientID,
		RedirectURI:       row.RedirectURI,
		Scope:             []string(row.Scope),
		CodeChallenge:     row.CodeChallenge,
		ExpiresAt:         row.ExpiresAt,
		UserID:            row.UserID,
		Nonce:             row.Nonce,
		DPoPKeyThumbprint: row.DPoPKeyThumbprint,
	}, true, nil
}

type accessTokenRow struct {
	Token             string         `db:"token"`
	TokenType         string         `db:"token_type"`
	ClientID          string         `db:"client_id"`
	UserID            string         `db:"user_id"`
	Scope             pq.StringArray `db:"scope"`
	IssuedAt          time.Time      `db:"issued_at"`
	ExpiresAt         time.Time      `db:"expires_at"`
	DPoPKeyThumbprint string         `db:"dpop_key_thumbprint"`
}

func (s *PostgresStore) SaveAccessToken(ctx context.Context, token AccessToken) error {
	row := accessTokenRow{
		Token:             token.Token,
		TokenType:         string(token.TokenType),
		ClientID:          token.ClientID,
		UserID:            token.UserID,
		Scope:             pq.StringArray(token.Scope),
		IssuedAt:          token.IssuedAt,
		ExpiresAt:         token.ExpiresAt,
		DPoPKeyThumbprint: token.DPoPKeyThumbprint,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO oauth_access_tokens (
			token, token_type, client_id, user_id, scope, issued_at, expires_at,
			dpop_key_thumbprint
		) VALUES (
			:token, :token_type, :client_id, :user_id, :scope, :issued_at, :expires_at,
			:dpop_key_thumbprint
		)`, row)
	if err != nil {
		return fmt.Errorf("oauth: save access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccessToken(ctx context.Context, token string) (AccessToken, bool, error) {
	var row accessTokenRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM oauth_access_tokens WHERE token = $1`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return AccessToken{}, false, nil
	}
	if err != nil {
		return AccessToken{}, false, fmt.Errorf("oauth: get access token: %w", err)
	}
	return AccessToken{
		Token:             row.Token,
		TokenType:         TokenType(row.TokenType),
		ClientID:          row.ClientID,
		UserID:            row.UserID,
		Scope:             []string(row.Scope),
		IssuedAt:          row.IssuedAt,
		ExpiresAt:         row.ExpiresAt,
		DPoPKeyThumbprint: row.DPoPKeyThumbprint,
	}, true, nil
}

func (s *PostgresStore) DeleteAccessToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_access_tokens WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("oauth: delete access token: %w", err)
	}
	return nil
}

type refreshTokenRow struct {
	Token           string         `db:"token"`
	ClientID        string         `db:"client_id"`
	UserID          string         `db:"user_id"`
	Scope           pq.StringArray `db:"scope"`
	ExpiresAt       time.Time      `db:"expires_at"`
	RotationCounter int            `db:"rotation_counter"`
	Family          string         `db:"family"`
	Consumed        bool           `db:"consumed"`
}

func (s *PostgresStore) SaveRefreshToken(ctx context.Context, token RefreshToken) error {
	row := refreshTokenRow{
		Token:           token.Token,
		ClientID:        token.ClientID,
		UserID:          token.UserID,
		Scope:           pq.StringArray(token.Scope),
		ExpiresAt:       token.ExpiresAt,
		RotationCounter: token.RotationCounter,
		Family:          token.Family,
		Consumed:        token.Consumed,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO oauth_refresh_tokens (
			token, client_id, user_id, scope, expires_at, rotation_counter,
			family, consumed
		) VALUES (
			:token, :client_id, :user_id, :scope, :expires_at, :rotation_counter,
			:family, :consumed
		)
		ON CONFLICT (token) DO UPDATE SET consumed = EXCLUDED.consumed`, row)
	if err != nil {
		return fmt.Errorf("oauth: save refresh token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRefreshToken(ctx context.Context, token string) (RefreshToken, bool, error) {
	var row refreshTokenRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM oauth_refresh_tokens WHERE token = $1`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshToken{}, false, nil
	}
	if err != nil {
		return RefreshToken{}, false, fmt.Errorf("oauth: get refresh token: %w", err)
	}
	return RefreshToken{
		Token:           row.Token,
		ClientID:        row.ClientID,
		UserID:          row.UserID,
		Scope:           []string(row.Scope),
		ExpiresAt:       row.ExpiresAt,
		RotationCounter: row.RotationCounter,
		Family:          row.Family,
		Consumed:        row.Consumed,
	}, true, nil
}

func (s *PostgresStore) DeleteRefreshToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_refresh_tokens WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("oauth: delete refresh token: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeFamily(ctx context.Context, family string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_revoked_families (family, revoked_at) VALUES ($1, now())
		ON CONFLICT (family) DO NOTHING`, family)
	if err != nil {
		return fmt.Errorf("oauth: revoke family: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsFamilyRevoked(ctx context.Context, family string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM oauth_revoked_families WHERE family = $1)`, family)
	if err != nil {
		return false, fmt.Errorf("oauth: check revoked family: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, table := range []string{"oauth_codes", "oauth_access_tokens", "oauth_refresh_tokens"} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at < $1`, table), now)
		if err != nil {
			return total, fmt.Errorf("oauth: purge %s: %w", table, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("oauth: purge %s rows affected: %w", table, err)
		}
		total += int(affected)
	}
	return total, nil
}

func grantTypesToStrings(gts []GrantType) pq.StringArray {
	out := make(pq.StringArray, len(gts))
	for i, g := range gts {
		out[i] = string(g)
	}
	return out
}

func stringsToGrantTypes(ss pq.StringArray) []GrantType {
	out := make([]GrantType, len(ss))
	for i, s := range ss {
		out[i] = GrantType(s)
	}
	return out
}
