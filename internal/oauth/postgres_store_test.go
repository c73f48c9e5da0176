package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresStore_SaveClientExecutesInsert(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	mock.ExpectExec("INSERT INTO oauth_clients").WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.SaveClient(context.Background(), RegisteredClient{
		ClientID:      "client-1",
		ClientName:    "test",
		RedirectURIs:  []string{"https://app.example.com/cb"},
		GrantTypes:    []GrantType{GrantAuthorizationCode},
		ResponseTypes: []string{"code"},
		AuthMethod:    AuthMethodNone,
		AllowedScopes: []string{"read"},
		CreatedAt:     time.Now(),
	})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetClientReturnsFoundFalseOnNoRows(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	mock.ExpectQuery("SELECT \\* FROM oauth_clients").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	_, found, err := store.GetClient(context.Background(), "missing")

	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetClientMapsRowFields(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	rows := sqlmock.NewRows([]string{
		"client_id", "client_secret", "client_name", "redirect_uris", "grant_types",
		"response_types", "auth_method", "allowed_scopes", "created_at", "is_confidential",
	}).AddRow(
		"client-1", "secret", "test",
		pq.StringArray{"https://app.example.com/cb"},
		pq.StringArray{"authorization_code"},
		pq.StringArray{"code"},
		"secret_basic",
		pq.StringArray{"read", "write"},
		time.Unix(0, 0),
		true,
	)
	mock.ExpectQuery("SELECT \\* FROM oauth_clients").WithArgs("client-1").WillReturnRows(rows)

	client, found, err := store.GetClient(context.Background(), "client-1")

	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "client-1", client.ClientID)
	assert.Equal(t, AuthMethodSecretBasic, client.AuthMethod)
	assert.Equal(t, []string{"read", "write"}, client.AllowedScopes)
	assert.True(t, client.IsConfidential)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RevokeFamilyThenIsFamilyRevoked(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	mock.ExpectExec("INSERT INTO oauth_revoked_families").
		WithArgs("family-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("family-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, store.RevokeFamily(context.Background(), "family-1"))

	revoked, err := store.IsFamilyRevoked(context.Background(), "family-1")
	require.NoError(t, err)
	assert.True(t, revoked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PurgeExpiredSumsRowsAcrossTables(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	now := time.Now()
	mock.ExpectExec("DELETE FROM oauth_codes").WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM oauth_access_tokens").WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM oauth_refresh_tokens").WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 1))

	purged, err := store.PurgeExpired(context.Background(), now)

	require.NoError(t, err)
	assert.Equal(t, 6, purged)
	require.NoError(t, mock.ExpectationsWereMet())
}
