package oauth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the persistence capability the Core depends on. A MemoryStore
// default implementation is provided; a durable sqlx/postgres-backed
// variant can satisfy the same interface for production deployments.
type Store interface {
	SaveClient(ctx context.Context, client RegisteredClient) error
	GetClient(ctx context.Context, clientID string) (RegisteredClient, bool, error)

	SaveCode(ctx context.Context, code AuthorizationCode) error
	// TakeCode atomically fetches and deletes the code, returning
	// found=false if it was never stored or already redeemed.
	TakeCode(ctx context.Context, code string) (AuthorizationCode, bool, error)

	SaveAccessToken(ctx context.Context, token AccessToken) error
	GetAccessToken(ctx context.Context, token string) (AccessToken, bool, error)
	DeleteAccessToken(ctx context.Context, token string) error

	SaveRefreshToken(ctx context.Context, token RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (RefreshToken, bool, error)
	DeleteRefreshToken(ctx context.Context, token string) error

	// RevokeFamily marks family as revoked; any refresh token belonging to
	// it must subsequently fail lookup-for-use checks.
	RevokeFamily(ctx context.Context, family string) error
	IsFamilyRevoked(ctx context.Context, family string) (bool, error)

	// PurgeExpired removes expired codes and tokens, returning the count
	// removed. It leaves the revoked-family set alone; MemoryStore trims
	// that set in RevokeFamily once it exceeds its high-water mark.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is the default Store, safe for concurrent use.
type MemoryStore struct {
	mu sync.Mutex

	clients  map[string]RegisteredClient
	codes    map[string]AuthorizationCode
	access   map[string]AccessToken
	refresh  map[string]RefreshToken

	revokedFamilies     map[string]time.Time // family -> revoked-at, for high-water trimming
	revokedHighWaterMark int
}

// NewMemoryStore creates an empty MemoryStore. revokedHighWaterMark bounds
// the revoked-family set; once exceeded, the oldest half is discarded
// (default 10,000 when <= 0).
func NewMemoryStore(revokedHighWaterMark int) *MemoryStore {
	if revokedHighWaterMark <= 0 {
		revokedHighWaterMark = 10_000
	}
	return &MemoryStore{
		clients:             make(map[string]RegisteredClient),
		codes:               make(map[string]AuthorizationCode),
		access:              make(map[string]AccessToken),
		refresh:             make(map[string]RefreshToken),
		revokedFamilies:     make(map[string]time.Time),
		revokedHighWaterMark: revokedHighWaterMark,
	}
}

func (s *MemoryStore) SaveClient(ctx context.Context, client RegisteredClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = client
	return nil
}

func (s *MemoryStore) GetClient(ctx context.Context, clientID string) (RegisteredClient, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	return c, ok, nil
}

func (s *MemoryStore) SaveCode(ctx context.Context, code AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
	return nil
}

func (s *MemoryStore) TakeCode(ctx context.Context, code string) (AuthorizationCode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if ok {
		delete(s.codes, code)
	}
	return c, ok, nil
}

func (s *MemoryStore) SaveAccessToken(ctx context.Context, token AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access[token.Token] = token
	return nil
}

func (s *MemoryStore) GetAccessToken(ctx context.Context, token string) (AccessToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.access[token]
	return t, ok, nil
}

func (s *MemoryStore) DeleteAccessToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.access, token)
	return nil
}

func (s *MemoryStore) SaveRefreshToken(ctx context.Context, token RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[token.Token] = token
	return nil
}

func (s *MemoryStore) GetRefreshToken(ctx context.Context, token string) (RefreshToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refresh[token]
	return t, ok, nil
}

func (s *MemoryStore) DeleteRefreshToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, token)
	return nil
}

func (s *MemoryStore) RevokeFamily(ctx context.Context, family string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedFamilies[family] = time.Now()

	if len(s.revokedFamilies) > s.revokedHighWaterMark {
		type entry struct {
			family string
			at     time.Time
		}
		entries := make([]entry, 0, len(s.revokedFamilies))
		for f, at := range s.revokedFamilies {
			entries = append(entries, entry{f, at})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

		discard := len(entries) / 2
		for i := 0; i < discard; i++ {
			delete(s.revokedFamilies, entries[i].family)
		}
	}
	return nil
}

func (s *MemoryStore) IsFamilyRevoked(ctx context.Context, family string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revokedFamilies[family]
	return ok, nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for k, c := range s.codes {
		if !now.Before(c.ExpiresAt) {
			delete(s.codes, k)
			purged++
		}
	}
	for k, t := range s.access {
		if !now.Before(t.ExpiresAt) {
			delete(s.access, k)
			purged++
		}
	}
	for k, t := range s.refresh {
		if !now.Before(t.ExpiresAt) {
			delete(s.refresh, k)
			purged++
		}
	}
	return purged, nil
}
