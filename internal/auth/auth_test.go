package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"tubewatch/internal/storage"
	"tubewatch/pkg/logx"
)

type stubStore struct {
	cred        *storage.Credential
	loads       int
	updated     bool
	deactivated bool
}

func (s *stubStore) ActiveCredential(ctx context.Context, userID string) (*storage.Credential, error) {
	s.loads++
	if s.cred == nil || !s.cred.Active {
		return nil, storage.ErrNotFound
	}
	cp := *s.cred
	return &cp, nil
}

func (s *stubStore) UpsertCredential(ctx context.Context, c *storage.Credential) error {
	cp := *c
	cp.Active = true
	s.cred = &cp
	return nil
}

func (s *stubStore) UpdateCredentialToken(ctx context.Context, userID, accessToken string, expiresAt time.Time) error {
	s.updated = true
	s.cred.AccessToken = accessToken
	s.cred.ExpiresAt = expiresAt
	return nil
}

func (s *stubStore) DeactivateCredential(ctx context.Context, userID string) error {
	s.deactivated = true
	if s.cred != nil {
		s.cred.Active = false
	}
	return nil
}

type stubRefresher struct {
	token string
	exp   time.Time
	err   error
	calls int
}

func (r *stubRefresher) Refresh(ctx context.Context, c *storage.Credential) (string, time.Time, error) {
	r.calls++
	if r.err != nil {
		return "", time.Time{}, r.err
	}
	return r.token, r.exp, nil
}

type blockingRefresher struct {
	started chan struct{}
	release chan struct{}
	token   string
	exp     time.Time
}

func (r *blockingRefresher) Refresh(ctx context.Context, c *storage.Credential) (string, time.Time, error) {
	close(r.started)
	<-r.release
	return r.token, r.exp, nil
}

func newTestManager(store *stubStore, ref *stubRefresher, now time.Time) *Manager {
	m := NewManager(store, ref, Options{RefreshLead: 5 * time.Minute, CacheTTL: time.Minute}, logx.Nop())
	m.now = func() time.Time { return now }
	return m
}

func cred(expiresAt time.Time) *storage.Credential {
	return &storage.Credential{
		UserID:       "u1",
		AccessToken:  "old-token",
		RefreshToken: "refresh",
		TokenURI:     "https://oauth.example/token",
		Active:       true,
		ExpiresAt:    expiresAt,
	}
}

func TestTokenServesUnexpiredWithoutRefresh(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &stubStore{cred: cred(now.Add(time.Hour))}
	ref := &stubRefresher{}
	m := newTestManager(store, ref, now)

	tok, err := m.Token(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "old-token" || ref.calls != 0 {
		t.Fatalf("tok=%q refreshCalls=%d", tok, ref.calls)
	}
}

func TestTokenRefreshesInsideLeadWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &stubStore{cred: cred(now.Add(2 * time.Minute))}
	ref := &stubRefresher{token: "new-token", exp: now.Add(time.Hour)}
	m := newTestManager(store, ref, now)

	tok, err := m.Token(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "new-token" || ref.calls != 1 {
		t.Fatalf("tok=%q refreshCalls=%d", tok, ref.calls)
	}
	if !store.updated {
		t.Fatal("refreshed token not persisted")
	}
}

func TestTokenInvalidGrantDeactivates(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &stubStore{cred: cred(now.Add(-time.Minute))}
	ref := &stubRefresher{err: &invalidGrantError{err: errors.New("invalid_grant")}}
	m := newTestManager(store, ref, now)

	if _, err := m.Token(context.Background(), "u1"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
	if !store.deactivated {
		t.Fatal("credential not deactivated")
	}
	// Subsequent calls see no active credential.
	if _, err := m.Token(context.Background(), "u1"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("second call err = %v", err)
	}
}

func TestTokenTransientRefreshFailureServesUnexpired(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &stubStore{cred: cred(now.Add(2 * time.Minute))}
	ref := &stubRefresher{err: errors.New("connection refused")}
	m := newTestManager(store, ref, now)

	tok, err := m.Token(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "old-token" {
		t.Fatalf("tok = %q", tok)
	}
	if store.deactivated {
		t.Fatal("transient failure must not deactivate")
	}
}

func TestTokenTransientFailureOnExpiredTokenErrors(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &stubStore{cred: cred(now.Add(-time.Minute))}
	ref := &stubRefresher{err: errors.New("connection refused")}
	m := newTestManager(store, ref, now)

	_, err := m.Token(context.Background(), "u1")
	if err == nil || errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want transient refresh error", err)
	}
}

func TestTokenNoCredential(t *testing.T) {
	t.Parallel()
	m := newTestManager(&stubStore{}, &stubRefresher{}, time.Now())
	if _, err := m.Token(context.Background(), "nobody"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v", err)
	}
}

func TestTokenCachesWithinTTL(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &stubStore{cred: cred(now.Add(time.Hour))}
	m := newTestManager(store, &stubRefresher{}, now)

	for i := 0; i < 3; i++ {
		if _, err := m.Token(context.Background(), "u1"); err != nil {
			t.Fatalf("Token: %v", err)
		}
	}
	if store.loads != 1 {
		t.Fatalf("store loads = %d, want 1", store.loads)
	}
}

func TestInFlightRefreshDoesNotBlockReads(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &stubStore{cred: cred(now.Add(2 * time.Minute))}
	ref := &blockingRefresher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		token:   "new-token",
		exp:     now.Add(time.Hour),
	}
	m := NewManager(store, ref, Options{RefreshLead: 5 * time.Minute, CacheTTL: time.Minute}, logx.Nop())
	m.now = func() time.Time { return now }

	tokErr := make(chan error, 1)
	go func() {
		_, err := m.Token(context.Background(), "u1")
		tokErr <- err
	}()
	<-ref.started

	// A stalled token endpoint must not stall credential lookups.
	authed := make(chan bool, 1)
	go func() { authed <- m.IsAuthenticated(context.Background(), "u1") }()
	select {
	case ok := <-authed:
		if !ok {
			t.Fatal("expected authenticated while refresh is in flight")
		}
	case <-time.After(time.Second):
		t.Fatal("IsAuthenticated blocked behind an in-flight refresh")
	}

	close(ref.release)
	if err := <-tokErr; err != nil {
		t.Fatalf("Token: %v", err)
	}
}

func TestSetPrimesCacheAndClearEvicts(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &stubStore{}
	m := newTestManager(store, &stubRefresher{}, now)

	if err := m.Set(context.Background(), cred(now.Add(time.Hour))); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !m.IsAuthenticated(context.Background(), "u1") {
		t.Fatal("expected authenticated after Set")
	}
	if store.loads != 0 {
		t.Fatalf("store loads = %d, want cache hit", store.loads)
	}

	if err := m.Clear(context.Background(), "u1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if m.IsAuthenticated(context.Background(), "u1") {
		t.Fatal("expected unauthenticated after Clear")
	}
}
