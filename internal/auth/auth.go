// Package auth manages OAuth credential lifecycle: cached lookup, proactive
// refresh ahead of expiry, and deactivation when a refresh grant dies.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tubewatch/internal/storage"
	"tubewatch/pkg/logx"
)

// ErrNotAuthenticated is returned when a user has no active credential, or
// its refresh grant was rejected and the credential got deactivated.
var ErrNotAuthenticated = errors.New("auth: not authenticated")

// CredentialStore is the persistence surface the manager needs.
type CredentialStore interface {
	ActiveCredential(ctx context.Context, userID string) (*storage.Credential, error)
	UpsertCredential(ctx context.Context, c *storage.Credential) error
	UpdateCredentialToken(ctx context.Context, userID, accessToken string, expiresAt time.Time) error
	DeactivateCredential(ctx context.Context, userID string) error
}

// TokenRefresher exchanges a refresh token for a fresh access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, c *storage.Credential) (accessToken string, expiresAt time.Time, err error)
}

type Options struct {
	// RefreshLead is how long before expiry a token is refreshed proactively.
	RefreshLead time.Duration
	// CacheTTL bounds how long a loaded credential is served without a
	// storage round trip.
	CacheTTL time.Duration
}

type cacheEntry struct {
	cred     *storage.Credential
	loadedAt time.Time
}

// Manager keeps one refresh in flight per credential: concurrent callers for
// the same user wait for that refresh and reuse its result rather than racing
// the token endpoint. The cache mutex is never held across store or token
// endpoint calls, so lookups stay responsive while a slow refresh runs.
type Manager struct {
	store     CredentialStore
	refresher TokenRefresher
	opts      Options
	log       logx.Logger

	mu    sync.Mutex // guards cache and gates; never held across I/O
	cache map[string]cacheEntry
	gates map[string]*sync.Mutex
	now   func() time.Time
}

func NewManager(store CredentialStore, refresher TokenRefresher, opts Options, log logx.Logger) *Manager {
	if opts.RefreshLead <= 0 {
		opts.RefreshLead = 5 * time.Minute
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	return &Manager{
		store:     store,
		refresher: refresher,
		opts:      opts,
		log:       log.With(logx.String("component", "auth")),
		cache:     make(map[string]cacheEntry),
		gates:     make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// Token returns a valid access token for the user, refreshing it first when
// inside the refresh lead window. ErrNotAuthenticated means the caller should
// treat the user as logged out.
func (m *Manager) Token(ctx context.Context, userID string) (string, error) {
	// Per-user gate. A caller that waited here behind a refresh finds the
	// refreshed credential in the cache and returns without a second one.
	gate := m.userGate(userID)
	gate.Lock()
	defer gate.Unlock()

	cred, err := m.load(ctx, userID)
	if err != nil {
		return "", err
	}
	if !m.needsRefresh(cred) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		// Expired with nothing to refresh with.
		if m.expired(cred) {
			m.drop(ctx, userID, errors.New("token expired, no refresh token"))
			return "", ErrNotAuthenticated
		}
		return cred.AccessToken, nil
	}

	tok, exp, err := m.refresher.Refresh(ctx, cred)
	if err != nil {
		if IsInvalidGrant(err) {
			m.drop(ctx, userID, err)
			return "", ErrNotAuthenticated
		}
		// Transient refresh failure: the old token may still be valid.
		if !m.expired(cred) {
			m.log.Warn("token refresh failed, serving unexpired token",
				logx.String("user", userID), logx.Err(err))
			return cred.AccessToken, nil
		}
		return "", fmt.Errorf("auth: refresh token for %s: %w", userID, err)
	}

	if err := m.store.UpdateCredentialToken(ctx, userID, tok, exp); err != nil {
		return "", fmt.Errorf("auth: persist refreshed token: %w", err)
	}
	// Cached credentials are immutable once stored; replace, don't mutate.
	updated := *cred
	updated.AccessToken = tok
	updated.ExpiresAt = exp
	m.cachePut(userID, &updated)
	m.log.Info("access token refreshed",
		logx.String("user", userID), logx.Time("expires_at", exp))
	return tok, nil
}

// Set stores a credential from a completed authorization flow and primes the
// cache with it.
func (m *Manager) Set(ctx context.Context, c *storage.Credential) error {
	if c.UserID == "" {
		return errors.New("auth: credential missing user id")
	}
	if err := m.store.UpsertCredential(ctx, c); err != nil {
		return err
	}
	m.cachePut(c.UserID, c)
	return nil
}

// Clear deactivates the user's credential and evicts the cache entry.
func (m *Manager) Clear(ctx context.Context, userID string) error {
	m.evict(userID)
	return m.store.DeactivateCredential(ctx, userID)
}

// IsAuthenticated reports whether the user currently holds a usable
// credential. It never refreshes and never waits behind an in-flight one.
func (m *Manager) IsAuthenticated(ctx context.Context, userID string) bool {
	cred, err := m.load(ctx, userID)
	if err != nil {
		return false
	}
	return !m.expired(cred) || cred.RefreshToken != ""
}

// RefreshExpiring proactively refreshes every active credential inside the
// lead window. Used by the housekeeping sweep; failures are logged, not
// returned, so one bad user never blocks the rest.
func (m *Manager) RefreshExpiring(ctx context.Context, userIDs []string) {
	for _, id := range userIDs {
		if _, err := m.Token(ctx, id); err != nil && !errors.Is(err, ErrNotAuthenticated) {
			m.log.Warn("credential sweep refresh failed",
				logx.String("user", id), logx.Err(err))
		}
	}
}

func (m *Manager) load(ctx context.Context, userID string) (*storage.Credential, error) {
	m.mu.Lock()
	if e, ok := m.cache[userID]; ok && m.now().Sub(e.loadedAt) < m.opts.CacheTTL {
		m.mu.Unlock()
		return e.cred, nil
	}
	m.mu.Unlock()

	cred, err := m.store.ActiveCredential(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		m.evict(userID)
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, err
	}
	m.cachePut(userID, cred)
	return cred, nil
}

func (m *Manager) drop(ctx context.Context, userID string, cause error) {
	m.evict(userID)
	if err := m.store.DeactivateCredential(ctx, userID); err != nil {
		m.log.Error("deactivate credential", logx.String("user", userID), logx.Err(err))
		return
	}
	m.log.Warn("credential deactivated", logx.String("user", userID), logx.Err(cause))
}

func (m *Manager) userGate(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate, ok := m.gates[userID]
	if !ok {
		gate = &sync.Mutex{}
		m.gates[userID] = gate
	}
	return gate
}

func (m *Manager) cachePut(userID string, cred *storage.Credential) {
	m.mu.Lock()
	m.cache[userID] = cacheEntry{cred: cred, loadedAt: m.now()}
	m.mu.Unlock()
}

func (m *Manager) evict(userID string) {
	m.mu.Lock()
	delete(m.cache, userID)
	m.mu.Unlock()
}

// needsRefresh reports whether the token expires within the lead window.
// Credentials without a recorded expiry are treated as long-lived.
func (m *Manager) needsRefresh(c *storage.Credential) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return m.now().UTC().Add(m.opts.RefreshLead).After(c.ExpiresAt.UTC())
}

func (m *Manager) expired(c *storage.Credential) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return m.now().UTC().After(c.ExpiresAt.UTC())
}
