package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/portal-client/internal/api"
	"github.com/spec-kit/portal-client/internal/config"
	"github.com/spec-kit/portal-client/internal/domain"
	"github.com/spec-kit/portal-client/internal/events"
	"github.com/spec-kit/portal-client/internal/store"
	apperrors "github.com/spec-kit/portal-client/pkg/util"
)

// Manager owns the authenticated session: the current user, both tokens and
// the transient second-factor state. It implements api.SessionProvider, so
// the HTTP layer pulls tokens from it and pushes refreshed ones back.
//
// Session state machine: anonymous -> (login/register) -> authenticated ->
// (logout, refresh failure, fetch-current-user failure) -> anonymous. A
// failed login that demands a second factor parks the manager in an
// awaiting-2FA sub-state until the next successful login or an explicit
// cancel.
type Manager struct {
	mu           sync.Mutex
	state        domain.SessionState
	requires2FA  bool
	pendingEmail string
	// epoch increments whenever the session identity changes; in-flight
	// fetches compare it so a response cannot resurrect a session that was
	// logged out while the request was on the wire.
	epoch uint64

	client     *api.Client
	store      store.Store
	dispatcher events.Dispatcher
	logger     *zap.Logger
}

// NewManager wires the manager and its API client together. The manager is
// handed to the client as its session provider.
func NewManager(cfg config.APIConfig, st store.Store, dispatcher events.Dispatcher, logger *zap.Logger, opts ...api.Option) *Manager {
	m := &Manager{
		store:      st,
		dispatcher: dispatcher,
		logger:     logger,
	}
	m.client = api.NewClient(cfg, m, logger, opts...)
	return m
}

// Client exposes the underlying API client for callers that need raw access.
func (m *Manager) Client() *api.Client {
	return m.client
}

// Load restores the persisted session, if any. Call once at startup.
func (m *Manager) Load(ctx context.Context) error {
	var state domain.SessionState
	err := m.store.Load(ctx, store.NamespaceSession, &state)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.state = state
	// isAuthenticated is derived, never trusted from disk.
	m.state.IsAuthenticated = state.User != nil && state.AccessToken != ""
	m.mu.Unlock()
	return nil
}

// Login authenticates. When the account is enrolled in 2FA and no code was
// supplied, the manager records the pending email and returns nil; callers
// check Requires2FA and re-prompt with a code.
func (m *Manager) Login(ctx context.Context, email, password, twoFactorCode string) error {
	payload, err := m.client.Login(ctx, api.LoginRequest{
		Email:         email,
		Password:      password,
		TwoFactorCode: twoFactorCode,
	})
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeTwoFactorRequired) {
			m.mu.Lock()
			m.requires2FA = true
			m.pendingEmail = email
			m.mu.Unlock()
			return nil
		}
		return err
	}

	m.startSession(ctx, payload)
	return nil
}

// Register creates an account and starts a session. New accounts are not
// enrolled in 2FA, so there is no second-factor branch.
func (m *Manager) Register(ctx context.Context, email, password, firstName, lastName string) error {
	name := strings.TrimSpace(firstName + " " + lastName)
	payload, err := m.client.Register(ctx, api.RegisterRequest{
		Name:     name,
		Email:    email,
		Password: password,
	})
	if err != nil {
		return err
	}

	m.startSession(ctx, payload)
	return nil
}

// Logout notifies the backend best-effort, then unconditionally clears local
// session state.
func (m *Manager) Logout(ctx context.Context) {
	if m.AccessToken() != "" {
		if err := m.client.Logout(ctx); err != nil {
			m.logger.Warn("server-side logout failed", zap.Error(err))
		}
	}

	m.mu.Lock()
	m.clearLocked(ctx)
	m.mu.Unlock()

	m.publish(ctx, events.EventSessionEnded, nil)
}

// FetchCurrentUser refreshes the local user record from the API. A failure is
// treated as an invalid session and ends it. A result arriving after an
// interleaved logout or re-login is dropped.
func (m *Manager) FetchCurrentUser(ctx context.Context) error {
	m.mu.Lock()
	token := m.state.AccessToken
	epoch := m.epoch
	m.mu.Unlock()

	if token == "" {
		return nil
	}

	user, err := m.client.Me(ctx)

	m.mu.Lock()
	if m.epoch != epoch {
		// the session changed while the request was in flight; drop the
		// result, but still report a failure to the caller
		m.mu.Unlock()
		return err
	}
	if err != nil {
		m.clearLocked(ctx)
		m.mu.Unlock()
		m.publish(ctx, events.EventSessionExpired, events.SessionExpiredPayload{Reason: "current user fetch failed"})
		return err
	}
	m.state.User = user
	m.saveLocked(ctx)
	m.mu.Unlock()
	return nil
}

// UpdateUser shallow-merges fields into the current user without a network
// call. Used for optimistic updates, e.g. after enabling 2FA.
func (m *Manager) UpdateUser(ctx context.Context, update domain.UserUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.User == nil {
		return
	}
	m.state.User.Apply(update)
	m.saveLocked(ctx)
}

// CancelTwoFactor leaves the awaiting-2FA sub-state without logging in.
func (m *Manager) CancelTwoFactor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requires2FA = false
	m.pendingEmail = ""
}

// Requires2FA reports whether the last login attempt demanded a second
// factor, and for which email.
func (m *Manager) Requires2FA() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requires2FA, m.pendingEmail
}

// CurrentUser returns a copy of the authenticated user, or nil.
func (m *Manager) CurrentUser() *domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.User == nil {
		return nil
	}
	user := *m.state.User
	return &user
}

// IsAuthenticated reports whether a user and an access token are present.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsAuthenticated
}

// TokenExpiry reports when the current access token expires. The token is
// decoded without signature verification; only the server can vouch for it,
// the client just reads the clock.
func (m *Manager) TokenExpiry() (time.Time, bool) {
	token := m.AccessToken()
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// AccessToken implements api.SessionProvider.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AccessToken
}

// RefreshToken implements api.SessionProvider.
func (m *Manager) RefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.RefreshToken
}

// SetTokens implements api.SessionProvider: both tokens are replaced
// atomically after a successful refresh.
func (m *Manager) SetTokens(accessToken, refreshToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.AccessToken = accessToken
	m.state.RefreshToken = refreshToken
	m.saveLocked(context.Background())
}

// ForceLogout implements api.SessionProvider: the HTTP layer calls it when
// token refresh fails and the session cannot be recovered.
func (m *Manager) ForceLogout(reason string) {
	ctx := context.Background()

	m.mu.Lock()
	m.clearLocked(ctx)
	m.mu.Unlock()

	m.publish(ctx, events.EventSessionExpired, events.SessionExpiredPayload{Reason: reason})
}

func (m *Manager) startSession(ctx context.Context, payload *api.AuthPayload) {
	m.mu.Lock()
	m.epoch++
	m.state = domain.SessionState{
		User:            payload.User,
		AccessToken:     payload.AccessToken,
		RefreshToken:    payload.RefreshToken,
		IsAuthenticated: payload.User != nil && payload.AccessToken != "",
	}
	m.requires2FA = false
	m.pendingEmail = ""
	m.saveLocked(ctx)
	user := m.state.User
	m.mu.Unlock()

	if user != nil {
		m.publish(ctx, events.EventSessionStarted, events.SessionStartedPayload{
			UserID: user.ID,
			Email:  user.Email,
			Role:   user.Role,
		})
	}
}

// clearLocked wipes session state. Caller holds the lock.
func (m *Manager) clearLocked(ctx context.Context) {
	m.epoch++
	m.state = domain.SessionState{}
	m.requires2FA = false
	m.pendingEmail = ""
	if err := m.store.Delete(ctx, store.NamespaceSession); err != nil {
		m.logger.Warn("failed to delete persisted session", zap.Error(err))
	}
}

// saveLocked persists the session snapshot. Caller holds the lock.
func (m *Manager) saveLocked(ctx context.Context) {
	if err := m.store.Save(ctx, store.NamespaceSession, m.state); err != nil {
		m.logger.Warn("failed to persist session", zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, eventType events.EventType, payload any) {
	if m.dispatcher == nil {
		return
	}
	_ = m.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
