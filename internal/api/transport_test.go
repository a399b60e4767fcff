package api_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/spec-kit/portal-client/internal/api"
	"github.com/spec-kit/portal-client/internal/config"
	"github.com/spec-kit/portal-client/internal/session"
	"github.com/spec-kit/portal-client/internal/store"
	"github.com/spec-kit/portal-client/internal/stubapi"
	apperrors "github.com/spec-kit/portal-client/pkg/util"
)

func newServerAndManager(t *testing.T) (*stubapi.Server, *session.Manager) {
	t.Helper()
	server := stubapi.NewServer(config.StubConfig{
		JWTSecret:             "test-secret",
		AccessTokenTTLMinutes: 15,
		BcryptCost:            4,
	}, zap.NewNop())

	st, err := store.NewFileStore(config.StoreConfig{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	mgr := session.NewManager(config.APIConfig{BaseURL: "http://portal.test"}, st, nil, zap.NewNop(),
		api.WithBaseTransport(server.Transport()))
	return server, mgr
}

func login(t *testing.T, server *stubapi.Server, mgr *session.Manager) {
	t.Helper()
	if _, err := server.SeedAccount(stubapi.Account{Email: "alice@example.com"}, "hunter22"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := mgr.Login(context.Background(), "alice@example.com", "hunter22", ""); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

// An expired access token must be recovered transparently: refresh once,
// replay the original request, and hand the caller the replayed result.
func TestRefreshThenReplay(t *testing.T) {
	ctx := context.Background()
	server, mgr := newServerAndManager(t)
	login(t, server, mgr)

	oldRefresh := mgr.RefreshToken()
	server.InvalidateAccessTokens()
	baseline := server.RefreshCalls()

	if err := mgr.FetchCurrentUser(ctx); err != nil {
		t.Fatalf("FetchCurrentUser should recover from the 401: %v", err)
	}
	if user := mgr.CurrentUser(); user == nil || user.Email != "alice@example.com" {
		t.Fatalf("unexpected user after recovery: %+v", user)
	}
	if got := server.RefreshCalls() - baseline; got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
	if mgr.RefreshToken() == oldRefresh {
		t.Fatal("refresh must rotate the refresh token")
	}
}

// Concurrent 401s must share one refresh; the refresh token is single-use, so
// a second exchange would invalidate the session.
func TestConcurrentRequestsShareOneRefresh(t *testing.T) {
	ctx := context.Background()
	server, mgr := newServerAndManager(t)
	login(t, server, mgr)

	server.InvalidateAccessTokens()
	baseline := server.RefreshCalls()

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Client().Me(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("request failed after shared refresh: %v", err)
		}
	}
	if got := server.RefreshCalls() - baseline; got != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", got)
	}
}

// A 401 on an unauthenticated request (bad login) is a normal failure, never
// a refresh trigger.
func TestLoginFailureDoesNotTriggerRefresh(t *testing.T) {
	ctx := context.Background()
	server, mgr := newServerAndManager(t)
	if _, err := server.SeedAccount(stubapi.Account{Email: "alice@example.com"}, "hunter22"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := mgr.Login(ctx, "alice@example.com", "wrong-password", "")
	if !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("err = %v, want UNAUTHORIZED", err)
	}
	if got := server.RefreshCalls(); got != 0 {
		t.Fatalf("refresh calls = %d, want 0", got)
	}
}

// A login attempt while a session exists carries a bearer token, but a 401
// from an auth endpoint is a credential failure; it must surface directly
// without spending a refresh.
func TestLoginWhileAuthenticatedDoesNotTriggerRefresh(t *testing.T) {
	ctx := context.Background()
	server, mgr := newServerAndManager(t)
	login(t, server, mgr)
	baseline := server.RefreshCalls()

	err := mgr.Login(ctx, "alice@example.com", "wrong-password", "")
	if !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("err = %v, want UNAUTHORIZED", err)
	}
	if got := server.RefreshCalls() - baseline; got != 0 {
		t.Fatalf("refresh calls = %d, want 0", got)
	}
	if !mgr.IsAuthenticated() {
		t.Fatal("a failed login must leave the existing session untouched")
	}
}

// When refresh cannot recover the session, the transport forces a logout and
// the original 401 surfaces unchanged.
func TestFailedRefreshForcesLogout(t *testing.T) {
	ctx := context.Background()
	server, mgr := newServerAndManager(t)
	login(t, server, mgr)

	// invalid access token and an unknown refresh token
	mgr.SetTokens("garbage-access", "garbage-refresh")

	_, err := mgr.Client().Me(ctx)
	if err == nil {
		t.Fatal("expected the 401 to surface")
	}
	if mgr.IsAuthenticated() || mgr.AccessToken() != "" || mgr.RefreshToken() != "" {
		t.Fatal("failed refresh must end the session")
	}
}

// scriptedTransport always 401s authenticated endpoints while letting refresh
// succeed, to prove the replay happens exactly once.
type scriptedTransport struct {
	mu           sync.Mutex
	meCalls      int
	refreshCalls int
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.URL.Path == "/auth/refresh" {
		s.refreshCalls++
		return jsonResponse(http.StatusOK, `{"accessToken":"fresh-access","refreshToken":"fresh-refresh"}`), nil
	}
	s.meCalls++
	return jsonResponse(http.StatusUnauthorized, `{"error":{"code":"UNAUTHORIZED","message":"invalid token"}}`), nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// A request that fails 401 again after a successful refresh is surfaced after
// exactly one replay; there is no retry loop.
func TestNoInfiniteRefreshLoop(t *testing.T) {
	ctx := context.Background()
	scripted := &scriptedTransport{}

	st, err := store.NewFileStore(config.StoreConfig{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	mgr := session.NewManager(config.APIConfig{BaseURL: "http://portal.test"}, st, nil, zap.NewNop(),
		api.WithBaseTransport(scripted))
	mgr.SetTokens("stale-access", "some-refresh")

	_, err = mgr.Client().Me(ctx)

	var domainErr *apperrors.DomainError
	if !errors.As(err, &domainErr) || domainErr.HTTPStatus != http.StatusUnauthorized {
		t.Fatalf("err = %v, want the replayed 401", err)
	}
	if scripted.meCalls != 2 {
		t.Fatalf("me calls = %d, want 2 (original + one replay)", scripted.meCalls)
	}
	if scripted.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want 1", scripted.refreshCalls)
	}
}
