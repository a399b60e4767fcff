package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var errNoRefreshToken = errors.New("no refresh token")

// authTransport attaches the bearer token to outgoing requests and recovers
// from access-token expiry: a 401 on an authenticated request triggers one
// refresh-and-replay. Concurrent 401s funnel through a single in-flight
// refresh so the refresh token is exchanged once, not once per request.
type authTransport struct {
	base     http.RoundTripper
	baseURL  string
	sessions SessionProvider
	group    singleflight.Group
	logger   *zap.Logger
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	sent := t.sessions.AccessToken()
	resp, err := t.base.RoundTrip(withToken(req, sent))
	if err != nil {
		return nil, err
	}
	// Only requests that carried a token are eligible for recovery, and the
	// auth endpoints never are: a 401 there is a normal authentication
	// failure (bad credentials, 2FA required, spent refresh token), not an
	// expired access token.
	if resp.StatusCode != http.StatusUnauthorized || sent == "" || isAuthEndpoint(req.URL.Path) {
		return resp, nil
	}

	token, err := t.freshToken(req.Context(), sent)
	if err != nil {
		t.logger.Warn("token refresh failed, ending session", zap.Error(err))
		t.sessions.ForceLogout("token refresh failed")
		return resp, nil
	}

	retry, err := rewind(req)
	if err != nil {
		return resp, nil
	}

	drain(resp)
	// Replay exactly once. A second 401 surfaces to the caller unmodified.
	return t.base.RoundTrip(withToken(retry, token))
}

// freshToken returns a token that postdates the one the failed request used.
// If another request already refreshed, reuse its result instead of spending
// the (single-use) refresh token again.
func (t *authTransport) freshToken(ctx context.Context, sent string) (string, error) {
	if current := t.sessions.AccessToken(); current != "" && current != sent {
		return current, nil
	}
	v, err, _ := t.group.Do("refresh", func() (any, error) {
		return t.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (t *authTransport) refresh(ctx context.Context) (string, error) {
	refreshToken := t.sessions.RefreshToken()
	if refreshToken == "" {
		return "", errNoRefreshToken
	}

	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return "", err
	}
	defer func() { drain(resp) }()

	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}

	var payload struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.AccessToken == "" {
		return "", errors.New("refresh response missing access token")
	}

	t.sessions.SetTokens(payload.AccessToken, payload.RefreshToken)
	return payload.AccessToken, nil
}

func isAuthEndpoint(path string) bool {
	switch path {
	case "/auth/login", "/auth/register", "/auth/refresh":
		return true
	}
	return false
}

// withToken clones the request and attaches the bearer header. The clone
// shares the original body; replays must go through rewind first.
func withToken(req *http.Request, token string) *http.Request {
	clone := req.Clone(req.Context())
	if token != "" {
		clone.Header.Set("Authorization", "Bearer "+token)
	}
	return clone
}

// rewind rebuilds the request with a fresh body reader for replay.
func rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body != nil {
		if req.GetBody == nil {
			return nil, errors.New("request body cannot be replayed")
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	return clone, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
}
