package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/portal-client/internal/config"
	"github.com/spec-kit/portal-client/internal/domain"
	apperrors "github.com/spec-kit/portal-client/pkg/util"
)

// SessionProvider is the capability set the HTTP layer needs from the session
// manager. It is injected at construction so the transport never reaches for
// global state.
type SessionProvider interface {
	AccessToken() string
	RefreshToken() string
	SetTokens(accessToken, refreshToken string)
	ForceLogout(reason string)
}

// LoginRequest is the POST /auth/login body.
type LoginRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"twoFactorCode,omitempty"`
}

// RegisterRequest is the POST /auth/register body.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthPayload is the success shape of login, register and refresh responses.
type AuthPayload struct {
	User         *domain.User `json:"user"`
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
}

// Client talks JSON to the billing portal API. Authenticated requests carry a
// bearer token and recover from access-token expiry transparently, at most
// once per request.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

type clientOptions struct {
	baseTransport http.RoundTripper
}

// Option customizes client construction.
type Option func(*clientOptions)

// WithBaseTransport replaces the underlying round tripper. Tests use this to
// drive an in-process fiber app instead of a network listener.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.baseTransport = rt }
}

// NewClient builds the API client around the given session provider.
func NewClient(cfg config.APIConfig, sessions SessionProvider, logger *zap.Logger, opts ...Option) *Client {
	options := clientOptions{baseTransport: http.DefaultTransport}
	for _, opt := range opts {
		opt(&options)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	transport := &authTransport{
		base:     options.baseTransport,
		baseURL:  baseURL,
		sessions: sessions,
		logger:   logger,
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport, Timeout: cfg.RequestTimeout()},
		logger:  logger,
	}
}

// Login authenticates with credentials and an optional second-factor code.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*AuthPayload, error) {
	var payload AuthPayload
	if err := c.do(ctx, http.MethodPost, "/auth/login", req, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Register creates a new account.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthPayload, error) {
	var payload AuthPayload
	if err := c.do(ctx, http.MethodPost, "/auth/register", req, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Logout notifies the backend that the session is over.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// Me fetches the current authenticated identity.
func (c *Client) Me(ctx context.Context) (*domain.User, error) {
	var user domain.User
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// transport errors propagate unchanged
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
		return apperrors.NewDomainError(envelope.Error.Code, envelope.Error.Message, resp.StatusCode, envelope.Error.Details)
	}
	return apperrors.NewDomainError("HTTP_ERROR", fmt.Sprintf("unexpected status %d", resp.StatusCode), resp.StatusCode, nil)
}
