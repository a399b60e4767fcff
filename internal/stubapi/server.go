package stubapi

import (
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/portal-client/internal/config"
	apperrors "github.com/spec-kit/portal-client/pkg/util"
)

const accountKey = "stub_account"

// Account is an in-memory user record held by the stub.
type Account struct {
	ID               string
	Email            string
	FirstName        string
	LastName         string
	PasswordHash     string
	BackendRole      string // raw backend enum, e.g. CUSTOMER, SUPPORT_AGENT
	AvatarURL        string
	TwoFactorEnabled bool
	TwoFactorCode    string // static code for enrolled accounts
	EmailVerified    bool
}

// Server is an in-process implementation of the portal's /auth contract. It
// backs the test suite and the local dev server; state is in-memory only.
type Server struct {
	app    *fiber.App
	tokens *TokenManager
	logger *zap.Logger

	mu            sync.Mutex
	accountsByID  map[string]*Account
	accountsByEml map[string]*Account
	refreshTokens map[string]string // refresh token -> account id

	bcryptCost   int
	refreshCalls atomic.Int64
}

// NewServer builds the fiber app and its routes.
func NewServer(cfg config.StubConfig, logger *zap.Logger) *Server {
	s := &Server{
		tokens:        NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTLMinutes),
		logger:        logger,
		accountsByID:  make(map[string]*Account),
		accountsByEml: make(map[string]*Account),
		refreshTokens: make(map[string]string),
		bcryptCost:    cfg.BcryptCost,
	}
	if s.bcryptCost <= 0 {
		s.bcryptCost = 10
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(s.errorHandlingMiddleware)

	auth := app.Group("/auth")
	auth.Post("/login", s.handleLogin)
	auth.Post("/register", s.handleRegister)
	auth.Post("/refresh", s.handleRefresh)
	auth.Post("/logout", s.requireBearer, s.handleLogout)
	auth.Get("/me", s.requireBearer, s.handleMe)

	// unknown routes get the same error envelope as everything else
	app.Use(func(c *fiber.Ctx) error {
		return apperrors.NewNotFound("route", nil)
	})

	s.app = app
	return s
}

// App exposes the fiber app for Listen and for in-process tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Transport returns a RoundTripper that dispatches requests to the app
// in-process, without a network listener.
func (s *Server) Transport() http.RoundTripper {
	return appTransport{app: s.app}
}

type appTransport struct {
	app *fiber.App
}

func (t appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.app.Test(req, -1)
}

// SeedAccount registers an account directly, bypassing the HTTP surface.
func (s *Server) SeedAccount(acct Account, password string) (*Account, error) {
	hash, err := HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.BackendRole == "" {
		acct.BackendRole = "CUSTOMER"
	}
	acct.PasswordHash = hash

	s.mu.Lock()
	s.accountsByID[acct.ID] = &acct
	s.accountsByEml[strings.ToLower(acct.Email)] = &acct
	s.mu.Unlock()
	return &acct, nil
}

// InvalidateAccessTokens makes every outstanding access token invalid while
// refresh tokens keep working. Tests use it to force the 401 recovery path.
func (s *Server) InvalidateAccessTokens() {
	s.tokens.RotateSecret()
}

// RefreshCalls reports how many times /auth/refresh has been hit.
func (s *Server) RefreshCalls() int64 {
	return s.refreshCalls.Load()
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Email         string `json:"email"`
		Password      string `json:"password"`
		TwoFactorCode string `json:"twoFactorCode"`
	}
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid request body", nil)
	}

	s.mu.Lock()
	acct := s.accountsByEml[strings.ToLower(req.Email)]
	s.mu.Unlock()

	if acct == nil || ComparePassword(acct.PasswordHash, req.Password) != nil {
		return apperrors.NewUnauthorized("invalid credentials")
	}
	if acct.TwoFactorEnabled {
		if req.TwoFactorCode == "" {
			return apperrors.NewTwoFactorRequired()
		}
		if req.TwoFactorCode != acct.TwoFactorCode {
			return apperrors.NewUnauthorized("invalid two-factor code")
		}
	}

	return s.respondWithTokens(c, acct, true)
}

func (s *Server) handleRegister(c *fiber.Ctx) error {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid request body", nil)
	}
	if req.Email == "" || req.Password == "" {
		return apperrors.NewValidationError("email and password are required", nil)
	}

	s.mu.Lock()
	_, exists := s.accountsByEml[strings.ToLower(req.Email)]
	s.mu.Unlock()
	if exists {
		return apperrors.NewConflict("email already registered", nil)
	}

	first, last := splitName(req.Name)
	acct, err := s.SeedAccount(Account{
		Email:     req.Email,
		FirstName: first,
		LastName:  last,
	}, req.Password)
	if err != nil {
		return apperrors.NewInternalError(err)
	}

	return s.respondWithTokens(c, acct, true)
}

func (s *Server) handleRefresh(c *fiber.Ctx) error {
	s.refreshCalls.Add(1)

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return apperrors.NewValidationError("refresh token required", nil)
	}

	s.mu.Lock()
	accountID, ok := s.refreshTokens[req.RefreshToken]
	if ok {
		// refresh tokens are single-use; the old one dies here
		delete(s.refreshTokens, req.RefreshToken)
	}
	acct := s.accountsByID[accountID]
	s.mu.Unlock()

	if !ok || acct == nil {
		return apperrors.NewUnauthorized("invalid refresh token")
	}

	return s.respondWithTokens(c, acct, false)
}

func (s *Server) handleLogout(c *fiber.Ctx) error {
	acct := accountFromContext(c)

	s.mu.Lock()
	for token, id := range s.refreshTokens {
		if id == acct.ID {
			delete(s.refreshTokens, token)
		}
	}
	s.mu.Unlock()

	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleMe(c *fiber.Ctx) error {
	return c.JSON(accountJSON(accountFromContext(c)))
}

// requireBearer validates the bearer token and loads the account.
func (s *Server) requireBearer(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return apperrors.NewUnauthorized("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return apperrors.NewUnauthorized("invalid authorization header")
	}

	claims, err := s.tokens.ParseToken(parts[1])
	if err != nil {
		return apperrors.NewUnauthorized("invalid token")
	}

	s.mu.Lock()
	acct := s.accountsByID[claims.Subject]
	s.mu.Unlock()
	if acct == nil {
		return apperrors.NewUnauthorized("account not found")
	}

	c.Locals(accountKey, acct)
	return c.Next()
}

func (s *Server) respondWithTokens(c *fiber.Ctx, acct *Account, includeUser bool) error {
	accessToken, _, err := s.tokens.GenerateToken(acct.ID, acct.Email, acct.BackendRole)
	if err != nil {
		return apperrors.NewInternalError(err)
	}

	refreshToken := uuid.NewString()
	s.mu.Lock()
	s.refreshTokens[refreshToken] = acct.ID
	s.mu.Unlock()

	resp := fiber.Map{
		"accessToken":  accessToken,
		"refreshToken": refreshToken,
	}
	if includeUser {
		resp["user"] = accountJSON(acct)
	}
	return c.JSON(resp)
}

func (s *Server) errorHandlingMiddleware(c *fiber.Ctx) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic recovered", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = apperrors.NewInternalError(nil)
		}
		if err != nil {
			domainErr := apperrors.ToDomainError(err)
			response := fiber.Map{"error": fiber.Map{
				"code":    domainErr.Code,
				"message": domainErr.Message,
			}}
			if len(domainErr.Details) > 0 {
				response["error"].(fiber.Map)["details"] = domainErr.Details
			}
			if domainErr.HTTPStatus >= 500 {
				s.logger.Error("request failed", zap.Error(domainErr))
			}
			c.Status(domainErr.HTTPStatus)
			_ = c.JSON(response)
			err = nil
		}
	}()
	return c.Next()
}

func accountFromContext(c *fiber.Ctx) *Account {
	acct, _ := c.Locals(accountKey).(*Account)
	return acct
}

func accountJSON(acct *Account) fiber.Map {
	return fiber.Map{
		"id":               acct.ID,
		"email":            acct.Email,
		"firstName":        acct.FirstName,
		"lastName":         acct.LastName,
		"role":             acct.BackendRole,
		"avatarUrl":        acct.AvatarURL,
		"twoFactorEnabled": acct.TwoFactorEnabled,
		"emailVerified":    acct.EmailVerified,
	}
}

func splitName(name string) (string, string) {
	fields := strings.Fields(name)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}
