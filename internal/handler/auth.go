package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-ticketing/internal/config"
	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/repository"
	"github.com/iliyamo/cinema-ticketing/internal/utils"
)

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Cfg      config.Config
	Accounts *repository.AccountRepo
	Tokens   *repository.TokenRepo
}

func NewAuthHandler(cfg config.Config, a *repository.AccountRepo, t *repository.TokenRepo) *AuthHandler {
	return &AuthHandler{Cfg: cfg, Accounts: a, Tokens: t}
}

// ----- DTOs -----

type signupReq struct {
	model.Profile
	Password string `json:"password"`
}

type loginReq struct {
	Username string     `json:"username"`
	Password string     `json:"password"`
	Role     model.Role `json:"role"` // CUSTOMER (default) | ADMIN
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

type authResp struct {
	User    accountView `json:"user"`
	Access  tokenPart   `json:"access"`
	Refresh tokenPart   `json:"refresh"`
}

// accountView is an account without its credential hash.
type accountView struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	BirthDate    string     `json:"birth_date,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	Role         model.Role `json:"role"`
	Wallet       string     `json:"wallet"`
	BankAccounts []string   `json:"bank_accounts"`
	Plan         model.Plan `json:"plan,omitempty"`
	JoinedAt     time.Time  `json:"joined_at"`
}

func viewAccount(a model.Account) accountView {
	banks := a.BankAccounts
	if banks == nil {
		banks = []string{}
	}
	return accountView{
		ID: a.ID, Username: a.Username, FirstName: a.FirstName, LastName: a.LastName,
		BirthDate: a.BirthDate, Phone: a.Phone, Role: a.Role, Wallet: a.Wallet.StringFixed(2),
		BankAccounts: banks, Plan: a.Plan, JoinedAt: a.JoinedAt,
	}
}

// issue creates an access and refresh token pair for a.
func (h *AuthHandler) issue(ctx context.Context, a model.Account) (authResp, error) {
	access, err := utils.NewAccessToken(h.Cfg.JWTSecret, a.Username, string(a.Role), h.Cfg.AccessTTLMin)
	if err != nil {
		return authResp{}, err
	}
	refresh, err := utils.NewRefreshToken(h.Cfg.RefreshTTLDays)
	if err != nil {
		return authResp{}, err
	}
	if err := h.Tokens.StoreRefresh(ctx, a.Username, a.Role, utils.HashRefreshRaw(refresh.Raw), refresh.Exp); err != nil {
		return authResp{}, err
	}
	return authResp{
		User:    viewAccount(a),
		Access:  tokenPart{Token: access.Token, Expires: access.Exp},
		Refresh: tokenPart{Token: refresh.Raw, Expires: refresh.Exp},
	}, nil
}

// Signup creates a customer account and returns tokens immediately.
func (h *AuthHandler) Signup(c echo.Context) error {
	var req signupReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx := c.Request().Context()
	a, err := h.Accounts.Signup(ctx, model.RoleCustomer, req.Profile, req.Password)
	if err != nil {
		return respondError(c, err)
	}
	resp, err := h.issue(ctx, a)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

// Login verifies credentials and returns a new token pair.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	role := model.Role(strings.ToUpper(string(req.Role)))
	if role == "" {
		role = model.RoleCustomer
	}
	if !role.Valid() {
		return badRequest(c, "unknown role")
	}
	ctx := c.Request().Context()
	a, err := h.Accounts.Authenticate(ctx, role, strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		return respondError(c, err)
	}
	resp, err := h.issue(ctx, a)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// validRefresh resolves a refresh token to its still existing account.
func (h *AuthHandler) validRefresh(ctx context.Context, raw string) (string, model.Account, error) {
	hash := utils.HashRefreshRaw(raw)
	t, err := h.Tokens.ValidateRefresh(ctx, hash)
	if err != nil {
		return "", model.Account{}, err
	}
	a, err := h.Accounts.Get(ctx, t.Role, t.Username)
	if err != nil {
		return "", model.Account{}, repository.ErrAuthFailed
	}
	return hash, a, nil
}

// Refresh rotates a refresh token: the old one is revoked and a new pair
// issued.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		return badRequest(c, "refresh_token required")
	}
	ctx := c.Request().Context()
	hash, a, err := h.validRefresh(ctx, strings.TrimSpace(req.RefreshToken))
	if err != nil {
		return respondError(c, err)
	}
	if err := h.Tokens.RevokeByHash(ctx, hash); err != nil {
		return respondError(c, err)
	}
	resp, err := h.issue(ctx, a)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// RefreshAccess returns a new access token without rotating the refresh
// token.
func (h *AuthHandler) RefreshAccess(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		return badRequest(c, "refresh_token required")
	}
	_, a, err := h.validRefresh(c.Request().Context(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		return respondError(c, err)
	}
	access, err := utils.NewAccessToken(h.Cfg.JWTSecret, a.Username, string(a.Role), h.Cfg.AccessTTLMin)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"access": tokenPart{Token: access.Token, Expires: access.Exp}})
}

// Logout revokes one refresh token when given in the body, otherwise every
// refresh token of the bearer.
func (h *AuthHandler) Logout(c echo.Context) error {
	var req refreshReq
	_ = c.Bind(&req)
	raw := strings.TrimSpace(req.RefreshToken)
	ctx := c.Request().Context()

	if raw != "" {
		hash, _, err := h.validRefresh(ctx, raw)
		if err != nil {
			return respondError(c, err)
		}
		if err := h.Tokens.RevokeByHash(ctx, hash); err != nil {
			return respondError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}

	auth := c.Request().Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return badRequest(c, "provide Authorization header or refresh_token")
	}
	claims, err := utils.ParseAccessToken(h.Cfg.JWTSecret, strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token", "code": "unauthorized"})
	}
	if err := h.Tokens.RevokeAllForUser(ctx, model.Role(claims.Role), claims.Subject); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
