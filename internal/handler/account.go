package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/cinema-ticketing/internal/middleware"
	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/repository"
	"github.com/iliyamo/cinema-ticketing/internal/service"
)

// AccountHandler serves the authenticated account endpoints: profile,
// password, plan, bank accounts and wallet top-up.
type AccountHandler struct {
	Auth         *AuthHandler
	Bank         *repository.BankRepo
	Funds        *service.Funds
	Reservations *service.Reservations
}

func NewAccountHandler(auth *AuthHandler, bank *repository.BankRepo, funds *service.Funds, r *service.Reservations) *AccountHandler {
	return &AccountHandler{Auth: auth, Bank: bank, Funds: funds, Reservations: r}
}

// Me returns the caller's account.
func (h *AccountHandler) Me(c echo.Context) error {
	a, err := h.Auth.Accounts.Get(c.Request().Context(), middleware.Role(c), middleware.Username(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, viewAccount(a))
}

// EditMe updates profile fields.  A new username invalidates the old
// tokens, so a fresh pair is returned in that case.
func (h *AccountHandler) EditMe(c echo.Context) error {
	var f model.EditFields
	if err := c.Bind(&f); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx := c.Request().Context()
	role, username := middleware.Role(c), middleware.Username(c)
	var (
		a   model.Account
		err error
	)
	if role == model.RoleCustomer {
		a, err = h.Reservations.EditCustomer(ctx, username, f)
	} else {
		a, err = h.Auth.Accounts.Edit(ctx, role, username, f)
	}
	if err != nil {
		return respondError(c, err)
	}
	if a.Username == username {
		return c.JSON(http.StatusOK, echo.Map{"user": viewAccount(a)})
	}
	if err := h.Auth.Tokens.RevokeAllForUser(ctx, role, username); err != nil {
		middleware.Logger(c).Warn("revoking tokens after rename failed", "user", username, "err", err)
	}
	resp, err := h.Auth.issue(ctx, a)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type changePasswordReq struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
	Confirm     string `json:"confirm_password"`
}

// ChangePassword replaces the caller's password.
func (h *AccountHandler) ChangePassword(c echo.Context) error {
	var req changePasswordReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	err := h.Auth.Accounts.ChangePassword(c.Request().Context(), middleware.Role(c), middleware.Username(c),
		req.OldPassword, req.NewPassword, req.Confirm)
	if err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteMe removes the caller's account and revokes its tokens.
func (h *AccountHandler) DeleteMe(c echo.Context) error {
	ctx := c.Request().Context()
	role, username := middleware.Role(c), middleware.Username(c)
	if err := h.Auth.Accounts.Delete(ctx, role, username); err != nil {
		return respondError(c, err)
	}
	if err := h.Auth.Tokens.RevokeAllForUser(ctx, role, username); err != nil {
		middleware.Logger(c).Warn("revoking tokens after delete failed", "user", username, "err", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ChangePlan sets the caller's plan.  Unknown names select Bronze.
func (h *AccountHandler) ChangePlan(c echo.Context) error {
	var req struct {
		Plan string `json:"plan"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	a, err := h.Auth.Accounts.ChangePlan(c.Request().Context(), middleware.Username(c), req.Plan)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, viewAccount(a))
}

type bankAccountView struct {
	Ref         string `json:"ref"`
	NationalID  string `json:"national_id"`
	AccountName string `json:"account_name"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Balance     string `json:"balance"`
}

// CreateBankAccount opens a bank account and links it to the caller.
// Owner names default to the caller's.
func (h *AccountHandler) CreateBankAccount(c echo.Context) error {
	var req repository.NewBankAccount
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx := c.Request().Context()
	username := middleware.Username(c)
	a, err := h.Auth.Accounts.Get(ctx, model.RoleCustomer, username)
	if err != nil {
		return respondError(c, err)
	}
	if req.FirstName == "" {
		req.FirstName = a.FirstName
	}
	if req.LastName == "" {
		req.LastName = a.LastName
	}
	b, err := h.Bank.CreateAccount(ctx, req)
	if err != nil {
		return respondError(c, err)
	}
	if _, err := h.Auth.Accounts.LinkBankAccount(ctx, username, b.Ref()); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, bankAccountView{
		Ref: b.Ref(), NationalID: b.NationalID, AccountName: b.AccountName,
		FirstName: b.FirstName, LastName: b.LastName, Balance: b.Balance.StringFixed(2),
	})
}

type chargeWalletReq struct {
	BankAccount string          `json:"bank_account"`
	Amount      decimal.Decimal `json:"amount"`
	Proof       model.Proof     `json:"proof"`
}

// ChargeWallet moves money from one of the caller's bank accounts into
// the wallet.
func (h *AccountHandler) ChargeWallet(c echo.Context) error {
	var req chargeWalletReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	a, err := h.Funds.ChargeWalletFromBank(c.Request().Context(), middleware.Username(c), req.BankAccount, req.Proof, req.Amount)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, viewAccount(a))
}
