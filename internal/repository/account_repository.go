package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/recordstore"
	"github.com/iliyamo/cinema-ticketing/internal/utils"
)

// AccountStore is the record store holding one role's accounts.
type AccountStore = recordstore.Store[string, model.Account]

var phonePattern = regexp.MustCompile(`^09\d{9}$`)

// AccountOptions tunes credential policy.
type AccountOptions struct {
	BcryptCost     int
	MinPasswordLen int
}

// AccountRepo manages customer and administrator accounts.  Each role
// has its own store, so the same username may exist once per role.
type AccountRepo struct {
	stores map[model.Role]*AccountStore
	opts   AccountOptions
}

func NewAccountRepo(customers, admins *AccountStore, opts AccountOptions) *AccountRepo {
	if opts.MinPasswordLen <= 0 {
		opts.MinPasswordLen = 4
	}
	if opts.BcryptCost <= 0 {
		opts.BcryptCost = 12
	}
	return &AccountRepo{
		stores: map[model.Role]*AccountStore{
			model.RoleCustomer: customers,
			model.RoleAdmin:    admins,
		},
		opts: opts,
	}
}

func (r *AccountRepo) store(role model.Role) (*AccountStore, error) {
	s, ok := r.stores[role]
	if !ok || s == nil {
		return nil, fmt.Errorf("unknown role %q: %w", role, ErrInvalidRequest)
	}
	return s, nil
}

func (r *AccountRepo) checkPassword(p string) error {
	if len(p) < r.opts.MinPasswordLen {
		return ErrWeakPassword
	}
	return nil
}

func checkPhone(p string) error {
	if p != "" && !phonePattern.MatchString(p) {
		return ErrInvalidPhone
	}
	return nil
}

// Signup creates an account.  Only a bcrypt hash of password is stored.
func (r *AccountRepo) Signup(ctx context.Context, role model.Role, p model.Profile, password string) (model.Account, error) {
	s, err := r.store(role)
	if err != nil {
		return model.Account{}, err
	}
	p.Username = strings.TrimSpace(p.Username)
	if p.Username == "" {
		return model.Account{}, fmt.Errorf("username is required: %w", ErrInvalidRequest)
	}
	if err := r.checkPassword(password); err != nil {
		return model.Account{}, err
	}
	if err := checkPhone(p.Phone); err != nil {
		return model.Account{}, err
	}
	if s.Has(p.Username) {
		return model.Account{}, ErrDuplicateUsername
	}
	hash, err := utils.HashPassword(password, r.opts.BcryptCost)
	if err != nil {
		return model.Account{}, err
	}
	a := model.Account{
		ID:           uuid.NewString(),
		Username:     p.Username,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		BirthDate:    p.BirthDate,
		Phone:        p.Phone,
		PasswordHash: hash,
		Role:         role,
		Wallet:       decimal.Zero,
		JoinedAt:     time.Now().UTC(),
	}
	if role == model.RoleCustomer {
		a.Plan = model.PlanBronze
	}
	if err := s.Insert(ctx, a.Username, a); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return model.Account{}, ErrDuplicateUsername
		}
		return model.Account{}, err
	}
	return a, nil
}

// Get returns the account without checking credentials.
func (r *AccountRepo) Get(ctx context.Context, role model.Role, username string) (model.Account, error) {
	s, err := r.store(role)
	if err != nil {
		return model.Account{}, err
	}
	return s.Get(ctx, username)
}

// Authenticate returns the account when password matches.
func (r *AccountRepo) Authenticate(ctx context.Context, role model.Role, username, password string) (model.Account, error) {
	a, err := r.Get(ctx, role, username)
	if err != nil {
		return model.Account{}, err
	}
	if !utils.VerifyPassword(a.PasswordHash, password) {
		return model.Account{}, ErrWrongPassword
	}
	return a, nil
}

// ChangePassword replaces the password after checking the old one.
func (r *AccountRepo) ChangePassword(ctx context.Context, role model.Role, username, oldPassword, newPassword, confirm string) error {
	s, err := r.store(role)
	if err != nil {
		return err
	}
	if _, err := r.Authenticate(ctx, role, username, oldPassword); err != nil {
		return err
	}
	if newPassword != confirm {
		return ErrPasswordMismatch
	}
	if err := r.checkPassword(newPassword); err != nil {
		return err
	}
	hash, err := utils.HashPassword(newPassword, r.opts.BcryptCost)
	if err != nil {
		return err
	}
	// A concurrent change may have replaced the password since the check.
	_, err = s.Update(ctx, username, func(a model.Account) (model.Account, error) {
		if !utils.VerifyPassword(a.PasswordHash, oldPassword) {
			return a, ErrWrongPassword
		}
		a.PasswordHash = hash
		return a, nil
	})
	return err
}

// Edit applies the non-empty fields of f.  A username change moves the
// record to its new key in one step.
func (r *AccountRepo) Edit(ctx context.Context, role model.Role, username string, f model.EditFields) (model.Account, error) {
	s, err := r.store(role)
	if err != nil {
		return model.Account{}, err
	}
	if err := checkPhone(f.Phone); err != nil {
		return model.Account{}, err
	}
	newName := strings.TrimSpace(f.Username)
	apply := func(a model.Account) (model.Account, error) {
		if newName != "" {
			a.Username = newName
		}
		if f.FirstName != "" {
			a.FirstName = f.FirstName
		}
		if f.LastName != "" {
			a.LastName = f.LastName
		}
		if f.BirthDate != "" {
			a.BirthDate = f.BirthDate
		}
		if f.Phone != "" {
			a.Phone = f.Phone
		}
		return a, nil
	}
	if newName == "" || newName == username {
		return s.Update(ctx, username, apply)
	}
	a, err := s.Rename(ctx, username, newName, apply)
	if errors.Is(err, ErrDuplicateKey) {
		return model.Account{}, ErrDuplicateUsername
	}
	return a, err
}

// RestoreProfile puts back the username and profile fields of prev on
// the account currently stored under username.  Wallet, plan and linked
// bank accounts keep their current values.
func (r *AccountRepo) RestoreProfile(ctx context.Context, role model.Role, username string, prev model.Account) (model.Account, error) {
	s, err := r.store(role)
	if err != nil {
		return model.Account{}, err
	}
	restore := func(a model.Account) (model.Account, error) {
		a.Username = prev.Username
		a.FirstName = prev.FirstName
		a.LastName = prev.LastName
		a.BirthDate = prev.BirthDate
		a.Phone = prev.Phone
		return a, nil
	}
	if prev.Username == username {
		return s.Update(ctx, username, restore)
	}
	a, err := s.Rename(ctx, username, prev.Username, restore)
	if errors.Is(err, ErrDuplicateKey) {
		return model.Account{}, ErrDuplicateUsername
	}
	return a, err
}

// Delete removes the account.
func (r *AccountRepo) Delete(ctx context.Context, role model.Role, username string) error {
	s, err := r.store(role)
	if err != nil {
		return err
	}
	return s.Remove(ctx, username)
}

// ChargeWallet credits a customer's wallet.
func (r *AccountRepo) ChargeWallet(ctx context.Context, username string, amount decimal.Decimal) (model.Account, error) {
	if !amount.IsPositive() {
		return model.Account{}, ErrInvalidAmount
	}
	return r.stores[model.RoleCustomer].Update(ctx, username, func(a model.Account) (model.Account, error) {
		a.Wallet = a.Wallet.Add(amount)
		return a, nil
	})
}

// DebitWallet takes amount out of a customer's wallet.  The wallet never
// goes negative.
func (r *AccountRepo) DebitWallet(ctx context.Context, username string, amount decimal.Decimal) (model.Account, error) {
	if !amount.IsPositive() {
		return model.Account{}, ErrInvalidAmount
	}
	return r.stores[model.RoleCustomer].Update(ctx, username, func(a model.Account) (model.Account, error) {
		if a.Wallet.LessThan(amount) {
			return a, &InsufficientFundsError{Payer: "wallet:" + username, Requested: amount, Balance: a.Wallet}
		}
		a.Wallet = a.Wallet.Sub(amount)
		return a, nil
	})
}

// LinkBankAccount records ref on the customer.  Linking twice is a no-op.
func (r *AccountRepo) LinkBankAccount(ctx context.Context, username, ref string) (model.Account, error) {
	return r.stores[model.RoleCustomer].Update(ctx, username, func(a model.Account) (model.Account, error) {
		if !slices.Contains(a.BankAccounts, ref) {
			a.BankAccounts = append(a.BankAccounts, ref)
		}
		return a, nil
	})
}

// ChangePlan sets the customer's plan.  Unknown names select Bronze.
func (r *AccountRepo) ChangePlan(ctx context.Context, username, plan string) (model.Account, error) {
	p := model.ParsePlan(plan)
	return r.stores[model.RoleCustomer].Update(ctx, username, func(a model.Account) (model.Account, error) {
		a.Plan = p
		return a, nil
	})
}
