package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role names the kind of identity an account belongs to.  Customers and
// administrators live in separate stores, so a username only has to be
// unique within its role.
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleAdmin    Role = "ADMIN"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleCustomer || r == RoleAdmin }

// Plan is a customer's subscription level.
type Plan string

const (
	PlanBronze Plan = "Bronze"
	PlanSilver Plan = "Silver"
	PlanGold   Plan = "Gold"
)

// ParsePlan maps a user supplied plan name to a Plan.  Anything that is
// not Silver or Gold is Bronze.
func ParsePlan(s string) Plan {
	switch Plan(s) {
	case PlanSilver:
		return PlanSilver
	case PlanGold:
		return PlanGold
	default:
		return PlanBronze
	}
}

// Discount returns the fraction taken off ticket prices for the plan.
func (p Plan) Discount() decimal.Decimal {
	switch p {
	case PlanSilver:
		return decimal.RequireFromString("0.2")
	case PlanGold:
		return decimal.RequireFromString("0.5")
	default:
		return decimal.Zero
	}
}

// Account is a customer or administrator record keyed by Username.
//
// Fields:
//
//	ID           – stable identifier that survives username changes.
//	PasswordHash – bcrypt hash; the plain password is never stored.
//	Wallet       – in-account balance, never negative.
//	BankAccounts – references ("<national-id>/<account-name>") to bank
//	               accounts the customer registered.  Not owning.
//	Plan         – empty for administrators.
type Account struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	FirstName    string          `json:"first_name"`
	LastName     string          `json:"last_name"`
	BirthDate    string          `json:"birth_date,omitempty"`
	Phone        string          `json:"phone,omitempty"`
	PasswordHash string          `json:"password_hash"`
	Role         Role            `json:"role"`
	Wallet       decimal.Decimal `json:"wallet"`
	BankAccounts []string        `json:"bank_accounts,omitempty"`
	Plan         Plan            `json:"plan,omitempty"`
	JoinedAt     time.Time       `json:"joined_at"`
}

func (a Account) Clone() Account {
	out := a
	if a.BankAccounts != nil {
		out.BankAccounts = append([]string(nil), a.BankAccounts...)
	}
	return out
}

// Profile carries the fields a caller supplies at signup.
type Profile struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	BirthDate string `json:"birth_date"`
	Phone     string `json:"phone"`
}

// EditFields lists profile changes.  Empty strings leave the field as is.
type EditFields struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	BirthDate string `json:"birth_date"`
	Phone     string `json:"phone"`
}

// RefreshToken is a stored refresh token keyed by the SHA-256 hex digest
// of its raw value.  The raw value is only ever returned to the client.
type RefreshToken struct {
	Username  string     `json:"username"`
	Role      Role       `json:"role"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (t RefreshToken) Clone() RefreshToken {
	out := t
	if t.RevokedAt != nil {
		r := *t.RevokedAt
		out.RevokedAt = &r
	}
	return out
}

// Active reports whether the token can still be exchanged at now.
func (t RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}
