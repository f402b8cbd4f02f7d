package identity

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no account matches the lookup.
	ErrNotFound = errors.New("account not found")
	// ErrExists is returned when the email is already registered.
	ErrExists = errors.New("account exists")
	// ErrInvalidCredentials hides whether the email or the password was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Type is the role of an account.
type Type string

const (
	TypeSeller Type = "SELLER"
	TypeAdmin  Type = "ADMIN"
)

// Status of an account.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// Account is a seller or admin owning wallets.
type Account struct {
	ID           string
	Email        string
	FirstName    string
	LastName     string
	Type         Type
	Status       Status
	PasswordHash []byte
	TokenVersion int
	CreatedAt    time.Time
	ModifiedAt   time.Time
	LastLogin    *time.Time
}

// Registration is an onboarding request. WalletName and WalletDescription
// describe the internal wallet; a non-empty Hash also registers an external one.
type Registration struct {
	Email             string
	Password          string
	FirstName         string
	LastName          string
	Type              Type
	WalletName        string
	WalletDescription string
	Hash              string
}

// Credentials request structure.
type Credentials struct {
	Email    string
	Password string
}
