package wallet

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no wallet matches the lookup.
	ErrNotFound = errors.New("wallet not found")
	// ErrExists is returned when an account already owns a wallet with the same name.
	ErrExists = errors.New("wallet exists")
	// ErrInternal is returned when a custodial wallet is used as an external leg.
	ErrInternal = errors.New("wallet is internal")
)

// Type distinguishes custodial wallets from wallets living on the external chain.
type Type string

const (
	TypeInternal Type = "INTERNAL"
	TypeExternal Type = "EXTERNAL"
)

// Status of a wallet record.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusActive   Status = "ACTIVE"
	StatusDisabled Status = "DISABLED"
)

// Wallet represents a stored value account.
//
// Balance holds funds settled into the wallet; AvailableBalance holds funds
// free to commit to a new outgoing transaction. The two may diverge while a
// transaction is in flight.
type Wallet struct {
	ID               string
	AccountID        string
	Name             string
	Description      string
	Type             Type
	Status           Status
	Hash             string
	Balance          decimal.Decimal
	AvailableBalance decimal.Decimal
	CreatedAt        time.Time
	ModifiedAt       time.Time
}

// Mutation derives the next state of a wallet from its current, live state.
// Returning an error aborts the update and leaves the wallet untouched.
type Mutation func(current Wallet) (Wallet, error)
