package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/coin_custody/internal/receipt"
	"github.com/congo-pay/coin_custody/internal/wallet"
)

var (
	// ErrNotFound is returned when a referenced wallet or transaction does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds occurs when a balance precondition of a transition fails.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrIllegalTransactionState is matched by every *TransitionError.
	ErrIllegalTransactionState = errors.New("illegal transaction state")

	// ErrInvalidTransaction rejects malformed transaction descriptors.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrConcurrentUpdate indicates the stored status changed between read and write.
	ErrConcurrentUpdate = errors.New("concurrent transaction update")

	// ErrOnChain refuses to expire a transaction whose payment already has a chain hash.
	ErrOnChain = errors.New("transaction already on chain")

	// ErrPartialSettlement is matched by every *PartialSettlementError.
	ErrPartialSettlement = errors.New("partial settlement")
)

// TransitionError reports a status change the state table forbids.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transaction state: cannot move from %s to %s", e.From, e.To)
}

// Is lets errors.Is(err, ErrIllegalTransactionState) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransactionState
}

// PartialSettlementError reports that a balance rule was only partly applied:
// at least one write succeeded before Stage failed. The ledger needs
// reconciliation for TransactionID.
type PartialSettlementError struct {
	TransactionID string
	Rule          string
	Stage         string
	Err           error
}

func (e *PartialSettlementError) Error() string {
	return fmt.Sprintf("partial settlement of transaction %s (%s) failed at %s: %v", e.TransactionID, e.Rule, e.Stage, e.Err)
}

func (e *PartialSettlementError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPartialSettlement) match.
func (e *PartialSettlementError) Is(target error) bool {
	return target == ErrPartialSettlement
}

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAccepted  Status = "ACCEPTED"
	StatusDenied    Status = "DENIED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
	StatusCompleted Status = "COMPLETED"
)

// Valid reports whether s names a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusDenied, StatusFailed, StatusExpired, StatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDenied, StatusFailed, StatusExpired, StatusCompleted:
		return true
	}
	return false
}

// ParseStatus converts user input (any case) to a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, v)
	}
	return s, nil
}

// Type tells internal movements apart from movements that touch the external chain.
type Type string

const (
	TypeInternal Type = "INTERNAL"
	TypeExternal Type = "EXTERNAL"
)

// Direction selects incoming, outgoing or all transactions of a wallet or account.
type Direction string

const (
	DirectionBoth Direction = "BOTH"
	DirectionIn   Direction = "IN"
	DirectionOut  Direction = "OUT"
)

// Transaction moves Amount from Source to Destination. Source and
// Destination are snapshots taken at creation time.
type Transaction struct {
	ID              string
	Source          wallet.Wallet
	Destination     wallet.Wallet
	Type            Type
	Reference       string
	Description     string
	Amount          decimal.Decimal
	Status          Status
	Receipt         *receipt.Receipt
	SenderHash      string
	ReceiverHash    string
	TransactionHash string
	CreatedAt       time.Time
	AcceptedAt      time.Time
	DeniedAt        time.Time
	FailedAt        time.Time
	ExpiredAt       time.Time
	CompletedAt     time.Time
}

// StampedAt returns the time the transaction entered s, or the zero time.
func (t Transaction) StampedAt(s Status) time.Time {
	switch s {
	case StatusPending:
		return t.CreatedAt
	case StatusAccepted:
		return t.AcceptedAt
	case StatusDenied:
		return t.DeniedAt
	case StatusFailed:
		return t.FailedAt
	case StatusExpired:
		return t.ExpiredAt
	case StatusCompleted:
		return t.CompletedAt
	}
	return time.Time{}
}

// stamp records at as the time t entered s. Existing stamps are never overwritten.
func (t Transaction) stamp(s Status, at time.Time) Transaction {
	if !t.StampedAt(s).IsZero() {
		return t
	}
	switch s {
	case StatusPending:
		t.CreatedAt = at
	case StatusAccepted:
		t.AcceptedAt = at
	case StatusDenied:
		t.DeniedAt = at
	case StatusFailed:
		t.FailedAt = at
	case StatusExpired:
		t.ExpiredAt = at
	case StatusCompleted:
		t.CompletedAt = at
	}
	return t
}

// HashField names one of the external-chain correlation hashes.
type HashField string

const (
	HashSender      HashField = "sender_hash"
	HashReceiver    HashField = "receiver_hash"
	HashTransaction HashField = "transaction_hash"
)

// Filter narrows wallet and account transaction listings. Zero fields match everything.
type Filter struct {
	Direction Direction
	Reference string
	Status    Status
	Type      Type
}

// Query selects transactions of one wallet or of every wallet of an account.
type Query struct {
	WalletID  string
	AccountID string
	Filter
}

// Store persists transactions. Replace must only write when the stored
// status still equals expected, returning ErrConcurrentUpdate otherwise.
type Store interface {
	Insert(ctx context.Context, tx Transaction) (Transaction, error)
	Get(ctx context.Context, id string) (Transaction, error)
	Replace(ctx context.Context, next Transaction, expected Status) (Transaction, error)
	List(ctx context.Context, q Query) ([]Transaction, error)
	FindByHash(ctx context.Context, field HashField, hash string) (Transaction, error)
	OlderThan(ctx context.Context, status Status, cutoff time.Time) ([]Transaction, error)
}

// Wallets is the slice of the wallet store the engine needs.
type Wallets interface {
	Get(ctx context.Context, id string) (wallet.Wallet, error)
	Update(ctx context.Context, id string, mutate wallet.Mutation) (wallet.Wallet, error)
}

// Matches reports whether tx satisfies q.
func (q Query) Matches(tx Transaction) bool {
	in, out := false, false
	switch {
	case q.WalletID != "":
		in = tx.Destination.ID == q.WalletID
		out = tx.Source.ID == q.WalletID
	case q.AccountID != "":
		in = tx.Destination.AccountID == q.AccountID
		out = tx.Source.AccountID == q.AccountID
	default:
		in, out = true, true
	}
	switch q.Direction {
	case DirectionIn:
		if !in {
			return false
		}
	case DirectionOut:
		if !out {
			return false
		}
	default:
		if !in && !out {
			return false
		}
	}
	if q.Reference != "" && tx.Reference != q.Reference {
		return false
	}
	if q.Status != "" && tx.Status != q.Status {
		return false
	}
	if q.Type != "" && tx.Type != q.Type {
		return false
	}
	return true
}
