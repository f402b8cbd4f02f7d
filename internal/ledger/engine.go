package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/coin_custody/internal/wallet"
)

// Engine owns the transaction state machine and the balance rules each
// transition triggers. Transitions of one transaction are serialised through
// the Locker; stores additionally reject writes whose expected status is stale.
type Engine struct {
	store   Store
	wallets Wallets
	locks   Locker
	clock   clock.Clock
	logger  *slog.Logger
}

// NewEngine wires an engine. Nil locker, clock and logger fall back to an
// in-process keyed mutex, the wall clock and slog.Default.
func NewEngine(store Store, wallets Wallets, locks Locker, clk clock.Clock, logger *slog.Logger) *Engine {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, wallets: wallets, locks: locks, clock: clk, logger: logger}
}

// Create resolves both wallets, stamps the creation time and persists tx.
// Status defaults to PENDING. No balance changes happen here.
func (e *Engine) Create(ctx context.Context, tx Transaction) (Transaction, error) {
	if !tx.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: amount must be positive", ErrInvalidTransaction)
	}
	if tx.Status == "" {
		tx.Status = StatusPending
	}
	if !tx.Status.Valid() {
		return Transaction{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, tx.Status)
	}
	if tx.Type == "" {
		tx.Type = TypeInternal
	}

	source, srcErr := e.wallets.Get(ctx, tx.Source.ID)
	destination, dstErr := e.wallets.Get(ctx, tx.Destination.ID)
	if err := missingWallets(tx, srcErr, dstErr); err != nil {
		return Transaction{}, err
	}

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.Source = source
	tx.Destination = destination
	now := e.clock.Now().UTC()
	tx.CreatedAt = now
	tx = tx.stamp(tx.Status, now)

	created, err := e.store.Insert(ctx, tx)
	if err != nil {
		return Transaction{}, err
	}
	e.logger.Info("transaction created",
		slog.String("transaction_id", created.ID),
		slog.String("status", string(created.Status)),
		slog.String("amount", created.Amount.String()))
	return created, nil
}

func missingWallets(tx Transaction, srcErr, dstErr error) error {
	var missing []string
	for _, item := range []struct {
		role string
		id   string
		err  error
	}{{"source", tx.Source.ID, srcErr}, {"destination", tx.Destination.ID, dstErr}} {
		if item.err == nil {
			continue
		}
		if !errors.Is(item.err, wallet.ErrNotFound) {
			return fmt.Errorf("load %s wallet: %w", item.role, item.err)
		}
		missing = append(missing, fmt.Sprintf("%s wallet %q", item.role, item.id))
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrNotFound, missing)
}

// Get returns a stored transaction.
func (e *Engine) Get(ctx context.Context, id string) (Transaction, error) {
	return e.store.Get(ctx, id)
}

// List returns the transactions selected by q.
func (e *Engine) List(ctx context.Context, q Query) ([]Transaction, error) {
	return e.store.List(ctx, q)
}

// FindByHash returns the transaction correlated with an external-chain hash.
func (e *Engine) FindByHash(ctx context.Context, field HashField, hash string) (Transaction, error) {
	return e.store.FindByHash(ctx, field, hash)
}

// OlderThan returns the transactions in status created before cutoff.
func (e *Engine) OlderThan(ctx context.Context, status Status, cutoff time.Time) ([]Transaction, error) {
	return e.store.OlderThan(ctx, status, cutoff)
}

// Transition moves a stored transaction to status, applying its balance rule.
func (e *Engine) Transition(ctx context.Context, id string, status Status) (Transaction, error) {
	if !status.Valid() {
		return Transaction{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, status)
	}
	return e.withCurrent(ctx, id, func(current Transaction) (Transaction, error) {
		next := current
		next.Status = status
		return e.doSave(ctx, current, next)
	})
}

// Save replaces a stored transaction with next. When the status differs the
// change is validated and settled exactly like Transition.
func (e *Engine) Save(ctx context.Context, id string, next Transaction) (Transaction, error) {
	if !next.Status.Valid() {
		return Transaction{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, next.Status)
	}
	return e.withCurrent(ctx, id, func(current Transaction) (Transaction, error) {
		return e.doSave(ctx, current, next)
	})
}

// Expire moves a PENDING transaction to EXPIRED. Any other status is an
// illegal transition here, and a transaction that already carries a chain
// transaction hash is refused with ErrOnChain: only a confirmation may
// settle it.
func (e *Engine) Expire(ctx context.Context, id string) (Transaction, error) {
	return e.withCurrent(ctx, id, func(current Transaction) (Transaction, error) {
		if current.Status != StatusPending {
			return Transaction{}, &TransitionError{From: current.Status, To: StatusExpired}
		}
		if current.TransactionHash != "" {
			return Transaction{}, fmt.Errorf("%w: %s", ErrOnChain, current.TransactionHash)
		}
		next := current
		next.Status = StatusExpired
		return e.doSave(ctx, current, next)
	})
}

// Step moves current to status inside a Locked callback. It applies the
// balance rule exactly like Transition but does not take the lock again.
type Step func(current Transaction, status Status) (Transaction, error)

// Locked holds the lock of transaction id for the whole of fn. fn receives
// the stored transaction as read under the lock, so wallet writes that must
// pair with a transition can be made without racing other callers.
func (e *Engine) Locked(ctx context.Context, id string, fn func(current Transaction, step Step) (Transaction, error)) (Transaction, error) {
	return e.withCurrent(ctx, id, func(current Transaction) (Transaction, error) {
		return fn(current, func(cur Transaction, status Status) (Transaction, error) {
			if !status.Valid() {
				return Transaction{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, status)
			}
			next := cur
			next.Status = status
			return e.doSave(ctx, cur, next)
		})
	})
}

func (e *Engine) withCurrent(ctx context.Context, id string, fn func(Transaction) (Transaction, error)) (Transaction, error) {
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	defer unlock()

	current, err := e.store.Get(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	return fn(current)
}

func (e *Engine) doSave(ctx context.Context, current, next Transaction) (Transaction, error) {
	next = lockIn(current, next)

	if current.Status != next.Status {
		if err := CheckTransition(current.Status, next.Status); err != nil {
			return Transaction{}, err
		}
		next = next.stamp(next.Status, e.clock.Now().UTC())
		if rule, ok := ruleFor(current.Status, next.Status); ok {
			if err := e.apply(ctx, rule, current); err != nil {
				return Transaction{}, err
			}
			saved, err := e.store.Replace(ctx, next, current.Status)
			if err != nil {
				perr := &PartialSettlementError{TransactionID: current.ID, Rule: rule.name, Stage: "transaction record", Err: err}
				e.logger.Error("balances moved but transaction was not recorded",
					slog.String("transaction_id", current.ID),
					slog.String("rule", rule.name),
					slog.Any("error", err))
				return Transaction{}, perr
			}
			e.logTransition(current, saved)
			return saved, nil
		}
	}

	saved, err := e.store.Replace(ctx, next, current.Status)
	if err != nil {
		return Transaction{}, err
	}
	if current.Status != saved.Status {
		e.logTransition(current, saved)
	}
	return saved, nil
}

func (e *Engine) logTransition(current, saved Transaction) {
	e.logger.Info("transaction transitioned",
		slog.String("transaction_id", saved.ID),
		slog.String("from", string(current.Status)),
		slog.String("to", string(saved.Status)))
}

// lockIn keeps the immutable parts of current on next: identity, money,
// parties and every status timestamp already recorded.
func lockIn(current, next Transaction) Transaction {
	next.ID = current.ID
	next.Amount = current.Amount
	next.Type = current.Type
	next.Source = current.Source
	next.Destination = current.Destination
	next.CreatedAt = current.CreatedAt
	next.AcceptedAt = current.AcceptedAt
	next.DeniedAt = current.DeniedAt
	next.FailedAt = current.FailedAt
	next.ExpiredAt = current.ExpiredAt
	next.CompletedAt = current.CompletedAt
	return next
}

// leg is one wallet write of a balance rule.
type leg struct {
	party    func(Transaction) wallet.Wallet
	field    balanceField
	sign     int
	guardOn  balanceField
	guarded  bool
	describe string
}

type balanceField int

const (
	fieldBalance balanceField = iota
	fieldAvailable
)

func (f balanceField) get(w wallet.Wallet) decimal.Decimal {
	if f == fieldAvailable {
		return w.AvailableBalance
	}
	return w.Balance
}

func (f balanceField) set(w wallet.Wallet, v decimal.Decimal) wallet.Wallet {
	if f == fieldAvailable {
		w.AvailableBalance = v
	} else {
		w.Balance = v
	}
	return w
}

func (f balanceField) String() string {
	if f == fieldAvailable {
		return "available balance"
	}
	return "balance"
}

// balanceRule applies first then second. The guard, if any, sits on first so
// a failed precondition never leaves a half-applied rule behind.
type balanceRule struct {
	name   string
	first  leg
	second leg
}

func source(tx Transaction) wallet.Wallet      { return tx.Source }
func destination(tx Transaction) wallet.Wallet { return tx.Destination }

var (
	settleRule = balanceRule{
		name:   "settle",
		first:  leg{party: source, field: fieldBalance, sign: -1, guarded: true, guardOn: fieldAvailable, describe: "source"},
		second: leg{party: destination, field: fieldBalance, sign: 1, describe: "destination"},
	}
	releaseRule = balanceRule{
		name:   "release",
		first:  leg{party: source, field: fieldAvailable, sign: -1, guarded: true, guardOn: fieldAvailable, describe: "source"},
		second: leg{party: destination, field: fieldAvailable, sign: 1, describe: "destination"},
	}
	// restoreRule credits the source balance, mirroring settle, while release
	// debits availableBalance. The two fields are not symmetric here; keep it
	// that way unless stored balances are migrated with it.
	restoreRule = balanceRule{
		name:   "restore",
		first:  leg{party: destination, field: fieldBalance, sign: -1, guarded: true, guardOn: fieldBalance, describe: "destination"},
		second: leg{party: source, field: fieldBalance, sign: 1, describe: "source"},
	}
)

func ruleFor(from, to Status) (balanceRule, bool) {
	switch {
	case from == StatusPending && to == StatusAccepted:
		return settleRule, true
	case from == StatusAccepted && to == StatusCompleted:
		return releaseRule, true
	case from == StatusAccepted && (to == StatusFailed || to == StatusExpired):
		return restoreRule, true
	}
	return balanceRule{}, false
}

func (l leg) mutation(amount decimal.Decimal, sign int) wallet.Mutation {
	return func(w wallet.Wallet) (wallet.Wallet, error) {
		if l.guarded && sign == l.sign {
			if have := l.guardOn.get(w); have.LessThan(amount) {
				return wallet.Wallet{}, fmt.Errorf("%w: %s wallet %s has %s %s, needs %s",
					ErrInsufficientFunds, l.describe, w.ID, l.guardOn, have, amount)
			}
		}
		return l.field.set(w, l.field.get(w).Add(amount.Mul(decimal.NewFromInt(int64(sign))))), nil
	}
}

// apply runs both legs of rule. If the second leg fails the first one is
// compensated; only when that also fails is a PartialSettlementError returned.
func (e *Engine) apply(ctx context.Context, rule balanceRule, tx Transaction) error {
	firstID := rule.first.party(tx).ID
	if _, err := e.wallets.Update(ctx, firstID, rule.first.mutation(tx.Amount, rule.first.sign)); err != nil {
		return walletError(rule.first, firstID, err)
	}

	secondID := rule.second.party(tx).ID
	_, err := e.wallets.Update(ctx, secondID, rule.second.mutation(tx.Amount, rule.second.sign))
	if err == nil {
		return nil
	}
	err = walletError(rule.second, secondID, err)

	undoCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, undoErr := e.wallets.Update(undoCtx, firstID, rule.first.mutation(tx.Amount, -rule.first.sign)); undoErr != nil {
		e.logger.Error("balance rule left half applied",
			slog.String("transaction_id", tx.ID),
			slog.String("rule", rule.name),
			slog.String("applied_wallet", firstID),
			slog.String("failed_wallet", secondID),
			slog.Any("error", err),
			slog.Any("compensation_error", undoErr))
		return &PartialSettlementError{
			TransactionID: tx.ID,
			Rule:          rule.name,
			Stage:         rule.second.describe + " wallet",
			Err:           errors.Join(err, undoErr),
		}
	}
	e.logger.Warn("balance rule rolled back",
		slog.String("transaction_id", tx.ID),
		slog.String("rule", rule.name),
		slog.Any("error", err))
	return err
}

func walletError(l leg, id string, err error) error {
	if errors.Is(err, wallet.ErrNotFound) {
		return fmt.Errorf("%w: %s wallet %s", ErrNotFound, l.describe, id)
	}
	return err
}
