package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/coin_custody/internal/blockchain"
	"github.com/congo-pay/coin_custody/internal/ledger"
	"github.com/congo-pay/coin_custody/internal/logging"
	"github.com/congo-pay/coin_custody/internal/notification"
	"github.com/congo-pay/coin_custody/internal/receipt"
	"github.com/congo-pay/coin_custody/internal/wallet"
)

// ErrBadRequest marks caller mistakes: unknown wallets, bad amounts, low funds at request time.
var ErrBadRequest = errors.New("bad request")

// Kind selects the workflow a Draft runs through.
type Kind string

const (
	KindTransfer Kind = "TRANSFER"
	KindDeposit  Kind = "DEPOSIT"
	KindWithdraw Kind = "WITHDRAW"
)

// AccountDirectory reports whether an account exists.
type AccountDirectory interface {
	Exists(ctx context.Context, accountID string) (bool, error)
}

// WalletRef names a wallet of the requesting account. Hash is only used when
// an external wallet has to be provisioned.
type WalletRef struct {
	Name        string
	Description string
	Hash        string
}

// Draft is a transaction request before any wallet has been resolved.
type Draft struct {
	Kind        Kind
	Source      WalletRef
	Destination WalletRef
	Amount      decimal.Decimal
	Reference   string
	Description string
}

// Service runs the transfer, deposit and withdrawal workflows on top of the ledger engine.
type Service struct {
	engine   *ledger.Engine
	wallets  *wallet.Service
	chain    blockchain.Chain
	receipts *receipt.Issuer
	accounts AccountDirectory
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewService constructs a payment service. accounts and notifier may be nil.
func NewService(engine *ledger.Engine, wallets *wallet.Service, chain blockchain.Chain, receipts *receipt.Issuer,
	accounts AccountDirectory, notifier notification.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:   engine,
		wallets:  wallets,
		chain:    chain,
		receipts: receipts,
		accounts: accounts,
		notifier: notifier,
		logger:   logger,
	}
}

// Create validates the draft and dispatches it to its workflow.
func (s *Service) Create(ctx context.Context, draft Draft, accountID string) (ledger.Transaction, error) {
	if err := s.requireAccount(ctx, accountID); err != nil {
		return ledger.Transaction{}, err
	}
	if !draft.Amount.IsPositive() {
		return ledger.Transaction{}, fmt.Errorf("%w: amount must be positive", ErrBadRequest)
	}
	if strings.TrimSpace(draft.Source.Name) == "" || strings.TrimSpace(draft.Destination.Name) == "" {
		return ledger.Transaction{}, fmt.Errorf("%w: source and destination wallet names are required", ErrBadRequest)
	}

	switch Kind(strings.ToUpper(string(draft.Kind))) {
	case KindTransfer:
		return s.Transfer(ctx, draft, accountID)
	case KindDeposit:
		return s.Deposit(ctx, draft, accountID)
	case KindWithdraw:
		return s.Withdraw(ctx, draft, accountID)
	}
	return ledger.Transaction{}, fmt.Errorf("%w: transaction kind not recognized %q", ErrBadRequest, draft.Kind)
}

func (s *Service) requireAccount(ctx context.Context, accountID string) error {
	if s.accounts == nil {
		return nil
	}
	ok, err := s.accounts.Exists(ctx, accountID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: account %s", ledger.ErrNotFound, accountID)
	}
	return nil
}

// Transfer settles funds between two internal wallets of the same account in
// one step and records the transaction as COMPLETED.
func (s *Service) Transfer(ctx context.Context, draft Draft, accountID string) (ledger.Transaction, error) {
	source, err := s.requiredWallet(ctx, accountID, draft.Source.Name)
	if err != nil {
		return ledger.Transaction{}, err
	}
	destination, err := s.requiredWallet(ctx, accountID, draft.Destination.Name)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if source.ID == destination.ID {
		return ledger.Transaction{}, fmt.Errorf("%w: source and destination must differ", ErrBadRequest)
	}

	amount := draft.Amount
	if _, err := s.wallets.Update(ctx, source.ID, debit(amount, true)); err != nil {
		return ledger.Transaction{}, err
	}
	if _, err := s.wallets.Update(ctx, destination.ID, credit(amount, true)); err != nil {
		s.compensate(ctx, source.ID, credit(amount, true), "transfer", err)
		return ledger.Transaction{}, err
	}

	tx, err := s.engine.Create(ctx, ledger.Transaction{
		Source:      source,
		Destination: destination,
		Type:        ledger.TypeInternal,
		Reference:   draft.Reference,
		Description: draft.Description,
		Amount:      amount,
		Status:      ledger.StatusCompleted,
	})
	if err != nil {
		s.logger.Error("transfer settled but not recorded",
			slog.String("source_wallet_id", source.ID),
			slog.String("destination_wallet_id", destination.ID),
			slog.String("amount", amount.String()),
			slog.Any("error", err))
		return ledger.Transaction{}, err
	}
	s.notify(ctx, notification.KindTransactionCreated, KindTransfer, tx)
	return tx, nil
}

// Deposit stages an incoming chain payment: the external source wallet is
// provisioned with the promised amount and a receipt is attached for the payer.
func (s *Service) Deposit(ctx context.Context, draft Draft, accountID string) (ledger.Transaction, error) {
	if err := distinctParties(draft); err != nil {
		return ledger.Transaction{}, err
	}
	destination, err := s.requiredWallet(ctx, accountID, draft.Destination.Name)
	if err != nil {
		return ledger.Transaction{}, err
	}
	rcpt, err := s.receipts.Issue(ctx, draft.Amount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	source, err := s.provision(ctx, accountID, draft.Source, draft.Amount)
	if err != nil {
		return ledger.Transaction{}, err
	}

	tx, err := s.engine.Create(ctx, ledger.Transaction{
		Source:      source,
		Destination: destination,
		Type:        ledger.TypeExternal,
		Reference:   draft.Reference,
		Description: draft.Description,
		Amount:      draft.Amount,
		Status:      ledger.StatusPending,
		Receipt:     &rcpt,
		SenderHash:  rcpt.Address,
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.notify(ctx, notification.KindTransactionCreated, KindDeposit, tx)
	return tx, nil
}

// Withdraw reserves funds on the internal source, records a PENDING
// transaction and submits the payment to the chain. A failed submission keeps
// the reservation and the PENDING transaction; both are returned with the error.
func (s *Service) Withdraw(ctx context.Context, draft Draft, accountID string) (ledger.Transaction, error) {
	if err := distinctParties(draft); err != nil {
		return ledger.Transaction{}, err
	}
	source, err := s.requiredWallet(ctx, accountID, draft.Source.Name)
	if err != nil {
		return ledger.Transaction{}, err
	}
	target := draft.Destination
	if strings.TrimSpace(target.Hash) == "" {
		existing, err := s.wallets.GetByName(ctx, accountID, target.Name)
		switch {
		case err == nil:
			target.Hash = existing.Hash
		case !errors.Is(err, wallet.ErrNotFound):
			return ledger.Transaction{}, err
		}
	}
	if strings.TrimSpace(target.Hash) == "" {
		return ledger.Transaction{}, fmt.Errorf("%w: destination wallet %q has no external address", ErrBadRequest, target.Name)
	}

	amount := draft.Amount
	reserved, err := s.wallets.Update(ctx, source.ID, debit(amount, false))
	if err != nil {
		return ledger.Transaction{}, err
	}
	destination, err := s.provision(ctx, accountID, target, decimal.Zero)
	if err != nil {
		s.compensate(ctx, source.ID, credit(amount, false), "withdraw", err)
		return ledger.Transaction{}, err
	}

	tx, err := s.engine.Create(ctx, ledger.Transaction{
		Source:       reserved,
		Destination:  destination,
		Type:         ledger.TypeExternal,
		Reference:    draft.Reference,
		Description:  draft.Description,
		Amount:       amount,
		Status:       ledger.StatusPending,
		ReceiverHash: destination.Hash,
	})
	if err != nil {
		s.compensate(ctx, source.ID, credit(amount, false), "withdraw", err)
		return ledger.Transaction{}, err
	}
	s.notify(ctx, notification.KindTransactionCreated, KindWithdraw, tx)

	hash, err := s.chain.Submit(ctx, tx)
	if err != nil {
		s.logger.Error("withdrawal submission failed",
			slog.String("transaction_id", tx.ID),
			slog.Any("error", err))
		return tx, err
	}
	tx.TransactionHash = hash
	saved, err := s.engine.Save(ctx, tx.ID, tx)
	if err != nil {
		s.logger.Error("withdrawal submitted but hash not recorded",
			slog.String("transaction_id", tx.ID),
			slog.String("chain_hash", hash),
			slog.Any("error", err))
		return tx, err
	}
	return saved, nil
}

// Transition moves a transaction to status through the ledger engine.
func (s *Service) Transition(ctx context.Context, id string, status ledger.Status) (ledger.Transaction, error) {
	tx, err := s.engine.Transition(ctx, id, status)
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.notify(ctx, notification.KindTransactionTransitioned, "", tx)
	return tx, nil
}

// Expire moves a stale transaction to EXPIRED unless its payment was
// already submitted to the chain.
func (s *Service) Expire(ctx context.Context, id string) (ledger.Transaction, error) {
	tx, err := s.engine.Expire(ctx, id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.notify(ctx, notification.KindTransactionTransitioned, "", tx)
	return tx, nil
}

// Get returns a transaction.
func (s *Service) Get(ctx context.Context, id string) (ledger.Transaction, error) {
	return s.engine.Get(ctx, id)
}

// ListForWallet returns the transactions touching a wallet.
func (s *Service) ListForWallet(ctx context.Context, walletID string, filter ledger.Filter) ([]ledger.Transaction, error) {
	return s.engine.List(ctx, ledger.Query{WalletID: walletID, Filter: filter})
}

// ListForAccount returns the transactions touching any wallet of an account.
func (s *Service) ListForAccount(ctx context.Context, accountID string, filter ledger.Filter) ([]ledger.Transaction, error) {
	return s.engine.List(ctx, ledger.Query{AccountID: accountID, Filter: filter})
}

// FindBySenderHash returns the deposit expecting funds at hash.
func (s *Service) FindBySenderHash(ctx context.Context, hash string) (ledger.Transaction, error) {
	return s.engine.FindByHash(ctx, ledger.HashSender, hash)
}

// FindByReceiverHash returns the withdrawal paying out to hash.
func (s *Service) FindByReceiverHash(ctx context.Context, hash string) (ledger.Transaction, error) {
	return s.engine.FindByHash(ctx, ledger.HashReceiver, hash)
}

// FindByTransactionHash returns the transaction recorded under a chain transaction hash.
func (s *Service) FindByTransactionHash(ctx context.Context, hash string) (ledger.Transaction, error) {
	return s.engine.FindByHash(ctx, ledger.HashTransaction, hash)
}

// OlderThan returns the transactions in status created before cutoff.
func (s *Service) OlderThan(ctx context.Context, status ledger.Status, cutoff time.Time) ([]ledger.Transaction, error) {
	return s.engine.OlderThan(ctx, status, cutoff)
}

func (s *Service) requiredWallet(ctx context.Context, accountID, name string) (wallet.Wallet, error) {
	w, err := s.wallets.GetByName(ctx, accountID, strings.TrimSpace(name))
	if errors.Is(err, wallet.ErrNotFound) {
		return wallet.Wallet{}, fmt.Errorf("%w: wallet with name %s does not exist", ErrBadRequest, name)
	}
	return w, err
}

func distinctParties(draft Draft) error {
	if strings.TrimSpace(draft.Source.Name) == strings.TrimSpace(draft.Destination.Name) {
		return fmt.Errorf("%w: source and destination must differ", ErrBadRequest)
	}
	return nil
}

func (s *Service) provision(ctx context.Context, accountID string, ref WalletRef, staged decimal.Decimal) (wallet.Wallet, error) {
	w, err := s.wallets.Provision(ctx, accountID, wallet.Wallet{
		Name:        strings.TrimSpace(ref.Name),
		Description: ref.Description,
		Hash:        strings.TrimSpace(ref.Hash),
	}, staged)
	if errors.Is(err, wallet.ErrInternal) {
		return wallet.Wallet{}, fmt.Errorf("%w: %s is an internal wallet and cannot be an external party", ErrBadRequest, ref.Name)
	}
	if err != nil {
		return wallet.Wallet{}, fmt.Errorf("provision wallet %s: %w", ref.Name, err)
	}
	return w, nil
}

// compensate reverts a wallet write whose workflow could not complete.
func (s *Service) compensate(ctx context.Context, walletID string, undo wallet.Mutation, workflow string, cause error) {
	undoCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.wallets.Update(undoCtx, walletID, undo); err != nil {
		s.logger.Error("wallet compensation failed",
			slog.String("workflow", workflow),
			slog.String("wallet_id", walletID),
			slog.Any("cause", cause),
			slog.Any("error", err))
	}
}

// debit subtracts amount from the available balance, and from the balance
// too when settle is set. Low available funds abort the write.
func debit(amount decimal.Decimal, settle bool) wallet.Mutation {
	return func(w wallet.Wallet) (wallet.Wallet, error) {
		if w.AvailableBalance.LessThan(amount) {
			return wallet.Wallet{}, fmt.Errorf("%w: not enough funds in the wallet with name %s", ErrBadRequest, w.Name)
		}
		w.AvailableBalance = w.AvailableBalance.Sub(amount)
		if settle {
			w.Balance = w.Balance.Sub(amount)
		}
		return w, nil
	}
}

func credit(amount decimal.Decimal, settle bool) wallet.Mutation {
	return func(w wallet.Wallet) (wallet.Wallet, error) {
		w.AvailableBalance = w.AvailableBalance.Add(amount)
		if settle {
			w.Balance = w.Balance.Add(amount)
		}
		return w, nil
	}
}

func (s *Service) notify(ctx context.Context, kind string, workflow Kind, tx ledger.Transaction) {
	if s.notifier == nil {
		return
	}
	event := notification.Event{
		Kind:          kind,
		TransactionID: tx.ID,
		Workflow:      string(workflow),
		Status:        string(tx.Status),
		Amount:        tx.Amount,
		Source:        tx.Source.ID,
		Destination:   tx.Destination.ID,
		RequestID:     logging.RequestID(ctx),
		Timestamp:     time.Now().UTC(),
	}
	if err := s.notifier.Send(ctx, event); err != nil {
		s.logger.Warn("notification failed",
			slog.String("transaction_id", tx.ID),
			slog.String("kind", kind),
			slog.Any("error", err))
	}
}
