package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/coin_custody/internal/ledger"
	"github.com/congo-pay/coin_custody/internal/notification"
	"github.com/congo-pay/coin_custody/internal/wallet"
)

// ConfirmDeposit is called once the chain shows the deposit behind
// senderHash. The staged amount on the external source becomes available and
// the transaction is settled and released.
func (s *Service) ConfirmDeposit(ctx context.Context, senderHash string) (ledger.Transaction, error) {
	tx, err := s.FindBySenderHash(ctx, senderHash)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if tx.Type != ledger.TypeExternal || tx.Source.Type != wallet.TypeExternal {
		return ledger.Transaction{}, fmt.Errorf("%w: transaction %s is not a deposit", ErrBadRequest, tx.ID)
	}
	return s.confirm(ctx, tx, tx.Source.ID)
}

// ConfirmWithdrawal is called once the chain transaction recorded for a
// withdrawal is confirmed. The reservation taken at request time is turned
// back into available funds and the transaction is settled and released, so
// the source is debited exactly once.
func (s *Service) ConfirmWithdrawal(ctx context.Context, transactionHash string) (ledger.Transaction, error) {
	tx, err := s.FindByTransactionHash(ctx, transactionHash)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if tx.Type != ledger.TypeExternal || tx.Destination.Type != wallet.TypeExternal {
		return ledger.Transaction{}, fmt.Errorf("%w: transaction %s is not a withdrawal", ErrBadRequest, tx.ID)
	}
	return s.confirm(ctx, tx, tx.Source.ID)
}

// confirm credits the staged amount to fundedID while tx is PENDING, then
// drives tx through ACCEPTED to COMPLETED. The status is re-read and every
// step runs under the transaction lock, so concurrent confirmations credit
// once. An ACCEPTED transaction only needs the release, which makes retries
// after a partial confirmation safe.
func (s *Service) confirm(ctx context.Context, tx ledger.Transaction, fundedID string) (ledger.Transaction, error) {
	var moved []ledger.Transaction
	done, err := s.engine.Locked(ctx, tx.ID, func(current ledger.Transaction, step ledger.Step) (ledger.Transaction, error) {
		switch current.Status {
		case ledger.StatusPending:
			if _, err := s.wallets.Update(ctx, fundedID, credit(current.Amount, false)); err != nil {
				return ledger.Transaction{}, err
			}
			accepted, err := step(current, ledger.StatusAccepted)
			if err != nil {
				s.compensate(ctx, fundedID, uncredit(current.Amount), "confirm", err)
				return ledger.Transaction{}, err
			}
			moved = append(moved, accepted)
			current = accepted
			fallthrough
		case ledger.StatusAccepted:
			completed, err := step(current, ledger.StatusCompleted)
			if err != nil {
				s.logger.Error("confirmed transaction left accepted",
					slog.String("transaction_id", current.ID),
					slog.Any("error", err))
				return ledger.Transaction{}, err
			}
			moved = append(moved, completed)
			return completed, nil
		case ledger.StatusCompleted:
			return current, nil
		}
		return ledger.Transaction{}, &ledger.TransitionError{From: current.Status, To: ledger.StatusCompleted}
	})
	for _, m := range moved {
		s.notify(ctx, notification.KindTransactionTransitioned, "", m)
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	return done, nil
}

func uncredit(amount decimal.Decimal) wallet.Mutation {
	return func(w wallet.Wallet) (wallet.Wallet, error) {
		if w.AvailableBalance.LessThan(amount) {
			return wallet.Wallet{}, errors.New("credited funds already spent")
		}
		w.AvailableBalance = w.AvailableBalance.Sub(amount)
		return w, nil
	}
}
