package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/congo-pay/coin_custody/internal/ledger"
)

// Transactions is the part of the ledger the sweeper drives. Both
// *ledger.Engine and *payments.Service satisfy it.
type Transactions interface {
	OlderThan(ctx context.Context, status ledger.Status, cutoff time.Time) ([]ledger.Transaction, error)
	Expire(ctx context.Context, id string) (ledger.Transaction, error)
}

// Sweeper expires PENDING transactions that outlived their allowed age.
type Sweeper struct {
	txs      Transactions
	clock    clock.Clock
	expiry   time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// New returns a sweeper. A non-positive expiry disables it.
func New(txs Transactions, clk clock.Clock, expiry, interval time.Duration, logger *slog.Logger) *Sweeper {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{txs: txs, clock: clk, expiry: expiry, interval: interval, logger: logger}
}

// Enabled reports whether Run does anything.
func (s *Sweeper) Enabled() bool { return s.expiry > 0 }

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.Enabled() {
		s.logger.Info("expiry sweeper disabled")
		return
	}
	s.logger.Info("expiry sweeper started",
		slog.Duration("expiry", s.expiry),
		slog.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.TickAfter(s.interval):
		}
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("expiry sweep failed", slog.Any("error", err))
		}
	}
}

// Sweep expires every PENDING transaction created before now minus the
// expiry and returns how many were moved. Withdrawals already submitted to
// the chain are left for their confirmation. A failure on one transaction
// is logged and the sweep goes on.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.expiry)
	stale, err := s.txs.OlderThan(ctx, ledger.StatusPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale transactions: %w", err)
	}

	expired := 0
	for _, tx := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		_, err := s.txs.Expire(ctx, tx.ID)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ledger.ErrOnChain):
			s.logger.Debug("stale transaction awaits chain confirmation",
				slog.String("transaction_id", tx.ID))
		case errors.Is(err, ledger.ErrIllegalTransactionState):
			// settled or cancelled since it was listed
			s.logger.Debug("stale transaction moved on",
				slog.String("transaction_id", tx.ID),
				slog.Any("error", err))
		default:
			s.logger.Warn("expire transaction failed",
				slog.String("transaction_id", tx.ID),
				slog.Any("error", err))
		}
	}
	if expired > 0 {
		s.logger.Info("expired stale transactions",
			slog.Int("count", expired),
			slog.Time("cutoff", cutoff))
	}
	return expired, nil
}
