package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/congo-pay/coin_custody/internal/logging"
	"github.com/congo-pay/coin_custody/internal/wallet"
)

var testTime = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// testingT is satisfied by both *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
}

type fixture struct {
	engine  *Engine
	wallets wallet.Repository
	clock   *clock.TestClock
	source  wallet.Wallet
	dest    wallet.Wallet
}

func newFixture(t testingT, srcBalance, srcAvailable, dstBalance, dstAvailable string) *fixture {
	t.Helper()
	repo := wallet.NewMemoryRepository()
	f := &fixture{wallets: repo, clock: clock.NewTestClock(testTime)}
	f.source = seedWallet(t, repo, "source", srcBalance, srcAvailable)
	f.dest = seedWallet(t, repo, "destination", dstBalance, dstAvailable)
	f.engine = NewEngine(NewInMemory(), repo, NewKeyedMutex(), f.clock, logging.Discard())
	return f
}

func seedWallet(t testingT, repo wallet.Repository, name, balance, available string) wallet.Wallet {
	t.Helper()
	w := wallet.Wallet{
		ID:               uuid.NewString(),
		AccountID:        uuid.NewString(),
		Name:             name,
		Type:             wallet.TypeInternal,
		Status:           wallet.StatusActive,
		Balance:          dec(balance),
		AvailableBalance: dec(available),
		CreatedAt:        testTime,
		ModifiedAt:       testTime,
	}
	require.NoError(t, repo.Create(context.Background(), w))
	return w
}

func (f *fixture) create(t testingT, amount string) Transaction {
	t.Helper()
	tx, err := f.engine.Create(context.Background(), Transaction{
		Source:      wallet.Wallet{ID: f.source.ID},
		Destination: wallet.Wallet{ID: f.dest.ID},
		Amount:      dec(amount),
		Reference:   "ref-1",
	})
	require.NoError(t, err)
	return tx
}

func (f *fixture) requireBalances(t testingT, id, balance, available string) {
	t.Helper()
	w, err := f.wallets.Get(context.Background(), id)
	require.NoError(t, err)
	require.Truef(t, w.Balance.Equal(dec(balance)), "balance of %s: want %s got %s", id, balance, w.Balance)
	require.Truef(t, w.AvailableBalance.Equal(dec(available)), "available of %s: want %s got %s", id, available, w.AvailableBalance)
}

func TestSettleThenRelease(t *testing.T) {
	f := newFixture(t, "100", "100", "0", "0")
	ctx := context.Background()

	tx := f.create(t, "40")
	require.Equal(t, StatusPending, tx.Status)
	require.Equal(t, testTime, tx.CreatedAt)
	f.requireBalances(t, f.source.ID, "100", "100")

	f.clock.SetTime(testTime.Add(time.Minute))
	accepted, err := f.engine.Transition(ctx, tx.ID, StatusAccepted)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, accepted.Status)
	require.Equal(t, testTime.Add(time.Minute), accepted.AcceptedAt)
	f.requireBalances(t, f.source.ID, "60", "100")
	f.requireBalances(t, f.dest.ID, "40", "0")

	f.clock.SetTime(testTime.Add(2 * time.Minute))
	completed, err := f.engine.Transition(ctx, tx.ID, StatusCompleted)
	require.NoError(t, err)
	require.Equal(t, testTime.Add(time.Minute), completed.AcceptedAt)
	require.Equal(t, testTime.Add(2*time.Minute), completed.CompletedAt)
	require.Equal(t, testTime, completed.CreatedAt)
	f.requireBalances(t, f.source.ID, "60", "60")
	f.requireBalances(t, f.dest.ID, "40", "40")
}

func TestRestoreUndoesSettlement(t *testing.T) {
	for _, target := range []Status{StatusFailed, StatusExpired} {
		t.Run(string(target), func(t *testing.T) {
			f := newFixture(t, "100", "100", "0", "0")
			ctx := context.Background()
			tx := f.create(t, "40")

			_, err := f.engine.Transition(ctx, tx.ID, StatusAccepted)
			require.NoError(t, err)
			done, err := f.engine.Transition(ctx, tx.ID, target)
			require.NoError(t, err)
			require.False(t, done.StampedAt(target).IsZero())

			f.requireBalances(t, f.source.ID, "100", "100")
			f.requireBalances(t, f.dest.ID, "0", "0")
		})
	}
}

func TestRestoreGuardsDestinationBalance(t *testing.T) {
	f := newFixture(t, "100", "100", "0", "0")
	ctx := context.Background()
	tx := f.create(t, "40")
	_, err := f.engine.Transition(ctx, tx.ID, StatusAccepted)
	require.NoError(t, err)

	_, err = f.wallets.Update(ctx, f.dest.ID, func(w wallet.Wallet) (wallet.Wallet, error) {
		w.Balance = dec("10")
		return w, nil
	})
	require.NoError(t, err)

	_, err = f.engine.Transition(ctx, tx.ID, StatusFailed)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	f.requireBalances(t, f.source.ID, "60", "100")
	f.requireBalances(t, f.dest.ID, "10", "0")

	stored, err := f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, stored.Status)
	require.True(t, stored.FailedAt.IsZero())
}

func TestSettleInsufficientFunds(t *testing.T) {
	f := newFixture(t, "100", "10", "0", "0")
	ctx := context.Background()
	tx := f.create(t, "40")

	_, err := f.engine.Transition(ctx, tx.ID, StatusAccepted)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	f.requireBalances(t, f.source.ID, "100", "10")
	f.requireBalances(t, f.dest.ID, "0", "0")

	stored, err := f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.True(t, stored.AcceptedAt.IsZero())
}

func TestIllegalTransitions(t *testing.T) {
	f := newFixture(t, "100", "100", "0", "0")
	ctx := context.Background()
	tx := f.create(t, "40")

	_, err := f.engine.Transition(ctx, tx.ID, StatusCompleted)
	require.ErrorIs(t, err, ErrIllegalTransactionState)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, StatusPending, terr.From)
	require.Equal(t, StatusCompleted, terr.To)
	f.requireBalances(t, f.source.ID, "100", "100")

	_, err = f.engine.Transition(ctx, tx.ID, StatusDenied)
	require.NoError(t, err)
	f.requireBalances(t, f.source.ID, "100", "100")
	f.requireBalances(t, f.dest.ID, "0", "0")

	for _, next := range []Status{StatusPending, StatusAccepted, StatusFailed, StatusExpired, StatusCompleted} {
		_, err = f.engine.Transition(ctx, tx.ID, next)
		require.ErrorIsf(t, err, ErrIllegalTransactionState, "DENIED -> %s", next)
	}

	_, err = f.engine.Transition(ctx, tx.ID, Status("SETTLED"))
	require.ErrorIs(t, err, ErrInvalidTransaction)
	_, err = f.engine.Transition(ctx, uuid.NewString(), StatusAccepted)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCheckTransitionTable(t *testing.T) {
	all := []Status{StatusPending, StatusAccepted, StatusDenied, StatusFailed, StatusExpired, StatusCompleted}
	legal := map[[2]Status]bool{
		{StatusPending, StatusAccepted}:   true,
		{StatusPending, StatusDenied}:     true,
		{StatusPending, StatusFailed}:     true,
		{StatusPending, StatusExpired}:    true,
		{StatusAccepted, StatusCompleted}: true,
		{StatusAccepted, StatusFailed}:    true,
		{StatusAccepted, StatusExpired}:   true,
	}
	for _, from := range all {
		for _, to := range all {
			err := CheckTransition(from, to)
			if legal[[2]Status{from, to}] {
				require.NoErrorf(t, err, "%s -> %s", from, to)
			} else {
				require.ErrorIsf(t, err, ErrIllegalTransactionState, "%s -> %s", from, to)
			}
		}
		if from.Terminal() {
			require.Empty(t, transitions[from])
		}
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, "100", "100", "0", "0")
	ctx := context.Background()

	_, err := f.engine.Create(ctx, Transaction{
		Source:      wallet.Wallet{ID: f.source.ID},
		Destination: wallet.Wallet{ID: uuid.NewString()},
		Amount:      dec("1"),
	})
	require.ErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "destination wallet")

	_, err = f.engine.Create(ctx, Transaction{
		Source:      wallet.Wallet{ID: f.source.ID},
		Destination: wallet.Wallet{ID: f.dest.ID},
		Amount:      dec("-1"),
	})
	require.ErrorIs(t, err, ErrInvalidTransaction)

	done, err := f.engine.Create(ctx, Transaction{
		Source:      wallet.Wallet{ID: f.source.ID},
		Destination: wallet.Wallet{ID: f.dest.ID},
		Amount:      dec("1"),
		Status:      StatusCompleted,
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.Equal(t, testTime, done.CompletedAt)
	require.Equal(t, "source", done.Source.Name)
	f.requireBalances(t, f.source.ID, "100", "100")
}

func TestSaveLocksImmutableFields(t *testing.T) {
	f := newFixture(t, "100", "100", "0", "0")
	ctx := context.Background()
	tx := f.create(t, "40")

	edit := tx
	edit.Description = "memo"
	edit.TransactionHash = "abc123"
	edit.Amount = dec("4000")
	edit.Type = TypeExternal
	edit.Destination = f.source
	saved, err := f.engine.Save(ctx, tx.ID, edit)
	require.NoError(t, err)
	require.Equal(t, "memo", saved.Description)
	require.Equal(t, "abc123", saved.TransactionHash)
	require.True(t, saved.Amount.Equal(dec("40")))
	require.Equal(t, TypeInternal, saved.Type)
	require.Equal(t, f.dest.ID, saved.Destination.ID)
	f.requireBalances(t, f.source.ID, "100", "100")

	found, err := f.engine.FindByHash(ctx, HashTransaction, "abc123")
	require.NoError(t, err)
	require.Equal(t, tx.ID, found.ID)

	edit = saved
	edit.Status = StatusAccepted
	edit.Amount = dec("90")
	accepted, err := f.engine.Save(ctx, tx.ID, edit)
	require.NoError(t, err)
	require.True(t, accepted.Amount.Equal(dec("40")))
	f.requireBalances(t, f.source.ID, "60", "100")
	f.requireBalances(t, f.dest.ID, "40", "0")

	f.clock.SetTime(testTime.Add(time.Hour))
	accepted.AcceptedAt = time.Time{}
	again, err := f.engine.Save(ctx, tx.ID, accepted)
	require.NoError(t, err)
	require.Equal(t, testTime, again.AcceptedAt)
}

func TestConcurrentTransitionsSettleOnce(t *testing.T) {
	f := newFixture(t, "100", "100", "0", "0")
	ctx := context.Background()
	tx := f.create(t, "40")

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		target := StatusAccepted
		if i%2 == 1 {
			target = StatusDenied
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Transition(ctx, tx.ID, target)
			if err != nil && !errors.Is(err, ErrIllegalTransactionState) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	stored, err := f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	switch stored.Status {
	case StatusAccepted:
		require.True(t, stored.DeniedAt.IsZero())
		f.requireBalances(t, f.source.ID, "60", "100")
		f.requireBalances(t, f.dest.ID, "40", "0")
	case StatusDenied:
		require.True(t, stored.AcceptedAt.IsZero())
		f.requireBalances(t, f.source.ID, "100", "100")
		f.requireBalances(t, f.dest.ID, "0", "0")
	default:
		t.Fatalf("unexpected final status %s", stored.Status)
	}
}

func TestLockedRunsStepsUnderOneLock(t *testing.T) {
	f := newFixture(t, "100", "100", "0", "0")
	ctx := context.Background()
	tx := f.create(t, "40")

	var seen Status
	done, err := f.engine.Locked(ctx, tx.ID, func(current Transaction, step Step) (Transaction, error) {
		seen = current.Status
		accepted, err := step(current, StatusAccepted)
		if err != nil {
			return Transaction{}, err
		}
		return step(accepted, StatusCompleted)
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, seen)
	require.Equal(t, StatusCompleted, done.Status)
	f.requireBalances(t, f.source.ID, "60", "60")
	f.requireBalances(t, f.dest.ID, "40", "40")

	_, err = f.engine.Locked(ctx, tx.ID, func(current Transaction, step Step) (Transaction, error) {
		return step(current, StatusDenied)
	})
	require.ErrorIs(t, err, ErrIllegalTransactionState)

	_, err = f.engine.Locked(ctx, tx.ID, func(current Transaction, step Step) (Transaction, error) {
		return step(current, Status("LOST"))
	})
	require.ErrorIs(t, err, ErrInvalidTransaction)
}

func TestRepeatedTransitionIsNoop(t *testing.T) {
	f := newFixture(t, "100", "100", "0", "0")
	ctx := context.Background()
	tx := f.create(t, "40")

	first, err := f.engine.Transition(ctx, tx.ID, StatusAccepted)
	require.NoError(t, err)
	f.clock.SetTime(testTime.Add(time.Hour))
	again, err := f.engine.Transition(ctx, tx.ID, StatusAccepted)
	require.NoError(t, err)
	require.Equal(t, first.AcceptedAt, again.AcceptedAt)
	f.requireBalances(t, f.source.ID, "60", "100")
	f.requireBalances(t, f.dest.ID, "40", "0")
}

func TestStaleStatusRejectedByStore(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	tx := Transaction{ID: uuid.NewString(), Status: StatusPending, Amount: dec("1"), CreatedAt: testTime}
	_, err := store.Insert(ctx, tx)
	require.NoError(t, err)

	tx.Status = StatusAccepted
	_, err = store.Replace(ctx, tx, StatusPending)
	require.NoError(t, err)

	tx.Status = StatusDenied
	_, err = store.Replace(ctx, tx, StatusPending)
	require.ErrorIs(t, err, ErrConcurrentUpdate)
}

// flakyWallets fails chosen Update calls, counted per wallet id.
type flakyWallets struct {
	wallet.Repository
	mu    sync.Mutex
	calls map[string]int
	fail  func(id string, call int) bool
}

func (w *flakyWallets) Update(ctx context.Context, id string, mutate wallet.Mutation) (wallet.Wallet, error) {
	w.mu.Lock()
	w.calls[id]++
	call := w.calls[id]
	w.mu.Unlock()
	if w.fail(id, call) {
		return wallet.Wallet{}, errors.New("storage unavailable")
	}
	return w.Repository.Update(ctx, id, mutate)
}

func TestSecondLegFailureIsCompensated(t *testing.T) {
	f := newFixture(t, "100", "100", "0", "0")
	ctx := context.Background()
	tx := f.create(t, "40")

	flaky := &flakyWallets{Repository: f.wallets, calls: map[string]int{}, fail: func(id string, _ int) bool {
		return id == f.dest.ID
	}}
	engine := NewEngine(f.engine.store, flaky, nil, f.clock, logging.Discard())

	_, err := engine.Transition(ctx, tx.ID, StatusAccepted)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPartialSettlement)
	f.requireBalances(t, f.source.ID, "100", "100")
	f.requireBalances(t, f.dest.ID, "0", "0")

	stored, err := engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
}

func TestPartialSettlementSurfaces(t *testing.T) {
	f := newFixture(t, "100", "100", "0", "0")
	ctx := context.Background()
	tx := f.create(t, "40")

	flaky := &flakyWallets{Repository: f.wallets, calls: map[string]int{}, fail: func(id string, call int) bool {
		return id == f.dest.ID || (id == f.source.ID && call > 1)
	}}
	engine := NewEngine(f.engine.store, flaky, nil, f.clock, logging.Discard())

	_, err := engine.Transition(ctx, tx.ID, StatusAccepted)
	require.ErrorIs(t, err, ErrPartialSettlement)
	var perr *PartialSettlementError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, tx.ID, perr.TransactionID)
	require.Equal(t, "settle", perr.Rule)
	f.requireBalances(t, f.source.ID, "60", "100")
	f.requireBalances(t, f.dest.ID, "0", "0")
}

func TestBalancesAreConservedProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(rt, "1000", "1000", "0", "0")
		ctx := context.Background()
		amount := decimal.NewFromInt(rapid.Int64Range(1, 1500).Draw(rt, "amount"))
		tx, err := f.engine.Create(ctx, Transaction{
			Source:      wallet.Wallet{ID: f.source.ID},
			Destination: wallet.Wallet{ID: f.dest.ID},
			Amount:      amount,
		})
		if err != nil {
			rt.Fatalf("create: %v", err)
		}

		all := []Status{StatusPending, StatusAccepted, StatusDenied, StatusFailed, StatusExpired, StatusCompleted}
		steps := rapid.SliceOfN(rapid.SampledFrom(all), 1, 6).Draw(rt, "steps")
		status := StatusPending
		for _, next := range steps {
			got, err := f.engine.Transition(ctx, tx.ID, next)
			switch {
			case err == nil:
				if next != status && CheckTransition(status, next) != nil {
					rt.Fatalf("illegal transition %s -> %s accepted", status, next)
				}
				status = got.Status
			case errors.Is(err, ErrIllegalTransactionState):
				if CheckTransition(status, next) == nil {
					rt.Fatalf("legal transition %s -> %s rejected", status, next)
				}
			case errors.Is(err, ErrInsufficientFunds):
			default:
				rt.Fatalf("transition %s -> %s: %v", status, next, err)
			}

			src, _ := f.wallets.Get(ctx, f.source.ID)
			dst, _ := f.wallets.Get(ctx, f.dest.ID)
			if !src.Balance.Add(dst.Balance).Equal(dec("1000")) {
				rt.Fatalf("balance not conserved: %s + %s", src.Balance, dst.Balance)
			}
			if !src.AvailableBalance.Add(dst.AvailableBalance).Equal(dec("1000")) {
				rt.Fatalf("available balance not conserved: %s + %s", src.AvailableBalance, dst.AvailableBalance)
			}
		}

		stored, err := f.engine.Get(ctx, tx.ID)
		if err != nil {
			rt.Fatalf("get: %v", err)
		}
		if stored.Status != status {
			rt.Fatalf("stored status %s, expected %s", stored.Status, status)
		}
	})
}
