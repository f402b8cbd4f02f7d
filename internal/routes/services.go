package routes

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/congo-pay/coin_custody/internal/auth"
	"github.com/congo-pay/coin_custody/internal/blockchain"
	"github.com/congo-pay/coin_custody/internal/config"
	"github.com/congo-pay/coin_custody/internal/expiry"
	"github.com/congo-pay/coin_custody/internal/identity"
	"github.com/congo-pay/coin_custody/internal/ledger"
	"github.com/congo-pay/coin_custody/internal/logging"
	"github.com/congo-pay/coin_custody/internal/notification"
	"github.com/congo-pay/coin_custody/internal/payments"
	"github.com/congo-pay/coin_custody/internal/receipt"
	"github.com/congo-pay/coin_custody/internal/wallet"
)

// Services holds the application services shared by the HTTP layer and the
// background workers.
type Services struct {
	Wallets  *wallet.Service
	Accounts identity.Repository
	Identity *identity.Service
	Auth     *auth.Service
	Payments *payments.Service
	Sweeper  *expiry.Sweeper

	closers []func()
}

// NewServices builds the services on postgres and redis when available and on
// in-memory stores otherwise.
func NewServices(ctx context.Context, d Deps) (*Services, error) {
	s := &Services{}
	clk := clock.NewDefaultClock()

	var (
		walletRepo  wallet.Repository
		store       ledger.Store
		accountRepo identity.Repository
	)
	if d.DB != nil {
		walletRepo = wallet.NewPostgresRepository(d.DB)
		store = ledger.NewPostgresStore(d.DB)
		accountRepo = identity.NewPostgresRepository(d.DB)
	} else {
		walletRepo = wallet.NewMemoryRepository()
		store = ledger.NewInMemory()
		accountRepo = identity.NewMemoryRepository()
	}

	chain, params, err := newChain(d)
	if err != nil {
		return nil, err
	}
	if b, ok := chain.(*blockchain.Bitcoind); ok {
		s.closers = append(s.closers, b.Close)
	}

	locks, err := newLocker(d)
	if err != nil {
		return nil, err
	}

	notifiers := notification.Fanout{notification.NewLoggerNotifier(logging.Component(d.Logger, "events"))}
	if d.Cache != nil {
		notifiers = append(notifiers, notification.NewRedisNotifier(d.Cache))
	}

	s.Wallets = wallet.NewService(walletRepo, blockchain.AddressValidator(params))
	s.Accounts = accountRepo
	s.Identity = identity.NewService(accountRepo, s.Wallets, logging.Component(d.Logger, "identity"))
	s.Auth = auth.NewService(d.Cfg, accountRepo)

	engine := ledger.NewEngine(store, s.Wallets, locks, clk, logging.Component(d.Logger, "ledger"))
	s.Payments = payments.NewService(engine, s.Wallets, chain,
		receipt.NewIssuer(chain, d.Cfg.URIScheme), s.Identity, notifiers,
		logging.Component(d.Logger, "payments"))
	s.Sweeper = expiry.New(s.Payments, clk, d.Cfg.PendingExpiry, d.Cfg.SweepInterval,
		logging.Component(d.Logger, "expiry"))

	if d.Cfg.AdminEmail != "" && d.Cfg.AdminPassword != "" {
		if _, err := s.Identity.EnsureAdmin(ctx, d.Cfg.AdminEmail, d.Cfg.AdminPassword); err != nil {
			s.Close()
			return nil, fmt.Errorf("seed admin account: %w", err)
		}
	}
	return s, nil
}

// Close releases external clients.
func (s *Services) Close() {
	for _, c := range s.closers {
		c()
	}
}

func newChain(d Deps) (blockchain.Chain, *chaincfg.Params, error) {
	params, err := blockchain.Params(d.Cfg.Bitcoin.Network)
	if err != nil {
		return nil, nil, err
	}
	if d.Cfg.Bitcoin.Host == "" {
		if !d.Cfg.IsDev() {
			return nil, nil, fmt.Errorf("BITCOIN_RPC_HOST is required when APP_ENV=%s", d.Cfg.Env)
		}
		d.Logger.Warn("no bitcoin node configured, using the static development chain",
			"network", params.Name)
		return blockchain.NewStatic(params), params, nil
	}
	chain, err := blockchain.NewBitcoind(d.Cfg.Bitcoin, logging.Component(d.Logger, "bitcoind"))
	if err != nil {
		return nil, nil, err
	}
	return chain, params, nil
}

func newLocker(d Deps) (ledger.Locker, error) {
	switch d.Cfg.LockBackend {
	case config.LockBackendRedis:
		if d.Cache == nil {
			return nil, fmt.Errorf("LOCK_BACKEND=redis requires REDIS_URL")
		}
		return ledger.NewRedisLocker(d.Cache, d.Cfg.LockTTL, logging.Component(d.Logger, "locks")), nil
	default:
		return ledger.NewKeyedMutex(), nil
	}
}
