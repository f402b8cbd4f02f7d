package blockchain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/congo-pay/coin_custody/internal/config"
	"github.com/congo-pay/coin_custody/internal/ledger"
)

// Bitcoind talks to a bitcoind-compatible wallet over JSON-RPC.
type Bitcoind struct {
	client *rpcclient.Client
	params *chaincfg.Params
	logger *slog.Logger
}

// NewBitcoind dials nothing; the HTTP POST client connects per request.
func NewBitcoind(cfg config.BitcoinConfig, logger *slog.Logger) (*Bitcoind, error) {
	params, err := Params(cfg.Network)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
		Params:       params.Name,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create bitcoind client: %w", err)
	}
	return &Bitcoind{client: client, params: params, logger: logger}, nil
}

// Params reports the network the client validates addresses against.
func (b *Bitcoind) Params() *chaincfg.Params { return b.params }

// ReceivingAddress asks the node wallet for a new address.
func (b *Bitcoind) ReceivingAddress(ctx context.Context) (string, error) {
	future := b.client.GetNewAddressAsync("")
	addr, err := await(ctx, future.Receive)
	if err != nil {
		b.logger.Error("getnewaddress failed", slog.Any("error", err))
		return "", fmt.Errorf("%w: getnewaddress: %v", ErrBlockchain, err)
	}
	return addr.EncodeAddress(), nil
}

// Submit sends tx.Amount to the destination wallet's external address.
func (b *Bitcoind) Submit(ctx context.Context, tx ledger.Transaction) (string, error) {
	addr, err := decodeAddress(tx.Destination.Hash, b.params)
	if err != nil {
		return "", err
	}
	amount, err := ToSatoshis(tx.Amount)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBlockchain, err)
	}

	future := b.client.SendToAddressAsync(addr, amount)
	hash, err := await(ctx, future.Receive)
	if err != nil {
		b.logger.Error("sendtoaddress failed",
			slog.String("transaction_id", tx.ID),
			slog.String("address", addr.EncodeAddress()),
			slog.Any("error", err))
		return "", fmt.Errorf("%w: sendtoaddress: %v", ErrBlockchain, err)
	}
	b.logger.Info("payment submitted",
		slog.String("transaction_id", tx.ID),
		slog.String("chain_hash", hash.String()),
		slog.String("amount", amount.String()))
	return hash.String(), nil
}

// Close stops the client's request handlers.
func (b *Bitcoind) Close() {
	b.client.Shutdown()
}

// await waits for an rpcclient future while honouring ctx. The RPC itself is
// not cancelled; its result is dropped.
func await[T any](ctx context.Context, receive func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := receive()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
