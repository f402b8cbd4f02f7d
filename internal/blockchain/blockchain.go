package blockchain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/coin_custody/internal/ledger"
)

// ErrBlockchain wraps every failure reported by the external chain.
var ErrBlockchain = errors.New("blockchain error")

// ErrInvalidAddress is returned for addresses that do not decode on the configured network.
var ErrInvalidAddress = errors.New("invalid chain address")

// Chain is the external blockchain capability used by the payment workflows.
type Chain interface {
	// ReceivingAddress returns a fresh address deposits can be paid to.
	ReceivingAddress(ctx context.Context) (string, error)
	// Submit broadcasts an outbound payment to tx.Destination.Hash and
	// returns the chain transaction hash.
	Submit(ctx context.Context, tx ledger.Transaction) (string, error)
}

// Params maps a network name to its chain parameters.
func Params(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	}
	return nil, fmt.Errorf("unknown bitcoin network %q", network)
}

// AddressValidator returns a check accepting only addresses of params' network.
func AddressValidator(params *chaincfg.Params) func(string) error {
	return func(address string) error {
		_, err := decodeAddress(address, params)
		return err
	}
}

func decodeAddress(address string, params *chaincfg.Params) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(strings.TrimSpace(address), params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("%w: %s is not a %s address", ErrInvalidAddress, address, params.Name)
	}
	return addr, nil
}

// ToSatoshis converts a coin amount to satoshis, rejecting sub-satoshi precision.
func ToSatoshis(amount decimal.Decimal) (btcutil.Amount, error) {
	sats := amount.Shift(8)
	if !sats.Equal(sats.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than 8 decimal places", amount)
	}
	if !sats.IsPositive() {
		return 0, fmt.Errorf("amount %s must be positive", amount)
	}
	return btcutil.Amount(sats.IntPart()), nil
}
