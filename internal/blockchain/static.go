package blockchain

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"

	"github.com/congo-pay/coin_custody/internal/ledger"
)

// Static simulates a chain for local development. Addresses are valid
// pay-to-pubkey-hash addresses on the configured network and submissions
// always succeed with a deterministic hash.
type Static struct {
	params *chaincfg.Params
}

// NewStatic returns a development chain for params.
func NewStatic(params *chaincfg.Params) Static {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return Static{params: params}
}

// ReceivingAddress derives a fresh address from random bytes.
func (s Static) ReceivingAddress(_ context.Context) (string, error) {
	seed := uuid.New()
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(seed[:]), s.params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBlockchain, err)
	}
	return addr.EncodeAddress(), nil
}

// Submit validates the destination and returns the double-SHA256 of the transaction id.
func (s Static) Submit(_ context.Context, tx ledger.Transaction) (string, error) {
	if _, err := decodeAddress(tx.Destination.Hash, s.params); err != nil {
		return "", err
	}
	return chainhash.DoubleHashH([]byte(tx.ID)).String(), nil
}
