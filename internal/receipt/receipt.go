package receipt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultScheme is used when no payment URI scheme is configured.
const DefaultScheme = "bitcoin"

// ErrInvalidAmount rejects receipts for non-positive amounts.
var ErrInvalidAmount = errors.New("receipt amount must be positive")

// Receipt is a payment request handed to the payer of a deposit.
type Receipt struct {
	Amount  decimal.Decimal `json:"amount"`
	Address string          `json:"address"`
	URI     string          `json:"uri"`
}

// AddressSource hands out fresh receiving addresses.
type AddressSource interface {
	ReceivingAddress(ctx context.Context) (string, error)
}

// EncodeURI renders scheme:address?amount=<decimal>.
func EncodeURI(scheme, address string, amount decimal.Decimal) string {
	if scheme == "" {
		scheme = DefaultScheme
	}
	q := url.Values{}
	q.Set("amount", amount.String())
	return strings.TrimSuffix(scheme, ":") + ":" + address + "?" + q.Encode()
}

// Issuer builds receipts from addresses supplied by an AddressSource.
type Issuer struct {
	addresses AddressSource
	scheme    string
}

// NewIssuer returns an issuer. An empty scheme falls back to DefaultScheme.
func NewIssuer(addresses AddressSource, scheme string) *Issuer {
	if scheme == "" {
		scheme = DefaultScheme
	}
	return &Issuer{addresses: addresses, scheme: scheme}
}

// Issue obtains a fresh address and encodes amount against it.
func (i *Issuer) Issue(ctx context.Context, amount decimal.Decimal) (Receipt, error) {
	if !amount.IsPositive() {
		return Receipt{}, ErrInvalidAmount
	}
	address, err := i.addresses.ReceivingAddress(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("obtain receiving address: %w", err)
	}
	return Receipt{
		Amount:  amount,
		Address: address,
		URI:     EncodeURI(i.scheme, address, amount),
	}, nil
}
