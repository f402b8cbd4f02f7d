package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AddressValidator checks an external chain address before it is attached to a wallet.
type AddressValidator func(address string) error

// Service exposes wallet operations on top of a Repository.
type Service struct {
	repo     Repository
	validate AddressValidator
}

// NewService builds a wallet service instance. validate may be nil.
func NewService(repo Repository, validate AddressValidator) *Service {
	return &Service{repo: repo, validate: validate}
}

// CreateInput captures data required to create a wallet. A wallet created
// with a Hash is an EXTERNAL wallet; otherwise it is INTERNAL.
type CreateInput struct {
	AccountID   string
	Name        string
	Description string
	Hash        string
}

// Create provisions an empty wallet for an account.
func (s *Service) Create(ctx context.Context, input CreateInput) (Wallet, error) {
	if _, err := uuid.Parse(input.AccountID); err != nil {
		return Wallet{}, fmt.Errorf("invalid account id: %w", err)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Wallet{}, errors.New("wallet name is required")
	}

	kind := TypeInternal
	hash := strings.TrimSpace(input.Hash)
	if hash != "" {
		kind = TypeExternal
		if s.validate != nil {
			if err := s.validate(hash); err != nil {
				return Wallet{}, err
			}
		}
	}

	now := time.Now().UTC()
	wallet := Wallet{
		ID:               uuid.NewString(),
		AccountID:        input.AccountID,
		Name:             name,
		Description:      input.Description,
		Type:             kind,
		Status:           StatusPending,
		Hash:             hash,
		Balance:          decimal.Zero,
		AvailableBalance: decimal.Zero,
		CreatedAt:        now,
		ModifiedAt:       now,
	}

	if err := s.repo.Create(ctx, wallet); err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}

// Get retrieves a wallet.
func (s *Service) Get(ctx context.Context, id string) (Wallet, error) {
	return s.repo.Get(ctx, id)
}

// GetByName resolves a wallet by (account, name).
func (s *Service) GetByName(ctx context.Context, accountID, name string) (Wallet, error) {
	return s.repo.GetByName(ctx, accountID, name)
}

// List returns the wallets owned by an account.
func (s *Service) List(ctx context.Context, accountID string) ([]Wallet, error) {
	return s.repo.ListByAccount(ctx, accountID)
}

// Update applies an atomic mutation to a single wallet.
func (s *Service) Update(ctx context.Context, id string, mutate Mutation) (Wallet, error) {
	return s.repo.Update(ctx, id, mutate)
}

// Provision returns the tracking wallet for the external leg of a deposit or
// withdrawal, creating it when missing. The wallet ends up with a zero
// available balance and a balance of staged: a new wallet starts at
// staged, an existing one at its former available balance plus staged.
// An existing INTERNAL wallet is refused with ErrInternal.
func (s *Service) Provision(ctx context.Context, accountID string, draft Wallet, staged decimal.Decimal) (Wallet, error) {
	existing, err := s.repo.GetByName(ctx, accountID, draft.Name)
	switch {
	case errors.Is(err, ErrNotFound):
		created, err := s.Create(ctx, CreateInput{
			AccountID:   accountID,
			Name:        draft.Name,
			Description: draft.Description,
			Hash:        draft.Hash,
		})
		if err != nil {
			return Wallet{}, err
		}
		return s.repo.Update(ctx, created.ID, func(w Wallet) (Wallet, error) {
			w.Type = TypeExternal
			w.AvailableBalance = decimal.Zero
			w.Balance = staged
			return w, nil
		})
	case err != nil:
		return Wallet{}, err
	}
	if existing.Type == TypeInternal {
		return Wallet{}, fmt.Errorf("%w: %s", ErrInternal, existing.Name)
	}

	hash := strings.TrimSpace(draft.Hash)
	if hash != "" && hash != existing.Hash && s.validate != nil {
		if err := s.validate(hash); err != nil {
			return Wallet{}, err
		}
	}
	return s.repo.Update(ctx, existing.ID, func(w Wallet) (Wallet, error) {
		if w.Type == TypeInternal {
			return Wallet{}, fmt.Errorf("%w: %s", ErrInternal, w.Name)
		}
		if hash != "" {
			w.Hash = hash
		}
		w.Type = TypeExternal
		w.Balance = w.AvailableBalance.Add(staged)
		w.AvailableBalance = decimal.Zero
		return w, nil
	})
}
