package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/congo-pay/coin_custody/internal/wallet"
)

const minPasswordLength = 8

// WalletCreator opens the wallets of a new account.
type WalletCreator interface {
	Create(ctx context.Context, input wallet.CreateInput) (wallet.Wallet, error)
}

// Service manages the account lifecycle.
type Service struct {
	repo    Repository
	wallets WalletCreator
	logger  *slog.Logger
}

// NewService creates a new identity service. wallets may be nil, in which
// case registration creates no wallets.
func NewService(repo Repository, wallets WalletCreator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, wallets: wallets, logger: logger}
}

// Register creates an active account with a bcrypt password hash, its
// internal wallet and, when a hash is supplied, its external wallet.
func (s *Service) Register(ctx context.Context, reg Registration) (Account, []wallet.Wallet, error) {
	email := strings.TrimSpace(reg.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return Account{}, nil, fmt.Errorf("invalid email: %w", err)
	}
	if len(reg.Password) < minPasswordLength {
		return Account{}, nil, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	firstName := strings.TrimSpace(reg.FirstName)
	if firstName == "" {
		return Account{}, nil, errors.New("first name is required")
	}
	kind := reg.Type
	if kind == "" {
		kind = TypeSeller
	}
	if kind != TypeSeller && kind != TypeAdmin {
		return Account{}, nil, fmt.Errorf("unknown account type %q", reg.Type)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, nil, err
	}

	now := time.Now().UTC()
	account := Account{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(email),
		FirstName:    firstName,
		LastName:     strings.TrimSpace(reg.LastName),
		Type:         kind,
		Status:       StatusActive,
		PasswordHash: hash,
		CreatedAt:    now,
		ModifiedAt:   now,
	}
	if err := s.repo.Create(ctx, account); err != nil {
		return Account{}, nil, err
	}

	wallets, err := s.openWallets(ctx, account, reg)
	if err != nil {
		s.logger.Error("account registered without wallets",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
		return account, wallets, err
	}
	return account, wallets, nil
}

func (s *Service) openWallets(ctx context.Context, account Account, reg Registration) ([]wallet.Wallet, error) {
	if s.wallets == nil {
		return nil, nil
	}
	name := strings.TrimSpace(reg.WalletName)
	if name == "" {
		name = account.FirstName + "'s Internal Wallet"
	}
	internal, err := s.wallets.Create(ctx, wallet.CreateInput{
		AccountID:   account.ID,
		Name:        name,
		Description: reg.WalletDescription,
	})
	if err != nil {
		return nil, fmt.Errorf("create internal wallet: %w", err)
	}
	out := []wallet.Wallet{internal}

	if hash := strings.TrimSpace(reg.Hash); hash != "" {
		external, err := s.wallets.Create(ctx, wallet.CreateInput{
			AccountID:   account.ID,
			Name:        account.FirstName,
			Description: account.FirstName + "'s External Wallet",
			Hash:        hash,
		})
		if err != nil {
			return out, fmt.Errorf("create external wallet: %w", err)
		}
		out = append(out, external)
	}
	return out, nil
}

// Authenticate verifies credentials and records the login.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (Account, error) {
	account, err := s.repo.FindByEmail(ctx, strings.TrimSpace(creds.Email))
	if errors.Is(err, ErrNotFound) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, err
	}
	if err := bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(creds.Password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}
	if account.Status != StatusActive {
		return Account{}, fmt.Errorf("account %s is %s", account.ID, strings.ToLower(string(account.Status)))
	}

	now := time.Now().UTC()
	if err := s.repo.UpdateLastLogin(ctx, account.ID, now); err != nil {
		s.logger.Warn("record last login failed",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
	} else {
		account.LastLogin = &now
	}
	return account, nil
}

// Get returns an account.
func (s *Service) Get(ctx context.Context, id string) (Account, error) {
	return s.repo.FindByID(ctx, id)
}

// Exists reports whether an account with id is registered.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.repo.FindByID(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	}
	return false, err
}

// EnsureAdmin registers an admin account for email unless one exists.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (Account, error) {
	existing, err := s.repo.FindByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.Type != TypeAdmin {
			return Account{}, fmt.Errorf("%s is registered as %s", email, existing.Type)
		}
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return Account{}, err
	}
	account, _, err := s.Register(ctx, Registration{
		Email:     email,
		Password:  password,
		FirstName: "Admin",
		Type:      TypeAdmin,
	})
	return account, err
}
