package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/congo-pay/coin_custody/internal/config"
	"github.com/congo-pay/coin_custody/internal/identity"
)

// ErrInvalidToken covers malformed, expired and revoked tokens.
var ErrInvalidToken = errors.New("invalid token")

// Claims carried by access and refresh tokens. Version must match the
// account's token version; logout bumps it.
type Claims struct {
	AccountType identity.Type `json:"acct"`
	Version     int           `json:"ver"`
	jwt.RegisteredClaims
}

// Service issues and verifies JWTs.
type Service struct {
	cfg      config.Config
	accounts identity.Repository
}

// NewService builds a token service.
func NewService(cfg config.Config, accounts identity.Repository) *Service {
	return &Service{cfg: cfg, accounts: accounts}
}

// TokenPair is returned by a successful login.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Issue signs an access and a refresh token for account.
func (s *Service) Issue(account identity.Account) (TokenPair, error) {
	access, err := s.sign(account, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.sign(account, s.cfg.RefreshSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
	}, nil
}

func (s *Service) sign(account identity.Account, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		AccountType: account.Type,
		Version:     account.TokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			Issuer:    s.cfg.AppName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyAccess validates an access token against the live account.
func (s *Service) VerifyAccess(ctx context.Context, token string) (identity.Account, error) {
	return s.verify(ctx, token, s.cfg.JWTSecret)
}

// Refresh verifies the refresh token and returns a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, int64, error) {
	account, err := s.verify(ctx, refreshToken, s.cfg.RefreshSecret)
	if err != nil {
		return "", 0, err
	}
	access, err := s.sign(account, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return "", 0, err
	}
	return access, int64(s.cfg.AccessTokenTTL.Seconds()), nil
}

// Logout increments the token version so older tokens become invalid.
func (s *Service) Logout(ctx context.Context, accountID string) error {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	return s.accounts.UpdateTokenVersion(ctx, account.ID, account.TokenVersion+1)
}

func (s *Service) verify(ctx context.Context, token, secret string) (identity.Account, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return identity.Account{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	account, err := s.accounts.FindByID(ctx, claims.Subject)
	if errors.Is(err, identity.ErrNotFound) {
		return identity.Account{}, fmt.Errorf("%w: account not found", ErrInvalidToken)
	}
	if err != nil {
		return identity.Account{}, err
	}
	if account.TokenVersion != claims.Version {
		return identity.Account{}, fmt.Errorf("%w: token version invalidated", ErrInvalidToken)
	}
	if account.Status != identity.StatusActive {
		return identity.Account{}, fmt.Errorf("%w: account inactive", ErrInvalidToken)
	}
	return account, nil
}
