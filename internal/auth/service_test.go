package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/congo-pay/coin_custody/internal/config"
	"github.com/congo-pay/coin_custody/internal/identity"
	"github.com/congo-pay/coin_custody/internal/logging"
)

func testConfig() config.Config {
	return config.Config{
		AppName:         "test",
		JWTSecret:       "access-secret",
		RefreshSecret:   "refresh-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	}
}

func setup(t *testing.T) (*Service, identity.Account) {
	t.Helper()
	repo := identity.NewMemoryRepository()
	ids := identity.NewService(repo, nil, logging.Discard())
	account, _, err := ids.Register(context.Background(), identity.Registration{
		Email:     "seller@example.com",
		Password:  "long enough",
		FirstName: "Sal",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return NewService(testConfig(), repo), account
}

func TestIssueAndVerify(t *testing.T) {
	svc, account := setup(t)
	ctx := context.Background()

	pair, err := svc.Issue(account)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.ExpiresIn != 60 {
		t.Fatalf("expected 60s expiry, got %d", pair.ExpiresIn)
	}

	verified, err := svc.VerifyAccess(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.ID != account.ID || verified.Type != identity.TypeSeller {
		t.Fatalf("unexpected account: %+v", verified)
	}

	if _, err := svc.VerifyAccess(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token must not pass as access token, got %v", err)
	}

	access, _, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := svc.VerifyAccess(ctx, access); err != nil {
		t.Fatalf("refreshed token rejected: %v", err)
	}
}

func TestLogoutRevokesTokens(t *testing.T) {
	svc, account := setup(t)
	ctx := context.Background()

	pair, err := svc.Issue(account)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := svc.Logout(ctx, account.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.VerifyAccess(ctx, pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected revoked access token, got %v", err)
	}
	if _, _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected revoked refresh token, got %v", err)
	}
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	svc, account := setup(t)
	ctx := context.Background()

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte("access-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.VerifyAccess(ctx, signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	signed, err = forged.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.VerifyAccess(ctx, signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected forged token to fail, got %v", err)
	}

	if _, err := svc.VerifyAccess(ctx, "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected garbage to fail, got %v", err)
	}
}
