package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/coin_custody/internal/auth"
	"github.com/congo-pay/coin_custody/internal/identity"
)

// JWTAuth validates bearer access tokens and exposes the caller as the
// account_id and account_type locals.
func JWTAuth(tokens *auth.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		account, err := tokens.VerifyAccess(c.UserContext(), strings.TrimSpace(authz[len("Bearer "):]))
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}

		c.Locals("account_id", account.ID)
		c.Locals("account_type", string(account.Type))
		c.Locals("token_version", account.TokenVersion)
		return c.Next()
	}
}

// RequireAdmin only lets ADMIN accounts through. It must run after JWTAuth.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if kind, _ := c.Locals("account_type").(string); kind != string(identity.TypeAdmin) {
			return fiber.NewError(http.StatusForbidden, "admin access required")
		}
		return c.Next()
	}
}
