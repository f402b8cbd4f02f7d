package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/coin_custody/internal/auth"
	"github.com/congo-pay/coin_custody/internal/identity"
)

// RegisterIdentityRoutes wires public registration.
func RegisterIdentityRoutes(r fiber.Router, h *identity.Handler) {
	r.Post("/accounts/register", h.Register)
}

// RegisterAccountRoutes wires the endpoints of the authenticated account.
func RegisterAccountRoutes(r fiber.Router, h *identity.Handler, a *auth.Handler) {
	r.Get("/me", h.Me)
	r.Post("/auth/logout", a.Logout)
}
