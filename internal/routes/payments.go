package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/coin_custody/internal/payments"
)

// RegisterPaymentRoutes wires transaction endpoints for account holders.
func RegisterPaymentRoutes(r fiber.Router, h *payments.Handler) {
	r.Post("/transactions", h.Create)
	r.Get("/transactions", h.List)
	r.Get("/transactions/by-hash", h.FindByHash)
	r.Get("/transactions/:id", h.Get)
}

// RegisterAdminRoutes wires the operator endpoints that move transactions.
func RegisterAdminRoutes(r fiber.Router, h *payments.Handler) {
	r.Put("/transactions/:id", h.Transition)
	r.Post("/deposits/confirm", h.ConfirmDeposit)
	r.Post("/withdrawals/confirm", h.ConfirmWithdrawal)
}
