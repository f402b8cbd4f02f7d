package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/coin_custody/internal/payments"
	"github.com/congo-pay/coin_custody/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler, tx *payments.Handler) {
	r.Post("/wallets", h.Create)
	r.Get("/wallets", h.List)
	r.Get("/wallets/:walletId", h.Get)
	r.Get("/wallets/:walletId/transactions", tx.ListForWallet)
}
