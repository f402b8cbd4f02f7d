package wallet

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Hash        string `json:"hash"`
}

// Response is the JSON view of a wallet.
type Response struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"account_id"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	Type             Type            `json:"type"`
	Status           Status          `json:"status"`
	Hash             string          `json:"hash,omitempty"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	CreatedAt        time.Time       `json:"created_at"`
	ModifiedAt       time.Time       `json:"modified_at"`
}

// ToResponse converts a wallet to its JSON view.
func ToResponse(w Wallet) Response {
	return Response{
		ID:               w.ID,
		AccountID:        w.AccountID,
		Name:             w.Name,
		Description:      w.Description,
		Type:             w.Type,
		Status:           w.Status,
		Hash:             w.Hash,
		Balance:          w.Balance,
		AvailableBalance: w.AvailableBalance,
		CreatedAt:        w.CreatedAt,
		ModifiedAt:       w.ModifiedAt,
	}
}

// Create provisions a wallet for the authenticated account.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	accountID, _ := c.Locals("account_id").(string)
	wallet, err := h.service.Create(c.UserContext(), CreateInput{
		AccountID:   accountID,
		Name:        req.Name,
		Description: req.Description,
		Hash:        req.Hash,
	})
	if err != nil {
		if errors.Is(err, ErrExists) {
			return fiber.NewError(http.StatusConflict, err.Error())
		}
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(ToResponse(wallet))
}

// List returns the wallets of the authenticated account.
func (h *Handler) List(c *fiber.Ctx) error {
	accountID, _ := c.Locals("account_id").(string)
	wallets, err := h.service.List(c.UserContext(), accountID)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	out := make([]Response, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, ToResponse(w))
	}
	return c.Status(http.StatusOK).JSON(out)
}

// Get returns one wallet owned by the caller. Admins may read any wallet.
func (h *Handler) Get(c *fiber.Ctx) error {
	wallet, err := h.service.Get(c.UserContext(), c.Params("walletId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	if !CanAccess(c, wallet) {
		return fiber.NewError(http.StatusNotFound, ErrNotFound.Error())
	}
	return c.Status(http.StatusOK).JSON(ToResponse(wallet))
}

// CanAccess reports whether the authenticated caller may read the wallet.
func CanAccess(c *fiber.Ctx, w Wallet) bool {
	accountID, _ := c.Locals("account_id").(string)
	accountType, _ := c.Locals("account_type").(string)
	return accountType == "ADMIN" || (accountID != "" && accountID == w.AccountID)
}
