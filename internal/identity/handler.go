package identity

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/coin_custody/internal/wallet"
)

// Handler exposes identity endpoints.
type Handler struct {
	service *Service
	wallets *wallet.Service
}

// NewHandler constructs an identity HTTP handler.
func NewHandler(service *Service, wallets *wallet.Service) *Handler {
	return &Handler{service: service, wallets: wallets}
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Hash        string `json:"hash"`
}

// Response is the JSON view of an account.
type Response struct {
	ID        string            `json:"id"`
	Email     string            `json:"email"`
	FirstName string            `json:"first_name"`
	LastName  string            `json:"last_name,omitempty"`
	Type      Type              `json:"type"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	LastLogin *time.Time        `json:"last_login,omitempty"`
	Wallets   []wallet.Response `json:"wallets"`
}

func toResponse(a Account, wallets []wallet.Wallet) Response {
	out := Response{
		ID:        a.ID,
		Email:     a.Email,
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Type:      a.Type,
		Status:    a.Status,
		CreatedAt: a.CreatedAt,
		LastLogin: a.LastLogin,
		Wallets:   make([]wallet.Response, 0, len(wallets)),
	}
	for _, w := range wallets {
		out.Wallets = append(out.Wallets, wallet.ToResponse(w))
	}
	return out
}

// Register onboards a seller together with its wallets.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	account, wallets, err := h.service.Register(c.UserContext(), Registration{
		Email:             req.Email,
		Password:          req.Password,
		FirstName:         req.FirstName,
		LastName:          req.LastName,
		Type:              TypeSeller,
		WalletName:        req.Name,
		WalletDescription: req.Description,
		Hash:              req.Hash,
	})
	switch {
	case errors.Is(err, ErrExists):
		return fiber.NewError(http.StatusConflict, err.Error())
	case err != nil && account.ID == "":
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case err != nil:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(toResponse(account, wallets))
}

// Me returns the authenticated account and its wallets.
func (h *Handler) Me(c *fiber.Ctx) error {
	accountID, _ := c.Locals("account_id").(string)
	account, err := h.service.Get(c.UserContext(), accountID)
	if err != nil {
		return fiber.NewError(http.StatusUnauthorized, "account not found")
	}
	var wallets []wallet.Wallet
	if h.wallets != nil {
		if wallets, err = h.wallets.List(c.UserContext(), account.ID); err != nil {
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.Status(http.StatusOK).JSON(toResponse(account, wallets))
}
