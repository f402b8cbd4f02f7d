package payments

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/coin_custody/internal/blockchain"
	"github.com/congo-pay/coin_custody/internal/ledger"
	"github.com/congo-pay/coin_custody/internal/receipt"
	"github.com/congo-pay/coin_custody/internal/wallet"
)

// Handler exposes transaction endpoints.
type Handler struct {
	service *Service
	wallets *wallet.Service
}

// NewHandler constructs a transaction handler.
func NewHandler(service *Service, wallets *wallet.Service) *Handler {
	return &Handler{service: service, wallets: wallets}
}

type walletRef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Hash        string `json:"hash"`
}

type createRequest struct {
	Type        string          `json:"type"`
	Source      walletRef       `json:"source"`
	Destination walletRef       `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
}

// Response is the JSON view of a transaction.
type Response struct {
	ID              string           `json:"id"`
	Source          wallet.Response  `json:"source"`
	Destination     wallet.Response  `json:"destination"`
	Type            ledger.Type      `json:"type"`
	Status          ledger.Status    `json:"status"`
	Amount          decimal.Decimal  `json:"amount"`
	Reference       string           `json:"reference,omitempty"`
	Description     string           `json:"description,omitempty"`
	Receipt         *receipt.Receipt `json:"receipt,omitempty"`
	SenderHash      string           `json:"sender_hash,omitempty"`
	ReceiverHash    string           `json:"receiver_hash,omitempty"`
	TransactionHash string           `json:"transaction_hash,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	AcceptedAt      *time.Time       `json:"accepted_at,omitempty"`
	DeniedAt        *time.Time       `json:"denied_at,omitempty"`
	FailedAt        *time.Time       `json:"failed_at,omitempty"`
	ExpiredAt       *time.Time       `json:"expired_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// ToResponse converts a transaction to its JSON view.
func ToResponse(tx ledger.Transaction) Response {
	return Response{
		ID:              tx.ID,
		Source:          wallet.ToResponse(tx.Source),
		Destination:     wallet.ToResponse(tx.Destination),
		Type:            tx.Type,
		Status:          tx.Status,
		Amount:          tx.Amount,
		Reference:       tx.Reference,
		Description:     tx.Description,
		Receipt:         tx.Receipt,
		SenderHash:      tx.SenderHash,
		ReceiverHash:    tx.ReceiverHash,
		TransactionHash: tx.TransactionHash,
		CreatedAt:       tx.CreatedAt,
		AcceptedAt:      optionalTime(tx.AcceptedAt),
		DeniedAt:        optionalTime(tx.DeniedAt),
		FailedAt:        optionalTime(tx.FailedAt),
		ExpiredAt:       optionalTime(tx.ExpiredAt),
		CompletedAt:     optionalTime(tx.CompletedAt),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Create runs the workflow named by the request type for the caller's account.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	accountID, _ := c.Locals("account_id").(string)

	tx, err := h.service.Create(c.UserContext(), Draft{
		Kind:        Kind(req.Type),
		Source:      WalletRef(req.Source),
		Destination: WalletRef(req.Destination),
		Amount:      req.Amount,
		Reference:   req.Reference,
		Description: req.Description,
	}, accountID)
	if err != nil {
		if tx.ID != "" && errors.Is(err, blockchain.ErrBlockchain) {
			return c.Status(http.StatusBadGateway).JSON(fiber.Map{
				"error":       err.Error(),
				"transaction": ToResponse(tx),
			})
		}
		return StatusError(err)
	}
	return c.Status(http.StatusCreated).JSON(ToResponse(tx))
}

// List returns the caller's transactions, optionally filtered.
func (h *Handler) List(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return StatusError(err)
	}
	accountID, _ := c.Locals("account_id").(string)
	txs, err := h.service.ListForAccount(c.UserContext(), accountID, filter)
	if err != nil {
		return StatusError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponses(txs))
}

// ListForWallet returns the transactions of one wallet the caller can read.
func (h *Handler) ListForWallet(c *fiber.Ctx) error {
	w, err := h.wallets.Get(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return StatusError(err)
	}
	if !wallet.CanAccess(c, w) {
		return fiber.NewError(http.StatusNotFound, wallet.ErrNotFound.Error())
	}
	filter, err := parseFilter(c)
	if err != nil {
		return StatusError(err)
	}
	txs, err := h.service.ListForWallet(c.UserContext(), w.ID, filter)
	if err != nil {
		return StatusError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponses(txs))
}

// Get returns one transaction the caller is a party to.
func (h *Handler) Get(c *fiber.Ctx) error {
	tx, err := h.service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return StatusError(err)
	}
	if !wallet.CanAccess(c, tx.Source) && !wallet.CanAccess(c, tx.Destination) {
		return fiber.NewError(http.StatusNotFound, ledger.ErrNotFound.Error())
	}
	return c.Status(http.StatusOK).JSON(ToResponse(tx))
}

// FindByHash resolves a transaction from an external-chain hash.
// The query must carry exactly one of sender, receiver or transaction.
func (h *Handler) FindByHash(c *fiber.Ctx) error {
	ctx := c.UserContext()
	var (
		tx  ledger.Transaction
		err error
	)
	switch {
	case c.Query("sender") != "":
		tx, err = h.service.FindBySenderHash(ctx, c.Query("sender"))
	case c.Query("receiver") != "":
		tx, err = h.service.FindByReceiverHash(ctx, c.Query("receiver"))
	case c.Query("transaction") != "":
		tx, err = h.service.FindByTransactionHash(ctx, c.Query("transaction"))
	default:
		return fiber.NewError(http.StatusBadRequest, "one of sender, receiver or transaction is required")
	}
	if err != nil {
		return StatusError(err)
	}
	if !wallet.CanAccess(c, tx.Source) && !wallet.CanAccess(c, tx.Destination) {
		return fiber.NewError(http.StatusNotFound, ledger.ErrNotFound.Error())
	}
	return c.Status(http.StatusOK).JSON(ToResponse(tx))
}

// Transition moves a transaction to the status given in the query string.
func (h *Handler) Transition(c *fiber.Ctx) error {
	status, err := ledger.ParseStatus(c.Query("status"))
	if err != nil {
		return StatusError(err)
	}
	tx, err := h.service.Transition(c.UserContext(), c.Params("id"), status)
	if err != nil {
		return StatusError(err)
	}
	return c.Status(http.StatusOK).JSON(ToResponse(tx))
}

// ConfirmDeposit settles the deposit expecting funds at the sender_hash query value.
func (h *Handler) ConfirmDeposit(c *fiber.Ctx) error {
	hash := c.Query("sender_hash")
	if hash == "" {
		return fiber.NewError(http.StatusBadRequest, "sender_hash is required")
	}
	tx, err := h.service.ConfirmDeposit(c.UserContext(), hash)
	if err != nil {
		return StatusError(err)
	}
	return c.Status(http.StatusOK).JSON(ToResponse(tx))
}

// ConfirmWithdrawal settles the withdrawal recorded under the transaction_hash query value.
func (h *Handler) ConfirmWithdrawal(c *fiber.Ctx) error {
	hash := c.Query("transaction_hash")
	if hash == "" {
		return fiber.NewError(http.StatusBadRequest, "transaction_hash is required")
	}
	tx, err := h.service.ConfirmWithdrawal(c.UserContext(), hash)
	if err != nil {
		return StatusError(err)
	}
	return c.Status(http.StatusOK).JSON(ToResponse(tx))
}

func parseFilter(c *fiber.Ctx) (ledger.Filter, error) {
	filter := ledger.Filter{
		Direction: ledger.Direction(strings.ToUpper(c.Query("direction", string(ledger.DirectionBoth)))),
		Reference: c.Query("reference"),
	}
	switch filter.Direction {
	case ledger.DirectionBoth, ledger.DirectionIn, ledger.DirectionOut:
	default:
		return ledger.Filter{}, errors.Join(ErrBadRequest, errors.New("direction must be BOTH, IN or OUT"))
	}
	if v := c.Query("status"); v != "" {
		status, err := ledger.ParseStatus(v)
		if err != nil {
			return ledger.Filter{}, err
		}
		filter.Status = status
	}
	if v := strings.ToUpper(c.Query("type")); v != "" {
		filter.Type = ledger.Type(v)
		if filter.Type != ledger.TypeInternal && filter.Type != ledger.TypeExternal {
			return ledger.Filter{}, errors.Join(ErrBadRequest, errors.New("type must be INTERNAL or EXTERNAL"))
		}
	}
	return filter, nil
}

func toResponses(txs []ledger.Transaction) []Response {
	out := make([]Response, 0, len(txs))
	for _, tx := range txs {
		out = append(out, ToResponse(tx))
	}
	return out
}

// StatusError maps domain errors onto HTTP errors.
func StatusError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrPartialSettlement):
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, wallet.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrIllegalTransactionState),
		errors.Is(err, ledger.ErrInvalidTransaction),
		errors.Is(err, blockchain.ErrInvalidAddress),
		errors.Is(err, receipt.ErrInvalidAmount),
		errors.Is(err, ErrBadRequest):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrConcurrentUpdate),
		errors.Is(err, ledger.ErrLockTimeout),
		errors.Is(err, wallet.ErrExists):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, blockchain.ErrBlockchain):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
