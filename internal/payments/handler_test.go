package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/coin_custody/internal/blockchain"
	"github.com/congo-pay/coin_custody/internal/ledger"
	"github.com/congo-pay/coin_custody/internal/wallet"
)

func (h *harness) app(accountType string) *fiber.App {
	handler := NewHandler(h.svc, h.wallets)
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("account_id", h.accountID)
		c.Locals("account_type", accountType)
		return c.Next()
	})
	app.Post("/transactions", handler.Create)
	app.Get("/transactions", handler.List)
	app.Get("/transactions/by-hash", handler.FindByHash)
	app.Get("/transactions/:id", handler.Get)
	app.Get("/wallets/:walletId/transactions", handler.ListForWallet)
	app.Put("/admin/transactions/:id", handler.Transition)
	app.Post("/admin/deposits/confirm", handler.ConfirmDeposit)
	app.Post("/admin/withdrawals/confirm", handler.ConfirmWithdrawal)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHandlerDepositFlow(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "main", "0", "0")
	app := h.app("SELLER")

	var created Response
	body := fmt.Sprintf(`{"type":"deposit","source":{"name":"cold","hash":%q},"destination":{"name":"main"},"amount":"0.5"}`, externalAddress)
	if code := doJSON(t, app, http.MethodPost, "/transactions", body, &created); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if created.Status != ledger.StatusPending || created.Receipt == nil || created.AcceptedAt != nil {
		t.Fatalf("unexpected deposit response: %+v", created)
	}

	var found Response
	if code := doJSON(t, app, http.MethodGet, "/transactions/by-hash?sender="+created.SenderHash, "", &found); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if found.ID != created.ID {
		t.Fatalf("expected %s, got %s", created.ID, found.ID)
	}

	var confirmed Response
	if code := doJSON(t, app, http.MethodPost, "/admin/deposits/confirm?sender_hash="+created.SenderHash, "", &confirmed); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if confirmed.Status != ledger.StatusCompleted || confirmed.CompletedAt == nil {
		t.Fatalf("unexpected confirmed response: %+v", confirmed)
	}
	h.expect(t, "main", "0.5", "0.5")

	var listed []Response
	if code := doJSON(t, app, http.MethodGet, "/transactions?status=completed&type=external", "", &listed); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(listed) != 1 {
		t.Fatalf("expected one completed transaction, got %d", len(listed))
	}
}

func TestHandlerRejections(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "main", "10", "10")
	h.seed(t, "savings", "0", "0")
	app := h.app("SELLER")

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed body", http.MethodPost, "/transactions", `{`, http.StatusBadRequest},
		{"overdraw", http.MethodPost, "/transactions", `{"type":"TRANSFER","source":{"name":"main"},"destination":{"name":"savings"},"amount":"11"}`, http.StatusBadRequest},
		{"bad direction", http.MethodGet, "/transactions?direction=SIDEWAYS", "", http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/transactions?status=LOST", "", http.StatusBadRequest},
		{"missing hash", http.MethodGet, "/transactions/by-hash", "", http.StatusBadRequest},
		{"unknown hash", http.MethodGet, "/transactions/by-hash?receiver=nothing", "", http.StatusNotFound},
		{"unknown transaction", http.MethodGet, "/transactions/does-not-exist", "", http.StatusNotFound},
		{"unknown wallet", http.MethodGet, "/wallets/does-not-exist/transactions", "", http.StatusNotFound},
		{"missing sender hash", http.MethodPost, "/admin/deposits/confirm", "", http.StatusBadRequest},
		{"missing transaction hash", http.MethodPost, "/admin/withdrawals/confirm", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := doJSON(t, app, tc.method, tc.path, tc.body, nil); code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, code)
			}
		})
	}
}

func TestHandlerTransitionAndAccess(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "main", "10", "10")
	h.seed(t, "savings", "0", "0")
	app := h.app("SELLER")

	var tx Response
	body := `{"type":"TRANSFER","source":{"name":"main"},"destination":{"name":"savings"},"amount":"4"}`
	if code := doJSON(t, app, http.MethodPost, "/transactions", body, &tx); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if code := doJSON(t, app, http.MethodPut, "/admin/transactions/"+tx.ID+"?status=FAILED", "", nil); code != http.StatusBadRequest {
		t.Fatalf("completed transaction must not move, got %d", code)
	}

	stranger := newHarness(t)
	stranger.svc = h.svc
	stranger.wallets = h.wallets
	if code := doJSON(t, stranger.app("SELLER"), http.MethodGet, "/transactions/"+tx.ID, "", nil); code != http.StatusNotFound {
		t.Fatalf("foreign caller should not see the transaction, got %d", code)
	}
	if code := doJSON(t, stranger.app("ADMIN"), http.MethodGet, "/transactions/"+tx.ID, "", nil); code != http.StatusOK {
		t.Fatalf("admin should see the transaction, got %d", code)
	}
}

func TestStatusError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&ledger.PartialSettlementError{TransactionID: "t", Err: errors.New("down")}, http.StatusInternalServerError},
		{fmt.Errorf("wrap: %w", ledger.ErrNotFound), http.StatusNotFound},
		{wallet.ErrNotFound, http.StatusNotFound},
		{ledger.ErrInsufficientFunds, http.StatusBadRequest},
		{&ledger.TransitionError{From: ledger.StatusDenied, To: ledger.StatusAccepted}, http.StatusBadRequest},
		{blockchain.ErrInvalidAddress, http.StatusBadRequest},
		{ledger.ErrConcurrentUpdate, http.StatusConflict},
		{ledger.ErrLockTimeout, http.StatusConflict},
		{blockchain.ErrBlockchain, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		var fe *fiber.Error
		if !errors.As(StatusError(tc.err), &fe) || fe.Code != tc.want {
			t.Fatalf("%v: expected %d, got %v", tc.err, tc.want, fe)
		}
	}
}
