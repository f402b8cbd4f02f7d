package middleware

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/coin_custody/internal/logging"
)

type idempotentApp struct {
	app   *fiber.App
	redis *miniredis.Miniredis
	calls int
}

func newIdempotentApp(t *testing.T) *idempotentApp {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	ia := &idempotentApp{app: fiber.New(), redis: mr}
	ia.app.Use(func(c *fiber.Ctx) error {
		if id := c.Get("X-Account"); id != "" {
			c.Locals("account_id", id)
		}
		return c.Next()
	})
	ia.app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	ia.app.Post("/transactions", func(c *fiber.Ctx) error {
		ia.calls++
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"call": ia.calls})
	})
	ia.app.Post("/failing", func(c *fiber.Ctx) error {
		ia.calls++
		return fiber.NewError(fiber.StatusBadGateway, "node offline")
	})
	ia.app.Get("/transactions", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return ia
}

func (ia *idempotentApp) send(t *testing.T, method, path, key, account, body string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	if account != "" {
		req.Header.Set("X-Account", account)
	}
	resp, err := ia.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(payload)
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	ia := newIdempotentApp(t)
	if code, _ := ia.send(t, fiber.MethodPost, "/transactions", "", "", `{}`); code != fiber.StatusBadRequest {
		t.Fatalf("expected 400 got %d", code)
	}
	if code, _ := ia.send(t, fiber.MethodGet, "/transactions", "", "", ""); code != fiber.StatusOK {
		t.Fatalf("safe methods need no key, got %d", code)
	}
}

func TestIdempotencyReplaysFirstResponse(t *testing.T) {
	ia := newIdempotentApp(t)
	body := `{"type":"TRANSFER","amount":"1"}`

	code, first := ia.send(t, fiber.MethodPost, "/transactions", "abc123", "acct", body)
	if code != fiber.StatusCreated {
		t.Fatalf("expected 201 got %d", code)
	}
	code, again := ia.send(t, fiber.MethodPost, "/transactions", "abc123", "acct", body)
	if code != fiber.StatusCreated || again != first {
		t.Fatalf("expected replay of %s, got %d %s", first, code, again)
	}
	if ia.calls != 1 {
		t.Fatalf("handler ran %d times", ia.calls)
	}
}

func TestIdempotencyRejectsKeyReuseForDifferentRequest(t *testing.T) {
	ia := newIdempotentApp(t)
	ia.send(t, fiber.MethodPost, "/transactions", "k1", "acct", `{"amount":"1"}`)

	if code, _ := ia.send(t, fiber.MethodPost, "/transactions", "k1", "acct", `{"amount":"100"}`); code != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a different body, got %d", code)
	}
	if code, _ := ia.send(t, fiber.MethodPost, "/transactions?sender_hash=x", "k1", "acct", `{"amount":"1"}`); code != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a different url, got %d", code)
	}
	if ia.calls != 1 {
		t.Fatalf("handler ran %d times", ia.calls)
	}
}

func TestIdempotencyKeysAreScopedPerAccount(t *testing.T) {
	ia := newIdempotentApp(t)

	_, a := ia.send(t, fiber.MethodPost, "/transactions", "shared-key", "account-a", `{}`)
	_, b := ia.send(t, fiber.MethodPost, "/transactions", "shared-key", "account-b", `{}`)
	if a == b {
		t.Fatalf("different accounts must not share cached responses: %s", a)
	}
	if _, again := ia.send(t, fiber.MethodPost, "/transactions", "shared-key", "account-a", `{}`); again != a {
		t.Fatalf("expected cached response %s got %s", a, again)
	}
}

func TestIdempotencyInFlightAndFailures(t *testing.T) {
	ia := newIdempotentApp(t)

	ia.redis.Set(idempotencyPrefix+"acct:busy", inProgressMarker)
	if code, _ := ia.send(t, fiber.MethodPost, "/transactions", "busy", "acct", `{}`); code != fiber.StatusConflict {
		t.Fatalf("expected 409 while in flight, got %d", code)
	}

	for i := 0; i < 2; i++ {
		if code, _ := ia.send(t, fiber.MethodPost, "/failing", "retry", "acct", `{}`); code != fiber.StatusBadGateway {
			t.Fatalf("attempt %d: expected 502 got %d", i, code)
		}
	}
	if ia.calls != 2 {
		t.Fatalf("a failed request must release its key, handler ran %d times", ia.calls)
	}
	if ia.redis.Exists(idempotencyPrefix + "acct:retry") {
		t.Fatalf("failed request left its reservation behind")
	}
}
