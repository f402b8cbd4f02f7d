package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/coin_custody/internal/auth"
	"github.com/congo-pay/coin_custody/internal/config"
	"github.com/congo-pay/coin_custody/internal/identity"
	"github.com/congo-pay/coin_custody/internal/middleware"
	"github.com/congo-pay/coin_custody/internal/payments"
	"github.com/congo-pay/coin_custody/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps, s *Services) error {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.Env)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.Env)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	authHandler := auth.NewHandler(s.Identity, s.Auth)
	identityHandler := identity.NewHandler(s.Identity, s.Wallets)
	walletHandler := wallet.NewHandler(s.Wallets)
	paymentHandler := payments.NewHandler(s.Payments, s.Wallets)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Public routes
	RegisterIdentityRoutes(api, identityHandler)
	var rateLimiter fiber.Handler
	if d.Cache != nil {
		rateLimiter = middleware.LoginRateLimit(d.Cache, 5)
	}
	RegisterAuthRoutes(api, authHandler, rateLimiter)

	// Protected routes
	guards := []fiber.Handler{middleware.JWTAuth(s.Auth)}
	if d.Cache != nil {
		guards = append(guards, middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	protected := api.Group("", guards...)
	RegisterAccountRoutes(protected, identityHandler, authHandler)
	RegisterWalletRoutes(protected, walletHandler, paymentHandler)
	RegisterPaymentRoutes(protected, paymentHandler)
	RegisterAdminRoutes(protected.Group("/admin", middleware.RequireAdmin()), paymentHandler)

	return nil
}
