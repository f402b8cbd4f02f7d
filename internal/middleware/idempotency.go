package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyPrefix    = "idempotency:v1:"
	inProgressMarker     = "__in_progress__"
	idempotencyTimeout   = 2 * time.Second
)

// replay is a finished response kept under an idempotency key together with
// the fingerprint of the request that produced it.
type replay struct {
	Fingerprint string            `json:"fingerprint"`
	Status      int               `json:"status"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers"`
}

type idempotencyStore struct {
	cache  redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// Idempotency makes unsafe requests replayable. The first response for an
// Idempotency-Key is stored in Redis and returned for every retry carrying
// the same key and the same method, URL and body. Reusing a key for a
// different request is rejected with 422. Keys are scoped to the
// authenticated account, so this must run after JWTAuth.
func Idempotency(cache redis.UniversalClient, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	store := &idempotencyStore{cache: cache, ttl: ttl, logger: logger}
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := strings.TrimSpace(c.Get(idempotencyKeyHeader))
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		scope, _ := c.Locals("account_id").(string)
		if scope == "" {
			scope = "anonymous"
		}
		cacheKey := idempotencyPrefix + scope + ":" + key
		fp := fingerprint(c)

		ctx, cancel := context.WithTimeout(c.UserContext(), idempotencyTimeout)
		defer cancel()

		prior, found, err := store.lookup(ctx, cacheKey)
		if err != nil {
			logger.Error("idempotency lookup failed", slog.String("key", key), slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
		}
		if found {
			return prior.respond(c, fp)
		}

		reserved, err := cache.SetNX(ctx, cacheKey, inProgressMarker, ttl).Result()
		if err != nil {
			logger.Error("idempotency reservation failed", slog.String("key", key), slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency reservation failure")
		}
		if !reserved {
			return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
		}

		if err := c.Next(); err != nil {
			store.release(cacheKey)
			return err
		}
		if err := store.save(cacheKey, capture(c, fp)); err != nil {
			logger.Error("idempotent response not stored", slog.String("key", key), slog.Any("error", err))
			store.release(cacheKey)
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency persistence failure")
		}
		return nil
	}
}

// lookup returns the stored replay for key. A request still in flight is
// reported as a replay with a zero status.
func (s *idempotencyStore) lookup(ctx context.Context, key string) (replay, bool, error) {
	raw, err := s.cache.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return replay{}, false, nil
	}
	if err != nil {
		return replay{}, false, err
	}
	if raw == inProgressMarker {
		return replay{}, true, nil
	}
	var r replay
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		s.logger.Warn("stored idempotent response unreadable", slog.String("cache_key", key), slog.Any("error", err))
		return replay{}, true, nil
	}
	return r, true, nil
}

func (s *idempotencyStore) save(key string, r replay) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyTimeout)
	defer cancel()
	return s.cache.Set(ctx, key, payload, s.ttl).Err()
}

// release drops a reservation so the client may retry.
func (s *idempotencyStore) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyTimeout)
	defer cancel()
	if err := s.cache.Del(ctx, key).Err(); err != nil {
		s.logger.Warn("idempotency reservation not released", slog.String("cache_key", key), slog.Any("error", err))
	}
}

func (r replay) respond(c *fiber.Ctx, fp string) error {
	switch {
	case r.Status == 0 && r.Fingerprint == "":
		return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
	case r.Fingerprint != fp:
		return fiber.NewError(fiber.StatusUnprocessableEntity, "Idempotency-Key already used for a different request")
	}
	for header, value := range r.Headers {
		if strings.EqualFold(header, fiber.HeaderContentLength) {
			continue
		}
		c.Set(header, value)
	}
	return c.Status(r.Status).SendString(r.Body)
}

func capture(c *fiber.Ctx, fp string) replay {
	r := replay{
		Fingerprint: fp,
		Status:      c.Response().StatusCode(),
		Body:        string(c.Response().Body()),
		Headers:     map[string]string{},
	}
	c.Response().Header.VisitAll(func(k, v []byte) {
		r.Headers[string(k)] = string(v)
	})
	return r
}

func fingerprint(c *fiber.Ctx) string {
	h := sha256.New()
	h.Write([]byte(c.Method()))
	h.Write([]byte{0})
	h.Write([]byte(c.OriginalURL()))
	h.Write([]byte{0})
	h.Write(c.Body())
	return hex.EncodeToString(h.Sum(nil))
}
