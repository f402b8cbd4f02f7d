package infra

import (
	"context"
	"strings"
	"testing"

	"github.com/congo-pay/coin_custody/internal/config"
)

func TestSchemaDefinesTables(t *testing.T) {
	for _, table := range []string{"accounts", "wallets", "transactions"} {
		if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("schema does not create %s", table)
		}
	}
}

func TestConstructorsRequireURL(t *testing.T) {
	ctx := context.Background()
	if _, err := NewPostgresPool(ctx, config.Config{}); err == nil {
		t.Fatalf("expected empty database url to fail")
	}
	if _, err := NewRedisClient(ctx, config.Config{}); err == nil {
		t.Fatalf("expected empty redis url to fail")
	}
	if _, err := NewRedisClient(ctx, config.Config{RedisURL: "memcached://nowhere"}); err == nil {
		t.Fatalf("expected a non-redis scheme to fail")
	}
}
