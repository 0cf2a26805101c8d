package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"restocost/backend/internal/config"
	"restocost/backend/internal/logging"
	"restocost/backend/internal/store"
	"restocost/backend/internal/store/memory"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testHash   = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", OwnerPasswordHash: testHash, AllowedOrigin: "http://localhost:3000"})
	if err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
	err = validateSecurityConfig(config.Config{AuthSecret: testSecret, OwnerPasswordHash: "owner123", AllowedOrigin: "http://localhost:3000"})
	if err == nil {
		t.Fatalf("expected plain-text owner password to be rejected")
	}
	err = validateSecurityConfig(config.Config{AuthSecret: testSecret, OwnerPasswordHash: testHash, AllowedOrigin: "*"})
	if err == nil {
		t.Fatalf("expected wildcard origin to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: testSecret, OwnerPasswordHash: testHash, AllowedOrigin: "http://localhost:3000"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateBackendConfig(t *testing.T) {
	if err := validateBackendConfig(config.Config{StoreDriver: "postgres", LockProvider: "memory"}); err == nil {
		t.Fatalf("expected postgres without DATABASE_URL to be rejected")
	}
	if err := validateBackendConfig(config.Config{StoreDriver: "memory", LockProvider: "redis"}); err == nil {
		t.Fatalf("expected redis locks without REDIS_ADDR to be rejected")
	}
	short := config.Config{
		StoreDriver:       "memory",
		LockProvider:      "redis",
		RedisAddr:         "127.0.0.1:6379",
		LockTTL:           30 * time.Second,
		CacheLoadTimeout:  10 * time.Second,
		CacheLoadAttempts: 3,
	}
	if err := validateBackendConfig(short); err == nil {
		t.Fatalf("expected a lock ttl within the lot load budget to be rejected")
	}
	short.LockTTL = time.Minute
	if err := validateBackendConfig(short); err != nil {
		t.Fatalf("expected a lock ttl above the lot load budget to pass, got %v", err)
	}
	if err := validateBackendConfig(config.Config{StoreDriver: "mongo", LockProvider: "memory"}); err == nil {
		t.Fatalf("expected unknown driver to be rejected")
	}
	if err := validateBackendConfig(config.Config{StoreDriver: "sqlite", LockProvider: "memory"}); err != nil {
		t.Fatalf("expected sqlite config to pass, got %v", err)
	}
}

func TestOpenGateway(t *testing.T) {
	ctx := context.Background()

	gw, closeFn, err := openGateway(ctx, config.Config{StoreDriver: "memory"}, logging.Discard())
	if err != nil || closeFn != nil {
		t.Fatalf("memory gateway: %v", err)
	}
	if _, ok := gw.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", gw)
	}

	gw, closeFn, err = openGateway(ctx, config.Config{StoreDriver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "restocost.db")}, logging.Discard())
	if err != nil {
		t.Fatalf("sqlite gateway: %v", err)
	}
	defer closeFn()
	rows, err := gw.ReadTable(ctx, store.TableLots)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected empty lots table, got %d rows, err %v", len(rows), err)
	}
}
