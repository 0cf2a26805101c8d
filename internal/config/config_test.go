package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("OWNER_PASSWORD_HASH", "")
	t.Setenv("STAFF_PASSWORD_HASH", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.OwnerPasswordHash != "" || cfg.StaffPasswordHash != "" {
		t.Fatalf("expected no default password hashes")
	}
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("CACHE_TTL_SECONDS", "soon")
	t.Setenv("LOCK_ATTEMPTS", "0")
	t.Setenv("LOCK_WAIT_MS", "150")
	t.Setenv("STORE_DRIVER", "SQLite")

	cfg := Load()
	if cfg.CacheTTL != 30*time.Second {
		t.Fatalf("expected default cache ttl, got %s", cfg.CacheTTL)
	}
	if cfg.LockAttempts != 5 {
		t.Fatalf("expected default lock attempts, got %d", cfg.LockAttempts)
	}
	if cfg.LockWait != 150*time.Millisecond {
		t.Fatalf("expected lock wait 150ms, got %s", cfg.LockWait)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Fatalf("expected normalized store driver, got %q", cfg.StoreDriver)
	}
}

func TestDefaultLockTTLOutlastsLotLoads(t *testing.T) {
	t.Setenv("LOCK_TTL_SECONDS", "")
	t.Setenv("CACHE_LOAD_TIMEOUT_SECONDS", "")
	t.Setenv("CACHE_LOAD_ATTEMPTS", "")

	cfg := Load()
	if cfg.LotLoadBudget() != 30*time.Second {
		t.Fatalf("expected a 30s lot load budget, got %s", cfg.LotLoadBudget())
	}
	if cfg.LockTTL <= cfg.LotLoadBudget()+time.Second {
		t.Fatalf("default lock ttl %s does not outlast a lot load", cfg.LockTTL)
	}
}
