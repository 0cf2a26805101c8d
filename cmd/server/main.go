package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"restocost/backend/internal/cache"
	"restocost/backend/internal/catalog"
	"restocost/backend/internal/config"
	"restocost/backend/internal/costing"
	"restocost/backend/internal/httpapi"
	"restocost/backend/internal/ledger"
	"restocost/backend/internal/lock"
	"restocost/backend/internal/logging"
	"restocost/backend/internal/service"
	"restocost/backend/internal/store"
	"restocost/backend/internal/store/memory"
	pgstore "restocost/backend/internal/store/postgres"
	sqlitestore "restocost/backend/internal/store/sqlite"
)

func main() {
	if len(os.Args) == 3 && os.Args[1] == "hash-password" {
		hash, err := httpapi.HashPassword(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	if err := validateBackendConfig(cfg); err != nil {
		log.Fatalf("invalid backend configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 3)

	gw, closeStore, err := openGateway(ctx, cfg, log)
	if err != nil {
		log.Fatalf("store unavailable: %v", err)
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			if cfg.LockProvider == "redis" {
				log.Fatalf("redis unavailable (%v) and LOCK_PROVIDER=redis; refusing to start with process-local locks", err)
			}
			log.WithError(err).Warn("redis unavailable, cache invalidations stay local")
		} else {
			rdb = client
			closers = append(closers, client.Close)
		}
	}

	var bus cache.Bus = cache.NoopBus{}
	if rdb != nil {
		bus = cache.NewRedisBus(rdb, cache.DefaultChannel, log)
		log.Info("cache invalidation bus: redis")
	}
	c := cache.New(cache.Options{
		TTL:          cfg.CacheTTL,
		LoadAttempts: cfg.CacheLoadAttempts,
		LoadTimeout:  cfg.CacheLoadTimeout,
		Bus:          bus,
		Logger:       log,
		Permanent:    catalog.IsPermanent,
	})
	if err := c.Listen(context.Background()); err != nil {
		log.WithError(err).Warn("cache invalidation listener not started")
	}

	var provider lock.Provider = lock.NewMemory()
	if cfg.LockProvider == "redis" {
		provider = lock.NewRedis(rdb)
	}
	log.WithField("provider", cfg.LockProvider).Info("ingredient locks ready")
	locks := lock.NewAcquirer(provider, lock.Options{
		TTL:      cfg.LockTTL,
		Wait:     cfg.LockWait,
		Attempts: cfg.LockAttempts,
		Logger:   log,
	})

	reader := catalog.NewReader(gw, c, cfg.CacheTTL)
	led := ledger.New(gw, reader, c, locks, ledger.Options{Logger: log})
	engine := costing.New(gw, reader, led, costing.Options{Logger: log})
	svc := service.New(led, engine, reader, c, log)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.OwnerPasswordHash, cfg.StaffPasswordHash)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infof("restocost backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
	if err := c.Shutdown(); err != nil {
		log.WithError(err).Error("cache shutdown error")
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.WithError(err).Error("close error")
		}
	}

	log.Info("server stopped")
}

func openGateway(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (store.Gateway, func() error, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		log.Info("store: postgres")
		return pg, pg.Close, nil
	case "sqlite":
		lite, err := sqlitestore.New(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite %s: %w", cfg.SQLitePath, err)
		}
		log.WithField("path", cfg.SQLitePath).Info("store: sqlite")
		return lite, lite.Close, nil
	default:
		log.Info("store: in-memory demo kitchen")
		return memory.NewSeeded(), nil, nil
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if !isBcrypt(cfg.OwnerPasswordHash) {
		return fmt.Errorf("OWNER_PASSWORD_HASH must be a bcrypt hash (see `server hash-password`)")
	}
	if cfg.StaffPasswordHash != "" && !isBcrypt(cfg.StaffPasswordHash) {
		return fmt.Errorf("STAFF_PASSWORD_HASH must be a bcrypt hash when set")
	}
	if cfg.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must name an origin, not *")
	}
	return nil
}

func validateBackendConfig(cfg config.Config) error {
	switch cfg.StoreDriver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("STORE_DRIVER=postgres needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	switch cfg.LockProvider {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			return fmt.Errorf("LOCK_PROVIDER=redis needs REDIS_ADDR")
		}
		// A lease shorter than one lot load expires while the ledger is still reading.
		if cfg.LockTTL <= cfg.LotLoadBudget()+time.Second {
			return fmt.Errorf("LOCK_TTL_SECONDS (%s) must exceed CACHE_LOAD_TIMEOUT_SECONDS x CACHE_LOAD_ATTEMPTS (%s) plus 1s",
				cfg.LockTTL, cfg.LotLoadBudget())
		}
	default:
		return fmt.Errorf("unknown LOCK_PROVIDER %q", cfg.LockProvider)
	}
	return nil
}

func isBcrypt(value string) bool {
	return len(value) == 60 && value[0] == '$' && value[1] == '2'
}
