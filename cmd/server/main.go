package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"enxero/internal/api"
	"enxero/internal/config"
	"enxero/internal/db"
	"enxero/internal/ephemeral"
	"enxero/internal/guard"
	"enxero/internal/identifier"
	"enxero/internal/notify"
	"enxero/internal/service"
	"enxero/internal/store"
	"enxero/internal/token"
	"enxero/internal/util"
	"enxero/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("starting %s env=%s db_driver=%s", version.Current(), cfg.AppEnv, cfg.DBDriver)

	sqdb, err := db.Open(cfg.DBDriver, cfg.DBDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer sqdb.Close()
	if err := db.ApplyMigrationFile(sqdb, cfg.MigrationFile()); err != nil {
		log.Fatalf("migration: %v", err)
	}
	st := store.New(sqdb, cfg.DBDriver)

	var eph ephemeral.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		eph = ephemeral.NewRedisStore(rdb, cfg.RedisPrefix, nil)
		log.Printf("session store=redis addr=%s", cfg.RedisAddr)
	} else {
		eph = ephemeral.NewSQLStore(st, nil)
		log.Printf("session store=sql driver=%s", cfg.DBDriver)
	}

	issuer, err := token.NewIssuer(token.Config{
		Secret:     []byte(cfg.JWTSecret),
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
		SessionTTL: cfg.SessionTTL,
	}, st)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}
	box, err := util.NewSecretBox(cfg.TOTPEncryptKey)
	if err != nil {
		log.Fatalf("totp secret box: %v", err)
	}
	sender := notify.NewSender(cfg)
	if !sender.Configured() {
		log.Printf("notify sender=log; email OTP login is disabled")
	}

	svc := service.New(cfg, service.Deps{
		Store:     st,
		Ephemeral: eph,
		Guard: guard.New(st, guard.Config{
			Threshold: cfg.LockoutThreshold,
			Window:    cfg.LockoutWindow,
			Duration:  cfg.LockoutDuration,
			Retention: cfg.FailedAttemptRetention,
		}),
		Tokens: issuer,
		Notify: notify.NewDispatcher(sender, cfg.NotifyTimeout),
		IDs:    identifier.New(nil),
		Box:    box,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go svc.RunSweeper(ctx, cfg.SweepInterval)

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(cfg, svc, issuer),
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		errCh <- hsrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	case <-ctx.Done():
		log.Printf("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := hsrv.Shutdown(sctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}
