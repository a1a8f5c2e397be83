package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sunkingbms/backend-main/internal/audit"
	"github.com/sunkingbms/backend-main/internal/auth"
	"github.com/sunkingbms/backend-main/internal/config"
	"github.com/sunkingbms/backend-main/internal/google"
	"github.com/sunkingbms/backend-main/internal/httpapi"
	"github.com/sunkingbms/backend-main/internal/migrate"
	"github.com/sunkingbms/backend-main/internal/obs"
	"github.com/sunkingbms/backend-main/internal/store/memory"
	"github.com/sunkingbms/backend-main/internal/store/pg"
)

var version = "1.2.0"

func main() {
	obs.Init()
	cfg := config.Load()

	var (
		store auth.Store
		probe httpapi.ReadyProbe
	)
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()

		runner := migrate.NewRunner(pgStore.DB(), "migrations", "seeds")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := runner.Up(ctx); err != nil {
			cancel()
			log.Fatalf("migrate: %v", err)
		}
		if err := runner.Seed(ctx); err != nil {
			cancel()
			log.Fatalf("seed: %v", err)
		}
		cancel()

		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Printf("BMS_PG_DSN not set, using in-memory store")
		store = memory.New()
	}

	guard := auth.NewLockoutGuard(store, cfg.LockoutThreshold, cfg.LockoutWindow, nil)
	tokens, err := auth.NewTokenService(store, cfg.TokenSecret,
		auth.WithIssuer(cfg.TokenIssuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	rbac := auth.NewRBACResolver(store, nil)
	recorder := audit.NewRecorder(store)

	opts := []auth.ServiceOption{
		auth.WithRecorder(recorder),
		auth.WithPasswordPolicy(auth.MinLengthPolicy{Min: cfg.PasswordMinLen}),
	}
	if cfg.GoogleClientID != "" {
		verifier, err := google.NewVerifier(cfg.GoogleClientID, google.WithTimeout(cfg.GoogleTimeout))
		if err != nil {
			log.Fatalf("google verifier: %v", err)
		}
		opts = append(opts, auth.WithFederatedVerifier(verifier))
	}

	svc, err := auth.NewService(store, guard, tokens, rbac, opts...)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	seedCtx, seedCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := rbac.EnsureBuiltins(seedCtx); err != nil {
		seedCancel()
		log.Fatalf("seed permissions: %v", err)
	}
	seedCancel()

	api := httpapi.New(svc, recorder, probe, version)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting sunkingbms-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
