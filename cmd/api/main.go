package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"identra.org/internal/httpapi"
	"identra.org/internal/identity"
	"identra.org/internal/obs"
	"identra.org/internal/vault"
	vaultpg "identra.org/internal/vault/pg"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("IDENTRA_COMMIT"))

	// Postgres when a DSN is configured, in-memory otherwise. The in-memory
	// store is for local development only: state dies with the process.
	var store vault.Store = vault.NewInMemory()
	var pgStore *vaultpg.Store
	if dsn := os.Getenv("IDENTRA_PG_DSN"); dsn != "" {
		var err error
		pgStore, err = vaultpg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
	} else {
		log.Println("IDENTRA_PG_DSN not set, using in-memory store")
	}

	opts := []identity.Option{
		identity.WithIssuer(os.Getenv("IDENTRA_ISSUER")),
		identity.WithDefaultTenant(os.Getenv("IDENTRA_DEFAULT_TENANT")),
	}
	if secret := os.Getenv("IDENTRA_JWT_SECRET"); secret != "" {
		opts = append(opts, identity.WithJWTSecret([]byte(secret)))
	}
	svc := identity.NewService(store, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := svc.EnsureBootstrap(ctx,
		os.Getenv("IDENTRA_ADMIN_USER"),
		os.Getenv("IDENTRA_ADMIN_PASSWORD"),
	); err != nil {
		cancel()
		log.Fatalf("bootstrap: %v", err)
	}
	cancel()

	probe := httpapi.ReadyProbe{}
	if pgStore != nil {
		probe.DB = pgStore.DB()
	}
	api := httpapi.New(svc, probe, version)

	handler := httpapi.RequestID(
		httpapi.Logging(
			httpapi.SecurityHeaders(
				httpapi.CORS(
					httpapi.MaxBodyBytes(
						httpapi.RateLimit(api.Handler(), 50, 25),
						1<<20)))))

	addr := os.Getenv("IDENTRA_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting identra-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
