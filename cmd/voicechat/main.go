package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/alexlistens/voicechat/internal/config"
	"github.com/alexlistens/voicechat/internal/httpapi"
	"github.com/alexlistens/voicechat/internal/identity"
	"github.com/alexlistens/voicechat/internal/observability"
	"github.com/alexlistens/voicechat/internal/store"
	"github.com/alexlistens/voicechat/internal/ultravox"
)

func main() {
	// A missing .env is fine; settings come from the environment then.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	st, err := store.NewStore(ctx, cfg.FirestoreProject, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer st.Close()

	var ident *identity.Service
	if cfg.JWTSecret != "" {
		ident, err = identity.NewService(st, identity.Config{
			Secret:     []byte(cfg.JWTSecret),
			Issuer:     cfg.JWTIssuer,
			TokenTTL:   cfg.TokenTTL,
			BcryptCost: cfg.BcryptCost,
		})
		if err != nil {
			log.Fatalf("identity init failed: %v", err)
		}
	} else {
		log.Printf("JWT_SECRET not set; running without accounts, calls are anonymous")
	}

	creator := ultravox.NewAPIClient(ultravox.APIConfig{
		APIKey:  cfg.UltravoxAPIKey,
		BaseURL: cfg.UltravoxBaseURL,
	})

	api := httpapi.New(cfg, st, ident, creator, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
