// driftboard-federation is the ActivityPub federation core of a driftboard
// instance: it serves actor documents and inboxes, signs and verifies
// federation traffic, and runs the durable outbound delivery queue.
//
// Usage:
//
//	export BASE_URL=https://boards.example.com
//	export MASTER_SECRET=<long random string>
//	export DATABASE_URL=driftboard.db
//	./driftboard-federation
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/driftboard/driftboard/internal/ap"
	"github.com/driftboard/driftboard/internal/config"
	"github.com/driftboard/driftboard/internal/db"
	"github.com/driftboard/driftboard/internal/delivery"
	"github.com/driftboard/driftboard/internal/federation"
	"github.com/driftboard/driftboard/internal/keys"
	"github.com/driftboard/driftboard/internal/policy"
	"github.com/driftboard/driftboard/internal/safehttp"
	"github.com/driftboard/driftboard/internal/server"
)

func main() {
	// Structured JSON logging; level from LOG_LEVEL.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting driftboard federation core", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded",
		"base_url", cfg.BaseURL,
		"database", cfg.DatabaseURL,
		"federation_enabled", cfg.FederationEnabled,
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Keys ─────────────────────────────────────────────────────────────────
	vault := keys.NewVault(cfg.MasterSecret)
	keyStore := keys.NewStore(store, vault, cfg.BaseURL)
	if _, err := keyStore.EnsureSiteKeypair(); err != nil {
		slog.Error("failed to prepare site keypair", "error", err)
		os.Exit(1)
	}

	// ─── Outbound HTTP ────────────────────────────────────────────────────────
	client := safehttp.New(safehttp.Options{
		ConnectTimeout: cfg.HTTPConnectTimeout,
		ReceiveTimeout: cfg.HTTPReceiveTimeout,
		MaxBodySize:    cfg.MaxPayloadSize,
		UserAgent:      "driftboard/1.0 (+" + cfg.BaseURL + ")",
		AllowPrivate:   cfg.DevAllowPrivate,
	})

	// ─── Federation core ──────────────────────────────────────────────────────
	sanitizer := ap.NewSanitizer()
	validator := ap.NewValidator(cfg.MaxPayloadSize, int(cfg.MaxContentSize))
	resolver := ap.NewResolver(store, client, keyStore, sanitizer,
		cfg.BaseURL, cfg.SiteActorURI(), cfg.ActorCacheTTL)
	verifier := ap.NewVerifier(resolver.ResolveKey, cfg.SignatureMaxAge)
	signer := ap.NewSigner(keyStore)

	domains := policy.NewDomains(store)
	queue := delivery.NewQueue(store, domains, cfg)
	publisher := ap.NewPublisher(cfg, queue)
	worker := delivery.NewWorker(store, queue, client, signer, cfg)
	cleaner := ap.NewStaleCleaner(store, resolver, cfg)
	tasks := federation.NewTaskPool(cfg.DeliveryMaxConcurrency)
	supervisor := federation.NewSupervisor(cfg, worker, cleaner, domains, tasks)

	inbox := ap.NewHandler(store, cfg, validator, sanitizer, resolver,
		domains, publisher, tasks)

	// ─── HTTP server ──────────────────────────────────────────────────────────
	srv := server.New(cfg, store, keyStore, verifier, inbox)
	srv.SetRotator(&server.Rotator{
		Keys:      keyStore,
		Publisher: publisher,
		Actors:    server.NewActorDocs(cfg, store, keyStore),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor.Start(ctx)
	srv.Start(ctx)

	// The HTTP server has returned; drain the workers before exiting.
	supervisor.Stop()
	slog.Info("driftboard federation core stopped")
}
