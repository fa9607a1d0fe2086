// Package main is the CLI entrypoint for firma-sign. It provides subcommands
// for running the server (serve), managing database migrations (migrate),
// and printing version information (version). The serve command loads
// configuration, opens the SQLite database, connects to NATS and the
// presence cache, initializes the transport registry, runs pending
// migrations, starts the HTTP API server and WebSocket gateway, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meilisearch/meilisearch-go"

	"github.com/FirmaChain/firma-sign-sub001/internal/api"
	"github.com/FirmaChain/firma-sign-sub001/internal/auth"
	"github.com/FirmaChain/firma-sign-sub001/internal/blobstore"
	"github.com/FirmaChain/firma-sign-sub001/internal/config"
	"github.com/FirmaChain/firma-sign-sub001/internal/database"
	"github.com/FirmaChain/firma-sign-sub001/internal/documents"
	"github.com/FirmaChain/firma-sign-sub001/internal/events"
	"github.com/FirmaChain/firma-sign-sub001/internal/gateway"
	"github.com/FirmaChain/firma-sign-sub001/internal/groups"
	"github.com/FirmaChain/firma-sign-sub001/internal/messages"
	"github.com/FirmaChain/firma-sign-sub001/internal/peers"
	"github.com/FirmaChain/firma-sign-sub001/internal/presence"
	"github.com/FirmaChain/firma-sign-sub001/internal/transfers"
	"github.com/FirmaChain/firma-sign-sub001/internal/transport"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("firma-sign — peer-to-peer document signing server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  firma-sign <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the firma-sign server")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Env vars:     STORAGE_PATH, DB_PATH, JWT_SECRET, PORT, LOG_LEVEL, LOG_DIR, NODE_ENV")
	fmt.Println("  Transports:   FIRMA_TRANSPORTS_CONFIG points at a TOML file (smtp/discord/telegram/p2p/cache/search/s3_mirror)")
}

// runServe starts the full firma-sign server: loads config, opens the
// SQLite database, connects to NATS and the presence cache, wires every
// transport and domain service, runs migrations, starts the HTTP API server
// and WebSocket gateway, and handles graceful shutdown on SIGINT/SIGTERM.
func runServe() error {
	logger := setupLogger("info")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level)
	logger.Info("starting firma-sign",
		slog.String("version", version),
		slog.String("commit", commit),
		slog.String("env", cfg.Env),
	)

	ctx := context.Background()

	db, err := database.New(ctx, cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(ctx, db.Conn, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied", slog.String("path", cfg.Database.Path))

	blobs, err := blobstore.New(cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}
	if cfg.Transports.S3Mirror.Endpoint != "" {
		if err := blobs.EnableMirror(blobstore.MirrorConfig{
			Endpoint:  cfg.Transports.S3Mirror.Endpoint,
			Bucket:    cfg.Transports.S3Mirror.Bucket,
			AccessKey: cfg.Transports.S3Mirror.AccessKey,
			SecretKey: cfg.Transports.S3Mirror.SecretKey,
			UseSSL:    cfg.Transports.S3Mirror.UseSSL,
		}); err != nil {
			logger.Warn("S3 mirror unavailable, blobs stored locally only", slog.String("error", err.Error()))
		} else {
			logger.Info("S3 mirror enabled", slog.String("endpoint", cfg.Transports.S3Mirror.Endpoint))
		}
	}

	bus, err := events.New(os.Getenv("NATS_URL"), logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer bus.Close()

	cache, err := presence.New(cfg.Transports.Cache.URL, "", 0)
	if err != nil {
		return fmt.Errorf("connecting to presence cache: %w", err)
	}
	defer cache.Close()

	authSvc := auth.NewService(cfg.Auth.JWTSecret)

	var searchClient meilisearch.ServiceManager
	if cfg.Transports.Search.URL != "" {
		searchClient = meilisearch.New(cfg.Transports.Search.URL, meilisearch.WithAPIKey(cfg.Transports.Search.APIKey))
		logger.Info("document search backed by meilisearch", slog.String("url", cfg.Transports.Search.URL))
	}

	registry := transport.NewRegistry()
	webTransport := transport.NewWebTransport()
	registry.Register(webTransport)
	registry.Register(transport.NewEmailTransport())
	registry.Register(transport.NewDiscordTransport())
	registry.Register(transport.NewTelegramTransport(logger))
	registry.Register(transport.NewP2PTransport(logger))

	transportConfigs, err := buildTransportConfigs(cfg)
	if err != nil {
		return fmt.Errorf("marshaling transport configs: %w", err)
	}
	registry.InitializeAll(ctx, transportConfigs)
	for _, st := range registry.Statuses() {
		if st.State == "error" {
			logger.Warn("transport unavailable", slog.String("transport", st.Name), slog.String("error", st.Error))
		} else {
			logger.Info("transport ready", slog.String("transport", st.Name), slog.String("status", st.State))
		}
	}

	docSvc := documents.New(db.Conn, blobs, bus, logger, searchClient)
	peerSvc := peers.New(db.Conn, registry, cache, bus)
	msgSvc := messages.New(db.Conn, registry, bus, logger)
	groupSvc := groups.New(db.Conn, bus)
	xferSvc := transfers.New(db.Conn, docSvc, registry, bus, logger)

	gw := gateway.New(authSvc, bus, msgSvc, logger)
	if err := gw.Start(); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	webTransport.SetLookup(gw)

	srv := api.NewServer(db, cfg, authSvc, bus, cache, registry, gw, peerSvc, docSvc, msgSvc, groupSvc, xferSvc, version, logger)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("port", cfg.HTTP.Port))
		if err := srv.Start(":" + cfg.HTTP.Port); err != nil {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gw.Shutdown(shutdownCtx)

	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Error("transport shutdown error", slog.String("error", err.Error()))
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("firma-sign stopped")
	return nil
}

// buildTransportConfigs marshals each configured transport's settings into
// the json.RawMessage map Registry.InitializeAll expects, keyed by transport
// name. A transport with no configuration still gets initialized with a nil
// payload; transports decide for themselves whether that means "disabled."
func buildTransportConfigs(cfg *config.Config) (map[string]json.RawMessage, error) {
	configs := make(map[string]json.RawMessage)

	marshal := func(name string, v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshaling %s config: %w", name, err)
		}
		configs[name] = data
		return nil
	}

	if err := marshal(transport.NameWeb, struct{}{}); err != nil {
		return nil, err
	}
	if err := marshal(transport.NameEmail, cfg.Transports.SMTP); err != nil {
		return nil, err
	}
	if err := marshal(transport.NameDiscord, cfg.Transports.Discord); err != nil {
		return nil, err
	}
	if err := marshal(transport.NameTelegram, cfg.Transports.Telegram); err != nil {
		return nil, err
	}
	if err := marshal(transport.NameP2P, cfg.Transports.P2P); err != nil {
		return nil, err
	}
	return configs, nil
}

// runMigrate applies or inspects database migrations without starting the
// server. The subcommand defaults to "up".
func runMigrate() error {
	logger := setupLogger("info")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()
	db, err := database.New(ctx, cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(ctx, db.Conn, logger)
	case "down":
		return database.MigrateDown(ctx, db.Conn, logger)
	case "status":
		v, err := database.MigrateStatus(ctx, db.Conn)
		if err != nil {
			return err
		}
		fmt.Printf("current migration version: %d\n", v)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (want up, down, or status)", action)
	}
}

func runVersion() {
	fmt.Printf("firma-sign %s\n", version)
	fmt.Printf("  commit:  %s\n", commit)
	fmt.Printf("  built:   %s\n", buildDate)
}

// setupLogger creates a JSON slog.Logger at the given level.
func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
