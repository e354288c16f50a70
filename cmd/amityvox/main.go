// Package main is the CLI entrypoint for AmityVox. It provides subcommands
// for running the server (serve), managing database migrations (migrate),
// administering user accounts (admin), and printing version information
// (version). The serve command loads configuration, connects to PostgreSQL,
// NATS, and the presence cache, runs pending migrations, starts the HTTP API
// server and the WebSocket gateway, and handles graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexedwards/argon2id"

	"github.com/amityvox/amityvox/internal/api"
	"github.com/amityvox/amityvox/internal/auth"
	"github.com/amityvox/amityvox/internal/config"
	"github.com/amityvox/amityvox/internal/database"
	"github.com/amityvox/amityvox/internal/events"
	"github.com/amityvox/amityvox/internal/gateway"
	"github.com/amityvox/amityvox/internal/presence"
	"github.com/amityvox/amityvox/internal/snowflake"
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
	case "admin":
		if err := runAdmin(); err != nil {
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

// printUsage prints the CLI usage information.
func printUsage() {
	fmt.Println("AmityVox — Real-Time Gateway Core")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  amityvox <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the AmityVox server")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  admin     Manage user accounts")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  amityvox.toml (or set AMITYVOX_CONFIG_PATH)")
	fmt.Println("  Env prefix:   AMITYVOX_ (e.g. AMITYVOX_DATABASE_URL)")
}

// runServe starts the full AmityVox server: loads config, connects to all
// services (PostgreSQL, NATS, presence cache), runs migrations, creates the
// auth service, and starts the HTTP API server and the WebSocket gateway on
// their own listeners, shutting both down gracefully on SIGINT/SIGTERM.
func runServe() error {
	logger := setupLogger("info", "json")

	logger.Info("starting AmityVox",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Reconfigure logger with loaded settings.
	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	bus, err := events.New(cfg.Bus.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to event bus: %w", err)
	}
	defer bus.Close()

	cache, err := presence.New(cfg.Cache.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to cache: %w", err)
	}
	defer cache.Close()

	nodes, err := snowflake.NewNode(cfg.Snowflake.WorkerID)
	if err != nil {
		return fmt.Errorf("creating snowflake node: %w", err)
	}

	accessTokenTTL, err := cfg.Auth.AccessTokenTTLParsed()
	if err != nil {
		return fmt.Errorf("parsing access token ttl: %w", err)
	}

	authSvc := auth.NewService(auth.Config{
		Pool:                db.Pool,
		Cache:               cache,
		Nodes:               nodes,
		JWTSecret:           cfg.Auth.JWTSecret,
		AccessTokenTTL:      accessTokenTTL,
		RegistrationEnabled: cfg.Auth.RegistrationEnabled,
		Logger:              logger,
	})

	srv := api.NewServer(db, cfg, authSvc, bus, cache, nodes, logger)
	srv.Version = version

	gwCfg, err := gatewayConfig(cfg)
	if err != nil {
		return fmt.Errorf("parsing gateway config: %w", err)
	}
	registry := presence.NewRegistry(cache)
	store := gateway.NewPostgresStore(db.Pool)
	engine := gateway.NewEngine(gwCfg, registry, cache, bus, authSvc, store, logger)

	gwServer := &http.Server{
		Addr:         cfg.Gateway.Listen,
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived WebSocket connections
		IdleTimeout:  60 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go func() {
		logger.Info("gateway starting", slog.String("listen", cfg.Gateway.Listen))
		if err := gwServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := gwServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", slog.String("error", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("AmityVox stopped")
	return nil
}

// gatewayConfig builds a gateway.Config from the loaded TOML settings,
// parsing the duration fields config.GatewayConfig stores as strings.
func gatewayConfig(cfg *config.Config) (gateway.Config, error) {
	g := gateway.DefaultConfig()
	g.WriteQueueSize = cfg.Gateway.WriteQueueSize
	g.IdentifyPerIP = cfg.Gateway.IdentifyPerIP
	g.PresencePerSession = cfg.Gateway.PresencePerSession
	g.AnyOpPerSession = cfg.Gateway.AnyOpPerSession
	g.ResumeGatewayURL = cfg.Gateway.ResumeGatewayURL

	var err error
	if g.HeartbeatInterval, err = cfg.Gateway.HeartbeatIntervalParsed(); err != nil {
		return g, err
	}
	if g.IdentifyTimeout, err = cfg.Gateway.IdentifyTimeoutParsed(); err != nil {
		return g, err
	}
	if g.IdentifyWindow, err = cfg.Gateway.IdentifyWindowParsed(); err != nil {
		return g, err
	}
	if g.PresenceWindow, err = cfg.Gateway.PresenceWindowParsed(); err != nil {
		return g, err
	}
	if g.AnyOpWindow, err = cfg.Gateway.AnyOpWindowParsed(); err != nil {
		return g, err
	}
	return g, nil
}

// runMigrate handles the migrate subcommand with up/down/status operations.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

// runAdmin handles admin subcommands for user account management.
func runAdmin() error {
	if len(os.Args) < 3 {
		fmt.Println("Usage: amityvox admin <action>")
		fmt.Println()
		fmt.Println("Actions:")
		fmt.Println("  create-user  Create a new user account")
		fmt.Println("  list-users   List all user accounts")
		return nil
	}

	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()
	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	nodes, err := snowflake.NewNode(cfg.Snowflake.WorkerID)
	if err != nil {
		return fmt.Errorf("creating snowflake node: %w", err)
	}

	switch os.Args[2] {
	case "create-user":
		if len(os.Args) < 5 {
			return fmt.Errorf("usage: amityvox admin create-user <username> <password>")
		}
		username, password := os.Args[3], os.Args[4]

		hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}

		userID := nodes.Generate()
		_, err = db.Pool.Exec(ctx,
			`INSERT INTO users (id, username, discriminator, password_hash, created_at) VALUES ($1, $2, $3, $4, $5)`,
			userID, username, "0001", hash, userID.Time())
		if err != nil {
			return fmt.Errorf("creating user: %w", err)
		}
		fmt.Printf("Created user %s (ID: %s)\n", username, userID.String())

	case "list-users":
		rows, err := db.Pool.Query(ctx,
			`SELECT id, username, discriminator, display_name, email, created_at FROM users ORDER BY created_at`)
		if err != nil {
			return fmt.Errorf("listing users: %w", err)
		}
		defer rows.Close()

		fmt.Printf("%-22s %-20s %-6s %-20s %-30s %s\n", "ID", "Username", "Disc", "DisplayName", "Email", "Created")
		fmt.Println(strings.Repeat("-", 120))
		for rows.Next() {
			var id snowflake.ID
			var username, discriminator string
			var displayName, email *string
			var createdAt time.Time
			if err := rows.Scan(&id, &username, &discriminator, &displayName, &email, &createdAt); err != nil {
				return fmt.Errorf("scanning user: %w", err)
			}
			dn, em := "", ""
			if displayName != nil {
				dn = *displayName
			}
			if email != nil {
				em = *email
			}
			fmt.Printf("%-22s %-20s %-6s %-20s %-30s %s\n", id.String(), username, discriminator, dn, em, createdAt.Format(time.RFC3339))
		}

	default:
		return fmt.Errorf("unknown admin action: %s", os.Args[2])
	}

	return nil
}

// runVersion prints version information and exits.
func runVersion() {
	fmt.Printf("AmityVox %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from AMITYVOX_CONFIG_PATH env var
// or the default "amityvox.toml".
func configPath() string {
	if p := os.Getenv("AMITYVOX_CONFIG_PATH"); p != "" {
		return p
	}
	return "amityvox.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
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

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
