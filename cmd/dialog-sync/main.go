package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/dialog-sync/internal/auth"
	"github.com/alexjbarnes/dialog-sync/internal/config"
	"github.com/alexjbarnes/dialog-sync/internal/logging"
	"github.com/alexjbarnes/dialog-sync/internal/mcpserver"
	"github.com/alexjbarnes/dialog-sync/internal/prefs"
	"github.com/alexjbarnes/dialog-sync/internal/server"
	"github.com/alexjbarnes/dialog-sync/internal/state"
	"github.com/alexjbarnes/dialog-sync/messenger"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-password subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	hash, err := auth.HashPassword(scanner.Text())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("dialog-sync starting",
		slog.String("version", Version),
		slog.Int64("account", cfg.AccountID),
		slog.Bool("sync", cfg.EnableSync),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := openState(cfg)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	store, err := appState.Account(cfg.Account())
	if err != nil {
		return fmt.Errorf("opening account state: %w", err)
	}

	client := messenger.NewClient(nil, cfg.APIURL, cfg.AccountToken)
	bus := messenger.NewBus(logger)

	engine, err := messenger.NewEngine(cfg.EngineConfig(), client, store, bus, logger)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	registry := messenger.NewRegistry()
	if err := registry.Add(cfg.Account(), engine); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	g.Go(func() error {
		if err := engine.ResumePendingTasks(gctx); err != nil {
			logger.Warn("resuming pending tasks", slog.String("error", err.Error()))
		}
		return nil
	})

	if cfg.EnableSync {
		g.Go(func() error {
			return runSync(gctx, cfg, engine, logger)
		})
	}

	if cfg.PreferencesFile != "" {
		watcher := prefs.NewWatcher(cfg.PreferencesFile, engine, logger.With(slog.String("service", "prefs")))
		g.Go(func() error {
			if err := watcher.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watching preferences: %w", err)
			}
			return nil
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, registry, logger)
		})
	}

	return g.Wait()
}

func openState(cfg *config.Config) (*state.State, error) {
	if cfg.StatePath != "" {
		return state.LoadAt(cfg.StatePath)
	}
	return state.Load()
}

// runSync keeps the push stream connected. A fresh account has no
// dialogs cached, so the list is fetched before the first difference.
func runSync(ctx context.Context, cfg *config.Config, engine *messenger.Engine, logger *slog.Logger) error {
	syncLogger := logger.With(slog.String("service", "sync"))

	if len(engine.Snapshot().Folder(messenger.FolderInbox)) == 0 {
		syncLogger.Info("no cached dialogs, fetching dialog list")
		engine.ResetDialogs()
	}

	stream := messenger.NewStream(messenger.StreamConfig{
		URL:   cfg.PushURL,
		Token: cfg.AccountToken,
		Sink:  engine,
		State: func() messenger.State {
			return engine.SyncStatus().State
		},
	}, syncLogger)

	if err := stream.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("update stream: %w", err)
	}

	return nil
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, registry *messenger.Registry, logger *slog.Logger) error {
	users, err := cfg.ParseMCPUsers()
	if err != nil {
		return fmt.Errorf("parsing MCP auth users: %w", err)
	}

	entries, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	keys := make(map[string]string, len(entries))
	for _, e := range entries {
		keys[e.Key] = e.UserID
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "dialog-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, registry, mcpLogger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       auth.NewAPIKeys(keys),
		Users:      users,
		AuthLimits: cfg.AuthLimits(),
		MCPHandler: mcpHandler,
		Registry:   registry,
		Logger:     mcpLogger,
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("users", len(users)),
		slog.Int("api_keys", len(keys)),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
