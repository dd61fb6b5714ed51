package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"slashy.ai/slashy/internal/api"
	"slashy.ai/slashy/internal/auth"
	"slashy.ai/slashy/internal/composio"
	"slashy.ai/slashy/internal/config"
	"slashy.ai/slashy/internal/core"
	"slashy.ai/slashy/internal/integrations"
	"slashy.ai/slashy/internal/limiter"
	"slashy.ai/slashy/internal/store"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Slashy chat backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		return setupLogging(cfg.LogLevel, cfg.LogFormat)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func main() {
	rootCmd.AddCommand(migrateCmd, connectCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return nil
}

// app holds what every command shares: the store and the connection
// lifecycle on top of the tool provider.
type app struct {
	store       *store.SQLiteStore
	provider    *composio.Client
	connections *core.ConnectionService
	catalog     *integrations.Catalog
}

func newApp(cfg *config.Config) (*app, error) {
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	catalog, err := integrations.Load(cfg.IntegrationsFile)
	if err != nil {
		_ = dbStore.Close()
		return nil, err
	}
	catalog.WithAuthConfigs(config.AuthConfigOverrides(os.Environ()))

	provider := composio.New(composio.Options{
		BaseURL:    cfg.ComposioBaseURL,
		APIKey:     cfg.ComposioAPIKey,
		Timeout:    cfg.VendorTimeout,
		MaxRetries: cfg.ComposioMaxRetries,
	})
	if cfg.ComposioAPIKey == "" {
		log.Warn().Msg("COMPOSIO_API_KEY not set, tools and connections are unavailable")
	}

	return &app{
		store:       dbStore,
		provider:    provider,
		connections: core.NewConnectionService(dbStore, provider),
		catalog:     catalog,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing database")
	}
}

func serve() error {
	if err := cfg.RequireGemini(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	llmService, err := core.NewLLMService(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.VendorTimeout)
	if err != nil {
		return err
	}
	defer llmService.Close()

	opts := []core.ChatOption{core.WithHistoryLimit(cfg.HistoryLimit)}
	if cfg.GenerateTitles {
		opts = append(opts, core.WithTitleGenerator(llmService))
	}
	chatService := core.NewChatService(a.store, a.connections, a.provider, llmService, opts...)

	var limit func(http.Handler) http.Handler
	if cfg.RedisURL != "" {
		rdb, err := limiter.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		limit = limiter.NewManager(rdb, limiter.FixedWindowStrategy{}, cfg.RateLimit, cfg.RateWindow).Middleware
		log.Info().Int("limit", cfg.RateLimit).Dur("window", cfg.RateWindow).Msg("Rate limiting enabled")
	}

	apiHandler := api.NewAPIHandler(api.Deps{
		Chats:       chatService,
		Connections: a.connections,
		Accounts:    a.store,
		Tokens:      auth.NewTokens(cfg.JWTSecret),
		Catalog:     a.catalog,
		AuthMode:    cfg.AuthMode,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      api.NewRouter(apiHandler, limit),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*cfg.VendorTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", serverAddr).Str("auth_mode", string(cfg.AuthMode)).Msg("Starting server. Press Ctrl+C to quit.")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("Server exiting gracefully")
	return nil
}
