package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"intake-bridge/internal/config"
	"intake-bridge/internal/core"
	"intake-bridge/internal/db"
	httpserver "intake-bridge/internal/http"
	"intake-bridge/internal/llm"
	"intake-bridge/internal/metrics"
	"intake-bridge/internal/realtime"
	"intake-bridge/internal/session"
)

func main() {
	var skipMigrate bool
	rootCmd := &cobra.Command{
		Use:           "intake-bridge",
		Short:         "Bridges telephone calls to a realtime speech model for patient intake",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), skipMigrate)
		},
	}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP front door and media-stream bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), skipMigrate)
		},
	}
	serveCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply the schema on start")
	rootCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply the schema on start")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	}
	checkScriptCmd := &cobra.Command{
		Use:   "check-script [path]",
		Short: "Validate an intake script file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := core.LoadScript(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "script ok: %d categories\n", len(script.Categories))
			return nil
		},
	}
	rootCmd.AddCommand(serveCmd, migrateCmd, checkScriptCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return conn, nil
}

func runMigrate(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}

func runServe(ctx context.Context, skipMigrate bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	script := core.DefaultScript()
	if cfg.ScriptPath != "" {
		if script, err = core.LoadScript(cfg.ScriptPath); err != nil {
			return err
		}
	}
	closing, err := core.NewClosing(script)
	if err != nil {
		return fmt.Errorf("intake script: %w", err)
	}

	conn, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	if !skipMigrate {
		if err := db.Migrate(ctx, conn); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	notifier := db.NewNotifier(conn, cfg.DatabaseURL, cfg.NotifyChannel)
	notifier.Logger = logger
	repo := db.NewRepository(conn, notifier)
	repo.Logger = logger

	llmClient := llm.NewOpenAIClient(llm.Options{
		APIKey:       cfg.OpenAIAPIKey,
		ChatModel:    cfg.ChatModel,
		SummaryModel: cfg.SummaryModel,
		BaseURL:      cfg.OpenAIBaseURL,
	})
	m := metrics.New("intake")

	dialCfg := realtime.DialConfig{
		URL:              cfg.RealtimeURL,
		Model:            cfg.RealtimeModel,
		APIKey:           cfg.OpenAIAPIKey,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WSWriteTimeout,
	}
	calls := session.Dependencies{
		Store:      repo,
		Extractor:  core.NewExtractor(llmClient),
		Summarizer: core.NewSummarizer(llmClient),
		Dial: func(ctx context.Context) (session.ModelLeg, error) {
			leg, err := realtime.Dial(ctx, dialCfg)
			if err != nil {
				return nil, err
			}
			return leg, nil
		},
		Script:  script,
		Closing: closing,
		Metrics: m,
		Logger:  logger,
		Config: session.Config{
			Realtime: realtime.SessionConfig{
				Instructions:      script.Instructions,
				Voice:             cfg.Voice,
				TranscribeModel:   cfg.TranscribeModel,
				VADThreshold:      cfg.VADThreshold,
				PrefixPaddingMS:   int(cfg.VADPrefixPadding / time.Millisecond),
				SilenceDurationMS: int(cfg.VADSilence / time.Millisecond),
			},
			GreetingFallback: cfg.GreetingFallback,
			CloseGrace:       cfg.CloseGrace,
			DialTimeout:      cfg.HandshakeTimeout,
			TaskTimeout:      cfg.TaskTimeout,
		},
	}

	srv := httpserver.NewServer(repo, notifier, calls, m, logger)
	srv.PublicHost = cfg.PublicHost
	srv.WriteTimeout = cfg.WSWriteTimeout

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	// Event streams and bridged calls are long-lived; end them as soon as
	// shutdown starts so Shutdown only waits for ordinary requests.
	httpSrv.RegisterOnShutdown(srv.Stop)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("calls still active at shutdown", "error", err)
	}
	logger.Info("stopped")
	return nil
}
