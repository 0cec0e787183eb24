// Package main is the entrypoint for the dbkeeper server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/api"
	"github.com/dbkeeper/dbkeeper/internal/audit"
	"github.com/dbkeeper/dbkeeper/internal/auth"
	"github.com/dbkeeper/dbkeeper/internal/backup"
	"github.com/dbkeeper/dbkeeper/internal/backup/databases"
	"github.com/dbkeeper/dbkeeper/internal/config"
	"github.com/dbkeeper/dbkeeper/internal/crypto"
	"github.com/dbkeeper/dbkeeper/internal/db"
	"github.com/dbkeeper/dbkeeper/internal/hub"
	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/dbkeeper/dbkeeper/internal/shutdown"
	"github.com/dbkeeper/dbkeeper/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dbkeeper-server",
		Short: "dbkeeper control plane",
		Long: `dbkeeper-server schedules database backups, runs them locally or hands
them to connected agents, and records their history.

Without a subcommand the server starts. Configuration comes from CONFIG_FILE
and environment variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newMigrateCmd(),
		newIssueTokenCmd(),
		newRegisterAgentCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dbkeeper server %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
		},
	}
}

// newLogger builds the process logger: JSON in production, console output
// elsewhere.
func newLogger(cfg config.ServerConfig) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if !cfg.IsProduction() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer() error {
	cfg, err := config.LoadServerConfig()
	logger := newLogger(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger.Info().
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Str("environment", string(cfg.Environment)).
		Msg("starting dbkeeper server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbCfg := db.DefaultConfig(cfg.DatabaseURL)
	dbCfg.MaxConns = int32(cfg.DBMaxConns)
	if dbCfg.MinConns > dbCfg.MaxConns {
		dbCfg.MinConns = dbCfg.MaxConns
	}
	database, err := db.New(ctx, dbCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to run database migrations")
	}

	// Nothing is connected yet; presence left over from a previous process is stale.
	if n, err := database.MarkAllAgentsOffline(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to reset agent presence")
	} else if n > 0 {
		logger.Info().Int64("agents", n).Msg("marked stale agents offline")
	}

	keyManager, err := crypto.NewKeyManagerFromHex(cfg.EncryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize key manager")
	}

	verifier, err := auth.NewTokenVerifier(cfg.JWTSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize token verifier")
	}

	location, _ := cfg.Location()

	recorder := audit.NewRecorder(database, audit.DefaultConfig(), logger)
	recorder.Start()

	storageService := storage.NewService(database, keyManager, cfg.LocalBackupDir, logger)
	storageService.SetAuditRecorder(recorder)

	registry := hub.NewRegistry(logger)

	runner := backup.NewRunner(database, storageService, databases.NewDumper(cfg.DumpBinDir, logger), backup.RunnerConfig{
		AgentRunTimeout: cfg.AgentRunTimeout,
		MaxBaseAge:      cfg.ChainMaxBaseAge,
		Location:        location,
	}, logger)
	runner.SetDispatcher(registry)
	runner.SetAuditRecorder(recorder)

	if rearmed, failed, err := runner.Recover(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to recover interrupted backup runs")
	} else if rearmed+failed > 0 {
		logger.Info().Int("awaiting_agent", rearmed).Int("failed", failed).Msg("recovered interrupted backup runs")
	}

	protocolHandler := hub.NewHandler(registry, database, verifier, hub.DefaultConfig(), logger)
	protocolHandler.SetCompletionSink(runner)
	protocolHandler.SetAuditRecorder(recorder)

	scheduler := backup.NewScheduler(database, runner, backup.SchedulerConfig{Location: location}, logger)

	shutdownManager := shutdown.NewManager(shutdown.Config{
		Timeout:          cfg.ShutdownTimeout,
		ProgressInterval: 5 * time.Second,
	}, runner, logger)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		redisClient = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		logger.Info().Str("addr", opts.Addr).Msg("rate limit counters stored in redis")
	}

	router, err := api.NewRouter(api.Config{
		RateLimit:      cfg.RateLimit,
		Redis:          redisClient,
		MetricsEnabled: cfg.MetricsEnabled,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		Version:        Version,
		Commit:         Commit,
		BuildDate:      BuildDate,
	}, api.Dependencies{
		Database:    database,
		Connections: registry,
		Verifier:    verifier,
		Protocol:    protocolHandler,
		Jobs:        database,
		Runner:      runner,
		Scheduler:   scheduler,
		Storage:     storageService,
		Drain:       shutdownManager,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize router")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if err := scheduler.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to start backup scheduler")
	}

	shutdownManager.Add("http", srv.Shutdown)
	shutdownManager.Add("scheduler", scheduler.Stop)
	shutdownManager.Add("connections", func(context.Context) error {
		registry.CloseAll()
		return nil
	})
	shutdownManager.Add("audit", recorder.Stop)
	if redisClient != nil {
		shutdownManager.Add("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		logger.Error().Err(err).Msg("HTTP server error")
	}

	if err := shutdownManager.Shutdown(context.Background()); err != nil {
		logger.Error().Err(err).Msg("shutdown finished with errors")
		return err
	}

	logger.Info().Msg("server stopped gracefully")
	return nil
}

// connect opens the database for the operator subcommands.
func connect(ctx context.Context, logger zerolog.Logger) (*db.DB, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	dbCfg := db.DefaultConfig(cfg.DatabaseURL)
	dbCfg.MaxConns = 5
	dbCfg.MinConns = 1
	return db.New(ctx, dbCfg, logger)
}

func cliLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)
}

func newMigrateCmd() *cobra.Command {
	var showVersion, list bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cliLogger()
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			database, err := connect(ctx, logger)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer database.Close()

			if list {
				states, err := database.MigrationStatus(ctx)
				if err != nil {
					return fmt.Errorf("list migrations: %w", err)
				}
				for _, s := range states {
					status := "pending"
					if s.AppliedAt != nil {
						status = "applied " + s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Printf("  %03d  %-40s %s\n", s.Version, s.Name, status)
				}
				return nil
			}

			if !showVersion {
				logger.Info().Msg("running database migrations")
				if err := database.Migrate(ctx); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}

			version, err := database.CurrentVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Current schema version: %d\n", version)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showVersion, "version", false, "Show the current schema version without migrating")
	cmd.Flags().BoolVar(&list, "list", false, "List migrations with their applied state")

	return cmd
}

func newIssueTokenCmd() *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a bearer token for a user",
		Long: `Issue a bearer token for a user, signed with JWT_SECRET.

Tokens authenticate API calls and agent connections on behalf of the user.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(cfg.JWTSecret)
			if err != nil {
				return err
			}
			token, err := issuer.Issue(id, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User ID the token is issued to")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newRegisterAgentCmd() *cobra.Command {
	var userID, agentID, name string

	cmd := &cobra.Command{
		Use:   "register-agent",
		Short: "Register an agent ID for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			if !auth.IsValidAgentIDFormat(agentID) {
				return fmt.Errorf("invalid --agent-id %q", agentID)
			}
			if name == "" {
				name = agentID[:len(auth.AgentIDPrefix)+8]
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			database, err := connect(ctx, cliLogger())
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer database.Close()

			agent := models.NewAgent(owner, agentID, name)
			if err := database.CreateAgent(ctx, agent); err != nil {
				return err
			}
			fmt.Printf("Registered agent %s (%s) for user %s\n", agent.Name, agent.AgentID, owner)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Owning user ID")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "Agent ID printed by 'dbkeeper-agent config init'")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("agent-id")

	return cmd
}
