// Package main is the entrypoint for the dbkeeper agent CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/agent"
	"github.com/dbkeeper/dbkeeper/internal/auth"
	"github.com/dbkeeper/dbkeeper/internal/backup/databases"
	"github.com/dbkeeper/dbkeeper/internal/config"
	"github.com/dbkeeper/dbkeeper/internal/httpclient"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dbkeeper-agent",
		Short: "dbkeeper agent - runs database backups next to your databases",
		Long: `dbkeeper-agent connects to a dbkeeper server, receives backup jobs for
databases it can reach and uploads the dumps to the configured storage.

Run 'dbkeeper-agent config init' to connect to a server.`,
		SilenceUsage: true,
	}

	defaultPath, _ := config.DefaultConfigPath()
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultPath, "Path to the agent configuration file")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(),
		newStatusCmd(),
		newRunCmd(),
	)

	return rootCmd
}

func loadConfig() (*config.AgentConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dbkeeper agent %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage agent configuration",
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigSetServerCmd(),
		newConfigSetTokenCmd(),
	)

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var serverURL, token string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the configuration and generate an agent ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if serverURL != "" {
				cfg.ServerURL = strings.TrimSuffix(serverURL, "/")
			}
			if token != "" {
				cfg.Token = token
			}
			if cfg.AgentID == "" {
				id, err := auth.GenerateAgentID()
				if err != nil {
					return err
				}
				cfg.AgentID = id
			}
			if cfg.Hostname == "" {
				cfg.Hostname, _ = os.Hostname()
			}

			if err := cfg.Save(configPath); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("Config file: %s\n", configPath)
			fmt.Printf("Agent ID:    %s\n", cfg.AgentID)
			fmt.Println()
			fmt.Println("Register this agent ID with the server, then add databases and")
			fmt.Println("storage settings to the config file and run 'dbkeeper-agent run'.")
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Server URL (https://... or wss://...)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token issued by the server")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Printf("Config file: %s\n", configPath)
			fmt.Println()

			if !cfg.IsConfigured() {
				fmt.Println("Agent is not configured. Run 'dbkeeper-agent config init' to set up.")
				return nil
			}

			fmt.Printf("Server URL:  %s\n", cfg.ServerURL)
			fmt.Printf("Token:       %s\n", maskToken(cfg.Token))
			fmt.Printf("Agent ID:    %s\n", cfg.AgentID)
			if cfg.Hostname != "" {
				fmt.Printf("Hostname:    %s\n", cfg.Hostname)
			}
			fmt.Printf("Heartbeat:   %s\n", cfg.Heartbeat())
			fmt.Printf("Proxy:       %s\n", httpclient.ProxyInfo(cfg.Proxy))
			fmt.Printf("Databases:   %d\n", len(cfg.Databases))
			for _, db := range cfg.Databases {
				fmt.Printf("  - %s %s@%s/%s\n", db.Engine, db.Username, db.Host, db.DatabaseName)
			}
			fmt.Printf("Storage:     %d\n", len(cfg.Storage))
			for kind := range cfg.Storage {
				fmt.Printf("  - %s\n", kind)
			}
			return nil
		},
	}
}

func newConfigSetServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-server <url>",
		Short: "Set the server URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := agent.WebSocketURL(args[0]); err != nil {
				return fmt.Errorf("invalid server URL: %w", err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.ServerURL = strings.TrimSuffix(args[0], "/")

			if err := cfg.Save(configPath); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("Server URL set to: %s\n", cfg.ServerURL)
			return nil
		},
	}
}

func newConfigSetTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-token <token>",
		Short: "Set the bearer token used to authenticate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Token = strings.TrimSpace(args[0])

			if err := cfg.Save(configPath); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("Token set to: %s\n", maskToken(cfg.Token))
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent status and server reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if !cfg.IsConfigured() {
				fmt.Println("Status: Not configured")
				fmt.Println("Run 'dbkeeper-agent config init' to connect to a server.")
				return nil
			}

			fmt.Printf("Server:   %s\n", cfg.ServerURL)
			fmt.Printf("Agent ID: %s\n", cfg.AgentID)
			fmt.Println()

			fmt.Print("Checking server health... ")

			client, err := httpclient.New(httpclient.Options{Timeout: 10 * time.Second, Proxy: cfg.Proxy})
			if err != nil {
				fmt.Println("FAILED")
				return err
			}
			resp, err := client.Get(healthURL(cfg.ServerURL))
			if err != nil {
				fmt.Println("FAILED")
				return fmt.Errorf("connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				fmt.Printf("FAILED (HTTP %d)\n", resp.StatusCode)
				return fmt.Errorf("server returned HTTP %d", resp.StatusCode)
			}
			fmt.Println("OK")

			if outboxDir, err := outboxDir(cfg); err == nil {
				if _, err := os.Stat(filepath.Join(outboxDir, "outbox.db")); err == nil {
					outbox, err := agent.NewOutbox(outboxDir, zerolog.Nop())
					if err == nil {
						defer outbox.Close()
						if n, err := outbox.Count(cmd.Context()); err == nil {
							fmt.Printf("Undelivered reports: %d\n", n)
						}
					}
				}
			}
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the server and serve backup jobs",
		Long: `Connect to the server and serve backup jobs until interrupted.

The agent reconnects with exponential backoff when the connection drops.
Job reports that cannot be sent are kept on disk and delivered after the
next successful connection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("agent not configured: %w", err)
			}
			return runAgent(cfg)
		},
	}
}

func runAgent(cfg *config.AgentConfig) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	level := zerolog.InfoLevel
	if cfg.LogLevel != "" {
		parsed, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
		}
		level = parsed
	}
	logger = logger.Level(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir, err := outboxDir(cfg)
	if err != nil {
		return err
	}
	outbox, err := agent.NewOutbox(dir, logger)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer outbox.Close()

	dialer, err := httpclient.NewWebSocketDialer(cfg.Proxy, 15*time.Second)
	if err != nil {
		return err
	}

	platform := agent.DetectPlatform(ctx)
	executor := agent.NewExecutor(cfg, databases.NewDumper(cfg.DumpBinDir, logger), logger)

	client := agent.NewClient(agent.Config{
		ServerURL:         cfg.ServerURL,
		Token:             cfg.Token,
		AgentID:           cfg.AgentID,
		Version:           Version,
		Platform:          platform.String(),
		HeartbeatInterval: cfg.Heartbeat(),
		Dialer:            dialer,
	}, executor, outbox, logger)

	logger.Info().
		Str("version", Version).
		Str("server", cfg.ServerURL).
		Str("platform", platform.String()).
		Int("databases", len(cfg.Databases)).
		Dur("heartbeat_interval", cfg.Heartbeat()).
		Msg("dbkeeper agent starting")

	err = client.Run(ctx)
	if errors.Is(err, agent.ErrAuthRejected) {
		return fmt.Errorf("%w; check the token with 'dbkeeper-agent config set-token'", err)
	}
	if err != nil {
		return err
	}

	logger.Info().Msg("dbkeeper agent stopped")
	return nil
}

// outboxDir is where undelivered reports are kept: the work directory if
// set, else the config directory.
func outboxDir(cfg *config.AgentConfig) (string, error) {
	if cfg.WorkDir != "" {
		return cfg.WorkDir, nil
	}
	return filepath.Dir(configPath), nil
}

// healthURL maps the server URL, which may use a ws scheme, to its health
// endpoint.
func healthURL(serverURL string) string {
	base := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	}
	return base + "/health"
}

// maskToken returns a masked version of the token for display.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
