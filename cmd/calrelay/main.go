package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/calrelay/internal/api"
	"github.com/shohag/calrelay/internal/config"
	"github.com/shohag/calrelay/internal/delivery"
	"github.com/shohag/calrelay/internal/integration"
	"github.com/shohag/calrelay/internal/monitor"
	"github.com/shohag/calrelay/internal/provider"
	"github.com/shohag/calrelay/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "calrelay",
		Short: "CalRelay: calendar invite delivery for clinic appointments",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(providerCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the CalRelay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			registry := provider.DefaultRegistry()
			if err := registry.Build(cfg); err != nil {
				return fmt.Errorf("failed to configure providers: %w", err)
			}

			metrics := monitor.NewMetrics()
			mon := monitor.New(cfg.Monitor, registry, monitor.NewNotifier(cfg.Notification), metrics,
				log.With().Str("component", "monitor").Logger())
			queue := delivery.NewQueue(cfg.Delivery, store, registry, mon, log.With().Str("component", "queue").Logger())
			metrics.WatchQueue(queue)
			manager := integration.NewManager(store, queue, registry, mon, cfg.Defaults,
				log.With().Str("component", "integration").Logger())

			if *configPath != "" {
				if err := config.Watch(*configPath, mon.SetThresholds, log.With().Str("component", "config").Logger()); err != nil {
					log.Warn().Err(err).Msg("config hot reload disabled")
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			queue.Start(ctx)
			mon.Start(ctx)

			server := api.NewServer(cfg.Server, manager, mon, metrics.Handler(), log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("workers", cfg.Delivery.Workers).
				Strs("providers", registry.Names()).
				Str("storage", cfg.Storage.Driver).
				Msg("CalRelay is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			cancel()
			queue.Stop()
			mon.Stop()

			log.Info().Msg("CalRelay stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show delivery queue stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.GetJobStats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func providerCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Inspect configured calendar providers",
	}

	// provider list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List enabled providers and their capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := registryFromConfig(*configPath)
			if err != nil {
				return err
			}
			for _, name := range registry.Names() {
				a, _ := registry.Get(name)
				fmt.Printf("  %-10s %v\n", name, a.Capabilities())
			}
			return nil
		},
	}

	// provider test
	var timeout time.Duration
	testCmd := &cobra.Command{
		Use:   "test <name>",
		Short: "Run a connection test against one provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := registryFromConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := registry.Get(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			start := time.Now()
			res := a.TestConnection(ctx)
			res.DurationMs = time.Since(start).Milliseconds()

			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(out))
			if !res.Success {
				return fmt.Errorf("connection test failed: %s", res.ErrorCode)
			}
			return nil
		},
	}
	testCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "connection test timeout")

	cmd.AddCommand(listCmd, testCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("CalRelay v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "calrelay").Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}

func registryFromConfig(configPath string) (*provider.Registry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	registry := provider.DefaultRegistry()
	if err := registry.Build(cfg); err != nil {
		return nil, fmt.Errorf("failed to configure providers: %w", err)
	}
	return registry, nil
}
