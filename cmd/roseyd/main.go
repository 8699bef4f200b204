// roseyd is the database service daemon. It owns the SQLite file, serves
// every rosey.db.* subject on the message bus, runs the KV sweeper and the
// retention loop, and exposes the admin HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs" // Pin GOMAXPROCS to the container CPU quota

	"github.com/roseybot/rosey/pkg/api"
	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/config"
	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/kv"
	"github.com/roseybot/rosey/pkg/log"
	"github.com/roseybot/rosey/pkg/migrate"
	"github.com/roseybot/rosey/pkg/rows"
	"github.com/roseybot/rosey/pkg/schema"
	"github.com/roseybot/rosey/pkg/server"
	"github.com/roseybot/rosey/pkg/services"
	"github.com/roseybot/rosey/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "roseyd",
	Short: "Rosey database service",
	Long: `roseyd is the single writer for the rosey channel database. It serves
schema registration, row operations, key/value storage, plugin migrations,
and the system tables over NATS request/reply, and publishes nothing of its
own except replies.`,
	Version: version.GitCommit,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s\n", version.Full()))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)

	tokenCreateCmd.Flags().String("description", "", "What the token is for")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the database service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	// Bootstrap defaults so config loading can log; reapplied below with
	// the configured level and format.
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	cfg, err := config.LoadService()
	if err != nil {
		return err
	}
	cfg.InitLogging()

	logger := log.WithComponent("main")
	logger.Info().
		Str("version", version.Full()).
		Str("db_path", cfg.DatabasePath).
		Str("nats_url", cfg.NATSURL).
		Msg("Starting roseyd")

	ctx := context.Background()

	// 1. Database: open the file and apply system migrations.
	db, err := database.NewClient(ctx, database.Config{
		Path:         cfg.DatabasePath,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing database")
		}
	}()
	logger.Info().Msg("Database ready")

	// 2. Engines and services over the shared pool.
	registry := schema.NewRegistry(db.DB())
	rowEngine := rows.NewEngine(db.DB(), registry)
	kvStore := kv.NewStore(db.DB())
	migrations := migrate.NewEngine(db.DB(), cfg.PluginRoot, cfg.MigrationLockTimeout)

	users := services.NewUserService(db.DB())
	chat := services.NewChatService(db.DB())
	stats := services.NewStatsService(db.DB(), users)
	outbound := services.NewOutboundService(db.DB())
	status := services.NewStatusService(db.DB())
	actions := services.NewActionService(db.DB())
	tokens := services.NewTokenService(db.DB())

	// 3. Message bus.
	conn, err := bus.Connect(bus.Config{
		URL:            cfg.NATSURL,
		Name:           "roseyd/" + version.GitCommit,
		MaxReconnects:  cfg.NATSMaxReconnects,
		ReconnectWait:  cfg.NATSReconnectWait,
		ConnectTimeout: cfg.NATSTimeout,
	})
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer conn.Close()

	// 4. Subject dispatcher. Start loads the schema cache before any
	// subscription goes live.
	srv := server.New(server.Deps{
		Conn:       conn,
		Users:      users,
		Chat:       chat,
		Stats:      stats,
		Outbound:   outbound,
		Status:     status,
		Actions:    actions,
		KV:         kvStore,
		Registry:   registry,
		Rows:       rowEngine,
		Migrations: migrations,
	})
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}

	// 5. Background loops.
	sweeper := kv.NewSweeper(kvStore, cfg.KVSweepInterval)
	sweeper.Start(ctx)

	maintenance := database.NewMaintenance(database.MaintenanceConfig{
		Interval:            cfg.MaintenanceInterval,
		UserCountRetention:  cfg.UserCountRetention,
		RecentChatRetention: cfg.RecentChatRetention,
	}, chat, stats)
	maintenance.Start(ctx)

	// 6. Admin HTTP API.
	adminAPI := api.NewServer(cfg.AdminAddr, api.Deps{
		DB:       db,
		Conn:     conn,
		Tokens:   tokens,
		Users:    users,
		Stats:    stats,
		Chat:     chat,
		Status:   status,
		Outbound: outbound,
	})
	adminAPI.Start()

	logger.Info().Str("admin_addr", cfg.AdminAddr).Msg("roseyd started")

	// 7. Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	// 8. Graceful shutdown: stop intake first, then the loops, then sweep
	// open chat sessions so accumulated time is not lost.
	srv.Stop()
	sweeper.Stop()
	maintenance.Stop()

	finalizeCtx, finalizeCancel := context.WithTimeout(ctx, 10*time.Second)
	defer finalizeCancel()
	if n, err := users.FinalizeAllSessions(finalizeCtx); err != nil {
		logger.Error().Err(err).Msg("Session finalize sweep failed")
	} else if n > 0 {
		logger.Info().Int64("count", n).Msg("Finalized open chat sessions")
	}

	apiCtx, apiCancel := context.WithTimeout(ctx, 5*time.Second)
	defer apiCancel()
	if err := adminAPI.Shutdown(apiCtx); err != nil {
		logger.Error().Err(err).Msg("Admin API shutdown error")
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage admin API tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a new API token",
	Long: `Mint a new API token and print it. The full token is shown exactly
once; afterwards only its 8-character prefix is recoverable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		return withTokenService(func(ctx context.Context, tokens *services.TokenService) error {
			token, err := tokens.Create(ctx, description)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		})
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API tokens by prefix",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTokenService(func(ctx context.Context, tokens *services.TokenService) error {
			infos, err := tokens.List(ctx)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No tokens.")
				return nil
			}
			fmt.Printf("%-10s %-8s %-24s %-24s %s\n",
				"PREFIX", "REVOKED", "CREATED", "LAST USED", "DESCRIPTION")
			for _, info := range infos {
				lastUsed := "never"
				if info.LastUsed != nil {
					lastUsed = *info.LastUsed
				}
				fmt.Printf("%-10s %-8t %-24s %-24s %s\n",
					info.Prefix, info.Revoked, info.CreatedAt, lastUsed, info.Description)
			}
			return nil
		})
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <prefix>",
	Short: "Revoke tokens matching a prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTokenService(func(ctx context.Context, tokens *services.TokenService) error {
			n, err := tokens.Revoke(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Revoked %d token(s).\n", n)
			return nil
		})
	},
}

// withTokenService opens the database for a one-shot token operation.
// Logging goes to stderr at error level so command output stays clean.
func withTokenService(fn func(ctx context.Context, tokens *services.TokenService) error) error {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: false, Output: os.Stderr})

	cfg, err := config.LoadService()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.NewClient(ctx, database.Config{
		Path:         cfg.DatabasePath,
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	return fn(ctx, services.NewTokenService(db.DB()))
}
