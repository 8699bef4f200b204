// rosey-bot is the channel connection daemon. It keeps the platform
// websocket alive, turns raw platform frames into normalized events on the
// bus, and drains the outbound message queue back to the channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs" // Pin GOMAXPROCS to the container CPU quota

	"github.com/roseybot/rosey/pkg/bot"
	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/config"
	"github.com/roseybot/rosey/pkg/log"
	"github.com/roseybot/rosey/pkg/platform"
	"github.com/roseybot/rosey/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rosey-bot",
	Short: "Rosey channel bot",
	Long: `rosey-bot holds the websocket connection to the chat platform. Inbound
frames become normalized events republished on the bus and database writes;
queued outbound lines flow back to the channel under rate and breaker
control. All state lives in the database service, so the bot itself can be
restarted freely.`,
	Version: version.GitCommit,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s\n", version.Full()))

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("config", "rosey.yaml", "Path to the bot config file")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the platform and serve the channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		return runBot(path)
	},
}

func runBot(configPath string) error {
	// Bootstrap defaults so config loading can log; reapplied below with
	// the configured level and format.
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	cfg, err := config.LoadBot(configPath)
	if err != nil {
		return err
	}
	cfg.InitLogging()

	logger := log.WithComponent("main")
	logger.Info().
		Str("version", version.Full()).
		Str("channel", cfg.Channel).
		Str("bot_name", cfg.BotName).
		Str("nats_url", cfg.NATSURL).
		Msg("Starting rosey-bot")

	// 1. Message bus.
	conn, err := bus.Connect(bus.Config{
		URL:            cfg.NATSURL,
		Name:           "rosey-bot/" + version.GitCommit,
		MaxReconnects:  cfg.NATSMaxReconnects,
		ReconnectWait:  cfg.NATSReconnectWait,
		ConnectTimeout: cfg.NATSTimeout,
	})
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer conn.Close()

	// 2. Platform adapter. Connection failures surface as events and
	// retries, so Start never blocks on the platform being up.
	adapter := platform.NewAdapter(platform.Config{
		URL:            cfg.PlatformURL,
		Channel:        cfg.Channel,
		Username:       cfg.BotName,
		Password:       cfg.BotPassword,
		InitialBackoff: cfg.ReconnectInitial,
		MaxBackoff:     cfg.ReconnectMax,
	})

	// 3. Bot core: consume loop, periodic writers, outbound processor.
	b := bot.New(cfg, conn, adapter)
	b.Start(context.Background())

	logger.Info().Msg("rosey-bot started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	b.Stop()

	logger.Info().Msg("Shutdown complete")
	return nil
}
