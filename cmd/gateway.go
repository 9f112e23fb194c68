package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"chatrouter/pkg/config"
	"chatrouter/pkg/gateway"
	"chatrouter/pkg/logger"
	"chatrouter/pkg/transport"
	"chatrouter/pkg/transport/discord"
	"chatrouter/pkg/transport/slack"
	"chatrouter/pkg/transport/telegram"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the router on the configured transports",
	Long:  "Connects every enabled transport, routes messages through plugins and the fallback, and serves health and readiness endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		transports, err := enabledTransports(cfg, appLogger)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(cfg, gateway.Options{
			Transports:   transports,
			StatusServer: true,
			Logger:       appLogger,
		})
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started",
			"transports", transportNames(transports),
			"workers", cfg.Router.WorkerCount(),
			"queue_size", cfg.Router.QueueCapacity(),
			"fallback", cfg.Fallback.Enabled,
			"provider", cfg.Fallback.Provider,
			"model", cfg.Fallback.Model,
		)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func enabledTransports(cfg *config.Config, log *slog.Logger) ([]transport.Transport, error) {
	transports := make([]transport.Transport, 0, 3)

	if cfg.Channels.Slack.Enabled {
		t, err := slack.New(cfg.Channels.Slack, log)
		if err != nil {
			return nil, fmt.Errorf("configure slack transport: %w", err)
		}
		transports = append(transports, t)
	}

	if cfg.Channels.Telegram.Enabled {
		t, err := telegram.New(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure telegram transport: %w", err)
		}
		transports = append(transports, t)
	}

	if cfg.Channels.Discord.Enabled {
		t, err := discord.New(cfg.Channels.Discord, log)
		if err != nil {
			return nil, fmt.Errorf("configure discord transport: %w", err)
		}
		transports = append(transports, t)
	}

	if len(transports) == 0 {
		return nil, errors.New("no transports are enabled")
	}

	return transports, nil
}

func transportNames(transports []transport.Transport) string {
	names := make([]string, 0, len(transports))
	for _, t := range transports {
		names = append(names, t.Name())
	}

	return strings.Join(names, ",")
}
