package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatrouter/pkg/config"
	"chatrouter/pkg/dispatch"
	"chatrouter/pkg/gateway"
	"chatrouter/pkg/logger"
	"chatrouter/pkg/transport"
	transportconsole "chatrouter/pkg/transport/console"
	"chatrouter/pkg/ui/console"
)

const consoleStopTimeout = 15 * time.Second

var (
	consoleLine       string
	consoleNoFallback bool
)

var consoleCmd = &cobra.Command{
	Use:   "console [message]",
	Short: "Talk to the router from the terminal",
	Long:  "Runs the full routing pipeline over a local console transport. Without a message it opens an interactive chat; with one it prints the first reply.",
	Run: func(cmd *cobra.Command, args []string) {
		line := resolveLine(args)

		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}
		if consoleNoFallback {
			cfg.Fallback.Enabled = false
		}

		if err := runConsole(cmd.Context(), cfg, line); err != nil {
			fmt.Printf("console failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVarP(&consoleLine, "message", "m", "", "message to send in one-shot mode")
	consoleCmd.Flags().BoolVar(&consoleNoFallback, "no-fallback", false, "answer with plugins only")
}

func resolveLine(args []string) string {
	if value := strings.TrimSpace(consoleLine); value != "" {
		return value
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

func runConsole(parent context.Context, cfg *config.Config, line string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := transportconsole.New(transportconsole.Options{})

	// The TUI owns the terminal, so router logs are dropped.
	svc, err := gateway.NewService(cfg, gateway.Options{
		Transports: []transport.Transport{tr},
		Authorizer: dispatch.AllowAll(),
		Logger:     logger.Discard(),
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- svc.Run(runCtx)
	}()

	plugins, err := pluginRegistry(cfg)
	if err != nil {
		return err
	}

	opts := console.Options{
		Info: console.Info{
			BotName:  tr.Self().Name,
			UserName: tr.LocalUser().Name,
			Plugins:  plugins.Len(),
		},
		ReplyTimeout: cfg.Router.TaskTimeout(),
	}
	if cfg.Fallback.Enabled {
		opts.Info.Provider = cfg.Fallback.Provider
		opts.Info.Model = cfg.Fallback.Model
	}

	var uiErr error
	if line != "" {
		uiErr = console.RunOneShot(runCtx, tr, line, opts)
	} else {
		uiErr = console.RunInteractive(runCtx, tr, opts)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, transport.ErrClosed) {
			return errors.Join(uiErr, err)
		}
	case <-time.After(consoleStopTimeout):
		return errors.Join(uiErr, errors.New("router did not stop in time"))
	}

	return uiErr
}
