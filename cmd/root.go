package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chatrouter/pkg/config"
)

// Version is set at build time via -ldflags "-X chatrouter/cmd.Version=v1.0.0".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chatrouter",
	Short: "Chat bot message router",
	Long:  "chatrouter connects to chat transports, routes messages to plugins by pattern, and falls back to a conversational engine for everything addressed to the bot.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $CHATROUTER_CONFIG, ./config.json or ./config/config.json)")
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatrouter %s\n", Version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadConfigFile(cfgFile)
	}
	return config.LoadConfig()
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
