package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"chatrouter/pkg/config"
	"chatrouter/pkg/gateway"
	"chatrouter/pkg/plugin"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List the registered plugin patterns",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		if err := writePlugins(cmd.OutOrStdout(), cfg); err != nil {
			fmt.Printf("failed to list plugins: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
}

type noopResetter struct{}

func (noopResetter) Reset() {}

// pluginRegistry builds the registry the gateway would serve, without a
// live fallback behind forget.
func pluginRegistry(cfg *config.Config) (*plugin.Registry, error) {
	if cfg.Fallback.Enabled {
		return gateway.NewRegistry(cfg, noopResetter{}, time.Now())
	}
	return gateway.NewRegistry(cfg, nil, time.Now())
}

func writePlugins(w io.Writer, cfg *config.Config) error {
	registry, err := pluginRegistry(cfg)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tNAME\tPATTERN\tDESCRIPTION")
	for _, category := range []plugin.Category{plugin.Respond, plugin.Listen} {
		for _, command := range registry.Commands(category) {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", category, command.Name, command.Pattern, command.Doc)
		}
	}
	return tw.Flush()
}
