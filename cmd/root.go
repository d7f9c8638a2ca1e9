// Package cmd implements the storelocator command-line interface: the scraper
// subprocess, the dashboard server and the run history viewer.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/store-locator/cmd/common"
	"github.com/jonesrussell/north-cloud/store-locator/cmd/httpd"
	cmdruns "github.com/jonesrussell/north-cloud/store-locator/cmd/runs"
	"github.com/jonesrussell/north-cloud/store-locator/cmd/scrape"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

// NewRootCommand builds the storelocator command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "storelocator",
		Short:         "Scrape retailer store locators",
		Long:          `Scrapes retailer store locations through a configurable proxy layer and manages scraper runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String(common.FlagConfig, "", "config file (default is ./config.yaml or ./config/config.yaml)")
	flags.Bool(common.FlagDebug, false, "enable debug mode")
	flags.String(common.FlagDataDir, "", "data directory (default \"data\")")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "storelocator version %s\n", Version)
		},
	})
	rootCmd.AddCommand(scrape.Command())
	rootCmd.AddCommand(httpd.Command())
	rootCmd.AddCommand(cmdruns.Command())
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}
