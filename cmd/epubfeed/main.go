package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kalambet/epubfeed/internal/config"
)

var version = "dev"

var (
	configPath string
	noColor    = !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd())
)

var rootCmd = &cobra.Command{
	Use:   "epubfeed",
	Short: "Turn web pages and PDFs into EPUB e-books published in an RSS feed",
	Long: `epubfeed fetches a web page or PDF, converts it into an EPUB e-book and
publishes it as an entry in an RSS feed that e-reader apps can subscribe to.

Run "epubfeed serve" to start the HTTP service, then submit URLs with
"epubfeed submit --url <url>" or POST /submit.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "epubfeed %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/epubfeed/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", noColor, "disable colored output")

	rootCmd.AddCommand(serveCmd, statusCmd, submitCmd, requestsCmd, feedCmd, configCmd, mcpCmd, versionCmd)
}

// loadConfig honors --config when given.
func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
