// Package cmd wires the scraper CLI: a root command holding shared flags and
// subcommands for single retrievals and batch crawls.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "scraper",
	Short:         "Cached HTTP retrieval for crawling workloads",
	Long:          "scraper fetches URLs through rotating proxies and keeps an append-only\nresponse history in Postgres plus a blob store, serving cached entries\nwhen they satisfy the freshness policy.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (settings also read from SCRAPER_* env vars)")
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(crawlCmd)
}

// Execute runs the CLI and exits nonzero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
