package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var getMaxAge time.Duration

var getCmd = &cobra.Command{
	Use:   "get URL",
	Short: "Retrieve a single URL through the cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx, cfgFile)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		maxAge := getMaxAge
		if !cmd.Flags().Changed("max-age") {
			maxAge = a.cfg.MaxAge()
		}
		history, err := a.retriever.Get(ctx, args[0], maxAge)
		if err != nil {
			return err
		}
		latest := history[0]
		fmt.Fprintf(os.Stderr, "status=%d final_url=%s history=%d\n",
			latest.StatusCode, latest.FinalURL, len(history))
		_, err = os.Stdout.Write(latest.Body)
		return err
	},
}

func init() {
	getCmd.Flags().DurationVar(&getMaxAge, "max-age", 0, "serve cached entries younger than this; 0 forces a refetch")
}
