package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/saurabhbikram/scraper/internal/cache"
	"github.com/saurabhbikram/scraper/internal/crawl"
)

var (
	crawlConcurrency int
	crawlMaxAge      time.Duration
)

var crawlCmd = &cobra.Command{
	Use:   "crawl FILE",
	Short: "Retrieve every URL listed in FILE (one per line) through the cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx, cfgFile)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		urls, err := readURLList(args[0])
		if err != nil {
			return err
		}
		if len(urls) == 0 {
			return fmt.Errorf("no urls in %s", args[0])
		}

		concurrency := crawlConcurrency
		if concurrency <= 0 {
			concurrency = a.cfg.Crawler.Concurrency
		}
		maxAge := crawlMaxAge
		if !cmd.Flags().Changed("max-age") {
			maxAge = a.cfg.MaxAge()
		}

		fn := func(ctx context.Context, url string) (*cache.Response, error) {
			history, err := a.retriever.Get(ctx, url, maxAge)
			if err != nil {
				return nil, err
			}
			return history[0], nil
		}
		results, err := crawl.Run(ctx, a.scheduler, fn, urls, concurrency, args[0])
		if err != nil {
			return err
		}
		for i, res := range results {
			a.logger.Info("crawled",
				zap.String("url", urls[i]),
				zap.Int("status", res.StatusCode),
				zap.Int("bytes", len(res.Body)),
			)
		}
		return nil
	},
}

func init() {
	crawlCmd.Flags().IntVar(&crawlConcurrency, "concurrency", 0, "worker pool size (defaults to crawler.concurrency)")
	crawlCmd.Flags().DurationVar(&crawlMaxAge, "max-age", 0, "serve cached entries younger than this; 0 forces a refetch")
}

// readURLList loads non-empty, non-comment lines from path.
func readURLList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url list: %w", err)
	}
	defer func() { _ = f.Close() }()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}
	return urls, nil
}
