package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	plagscan "github.com/yerlanb/plagscan"
)

var (
	appName = "plagscan-search"
	logger  *logrus.Entry
)

func main() {
	host, _ := os.Hostname()
	rootLogger := logrus.New()
	rootLogger.SetFormatter(new(logrus.JSONFormatter))
	logger = rootLogger.WithFields(logrus.Fields{
		"app":  appName,
		"host": host,
	})

	if err := makeApp().Run(os.Args); err != nil {
		logger.WithField("err", err).Error("search failed")
		_ = os.Stderr.Sync()
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Usage = "query one or more plagiarism-detection indexes and print a merged top-K"
	app.ArgsUsage = "<query text...>"
	app.Flags = []cli.Flag{
		cli.StringSliceFlag{
			Name:  "dir",
			Usage: "index directory to search; repeat for multiple indexes",
		},
		cli.IntFlag{
			Name:  "top-k",
			Value: 10,
			Usage: "number of merged results to return",
		},
		cli.IntFlag{
			Name:   "cache-max",
			EnvVar: "SEG_CACHE_MAX",
			Usage:  "maximum number of loaded indexes kept warm in the aggregator's LRU cache",
		},
		cli.IntFlag{
			Name:   "load-retry-ms",
			EnvVar: "SEG_LOAD_RETRY_MS",
			Usage:  "backoff before retrying a failed index load",
		},
	}
	app.Action = runSearch
	return app
}

func runSearch(c *cli.Context) error {
	dirs := c.StringSlice("dir")
	if len(dirs) == 0 {
		return cli.NewExitError("at least one --dir is required", 2)
	}
	query := strings.Join(c.Args(), " ")
	if query == "" {
		return cli.NewExitError("query text is required", 2)
	}

	ac := plagscan.DefaultAggregatorConfig()
	if v := c.Int("cache-max"); v > 0 {
		ac.CacheMax = v
	}
	if v := c.Int("load-retry-ms"); v > 0 {
		ac.LoadRetryMs = v
	}

	agg := plagscan.NewAggregator(ac)
	defer agg.Close()

	result := agg.Search(query, dirs, c.Int("top-k"))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return cli.NewExitError(fmt.Sprintf("failed to encode response: %v", err), 1)
	}

	if !result.OK {
		return cli.NewExitError("", 1)
	}
	return nil
}
