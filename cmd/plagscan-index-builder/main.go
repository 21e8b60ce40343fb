package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	plagscan "github.com/yerlanb/plagscan"
)

var (
	appName = "plagscan-index-builder"
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
		logger.WithField("err", err).Error("build failed")
		_ = os.Stderr.Sync()
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Usage = "build a plagiarism-detection shingle index from a JSONL corpus"
	app.ArgsUsage = "<corpus.jsonl> <out_dir>"
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:   "threads",
			EnvVar: "PLAGIO_THREADS",
			Usage:  "number of shingling worker goroutines (default: min(NumCPU, 16))",
		},
		cli.IntFlag{
			Name:   "run-max-pairs",
			EnvVar: "PLAGIO_RUN_MAX_PAIRS",
			Usage:  "per-worker run buffer soft cap, in (hash, doc) pairs",
		},
		cli.IntFlag{
			Name:   "merge-max-way",
			EnvVar: "PLAGIO_MERGE_MAX_WAY",
			Usage:  "maximum fan-in for a single k-way merge pass",
		},
		cli.BoolFlag{
			Name:   "meta-docs-map",
			EnvVar: "PLAGIO_META_DOCS_MAP",
			Usage:  "also write index_meta_docs.json, a human-inspectable per-doc metadata sidecar",
		},
		cli.BoolFlag{
			Name:   "tmp-keep",
			EnvVar: "PLAGIO_TMP_KEEP",
			Usage:  "keep the build's intermediate run/tmp files instead of cleaning them up",
		},
	}
	app.Action = runBuild
	return app
}

func runBuild(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError(fmt.Sprintf("usage: %s %s", appName, c.App.ArgsUsage), 2)
	}
	corpusPath := c.Args().Get(0)
	outDir := c.Args().Get(1)

	bc := plagscan.DefaultBuilderConfig()
	if v := c.Int("threads"); v > 0 {
		bc.Threads = v
	}
	if v := c.Int("run-max-pairs"); v > 0 {
		bc.RunMaxPairs = v
	}
	if v := c.Int("merge-max-way"); v > 0 {
		bc.MergeMaxWay = v
	}
	if c.IsSet("meta-docs-map") {
		bc.MetaDocsMap = c.Bool("meta-docs-map")
	}
	if c.IsSet("tmp-keep") {
		bc.TmpKeep = c.Bool("tmp-keep")
	}

	logger.WithFields(logrus.Fields{
		"corpus":  corpusPath,
		"out_dir": outDir,
		"threads": bc.Threads,
	}).Info("starting index build")

	stats, err := plagscan.BuildFromFile(corpusPath, outDir, bc)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	p := message.NewPrinter(language.English)
	p.Printf("indexed %d documents (%d skipped) into %d unique shingles, %d postings, in %s\n",
		stats.Docs, stats.SkippedDocs, stats.UniqueHashes, stats.Postings, stats.Elapsed)

	logger.WithFields(logrus.Fields{
		"docs":          stats.Docs,
		"skipped_docs":  stats.SkippedDocs,
		"unique_hashes": stats.UniqueHashes,
		"postings":      stats.Postings,
		"elapsed":       stats.Elapsed.String(),
	}).Info("build complete")

	return nil
}
