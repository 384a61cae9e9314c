// Command weather-dl downloads weather datasets into a durable blob store.
//
// A YAML configuration describes a selection space; weather-dl expands it
// into partitions, skips partitions whose targets already exist, and fetches
// the rest through the selected data-provider client, recording every
// attempt's lifecycle in the manifest.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"

	"github.com/meteoflow/weather-dl/internal/client"
	"github.com/meteoflow/weather-dl/internal/config"
	"github.com/meteoflow/weather-dl/internal/logging"
	"github.com/meteoflow/weather-dl/internal/metrics"
	"github.com/meteoflow/weather-dl/internal/orchestrator"
)

// Exit codes
const (
	ExitSuccess     = 0
	ExitRunFailed   = 1
	ExitInvalidArgs = 2
	ExitBadConfig   = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("weather-dl", flag.ContinueOnError)

	clientName := fs.String("client", client.DefaultName,
		fmt.Sprintf("Data-provider client (available: %s)", strings.Join(client.Names(), ", ")))
	force := fs.Bool("force-download", false,
		"Force redownload of partitions that were previously downloaded")
	dryRun := fs.Bool("dry-run", false,
		"Run the pipeline without network downloads or cloud writes")
	manifestLoc := fs.String("manifest", "mem://",
		"Manifest location: a postgres:// DSN, or mem:// for an in-memory manifest")
	storeURL := fs.String("store", "",
		"Destination bucket URL (file://, gs://, s3://, mem://); required unless -dry-run")
	workers := fs.Int("workers", 4, "Number of parallel fetch workers")
	metricsAddr := fs.String("metrics-addr", "", "Address for the Prometheus /metrics endpoint (disabled if empty)")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text or json")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: weather-dl [options] <config.yaml>

Expand a download configuration into partitions and fetch each partition's
data into the destination store, skipping targets that already exist.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: exactly one config file is required")
		fs.Usage()
		return ExitInvalidArgs
	}
	if !*dryRun && *storeURL == "" {
		fmt.Fprintln(os.Stderr, "Error: -store is required unless -dry-run")
		fs.Usage()
		return ExitInvalidArgs
	}

	logging.Setup(logging.Config{Format: *logFormat, Level: *logLevel})
	log := logging.Component("main")
	log.Info("weather-dl", "version", orchestrator.Version, "git_sha", orchestrator.GitSHA)

	cfg, err := config.Load(fs.Arg(0))
	if err != nil {
		log.Error("configuration rejected", "error", err)
		return ExitBadConfig
	}
	if cfg.Parameters.UserID == "" {
		if u, uerr := user.Current(); uerr == nil {
			cfg.Parameters.UserID = u.Username
		}
	}

	if *metricsAddr != "" {
		metrics.Init("")
		go func() {
			if err := metrics.StartServer(*metricsAddr); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, err := orchestrator.New(ctx, cfg, orchestrator.Options{
		Client:           *clientName,
		StoreURL:         *storeURL,
		ManifestLocation: *manifestLoc,
		ForceDownload:    *force,
		DryRun:           *dryRun,
		Workers:          *workers,
	})
	if err != nil {
		if errors.Is(err, config.ErrInvalidConfig) {
			log.Error("configuration rejected", "error", err)
			return ExitBadConfig
		}
		log.Error("startup failed", "error", err)
		return ExitRunFailed
	}
	defer orch.Close()

	if _, err := orch.Run(ctx); err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown requested, run interrupted")
		} else {
			log.Error("run failed", "error", err)
		}
		return ExitRunFailed
	}

	log.Info("run finished cleanly")
	return ExitSuccess
}
