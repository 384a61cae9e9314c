// Package orchestrator wires the expander, manifest, store, client and
// fetcher into one download run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meteoflow/weather-dl/internal/client"
	"github.com/meteoflow/weather-dl/internal/config"
	"github.com/meteoflow/weather-dl/internal/fetcher"
	"github.com/meteoflow/weather-dl/internal/logging"
	"github.com/meteoflow/weather-dl/internal/manifest"
	"github.com/meteoflow/weather-dl/internal/metrics"
	"github.com/meteoflow/weather-dl/internal/partition"
	"github.com/meteoflow/weather-dl/internal/store"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Options selects the run's collaborators.
type Options struct {
	Client           string // registered client name
	StoreURL         string // bucket URL (file://, gs://, s3://, mem://)
	ManifestLocation string // postgres DSN or mem://
	ForceDownload    bool
	DryRun           bool
	Workers          int
}

// Summary is the outcome of one run.
type Summary struct {
	Expanded  int64
	Skipped   int64
	Fetched   int64
	Failed    int64
	Conflicts int64
}

// Orchestrator drives one configuration through expansion and fetching.
// It holds no per-partition state; all cross-partition coordination lives in
// the manifest.
type Orchestrator struct {
	cfg     *config.Config
	man     manifest.Manifest
	store   store.Store
	fetch   *fetcher.Fetcher
	workers int
	log     *slog.Logger
}

// New resolves the client, store and manifest implementations and builds the
// orchestrator. Dry runs substitute a no-network client, a throwaway local
// store and an in-memory manifest, and force downloads so every partition
// executes.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Orchestrator, error) {
	log := logging.Component("orchestrator")

	if opts.ForceDownload || opts.DryRun {
		cfg.Parameters.ForceDownload = true
	}

	var (
		cl  client.Client
		st  store.Store
		man manifest.Manifest
		err error
	)

	if opts.DryRun {
		log.Info("dry run: using fake client, local store and in-memory manifest")
		cl = client.NewFake()
		if st, err = store.OpenDryRun(ctx); err != nil {
			return nil, err
		}
		man = manifest.NewMemory()
	} else {
		if cl, err = client.New(opts.Client, cfg); err != nil {
			return nil, err
		}
		if st, err = store.Open(ctx, opts.StoreURL); err != nil {
			return nil, err
		}
		if man, err = manifest.ParseLocation(ctx, opts.ManifestLocation); err != nil {
			st.Close()
			return nil, err
		}
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	return &Orchestrator{
		cfg:     cfg,
		man:     man,
		store:   st,
		fetch:   fetcher.New(cl, man, st),
		workers: workers,
		log:     log,
	}, nil
}

// Run expands the configuration and hands each partition to the worker pool.
// It returns a non-nil error if any partition's fetch failed unrecovered, so
// the process exits non-zero.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	o.log.Info("starting run",
		"dataset", o.cfg.Parameters.Dataset,
		"partition_keys", o.cfg.Parameters.PartitionKeys,
		"workers", o.workers,
		"force_download", o.cfg.Parameters.ForceDownload,
	)
	startTime := time.Now()

	expander := partition.NewExpander(o.cfg, o.man, o.store)
	partCh, errCh := expander.Stream(ctx)

	var fetched, failed, conflicts atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			o.workerLoop(ctx, workerID, partCh, &fetched, &failed, &conflicts)
		}(i)
	}
	wg.Wait()

	summary := Summary{
		Expanded:  expander.Expanded(),
		Skipped:   expander.Skipped(),
		Fetched:   fetched.Load(),
		Failed:    failed.Load(),
		Conflicts: conflicts.Load(),
	}

	elapsed := time.Since(startTime)
	o.log.Info("run complete",
		"expanded", summary.Expanded,
		"skipped", summary.Skipped,
		"fetched", summary.Fetched,
		"failed", summary.Failed,
		"conflicts", summary.Conflicts,
		"duration", elapsed.String(),
	)

	if err := <-errCh; err != nil {
		return summary, fmt.Errorf("expansion: %w", err)
	}
	if summary.Failed > 0 {
		return summary, fmt.Errorf("%d of %d partitions failed", summary.Failed, summary.Expanded)
	}
	return summary, nil
}

// workerLoop fetches partitions until the stream closes. A lost manifest
// transaction means another worker owns the partition; that is not a failure
// of this run.
func (o *Orchestrator) workerLoop(ctx context.Context, workerID int, partCh <-chan *config.Config,
	fetched, failed, conflicts *atomic.Int64) {

	log := logging.WorkerLogger(workerID)
	dataset := o.cfg.Parameters.Dataset

	for part := range partCh {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if m := metrics.Get(); m != nil {
			m.InFlightPartitions.Inc()
		}
		err := o.fetch.Fetch(ctx, part)
		if m := metrics.Get(); m != nil {
			m.InFlightPartitions.Dec()
		}

		switch {
		case err == nil:
			fetched.Add(1)
		case errors.Is(err, manifest.ErrConcurrentDownload):
			conflicts.Add(1)
			log.Warn("partition held by another worker", "error", err)
			if m := metrics.Get(); m != nil {
				m.ConcurrentConflicts.WithLabelValues(dataset).Inc()
			}
		default:
			failed.Add(1)
			if client.IsRejection(err) {
				log.Error("provider rejected partition", "error", err)
			} else {
				log.Error("partition fetch failed", "error", err)
			}
			if m := metrics.Get(); m != nil {
				m.PartitionsFailed.WithLabelValues(dataset).Inc()
			}
		}
	}
}

// Close releases the orchestrator's store and manifest.
func (o *Orchestrator) Close() error {
	var errs []error
	if err := o.man.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := o.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
