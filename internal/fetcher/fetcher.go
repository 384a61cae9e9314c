// Package fetcher performs the download-then-upload for one partition,
// bracketed by a manifest transaction.
package fetcher

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/meteoflow/weather-dl/internal/client"
	"github.com/meteoflow/weather-dl/internal/config"
	"github.com/meteoflow/weather-dl/internal/logging"
	"github.com/meteoflow/weather-dl/internal/manifest"
	"github.com/meteoflow/weather-dl/internal/metrics"
	"github.com/meteoflow/weather-dl/internal/partition"
	"github.com/meteoflow/weather-dl/internal/store"
)

// Fetcher executes partition downloads.
type Fetcher struct {
	client client.Client
	man    manifest.Manifest
	store  store.Store
}

// New creates a fetcher.
func New(c client.Client, man manifest.Manifest, st store.Store) *Fetcher {
	return &Fetcher{client: c, man: man, store: st}
}

// Fetch downloads one partition's data to a staged local file and streams it
// into the store at the partition's target, inside the manifest transaction
// for (selection, target, user). The skip decision has already been made
// upstream; by the time a partition reaches Fetch it will be downloaded.
//
// On any failure the transaction records the error in the manifest and the
// error is returned. The staged file is removed on every exit path.
func (f *Fetcher) Fetch(ctx context.Context, part *config.Config) error {
	target, err := partition.Target(part)
	if err != nil {
		return err
	}

	user := part.Parameters.User()
	key := manifest.NewKey(part.Selection, target, user)
	log := logging.PartitionLogger(logging.GenerateCorrelationID(), target, user)

	return f.man.Transact(ctx, key, func(ctx context.Context) error {
		start := time.Now()

		temp, err := os.CreateTemp("", "weather-dl-*")
		if err != nil {
			return fmt.Errorf("create staging file: %w", err)
		}
		defer func() {
			temp.Close()
			os.Remove(temp.Name())
		}()

		log.Info("fetching data")
		if err := f.client.Retrieve(ctx, part.Parameters.Dataset, part.Selection, temp.Name()); err != nil {
			return err
		}

		if _, err := temp.Seek(0, 0); err != nil {
			return fmt.Errorf("rewind staging file: %w", err)
		}

		log.Info("uploading to store")
		if err := f.upload(ctx, temp, target, part.Parameters.Dataset); err != nil {
			return err
		}

		elapsed := time.Since(start)
		log.Info("upload complete", "duration", elapsed.String())
		if m := metrics.Get(); m != nil {
			m.PartitionsFetched.WithLabelValues(part.Parameters.Dataset).Inc()
			m.FetchDuration.WithLabelValues(part.Parameters.Dataset).Observe(elapsed.Seconds())
		}
		return nil
	})
}

// upload streams the staged file into the store in bounded chunks.
func (f *Fetcher) upload(ctx context.Context, staged *os.File, target, dataset string) error {
	w, err := f.store.NewWriter(ctx, target)
	if err != nil {
		return err
	}

	if err := store.CopyChunked(w, staged); err != nil {
		w.Close()
		return fmt.Errorf("stream to %s: %w", target, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", target, err)
	}

	if m := metrics.Get(); m != nil {
		if info, err := staged.Stat(); err == nil {
			m.BytesUploaded.WithLabelValues(dataset).Add(float64(info.Size()))
		}
	}
	return nil
}
