// Package partition expands a configuration's selection space into discrete
// download partitions.
//
// A partition is a configuration whose selection has been narrowed to exactly
// one value per partition key, with one parameter group (if any are defined)
// merged into its parameters. The expander enumerates the Cartesian product
// of the partition-key value lists in odometer order: the first listed key
// varies slowest.
package partition

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/meteoflow/weather-dl/internal/config"
	"github.com/meteoflow/weather-dl/internal/logging"
	"github.com/meteoflow/weather-dl/internal/manifest"
	"github.com/meteoflow/weather-dl/internal/metrics"
	"github.com/meteoflow/weather-dl/internal/store"
)

// Expander produces the lazy partition stream for one configuration.
//
// Producing a partition has a side effect: the partition is registered as
// scheduled in the manifest before it is emitted, so every emitted partition
// is guaranteed a manifest record even if its fetch is never attempted. The
// stream is therefore a single forward pass; restart it by calling Stream
// again with the same configuration.
type Expander struct {
	cfg   *config.Config
	man   manifest.Manifest
	store store.Store
	log   *slog.Logger

	expanded atomic.Int64
	skipped  atomic.Int64
}

// NewExpander creates an expander over cfg.
func NewExpander(cfg *config.Config, man manifest.Manifest, st store.Store) *Expander {
	return &Expander{
		cfg:   cfg,
		man:   man,
		store: st,
		log:   logging.Component("expander"),
	}
}

// Expanded returns the number of partitions emitted so far.
func (e *Expander) Expanded() int64 { return e.expanded.Load() }

// Skipped returns the number of partitions filtered by the skip check so far.
func (e *Expander) Skipped() int64 { return e.skipped.Load() }

// Stream launches the expansion and returns the partition channel plus an
// error channel. Both are closed when the expansion finishes; a non-nil error
// on the error channel means the stream ended early.
func (e *Expander) Stream(ctx context.Context) (<-chan *config.Config, <-chan error) {
	partCh := make(chan *config.Config)
	errCh := make(chan error, 1)

	go func() {
		defer close(partCh)
		defer close(errCh)
		if err := e.expand(ctx, partCh); err != nil {
			errCh <- err
		}
	}()

	return partCh, errCh
}

func (e *Expander) expand(ctx context.Context, out chan<- *config.Config) error {
	keys := e.cfg.Parameters.PartitionKeys
	groups := e.cfg.Parameters.Groups
	dataset := e.cfg.Parameters.Dataset

	lists := make([][]string, len(keys))
	total := 1
	for i, key := range keys {
		lists[i] = e.cfg.Selection[key]
		total *= len(lists[i])
	}
	if total == 0 {
		// An empty value list empties the whole product.
		return nil
	}

	odometer := make([]int, len(keys))
	for i := 0; i < total; i++ {
		part := e.cfg.Clone()
		for k, key := range keys {
			part.Selection[key] = []string{lists[k][odometer[k]]}
		}
		if len(groups) > 0 {
			// Groups cycle round-robin over the product, so credential
			// rotation stays even regardless of how many partitions skip.
			part.ApplyGroup(groups[i%len(groups)])
		}
		advance(odometer, lists)

		skip, err := Skip(ctx, part, e.store)
		if err != nil {
			return err
		}
		if skip {
			e.skipped.Add(1)
			if m := metrics.Get(); m != nil {
				m.PartitionsSkipped.WithLabelValues(dataset).Inc()
			}
			continue
		}

		target, err := Target(part)
		if err != nil {
			return err
		}

		key := manifest.NewKey(part.Selection, target, part.Parameters.User())
		if err := e.man.Schedule(ctx, key); err != nil {
			return err
		}

		e.expanded.Add(1)
		if m := metrics.Get(); m != nil {
			m.PartitionsExpanded.WithLabelValues(dataset).Inc()
		}
		e.log.Debug("scheduled partition", "target", target)

		select {
		case out <- part:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// advance increments the odometer with the last key varying fastest.
func advance(odometer []int, lists [][]string) {
	for k := len(odometer) - 1; k >= 0; k-- {
		odometer[k]++
		if odometer[k] < len(lists[k]) {
			return
		}
		odometer[k] = 0
	}
}
