package fetcher

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteoflow/weather-dl/internal/client"
	"github.com/meteoflow/weather-dl/internal/config"
	"github.com/meteoflow/weather-dl/internal/manifest"
	"github.com/meteoflow/weather-dl/internal/partition"
	"github.com/meteoflow/weather-dl/internal/store"
)

func testPartition() *config.Config {
	return &config.Config{
		Selection: map[string][]string{
			"year":  {"2020"},
			"month": {"01"},
		},
		Parameters: config.Parameters{
			Dataset:        "reanalysis-era5",
			TargetTemplate: "era5/data-{}-{}.nc",
			PartitionKeys:  []string{"year", "month"},
			UserID:         "alice",
			Extra:          map[string]string{},
		},
	}
}

func memStore(t *testing.T) *store.BlobStore {
	t.Helper()
	st, err := store.Open(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// failingClient always fails retrieval without touching the destination.
type failingClient struct {
	err error
}

func (c *failingClient) Retrieve(context.Context, string, map[string][]string, string) error {
	return c.err
}

func manifestKey(t *testing.T, part *config.Config) manifest.Key {
	t.Helper()
	target, err := partition.Target(part)
	require.NoError(t, err)
	return manifest.NewKey(part.Selection, target, part.Parameters.User())
}

func TestFetchSuccess(t *testing.T) {
	ctx := context.Background()
	part := testPartition()
	man := manifest.NewMemory()
	st := memStore(t)

	f := New(client.NewFake(), man, st)
	require.NoError(t, f.Fetch(ctx, part))

	// artifact lands at the derived target
	r, err := st.NewReader(ctx, "era5/data-2020-01.nc")
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, string(body), "reanalysis-era5")

	// manifest records the committed transaction
	entry, err := man.Status(ctx, manifestKey(t, part))
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusSuccess, entry.Status)
	assert.Empty(t, entry.Error)
}

func TestFetchClientFailure(t *testing.T) {
	ctx := context.Background()
	part := testPartition()
	man := manifest.NewMemory()
	st := memStore(t)

	boom := errors.New("provider unavailable")
	f := New(&failingClient{err: boom}, man, st)
	err := f.Fetch(ctx, part)
	require.ErrorIs(t, err, boom, "retrieval failures must propagate")

	// nothing lands in the store
	exists, err := st.Exists(ctx, "era5/data-2020-01.nc")
	require.NoError(t, err)
	assert.False(t, exists)

	// the failure is on record with its detail
	entry, err := man.Status(ctx, manifestKey(t, part))
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusFailure, entry.Status)
	assert.Contains(t, entry.Error, "provider unavailable")
}

func TestFetchConcurrentConflict(t *testing.T) {
	ctx := context.Background()
	part := testPartition()
	man := manifest.NewMemory()
	key := manifestKey(t, part)

	// simulate another worker holding the transaction
	acquired := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = man.Transact(ctx, key, func(context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired
	defer close(release)

	f := New(client.NewFake(), man, memStore(t))
	err := f.Fetch(ctx, part)
	require.ErrorIs(t, err, manifest.ErrConcurrentDownload)
}

func TestFetchBadTemplate(t *testing.T) {
	part := testPartition()
	part.Parameters.TargetTemplate = "era5/{}-{}-{}.nc"

	f := New(client.NewFake(), manifest.NewMemory(), memStore(t))
	err := f.Fetch(context.Background(), part)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}
