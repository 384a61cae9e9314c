package store

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyChunked(t *testing.T) {
	// larger than one chunk and not chunk-aligned
	payload := bytes.Repeat([]byte("abcdefgh"), 3000)
	payload = append(payload, 'x')

	var dst bytes.Buffer
	require.NoError(t, CopyChunked(&dst, bytes.NewReader(payload)))
	assert.Equal(t, payload, dst.Bytes())
}

func TestCopyChunkedEmpty(t *testing.T) {
	var dst bytes.Buffer
	require.NoError(t, CopyChunked(&dst, strings.NewReader("")))
	assert.Zero(t, dst.Len())
}

// shortWriter fails if a single write exceeds the chunk size.
type shortWriter struct {
	n int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > ChunkSize {
		return 0, io.ErrShortWrite
	}
	w.n += len(p)
	return len(p), nil
}

func TestCopyChunkedBoundedWrites(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 5*ChunkSize)
	w := &shortWriter{}
	require.NoError(t, CopyChunked(w, bytes.NewReader(payload)))
	assert.Equal(t, len(payload), w.n)
}

func TestBlobStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := Open(ctx, "mem://")
	require.NoError(t, err)
	defer st.Close()

	exists, err := st.Exists(ctx, "era5/data-2020-01.nc")
	require.NoError(t, err)
	assert.False(t, exists)

	w, err := st.NewWriter(ctx, "era5/data-2020-01.nc")
	require.NoError(t, err)
	_, err = w.Write([]byte("grib bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	exists, err = st.Exists(ctx, "era5/data-2020-01.nc")
	require.NoError(t, err)
	assert.True(t, exists)

	r, err := st.NewReader(ctx, "era5/data-2020-01.nc")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "grib bytes", string(got))
}

func TestBlobStoreReaderMissing(t *testing.T) {
	ctx := context.Background()
	st, err := Open(ctx, "mem://")
	require.NoError(t, err)
	defer st.Close()

	_, err = st.NewReader(ctx, "nope")
	require.Error(t, err)
}

func TestURI(t *testing.T) {
	st := &BlobStore{bucketURL: "file:///data/bronze?create_dir=true"}
	assert.Equal(t, "file:///data/bronze/era5/data-2020-01.nc", st.URI("era5/data-2020-01.nc"))

	st = &BlobStore{bucketURL: "gs://weather-downloads/"}
	assert.Equal(t, "gs://weather-downloads/era5/data-2020-01.nc", st.URI("era5/data-2020-01.nc"))
}

func TestOpenDryRun(t *testing.T) {
	ctx := context.Background()
	st, err := OpenDryRun(ctx)
	require.NoError(t, err)
	defer st.Close()

	w, err := st.NewWriter(ctx, "scratch.nc")
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	exists, err := st.Exists(ctx, "scratch.nc")
	require.NoError(t, err)
	assert.True(t, exists)
}
