// Package store abstracts the durable blob store that download artifacts are
// written to.
package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
)

// ChunkSize is the unit of byte movement between the staged local file and
// the store. Bounded so memory use is independent of artifact size.
const ChunkSize = 8 * 1024

// CopyChunked copies src to dst in ChunkSize chunks. Unlike io.Copy it never
// delegates to ReadFrom/WriteTo, so the bounded-buffer guarantee holds for
// any reader/writer pair.
func CopyChunked(dst io.Writer, src io.Reader) error {
	buf := make([]byte, ChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Store is a durable blob store addressed by target keys.
type Store interface {
	// Exists reports whether an object is present at target. This is a
	// metadata probe only; it cannot tell a complete artifact from a
	// partially-written one.
	Exists(ctx context.Context, target string) (bool, error)

	// NewWriter opens a byte stream writing to target.
	NewWriter(ctx context.Context, target string) (io.WriteCloser, error)

	// NewReader opens a byte stream reading from target.
	NewReader(ctx context.Context, target string) (io.ReadCloser, error)

	// URI returns the canonical URI for a target.
	URI(target string) string

	// Close releases any resources.
	Close() error
}

// BlobStore is a Store over a gocloud blob bucket. The bucket URL selects the
// backend: file://, gs://, s3:// or mem://.
type BlobStore struct {
	bucket    *blob.Bucket
	bucketURL string
}

// Open opens the bucket at the given URL.
func Open(ctx context.Context, bucketURL string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return &BlobStore{bucket: bucket, bucketURL: bucketURL}, nil
}

// OpenDryRun opens a throwaway local store rooted at a fresh temp directory.
func OpenDryRun(ctx context.Context) (*BlobStore, error) {
	dir, err := os.MkdirTemp("", "weather-dl-dry-run-")
	if err != nil {
		return nil, fmt.Errorf("create dry-run directory: %w", err)
	}
	return Open(ctx, "file://"+dir+"?create_dir=true")
}

// Exists checks object presence at target.
func (s *BlobStore) Exists(ctx context.Context, target string) (bool, error) {
	exists, err := s.bucket.Exists(ctx, target)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", target, err)
	}
	return exists, nil
}

// NewWriter opens a writer for target.
func (s *BlobStore) NewWriter(ctx context.Context, target string) (io.WriteCloser, error) {
	w, err := s.bucket.NewWriter(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create writer for %s: %w", target, err)
	}
	return w, nil
}

// NewReader opens a reader for target.
func (s *BlobStore) NewReader(ctx context.Context, target string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("open reader for %s: %w", target, err)
	}
	return r, nil
}

// URI returns the canonical URI for a target.
func (s *BlobStore) URI(target string) string {
	base := s.bucketURL
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, "/") + "/" + target
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// Verify BlobStore implements Store.
var _ Store = (*BlobStore)(nil)
