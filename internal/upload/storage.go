// Package upload sends attached resources to the storage boundary:
// pre-flight limits, session-namespaced unique paths, concurrent uploads
// with aggregated progress and all-or-nothing writes.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets

	"github.com/pitabwire/carewizard/internal/breaker"
	"github.com/pitabwire/carewizard/internal/config"
	"github.com/pitabwire/carewizard/internal/observability"
)

const boundaryName = "storage"

// Storage is the storage boundary. Put writes the bytes of r at path and
// returns the stored path. A failed Put leaves no readable object.
type Storage interface {
	Put(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// BlobStorage is a Storage backed by a gocloud.dev bucket and guarded by a
// circuit breaker.
type BlobStorage struct {
	bucket  *blob.Bucket
	breaker *breaker.Breaker
	metrics *observability.Metrics
	logger  *zap.Logger
}

// OpenBlobStorage opens the bucket at url (mem://, file:///path, or any
// registered gocloud scheme).
func OpenBlobStorage(ctx context.Context, url string, cb config.CircuitBreakerConfig, metrics *observability.Metrics, logger *zap.Logger) (*BlobStorage, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("upload: open bucket %q: %w", url, err)
	}
	return NewBlobStorage(bucket, cb, metrics, logger), nil
}

// NewBlobStorage wraps an already opened bucket.
func NewBlobStorage(bucket *blob.Bucket, cb config.CircuitBreakerConfig, metrics *observability.Metrics, logger *zap.Logger) *BlobStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	br := breaker.New(boundaryName, cb)
	br.IsFailure = func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrTooLarge)
	}
	br.OnStateChange = func(name string, from, to breaker.State) {
		metrics.SetBoundaryCircuitBreakerState(name, float64(to))
		logger.Warn("circuit breaker state changed",
			zap.String("boundary", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return &BlobStorage{bucket: bucket, breaker: br, metrics: metrics, logger: logger}
}

// Put streams r into a new object. The writer is only closed after every
// byte has been copied; on any error its context is cancelled first, which
// aborts the write instead of committing a partial object.
func (s *BlobStorage) Put(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	start := time.Now()
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		wctx, cancel := context.WithCancel(ctx)
		defer cancel()

		w, err := s.bucket.NewWriter(wctx, path, &blob.WriterOptions{ContentType: contentType})
		if err != nil {
			return fmt.Errorf("open writer: %w", err)
		}
		if _, err := io.Copy(w, r); err != nil {
			cancel()
			_ = w.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
		return w.Close()
	})

	status := "ok"
	switch {
	case errors.Is(err, breaker.ErrOpen):
		status = "circuit_open"
	case err != nil:
		status = "error"
	}
	s.metrics.RecordBoundaryRequest(boundaryName, status, time.Since(start))

	if err != nil {
		return "", err
	}
	return path, nil
}

// Exists reports whether an object is readable at path.
func (s *BlobStorage) Exists(ctx context.Context, path string) (bool, error) {
	return s.bucket.Exists(ctx, path)
}

// HealthCheck reports the bucket as unhealthy when it is unreachable or its
// breaker is open.
func (s *BlobStorage) HealthCheck(ctx context.Context) error {
	if err := s.breaker.HealthCheck(ctx); err != nil {
		return err
	}
	ok, err := s.bucket.IsAccessible(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("bucket is not accessible")
	}
	return nil
}

// Close releases the bucket.
func (s *BlobStorage) Close() error {
	return s.bucket.Close()
}
