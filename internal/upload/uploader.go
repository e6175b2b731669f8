package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/carewizard/internal/config"
	"github.com/pitabwire/carewizard/internal/observability"
	"github.com/pitabwire/carewizard/model"
)

// ErrTooLarge is the cause of an UploadError for a resource over its size
// ceiling.
var ErrTooLarge = errors.New("resource exceeds size ceiling")

// ErrContentType is the cause of an UploadError for a disallowed type.
var ErrContentType = errors.New("resource content type not allowed")

// Job is one resource to upload in a submission attempt.
type Job struct {
	SessionID string
	Resource  model.Resource
	Limits    model.ResourceDefinition
}

// Uploader sends resources to a Storage. A single Upload call is not
// retried: it fully succeeds or fully fails.
type Uploader struct {
	storage     Storage
	maxBytes    int64
	timeout     time.Duration
	concurrency int
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewUploader creates an Uploader from the upload configuration.
func NewUploader(storage Storage, cfg config.UploadConfig, logger *zap.Logger, metrics *observability.Metrics) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Uploader{
		storage:     storage,
		maxBytes:    cfg.MaxBytes,
		timeout:     cfg.Timeout,
		concurrency: concurrency,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Check verifies a resource against its limits without sending anything.
func (u *Uploader) Check(res model.Resource, limits model.ResourceDefinition) error {
	if res.Open == nil {
		return model.NewUploadError(res.Slot, fmt.Sprintf("%s has no content", res.Name), errors.New("resource has no content"))
	}
	if ceiling := u.ceiling(limits); ceiling > 0 && res.Size > ceiling {
		return model.NewUploadError(res.Slot,
			fmt.Sprintf("%s is larger than the %d byte limit", res.Name, ceiling), ErrTooLarge)
	}
	if len(limits.ContentTypes) > 0 && !allowedType(limits.ContentTypes, res.ContentType) {
		return model.NewUploadError(res.Slot,
			fmt.Sprintf("%s has a file type that is not allowed", res.Name), ErrContentType)
	}
	return nil
}

// Upload checks and sends one resource to a path namespaced by sessionID
// and the resource category. It returns the stored reference path.
func (u *Uploader) Upload(ctx context.Context, job Job, progress *Progress) (string, error) {
	res := job.Resource
	if err := u.Check(res, job.Limits); err != nil {
		u.metrics.RecordUpload(job.Limits.Category, "rejected", 0)
		return "", err
	}

	ctx, span := observability.StartSpan(ctx, "storage.put",
		observability.AttrSlot.String(res.Slot),
		observability.AttrSessionID.String(job.SessionID),
	)

	ref, err := u.put(ctx, job, progress)
	observability.EndSpanWithError(span, err)
	if err != nil {
		u.metrics.RecordUpload(job.Limits.Category, "failed", 0)
		return "", err
	}
	u.metrics.RecordUpload(job.Limits.Category, "ok", res.Size)
	return ref, nil
}

func (u *Uploader) put(ctx context.Context, job Job, progress *Progress) (string, error) {
	res := job.Resource
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	rc, err := res.Open()
	if err != nil {
		return "", model.NewUploadError(res.Slot, fmt.Sprintf("%s could not be read", res.Name), err)
	}
	defer rc.Close()

	var body io.Reader = rc
	ceiling := u.ceiling(job.Limits)
	if ceiling > 0 {
		// Guard against a declared size smaller than the real content.
		body = &limitedReader{r: rc, remaining: ceiling}
	}
	body = &countingReader{r: body, slot: res.Slot, p: progress}

	path := ObjectPath(job.SessionID, job.Limits.Category, res.Name, u.now())
	ref, err := u.storage.Put(ctx, path, res.ContentType, body)
	if err != nil {
		return "", u.classify(ctx, res, err)
	}
	return ref, nil
}

// UploadAll uploads every job concurrently. The first failure cancels the
// remaining uploads and is returned. refs is aligned with jobs and holds
// the reference of every upload that completed, even on failure; entries
// of uploads that did not complete are empty.
func (u *Uploader) UploadAll(ctx context.Context, jobs []Job, progress *Progress) ([]string, error) {
	refs := make([]string, len(jobs))
	for _, j := range jobs {
		if err := u.Check(j.Resource, j.Limits); err != nil {
			u.metrics.RecordUpload(j.Limits.Category, "rejected", 0)
			return refs, err
		}
		if progress != nil {
			progress.Expect(j.Resource.Slot, j.Resource.Size)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			ref, err := u.Upload(gctx, j, progress)
			if err != nil {
				return err
			}
			refs[i] = ref
			return nil
		})
	}
	err := g.Wait()
	if err == nil && progress != nil {
		for _, j := range jobs {
			progress.Complete(j.Resource.Slot)
		}
	}
	if err != nil {
		observability.RequestLogger(ctx, u.logger).Warn("upload phase failed",
			zap.Int("jobs", len(jobs)),
			zap.Int("completed", len(compact(refs))),
			zap.Error(err),
		)
	}
	return refs, err
}

// BySlot groups the non-empty refs returned by UploadAll by resource slot,
// keeping job order within a slot.
func BySlot(jobs []Job, refs []string) map[string][]string {
	out := make(map[string][]string)
	for i, j := range jobs {
		if i < len(refs) && refs[i] != "" {
			out[j.Resource.Slot] = append(out[j.Resource.Slot], refs[i])
		}
	}
	return out
}

func (u *Uploader) classify(ctx context.Context, res model.Resource, err error) error {
	if se, ok := model.AsSubmissionError(err); ok {
		return se
	}
	switch {
	case errors.Is(err, ErrTooLarge):
		return model.NewUploadError(res.Slot,
			fmt.Sprintf("%s is larger than the allowed size", res.Name), ErrTooLarge)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		se := model.NewTimeoutError(model.StatusUploading)
		se.Slot = res.Slot
		return se
	case errors.Is(ctx.Err(), context.Canceled):
		se := model.NewAbortedError(model.StatusUploading)
		se.Slot = res.Slot
		return se
	}
	return model.NewUploadError(res.Slot, fmt.Sprintf("%s could not be uploaded", res.Name), err)
}

func (u *Uploader) ceiling(limits model.ResourceDefinition) int64 {
	switch {
	case limits.MaxBytes > 0 && u.maxBytes > 0:
		return min(limits.MaxBytes, u.maxBytes)
	case limits.MaxBytes > 0:
		return limits.MaxBytes
	}
	return u.maxBytes
}

func allowedType(allowed []string, contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	for _, a := range allowed {
		if strings.EqualFold(a, ct) {
			return true
		}
	}
	return false
}

func compact(s []string) []string {
	out := s[:0:0]
	for _, v := range s {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// limitedReader fails with ErrTooLarge once more than remaining bytes have
// been read.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(b []byte) (int, error) {
	n, err := l.r.Read(b)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrTooLarge
	}
	return n, err
}
