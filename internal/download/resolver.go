// Package download turns a finished job into something a client can fetch: a link
// when the storage layer can mint one, otherwise a stream served by this process.
package download

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/andresuchdata/videodub/internal/artifacts"
	"github.com/andresuchdata/videodub/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Accessor is the part of storage.FileManager the resolver depends on.
type Accessor interface {
	GetAccess(ctx context.Context, p string, ttl time.Duration) (storage.AccessDescriptor, error)
	Open(ctx context.Context, p string) (io.ReadCloser, error)
}

// Locator finds the output record of a job.
type Locator interface {
	Lookup(ctx context.Context, jobID string, kind artifacts.Kind) (artifacts.Record, error)
}

// Result is what a download handler sends back. Body is only set for PROXY
// results and must be closed by the caller.
type Result struct {
	Descriptor  storage.AccessDescriptor
	Path        string
	FileName    string
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// Streamed reports whether the bytes are served through this process.
func (r *Result) Streamed() bool {
	return r.Descriptor.URLType == storage.URLTypeProxy
}

// ResolveError is returned only when neither a link nor a stream is available.
type ResolveError struct {
	JobID     string
	Path      string
	Attempted []string
	Err       error
}

func (e *ResolveError) Error() string {
	msg := fmt.Sprintf("download for job %s unavailable", e.JobID)
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if len(e.Attempted) > 0 {
		msg += " after " + strings.Join(e.Attempted, ", ")
	}
	return msg + ": " + e.Err.Error()
}

func (e *ResolveError) Unwrap() error { return e.Err }

type Resolver struct {
	access  Accessor
	locator Locator
	ttl     time.Duration
}

func NewResolver(access Accessor, locator Locator, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Resolver{access: access, locator: locator, ttl: ttl}
}

// Resolve returns a link for the job's output when one can be generated and falls
// back to streaming it otherwise. A failed link is never fatal on its own.
func (r *Resolver) Resolve(ctx context.Context, jobID string) (*Result, error) {
	rec, err := r.locator.Lookup(ctx, jobID, artifacts.KindOutput)
	if err != nil {
		return nil, &ResolveError{JobID: jobID, Err: err}
	}

	res := &Result{
		Path:        rec.Path,
		FileName:    baseName(rec.Path),
		ContentType: rec.ContentType,
		Size:        rec.Size,
	}

	var attempted []string
	desc, err := r.access.GetAccess(ctx, rec.Path, r.ttl)
	switch {
	case err == nil && desc.URLType != storage.URLTypeProxy:
		res.Descriptor = desc
		log.Debug().Str("job_id", jobID).Str("type", string(desc.URLType)).Msg("download: link issued")
		return res, nil
	case err == nil:
		// Local backend, nothing to sign.
	case errors.Is(err, storage.ErrURLGenerationFailed):
		var genErr *storage.URLGenerationError
		if errors.As(err, &genErr) {
			attempted = genErr.Attempted
		}
		log.Warn().Err(err).Str("job_id", jobID).Str("path", rec.Path).Msg("download: no link available, streaming instead")
	default:
		return nil, &ResolveError{JobID: jobID, Path: rec.Path, Err: err}
	}

	body, err := r.access.Open(ctx, rec.Path)
	if err != nil {
		return nil, &ResolveError{JobID: jobID, Path: rec.Path, Attempted: append(attempted, string(storage.URLTypeProxy)), Err: err}
	}
	res.Descriptor = storage.AccessDescriptor{URLType: storage.URLTypeProxy}
	res.Body = body
	return res, nil
}

func baseName(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
