package storage

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/andresuchdata/videodub/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FileManagerOptions wires the backends a FileManager may use.
type FileManagerOptions struct {
	Local *LocalClient
	// Remote is nil when the local backend was configured or the remote client
	// could not be built.
	Remote RemoteStore
	URLs   URLGenerator
	// RemoteRequested records that configuration asked for a remote backend.
	RemoteRequested bool
	// RemoteInitErr is the error that prevented building Remote, if any.
	RemoteInitErr error

	DefaultTTL      time.Duration
	EnableLifecycle bool
	RetentionDays   int
	Metrics         metrics.Recorder
}

// FileManager is the single storage entry point for the pipeline. The active
// backend is chosen at startup and can only ever move from REMOTE to LOCAL.
type FileManager struct {
	local           *LocalClient
	remote          RemoteStore
	urls            URLGenerator
	active          atomic.Int32
	requested       bool
	defaultTTL      time.Duration
	enableLifecycle bool
	retentionDays   int
	metrics         metrics.Recorder
	now             func() time.Time
}

// NewFileManager validates the remote backend when one was requested and falls back
// to local storage if it is unusable. A fallback is logged, never returned.
func NewFileManager(ctx context.Context, opts FileManagerOptions) *FileManager {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 7
	}
	fm := &FileManager{
		local:           opts.Local,
		remote:          opts.Remote,
		urls:            opts.URLs,
		defaultTTL:      opts.DefaultTTL,
		enableLifecycle: opts.EnableLifecycle,
		retentionDays:   opts.RetentionDays,
		metrics:         opts.Metrics,
		requested:       opts.RemoteRequested,
		now:             time.Now,
	}

	if !opts.RemoteRequested {
		fm.active.Store(int32(BackendLocal))
		log.Info().Msg("storage: using local backend")
		return fm
	}

	fm.active.Store(int32(BackendRemote))
	switch {
	case opts.RemoteInitErr != nil:
		fm.downgrade(opts.RemoteInitErr)
	case opts.Remote == nil:
		fm.downgrade(errors.Wrap(ErrBackendUnavailable, "no remote client configured"))
	default:
		if err := opts.Remote.Validate(ctx); err != nil {
			fm.downgrade(err)
			break
		}
		log.Info().Str("bucket", opts.Remote.URI("")).Msg("storage: using remote backend")
		if fm.enableLifecycle {
			fm.applyRetention(ctx)
		}
	}
	return fm
}

// downgrade switches to local storage. Only the first call has any effect.
func (fm *FileManager) downgrade(cause error) {
	if !fm.active.CompareAndSwap(int32(BackendRemote), int32(BackendLocal)) {
		return
	}
	fm.metrics.IncBackendDowngrade()
	log.Warn().Err(cause).Msg("storage: remote backend unavailable, falling back to local storage for this process")
}

func (fm *FileManager) applyRetention(ctx context.Context) {
	for _, prefix := range PurgeablePrefixes {
		if err := fm.remote.ApplyLifecycleRule(ctx, prefix, fm.retentionDays); err != nil {
			log.Warn().Err(err).Str("prefix", prefix).Msg("storage: could not apply lifecycle rule")
		}
	}
}

// Backend reports the active backend.
func (fm *FileManager) Backend() Backend {
	return Backend(fm.active.Load())
}

// Degraded reports whether a remote backend was requested but local storage is in use.
func (fm *FileManager) Degraded() bool {
	return fm.requested && fm.Backend() == BackendLocal
}

// CheckRemote probes the remote store. The result is informational: a healthy remote
// never brings a downgraded process back.
func (fm *FileManager) CheckRemote(ctx context.Context) error {
	if fm.remote == nil {
		return errors.Wrap(ErrBackendUnavailable, "no remote client configured")
	}
	return fm.remote.Validate(ctx)
}

func (fm *FileManager) store() ObjectStore {
	if fm.Backend() == BackendRemote {
		return fm.remote
	}
	return fm.local
}

func (fm *FileManager) observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	fm.metrics.ObserveStorageOp(fm.Backend().String(), op, result, time.Since(start).Seconds())
}

// Save writes r to p, replacing any previous content. The content type is inferred
// from the path or the stream when contentType is empty.
func (fm *FileManager) Save(ctx context.Context, p string, r io.Reader, contentType string) (obj StoredObject, err error) {
	defer func(start time.Time) { fm.observe("save", start, err) }(time.Now())

	ct, body, err := resolveContentType(p, r, contentType)
	if err != nil {
		return StoredObject{}, errors.Wrapf(err, "read %s", p)
	}
	return fm.store().Put(ctx, p, body, ct)
}

func (fm *FileManager) SaveBytes(ctx context.Context, p string, data []byte, contentType string) (StoredObject, error) {
	return fm.Save(ctx, p, bytes.NewReader(data), contentType)
}

// Open streams the object at p. The caller closes the reader.
func (fm *FileManager) Open(ctx context.Context, p string) (rc io.ReadCloser, err error) {
	defer func(start time.Time) { fm.observe("open", start, err) }(time.Now())
	return fm.store().Get(ctx, p)
}

// Load reads the whole object at p.
func (fm *FileManager) Load(ctx context.Context, p string) ([]byte, error) {
	rc, err := fm.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(ErrObjectUnreadable, "%s: %v", p, err)
	}
	return data, nil
}

func (fm *FileManager) Delete(ctx context.Context, p string) (err error) {
	defer func(start time.Time) { fm.observe("delete", start, err) }(time.Now())
	return fm.store().Delete(ctx, p)
}

func (fm *FileManager) Exists(ctx context.Context, p string) (bool, error) {
	return fm.store().Exists(ctx, p)
}

func (fm *FileManager) Stat(ctx context.Context, p string) (ObjectInfo, error) {
	return fm.store().Stat(ctx, p)
}

func (fm *FileManager) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return fm.store().List(ctx, prefix)
}

func (fm *FileManager) DeletePrefix(ctx context.Context, prefix string) (n int, err error) {
	defer func(start time.Time) { fm.observe("delete_prefix", start, err) }(time.Now())
	return fm.store().DeletePrefix(ctx, prefix)
}

// GetAccess describes how p can be downloaded. Local objects are always served by
// proxy; remote objects get a link from the URL generator, which fails with
// ErrURLGenerationFailed once every strategy is exhausted.
func (fm *FileManager) GetAccess(ctx context.Context, p string, ttl time.Duration) (AccessDescriptor, error) {
	if ttl <= 0 {
		ttl = fm.defaultTTL
	}
	store := fm.store()
	ok, err := store.Exists(ctx, p)
	if err != nil {
		return AccessDescriptor{}, err
	}
	if !ok {
		return AccessDescriptor{}, errors.Wrapf(ErrNotFound, "%s", p)
	}

	if store.Backend() == BackendLocal || fm.urls == nil {
		fm.metrics.IncAccessDescriptor(string(URLTypeProxy))
		return AccessDescriptor{URLType: URLTypeProxy}, nil
	}

	desc, err := fm.urls.GenerateURL(ctx, p, ttl)
	if err != nil {
		return AccessDescriptor{}, err
	}
	if desc.ExpiresAt != nil && !desc.ExpiresAt.After(fm.now()) {
		return AccessDescriptor{}, &URLGenerationError{Path: p, Attempted: []string{string(desc.URLType)}, Causes: []string{"link expired before it was returned"}}
	}
	return desc, nil
}

// PurgeOlderThan expires objects under prefix older than ageDays. Remote stores
// receive a lifecycle rule and delete on their own schedule, so the count is zero;
// with lifecycle rules disabled the bucket is left as it is. Local storage is
// scanned and cleaned immediately.
func (fm *FileManager) PurgeOlderThan(ctx context.Context, prefix string, ageDays int) (int, error) {
	norm, err := normalizePrefix(prefix)
	if err != nil {
		return 0, err
	}
	if IsRetentionExempt(norm) {
		return 0, errors.Wrapf(ErrRetentionExempt, "%s", norm)
	}
	if ageDays < 1 {
		return 0, errors.Errorf("age must be at least one day, got %d", ageDays)
	}

	if fm.Backend() == BackendRemote {
		if !fm.enableLifecycle {
			log.Debug().Str("prefix", norm).Msg("storage: lifecycle rules disabled, leaving bucket untouched")
			return 0, nil
		}
		return 0, fm.remote.ApplyLifecycleRule(ctx, norm, ageDays)
	}

	cutoff := fm.now().Add(-time.Duration(ageDays) * 24 * time.Hour)
	n, err := fm.local.PurgeOlderThan(ctx, norm, cutoff)
	fm.metrics.AddPurged(norm, n)
	if n > 0 {
		log.Info().Str("prefix", norm).Int("removed", n).Msg("storage: purged expired files")
	}
	return n, err
}

// RetentionDays is the configured age after which purgeable prefixes expire.
func (fm *FileManager) RetentionDays() int {
	return fm.retentionDays
}
