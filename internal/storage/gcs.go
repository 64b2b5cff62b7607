package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig carries the settings of a Google Cloud Storage bucket.
type GCSConfig struct {
	Bucket           string
	ProjectID        string
	OperationTimeout time.Duration
	TransferTimeout  time.Duration
}

// GCSClient implements RemoteStore on top of a Cloud Storage bucket.
type GCSClient struct {
	client          *gcs.Client
	bucket          *gcs.BucketHandle
	name            string
	opTimeout       time.Duration
	transferTimeout time.Duration
	now             func() time.Time
}

// NewGCSClient connects to the bucket in cfg. Client options select the credential.
func NewGCSClient(ctx context.Context, cfg GCSConfig, opts ...option.ClientOption) (*GCSClient, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket must be provided")
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(ErrBackendUnavailable, "gcs client: %v", err)
	}
	// One retry for transient failures, including non-idempotent uploads: every
	// write targets a fixed key and overwrites are harmless.
	client.SetRetry(gcs.WithMaxAttempts(2), gcs.WithPolicy(gcs.RetryAlways))

	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 10 * time.Minute
	}
	return &GCSClient{
		client:          client,
		bucket:          client.Bucket(cfg.Bucket),
		name:            cfg.Bucket,
		opTimeout:       cfg.OperationTimeout,
		transferTimeout: cfg.TransferTimeout,
		now:             time.Now,
	}, nil
}

func (c *GCSClient) Backend() Backend {
	return BackendRemote
}

// Close releases the underlying client.
func (c *GCSClient) Close() error {
	return c.client.Close()
}

func (c *GCSClient) URI(p string) string {
	return fmt.Sprintf("gs://%s/%s", c.name, p)
}

// Validate confirms the bucket exists and the credential may read its metadata.
func (c *GCSClient) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if _, err := c.bucket.Attrs(ctx); err != nil {
		return errors.Wrapf(ErrBackendUnavailable, "bucket %s: %v", c.name, err)
	}
	return nil
}

func (c *GCSClient) Put(ctx context.Context, p string, r io.Reader, contentType string) (StoredObject, error) {
	key, err := CleanPath(p)
	if err != nil {
		return StoredObject{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.transferTimeout)
	defer cancel()

	w := c.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType

	n, err := io.Copy(w, r)
	if err != nil {
		// Cancelling before Close aborts the upload so no partial object is committed.
		cancel()
		_ = w.Close()
		return StoredObject{}, errors.Wrapf(err, "upload %s", c.URI(key))
	}
	if err := w.Close(); err != nil {
		return StoredObject{}, c.wrap(key, err)
	}

	created := c.now()
	if attrs := w.Attrs(); attrs != nil {
		created = attrs.Created
		if attrs.ContentType != "" {
			contentType = attrs.ContentType
		}
	}
	return StoredObject{
		Path:        key,
		Backend:     BackendRemote,
		Size:        n,
		ContentType: contentType,
		CreatedAt:   created,
	}, nil
}

func (c *GCSClient) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	key, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	// The stream outlives this call, so its deadline is released by Close.
	ctx, cancel := context.WithTimeout(ctx, c.transferTimeout)
	rd, err := c.bucket.Object(key).NewReader(ctx)
	if err != nil {
		cancel()
		return nil, c.wrap(key, err)
	}
	return &cancelOnClose{ReadCloser: rd, cancel: cancel}, nil
}

func (c *GCSClient) Delete(ctx context.Context, p string) error {
	key, err := CleanPath(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.bucket.Object(key).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return c.wrap(key, err)
	}
	return nil
}

func (c *GCSClient) Exists(ctx context.Context, p string) (bool, error) {
	_, err := c.Stat(ctx, p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *GCSClient) Stat(ctx context.Context, p string) (ObjectInfo, error) {
	key, err := CleanPath(p)
	if err != nil {
		return ObjectInfo{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	attrs, err := c.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return ObjectInfo{}, c.wrap(key, err)
	}
	return objectInfo(attrs), nil
}

func (c *GCSClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	norm, err := normalizePrefix(prefix)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	var out []ObjectInfo
	it := c.bucket.Objects(ctx, &gcs.Query{Prefix: norm})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(ErrBackendUnavailable, "list %s: %v", c.URI(norm), err)
		}
		out = append(out, objectInfo(attrs))
	}
	return out, nil
}

func (c *GCSClient) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	objects, err := c.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, obj := range objects {
		if err := c.Delete(ctx, obj.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ApplyLifecycleRule adds a delete-after-age rule for prefix to the bucket. Rules
// already present for prefix, and rules this service did not create, are left intact.
func (c *GCSClient) ApplyLifecycleRule(ctx context.Context, prefix string, ageDays int) error {
	norm, err := normalizePrefix(prefix)
	if err != nil {
		return err
	}
	if IsRetentionExempt(norm) {
		return errors.Wrapf(ErrRetentionExempt, "%s", norm)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	attrs, err := c.bucket.Attrs(ctx)
	if err != nil {
		return errors.Wrapf(ErrBackendUnavailable, "bucket %s: %v", c.name, err)
	}

	if _, changed := mergeLifecycleRule(managedRules(attrs.Lifecycle), norm, ageDays); !changed {
		log.Debug().Str("bucket", c.name).Str("prefix", norm).Msg("storage: lifecycle rule already present")
		return nil
	}

	rules := append([]gcs.LifecycleRule{}, attrs.Lifecycle.Rules...)
	rules = append(rules, gcs.LifecycleRule{
		Action:    gcs.LifecycleAction{Type: gcs.DeleteAction},
		Condition: gcs.LifecycleCondition{AgeInDays: int64(ageDays), MatchesPrefix: []string{norm}},
	})

	// Metageneration guards against clobbering a concurrent update from another replica.
	_, err = c.bucket.If(gcs.BucketConditions{MetagenerationMatch: attrs.MetaGeneration}).
		Update(ctx, gcs.BucketAttrsToUpdate{Lifecycle: &gcs.Lifecycle{Rules: rules}})
	if err != nil {
		return errors.Wrapf(ErrBackendUnavailable, "update lifecycle on %s: %v", c.name, err)
	}
	log.Info().Str("bucket", c.name).Str("prefix", norm).Int("age_days", ageDays).Msg("storage: lifecycle rule applied")
	return nil
}

// managedRules extracts the prefix-scoped delete rules from a bucket lifecycle.
func managedRules(l gcs.Lifecycle) []LifecycleRule {
	var out []LifecycleRule
	for _, r := range l.Rules {
		if r.Action.Type != gcs.DeleteAction {
			continue
		}
		for _, prefix := range r.Condition.MatchesPrefix {
			out = append(out, LifecycleRule{Prefix: prefix, AgeDays: int(r.Condition.AgeInDays)})
		}
	}
	return out
}

func objectInfo(attrs *gcs.ObjectAttrs) ObjectInfo {
	return ObjectInfo{
		Key:         attrs.Name,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		Updated:     attrs.Updated,
	}
}

func (c *GCSClient) wrap(key string, err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return errors.Wrapf(ErrNotFound, "%s", c.URI(key))
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusForbidden {
		return errors.Wrapf(ErrObjectUnreadable, "%s: %v", c.URI(key), err)
	}
	return errors.Wrapf(ErrBackendUnavailable, "%s: %v", c.URI(key), err)
}

// cancelOnClose releases the stream context when the reader is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelOnClose) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}

var _ RemoteStore = (*GCSClient)(nil)
