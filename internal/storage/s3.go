package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// S3Config encapsulates the connection info for S3-compatible storage.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// PublicRead allows falling back to unsigned object links.
	PublicRead       bool
	OperationTimeout time.Duration
	TransferTimeout  time.Duration
}

// s3PartSize is the multipart buffer per upload. Streams are capped at 10000 parts.
const s3PartSize = 16 << 20

var setMinioRetry sync.Once

// S3Client implements RemoteStore and URLGenerator for S3-compatible services.
type S3Client struct {
	client          *minio.Client
	bucket          string
	endpoint        *url.URL
	publicRead      bool
	opTimeout       time.Duration
	transferTimeout time.Duration
	now             func() time.Time
}

// NewS3Client builds a new S3Client with path-style bucket lookup.
func NewS3Client(cfg S3Config) (*S3Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint must be provided")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials must be provided")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket must be provided")
	}

	endpoint := cfg.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "https"
		if !cfg.UseSSL {
			scheme = "http"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, strings.TrimPrefix(cfg.Endpoint, "//"))
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid s3 endpoint %q: %w", cfg.Endpoint, err)
	}

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	// minio retries up to ten times by default; the storage layer allows one retry.
	setMinioRetry.Do(func() { minio.MaxRetry = 2 })

	client, err := minio.New(u.Host, &minio.Options{
		Creds:        miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       u.Scheme == "https",
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, errors.Wrapf(ErrBackendUnavailable, "s3 client: %v", err)
	}

	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 10 * time.Minute
	}
	return &S3Client{
		client:          client,
		bucket:          cfg.Bucket,
		endpoint:        u,
		publicRead:      cfg.PublicRead,
		opTimeout:       cfg.OperationTimeout,
		transferTimeout: cfg.TransferTimeout,
		now:             time.Now,
	}, nil
}

func (c *S3Client) Backend() Backend {
	return BackendRemote
}

func (c *S3Client) URI(p string) string {
	return fmt.Sprintf("s3://%s/%s", c.bucket, p)
}

func (c *S3Client) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	ok, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return errors.Wrapf(ErrBackendUnavailable, "bucket %s: %v", c.bucket, err)
	}
	if !ok {
		return errors.Wrapf(ErrBackendUnavailable, "bucket %s does not exist", c.bucket)
	}
	return nil
}

func (c *S3Client) Put(ctx context.Context, p string, r io.Reader, contentType string) (StoredObject, error) {
	key, err := CleanPath(p)
	if err != nil {
		return StoredObject{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.transferTimeout)
	defer cancel()

	// S3 only exposes the object once the (multipart) upload completes.
	info, err := c.client.PutObject(ctx, c.bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: contentType,
		PartSize:    s3PartSize,
	})
	if err != nil {
		return StoredObject{}, c.wrap(key, err)
	}
	created := info.LastModified
	if created.IsZero() {
		created = c.now()
	}
	return StoredObject{
		Path:        key,
		Backend:     BackendRemote,
		Size:        info.Size,
		ContentType: contentType,
		CreatedAt:   created,
	}, nil
}

func (c *S3Client) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	key, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.transferTimeout)
	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		cancel()
		return nil, c.wrap(key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller starts reading.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		cancel()
		return nil, c.wrap(key, err)
	}
	return &cancelOnClose{ReadCloser: obj, cancel: cancel}, nil
}

func (c *S3Client) Delete(ctx context.Context, p string) error {
	key, err := CleanPath(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return c.wrap(key, err)
	}
	return nil
}

func (c *S3Client) Exists(ctx context.Context, p string) (bool, error) {
	_, err := c.Stat(ctx, p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *S3Client) Stat(ctx context.Context, p string) (ObjectInfo, error) {
	key, err := CleanPath(p)
	if err != nil {
		return ObjectInfo{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	info, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, c.wrap(key, err)
	}
	return ObjectInfo{Key: info.Key, Size: info.Size, ContentType: info.ContentType, Updated: info.LastModified}, nil
}

func (c *S3Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	norm, err := normalizePrefix(prefix)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	results := make([]ObjectInfo, 0)
	for object := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: norm, Recursive: true}) {
		if object.Err != nil {
			return nil, errors.Wrapf(ErrBackendUnavailable, "s3 list failed: %v", object.Err)
		}
		results = append(results, ObjectInfo{
			Key:         object.Key,
			Size:        object.Size,
			ContentType: object.ContentType,
			Updated:     object.LastModified,
		})
	}
	return results, nil
}

func (c *S3Client) DeletePrefix(ctx context.Context, prefix string) (int, error) {
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

// ApplyLifecycleRule adds an expiration rule for prefix unless one already exists.
func (c *S3Client) ApplyLifecycleRule(ctx context.Context, prefix string, ageDays int) error {
	norm, err := normalizePrefix(prefix)
	if err != nil {
		return err
	}
	if IsRetentionExempt(norm) {
		return errors.Wrapf(ErrRetentionExempt, "%s", norm)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	cfg, err := c.client.GetBucketLifecycle(ctx, c.bucket)
	if err != nil {
		if minio.ToErrorResponse(err).Code != "NoSuchLifecycleConfiguration" {
			return errors.Wrapf(ErrBackendUnavailable, "read lifecycle on %s: %v", c.bucket, err)
		}
		cfg = lifecycle.NewConfiguration()
	}

	existing := make([]LifecycleRule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		existing = append(existing, LifecycleRule{Prefix: s3RulePrefix(r), AgeDays: int(r.Expiration.Days)})
	}
	if _, changed := mergeLifecycleRule(existing, norm, ageDays); !changed {
		return nil
	}

	cfg.Rules = append(cfg.Rules, lifecycle.Rule{
		ID:         "expire-" + strings.TrimSuffix(strings.ReplaceAll(norm, "/", "-"), "-"),
		Status:     "Enabled",
		RuleFilter: lifecycle.Filter{Prefix: norm},
		Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(ageDays)},
	})
	if err := c.client.SetBucketLifecycle(ctx, c.bucket, cfg); err != nil {
		return errors.Wrapf(ErrBackendUnavailable, "update lifecycle on %s: %v", c.bucket, err)
	}
	log.Info().Str("bucket", c.bucket).Str("prefix", norm).Int("age_days", ageDays).Msg("storage: lifecycle rule applied")
	return nil
}

// s3RulePrefix returns the prefix a rule is scoped to, wherever the rule declares it.
func s3RulePrefix(r lifecycle.Rule) string {
	switch {
	case r.RuleFilter.Prefix != "":
		return r.RuleFilter.Prefix
	case r.RuleFilter.And.Prefix != "":
		return r.RuleFilter.And.Prefix
	default:
		return r.Prefix
	}
}

// GenerateURL presigns a GET with the static access key, falling back to a plain
// object link when the bucket is public.
func (c *S3Client) GenerateURL(ctx context.Context, p string, ttl time.Duration) (AccessDescriptor, error) {
	key, err := CleanPath(p)
	if err != nil {
		return AccessDescriptor{}, err
	}
	if ttl > maxSignedURLTTL {
		ttl = maxSignedURLTTL
	}

	genErr := &URLGenerationError{Path: key, Attempted: []string{string(strategyLocalSignature)}}
	expires := c.now().Add(ttl)
	signed, err := c.client.PresignedGetObject(ctx, c.bucket, key, ttl, url.Values{})
	if err == nil {
		return AccessDescriptor{URLType: URLTypeSigned, URL: signed.String(), ExpiresAt: &expires}, nil
	}
	genErr.Causes = append(genErr.Causes, fmt.Sprintf("%s: %v", strategyLocalSignature, err))
	log.Warn().Err(err).Str("path", key).Msg("storage: s3 presign failed, trying next")

	genErr.Attempted = append(genErr.Attempted, string(strategyDirect))
	if !c.publicRead {
		genErr.Causes = append(genErr.Causes, fmt.Sprintf("%s: bucket %s is not publicly readable", strategyDirect, c.bucket))
		return AccessDescriptor{}, genErr
	}
	direct := *c.endpoint
	direct.Path = "/" + c.bucket + "/" + key
	return AccessDescriptor{URLType: URLTypeDirect, URL: direct.String()}, nil
}

func (c *S3Client) wrap(key string, err error) error {
	if isNoSuchKey(err) {
		return errors.Wrapf(ErrNotFound, "%s", c.URI(key))
	}
	if minio.ToErrorResponse(err).StatusCode == http.StatusForbidden {
		return errors.Wrapf(ErrObjectUnreadable, "%s: %v", c.URI(key), err)
	}
	return errors.Wrapf(ErrBackendUnavailable, "%s: %v", c.URI(key), err)
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

var (
	_ RemoteStore  = (*S3Client)(nil)
	_ URLGenerator = (*S3Client)(nil)
)
