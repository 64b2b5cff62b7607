package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Backend identifies where a StoredObject physically lives.
type Backend int32

const (
	BackendLocal Backend = iota
	BackendRemote
)

func (b Backend) String() string {
	switch b {
	case BackendRemote:
		return "REMOTE"
	default:
		return "LOCAL"
	}
}

// MarshalText renders the backend name in JSON payloads.
func (b Backend) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *Backend) UnmarshalText(text []byte) error {
	switch string(text) {
	case "REMOTE":
		*b = BackendRemote
	case "LOCAL", "":
		*b = BackendLocal
	default:
		return fmt.Errorf("unknown backend %q", text)
	}
	return nil
}

// StoredObject describes one persisted file.
type StoredObject struct {
	Path        string    `json:"path"`
	Backend     Backend   `json:"backend"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// ObjectInfo represents metadata for a listed file/object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	Updated     time.Time
}

// ObjectStore captures the operations every backend supports. Paths are logical,
// slash-separated keys such as uploads/<job>/video.mp4.
type ObjectStore interface {
	// Put overwrites any object at path. The new content only becomes visible once
	// the whole stream has been written.
	Put(ctx context.Context, path string, r io.Reader, contentType string) (StoredObject, error)
	// Get returns ErrNotFound when path is absent. The caller closes the reader.
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete is idempotent.
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	Stat(ctx context.Context, path string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// DeletePrefix removes every object under prefix and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Backend() Backend
}

// RemoteStore is an ObjectStore backed by a network service.
type RemoteStore interface {
	ObjectStore
	// Validate checks that the configured bucket is reachable.
	Validate(ctx context.Context) error
	// ApplyLifecycleRule registers an age-based delete rule scoped to prefix.
	ApplyLifecycleRule(ctx context.Context, prefix string, ageDays int) error
	URI(path string) string
}

// URLType tells the caller what kind of access an AccessDescriptor grants.
type URLType string

const (
	URLTypeSigned         URLType = "signed_url"
	URLTypeTokenQualified URLType = "token_url"
	URLTypeDirect         URLType = "direct_url"
	URLTypeProxy          URLType = "proxy"
)

// AccessDescriptor is the answer to "how can this object be downloaded".
type AccessDescriptor struct {
	URLType            URLType    `json:"type"`
	URL                string     `json:"url,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	RequiresAuthHeader bool       `json:"requires_auth"`
}

// ExpiresIn returns the remaining lifetime of the descriptor, zero when it has no expiry.
func (d AccessDescriptor) ExpiresIn(now time.Time) time.Duration {
	if d.ExpiresAt == nil {
		return 0
	}
	return d.ExpiresAt.Sub(now)
}

// URLGenerator produces download links for remote objects.
type URLGenerator interface {
	GenerateURL(ctx context.Context, path string, ttl time.Duration) (AccessDescriptor, error)
}
