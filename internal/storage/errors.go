package storage

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when the requested path does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrBackendUnavailable is returned when the remote store cannot be reached or is misconfigured.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	// ErrURLGenerationFailed is returned once every signing strategy has been exhausted.
	ErrURLGenerationFailed = errors.New("url generation failed")
	// ErrCredentialRefreshFailed is returned when a token exchange fails after its retry.
	ErrCredentialRefreshFailed = errors.New("credential refresh failed")
	// ErrObjectUnreadable is returned when an object exists but cannot be streamed.
	ErrObjectUnreadable = errors.New("object unreadable")
	// ErrInvalidPath is returned for empty, absolute or escaping paths.
	ErrInvalidPath = errors.New("invalid object path")
	// ErrRetentionExempt is returned when an age-based purge targets a protected prefix.
	ErrRetentionExempt = errors.New("prefix is exempt from automatic deletion")
)

// URLGenerationError records which strategies were tried for a path.
type URLGenerationError struct {
	Path      string
	Attempted []string
	Causes    []string
}

func (e *URLGenerationError) Error() string {
	return fmt.Sprintf("url generation failed for %s (attempted: %s): %s",
		e.Path, strings.Join(e.Attempted, ", "), strings.Join(e.Causes, "; "))
}

func (e *URLGenerationError) Unwrap() error {
	return ErrURLGenerationFailed
}
