// Package retry implements the single-retry policy used for calls to remote
// storage and identity endpoints.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/minio/minio-go/v7"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Once runs fn and, when it fails with a transient error while ctx is still live,
// runs it exactly one more time.
func Once(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil || !IsTransient(err) || ctx.Err() != nil {
		return err
	}
	return fn(ctx)
}

// IsTransient reports whether err looks like a network hiccup or a server-side
// failure. Authentication and authorization failures are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return transientStatus(gerr.Code)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response == nil {
			return false
		}
		return transientStatus(rerr.Response.StatusCode)
	}

	var merr minio.ErrorResponse
	if errors.As(err, &merr) {
		return transientStatus(merr.StatusCode)
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return false
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
