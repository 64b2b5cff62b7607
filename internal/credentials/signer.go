package credentials

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/andresuchdata/videodub/internal/retry"
	"golang.org/x/oauth2"
	iamcredentials "google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

// BlobSigner signs bytes on behalf of a service account without holding its key.
type BlobSigner interface {
	SignBlob(ctx context.Context, email string, ts oauth2.TokenSource, payload []byte) ([]byte, error)
}

// IAMSigner signs through the IAM Credentials signBlob API.
type IAMSigner struct {
	opts []option.ClientOption
}

func NewIAMSigner(opts ...option.ClientOption) *IAMSigner {
	return &IAMSigner{opts: opts}
}

func (s *IAMSigner) SignBlob(ctx context.Context, email string, ts oauth2.TokenSource, payload []byte) ([]byte, error) {
	if email == "" {
		return nil, fmt.Errorf("signBlob requires a service account email")
	}

	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, s.opts...)
	svc, err := iamcredentials.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("iamcredentials client: %w", err)
	}

	name := "projects/-/serviceAccounts/" + email
	req := &iamcredentials.SignBlobRequest{Payload: base64.StdEncoding.EncodeToString(payload)}

	var resp *iamcredentials.SignBlobResponse
	err = retry.Once(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = svc.Projects.ServiceAccounts.SignBlob(name, req).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("signBlob as %s: %w", email, err)
	}
	return base64.StdEncoding.DecodeString(resp.SignedBlob)
}

var _ BlobSigner = (*IAMSigner)(nil)
