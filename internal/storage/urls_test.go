package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresuchdata/videodub/internal/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type staticInspector struct {
	cred credentials.Context
}

func (s staticInspector) Inspect(context.Context) credentials.Context { return s.cred }

type fakeSigner struct {
	err   error
	calls int
}

func (f *fakeSigner) SignBlob(_ context.Context, _ string, _ oauth2.TokenSource, payload []byte) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte("signature"), nil
}

func testPrivateKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func tokenSource(expiry time.Time) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "ya29.test-token", Expiry: expiry})
}

func newTestGenerator(cred credentials.Context, signer credentials.BlobSigner, public bool) *GCSURLGenerator {
	return NewGCSURLGenerator(GCSURLGeneratorOptions{
		Bucket:     "dub-bucket",
		Inspector:  staticInspector{cred: cred},
		Signer:     signer,
		PublicRead: public,
		Timeout:    time.Second,
	})
}

func TestStrategiesFor(t *testing.T) {
	tests := []struct {
		kind credentials.Kind
		want []strategy
	}{
		{credentials.KindStaticKey, []strategy{strategyLocalSignature, strategyDirect}},
		{credentials.KindAttachedIdentity, []strategy{strategySignOnBehalf, strategyBearerToken, strategyDirect}},
		{credentials.KindDelegatedIdentity, []strategy{strategySignOnBehalf, strategyBearerToken, strategyDirect}},
		{credentials.KindUnknown, []strategy{strategyDirect}},
		{credentials.Kind("bogus"), []strategy{strategyDirect}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, strategiesFor(tt.kind))
		})
	}
}

func TestGenerateURLStaticKeySignsLocally(t *testing.T) {
	cred := credentials.Context{
		Kind:           credentials.KindStaticKey,
		CanSignLocally: true,
		Email:          "dubber@project.iam.gserviceaccount.com",
		PrivateKey:     testPrivateKeyPEM(t),
	}
	signer := &fakeSigner{}
	g := newTestGenerator(cred, signer, false)

	before := time.Now()
	desc, err := g.GenerateURL(context.Background(), "uploads/j1/video.mp4", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, URLTypeSigned, desc.URLType)
	assert.False(t, desc.RequiresAuthHeader)
	require.NotNil(t, desc.ExpiresAt)
	assert.WithinDuration(t, before.Add(time.Hour), *desc.ExpiresAt, 5*time.Second)
	assert.True(t, strings.HasPrefix(desc.URL, "https://storage.googleapis.com/dub-bucket/uploads/j1/video.mp4?"))
	assert.Contains(t, desc.URL, "X-Goog-Algorithm=GOOG4-RSA-SHA256")
	assert.Contains(t, desc.URL, "X-Goog-Signature=")
	assert.Zero(t, signer.calls, "a local key never calls the remote signer")
}

func TestGenerateURLAttachedIdentitySignsOnBehalf(t *testing.T) {
	cred := credentials.Context{
		Kind:        credentials.KindAttachedIdentity,
		Refreshable: true,
		Email:       "runtime@project.iam.gserviceaccount.com",
		TokenSource: tokenSource(time.Now().Add(30 * time.Minute)),
	}
	signer := &fakeSigner{}
	g := newTestGenerator(cred, signer, false)

	desc, err := g.GenerateURL(context.Background(), "outputs/j3/final.mp4", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, URLTypeSigned, desc.URLType)
	assert.Equal(t, 1, signer.calls)
	assert.Contains(t, desc.URL, "X-Goog-Signature=")
}

func TestGenerateURLAttachedIdentityFallsBackToToken(t *testing.T) {
	tokenExpiry := time.Now().Add(30 * time.Minute)
	cred := credentials.Context{
		Kind:        credentials.KindAttachedIdentity,
		Refreshable: true,
		Email:       "runtime@project.iam.gserviceaccount.com",
		TokenSource: tokenSource(tokenExpiry),
	}

	for name, signer := range map[string]credentials.BlobSigner{
		"signer fails": &fakeSigner{err: errors.New("permission denied on signBlob")},
		"no signer":    nil,
	} {
		t.Run(name, func(t *testing.T) {
			g := newTestGenerator(cred, signer, false)
			desc, err := g.GenerateURL(context.Background(), "outputs/j3/final.mp4", time.Hour)
			require.NoError(t, err)

			assert.Equal(t, URLTypeTokenQualified, desc.URLType)
			assert.True(t, desc.RequiresAuthHeader)
			assert.Contains(t, desc.URL, "access_token=ya29.test-token")
			require.NotNil(t, desc.ExpiresAt)
			assert.True(t, desc.ExpiresAt.Equal(tokenExpiry), "link lives no longer than the token")
		})
	}
}

// flakyTokenSource fails with the queued errors before handing out a token.
type flakyTokenSource struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *flakyTokenSource) Token() (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &oauth2.Token{AccessToken: "ya29.retried", Expiry: time.Now().Add(30 * time.Minute)}, nil
}

func TestGenerateURLTokenFetchRetriedOnce(t *testing.T) {
	unavailable := &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}}
	denied := &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusForbidden}}

	tests := []struct {
		name      string
		errs      []error
		wantType  URLType
		wantCalls int
	}{
		{name: "transient failure then token", errs: []error{unavailable}, wantType: URLTypeTokenQualified, wantCalls: 2},
		{name: "two transient failures", errs: []error{unavailable, unavailable}, wantCalls: 2},
		{name: "denied is not retried", errs: []error{denied}, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := &flakyTokenSource{errs: tt.errs}
			g := newTestGenerator(credentials.Context{
				Kind:        credentials.KindAttachedIdentity,
				Refreshable: true,
				TokenSource: ts,
			}, nil, false)

			desc, err := g.GenerateURL(context.Background(), "outputs/j3/final.mp4", time.Hour)
			assert.Equal(t, tt.wantCalls, ts.calls)
			if tt.wantType == "" {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, desc.URLType)
			assert.Contains(t, desc.URL, "access_token=ya29.retried")
		})
	}
}

func TestGenerateURLTokenWithoutExpiryIsCapped(t *testing.T) {
	cred := credentials.Context{
		Kind:        credentials.KindAttachedIdentity,
		Email:       "runtime@project.iam.gserviceaccount.com",
		TokenSource: tokenSource(time.Time{}),
	}
	g := newTestGenerator(cred, nil, false)

	desc, err := g.GenerateURL(context.Background(), "outputs/j3/final.mp4", 6*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, desc.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(maxTokenURLTTL), *desc.ExpiresAt, 5*time.Second)
}

func TestGenerateURLDelegatedRetriesExchangeOnce(t *testing.T) {
	calls := 0
	cred := credentials.Context{
		Kind:        credentials.KindDelegatedIdentity,
		Refreshable: true,
		Email:       "target@project.iam.gserviceaccount.com",
		Exchange: func(context.Context) (oauth2.TokenSource, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("intermediate token expired")
			}
			return tokenSource(time.Now().Add(time.Hour)), nil
		},
	}
	g := newTestGenerator(cred, nil, false)

	desc, err := g.GenerateURL(context.Background(), "outputs/j5/final.mp4", 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, URLTypeTokenQualified, desc.URLType)
	assert.Equal(t, 2, calls)
}

func TestGenerateURLDelegatedExchangeExhausted(t *testing.T) {
	calls := 0
	cred := credentials.Context{
		Kind:  credentials.KindDelegatedIdentity,
		Email: "target@project.iam.gserviceaccount.com",
		Exchange: func(context.Context) (oauth2.TokenSource, error) {
			calls++
			return nil, errors.New("exchange rejected")
		},
	}
	g := newTestGenerator(cred, &fakeSigner{}, false)

	_, err := g.GenerateURL(context.Background(), "outputs/j5/final.mp4", time.Hour)
	require.ErrorIs(t, err, ErrURLGenerationFailed)
	assert.Equal(t, 2, calls, "one exchange plus one retry, shared by every strategy")

	var genErr *URLGenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, []string{"sign_on_behalf", "bearer_token", "direct"}, genErr.Attempted)
	assert.Contains(t, genErr.Error(), ErrCredentialRefreshFailed.Error())
	assert.NotContains(t, genErr.Error(), "ya29")
}

func TestGenerateURLUnknownCredential(t *testing.T) {
	cred := credentials.Context{Kind: credentials.KindUnknown}

	_, err := newTestGenerator(cred, nil, false).GenerateURL(context.Background(), "outputs/j4/final.mp4", time.Hour)
	require.ErrorIs(t, err, ErrURLGenerationFailed)

	desc, err := newTestGenerator(cred, nil, true).GenerateURL(context.Background(), "outputs/j4/final video.mp4", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, URLTypeDirect, desc.URLType)
	assert.Nil(t, desc.ExpiresAt)
	assert.Equal(t, "https://storage.googleapis.com/dub-bucket/outputs/j4/final%20video.mp4", desc.URL)
}

func TestGenerateURLNeverReturnsExpiredLink(t *testing.T) {
	cred := credentials.Context{
		Kind:        credentials.KindAttachedIdentity,
		Email:       "runtime@project.iam.gserviceaccount.com",
		TokenSource: tokenSource(time.Now().Add(time.Hour)),
	}
	g := newTestGenerator(cred, nil, false)
	// Freeze the clock far in the future so the token expiry is in the past.
	g.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err := g.GenerateURL(context.Background(), "outputs/j1/final.mp4", time.Hour)
	require.ErrorIs(t, err, ErrURLGenerationFailed)
}

func TestGenerateURLRejectsBadInput(t *testing.T) {
	g := newTestGenerator(credentials.Context{Kind: credentials.KindUnknown}, nil, true)
	_, err := g.GenerateURL(context.Background(), "../secret", time.Hour)
	require.ErrorIs(t, err, ErrInvalidPath)

	_, err = g.GenerateURL(context.Background(), "outputs/j1/final.mp4", 0)
	require.Error(t, err)
}
