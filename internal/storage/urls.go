package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/andresuchdata/videodub/internal/credentials"
	"github.com/andresuchdata/videodub/internal/metrics"
	"github.com/andresuchdata/videodub/internal/retry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	defaultStorageHost = "storage.googleapis.com"
	// maxSignedURLTTL is the longest lifetime a V4 signature accepts.
	maxSignedURLTTL = 7 * 24 * time.Hour
	// maxTokenURLTTL caps bearer token links when the token carries no expiry.
	maxTokenURLTTL = time.Hour
)

// strategy is one way of producing an AccessDescriptor.
type strategy string

const (
	strategyLocalSignature strategy = "local_signature"
	strategySignOnBehalf   strategy = "sign_on_behalf"
	strategyBearerToken    strategy = "bearer_token"
	strategyDirect         strategy = "direct"
)

// strategiesFor maps each credential kind to the ordered strategies worth trying.
func strategiesFor(kind credentials.Kind) []strategy {
	switch kind {
	case credentials.KindStaticKey:
		return []strategy{strategyLocalSignature, strategyDirect}
	case credentials.KindAttachedIdentity, credentials.KindDelegatedIdentity:
		return []strategy{strategySignOnBehalf, strategyBearerToken, strategyDirect}
	default:
		return []strategy{strategyDirect}
	}
}

// CredentialInspector resolves the credential to use for a signing attempt.
type CredentialInspector interface {
	Inspect(ctx context.Context) credentials.Context
}

// GCSURLGeneratorOptions configures a GCSURLGenerator.
type GCSURLGeneratorOptions struct {
	Bucket     string
	Inspector  CredentialInspector
	Signer     credentials.BlobSigner
	PublicRead bool
	Host       string
	Timeout    time.Duration
	Metrics    metrics.Recorder
}

// GCSURLGenerator picks a signing strategy from the active credential kind and
// walks the strategy list until one produces a link.
type GCSURLGenerator struct {
	bucket     string
	inspector  CredentialInspector
	signer     credentials.BlobSigner
	publicRead bool
	host       string
	timeout    time.Duration
	metrics    metrics.Recorder
	now        func() time.Time
}

func NewGCSURLGenerator(opts GCSURLGeneratorOptions) *GCSURLGenerator {
	if opts.Host == "" {
		opts.Host = defaultStorageHost
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &GCSURLGenerator{
		bucket:     opts.Bucket,
		inspector:  opts.Inspector,
		signer:     opts.Signer,
		publicRead: opts.PublicRead,
		host:       opts.Host,
		timeout:    opts.Timeout,
		metrics:    opts.Metrics,
		now:        time.Now,
	}
}

// attempt carries per-call state shared between strategies, so a delegated
// identity exchange happens at most once (plus its retry) per GenerateURL call.
type attempt struct {
	cred     credentials.Context
	ts       oauth2.TokenSource
	tsErr    error
	resolved bool
}

func (g *GCSURLGenerator) GenerateURL(ctx context.Context, objectPath string, ttl time.Duration) (AccessDescriptor, error) {
	p, err := CleanPath(objectPath)
	if err != nil {
		return AccessDescriptor{}, err
	}
	if ttl <= 0 {
		return AccessDescriptor{}, fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	cred := g.inspector.Inspect(ctx)
	a := &attempt{cred: cred}

	genErr := &URLGenerationError{Path: p}
	for _, s := range strategiesFor(cred.Kind) {
		genErr.Attempted = append(genErr.Attempted, string(s))

		desc, err := g.run(ctx, s, a, p, ttl)
		if err == nil {
			if desc.ExpiresAt != nil && !desc.ExpiresAt.After(g.now()) {
				err = fmt.Errorf("%s produced an already expired link", s)
			} else {
				log.Debug().
					Str("path", p).
					Str("credential", cred.String()).
					Str("strategy", string(s)).
					Msg("storage: generated download url")
				g.metrics.IncAccessDescriptor(string(desc.URLType))
				return desc, nil
			}
		}

		genErr.Causes = append(genErr.Causes, fmt.Sprintf("%s: %v", s, err))
		log.Warn().
			Err(err).
			Str("path", p).
			Str("credential", string(cred.Kind)).
			Str("strategy", string(s)).
			Msg("storage: url strategy failed, trying next")
	}

	g.metrics.IncURLGenerationFailure()
	return AccessDescriptor{}, genErr
}

func (g *GCSURLGenerator) run(ctx context.Context, s strategy, a *attempt, p string, ttl time.Duration) (AccessDescriptor, error) {
	switch s {
	case strategyLocalSignature:
		return g.signLocally(a.cred, p, ttl)
	case strategySignOnBehalf:
		return g.signOnBehalf(ctx, a, p, ttl)
	case strategyBearerToken:
		return g.tokenQualified(ctx, a, p, ttl)
	case strategyDirect:
		return g.direct(p)
	}
	return AccessDescriptor{}, fmt.Errorf("unknown strategy %q", s)
}

func (g *GCSURLGenerator) signLocally(cred credentials.Context, p string, ttl time.Duration) (AccessDescriptor, error) {
	if !cred.CanSignLocally || len(cred.PrivateKey) == 0 || cred.Email == "" {
		return AccessDescriptor{}, fmt.Errorf("no local signing key")
	}
	return g.sign(p, ttl, func(opts *gcs.SignedURLOptions) {
		opts.GoogleAccessID = cred.Email
		opts.PrivateKey = cred.PrivateKey
	})
}

func (g *GCSURLGenerator) signOnBehalf(ctx context.Context, a *attempt, p string, ttl time.Duration) (AccessDescriptor, error) {
	if g.signer == nil {
		return AccessDescriptor{}, fmt.Errorf("signing on behalf is not supported by this backend")
	}
	if a.cred.Email == "" {
		return AccessDescriptor{}, fmt.Errorf("service account email unknown")
	}
	ts, err := g.tokenSource(ctx, a)
	if err != nil {
		return AccessDescriptor{}, err
	}

	signCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.sign(p, ttl, func(opts *gcs.SignedURLOptions) {
		opts.GoogleAccessID = a.cred.Email
		opts.SignBytes = func(b []byte) ([]byte, error) {
			return g.signer.SignBlob(signCtx, a.cred.Email, ts, b)
		}
	})
}

func (g *GCSURLGenerator) sign(p string, ttl time.Duration, with func(*gcs.SignedURLOptions)) (AccessDescriptor, error) {
	if ttl > maxSignedURLTTL {
		ttl = maxSignedURLTTL
	}
	expires := g.now().Add(ttl)
	opts := &gcs.SignedURLOptions{
		Method:   http.MethodGet,
		Expires:  expires,
		Scheme:   gcs.SigningSchemeV4,
		Hostname: g.host,
	}
	with(opts)

	signed, err := gcs.SignedURL(g.bucket, p, opts)
	if err != nil {
		return AccessDescriptor{}, err
	}
	return AccessDescriptor{URLType: URLTypeSigned, URL: signed, ExpiresAt: &expires}, nil
}

func (g *GCSURLGenerator) tokenQualified(ctx context.Context, a *attempt, p string, ttl time.Duration) (AccessDescriptor, error) {
	ts, err := g.tokenSource(ctx, a)
	if err != nil {
		return AccessDescriptor{}, err
	}
	var tok *oauth2.Token
	err = retry.Once(ctx, func(ctx context.Context) error {
		var ferr error
		tok, ferr = fetchToken(ctx, ts, g.timeout)
		return ferr
	})
	if err != nil {
		return AccessDescriptor{}, err
	}

	now := g.now()
	expires := now.Add(ttl)
	if tok.Expiry.IsZero() {
		if ttl > maxTokenURLTTL {
			expires = now.Add(maxTokenURLTTL)
		}
	} else if tok.Expiry.Before(expires) {
		expires = tok.Expiry
	}

	link := g.objectURL(p) + "?access_token=" + url.QueryEscape(tok.AccessToken)
	return AccessDescriptor{
		URLType:            URLTypeTokenQualified,
		URL:                link,
		ExpiresAt:          &expires,
		RequiresAuthHeader: true,
	}, nil
}

func (g *GCSURLGenerator) direct(p string) (AccessDescriptor, error) {
	if !g.publicRead {
		return AccessDescriptor{}, fmt.Errorf("bucket %s is not publicly readable", g.bucket)
	}
	return AccessDescriptor{URLType: URLTypeDirect, URL: g.objectURL(p)}, nil
}

// tokenSource returns the token source for the attempt, performing the delegated
// identity exchange when needed. A failed exchange is retried once with a fresh
// exchange before giving up.
func (g *GCSURLGenerator) tokenSource(ctx context.Context, a *attempt) (oauth2.TokenSource, error) {
	if a.resolved {
		return a.ts, a.tsErr
	}
	a.resolved = true

	if a.cred.Exchange == nil {
		if a.cred.TokenSource == nil {
			a.tsErr = fmt.Errorf("credential %s has no token source", a.cred.Kind)
		}
		a.ts = a.cred.TokenSource
		return a.ts, a.tsErr
	}

	var lastErr error
	for i := 0; i < 2; i++ {
		ts, err := g.exchange(ctx, a.cred.Exchange)
		if err == nil {
			a.ts = ts
			return ts, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("storage: identity exchange failed")
	}
	a.tsErr = errors.Wrapf(ErrCredentialRefreshFailed, "%v", lastErr)
	return nil, a.tsErr
}

func (g *GCSURLGenerator) exchange(ctx context.Context, ex credentials.TokenExchanger) (oauth2.TokenSource, error) {
	exCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ts, err := ex(exCtx)
	if err != nil {
		return nil, err
	}
	// The exchange is only proven once a token has been minted.
	if _, err := fetchToken(ctx, ts, g.timeout); err != nil {
		return nil, err
	}
	return ts, nil
}

func (g *GCSURLGenerator) objectURL(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("https://%s/%s/%s", g.host, g.bucket, strings.Join(segments, "/"))
}

// fetchToken bounds oauth2.TokenSource.Token, which takes no context, by ctx and timeout.
func fetchToken(ctx context.Context, ts oauth2.TokenSource, timeout time.Duration) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		tok *oauth2.Token
		err error
	}
	ch := make(chan result, 1)
	go func() {
		tok, err := ts.Token()
		ch <- result{tok, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if !r.tok.Valid() {
			return nil, fmt.Errorf("token source returned an invalid token")
		}
		return r.tok, nil
	}
}

var _ URLGenerator = (*GCSURLGenerator)(nil)
