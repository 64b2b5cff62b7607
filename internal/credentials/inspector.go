package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"cloud.google.com/go/compute/metadata"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/impersonate"
)

const (
	defaultProbeTimeout     = time.Second
	defaultNegativeProbeTTL = 30 * time.Second
	envCredentials          = "GOOGLE_APPLICATION_CREDENTIALS"
)

// Credential file types understood by the inspector.
const (
	fileTypeServiceAccount = "service_account"
	fileTypeImpersonated   = "impersonated_service_account"
	fileTypeAuthorizedUser = "authorized_user"
	fileTypeExternal       = "external_account"
)

var impersonationTarget = regexp.MustCompile(`serviceAccounts/([^:/]+):generateAccessToken`)

// MetadataProber asks the runtime metadata endpoint for the attached service account.
type MetadataProber interface {
	ServiceAccountEmail(ctx context.Context) (string, error)
}

type metadataProber struct {
	client *metadata.Client
}

// NewMetadataProber returns a prober whose HTTP client gives up after timeout.
func NewMetadataProber(timeout time.Duration) MetadataProber {
	return &metadataProber{client: metadata.NewClient(&http.Client{Timeout: timeout})}
}

func (p *metadataProber) ServiceAccountEmail(ctx context.Context) (string, error) {
	return p.client.EmailWithContext(ctx, "default")
}

// Options configures an Inspector.
type Options struct {
	// CredentialsFile overrides GOOGLE_APPLICATION_CREDENTIALS.
	CredentialsFile string
	// ImpersonateAccount, when set, makes the inspector fall back to a delegated
	// identity acting as this service account.
	ImpersonateAccount string
	Scopes             []string
	ProbeTimeout       time.Duration
	NegativeProbeTTL   time.Duration
	Prober             MetadataProber
}

// Inspector classifies the ambient credential on every call. A detected static key
// is cached for the process lifetime; a failed metadata probe is remembered for
// NegativeProbeTTL only.
type Inspector struct {
	opts          Options
	readFile      func(string) ([]byte, error)
	getenv        func(string) string
	now           func() time.Time
	wellKnownFile string

	mu               sync.Mutex
	static           *Context
	probeFailedUntil time.Time
}

type credentialFile struct {
	Type                           string `json:"type"`
	ClientEmail                    string `json:"client_email"`
	PrivateKey                     string `json:"private_key"`
	ServiceAccountImpersonationURL string `json:"service_account_impersonation_url"`
}

func NewInspector(opts Options) *Inspector {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.NegativeProbeTTL <= 0 {
		opts.NegativeProbeTTL = defaultNegativeProbeTTL
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = []string{CloudPlatformScope}
	}
	if opts.Prober == nil {
		opts.Prober = NewMetadataProber(opts.ProbeTimeout)
	}

	var wellKnown string
	if dir, err := os.UserConfigDir(); err == nil {
		wellKnown = filepath.Join(dir, "gcloud", "application_default_credentials.json")
	}

	return &Inspector{
		opts:          opts,
		readFile:      os.ReadFile,
		getenv:        os.Getenv,
		now:           time.Now,
		wellKnownFile: wellKnown,
	}
}

// Inspect resolves the current credential. It always returns one of the four kinds;
// probe failures only mean "not this kind".
func (i *Inspector) Inspect(ctx context.Context) Context {
	i.mu.Lock()
	cached := i.static
	i.mu.Unlock()
	if cached != nil {
		return *cached
	}

	data, source := i.credentialFile()
	var file credentialFile
	if data != nil {
		if err := json.Unmarshal(data, &file); err != nil {
			log.Debug().Err(err).Str("source", source).Msg("credentials: unreadable credential file")
			data = nil
		}
	}

	if data != nil && file.Type == fileTypeServiceAccount && file.PrivateKey != "" {
		c, err := i.staticKey(data, source)
		if err == nil {
			i.mu.Lock()
			i.static = &c
			i.mu.Unlock()
			return c
		}
		log.Debug().Err(err).Str("source", source).Msg("credentials: service account key rejected")
	}

	if c, ok := i.attached(ctx); ok {
		return c
	}

	if c, ok := i.delegated(data, file, source); ok {
		return c
	}

	return Context{Kind: KindUnknown, Source: "none"}
}

func (i *Inspector) credentialFile() ([]byte, string) {
	candidates := []string{i.opts.CredentialsFile, i.getenv(envCredentials), i.wellKnownFile}
	for _, path := range candidates {
		if path == "" {
			continue
		}
		data, err := i.readFile(path)
		if err != nil {
			continue
		}
		return data, path
	}
	return nil, ""
}

func (i *Inspector) staticKey(data []byte, source string) (Context, error) {
	cfg, err := google.JWTConfigFromJSON(data, i.opts.Scopes...)
	if err != nil {
		return Context{}, err
	}
	return Context{
		Kind:           KindStaticKey,
		CanSignLocally: true,
		Email:          cfg.Email,
		Source:         source,
		PrivateKey:     cfg.PrivateKey,
		TokenSource:    cfg.TokenSource(context.Background()),
	}, nil
}

func (i *Inspector) attached(ctx context.Context) (Context, bool) {
	i.mu.Lock()
	skip := i.now().Before(i.probeFailedUntil)
	i.mu.Unlock()
	if skip {
		return Context{}, false
	}

	probeCtx, cancel := context.WithTimeout(ctx, i.opts.ProbeTimeout)
	defer cancel()

	email, err := i.opts.Prober.ServiceAccountEmail(probeCtx)
	if err != nil || email == "" {
		i.mu.Lock()
		i.probeFailedUntil = i.now().Add(i.opts.NegativeProbeTTL)
		i.mu.Unlock()
		log.Debug().Err(err).Msg("credentials: metadata server not reachable")
		return Context{}, false
	}

	return Context{
		Kind:        KindAttachedIdentity,
		Refreshable: true,
		Email:       email,
		Source:      "metadata server",
		TokenSource: google.ComputeTokenSource("", i.opts.Scopes...),
	}, true
}

func (i *Inspector) delegated(data []byte, file credentialFile, source string) (Context, bool) {
	scopes := i.opts.Scopes

	if target := i.opts.ImpersonateAccount; target != "" {
		return Context{
			Kind:        KindDelegatedIdentity,
			Refreshable: true,
			Email:       target,
			Source:      "impersonation of " + target,
			Exchange: func(ctx context.Context) (oauth2.TokenSource, error) {
				return impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
					TargetPrincipal: target,
					Scopes:          scopes,
				})
			},
		}, true
	}

	if data == nil {
		return Context{}, false
	}

	switch file.Type {
	case fileTypeImpersonated, fileTypeAuthorizedUser, fileTypeExternal:
	default:
		return Context{}, false
	}

	email := ""
	if m := impersonationTarget.FindStringSubmatch(file.ServiceAccountImpersonationURL); m != nil {
		email = m[1]
	}

	return Context{
		Kind:        KindDelegatedIdentity,
		Refreshable: true,
		Email:       email,
		Source:      source,
		Exchange: func(ctx context.Context) (oauth2.TokenSource, error) {
			creds, err := google.CredentialsFromJSON(ctx, data, scopes...)
			if err != nil {
				return nil, err
			}
			return creds.TokenSource, nil
		},
	}, true
}
