package storage

import (
	"context"

	"github.com/andresuchdata/videodub/internal/config"
	"github.com/andresuchdata/videodub/internal/credentials"
	"github.com/andresuchdata/videodub/internal/metrics"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"google.golang.org/api/impersonate"
	"google.golang.org/api/option"
)

// NewInspector builds the credential inspector for cfg.
func NewInspector(cfg config.StorageConfig) *credentials.Inspector {
	return credentials.NewInspector(credentials.Options{
		CredentialsFile:    cfg.CredentialsFile,
		ImpersonateAccount: cfg.ImpersonateAccount,
		ProbeTimeout:       cfg.MetadataProbeTimeout(),
		NegativeProbeTTL:   cfg.NegativeProbeTTL(),
	})
}

// NewLocalFromConfig builds the local client with the configured directory overrides.
func NewLocalFromConfig(fs afero.Fs, cfg config.StorageConfig) *LocalClient {
	return NewLocalClient(fs, cfg.LocalRoot, map[string]string{
		PrefixUploads: cfg.UploadDir,
		PrefixTemp:    cfg.TempDir,
		PrefixOutputs: cfg.OutputDir,
	})
}

// NewFromConfig assembles the FileManager for the configured backend. Remote setup
// errors never fail the call; they downgrade the manager to local storage.
func NewFromConfig(ctx context.Context, cfg config.StorageConfig, rec metrics.Recorder) *FileManager {
	opts := FileManagerOptions{
		Local:           NewLocalFromConfig(afero.NewOsFs(), cfg),
		RemoteRequested: cfg.IsRemote(),
		DefaultTTL:      cfg.SignedURLTTL(),
		EnableLifecycle: cfg.EnableLifecycle,
		RetentionDays:   cfg.RetentionDays,
		Metrics:         rec,
	}

	switch cfg.Backend {
	case config.BackendGCS:
		client, err := newGCSFromConfig(ctx, cfg)
		if err != nil {
			opts.RemoteInitErr = err
			break
		}
		opts.Remote = client
		opts.URLs = NewGCSURLGenerator(GCSURLGeneratorOptions{
			Bucket:     cfg.Bucket,
			Inspector:  NewInspector(cfg),
			Signer:     credentials.NewIAMSigner(),
			PublicRead: cfg.PublicRead,
			Timeout:    cfg.OperationTimeout(),
			Metrics:    rec,
		})
	case config.BackendS3:
		client, err := NewS3Client(S3Config{
			Endpoint:         cfg.S3.Endpoint,
			AccessKey:        cfg.S3.AccessKey,
			SecretKey:        cfg.S3.SecretKey,
			Bucket:           cfg.S3.Bucket,
			Region:           cfg.S3.Region,
			UseSSL:           cfg.S3.UseSSL,
			PublicRead:       cfg.PublicRead,
			OperationTimeout: cfg.OperationTimeout(),
			TransferTimeout:  cfg.TransferTimeout(),
		})
		if err != nil {
			opts.RemoteInitErr = err
			break
		}
		opts.Remote = client
		opts.URLs = client
	}

	return NewFileManager(ctx, opts)
}

func newGCSFromConfig(ctx context.Context, cfg config.StorageConfig) (*GCSClient, error) {
	var clientOpts []option.ClientOption
	switch {
	case cfg.ImpersonateAccount != "":
		ts, err := impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
			TargetPrincipal: cfg.ImpersonateAccount,
			Scopes:          []string{credentials.CloudPlatformScope},
		})
		if err != nil {
			return nil, errors.Wrapf(ErrBackendUnavailable, "impersonate %s: %v", cfg.ImpersonateAccount, err)
		}
		clientOpts = append(clientOpts, option.WithTokenSource(ts))
	case cfg.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	return NewGCSClient(ctx, GCSConfig{
		Bucket:           cfg.Bucket,
		ProjectID:        cfg.ProjectID,
		OperationTimeout: cfg.OperationTimeout(),
		TransferTimeout:  cfg.TransferTimeout(),
	}, clientOpts...)
}
