// internal/config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backend names accepted by STORAGE_BACKEND.
const (
	BackendLocal = "local"
	BackendGCS   = "gcs"
	BackendS3    = "s3"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Cache    CacheConfig
	Pipeline PipelineConfig
}

type ServerConfig struct {
	Port           string
	Mode           string
	ReadTimeout    int
	WriteTimeout   int
	AllowedOrigins []string
	MaxFileSizeMB  int
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend string

	Bucket                  string
	ProjectID               string
	CredentialsFile         string
	ImpersonateAccount      string
	EnableLifecycle         bool
	RetentionDays           int
	PublicRead              bool
	SignedURLTTLMinutes     int
	OperationTimeoutSeconds int
	TransferTimeoutSeconds  int
	SweepIntervalHours      int
	MetadataProbeTimeoutMS  int
	NegativeProbeTTLSeconds int

	LocalRoot string
	UploadDir string
	TempDir   string
	OutputDir string

	S3 S3Config
}

// S3Config carries the connection info for an S3-compatible remote store.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type CacheConfig struct {
	Enabled               bool
	RedisURL              string
	RedisHost             string
	RedisPort             string
	RedisPassword         string
	RedisDB               int
	ArtifactIndexTTLHours int
}

// PipelineConfig holds the knobs of the dubbing pipeline and its collaborators.
type PipelineConfig struct {
	MaxConcurrentJobs          int
	FFmpegBinary               string
	FFprobeBinary              string
	TranscriptionURL           string
	TranslationURL             string
	SpeechURL                  string
	SeparationURL              string
	CollaboratorAPIKey         string
	CollaboratorTimeoutSeconds int
	DefaultLanguage            string
	DefaultSeparation          string
	DefaultMode                string
	DefaultVocalBalance        float64
}

// SignedURLTTL is the lifetime requested for generated download links.
func (s StorageConfig) SignedURLTTL() time.Duration {
	return time.Duration(s.SignedURLTTLMinutes) * time.Minute
}

// OperationTimeout bounds every remote call.
func (s StorageConfig) OperationTimeout() time.Duration {
	return time.Duration(s.OperationTimeoutSeconds) * time.Second
}

// TransferTimeout bounds a single upload or download stream.
func (s StorageConfig) TransferTimeout() time.Duration {
	return time.Duration(s.TransferTimeoutSeconds) * time.Second
}

func (s StorageConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalHours) * time.Hour
}

func (s StorageConfig) MetadataProbeTimeout() time.Duration {
	return time.Duration(s.MetadataProbeTimeoutMS) * time.Millisecond
}

func (s StorageConfig) NegativeProbeTTL() time.Duration {
	return time.Duration(s.NegativeProbeTTLSeconds) * time.Second
}

// IsRemote reports whether a remote backend was requested.
func (s StorageConfig) IsRemote() bool {
	return s.Backend == BackendGCS || s.Backend == BackendS3
}

var (
	once     sync.Once
	instance *Config
)

func Load() *Config {
	once.Do(func() {
		// Load .env file if it exists
		_ = godotenv.Load()

		setDefaults(viper.GetViper())

		// Read from environment variables
		viper.AutomaticEnv()

		instance = fromViper(viper.GetViper())

		// Local directories are needed even with a remote backend: the media tool
		// works on local files and the FileManager may downgrade to local storage.
		for _, dir := range []string{
			instance.Storage.LocalRoot,
			instance.Storage.UploadDir,
			instance.Storage.TempDir,
			instance.Storage.OutputDir,
		} {
			ensureDir(dir)
		}
	})

	return instance
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_MODE", "debug")
	v.SetDefault("SERVER_READ_TIMEOUT", 60)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 0)
	v.SetDefault("SERVER_ALLOWED_ORIGINS", []string{"*"})
	v.SetDefault("MAX_FILE_SIZE_MB", 500)

	v.SetDefault("STORAGE_BACKEND", BackendLocal)
	v.SetDefault("GCS_BUCKET_NAME", "")
	v.SetDefault("GOOGLE_CLOUD_PROJECT", "")
	v.SetDefault("GCS_CREDENTIALS_FILE", "")
	v.SetDefault("GCS_IMPERSONATE_SERVICE_ACCOUNT", "")
	v.SetDefault("GCS_ENABLE_LIFECYCLE", true)
	v.SetDefault("GCS_TEMP_FILE_RETENTION_DAYS", 7)
	v.SetDefault("STORAGE_PUBLIC_READ", false)
	v.SetDefault("STORAGE_SIGNED_URL_TTL_MINUTES", 60)
	v.SetDefault("STORAGE_OPERATION_TIMEOUT_SECONDS", 30)
	v.SetDefault("STORAGE_TRANSFER_TIMEOUT_SECONDS", 600)
	v.SetDefault("STORAGE_SWEEP_INTERVAL_HOURS", 24)
	v.SetDefault("STORAGE_METADATA_PROBE_TIMEOUT_MS", 1000)
	v.SetDefault("STORAGE_NEGATIVE_PROBE_TTL_SECONDS", 30)
	v.SetDefault("STORAGE_LOCAL_ROOT", "./static")
	v.SetDefault("UPLOAD_FOLDER", "./static/uploads")
	v.SetDefault("TEMP_FOLDER", "./static/temp")
	v.SetDefault("OUTPUT_FOLDER", "./static/outputs")
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_ACCESS_KEY", "")
	v.SetDefault("S3_SECRET_KEY", "")
	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_USE_SSL", true)

	v.SetDefault("CACHE_ENABLED", false)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_HOST", "127.0.0.1")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CACHE_ARTIFACT_INDEX_TTL_HOURS", 24*7)

	v.SetDefault("MAX_CONCURRENT_JOBS", 3)
	v.SetDefault("FFMPEG_BINARY", "ffmpeg")
	v.SetDefault("FFPROBE_BINARY", "ffprobe")
	v.SetDefault("TRANSCRIPTION_SERVICE_URL", "http://localhost:9001")
	v.SetDefault("TRANSLATION_SERVICE_URL", "http://localhost:9001")
	v.SetDefault("SPEECH_SERVICE_URL", "http://localhost:9002")
	v.SetDefault("SEPARATION_SERVICE_URL", "http://localhost:9003")
	v.SetDefault("COLLABORATOR_API_KEY", "")
	v.SetDefault("COLLABORATOR_TIMEOUT_SECONDS", 600)
	v.SetDefault("DEFAULT_TARGET_LANGUAGE", "pt-BR")
	v.SetDefault("DEFAULT_SEPARATION_MODEL", "htdemucs")
	v.SetDefault("DEFAULT_PROCESSING_MODE", "preserve_music")
	v.SetDefault("DEFAULT_VOCAL_MUSIC_BALANCE", 0.8)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:           v.GetString("SERVER_PORT"),
			Mode:           v.GetString("SERVER_MODE"),
			ReadTimeout:    v.GetInt("SERVER_READ_TIMEOUT"),
			WriteTimeout:   v.GetInt("SERVER_WRITE_TIMEOUT"),
			AllowedOrigins: v.GetStringSlice("SERVER_ALLOWED_ORIGINS"),
			MaxFileSizeMB:  v.GetInt("MAX_FILE_SIZE_MB"),
		},
		Storage: StorageConfig{
			Backend:                 strings.ToLower(strings.TrimSpace(v.GetString("STORAGE_BACKEND"))),
			Bucket:                  v.GetString("GCS_BUCKET_NAME"),
			ProjectID:               v.GetString("GOOGLE_CLOUD_PROJECT"),
			CredentialsFile:         v.GetString("GCS_CREDENTIALS_FILE"),
			ImpersonateAccount:      v.GetString("GCS_IMPERSONATE_SERVICE_ACCOUNT"),
			EnableLifecycle:         v.GetBool("GCS_ENABLE_LIFECYCLE"),
			RetentionDays:           v.GetInt("GCS_TEMP_FILE_RETENTION_DAYS"),
			PublicRead:              v.GetBool("STORAGE_PUBLIC_READ"),
			SignedURLTTLMinutes:     v.GetInt("STORAGE_SIGNED_URL_TTL_MINUTES"),
			OperationTimeoutSeconds: v.GetInt("STORAGE_OPERATION_TIMEOUT_SECONDS"),
			TransferTimeoutSeconds:  v.GetInt("STORAGE_TRANSFER_TIMEOUT_SECONDS"),
			SweepIntervalHours:      v.GetInt("STORAGE_SWEEP_INTERVAL_HOURS"),
			MetadataProbeTimeoutMS:  v.GetInt("STORAGE_METADATA_PROBE_TIMEOUT_MS"),
			NegativeProbeTTLSeconds: v.GetInt("STORAGE_NEGATIVE_PROBE_TTL_SECONDS"),
			LocalRoot:               v.GetString("STORAGE_LOCAL_ROOT"),
			UploadDir:               v.GetString("UPLOAD_FOLDER"),
			TempDir:                 v.GetString("TEMP_FOLDER"),
			OutputDir:               v.GetString("OUTPUT_FOLDER"),
			S3: S3Config{
				Endpoint:  v.GetString("S3_ENDPOINT"),
				AccessKey: v.GetString("S3_ACCESS_KEY"),
				SecretKey: v.GetString("S3_SECRET_KEY"),
				Bucket:    v.GetString("S3_BUCKET"),
				Region:    v.GetString("S3_REGION"),
				UseSSL:    v.GetBool("S3_USE_SSL"),
			},
		},
		Cache: CacheConfig{
			Enabled:               v.GetBool("CACHE_ENABLED"),
			RedisURL:              v.GetString("REDIS_URL"),
			RedisHost:             v.GetString("REDIS_HOST"),
			RedisPort:             v.GetString("REDIS_PORT"),
			RedisPassword:         v.GetString("REDIS_PASSWORD"),
			RedisDB:               v.GetInt("REDIS_DB"),
			ArtifactIndexTTLHours: v.GetInt("CACHE_ARTIFACT_INDEX_TTL_HOURS"),
		},
		Pipeline: PipelineConfig{
			MaxConcurrentJobs:          v.GetInt("MAX_CONCURRENT_JOBS"),
			FFmpegBinary:               v.GetString("FFMPEG_BINARY"),
			FFprobeBinary:              v.GetString("FFPROBE_BINARY"),
			TranscriptionURL:           v.GetString("TRANSCRIPTION_SERVICE_URL"),
			TranslationURL:             v.GetString("TRANSLATION_SERVICE_URL"),
			SpeechURL:                  v.GetString("SPEECH_SERVICE_URL"),
			SeparationURL:              v.GetString("SEPARATION_SERVICE_URL"),
			CollaboratorAPIKey:         v.GetString("COLLABORATOR_API_KEY"),
			CollaboratorTimeoutSeconds: v.GetInt("COLLABORATOR_TIMEOUT_SECONDS"),
			DefaultLanguage:            v.GetString("DEFAULT_TARGET_LANGUAGE"),
			DefaultSeparation:          v.GetString("DEFAULT_SEPARATION_MODEL"),
			DefaultMode:                v.GetString("DEFAULT_PROCESSING_MODE"),
			DefaultVocalBalance:        v.GetFloat64("DEFAULT_VOCAL_MUSIC_BALANCE"),
		},
	}
}

// Validate checks the backend-specific requirements.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendLocal:
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("GCS_BUCKET_NAME is required when using the gcs storage backend")
		}
		if c.Storage.ProjectID == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT is required when using the gcs storage backend")
		}
	case BackendS3:
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("S3_ENDPOINT and S3_BUCKET are required when using the s3 storage backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q (expected local, gcs or s3)", c.Storage.Backend)
	}
	if c.Storage.RetentionDays < 1 {
		return fmt.Errorf("GCS_TEMP_FILE_RETENTION_DAYS must be at least 1")
	}
	if c.Storage.SignedURLTTLMinutes < 1 {
		return fmt.Errorf("STORAGE_SIGNED_URL_TTL_MINUTES must be at least 1")
	}
	return nil
}

func ensureDir(dir string) {
	if dir == "" {
		return
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}
}
