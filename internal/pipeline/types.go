package pipeline

import (
	"context"
	"io"

	"github.com/andresuchdata/videodub/internal/collab"
	"github.com/andresuchdata/videodub/internal/domain"
)

// Transcriber turns the vocal track into timed text
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (domain.Transcript, error)
}

// Translator translates a transcript, keeping segment timing
type Translator interface {
	Translate(ctx context.Context, in domain.Transcript, lang string) (domain.Transcript, error)
}

// Synthesizer renders one line of text as WAV audio
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice, lang string) ([]byte, error)
}

// Separator splits a mix into vocals and music
type Separator interface {
	Separate(ctx context.Context, audio io.Reader, filename, model string) (collab.Stems, error)
}

// Request describes one uploaded video to dub.
type Request struct {
	JobID        string
	UploadPath   string
	OriginalName string
	Options      domain.JobOptions
}

// Config holds the knobs of a Worker
type Config struct {
	ScratchDir       string // Local directory for per-job working files
	SegmentWorkers   int    // Concurrent speech synthesis calls per job
	MaxConcurrent    int    // Jobs processed at the same time
	MinAudioBytes    int64  // Smaller audio files are treated as failed renders
	KeepIntermediate bool   // Skip the processing/ cleanup at the end of a job
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ScratchDir:     "data/temp",
		SegmentWorkers: 4,
		MaxConcurrent:  3,
		MinAudioBytes:  1000,
	}
}

// Stage is a step of the dubbing pipeline with the progress reported when it starts.
type Stage struct {
	Progress int
	Message  string
}

var (
	StageExtract      = Stage{5, "Extracting audio from video..."}
	StageSeparate     = Stage{15, "Separating vocals from background music..."}
	StageSkipSeparate = Stage{15, "Skipping audio separation (replace all mode)..."}
	StageTranscribe   = Stage{30, "Transcribing vocal track..."}
	StageTranslate    = Stage{50, "Translating text..."}
	StageSynthesize   = Stage{70, "Generating speech..."}
	StageCombine      = Stage{85, "Combining audio segments..."}
	StageFinalize     = Stage{90, "Finalizing audio track..."}
	StageRender       = Stage{95, "Creating final video..."}
	StageDone         = Stage{100, "Processing completed successfully!"}
)
