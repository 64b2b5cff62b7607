package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresuchdata/videodub/internal/artifacts"
	"github.com/andresuchdata/videodub/internal/domain"
	"github.com/andresuchdata/videodub/internal/jobs"
	"github.com/andresuchdata/videodub/internal/media"
	"github.com/andresuchdata/videodub/internal/metrics"
	"github.com/andresuchdata/videodub/internal/storage"
	"github.com/andresuchdata/videodub/pkg/logger"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Files reads uploads from storage.
type Files interface {
	Open(ctx context.Context, p string) (io.ReadCloser, error)
}

// Artifacts records what a job produces.
type Artifacts interface {
	SaveArtifact(ctx context.Context, jobID string, kind artifacts.Kind, content []byte) (storage.StoredObject, error)
	SaveNamed(ctx context.Context, jobID string, kind artifacts.Kind, name string, content io.Reader, contentType string) (storage.StoredObject, error)
	Cleanup(ctx context.Context, jobID string) (int, error)
}

// Tracker receives progress updates.
type Tracker interface {
	Apply(id string, u jobs.Update) (jobs.Job, error)
}

// Deps are the collaborators a Worker drives.
type Deps struct {
	FS          afero.Fs
	Files       Files
	Artifacts   Artifacts
	Tracker     Tracker
	Media       media.Processor
	Transcriber Transcriber
	Translator  Translator
	Synthesizer Synthesizer
	Separator   Separator
	Metrics     metrics.Recorder
}

// Worker dubs one video at a time. Media work happens in a scratch directory on
// the local filesystem; everything worth keeping goes through storage.
type Worker struct {
	Deps
	config Config
	now    func() time.Time
}

// NewWorker creates a new pipeline worker
func NewWorker(deps Deps, config Config) *Worker {
	if deps.FS == nil {
		deps.FS = afero.NewOsFs()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if config.SegmentWorkers < 1 {
		config.SegmentWorkers = 1
	}
	if config.MinAudioBytes <= 0 {
		config.MinAudioBytes = DefaultConfig().MinAudioBytes
	}
	return &Worker{Deps: deps, config: config, now: time.Now}
}

// run is the state of one job while it is processed.
type run struct {
	req     Request
	dir     string
	logBuf  bytes.Buffer
	logger  zerolog.Logger
	tracker Tracker
}

func (r *run) stage(s Stage) {
	r.logger.Info().Int("progress", s.Progress).Msg(s.Message)
	if _, err := r.tracker.Apply(r.req.JobID, jobs.Update{Status: domain.StatusProcessing, Progress: s.Progress, Message: s.Message}); err != nil {
		log.Warn().Err(err).Str("job_id", r.req.JobID).Msg("pipeline: progress update failed")
	}
}

func (r *run) path(name string) string {
	return filepath.Join(r.dir, name)
}

// Process runs every stage for req and records the outcome in the tracker. The
// returned error is the reason the job failed, already reported to the tracker.
func (w *Worker) Process(ctx context.Context, req Request) (err error) {
	start := w.now()
	r := &run{req: req, tracker: w.Tracker}
	console := zerolog.ConsoleWriter{Out: &r.logBuf, NoColor: true, TimeFormat: time.RFC3339}
	r.logger = logger.Tee(console).With().Str("job_id", req.JobID).Logger()

	r.logger.Info().
		Str("file", req.OriginalName).
		Str("language", req.Options.Language).
		Str("voice", req.Options.Voice).
		Str("mode", string(req.Options.Mode)).
		Str("model", req.Options.SeparationModel).
		Float64("vocal_balance", req.Options.VocalBalance).
		Msg("Starting video processing")

	if err := w.FS.MkdirAll(w.config.ScratchDir, 0o755); err != nil {
		return w.fail(ctx, r, errors.Wrap(err, "create scratch root"))
	}
	r.dir, err = afero.TempDir(w.FS, w.config.ScratchDir, "dub-"+req.JobID+"-")
	if err != nil {
		return w.fail(ctx, r, errors.Wrap(err, "create scratch directory"))
	}
	defer func() {
		if rmErr := w.FS.RemoveAll(r.dir); rmErr != nil {
			log.Warn().Err(rmErr).Str("dir", r.dir).Msg("pipeline: scratch cleanup failed")
		}
	}()

	out, err := w.dub(ctx, r)
	if err != nil {
		return w.fail(ctx, r, err)
	}

	r.logger.Info().Str("output", out.Path).Dur("elapsed", w.now().Sub(start)).Msg(StageDone.Message)
	w.finish(ctx, r)
	if _, err := w.Tracker.Apply(req.JobID, jobs.Update{
		Status:     domain.StatusCompleted,
		Progress:   StageDone.Progress,
		Message:    StageDone.Message,
		ResultFile: out.Path,
	}); err != nil {
		log.Warn().Err(err).Str("job_id", req.JobID).Msg("pipeline: completion update failed")
	}
	w.Metrics.IncJobsCompleted(string(domain.StatusCompleted))
	return nil
}

func (w *Worker) fail(ctx context.Context, r *run, cause error) error {
	r.logger.Error().Err(cause).Msg("Video processing failed")
	w.finish(ctx, r)
	if _, err := w.Tracker.Apply(r.req.JobID, jobs.Update{
		Status:  domain.StatusError,
		Message: "Processing failed: " + cause.Error(),
		Error:   cause.Error(),
	}); err != nil {
		log.Warn().Err(err).Str("job_id", r.req.JobID).Msg("pipeline: failure update failed")
	}
	w.Metrics.IncJobsCompleted(string(domain.StatusError))
	return cause
}

// finish persists the processing log and drops intermediate files. It runs on a
// fresh context so a cancelled job still leaves its log behind.
func (w *Worker) finish(ctx context.Context, r *run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	if _, err := w.Artifacts.SaveArtifact(ctx, r.req.JobID, artifacts.KindProcessingLog, r.logBuf.Bytes()); err != nil {
		log.Warn().Err(err).Str("job_id", r.req.JobID).Msg("pipeline: saving processing log failed")
	}
	if w.config.KeepIntermediate {
		return
	}
	if _, err := w.Artifacts.Cleanup(ctx, r.req.JobID); err != nil {
		log.Warn().Err(err).Str("job_id", r.req.JobID).Msg("pipeline: processing cleanup failed")
	}
}

func (w *Worker) dub(ctx context.Context, r *run) (storage.StoredObject, error) {
	req := r.req
	ext := strings.ToLower(filepath.Ext(req.OriginalName))
	if ext == "" {
		ext = ".mp4"
	}

	r.stage(StageExtract)
	video := r.path("input" + ext)
	if err := w.fetch(ctx, req.UploadPath, video); err != nil {
		return storage.StoredObject{}, err
	}
	audio := r.path("extracted_audio.wav")
	if err := w.Media.ExtractAudio(ctx, video, audio); err != nil {
		return storage.StoredObject{}, err
	}
	duration, err := w.Media.Duration(ctx, video)
	if err != nil {
		return storage.StoredObject{}, err
	}

	vocals, music := w.separate(ctx, r, audio)

	r.stage(StageTranscribe)
	transcript, err := w.transcribe(ctx, vocals)
	if err != nil {
		return storage.StoredObject{}, err
	}
	if len(transcript.Transcription) == 0 {
		return storage.StoredObject{}, errors.New("no speech detected in the vocal track")
	}
	r.logger.Info().Int("segments", len(transcript.Transcription)).Msg("Transcription completed")
	w.saveJSON(ctx, r, artifacts.KindTranscript, transcript)

	r.stage(StageTranslate)
	translation, err := w.Translator.Translate(ctx, transcript, req.Options.Language)
	if err != nil {
		return storage.StoredObject{}, errors.Wrap(err, "translation failed")
	}
	w.saveJSON(ctx, r, artifacts.KindTranslation, translation)

	r.stage(StageSynthesize)
	clips, err := w.synthesize(ctx, r, translation)
	if err != nil {
		return storage.StoredObject{}, err
	}

	r.stage(StageCombine)
	newVocals, err := w.combine(ctx, r, clips, duration)
	if err != nil {
		return storage.StoredObject{}, err
	}

	r.stage(StageFinalize)
	final := newVocals
	if music != "" {
		final = w.mix(ctx, r, newVocals, music)
	}
	if err := w.checkAudio(final); err != nil {
		return storage.StoredObject{}, errors.Wrap(err, "final audio")
	}
	w.saveFile(ctx, r, artifacts.KindDubbedAudio, final)

	r.stage(StageRender)
	rendered := r.path("output_video" + ext)
	if err := w.Media.ReplaceAudio(ctx, video, final, rendered); err != nil {
		return storage.StoredObject{}, err
	}
	f, err := w.FS.Open(rendered)
	if err != nil {
		return storage.StoredObject{}, errors.Wrap(err, "open rendered video")
	}
	defer f.Close()
	return w.Artifacts.SaveNamed(ctx, req.JobID, artifacts.KindOutput, OutputName(req.OriginalName, w.now()), f, "")
}

func (w *Worker) fetch(ctx context.Context, src, dst string) error {
	rc, err := w.Files.Open(ctx, src)
	if err != nil {
		return errors.Wrapf(err, "open upload %s", src)
	}
	defer rc.Close()
	f, err := w.FS.Create(dst)
	if err != nil {
		return errors.Wrap(err, "create scratch copy")
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return errors.Wrap(err, "copy upload")
	}
	return f.Close()
}

// separate returns the track to transcribe and, when music was isolated, the
// music stem. A failed separation falls back to the original audio without music.
func (w *Worker) separate(ctx context.Context, r *run, audio string) (vocals, music string) {
	if r.req.Options.Mode != domain.ModePreserveMusic || w.Separator == nil {
		r.stage(StageSkipSeparate)
		return audio, ""
	}
	r.stage(StageSeparate)

	stems, err := func() (stemsOut [2][]byte, err error) {
		f, err := w.FS.Open(audio)
		if err != nil {
			return stemsOut, err
		}
		defer f.Close()
		s, err := w.Separator.Separate(ctx, f, filepath.Base(audio), r.req.Options.SeparationModel)
		if err != nil {
			return stemsOut, err
		}
		if int64(len(s.Vocals)) < w.config.MinAudioBytes || int64(len(s.Music)) < w.config.MinAudioBytes {
			return stemsOut, errors.New("separated stems are too small")
		}
		return [2][]byte{s.Vocals, s.Music}, nil
	}()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Audio separation failed, proceeding with the original audio")
		return audio, ""
	}

	vocals, music = r.path("vocals.wav"), r.path("music.wav")
	if err := afero.WriteFile(w.FS, vocals, stems[0], 0o644); err != nil {
		r.logger.Warn().Err(err).Msg("Writing vocals failed, proceeding with the original audio")
		return audio, ""
	}
	if err := afero.WriteFile(w.FS, music, stems[1], 0o644); err != nil {
		r.logger.Warn().Err(err).Msg("Writing music failed, proceeding without background music")
		return vocals, ""
	}
	w.save(ctx, r, artifacts.KindVocals, stems[0])
	w.save(ctx, r, artifacts.KindMusic, stems[1])
	return vocals, music
}

func (w *Worker) transcribe(ctx context.Context, audio string) (domain.Transcript, error) {
	f, err := w.FS.Open(audio)
	if err != nil {
		return domain.Transcript{}, errors.Wrap(err, "open vocal track")
	}
	defer f.Close()
	t, err := w.Transcriber.Transcribe(ctx, f, filepath.Base(audio))
	return t, errors.Wrap(err, "transcription failed")
}

// synthesize renders every non-empty segment concurrently.
func (w *Worker) synthesize(ctx context.Context, r *run, t domain.Transcript) ([]media.Clip, error) {
	opts := r.req.Options
	clips := make([]media.Clip, len(t.Transcription))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.SegmentWorkers)
	for i, seg := range t.Transcription {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		g.Go(func() error {
			audio, err := w.Synthesizer.Synthesize(gctx, seg.Text, opts.Voice, opts.Language)
			if err != nil {
				return errors.Wrapf(err, "speech synthesis failed for segment %d", i)
			}
			p := r.path(fmt.Sprintf("segment_%04d.wav", i))
			if err := afero.WriteFile(w.FS, p, audio, 0o644); err != nil {
				return err
			}
			clips[i] = media.Clip{Path: p, Start: seg.StartTime}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := clips[:0]
	for _, c := range clips {
		if c.Path != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no speech was generated")
	}
	r.logger.Info().Int("segments", len(out)).Msg("Speech generated")
	return out, nil
}

// combine places the clips on the video timeline, falling back to plain
// concatenation when the timed mix fails.
func (w *Worker) combine(ctx context.Context, r *run, clips []media.Clip, duration float64) (string, error) {
	out := r.path("new_vocals.wav")
	err := w.Media.CombineSegments(ctx, clips, duration, out)
	if err == nil {
		err = w.checkAudio(out)
	}
	if err == nil {
		return out, nil
	}
	r.logger.Warn().Err(err).Msg("Combining audio segments failed, concatenating instead")

	files := make([]string, len(clips))
	for i, c := range clips {
		files[i] = c.Path
	}
	if err := w.Media.Concat(ctx, files, out); err != nil {
		return "", errors.Wrap(err, "both primary and fallback audio combination failed")
	}
	if err := w.checkAudio(out); err != nil {
		return "", errors.Wrap(err, "both primary and fallback audio combination failed")
	}
	return out, nil
}

// mix returns the mixed track, or vocals alone when mixing fails.
func (w *Worker) mix(ctx context.Context, r *run, vocals, music string) string {
	out := r.path("final_mixed_audio.wav")
	err := w.Media.Mix(ctx, vocals, music, out, r.req.Options.VocalBalance)
	if err == nil {
		err = w.checkAudio(out)
	}
	if err != nil {
		r.logger.Warn().Err(err).Msg("Audio mixing failed, using vocals only")
		return vocals
	}
	return out
}

func (w *Worker) checkAudio(p string) error {
	info, err := w.FS.Stat(p)
	if err != nil {
		return errors.Wrap(err, "audio file missing")
	}
	if info.Size() < w.config.MinAudioBytes {
		return errors.Errorf("audio file is too small: %d bytes", info.Size())
	}
	return nil
}

// save stores an intermediate artifact. Failures are logged, not fatal.
func (w *Worker) save(ctx context.Context, r *run, kind artifacts.Kind, content []byte) {
	if _, err := w.Artifacts.SaveArtifact(ctx, r.req.JobID, kind, content); err != nil {
		r.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Saving artifact failed")
	}
}

func (w *Worker) saveJSON(ctx context.Context, r *run, kind artifacts.Kind, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		r.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Encoding artifact failed")
		return
	}
	w.save(ctx, r, kind, data)
}

func (w *Worker) saveFile(ctx context.Context, r *run, kind artifacts.Kind, p string) {
	f, err := w.FS.Open(p)
	if err != nil {
		r.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Saving artifact failed")
		return
	}
	defer f.Close()
	if _, err := w.Artifacts.SaveNamed(ctx, r.req.JobID, kind, "", f, "audio/wav"); err != nil {
		r.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Saving artifact failed")
	}
}

// OutputName names the dubbed video after the upload, e.g.
// clip_translated_20250101_120000.mp4.
func OutputName(original string, now time.Time) string {
	base := filepath.Base(original)
	if base == "." || base == string(filepath.Separator) {
		base = ""
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem = "video"
	}
	return fmt.Sprintf("%s_translated_%s%s", stem, now.Format("20060102_150405"), ext)
}
