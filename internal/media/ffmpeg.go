// Package media wraps the ffmpeg and ffprobe binaries used to pull audio out of a
// video, assemble synthesized speech and put the result back.
package media

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	execute "github.com/alexellis/go-execute/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	sampleRate = 44100
	channels   = 2
)

// Clip is an audio file placed at an offset in the output track.
type Clip struct {
	Path  string
	Start float64
}

// Processor is what the pipeline needs from a media tool.
type Processor interface {
	ExtractAudio(ctx context.Context, video, out string) error
	Duration(ctx context.Context, path string) (float64, error)
	CombineSegments(ctx context.Context, clips []Clip, duration float64, out string) error
	Concat(ctx context.Context, files []string, out string) error
	Mix(ctx context.Context, vocals, music, out string, vocalBalance float64) error
	ReplaceAudio(ctx context.Context, video, audio, out string) error
}

// ExecError carries the tail of ffmpeg's stderr.
type ExecError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
}

type runner func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error)

func execTask(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error) {
	return task.Execute(ctx)
}

// FFmpeg runs the real binaries. Scratch files such as concat lists are written
// through fs, which must be the same filesystem ffmpeg sees.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
	fs      afero.Fs
	run     runner
}

func NewFFmpeg(ffmpegBin, ffprobeBin string, fs afero.Fs) *FFmpeg {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if ffprobeBin == "" {
		ffprobeBin = "ffprobe"
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FFmpeg{ffmpeg: ffmpegBin, ffprobe: ffprobeBin, fs: fs, run: execTask}
}

func (f *FFmpeg) exec(ctx context.Context, bin string, args []string) (string, error) {
	log.Debug().Str("command", bin).Strs("args", args).Msg("media: running")
	res, err := f.run(ctx, execute.ExecTask{Command: bin, Args: args})
	if err != nil {
		return "", errors.Wrapf(err, "run %s", bin)
	}
	if res.Cancelled {
		return "", errors.Wrapf(ctx.Err(), "%s cancelled", bin)
	}
	if res.ExitCode != 0 {
		return "", &ExecError{Command: bin, ExitCode: res.ExitCode, Stderr: tail(res.Stderr, 600)}
	}
	return res.Stdout, nil
}

func (f *FFmpeg) ExtractAudio(ctx context.Context, video, out string) error {
	_, err := f.exec(ctx, f.ffmpeg, extractArgs(video, out))
	return errors.Wrap(err, "audio extraction failed")
}

func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	stdout, err := f.exec(ctx, f.ffprobe, []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	})
	if err != nil {
		return 0, errors.Wrap(err, "probe failed")
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(stdout), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "unexpected ffprobe output %q", stdout)
	}
	return d, nil
}

// CombineSegments lays every clip over a silent track of the given duration in a
// single filter graph.
func (f *FFmpeg) CombineSegments(ctx context.Context, clips []Clip, duration float64, out string) error {
	_, err := f.exec(ctx, f.ffmpeg, combineArgs(clips, duration, out))
	return errors.Wrap(err, "audio combination failed")
}

// Concat joins files back to back, ignoring their timestamps.
func (f *FFmpeg) Concat(ctx context.Context, files []string, out string) error {
	if len(files) == 0 {
		return errors.New("nothing to concatenate")
	}
	list := strings.TrimSuffix(out, filepath.Ext(out)) + "_concat.txt"
	var b strings.Builder
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := afero.WriteFile(f.fs, list, []byte(b.String()), 0o644); err != nil {
		return errors.Wrap(err, "write concat list")
	}
	defer f.fs.Remove(list)

	_, err := f.exec(ctx, f.ffmpeg, []string{
		"-y", "-f", "concat", "-safe", "0", "-i", list,
		"-c:a", "pcm_s16le", "-ar", "24000", "-ac", "1",
		out,
	})
	return errors.Wrap(err, "concatenation failed")
}

// Mix blends the dubbed vocals with the separated music. vocalBalance 1 keeps only
// vocals, 0 only music.
func (f *FFmpeg) Mix(ctx context.Context, vocals, music, out string, vocalBalance float64) error {
	_, err := f.exec(ctx, f.ffmpeg, mixArgs(vocals, music, out, vocalBalance))
	return errors.Wrap(err, "audio mixing failed")
}

// ReplaceAudio copies the video stream and swaps in audio.
func (f *FFmpeg) ReplaceAudio(ctx context.Context, video, audio, out string) error {
	_, err := f.exec(ctx, f.ffmpeg, []string{
		"-y", "-i", video, "-i", audio,
		"-map", "0:v", "-map", "1:a",
		"-c:v", "copy", "-c:a", "aac", "-strict", "experimental",
		out,
	})
	return errors.Wrap(err, "video audio replacement failed")
}

func extractArgs(video, out string) []string {
	return []string{
		"-y", "-i", video,
		"-vn", "-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(channels), "-ar", strconv.Itoa(sampleRate),
		out,
	}
}

func combineArgs(clips []Clip, duration float64, out string) []string {
	silence := fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=%d", sampleRate)
	args := []string{"-y", "-f", "lavfi", "-t", strconv.FormatFloat(duration, 'f', 3, 64), "-i", silence}
	for _, c := range clips {
		args = append(args, "-i", c.Path)
	}

	var filters []string
	mixInputs := "[0:a]"
	weights := []string{"1"}
	for i, c := range clips {
		label := fmt.Sprintf("d%d", i)
		if ms := int(c.Start * 1000); ms > 0 {
			filters = append(filters, fmt.Sprintf("[%d:a]adelay=%d|%d[%s]", i+1, ms, ms, label))
		} else {
			filters = append(filters, fmt.Sprintf("[%d:a]acopy[%s]", i+1, label))
		}
		mixInputs += "[" + label + "]"
		weights = append(weights, "2")
	}
	filters = append(filters, fmt.Sprintf("%samix=inputs=%d:duration=first:dropout_transition=0:weights=%s[out]",
		mixInputs, len(clips)+1, strings.Join(weights, " ")))

	return append(args,
		"-filter_complex", strings.Join(filters, ";"),
		"-map", "[out]",
		"-c:a", "pcm_s16le", "-ar", strconv.Itoa(sampleRate), "-ac", strconv.Itoa(channels),
		out,
	)
}

func mixArgs(vocals, music, out string, vocalBalance float64) []string {
	v := strconv.FormatFloat(vocalBalance, 'f', 2, 64)
	m := strconv.FormatFloat(1-vocalBalance, 'f', 2, 64)
	graph := fmt.Sprintf("[0:a]volume=%s[v];[1:a]volume=%s[m];[v][m]amix=inputs=2:duration=longest:normalize=0[out]", v, m)
	return []string{
		"-y", "-i", vocals, "-i", music,
		"-filter_complex", graph,
		"-map", "[out]",
		"-c:a", "pcm_s16le", "-ar", strconv.Itoa(sampleRate), "-ac", strconv.Itoa(channels),
		out,
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

var _ Processor = (*FFmpeg)(nil)
