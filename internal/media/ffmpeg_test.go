package media

import (
	"context"
	"strings"
	"testing"

	execute "github.com/alexellis/go-execute/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	tasks  []execute.ExecTask
	result execute.ExecResult
	files  map[string]string
	fs     afero.Fs
}

func newRecordingFFmpeg(result execute.ExecResult) (*FFmpeg, *recorded) {
	rec := &recorded{result: result, files: map[string]string{}, fs: afero.NewMemMapFs()}
	f := NewFFmpeg("", "", rec.fs)
	f.run = func(_ context.Context, task execute.ExecTask) (execute.ExecResult, error) {
		rec.tasks = append(rec.tasks, task)
		for i, a := range task.Args {
			if a == "-i" && i+1 < len(task.Args) && strings.HasSuffix(task.Args[i+1], ".txt") {
				data, _ := afero.ReadFile(rec.fs, task.Args[i+1])
				rec.files[task.Args[i+1]] = string(data)
			}
		}
		return rec.result, nil
	}
	return f, rec
}

func TestExtractAudioArgs(t *testing.T) {
	f, rec := newRecordingFFmpeg(execute.ExecResult{})
	require.NoError(t, f.ExtractAudio(context.Background(), "/w/in.mp4", "/w/audio.wav"))
	require.Len(t, rec.tasks, 1)
	assert.Equal(t, "ffmpeg", rec.tasks[0].Command)
	assert.Equal(t, []string{"-y", "-i", "/w/in.mp4", "-vn", "-acodec", "pcm_s16le", "-ac", "2", "-ar", "44100", "/w/audio.wav"}, rec.tasks[0].Args)
}

func TestDurationParsesProbeOutput(t *testing.T) {
	f, rec := newRecordingFFmpeg(execute.ExecResult{Stdout: "12.480000\n"})
	d, err := f.Duration(context.Background(), "/w/in.mp4")
	require.NoError(t, err)
	assert.InDelta(t, 12.48, d, 1e-9)
	assert.Equal(t, "ffprobe", rec.tasks[0].Command)

	f, _ = newRecordingFFmpeg(execute.ExecResult{Stdout: "N/A"})
	_, err = f.Duration(context.Background(), "/w/in.mp4")
	assert.Error(t, err)
}

func TestNonZeroExitIsExecError(t *testing.T) {
	f, _ := newRecordingFFmpeg(execute.ExecResult{ExitCode: 1, Stderr: "Invalid data found when processing input"})
	err := f.ReplaceAudio(context.Background(), "a.mp4", "b.wav", "c.mp4")
	var ee *ExecError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.ExitCode)
	assert.Contains(t, err.Error(), "video audio replacement failed")
	assert.Contains(t, err.Error(), "Invalid data")
}

func TestCombineArgsDelaysClips(t *testing.T) {
	args := combineArgs([]Clip{{Path: "s0.wav", Start: 0}, {Path: "s1.wav", Start: 2.5}}, 10, "out.wav")
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-t 10.000 -i anullsrc=channel_layout=stereo:sample_rate=44100")
	assert.Contains(t, joined, "-i s0.wav -i s1.wav")

	var graph string
	for i, a := range args {
		if a == "-filter_complex" {
			graph = args[i+1]
		}
	}
	assert.Equal(t, "[1:a]acopy[d0];[2:a]adelay=2500|2500[d1];[0:a][d0][d1]amix=inputs=3:duration=first:dropout_transition=0:weights=1 2 2[out]", graph)
	assert.Equal(t, "out.wav", args[len(args)-1])
}

func TestMixArgsBalance(t *testing.T) {
	args := mixArgs("v.wav", "m.wav", "o.wav", 0.8)
	assert.Contains(t, strings.Join(args, " "), "[0:a]volume=0.80[v];[1:a]volume=0.20[m]")
}

func TestConcatWritesListAndRemovesIt(t *testing.T) {
	f, rec := newRecordingFFmpeg(execute.ExecResult{})
	require.NoError(t, f.Concat(context.Background(), []string{"/w/s0.wav", "/w/it's.wav"}, "/w/vocals.wav"))

	list := rec.files["/w/vocals_concat.txt"]
	assert.Equal(t, "file '/w/s0.wav'\nfile '/w/it'\\''s.wav'\n", list)
	ok, _ := afero.Exists(rec.fs, "/w/vocals_concat.txt")
	assert.False(t, ok)

	assert.Error(t, f.Concat(context.Background(), nil, "/w/x.wav"))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail(" abc \n", 10))
	assert.Equal(t, "...cde", tail("abcde", 3))
}
