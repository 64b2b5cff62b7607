package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresuchdata/videodub/internal/artifacts"
	"github.com/andresuchdata/videodub/internal/domain"
	"github.com/andresuchdata/videodub/internal/download"
	"github.com/andresuchdata/videodub/internal/jobs"
	"github.com/andresuchdata/videodub/internal/pipeline"
	"github.com/andresuchdata/videodub/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ftyp box as written by ffmpeg for an isom/mp41 file.
var mp4Header = []byte{
	0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00,
	'i', 's', 'o', 'm', 'i', 's', 'o', '2', 'a', 'v', 'c', '1', 'm', 'p', '4', '1',
}

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []pipeline.Request
	err  error
}

func (s *recordingSubmitter) Submit(req pipeline.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reqs = append(s.reqs, req)
	return nil
}

type testEnv struct {
	router    *gin.Engine
	files     *storage.FileManager
	registry  *artifacts.Registry
	jobs      *jobs.Store
	submitter *recordingSubmitter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	fm := storage.NewFileManager(ctx, storage.FileManagerOptions{
		Local: storage.NewLocalClient(afero.NewMemMapFs(), "/data", nil),
	})
	reg := artifacts.NewRegistry(fm, nil)
	env := &testEnv{
		files:     fm,
		registry:  reg,
		jobs:      jobs.NewStore(),
		submitter: &recordingSubmitter{},
	}
	env.router = NewRouter(&Services{
		Jobs:     env.jobs,
		Registry: reg,
		Resolver: download.NewResolver(fm, reg, time.Hour),
		Pipeline: env.submitter,
		Storage:  fm,
		Defaults: domain.JobOptions{
			Language:        "pt-BR",
			SeparationModel: "htdemucs",
			Mode:            domain.ModePreserveMusic,
			VocalBalance:    0.8,
		},
		MaxUploadMB: 1,
	}, []string{"*"})
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" || content != nil {
		part, err := mw.CreateFormFile("video", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (e *testEnv) completedJob(t *testing.T, output string) string {
	t.Helper()
	ctx := context.Background()
	id := jobs.NewID()
	e.jobs.Create(id, "clip.mp4", domain.JobOptions{Language: "es-ES"})
	_, err := e.registry.SaveNamed(ctx, id, artifacts.KindOutput, "clip_translated.mp4", strings.NewReader(output), "video/mp4")
	require.NoError(t, err)
	_, err = e.jobs.Apply(id, jobs.Update{Status: domain.StatusCompleted, Progress: 100})
	require.NoError(t, err)
	return id
}

func TestUploadStartsJob(t *testing.T) {
	env := newTestEnv(t)
	video := append(append([]byte{}, mp4Header...), bytes.Repeat([]byte{0}, 256)...)

	w := env.do(uploadRequest(t, "My Clip.mp4", video, map[string]string{
		"target_language": "es-es",
		"vocal_balance":   "0.5",
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode(t, w)
	id, _ := resp["process_id"].(string)
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	require.Len(t, env.submitter.reqs, 1)
	req := env.submitter.reqs[0]
	assert.Equal(t, id, req.JobID)
	assert.Equal(t, "My Clip.mp4", req.OriginalName)
	assert.Equal(t, "es-ES", req.Options.Language)
	assert.Equal(t, "es-ES-Chirp3-HD-Zephyr", req.Options.Voice)
	assert.Equal(t, domain.ModePreserveMusic, req.Options.Mode)
	assert.Equal(t, "htdemucs", req.Options.SeparationModel)
	assert.InDelta(t, 0.5, req.Options.VocalBalance, 1e-9)
	assert.True(t, strings.HasPrefix(req.UploadPath, "uploads/"+id+"/"))
	assert.True(t, strings.HasSuffix(req.UploadPath, "_My_Clip.mp4"))

	stored, err := env.files.Load(context.Background(), req.UploadPath)
	require.NoError(t, err)
	assert.Equal(t, video, stored)

	job, err := env.jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarted, job.Status)
}

func TestUploadRejectsBadInput(t *testing.T) {
	video := append([]byte{}, mp4Header...)
	tests := []struct {
		name     string
		filename string
		content  []byte
		fields   map[string]string
		want     string
	}{
		{name: "no file", want: "No video file provided"},
		{name: "wrong extension", filename: "clip.avi", content: video, want: "Invalid file type. Please upload MP4 or MOV files."},
		{name: "unsupported language", filename: "clip.mp4", content: video, fields: map[string]string{"target_language": "tlh"}, want: "unsupported language"},
		{name: "unknown model", filename: "clip.mp4", content: video, fields: map[string]string{"separation_model": "spleeter"}, want: "unsupported separation model"},
		{name: "bad balance", filename: "clip.mp4", content: video, fields: map[string]string{"vocal_balance": "loud"}, want: "invalid vocal balance"},
		{name: "balance out of range", filename: "clip.mp4", content: video, fields: map[string]string{"vocal_balance": "1.5"}, want: "vocal balance must be between 0 and 1"},
		{name: "not a video", filename: "clip.mp4", content: []byte("just some text"), want: "Uploaded file is not a video"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(uploadRequest(t, tt.filename, tt.content, tt.fields))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decode(t, w)["error"], tt.want)
			assert.Empty(t, env.submitter.reqs)
		})
	}
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t)
	big := append(append([]byte{}, mp4Header...), bytes.Repeat([]byte{0}, 2<<20)...)

	w := env.do(uploadRequest(t, "clip.mp4", big, nil))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, env.submitter.reqs)
}

func TestUploadWhileShuttingDown(t *testing.T) {
	env := newTestEnv(t)
	env.submitter.err = pipeline.ErrShuttingDown

	w := env.do(uploadRequest(t, "clip.mov", mp4Header, nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	all := env.jobs.List()
	require.Len(t, all, 1)
	assert.Equal(t, domain.StatusError, all[0].Status)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/status/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Invalid process ID", decode(t, w)["error"])

	id := env.completedJob(t, "dubbed")
	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/status/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "completed", resp["status"])
	assert.EqualValues(t, 100, resp["progress"])
}

func TestListJobsFiltersByStatus(t *testing.T) {
	env := newTestEnv(t)
	env.completedJob(t, "a")
	env.jobs.Create(jobs.NewID(), "other.mp4", domain.JobOptions{})

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=completed", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["jobs"], 1)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	assert.Len(t, decode(t, w)["jobs"], 2)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=lost", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDownloadNotReady(t *testing.T) {
	env := newTestEnv(t)
	id := jobs.NewID()
	env.jobs.Create(id, "clip.mp4", domain.JobOptions{})

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/download/"+id, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "File not ready", decode(t, w)["error"])
}

func TestDownloadStreamsLocalOutput(t *testing.T) {
	env := newTestEnv(t)
	id := env.completedJob(t, "dubbed video bytes")

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/download/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dubbed video bytes", w.Body.String())
	assert.Equal(t, "proxy", w.Header().Get("X-Download-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename=clip_translated.mp4`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestDownloadMissingOutput(t *testing.T) {
	env := newTestEnv(t)
	id := jobs.NewID()
	env.jobs.Create(id, "clip.mp4", domain.JobOptions{})
	_, err := env.jobs.Apply(id, jobs.Update{Status: domain.StatusCompleted})
	require.NoError(t, err)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/download/"+id, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestArtifactEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := env.completedJob(t, "out")
	_, err := env.registry.SaveArtifact(context.Background(), id, artifacts.KindTranscript, []byte(`{"transcription":[]}`))
	require.NoError(t, err)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id+"/artifacts", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"transcript"`)
	assert.Contains(t, w.Body.String(), `"kind":"output"`)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id+"/artifacts/transcript", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"transcription":[]}`, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "transcript.json")

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id+"/artifacts/translation", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id+"/artifacts/secrets", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/not-a-job/artifacts", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id := env.completedJob(t, "out")

	running := jobs.NewID()
	env.jobs.Create(running, "clip.mp4", domain.JobOptions{})
	w := env.do(httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+running, nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, decode(t, w)["deleted_files"])

	_, err := env.jobs.Get(id)
	assert.ErrorIs(t, err, jobs.ErrUnknownJob)
	_, err = env.registry.Lookup(ctx, id, artifacts.KindOutput)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	w = env.do(httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+id, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/..", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOptionsAndHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/options", nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Contains(t, resp["languages"], "pt-BR")
	voices := resp["voices"].(map[string]any)
	assert.Contains(t, voices["ja-JP"], "ja-JP-Chirp3-HD-Kore")
	assert.Contains(t, resp["separation_models"], "mdx_extra")
	assert.Contains(t, resp["processing_modes"], "replace_all")
	assert.Equal(t, "pt-BR", resp["defaults"].(map[string]any)["target_language"])

	w = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode(t, w)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "LOCAL", resp["storage_backend"])
	assert.Equal(t, false, resp["degraded"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := NewRouter(nil, []string{"https://dub.example.com, https://admin.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "https://admin.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestNormalizeAllowedOrigins(t *testing.T) {
	origins, all := normalizeAllowedOrigins([]string{" http://a.test , ", "http://b.test"})
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, origins)
	assert.False(t, all)

	_, all = normalizeAllowedOrigins([]string{"http://a.test,*"})
	assert.True(t, all)
}
