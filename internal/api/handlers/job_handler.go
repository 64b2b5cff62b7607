package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/andresuchdata/videodub/internal/artifacts"
	"github.com/andresuchdata/videodub/internal/domain"
	"github.com/andresuchdata/videodub/internal/jobs"
	"github.com/andresuchdata/videodub/internal/pipeline"
	"github.com/andresuchdata/videodub/internal/storage"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Uploads is the part of artifacts.Registry the job handler writes through.
type Uploads interface {
	SaveNamed(ctx context.Context, jobID string, kind artifacts.Kind, name string, content io.Reader, contentType string) (storage.StoredObject, error)
	Purge(ctx context.Context, jobID string) (int, error)
}

// Submitter queues a job for background processing.
type Submitter interface {
	Submit(req pipeline.Request) error
}

type JobHandler struct {
	jobs     *jobs.Store
	uploads  Uploads
	pipeline Submitter
	defaults domain.JobOptions
	maxBytes int64
	now      func() time.Time
}

func NewJobHandler(store *jobs.Store, uploads Uploads, submitter Submitter, defaults domain.JobOptions, maxUploadMB int) *JobHandler {
	return &JobHandler{
		jobs:     store,
		uploads:  uploads,
		pipeline: submitter,
		defaults: defaults,
		maxBytes: int64(maxUploadMB) << 20,
		now:      time.Now,
	}
}

// Upload accepts a video and its dubbing options and starts processing it
func (h *JobHandler) Upload(c *gin.Context) {
	if h.maxBytes > 0 {
		if c.Request.ContentLength > h.maxBytes {
			errorResponse(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("File too large. Maximum size is %d MB", h.maxBytes>>20))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	}

	fh, err := c.FormFile("video")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorResponse(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("File too large. Maximum size is %d MB", h.maxBytes>>20))
			return
		}
		errorResponse(c, http.StatusBadRequest, "No video file provided")
		return
	}
	if strings.TrimSpace(fh.Filename) == "" {
		errorResponse(c, http.StatusBadRequest, "No file selected")
		return
	}
	if !domain.AllowedVideo(fh.Filename) {
		errorResponse(c, http.StatusBadRequest, "Invalid file type. Please upload MP4 or MOV files.")
		return
	}

	opts, err := h.parseOptions(c)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	f, err := fh.Open()
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "Could not read uploaded file")
		return
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil || !strings.HasPrefix(mtype.String(), "video/") {
		errorResponse(c, http.StatusBadRequest, "Uploaded file is not a video")
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		errorResponse(c, http.StatusInternalServerError, "Could not read uploaded file")
		return
	}

	id := jobs.NewID()
	obj, err := h.uploads.SaveNamed(c.Request.Context(), id, artifacts.KindUpload, UploadName(fh.Filename, h.now()), f, mtype.String())
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Str("filename", fh.Filename).Msg("failed to save uploaded file")
		errorResponse(c, http.StatusInternalServerError, "Failed to save uploaded file")
		return
	}
	upload := domain.UploadedFile{Filename: fh.Filename, Path: obj.Path, Size: obj.Size}

	h.jobs.Create(id, fh.Filename, opts)
	err = h.pipeline.Submit(pipeline.Request{
		JobID:        id,
		UploadPath:   obj.Path,
		OriginalName: fh.Filename,
		Options:      opts,
	})
	if err != nil {
		_, _ = h.jobs.Apply(id, jobs.Update{
			Status:  domain.StatusError,
			Message: "Processing could not be started",
			Error:   err.Error(),
		})
		errorResponse(c, http.StatusServiceUnavailable, "Server is shutting down, try again later")
		return
	}

	log.Info().Str("job_id", id).Str("file", upload.Filename).Int64("size", upload.Size).Str("language", opts.Language).Msg("upload accepted")
	c.JSON(http.StatusOK, gin.H{
		"process_id": id,
		"message":    "Upload successful, processing started",
		"file":       upload,
		"options":    opts,
	})
}

func (h *JobHandler) parseOptions(c *gin.Context) (domain.JobOptions, error) {
	opts := domain.JobOptions{
		Language:        strings.TrimSpace(c.PostForm("target_language")),
		Voice:           strings.TrimSpace(c.PostForm("voice_name")),
		SeparationModel: strings.TrimSpace(c.PostForm("separation_model")),
		Mode:            domain.ProcessingMode(strings.TrimSpace(c.PostForm("processing_mode"))),
		VocalBalance:    h.defaults.VocalBalance,
	}
	if raw := strings.TrimSpace(c.PostForm("vocal_balance")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return opts, fmt.Errorf("invalid vocal balance %q", raw)
		}
		opts.VocalBalance = v
	}
	if err := opts.Validate(h.defaults); err != nil {
		return opts, err
	}
	return opts, nil
}

// Status returns the current state of a job
func (h *JobHandler) Status(c *gin.Context) {
	job, err := h.jobs.Get(c.Param("id"))
	if err != nil {
		errorResponse(c, http.StatusNotFound, "Invalid process ID")
		return
	}
	c.JSON(http.StatusOK, job)
}

// List returns known jobs, newest first, optionally filtered by ?status=
func (h *JobHandler) List(c *gin.Context) {
	all := h.jobs.List()
	raw := strings.TrimSpace(c.Query("status"))
	if raw == "" {
		c.JSON(http.StatusOK, gin.H{"jobs": all})
		return
	}

	status, ok := domain.ParseJobStatus(raw)
	if !ok {
		errorResponse(c, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
		return
	}
	filtered := make([]jobs.Job, 0, len(all))
	for _, j := range all {
		if j.Status == status {
			filtered = append(filtered, j)
		}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": filtered})
}

// Delete removes every stored file of a finished job and forgets it
func (h *JobHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		errorResponse(c, http.StatusNotFound, "Invalid process ID")
		return
	}

	job, err := h.jobs.Get(id)
	known := err == nil
	if known && !job.Status.Terminal() {
		errorResponse(c, http.StatusConflict, "Job is still processing")
		return
	}

	n, err := h.uploads.Purge(c.Request.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("failed to purge job files")
		errorResponse(c, http.StatusInternalServerError, "Failed to delete job files")
		return
	}
	h.jobs.Delete(id)
	if !known && n == 0 {
		errorResponse(c, http.StatusNotFound, "Invalid process ID")
		return
	}
	c.JSON(http.StatusOK, gin.H{"process_id": id, "deleted_files": n})
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// UploadName builds the stored name of an upload: <YYYYmmdd_HHMMSS>_<uuid8>_<name>,
// with the client's name reduced to a safe base name.
func UploadName(original string, now time.Time) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	base = strings.TrimLeft(unsafeNameChars.ReplaceAllString(base, "_"), "._")
	if filepath.Ext(base) == "" {
		base = "video" + strings.ToLower(filepath.Ext(original))
	}
	return fmt.Sprintf("%s_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:8], base)
}
