package handlers

import (
	"context"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/andresuchdata/videodub/internal/artifacts"
	"github.com/andresuchdata/videodub/internal/domain"
	"github.com/andresuchdata/videodub/internal/download"
	"github.com/andresuchdata/videodub/internal/jobs"
	"github.com/andresuchdata/videodub/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Resolver interface {
	Resolve(ctx context.Context, jobID string) (*download.Result, error)
}

// ArtifactSource is the read side of artifacts.Registry.
type ArtifactSource interface {
	Records(ctx context.Context, jobID string) ([]artifacts.Record, error)
	Open(ctx context.Context, jobID string, kind artifacts.Kind) (io.ReadCloser, artifacts.Record, error)
}

type DownloadHandler struct {
	jobs      *jobs.Store
	resolver  Resolver
	artifacts ArtifactSource
	now       func() time.Time
}

func NewDownloadHandler(store *jobs.Store, resolver Resolver, source ArtifactSource) *DownloadHandler {
	return &DownloadHandler{jobs: store, resolver: resolver, artifacts: source, now: time.Now}
}

type downloadResponse struct {
	ProcessID        string `json:"process_id"`
	FileName         string `json:"filename"`
	ExpiresInSeconds int64  `json:"expires_in_seconds,omitempty"`
	storage.AccessDescriptor
}

// Download hands out a link to the dubbed video, or streams it when no link
// can be produced. ?redirect=true answers with a 302 to the link instead.
func (h *DownloadHandler) Download(c *gin.Context) {
	id := c.Param("id")
	job, err := h.jobs.Get(id)
	if err != nil {
		errorResponse(c, http.StatusNotFound, "Invalid process ID")
		return
	}
	if job.Status != domain.StatusCompleted {
		errorResponse(c, http.StatusBadRequest, "File not ready")
		return
	}

	res, err := h.resolver.Resolve(c.Request.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("download failed")
		if errors.Is(err, storage.ErrNotFound) {
			errorResponse(c, http.StatusNotFound, "Output file not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, "Download unavailable")
		return
	}

	if res.Streamed() {
		streamFile(c, res.Body, res.FileName, res.ContentType, res.Size, map[string]string{
			"X-Download-Type": string(storage.URLTypeProxy),
		})
		return
	}
	if c.Query("redirect") == "true" && !res.Descriptor.RequiresAuthHeader {
		c.Redirect(http.StatusFound, res.Descriptor.URL)
		return
	}
	resp := downloadResponse{
		ProcessID:        id,
		FileName:         res.FileName,
		AccessDescriptor: res.Descriptor,
	}
	if left := res.Descriptor.ExpiresIn(h.now()); left > 0 {
		resp.ExpiresInSeconds = int64(left / time.Second)
	}
	c.JSON(http.StatusOK, resp)
}

// Artifacts lists the files registered for a job
func (h *DownloadHandler) Artifacts(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		errorResponse(c, http.StatusNotFound, "Invalid process ID")
		return
	}
	records, err := h.artifacts.Records(c.Request.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("failed to list artifacts")
		errorResponse(c, http.StatusInternalServerError, "Failed to list artifacts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"process_id": id, "artifacts": records})
}

// Artifact streams one artifact of a job
func (h *DownloadHandler) Artifact(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		errorResponse(c, http.StatusNotFound, "Invalid process ID")
		return
	}
	kind, err := artifacts.ParseKind(c.Param("kind"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	body, rec, err := h.artifacts.Open(c.Request.Context(), id, kind)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			errorResponse(c, http.StatusNotFound, "Artifact not found")
			return
		}
		log.Error().Err(err).Str("job_id", id).Str("kind", string(kind)).Msg("failed to open artifact")
		errorResponse(c, http.StatusInternalServerError, "Artifact unavailable")
		return
	}
	streamFile(c, body, path.Base(rec.Path), rec.ContentType, rec.Size, nil)
}
