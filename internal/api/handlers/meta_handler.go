package handlers

import (
	"net/http"

	"github.com/andresuchdata/videodub/internal/domain"
	"github.com/andresuchdata/videodub/internal/storage"
	"github.com/gin-gonic/gin"
)

// BackendStatus reports which storage backend is serving requests.
type BackendStatus interface {
	Backend() storage.Backend
	Degraded() bool
}

type MetaHandler struct {
	storage  BackendStatus
	defaults domain.JobOptions
}

func NewMetaHandler(status BackendStatus, defaults domain.JobOptions) *MetaHandler {
	return &MetaHandler{storage: status, defaults: defaults}
}

// Options returns everything a client needs to build the upload form
func (h *MetaHandler) Options(c *gin.Context) {
	voices := make(map[string]map[string]string, len(domain.SupportedLanguages))
	for lang := range domain.SupportedLanguages {
		voices[lang] = domain.Voices(lang)
	}
	c.JSON(http.StatusOK, gin.H{
		"languages":         domain.SupportedLanguages,
		"language_order":    domain.SortedKeys(domain.SupportedLanguages),
		"voices":            voices,
		"separation_models": domain.SeparationModels,
		"processing_modes":  domain.ProcessingModes,
		"defaults":          h.defaults,
	})
}

// Health reports liveness and the active storage backend
func (h *MetaHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"storage_backend": h.storage.Backend(),
		"degraded":        h.storage.Degraded(),
	})
}
