package handlers

import (
	"io"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func errorResponse(c *gin.Context, statusCode int, message string) {
	evt := log.Warn()
	if statusCode >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Int("status", statusCode).Str("path", c.Request.URL.Path).Msg(message)
	c.JSON(statusCode, gin.H{"error": message})
}

// streamFile copies body to the client as an attachment and closes it.
func streamFile(c *gin.Context, body io.ReadCloser, name, contentType string, size int64, extra map[string]string) {
	defer body.Close()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if size <= 0 {
		size = -1
	}
	headers := map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": name}),
	}
	for k, v := range extra {
		headers[k] = v
	}
	c.DataFromReader(http.StatusOK, size, contentType, body, headers)
}
