// Package http provides HTTP API handlers.
package http

import (
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"asisaid.cn/filestore/internal/auth"
	"asisaid.cn/filestore/internal/common/errors"
	"asisaid.cn/filestore/internal/common/logger"
	"asisaid.cn/filestore/internal/service"
)

// multipartOverhead is the room left for multipart framing on top of the
// file size limit.
const multipartOverhead = 64 << 10

// Handler provides HTTP handlers for the file API.
type Handler struct {
	fileService   *service.FileService
	verifier      *auth.Verifier
	maxUploadSize int64
	logger        *zap.Logger
}

// NewHandler creates a new Handler. A maxUploadSize of 0 disables the limit.
func NewHandler(fileService *service.FileService, verifier *auth.Verifier, maxUploadSize int64) *Handler {
	return &Handler{
		fileService:   fileService,
		verifier:      verifier,
		maxUploadSize: maxUploadSize,
		logger:        logger.WithComponent("http"),
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/health", h.HealthCheck)

		files := api.Group("/files")
		{
			verified := h.verifier.RequireVerified()
			adminOnly := h.verifier.RequireAdmin()

			files.POST("/", verified, h.UploadFile)
			files.GET("/", verified, h.ListFiles)
			files.GET("/keys", adminOnly, h.ListKeys)
			files.DELETE("/all", adminOnly, h.DeleteAllFiles)
			files.POST("/reconcile", adminOnly, h.Reconcile)
			files.GET("/:id", verified, h.GetFileMetadata)
			files.GET("/:id/content", verified, h.GetFileContent)
			files.DELETE("/:id", verified, h.DeleteFile)
		}
	}
}

// UploadFile handles file upload.
// POST /api/v1/files/
func (h *Handler) UploadFile(c *gin.Context) {
	// max_upload_size limits the file; the body may also carry the multipart
	// boundaries and part headers.
	if h.maxUploadSize > 0 {
		bodyLimit := h.maxUploadSize + multipartOverhead
		if c.Request.ContentLength > bodyLimit {
			respondTooLarge(c)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, bodyLimit)
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondTooLarge(c)
			return
		}
		h.logger.Debug("rejecting upload without file", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{
			"detail": "no file provided",
		})
		return
	}
	defer file.Close()

	if h.maxUploadSize > 0 && header.Size > h.maxUploadSize {
		respondTooLarge(c)
		return
	}

	caller := callerFrom(c)
	rec, err := h.fileService.Upload(c.Request.Context(), &service.UploadRequest{
		Content:     file,
		OwnerID:     caller.ID,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

// ListFiles lists the caller's records, or every record for admins.
// GET /api/v1/files/
func (h *Handler) ListFiles(c *gin.Context) {
	records, err := h.fileService.ListFor(c.Request.Context(), callerFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, records)
}

// ListKeys lists the raw keys in the storage backend.
// GET /api/v1/files/keys
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.fileService.ListKeys(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, keys)
}

// DeleteAllFiles removes every file.
// DELETE /api/v1/files/all
func (h *Handler) DeleteAllFiles(c *gin.Context) {
	if err := h.fileService.DeleteAll(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "All files deleted successfully",
	})
}

// Reconcile removes orphan objects and dangling records.
// POST /api/v1/files/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.fileService.Reconcile(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// GetFileMetadata returns a file record.
// GET /api/v1/files/:id
func (h *Handler) GetFileMetadata(c *gin.Context) {
	rec, err := h.fileService.GetMetadata(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, rec)
}

// GetFileContent streams the file bytes.
// GET /api/v1/files/:id/content
func (h *Handler) GetFileContent(c *gin.Context) {
	content, err := h.fileService.GetContent(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer content.Body.Close()

	name := strings.TrimPrefix(content.Record.Filename, content.Record.ID+"_")
	c.DataFromReader(http.StatusOK, content.Size, content.ContentType, content.Body, map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": name}),
		"X-File-ID":           content.Record.ID,
	})
}

// DeleteFile deletes a file.
// DELETE /api/v1/files/:id
func (h *Handler) DeleteFile(c *gin.Context) {
	if err := h.fileService.Delete(c.Request.Context(), callerFrom(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "File deleted successfully",
	})
}

// HealthCheck handles health check requests.
// GET /api/v1/health
func (h *Handler) HealthCheck(c *gin.Context) {
	if err := h.fileService.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("storage unreachable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// respondError logs the full cause and replies with the category only.
func (h *Handler) respondError(c *gin.Context, err error) {
	status, detail := statusFor(err)

	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError || errors.Is(err, errors.ErrBackend) {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Info("request rejected", fields...)
	}

	c.JSON(status, gin.H{"detail": detail})
}

func respondTooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"detail": "file too large",
	})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound, "File not found"
	case errors.IsUnauthorized(err):
		return http.StatusUnauthorized, "Not authenticated"
	case errors.IsForbidden(err):
		return http.StatusForbidden, "You do not have access to this file"
	case errors.Is(err, errors.ErrInvalidInput):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, errors.ErrUploadFailed):
		return http.StatusBadRequest, "Upload failed"
	default:
		return http.StatusBadRequest, "Storage operation failed"
	}
}

func callerFrom(c *gin.Context) service.Caller {
	caller, ok := auth.CallerFrom(c)
	if !ok {
		return service.Caller{}
	}
	return service.Caller{ID: caller.ID, Admin: caller.IsAdmin()}
}
