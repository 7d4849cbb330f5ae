package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/sourcescan/internal/api/middleware"
	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/logger"
	"github.com/timmy/sourcescan/internal/repository"
	"github.com/timmy/sourcescan/internal/service"
	"github.com/timmy/sourcescan/internal/source"
)

const (
	defaultResultsLimit = 100
	maxResultsLimit     = 1000
)

// JobHandler handles upload and job endpoints.
type JobHandler struct {
	jobs          *service.JobService
	maxUploadSize int64
	logger        *logger.Logger
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - jobs: job service instance.
//   - maxUploadSize: largest accepted upload in bytes, 0 for no limit.
//   - log: logger instance.
//
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(jobs *service.JobService, maxUploadSize int64, log *logger.Logger) *JobHandler {
	if log == nil {
		log = logger.GetDefault()
	}
	return &JobHandler{
		jobs:          jobs,
		maxUploadSize: maxUploadSize,
		logger:        log,
	}
}

// log returns a logger from Gin context if available, otherwise returns the default logger
func (h *JobHandler) log(c *gin.Context) *logger.Logger {
	if l := middleware.GetLogger(c); l != nil {
		return l
	}
	return h.logger
}

// SubmitResponse is returned when a job is accepted.
type SubmitResponse struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
	Rows   int              `json:"total_rows"`
	Chunks int              `json:"chunk_count"`
}

// ResultsResponse is a page of row results.
type ResultsResponse struct {
	Results []domain.RowResult `json:"results"`
	Total   int64              `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// Preview handles POST /api/v1/uploads/preview.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *JobHandler) Preview(c *gin.Context) {
	file, header, ok := h.openUpload(c)
	if !ok {
		return
	}
	defer file.Close()

	preview, err := h.jobs.Preview(c.Request.Context(), header.Filename, file)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// Submit handles POST /api/v1/jobs.
// The request is multipart with a "file" part and an optional "mapping"
// field holding a JSON object of canonical field to column name.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *JobHandler) Submit(c *gin.Context) {
	file, header, ok := h.openUpload(c)
	if !ok {
		return
	}
	defer file.Close()

	var mapping domain.ColumnMapping
	if raw := c.PostForm("mapping"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid mapping: " + err.Error()})
			return
		}
	}

	job, err := h.jobs.Submit(c.Request.Context(), &service.Upload{
		Owner:    middleware.Owner(c),
		Filename: header.Filename,
		Content:  file,
		Mapping:  mapping,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitResponse{
		JobID:  job.ID,
		Status: job.Status,
		Rows:   job.TotalRows,
		Chunks: job.ChunkCount,
	})
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(c *gin.Context) {
	limit, offset := pageParams(c, 20, 100)
	jobs, err := h.jobs.List(c.Request.Context(), middleware.Owner(c), limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "limit": limit, "offset": offset})
}

// Status handles GET /api/v1/jobs/:id.
func (h *JobHandler) Status(c *gin.Context) {
	view, err := h.jobs.Status(c.Request.Context(), middleware.Owner(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Cancel handles POST /api/v1/jobs/:id/cancel.
func (h *JobHandler) Cancel(c *gin.Context) {
	job, err := h.jobs.Cancel(c.Request.Context(), middleware.Owner(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Results handles GET /api/v1/jobs/:id/results.
// Query parameters: status, tier, limit, offset.
func (h *JobHandler) Results(c *gin.Context) {
	limit, offset := pageParams(c, defaultResultsLimit, maxResultsLimit)
	filter := repository.ResultFilter{
		Status: domain.RowStatus(c.Query("status")),
		Tier:   domain.Tier(c.Query("tier")),
		Limit:  limit,
		Offset: offset,
	}
	results, total, err := h.jobs.Results(c.Request.Context(), middleware.Owner(c), c.Param("id"), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if results == nil {
		results = []domain.RowResult{}
	}
	c.JSON(http.StatusOK, ResultsResponse{Results: results, Total: total, Limit: limit, Offset: offset})
}

// Download handles GET /api/v1/jobs/:id/results.csv, streaming the export
// directly without object storage.
func (h *JobHandler) Download(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("id")
	if _, err := h.jobs.Status(ctx, middleware.Owner(c), jobID); err != nil {
		h.writeError(c, err)
		return
	}

	var buf bytes.Buffer
	if _, err := h.jobs.WriteResultsCSV(ctx, jobID, &buf); err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-results.csv"`, jobID))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// Export handles POST /api/v1/jobs/:id/export.
func (h *JobHandler) Export(c *gin.Context) {
	res, err := h.jobs.Export(c.Request.Context(), middleware.Owner(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Recompute handles POST /api/v1/jobs/:id/recompute.
func (h *JobHandler) Recompute(c *gin.Context) {
	updated, err := h.jobs.Recompute(c.Request.Context(), middleware.Owner(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// openUpload returns the "file" part of a multipart request, enforcing the
// upload size limit. On failure the response is already written.
func (h *JobHandler) openUpload(c *gin.Context) (multipart.File, *multipart.FileHeader, bool) {
	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("Upload exceeds %d bytes", h.maxUploadSize),
			})
			return nil, nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Multipart field 'file' is required"})
		return nil, nil, false
	}
	return file, header, true
}

// writeError maps service errors to HTTP status codes.
func (h *JobHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrJobTerminal), errors.Is(err, service.ErrJobNotTerminal):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidMapping):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, source.ErrUnsupportedFormat), errors.Is(err, source.ErrNoHeader):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrStorageDisabled):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		h.log(c).WithError(err).Error("Request failed")
		c.JSON(status, gin.H{
			"error":      "Internal error",
			"request_id": logger.GetRequestID(c.Request.Context()),
		})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func pageParams(c *gin.Context, defaultLimit, maxLimit int) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
