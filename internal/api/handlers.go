// Package api is the small read/write HTTP surface over the Job Queue,
// Worker Pool, and Reconciler: gin.Context binding, gin.H error bodies,
// and swag doc comments on the /api/v1 handlers.
package api

import (
	"errors"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"transcription-palantir/internal/database"
	"transcription-palantir/internal/engine"
	"transcription-palantir/internal/models"
	"transcription-palantir/internal/queue"
	"transcription-palantir/internal/reconcile"
	"transcription-palantir/internal/worker"
	"transcription-palantir/pkg/logger"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler holds the components the HTTP surface reads and writes through.
type Handler struct {
	q               *queue.Queue
	reconciler      *reconcile.Reconciler
	pool            *worker.Pool
	engineCfg       engine.Config
	stalledInterval time.Duration
	failedDirectory string
	startedAt       time.Time
}

// New builds a Handler.
func New(q *queue.Queue, reconciler *reconcile.Reconciler, pool *worker.Pool, engineCfg engine.Config, stalledInterval time.Duration, failedDirectory string) *Handler {
	return &Handler{
		q:               q,
		reconciler:      reconciler,
		pool:            pool,
		engineCfg:       engineCfg,
		stalledInterval: stalledInterval,
		failedDirectory: failedDirectory,
		startedAt:       time.Now(),
	}
}

// @Summary Create a job
// @Description Enqueue a transcription job for an already-present file path
// @Tags jobs
// @Accept json
// @Produce json
// @Param body body createJobRequest true "Job request"
// @Success 201 {object} jobResponse
// @Failure 400 {object} errorResponse
// @Router /jobs [post]
func (h *Handler) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	info, err := os.Stat(req.FilePath)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "file missing or inaccessible: " + req.FilePath})
		return
	}

	priority := models.ClassifyPriorityBySize(info.Size())
	if req.Priority != nil {
		priority = *req.Priority
	}

	job := &models.Job{
		FilePath:          req.FilePath,
		RelativePath:      ".",
		FileName:          filepath.Base(req.FilePath),
		OriginalFileName:  filepath.Base(req.FilePath),
		SanitizedFileName: filepath.Base(req.FilePath),
		FileSizeBytes:     info.Size(),
		Priority:          priority,
		MetadataJSON:      string(req.Metadata),
	}

	id, err := h.q.Enqueue(job)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrDuplicateID) {
			status = http.StatusConflict
		}
		c.JSON(status, errorResponse{Error: err.Error()})
		return
	}

	created, err := h.q.Get(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, toJobResponse(created, h.stalledInterval))
}

// @Summary List jobs
// @Description List jobs with exact pagination totals
// @Tags jobs
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Items per page" default(20)
// @Param status query string false "Filter by status"
// @Success 200 {object} listJobsResponse
// @Router /jobs [get]
func (h *Handler) ListJobs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	filter := queue.Filter{}
	if statusParam := c.Query("status"); statusParam != "" {
		filter.HasStatus = true
		filter.Status = models.Status(statusParam)
	}

	jobs, total, err := h.q.List(filter, queue.Page{Offset: (page - 1) * limit, Limit: limit})
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	data := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		data = append(data, toJobResponse(&jobs[i], h.stalledInterval))
	}

	c.JSON(http.StatusOK, listJobsResponse{Data: data, Total: total, Page: page, Limit: limit})
}

// @Summary Get a job
// @Tags jobs
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} jobResponse
// @Failure 404 {object} errorResponse
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.q.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Error: "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job, h.stalledInterval))
}

// @Summary Update job priority or metadata
// @Tags jobs
// @Accept json
// @Produce json
// @Param id path string true "Job ID"
// @Param body body updateJobRequest true "Update request"
// @Success 200 {object} jobResponse
// @Failure 409 {object} errorResponse
// @Router /jobs/{id} [patch]
func (h *Handler) UpdateJob(c *gin.Context) {
	id := c.Param("id")
	var req updateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if req.Priority != nil {
		if err := h.q.UpdatePriority(id, *req.Priority); err != nil {
			h.respondJobMutationError(c, err)
			return
		}
	}

	if req.Metadata != nil {
		if err := h.q.UpdateMetadata(id, req.Metadata); err != nil {
			h.respondJobMutationError(c, err)
			return
		}
	}

	job, err := h.q.Get(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Error: "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job, h.stalledInterval))
}

// @Summary Delete a job
// @Description Delete a non-processing job and its on-disk artifacts
// @Tags jobs
// @Param id path string true "Job ID"
// @Success 204
// @Failure 409 {object} errorResponse
// @Router /jobs/{id} [delete]
func (h *Handler) DeleteJob(c *gin.Context) {
	id := c.Param("id")
	job, err := h.q.Get(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Error: "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	if err := h.q.Remove(id); err != nil {
		h.respondJobMutationError(c, err)
		return
	}

	paths := []string{job.FilePath, job.TranscriptPath}
	switch job.Status {
	case models.StatusCompleted:
		if strings.HasSuffix(job.TranscriptPath, ".txt") {
			paths = append(paths, strings.TrimSuffix(job.TranscriptPath, ".txt"))
		}
	case models.StatusFailed:
		paths = append(paths, filepath.Join(h.failedDirectory, job.RelativePath, job.FileName))
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("api: failed to remove artifact on job delete", "job_id", id, "path", path, "error", err)
		}
	}

	c.Status(http.StatusNoContent)
}

// @Summary Retry a job
// @Description Idempotent; 400 if the job is COMPLETED
// @Tags jobs
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} jobResponse
// @Failure 400 {object} errorResponse
// @Router /jobs/{id}/retry [post]
func (h *Handler) RetryJob(c *gin.Context) {
	id := c.Param("id")
	if err := h.q.Retry(id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Error: "job not found"})
			return
		}
		if errors.Is(err, queue.ErrTerminalCompleted) {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "cannot retry a completed job"})
			return
		}
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	job, err := h.q.Get(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job, h.stalledInterval))
}

// @Summary Queue statistics
// @Tags queue
// @Produce json
// @Success 200 {object} queueStatsResponse
// @Router /queue/stats [get]
func (h *Handler) QueueStats(c *gin.Context) {
	counts, err := h.q.CountByStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, queueStatsResponse{
		Pending:    counts[models.StatusPending],
		Processing: counts[models.StatusProcessing],
		Completed:  counts[models.StatusCompleted],
		Failed:     counts[models.StatusFailed],
		Cancelled:  counts[models.StatusCancelled],
	})
}

// @Summary Purge failed job records
// @Description Deletes FAILED job records only; on-disk artifacts under <failed> are untouched
// @Tags queue
// @Produce json
// @Success 200 {object} map[string]int
// @Router /queue/clean-failed [post]
func (h *Handler) CleanFailed(c *gin.Context) {
	jobs, err := h.q.ListAll(queue.Filter{HasStatus: true, Status: models.StatusFailed})
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	removed := 0
	for _, job := range jobs {
		if err := h.q.Remove(job.ID); err == nil {
			removed++
		}
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// @Summary Trigger the reconciler
// @Tags system
// @Produce json
// @Success 200 {object} reconcile.Report
// @Router /system/reconcile [post]
func (h *Handler) Reconcile(c *gin.Context) {
	h.pool.Pause()
	defer h.pool.Resume()

	report, err := h.reconciler.Run()
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// HealthCheck answers GET /health: liveness only.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": time.Since(h.startedAt).String()})
}

// Ready answers GET /ready: 503 until the database is reachable.
func (h *Handler) Ready(c *gin.Context) {
	if err := database.HealthCheck(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// HealthDetailed answers GET /health/detailed, including whether the
// transcription engine binary is currently resolvable, grounded in the
// teacher's findUVPath/environment-readiness probing pattern.
func (h *Handler) HealthDetailed(c *gin.Context) {
	dbErr := database.HealthCheck()
	engineOK, engineDetail := probeEngine(h.engineCfg.Binary)

	status := http.StatusOK
	if dbErr != nil || !engineOK {
		status = http.StatusServiceUnavailable
	}

	body := gin.H{
		"database": gin.H{"ok": dbErr == nil},
		"engine":   gin.H{"ok": engineOK, "detail": engineDetail, "binary": h.engineCfg.Binary},
		"uptime":   time.Since(h.startedAt).String(),
	}
	if dbErr != nil {
		body["database"] = gin.H{"ok": false, "error": dbErr.Error()}
	}
	c.JSON(status, body)
}

func probeEngine(binary string) (bool, string) {
	if filepath.IsAbs(binary) {
		if _, err := os.Stat(binary); err != nil {
			return false, err.Error()
		}
		return true, "resolved by absolute path"
	}
	if path, err := exec.LookPath(binary); err == nil {
		return true, "resolved on PATH: " + path
	}
	return false, "not found on PATH"
}

func (h *Handler) respondJobMutationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "job not found"})
	case errors.Is(err, queue.ErrJobActive):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, queue.ErrTerminalCompleted):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}
