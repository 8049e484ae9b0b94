package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fusionn-autosub/internal/fileops"
	"github.com/fusionn-autosub/internal/job"
	"github.com/fusionn-autosub/internal/progress"
	"github.com/fusionn-autosub/internal/queue"
	"github.com/fusionn-autosub/internal/service/lifecycle"
	"github.com/fusionn-autosub/internal/store"
	"github.com/fusionn-autosub/internal/version"
	"github.com/fusionn-autosub/pkg/logger"
)

// QueueStats reports dispatcher counters.
type QueueStats interface {
	Stats(ctx context.Context) queue.Stats
}

// Handler handles HTTP requests.
type Handler struct {
	svc   *lifecycle.Service
	queue QueueStats
}

// New creates a new Handler.
func New(svc *lifecycle.Service, q QueueStats) *Handler {
	return &Handler{svc: svc, queue: q}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/health", h.Health)
		api.GET("/version", h.Version)

		// Jobs
		api.POST("/jobs", h.CreateJob)
		api.GET("/jobs", h.ListJobs)
		api.GET("/jobs/:id", h.GetJob)
		api.POST("/jobs/:id/cancel", h.CancelJob)
		api.POST("/jobs/:id/retry", h.RetryJob)
		api.GET("/jobs/:id/events", h.JobEvents)

		// Batches
		api.POST("/batches", h.CreateBatch)
		api.GET("/batches/:id", h.GetBatch)
		api.GET("/batches/:id/jobs", h.ListBatchJobs)
		api.POST("/batches/:id/cancel", h.CancelBatch)
		api.POST("/batches/:id/retry", h.RetryBatch)
		api.GET("/batches/:id/events", h.BatchEvents)

		// Queue
		api.GET("/queue/stats", h.GetQueueStats)
	}
}

// Health returns service health status.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Version returns service version.
func (h *Handler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get())
}

// writeError maps service errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, job.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, job.ErrInvalidConfig):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("❌ %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// CreateJob accepts a job config and queues it.
func (h *Handler) CreateJob(c *gin.Context) {
	var cfg job.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	j, err := h.svc.CreateJob(c.Request.Context(), cfg)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.Infof("📥 Job queued: %s (job: %s)", j.Config.InputPath, j.ID)
	c.JSON(http.StatusCreated, j)
}

// ListJobs lists jobs, optionally filtered by ?status=QUEUED,FAILED and ?batch_id=.
func (h *Handler) ListJobs(c *gin.Context) {
	filter := store.JobFilter{BatchID: c.Query("batch_id")}
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, job.Status(strings.ToUpper(strings.TrimSpace(s))))
		}
	}

	jobs, err := h.svc.ListJobs(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// GetJob returns a specific job by ID.
func (h *Handler) GetJob(c *gin.Context) {
	j, err := h.svc.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

// CancelJob cancels a queued or running job.
func (h *Handler) CancelJob(c *gin.Context) {
	j, err := h.svc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

// RetryJob re-queues a failed or cancelled job.
func (h *Handler) RetryJob(c *gin.Context) {
	j, err := h.svc.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, j)
}

// CreateBatchRequest is the request body for a batch. Either Jobs lists the
// member configs, or Directory is scanned for videos and every file gets a
// copy of Template.
type CreateBatchRequest struct {
	Name      string       `json:"name"`
	Jobs      []job.Config `json:"jobs"`
	Directory string       `json:"directory"`
	Template  job.Config   `json:"template"`
}

// CreateBatch queues a group of jobs.
func (h *Handler) CreateBatch(c *gin.Context) {
	var req CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	configs := req.Jobs
	if req.Directory != "" {
		if !fileops.Exists(req.Directory) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "directory does not exist"})
			return
		}
		videos, err := fileops.FindVideoFiles(req.Directory)
		if err != nil {
			writeError(c, err)
			return
		}
		logger.Infof("📂 Found %d videos in %s", len(videos), req.Directory)
		for _, path := range videos {
			cfg := req.Template
			cfg.InputPath = path
			cfg.OutputFormats = append([]string(nil), req.Template.OutputFormats...)
			configs = append(configs, cfg)
		}
	}

	b, jobs, err := h.svc.CreateBatch(c.Request.Context(), req.Name, configs)
	if err != nil {
		writeError(c, err)
		return
	}
	logger.Infof("📥 Batch queued: %s (%d jobs, batch: %s)", b.Name, len(jobs), b.ID)
	c.JSON(http.StatusCreated, gin.H{"batch": b, "jobs": jobs})
}

// GetBatch returns a batch with its recomputed summary.
func (h *Handler) GetBatch(c *gin.Context) {
	b, summary, err := h.svc.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": b, "summary": summary})
}

// ListBatchJobs returns the member jobs of a batch.
func (h *Handler) ListBatchJobs(c *gin.Context) {
	jobs, err := h.svc.ListBatchJobs(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// CancelBatch cancels every unfinished member.
func (h *Handler) CancelBatch(c *gin.Context) {
	b, n, err := h.svc.CancelBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": b, "cancelled": n})
}

// RetryBatch re-queues every failed or cancelled member.
func (h *Handler) RetryBatch(c *gin.Context) {
	b, n, err := h.svc.RetryBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch": b, "retried": n})
}

// JobEvents streams job progress as server-sent events.
func (h *Handler) JobEvents(c *gin.Context) {
	sub, err := h.svc.SubscribeProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	stream(c, sub)
}

// BatchEvents streams member and aggregate events of a batch.
func (h *Handler) BatchEvents(c *gin.Context) {
	sub, err := h.svc.SubscribeBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	stream(c, sub)
}

// stream forwards events until the subscription closes or the client leaves.
func stream(c *gin.Context, sub *progress.Subscription) {
	defer sub.Close()
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// GetQueueStats returns queue statistics.
func (h *Handler) GetQueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Stats(c.Request.Context()))
}
