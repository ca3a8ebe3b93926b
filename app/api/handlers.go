package api

import (
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/job-comb/app/database"
	"github.com/lysyi3m/job-comb/app/feed"
	"github.com/lysyi3m/job-comb/app/importer"
	"github.com/lysyi3m/job-comb/app/kv"
	"github.com/lysyi3m/job-comb/app/tasks"
)

const (
	defaultFeedItems = 100
	maxFeedItems     = 500
)

func NewHandler(imp ImportController, recordRepo database.RecordRepository, pipeline *tasks.Pipeline,
	scheduler tasks.TaskSchedulerInterface, opts HandlerOptions) *Handler {
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = 2 * time.Second
	}
	return &Handler{
		importer:       imp,
		feedRepo:       pipeline.FeedRepo,
		recordRepo:     recordRepo,
		configs:        pipeline.Configs,
		generator:      feed.NewGenerator(),
		scheduler:      scheduler,
		pipeline:       pipeline,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		version:        opts.Version,
		streamInterval: opts.StreamInterval,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"status":                "ok",
		"timestamp":             time.Now().In(time.Local).Format(time.RFC3339),
		"loaded_configurations": len(h.configs.GetConfigs()),
	}

	if feeds, err := h.feedRepo.ListFeeds(c.Request.Context()); err == nil {
		health["feeds"] = len(feeds)
	}

	if counts, err := h.recordRepo.CountByStatus(c.Request.Context()); err == nil {
		health["records"] = counts
	} else {
		slog.Error("Database error", "operation", "count_records", "error", err)
		health["status"] = "degraded"
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) GetImportStatus(c *gin.Context) {
	status, err := h.importer.Status(c.Request.Context())
	if err != nil {
		slog.Error("Failed to read import status", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read import status", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, status)
}

// StreamImportStatus pushes the status payload as server-sent events until the
// client goes away.
func (h *Handler) StreamImportStatus(c *gin.Context) {
	ctx := c.Request.Context()
	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	first := true
	c.Stream(func(w io.Writer) bool {
		if !first {
			select {
			case <-ctx.Done():
				return false
			case <-ticker.C:
			}
		}
		first = false

		status, err := h.importer.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			c.SSEvent("error", gin.H{"error": err.Error()})
			return true
		}

		c.SSEvent("status", status)
		return true
	})
}

// RunImportBatch runs one batch synchronously. The optional start query
// parameter requests a position; the engine never moves backwards.
func (h *Handler) RunImportBatch(c *gin.Context) {
	start := -1
	if raw := c.Query("start"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start must be a non-negative integer"})
			return
		}
		start = n
	}

	result, err := h.importer.RunBatch(c.Request.Context(), start)
	if err != nil {
		slog.Error("Import batch failed", "start", start, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Import batch failed", "details": err.Error()})
		return
	}

	if result.State == importer.StateComplete && h.scheduler != nil {
		if err := h.scheduler.EnqueueTask(tasks.NewFinalizeImportTask(h.pipeline)); err != nil {
			slog.Warn("Failed to enqueue FinalizeImportTask", "error", err)
		}
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) CancelImport(c *gin.Context) {
	if err := h.importer.Cancel(c.Request.Context()); err != nil {
		slog.Error("Failed to cancel import", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to cancel import", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Import cancelled"})
}

// ResumeImport clears the cancellation and queues the next batch.
func (h *Handler) ResumeImport(c *gin.Context) {
	if err := h.importer.Resume(c.Request.Context()); err != nil {
		slog.Error("Failed to resume import", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to resume import", "details": err.Error()})
		return
	}

	response := gin.H{"success": true, "message": "Import resumed"}
	if h.scheduler != nil {
		task := tasks.NewImportBatchTask(-1, h.pipeline, h.scheduler)
		if err := h.scheduler.EnqueueTask(task); err != nil {
			slog.Warn("Failed to enqueue ImportBatchTask", "error", err)
		} else {
			response["task"] = gin.H{"id": task.GetID(), "type": task.GetType()}
		}
	}

	c.JSON(http.StatusOK, response)
}

func (h *Handler) ResetImport(c *gin.Context) {
	if err := h.importer.Reset(c.Request.Context()); err != nil {
		slog.Error("Failed to reset import", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to reset import", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Import state cleared"})
}

func (h *Handler) FinalizeImport(c *gin.Context) {
	result, err := h.importer.Finalize(c.Request.Context())
	switch {
	case errors.Is(err, importer.ErrNoRun), errors.Is(err, importer.ErrRunIncomplete):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
		return
	case errors.Is(err, kv.ErrLockTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "Finalize already in progress", "details": err.Error()})
		return
	case err != nil:
		slog.Error("Failed to finalize import", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to finalize import", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

func (h *Handler) TriggerFetch(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scheduler not running"})
		return
	}

	task := tasks.NewFetchFeedsTask(h.pipeline, h.scheduler)
	if err := h.scheduler.EnqueueTask(task); err != nil {
		slog.Error("Error enqueueing fetch task", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to enqueue fetch task", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Fetch cycle enqueued",
		"task":    gin.H{"id": task.GetID(), "type": task.GetType()},
	})
}

func (h *Handler) ListFeeds(c *gin.Context) {
	configs := h.configs.GetConfigs()

	registry := make(map[string]database.Feed)
	if rows, err := h.feedRepo.ListFeeds(c.Request.Context()); err == nil {
		for _, row := range rows {
			registry[row.Name] = row
		}
	} else {
		slog.Error("Database error", "operation", "list_feeds", "error", err)
	}

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	feeds := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		feedConfig := configs[name]
		feedInfo := map[string]interface{}{
			"name":     feedConfig.Name,
			"url":      feedConfig.URL,
			"enabled":  feedConfig.Settings.Enabled,
			"priority": feedConfig.Settings.Priority,
			"timeout":  (time.Duration(feedConfig.Settings.Timeout) * time.Second).String(),
			"filters":  len(feedConfig.Filters),
		}

		if row, ok := registry[name]; ok {
			feedInfo["last_fetched_at"] = row.LastFetchedAt
			feedInfo["last_status"] = row.LastStatus
			feedInfo["last_error"] = row.LastError
			feedInfo["item_count"] = row.ItemCount
			feedInfo["byte_count"] = row.ByteCount
			feedInfo["updated_at"] = row.UpdatedAt
		}

		feeds = append(feeds, feedInfo)
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"feeds": feeds,
		"total": len(feeds),
	})
}

// GetJobsFeed republishes the most recently touched active listings as RSS.
func (h *Handler) GetJobsFeed(c *gin.Context) {
	limit := defaultFeedItems
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.Status(http.StatusBadRequest)
			return
		}
		limit = min(n, maxFeedItems)
	}

	rows, err := h.recordRepo.ListActive(c.Request.Context(), limit)
	if err != nil {
		slog.Error("Database error", "operation", "list_active", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	records := make([]feed.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, importer.RecordFromStore(row))
	}

	rss, err := h.generator.Run(feed.Channel{
		Title:       "Job Comb",
		Link:        h.baseURL,
		SelfLink:    h.baseURL + "/feeds/jobs.xml",
		Description: "Active job listings",
		Generator:   "Job Comb " + h.version,
	}, records, time.Now())
	if err != nil {
		slog.Error("RSS generation error", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.Header("X-Feed-Items", strconv.Itoa(len(records)))
	c.String(http.StatusOK, rss)
}
