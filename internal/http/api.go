package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"segmentd/internal/classify"
	"segmentd/internal/domain"
	"segmentd/internal/downloader"
	"segmentd/internal/fetch"
	"segmentd/internal/probe"
	"segmentd/internal/repository"
	"segmentd/internal/service"
	"segmentd/internal/storage"
)

// Options are the collaborators behind the API. Archiver may be nil when
// object storage is not configured.
type Options struct {
	Manager  downloader.Manager
	Resolver downloader.Resolver
	Prober   downloader.Prober
	Auth     service.AuthService
	Archiver storage.Archiver
	Logger   *logrus.Logger
}

// Handler wires HTTP routes to the download manager.
type Handler struct {
	manager  downloader.Manager
	resolver downloader.Resolver
	prober   downloader.Prober
	auth     service.AuthService
	archiver storage.Archiver
	logger   *logrus.Logger
}

func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Handler{
		manager:  opts.Manager,
		resolver: opts.Resolver,
		prober:   opts.Prober,
		auth:     opts.Auth,
		archiver: opts.Archiver,
		logger:   opts.Logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
		api.POST("/auth/login", h.login)

		secured := api.Group("", h.authMiddleware())
		secured.POST("/tasks", h.createTask)
		secured.GET("/tasks", h.listTasks)
		secured.GET("/tasks/:id", h.getTask)
		secured.POST("/tasks/:id/pause", h.pauseTask)
		secured.POST("/tasks/:id/resume", h.resumeTask)
		secured.POST("/tasks/:id/cancel", h.cancelTask)
		secured.DELETE("/tasks/:id", h.deleteTask)
		secured.GET("/tasks/:id/archive", h.archiveURL)
		secured.GET("/events", h.streamEvents)
		secured.POST("/classify", h.classifyURL)
		secured.POST("/probe", h.probeURL)
		secured.GET("/storage/objects", h.listObjects)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, downloader.ErrTaskNotFound), errors.Is(err, repository.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, downloader.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, fetch.ErrInvalidURL), errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, classify.ErrNotADownloadableFile):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

type createTaskRequest struct {
	URL       string `json:"url" binding:"required"`
	Directory string `json:"directory"`
	FileName  string `json:"file_name"`
	Threads   int    `json:"threads"`
	Priority  string `json:"priority"`
}

func (h *Handler) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	priority, err := domain.ParsePriority(strings.ToLower(strings.TrimSpace(req.Priority)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.manager.Add(c.Request.Context(), downloader.AddRequest{
		URL:       req.URL,
		Directory: req.Directory,
		FileName:  req.FileName,
		Threads:   req.Threads,
		Priority:  priority,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, taskToResponse(task))
}

func (h *Handler) listTasks(c *gin.Context) {
	var filter map[domain.TaskStatus]struct{}
	if raw := c.Query("status"); raw != "" {
		filter = make(map[domain.TaskStatus]struct{})
		for _, s := range strings.Split(raw, ",") {
			st := domain.TaskStatus(strings.TrimSpace(s))
			if !st.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", s)})
				return
			}
			filter[st] = struct{}{}
		}
	}

	tasks := h.manager.List()
	resp := make([]TaskResponse, 0, len(tasks))
	for i := range tasks {
		if filter != nil {
			if _, ok := filter[tasks[i].Status]; !ok {
				continue
			}
		}
		resp = append(resp, taskToResponse(tasks[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTask(c *gin.Context) {
	task, err := h.manager.Get(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

func (h *Handler) pauseTask(c *gin.Context) {
	h.transition(c, h.manager.Pause)
}

func (h *Handler) resumeTask(c *gin.Context) {
	h.transition(c, h.manager.Resume)
}

func (h *Handler) cancelTask(c *gin.Context) {
	h.transition(c, h.manager.Cancel)
}

func (h *Handler) transition(c *gin.Context, fn func(context.Context, string) (domain.Task, error)) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	task, err := fn(ctx, c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

func (h *Handler) deleteTask(c *gin.Context) {
	id := c.Param("id")
	deleteRemote, err := strconv.ParseBool(c.DefaultQuery("delete_remote", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_remote"})
		return
	}

	task, err := h.manager.Get(id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var warnings []string
	if deleteRemote && task.ArchiveLocation != "" {
		if h.archiver == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storage service not configured"})
			return
		}
		remoteCtx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()
		if err := h.archiver.DeletePrefix(remoteCtx, archivePrefix(task.ID)); err != nil {
			warnings = append(warnings, fmt.Sprintf("delete remote data: %v", err))
		}
	}

	removeCtx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := h.manager.Remove(removeCtx, id); err != nil {
		abortWithError(c, err)
		return
	}

	resp := gin.H{"deleted": id}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	c.JSON(http.StatusOK, resp)
}

// archiveURL returns a short-lived download link for an archived task.
func (h *Handler) archiveURL(c *gin.Context) {
	if h.archiver == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage service not configured"})
		return
	}
	task, err := h.manager.Get(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if task.ArchiveLocation == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "task has not been archived"})
		return
	}
	key, err := archiveKey(task.ArchiveLocation)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	link, err := h.archiver.PresignGet(c.Request.Context(), key, 15*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": link, "key": key})
}

type urlRequest struct {
	URL     string `json:"url" binding:"required"`
	Threads int    `json:"threads"`
}

func (h *Handler) classifyURL(c *gin.Context) {
	var req urlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	info, err := h.resolver.Resolve(ctx, req.URL)
	if errors.Is(err, classify.ErrNotADownloadableFile) {
		c.JSON(http.StatusOK, ClassifyResponse{URL: req.URL, Downloadable: false, Reason: err.Error()})
		return
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ClassifyResponse{
		URL:           req.URL,
		Downloadable:  true,
		FinalURL:      info.FinalURL,
		FileName:      info.FileName,
		MimeType:      info.MimeType,
		FileSize:      info.FileSize,
		AcceptsRanges: info.AcceptsRanges,
		Redirects:     len(info.Redirects),
	})
}

func (h *Handler) probeURL(c *gin.Context) {
	var req urlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	profile := h.prober.CheckServerCapabilities(c.Request.Context(), req.URL)
	threads, warning := probe.ValidateThreadCount(req.Threads, profile)
	c.JSON(http.StatusOK, ProbeResponse{
		Profile:          profile,
		EffectiveThreads: threads,
		Warning:          warning,
		Chunks:           probe.CalculateOptimalChunks(profile.ContentLength),
	})
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.archiver == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage service not configured"})
		return
	}

	objects, err := h.archiver.ListObjects(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func archivePrefix(taskID string) string {
	return "task-" + taskID
}

// archiveKey extracts the object key from an s3://bucket/key location.
func archiveKey(location string) (string, error) {
	if !strings.HasPrefix(location, "s3://") {
		return "", fmt.Errorf("invalid s3 location")
	}
	rest := strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", fmt.Errorf("invalid s3 location")
	}
	if len(parts) == 1 || strings.Trim(parts[1], "/") == "" {
		return "", fmt.Errorf("s3 key missing")
	}
	return strings.TrimPrefix(parts[1], "/"), nil
}
