package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"peerfetch/internal/auth"
	"peerfetch/internal/domain"
	"peerfetch/internal/engine"
	"peerfetch/internal/repository"
	"peerfetch/internal/service"
)

// Handler wires HTTP routes to the engine and domain services.
type Handler struct {
	engine  *engine.Engine
	history service.HistoryService
	auth    *auth.Service
}

func NewHandler(eng *engine.Engine, history service.HistoryService, authSvc *auth.Service) *Handler {
	return &Handler{
		engine:  eng,
		history: history,
		auth:    authSvc,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})
	router.POST("/api/auth/register", h.register)
	router.POST("/api/auth/login", h.login)

	api := router.Group("/api")
	api.Use(h.authMiddleware())
	{
		api.POST("/tasks", h.createTask)
		api.GET("/tasks", h.listTasks)
		api.GET("/tasks/:id", h.getTask)
		api.DELETE("/tasks/:id", h.removeTask)
		api.POST("/tasks/:id/cancel", h.cancelTask)
		api.POST("/tasks/:id/pause", h.pauseTask)
		api.POST("/tasks/:id/resume", h.resumeTask)
		api.POST("/tasks/:id/retry", h.retryTask)
		api.PATCH("/tasks/:id/priority", h.setPriority)
		api.POST("/tasks/:id/move", h.moveTask)
		api.GET("/scheduler", h.getScheduler)
		api.PUT("/scheduler", h.setScheduler)
		api.GET("/history", h.listHistory)
		api.DELETE("/history", h.clearHistory)
		api.GET("/history/export", h.exportHistory)
		api.POST("/history/import", h.importHistory)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.auth == nil {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		subject, err := h.auth.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("user_id", subject)
		c.Next()
	}
}

type registerRequest struct {
	Username       string `json:"username" binding:"required"`
	Password       string `json:"password" binding:"required"`
	RegisterSecret string `json:"register_secret" binding:"required"`
}

func (h *Handler) register(c *gin.Context) {
	if h.auth == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "auth is not configured"})
		return
	}
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req.Username, req.Password, req.RegisterSecret)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrInvalidRegistrationSecret) {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "username": user.Username})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	if h.auth == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "auth is not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, expiresAt, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expiresAt.Format(time.RFC3339)})
}

type createTaskRequest struct {
	ContentHash        string   `json:"content_hash" binding:"required"`
	Name               string   `json:"name" binding:"required"`
	Size               int64    `json:"size"`
	OutputPath         string   `json:"output_path"`
	SourceAddresses    []string `json:"source_addresses"`
	ContentIdentifiers []string `json:"content_identifiers"`
	IsEncrypted        bool     `json:"is_encrypted"`
	ManifestRef        string   `json:"manifest_ref"`
	Priority           string   `json:"priority"`
	Protocol           string   `json:"protocol"`
}

func (h *Handler) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	priority := domain.PriorityNormal
	if req.Priority != "" {
		p, ok := domain.ParsePriority(req.Priority)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid priority"})
			return
		}
		priority = p
	}

	task, err := h.engine.Create(domain.Descriptor{
		ContentHash:        req.ContentHash,
		Name:               req.Name,
		Size:               req.Size,
		OutputPath:         req.OutputPath,
		SourceAddresses:    req.SourceAddresses,
		ContentIdentifiers: req.ContentIdentifiers,
		IsEncrypted:        req.IsEncrypted,
		ManifestRef:        req.ManifestRef,
		Priority:           priority,
		ForcedProtocol:     domain.Protocol(req.Protocol),
	})
	if err != nil {
		if errors.Is(err, engine.ErrDuplicateTask) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, taskToResponse(task))
}

func (h *Handler) listTasks(c *gin.Context) {
	tasks := h.engine.List()
	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = taskToResponse(tasks[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTask(c *gin.Context) {
	task, err := h.engine.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

func (h *Handler) removeTask(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.Remove(id); err != nil {
		c.JSON(taskErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) cancelTask(c *gin.Context) {
	h.taskAction(c, h.engine.Cancel)
}

func (h *Handler) pauseTask(c *gin.Context) {
	h.taskAction(c, h.engine.Pause)
}

func (h *Handler) resumeTask(c *gin.Context) {
	h.taskAction(c, h.engine.Resume)
}

func (h *Handler) taskAction(c *gin.Context, fn func(string) error) {
	id := c.Param("id")
	if err := fn(id); err != nil {
		c.JSON(taskErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	task, err := h.engine.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

func (h *Handler) retryTask(c *gin.Context) {
	task, err := h.engine.Retry(c.Param("id"))
	if err != nil {
		c.JSON(taskErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, taskToResponse(task))
}

type priorityRequest struct {
	Priority string `json:"priority" binding:"required"`
}

func (h *Handler) setPriority(c *gin.Context) {
	var req priorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	priority, ok := domain.ParsePriority(req.Priority)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid priority"})
		return
	}
	h.taskAction(c, func(id string) error {
		return h.engine.SetPriority(id, priority)
	})
}

type moveRequest struct {
	Index int `json:"index"`
}

func (h *Handler) moveTask(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.taskAction(c, func(id string) error {
		return h.engine.MoveQueued(id, req.Index)
	})
}

func (h *Handler) getScheduler(c *gin.Context) {
	maxConcurrent, autoStart := h.engine.Settings()
	c.JSON(http.StatusOK, gin.H{"max_concurrent": maxConcurrent, "auto_start": autoStart})
}

type schedulerRequest struct {
	MaxConcurrent *int  `json:"max_concurrent"`
	AutoStart     *bool `json:"auto_start"`
}

func (h *Handler) setScheduler(c *gin.Context) {
	var req schedulerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxConcurrent != nil {
		if err := h.engine.SetMaxConcurrent(*req.MaxConcurrent); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.AutoStart != nil {
		if err := h.engine.SetAutoStart(*req.AutoStart); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	h.getScheduler(c)
}

func (h *Handler) listHistory(c *gin.Context) {
	filter := repository.HistoryFilter{
		Search: c.Query("q"),
	}
	if status := c.Query("status"); status != "" {
		filter.Statuses = []domain.TaskStatus{domain.TaskStatus(status)}
	}
	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	entries, err := h.history.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) clearHistory(c *gin.Context) {
	class := c.DefaultQuery("class", "all")
	deleted, err := h.history.ClearByClass(c.Request.Context(), class)
	if err != nil {
		if errors.Is(err, service.ErrUnknownStatusClass) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *Handler) exportHistory(c *gin.Context) {
	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", `attachment; filename="history.json"`)
	if err := h.history.Export(c.Request.Context(), c.Writer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handler) importHistory(c *gin.Context) {
	added, skipped, err := h.history.Import(c.Request.Context(), c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added, "skipped": skipped})
}

func taskErrStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrNotQueued),
		errors.Is(err, engine.ErrNoCapacity):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type TaskResponse struct {
	ID               string             `json:"id"`
	ContentHash      string             `json:"content_hash"`
	Name             string             `json:"name"`
	Size             int64              `json:"size"`
	Status           domain.TaskStatus  `json:"status"`
	Priority         string             `json:"priority"`
	Protocol         domain.Protocol    `json:"protocol"`
	ProgressPercent  float64            `json:"progress_percent"`
	SpeedBytesPerSec int64              `json:"speed_bytes_per_sec"`
	ETASeconds       int64              `json:"eta_seconds"`
	DownloadedBytes  int64              `json:"downloaded_bytes"`
	SourceAddresses  []string           `json:"source_addresses,omitempty"`
	ChunksTotal      int                `json:"chunks_total,omitempty"`
	ChunksDone       int                `json:"chunks_done,omitempty"`
	OutputPath       string             `json:"output_path,omitempty"`
	IsEncrypted      bool               `json:"is_encrypted,omitempty"`
	ArchiveLocation  string             `json:"archive_location,omitempty"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	PeerStates       map[string]string  `json:"peer_states,omitempty"`
	CreatedAt        string             `json:"created_at"`
	UpdatedAt        string             `json:"updated_at"`
	CompletedAt      *string            `json:"completed_at,omitempty"`
}

func taskToResponse(task domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:               task.ID,
		ContentHash:      task.ContentHash,
		Name:             task.Name,
		Size:             task.Size,
		Status:           task.Status,
		Priority:         task.Priority.String(),
		Protocol:         task.Protocol,
		ProgressPercent:  task.ProgressPercent,
		SpeedBytesPerSec: task.SpeedBytesPerSec,
		ETASeconds:       task.ETASeconds,
		DownloadedBytes:  task.DownloadedBytes,
		SourceAddresses:  task.SourceAddresses,
		ChunksTotal:      len(task.ContentIdentifiers),
		ChunksDone:       len(task.DownloadedChunks),
		OutputPath:       task.OutputPath,
		IsEncrypted:      task.IsEncrypted,
		ArchiveLocation:  task.ArchiveLocation,
		ErrorMessage:     task.ErrorMessage,
		CreatedAt:        task.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        task.UpdatedAt.Format(time.RFC3339),
	}
	if len(task.PeerStates) > 0 {
		resp.PeerStates = make(map[string]string, len(task.PeerStates))
		for peer, state := range task.PeerStates {
			resp.PeerStates[peer] = string(state)
		}
	}
	if task.CompletedAt != nil {
		v := task.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	return resp
}
