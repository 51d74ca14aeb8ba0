package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"grid-client/internal/broker"
	"grid-client/internal/domain"
	"grid-client/internal/lifecycle"
	"grid-client/internal/repository"
	"grid-client/internal/storage"
	"grid-client/internal/transfer"
)

// Coordinator is the project lifecycle behind the local control API.
type Coordinator interface {
	Name() string
	Upload(ctx context.Context, bundlePath, dataPath string) (*transfer.Handle, error)
	Download(ctx context.Context, project, dest string) (*transfer.Handle, error)
	Transfer(id uuid.UUID) (*transfer.Handle, bool)

	Pause(ctx context.Context, project string) (lifecycle.Transition, error)
	Resume(ctx context.Context, project string) (lifecycle.Transition, error)
	Cancel(ctx context.Context, project string) (domain.CancelResult, error)
	MarkCorrupted(ctx context.Context, owner, project string) error

	ListProjects(ctx context.Context, states ...domain.ProjectState) ([]domain.ProjectInfo, error)
	ProjectInfo(ctx context.Context, project string) (domain.ProjectInfo, error)
	IsConnected(ctx context.Context) bool
	HasTasksInProgress(ctx context.Context) (bool, error)
	SetMemoryLimit(ctx context.Context, memoryMB int) error
	SetCoresLimit(ctx context.Context, cores int) error
}

// Journal is the read and delete side of the transfer journal.
type Journal interface {
	GetTransfer(ctx context.Context, id string) (*domain.Transfer, error)
	ListTransfers(ctx context.Context) ([]domain.Transfer, error)
	DeleteTransfer(ctx context.Context, id string) error
}

// Handler wires HTTP routes to the lifecycle client.
type Handler struct {
	grid    Coordinator
	journal Journal
	storage storage.Service
	bucket  string
}

// NewHandler builds the API. store may be nil when no mirror bucket is configured.
func NewHandler(grid Coordinator, journal Journal, store storage.Service, bucket string) *Handler {
	return &Handler{
		grid:    grid,
		journal: journal,
		storage: store,
		bucket:  bucket,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.POST("/uploads", h.upload)
		api.POST("/downloads", h.download)
		api.GET("/transfers", h.listTransfers)
		api.GET("/transfers/:id", h.getTransfer)
		api.DELETE("/transfers/:id", h.deleteTransfer)

		api.GET("/projects", h.listProjects)
		api.GET("/projects/:project", h.getProject)
		api.POST("/projects/:project/pause", h.pause)
		api.POST("/projects/:project/resume", h.resume)
		api.POST("/projects/:project/cancel", h.cancel)
		api.POST("/owners/:owner/projects/:project/corrupted", h.markCorrupted)
		api.PUT("/limits", h.setLimits)
		api.GET("/status", h.status)

		api.GET("/storage/objects", h.listObjects)
		api.GET("/storage/url", h.objectURL)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok", "client": h.grid.Name()})
		})
	}
}

type uploadRequest struct {
	BundlePath string `json:"bundle_path" binding:"required"`
	DataPath   string `json:"data_path" binding:"required"`
}

type downloadRequest struct {
	Project string `json:"project" binding:"required"`
	Dest    string `json:"dest"`
}

type limitsRequest struct {
	MemoryMB *int `json:"memory_mb"`
	Cores    *int `json:"cores"`
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// statusFor maps a classified failure to the status code reported to the caller.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrProjectExists), errors.Is(err, domain.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, broker.ErrProjectNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, transfer.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (h *Handler) upload(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle, err := h.grid.Upload(c.Request.Context(), req.BundlePath, req.DataPath)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handleToResponse(handle))
}

func (h *Handler) download(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle, err := h.grid.Download(c.Request.Context(), req.Project, req.Dest)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handleToResponse(handle))
}

func (h *Handler) listTransfers(c *gin.Context) {
	transfers, err := h.journal.ListTransfers(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	resp := make([]TransferResponse, len(transfers))
	for i := range transfers {
		resp[i] = h.withLiveProgress(transferToResponse(transfers[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTransfer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	t, err := h.journal.GetTransfer(c.Request.Context(), id.String())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.withLiveProgress(transferToResponse(*t)))
}

func (h *Handler) deleteTransfer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	deleteRemote, err := strconv.ParseBool(c.DefaultQuery("delete_remote", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_remote"})
		return
	}
	deleteLocal, err := strconv.ParseBool(c.DefaultQuery("delete_local", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_local"})
		return
	}

	if _, running := h.grid.Transfer(id); running {
		c.JSON(http.StatusConflict, gin.H{"error": "transfer is still running"})
		return
	}
	t, err := h.journal.GetTransfer(c.Request.Context(), id.String())
	if err != nil {
		fail(c, err)
		return
	}

	var warnings []string
	if deleteRemote && t.MirrorLocation != "" {
		if h.storage == nil || h.bucket == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storage service not configured"})
			return
		}
		key, err := extractS3Key(t.MirrorLocation, h.bucket)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		shared, err := h.mirrorShared(c.Request.Context(), t)
		if err != nil {
			fail(c, err)
			return
		}
		if shared {
			// repeated downloads of a project reuse one key
			warnings = append(warnings, fmt.Sprintf("kept %s: another transfer still points to it", t.MirrorLocation))
		} else {
			remoteCtx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
			defer cancel()
			if err := h.storage.DeleteObject(remoteCtx, h.bucket, key); err != nil {
				warnings = append(warnings, fmt.Sprintf("delete remote data: %v", err))
			}
		}
	}
	if deleteLocal && t.Direction == domain.DirectionDownload && t.LocalPath != "" {
		if err := os.Remove(t.LocalPath); err != nil && !os.IsNotExist(err) {
			warnings = append(warnings, fmt.Sprintf("remove local data %s: %v", t.LocalPath, err))
		}
	}

	if err := h.journal.DeleteTransfer(c.Request.Context(), t.ID); err != nil {
		fail(c, err)
		return
	}

	resp := gin.H{"deleted": t.ID}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	c.JSON(http.StatusOK, resp)
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transfer id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) listProjects(c *gin.Context) {
	var states []domain.ProjectState
	for _, raw := range c.QueryArray("state") {
		state, err := domain.ParseProjectState(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		states = append(states, state)
	}

	projects, err := h.grid.ListProjects(c.Request.Context(), states...)
	if err != nil {
		fail(c, err)
		return
	}
	if projects == nil {
		projects = []domain.ProjectInfo{}
	}
	c.JSON(http.StatusOK, projects)
}

func (h *Handler) getProject(c *gin.Context) {
	info, err := h.grid.ProjectInfo(c.Request.Context(), c.Param("project"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) pause(c *gin.Context) {
	t, err := h.grid.Pause(c.Request.Context(), c.Param("project"))
	h.respondTransition(c, t, err)
}

func (h *Handler) resume(c *gin.Context) {
	t, err := h.grid.Resume(c.Request.Context(), c.Param("project"))
	h.respondTransition(c, t, err)
}

func (h *Handler) respondTransition(c *gin.Context, t lifecycle.Transition, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, TransitionResponse{
		Project: t.Project,
		Changed: t.Changed,
		Known:   t.Known,
		Prior:   t.Prior,
		Reason:  t.Reason(),
	})
}

func (h *Handler) cancel(c *gin.Context) {
	result, err := h.grid.Cancel(c.Request.Context(), c.Param("project"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": c.Param("project"), "result": result})
}

func (h *Handler) markCorrupted(c *gin.Context) {
	if err := h.grid.MarkCorrupted(c.Request.Context(), c.Param("owner"), c.Param("project")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) setLimits(c *gin.Context) {
	var req limitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MemoryMB == nil && req.Cores == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "memory_mb or cores is required"})
		return
	}

	ctx := c.Request.Context()
	if req.MemoryMB != nil {
		if err := h.grid.SetMemoryLimit(ctx, *req.MemoryMB); err != nil {
			fail(c, err)
			return
		}
	}
	if req.Cores != nil {
		if err := h.grid.SetCoresLimit(ctx, *req.Cores); err != nil {
			fail(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) status(c *gin.Context) {
	ctx := c.Request.Context()
	resp := gin.H{
		"client":    h.grid.Name(),
		"connected": h.grid.IsConnected(ctx),
	}
	if busy, err := h.grid.HasTasksInProgress(ctx); err == nil {
		resp["tasks_in_progress"] = busy
	} else {
		resp["warnings"] = []string{err.Error()}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage service not configured"})
		return
	}

	prefix := c.Query("prefix")
	objects, err := h.storage.ListObjects(c.Request.Context(), h.bucket, prefix)
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

func (h *Handler) objectURL(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage service not configured"})
		return
	}
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	expires, err := time.ParseDuration(c.DefaultQuery("expires", "15m"))
	if err != nil || expires <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expires"})
		return
	}

	url, err := h.storage.GetObjectURL(c.Request.Context(), h.bucket, key, expires)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expires_in": int(expires.Seconds())})
}

type TransferResponse struct {
	ID               string                 `json:"id"`
	Direction        domain.Direction       `json:"direction"`
	Project          string                 `json:"project"`
	Status           domain.TransferStatus  `json:"status"`
	Progress         int                    `json:"progress"`
	Started          bool                   `json:"started"`
	BytesTransferred int64                  `json:"bytes_transferred"`
	TotalBytes       int64                  `json:"total_bytes"`
	LocalPath        string                 `json:"local_path"`
	MirrorLocation   string                 `json:"mirror_location,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	CreatedAt        string                 `json:"created_at,omitempty"`
	UpdatedAt        string                 `json:"updated_at,omitempty"`
	FinishedAt       *string                `json:"finished_at,omitempty"`
	Files            []TransferFileResponse `json:"files"`
}

type TransferFileResponse struct {
	ID   int64  `json:"id"`
	Role string `json:"role"`
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type TransitionResponse struct {
	Project string              `json:"project"`
	Changed bool                `json:"changed"`
	Known   bool                `json:"known"`
	Prior   domain.ProjectState `json:"prior_state,omitempty"`
	Reason  string              `json:"reason,omitempty"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

func transferToResponse(t domain.Transfer) TransferResponse {
	resp := TransferResponse{
		ID:               t.ID,
		Direction:        t.Direction,
		Project:          t.ProjectName,
		Status:           t.Status,
		Progress:         t.Progress,
		Started:          t.BytesTransferred > 0,
		BytesTransferred: t.BytesTransferred,
		TotalBytes:       t.TotalBytes,
		LocalPath:        t.LocalPath,
		MirrorLocation:   t.MirrorLocation,
		ErrorMessage:     t.ErrorMessage,
		CreatedAt:        t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        t.UpdatedAt.Format(time.RFC3339),
		Files:            make([]TransferFileResponse, len(t.Files)),
	}
	if t.FinishedAt != nil {
		v := t.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &v
	}
	for i, f := range t.Files {
		resp.Files[i] = TransferFileResponse{ID: f.ID, Role: f.Role, Name: f.Name, Path: f.Path, Size: f.Size}
	}
	return resp
}

// handleToResponse describes a transfer that was just submitted.
func handleToResponse(h *transfer.Handle) TransferResponse {
	return TransferResponse{
		ID:               h.ID().String(),
		Direction:        h.Direction(),
		Project:          h.Project(),
		Status:           domain.TransferStatusQueued,
		Progress:         h.Progress(),
		Started:          h.Started(),
		BytesTransferred: h.Transferred(),
		TotalBytes:       h.Total(),
		LocalPath:        h.LocalPath(),
		Files:            []TransferFileResponse{},
	}
}

// withLiveProgress replaces journaled counters with the handle's when the
// transfer is still running; the journal lags by up to one poll interval.
func (h *Handler) withLiveProgress(resp TransferResponse) TransferResponse {
	id, err := uuid.Parse(resp.ID)
	if err != nil {
		return resp
	}
	handle, ok := h.grid.Transfer(id)
	if !ok {
		return resp
	}
	resp.Progress = handle.Progress()
	resp.Started = handle.Started()
	resp.BytesTransferred = handle.Transferred()
	resp.TotalBytes = handle.Total()
	if resp.Started && resp.Status == domain.TransferStatusQueued {
		resp.Status = domain.TransferStatusRunning
	}
	return resp
}

// mirrorShared reports whether a journal entry other than t has t's mirror.
func (h *Handler) mirrorShared(ctx context.Context, t *domain.Transfer) (bool, error) {
	all, err := h.journal.ListTransfers(ctx)
	if err != nil {
		return false, err
	}
	for _, other := range all {
		if other.ID != t.ID && other.MirrorLocation == t.MirrorLocation {
			return true, nil
		}
	}
	return false, nil
}

func extractS3Key(location, bucket string) (string, error) {
	if !strings.HasPrefix(location, "s3://") {
		return "", fmt.Errorf("invalid s3 location")
	}
	rest := strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", fmt.Errorf("invalid s3 location")
	}
	if bucket != "" && parts[0] != bucket {
		return "", fmt.Errorf("s3 bucket mismatch")
	}
	if len(parts) == 1 {
		return "", fmt.Errorf("s3 key missing")
	}
	key := strings.Trim(parts[1], "/")
	if key == "" {
		return "", fmt.Errorf("s3 key missing")
	}
	return key, nil
}
