// Package handlers - HTTP API
// Gin handlers for the project lifecycle: build, update, start, stop,
// status, logs, and build history.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sitesmith/internal/builder"
	"sitesmith/internal/history"
	"sitesmith/internal/logging"
	"sitesmith/internal/state"
	"sitesmith/internal/supervisor"
	"sitesmith/internal/websocket"
)

// BuildService is the pipeline surface the API drives.
type BuildService interface {
	Build(ctx context.Context, project, requirement string) (*builder.BuildReport, error)
	Update(ctx context.Context, project, instruction string) (*builder.UpdateReport, error)
}

// ProcessService is the supervisor surface the API drives.
type ProcessService interface {
	Start(ctx context.Context, name, projectPath string) (state.Record, error)
	Stop(name string) error
	Get(name string) (state.Record, bool)
	Logs(name string) (string, bool)
}

// Handlers bundles the API dependencies.
type Handlers struct {
	pipeline BuildService
	procs    ProcessService
	store    *state.Store
	hist     *history.Store
	hub      *websocket.Hub

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates the handler set. hist and hub may be nil; their endpoints then
// answer 404.
func New(builds BuildService, procs ProcessService, store *state.Store, hist *history.Store, hub *websocket.Hub) *Handlers {
	return &Handlers{
		pipeline: builds,
		procs:    procs,
		store:    store,
		hist:     hist,
		hub:      hub,
		inFlight: make(map[string]bool),
	}
}

// Router builds the gin engine with all routes mounted.
func (h *Handlers) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.GET("/projects", h.listProjects)

	project := api.Group("/projects/:name")
	project.POST("/build", h.build)
	project.POST("/update", h.update)
	project.POST("/start", h.start)
	project.POST("/stop", h.stop)
	project.GET("/status", h.status)
	project.GET("/logs", h.logs)
	project.GET("/builds", h.buildHistory)
	if h.hub != nil {
		project.GET("/events", h.hub.HandleWebSocket)
	}

	return r
}

type buildRequest struct {
	Requirement string `json:"requirement" binding:"required"`
}

type updateRequest struct {
	Instruction string `json:"instruction" binding:"required"`
}

// build kicks off the full pipeline asynchronously; progress flows over the
// project's websocket room and the terminal report lands in history.
func (h *Handlers) build(c *gin.Context) {
	name := c.Param("name")
	var req buildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "requirement is required"})
		return
	}
	if !h.acquire(name) {
		c.JSON(http.StatusConflict, gin.H{"error": "a pipeline is already running for this project"})
		return
	}

	go func() {
		defer h.release(name)
		report, err := h.pipeline.Build(context.Background(), name, req.Requirement)
		if err != nil {
			logging.S().Errorf("API: build %q failed: %v", name, err)
			return
		}
		logging.S().Infof("API: build %q finished: %s", name, report.Status)
	}()

	c.JSON(http.StatusAccepted, gin.H{"project": name, "status": "accepted"})
}

// update applies an incremental instruction, also asynchronously.
func (h *Handlers) update(c *gin.Context) {
	name := c.Param("name")
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instruction is required"})
		return
	}
	if !h.acquire(name) {
		c.JSON(http.StatusConflict, gin.H{"error": "a pipeline is already running for this project"})
		return
	}

	go func() {
		defer h.release(name)
		report, err := h.pipeline.Update(context.Background(), name, req.Instruction)
		if err != nil {
			logging.S().Errorf("API: update %q failed: %v", name, err)
			return
		}
		logging.S().Infof("API: update %q finished: %s (%s)", name, report.Status, report.Decision.Action)
	}()

	c.JSON(http.StatusAccepted, gin.H{"project": name, "status": "accepted"})
}

func (h *Handlers) start(c *gin.Context) {
	name := c.Param("name")
	rec, ok := h.store.Get(name)
	projectPath := rec.ProjectPath
	if !ok || projectPath == "" {
		var body struct {
			ProjectPath string `json:"project_path"`
		}
		_ = c.ShouldBindJSON(&body)
		projectPath = body.ProjectPath
	}
	if projectPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown project; provide project_path"})
		return
	}

	started, err := h.procs.Start(c.Request.Context(), name, projectPath)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrServerStartTimeout) {
			status = http.StatusGatewayTimeout
		}
		if errors.Is(err, supervisor.ErrNoPortAvailable) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, started)
}

func (h *Handlers) stop(c *gin.Context) {
	name := c.Param("name")
	if err := h.procs.Stop(name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) status(c *gin.Context) {
	name := c.Param("name")
	if rec, ok := h.procs.Get(name); ok {
		c.JSON(http.StatusOK, gin.H{"running": true, "project": rec})
		return
	}
	if rec, ok := h.store.Get(name); ok {
		c.JSON(http.StatusOK, gin.H{"running": false, "project": rec})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
}

func (h *Handlers) logs(c *gin.Context) {
	name := c.Param("name")
	logs, ok := h.procs.Logs(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": name, "logs": logs})
}

func (h *Handlers) listProjects(c *gin.Context) {
	type projectView struct {
		state.Record
		Running bool `json:"running"`
	}
	records := h.store.List()
	out := make([]projectView, 0, len(records))
	for _, rec := range records {
		_, running := h.procs.Get(rec.Name)
		out = append(out, projectView{Record: rec, Running: running})
	}
	c.JSON(http.StatusOK, gin.H{"projects": out})
}

func (h *Handlers) buildHistory(c *gin.Context) {
	if h.hist == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history not enabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	records, err := h.hist.Builds(c.Param("name"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"builds": records})
}

func (h *Handlers) acquire(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inFlight[name] {
		return false
	}
	h.inFlight[name] = true
	return true
}

func (h *Handlers) release(name string) {
	h.mu.Lock()
	delete(h.inFlight, name)
	h.mu.Unlock()
}
