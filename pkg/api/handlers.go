package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/checkpoint"
	"github.com/athulya-anil/axon-forge/pkg/hub"
	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/athulya-anil/axon-forge/pkg/registry"
	"github.com/athulya-anil/axon-forge/pkg/scheduler"
	"github.com/athulya-anil/axon-forge/pkg/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Backends starts and stops generation instance connections.
type Backends interface {
	Add(inst models.GenerationInstance)
	Remove(instanceID string)
	Connected(instanceID string) bool
}

// Deps are the components the API serves.
type Deps struct {
	Control     *scheduler.Control
	Jobs        *store.JobStore
	Registry    *registry.Registry
	Checkpoints *checkpoint.Store
	Instances   *store.InstanceStore
	Backends    Backends
	Hub         *hub.Hub
	NodeID      string
	IsLeader    func() bool
	URLExpiry   time.Duration
}

// API provides the HTTP handlers of the platform.
type API struct {
	Deps
}

// NewAPI creates a new API instance
func NewAPI(d Deps) *API {
	if d.IsLeader == nil {
		d.IsLeader = func() bool { return true }
	}
	if d.URLExpiry <= 0 {
		d.URLExpiry = 15 * time.Minute
	}
	return &API{Deps: d}
}

// SetupRoutes configures all API routes
func (a *API) SetupRoutes(router gin.IRouter) {
	// Job endpoints
	router.POST("/jobs", a.submitJob)
	router.GET("/jobs", a.listJobs)
	router.GET("/jobs/:id", a.getJob)
	router.POST("/jobs/:id/cancel", a.cancelJob)
	router.POST("/jobs/:id/retry", a.retryJob)
	router.POST("/jobs/:id/pause", a.pauseJob)
	router.POST("/jobs/:id/resume", a.resumeJob)
	router.GET("/jobs/:id/transitions", a.jobTransitions)

	// Checkpoints and diagnostics
	router.GET("/jobs/:id/checkpoints", a.listCheckpoints)
	router.GET("/jobs/:id/checkpoints/:stage", a.getCheckpoint)
	router.GET("/jobs/:id/diagnostics", a.getDiagnostic)

	// Worker endpoints
	router.POST("/workers/register", a.registerWorker)
	router.POST("/workers/:id/heartbeat", a.heartbeat)
	router.GET("/workers", a.listWorkers)
	router.GET("/workers/:id", a.getWorker)
	router.POST("/workers/:id/approve", a.approveWorker)
	router.POST("/workers/:id/drain", a.drainWorker)
	router.POST("/workers/:id/decommission", a.decommissionWorker)
	router.POST("/workers/:id/enable", a.enableWorker)
	router.POST("/workers/:id/disable", a.disableWorker)
	router.GET("/workers/:id/health", a.workerHealth)

	// Generation instances
	router.GET("/instances", a.listInstances)
	router.POST("/instances", a.addInstance)
	router.POST("/instances/:id/disable", a.disableInstance)

	// Live notifications
	router.GET("/ws", a.serveWS)

	// Status endpoints
	router.GET("/status", a.getStatus)
	router.GET("/health", a.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// InstanceRequest represents the payload for adding a generation instance
type InstanceRequest struct {
	Name   string `json:"name" binding:"required"`
	WSURL  string `json:"ws_url" binding:"required"`
	APIURL string `json:"api_url" binding:"required"`
}

// respondError maps domain errors to status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrBadRequest),
		errors.Is(err, checkpoint.ErrInvalidStage):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// submitJob handles POST /jobs
func (a *API) submitJob(c *gin.Context) {
	var req scheduler.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := a.Control.Submit(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"job_id":  job.ID,
		"status":  string(job.Status),
		"message": "job submitted successfully",
	})
}

// listJobs handles GET /jobs
func (a *API) listJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	jobs, err := a.Control.List(c.Request.Context(), store.JobFilter{
		Status:  models.JobStatus(c.Query("status")),
		JobType: c.Query("type"),
		Limit:   limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count": len(jobs),
		"jobs":  jobs,
	})
}

// getJob handles GET /jobs/:id
func (a *API) getJob(c *gin.Context) {
	job, err := a.Control.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (a *API) jobAction(c *gin.Context, action func(ctx context.Context, id string) (*models.Job, error)) {
	job, err := action(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// cancelJob handles POST /jobs/:id/cancel
func (a *API) cancelJob(c *gin.Context) { a.jobAction(c, a.Control.Cancel) }

// pauseJob handles POST /jobs/:id/pause
func (a *API) pauseJob(c *gin.Context) { a.jobAction(c, a.Control.Pause) }

// resumeJob handles POST /jobs/:id/resume
func (a *API) resumeJob(c *gin.Context) { a.jobAction(c, a.Control.Resume) }

// retryJob handles POST /jobs/:id/retry
func (a *API) retryJob(c *gin.Context) {
	job, err := a.Control.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"job_id":          job.ID,
		"retry_of_job_id": c.Param("id"),
		"status":          string(job.Status),
	})
}

// jobTransitions handles GET /jobs/:id/transitions
func (a *API) jobTransitions(c *gin.Context) {
	history, err := a.Control.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":       len(history),
		"transitions": history,
	})
}

type checkpointView struct {
	models.Checkpoint
	DownloadURL string `json:"download_url,omitempty"`
}

func (a *API) viewCheckpoint(ctx context.Context, cp models.Checkpoint) checkpointView {
	v := checkpointView{Checkpoint: cp}
	if url, err := a.Checkpoints.PresignedURL(ctx, &cp, a.URLExpiry); err == nil {
		v.DownloadURL = url
	}
	return v
}

// listCheckpoints handles GET /jobs/:id/checkpoints
func (a *API) listCheckpoints(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := a.Control.Get(ctx, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	cps, err := a.Checkpoints.List(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]checkpointView, 0, len(cps))
	for _, cp := range cps {
		out = append(out, a.viewCheckpoint(ctx, cp))
	}
	c.JSON(http.StatusOK, gin.H{
		"count":       len(out),
		"checkpoints": out,
	})
}

// getCheckpoint handles GET /jobs/:id/checkpoints/:stage
func (a *API) getCheckpoint(c *gin.Context) {
	stage, err := strconv.Atoi(c.Param("stage"))
	if err != nil || stage < 0 {
		respondError(c, checkpoint.ErrInvalidStage)
		return
	}
	cp, err := a.Checkpoints.Get(c.Request.Context(), c.Param("id"), stage)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a.viewCheckpoint(c.Request.Context(), *cp))
}

// getDiagnostic handles GET /jobs/:id/diagnostics
func (a *API) getDiagnostic(c *gin.Context) {
	d, err := a.Checkpoints.Diagnostic(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// registerWorker handles POST /workers/register
func (a *API) registerWorker(c *gin.Context) {
	var req registry.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}

	w, err := a.Registry.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"worker_id": w.ID,
		"status":    string(w.Status),
		"message":   "worker registered successfully",
	})
}

// heartbeat handles POST /workers/:id/heartbeat
func (a *API) heartbeat(c *gin.Context) {
	w, err := a.Registry.RecordHeartbeat(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"worker_id": w.ID,
		"status":    string(w.Status),
	})
}

// listWorkers handles GET /workers
func (a *API) listWorkers(c *gin.Context) {
	workers, err := a.Registry.List(c.Request.Context(), models.WorkerStatus(c.Query("status")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(workers),
		"workers": workers,
	})
}

// getWorker handles GET /workers/:id
func (a *API) getWorker(c *gin.Context) {
	w, err := a.Registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (a *API) workerAction(c *gin.Context, action func(ctx context.Context, id string) (*models.Worker, error)) {
	w, err := action(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// approveWorker handles POST /workers/:id/approve
func (a *API) approveWorker(c *gin.Context) { a.workerAction(c, a.Registry.Approve) }

// drainWorker handles POST /workers/:id/drain
func (a *API) drainWorker(c *gin.Context) { a.workerAction(c, a.Registry.Drain) }

// decommissionWorker handles POST /workers/:id/decommission
func (a *API) decommissionWorker(c *gin.Context) { a.workerAction(c, a.Registry.Decommission) }

// enableWorker handles POST /workers/:id/enable
func (a *API) enableWorker(c *gin.Context) {
	a.workerAction(c, func(ctx context.Context, id string) (*models.Worker, error) {
		return a.Registry.SetEnabled(ctx, id, true)
	})
}

// disableWorker handles POST /workers/:id/disable
func (a *API) disableWorker(c *gin.Context) {
	a.workerAction(c, func(ctx context.Context, id string) (*models.Worker, error) {
		return a.Registry.SetEnabled(ctx, id, false)
	})
}

// workerHealth handles GET /workers/:id/health
func (a *API) workerHealth(c *gin.Context) {
	entries, err := a.Registry.HealthLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(entries),
		"entries": entries,
	})
}

// listInstances handles GET /instances
func (a *API) listInstances(c *gin.Context) {
	insts, err := a.Instances.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	type view struct {
		models.GenerationInstance
		Live bool `json:"live"`
	}
	out := make([]view, 0, len(insts))
	for _, inst := range insts {
		live := a.Backends != nil && a.Backends.Connected(inst.ID)
		out = append(out, view{GenerationInstance: inst, Live: live})
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     len(out),
		"instances": out,
	})
}

// addInstance handles POST /instances
func (a *API) addInstance(c *gin.Context) {
	var req InstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inst := &models.GenerationInstance{
		Name:      req.Name,
		WSURL:     req.WSURL,
		APIURL:    req.APIURL,
		IsEnabled: true,
	}
	if err := a.Instances.Create(c.Request.Context(), inst); err != nil {
		respondError(c, err)
		return
	}
	if a.Backends != nil {
		a.Backends.Add(*inst)
	}
	c.JSON(http.StatusCreated, inst)
}

// disableInstance handles POST /instances/:id/disable
func (a *API) disableInstance(c *gin.Context) {
	id := c.Param("id")
	if err := a.Instances.SetEnabled(c.Request.Context(), id, false); err != nil {
		respondError(c, err)
		return
	}
	if a.Backends != nil {
		a.Backends.Remove(id)
	}
	c.JSON(http.StatusOK, gin.H{
		"instance_id": id,
		"message":     "instance disabled",
	})
}

// serveWS handles GET /ws
func (a *API) serveWS(c *gin.Context) {
	a.Hub.ServeWS(c.Writer, c.Request, c.Query("user"))
}

// getStatus handles GET /status
func (a *API) getStatus(c *gin.Context) {
	ctx := c.Request.Context()
	fleet, err := a.Registry.FleetStats(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	counts, err := a.Jobs.CountByStatus(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	hubClients := 0
	if a.Hub != nil {
		hubClients = a.Hub.Count()
	}
	c.JSON(http.StatusOK, gin.H{
		"node_id":      a.NodeID,
		"is_leader":    a.IsLeader(),
		"queue_length": counts[models.JobPending],
		"jobs":         counts,
		"workers":      fleet,
		"hub_clients":  hubClients,
		"timestamp":    time.Now(),
	})
}

// healthCheck handles GET /health
func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"node":   a.NodeID,
	})
}
