package dashboard

import (
	"context"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/hub"
	"github.com/athulya-anil/axon-forge/pkg/models"
	"github.com/athulya-anil/axon-forge/pkg/registry"
	"github.com/athulya-anil/axon-forge/pkg/store"
	"github.com/gin-gonic/gin"
)

// Dashboard serves HTMX fragments and live streams for operators.
type Dashboard struct {
	registry *registry.Registry
	jobs     *store.JobStore
	hub      *hub.Hub
	nodeID   string
	isLeader func() bool
	interval time.Duration
}

// New creates a dashboard. isLeader may be nil for single-node setups.
func New(reg *registry.Registry, jobs *store.JobStore, h *hub.Hub, nodeID string, isLeader func() bool) *Dashboard {
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	return &Dashboard{
		registry: reg,
		jobs:     jobs,
		hub:      h,
		nodeID:   nodeID,
		isLeader: isLeader,
		interval: 2 * time.Second,
	}
}

// SetupRoutes registers dashboard routes.
func (d *Dashboard) SetupRoutes(router gin.IRouter) {
	// HTMX partials
	router.GET("/api/dashboard/status", d.statusPartial)
	router.GET("/api/dashboard/jobs", d.jobsPartial)
	router.GET("/api/dashboard/workers", d.workersPartial)

	// live streams
	router.GET("/api/events/jobs", d.jobsSSE)
	router.GET("/api/events/workers", d.workersSSE)
	router.GET("/api/events/status", d.statusSSE)
}

// StatusData is the fleet overview shown on the status panel.
type StatusData struct {
	NodeID     string            `json:"node_id"`
	IsLeader   bool              `json:"is_leader"`
	Fleet      models.FleetStats `json:"fleet"`
	Jobs       map[string]int64  `json:"jobs"`
	HubClients int               `json:"hub_clients"`
	Timestamp  time.Time         `json:"timestamp"`
}

func (d *Dashboard) statusData(ctx context.Context) (*StatusData, error) {
	fleet, err := d.registry.FleetStats(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := d.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make(map[string]int64, len(counts))
	for status, n := range counts {
		jobs[string(status)] = n
	}
	return &StatusData{
		NodeID:     d.nodeID,
		IsLeader:   d.isLeader(),
		Fleet:      fleet,
		Jobs:       jobs,
		HubClients: d.hub.Count(),
		Timestamp:  time.Now().UTC(),
	}, nil
}

var fragments = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"short": shortID,
	"color": statusColor,
	"since": since,
}).Parse(`
{{define "status"}}<div id="status-panel" class="grid grid-cols-1 md:grid-cols-4 gap-4">
	<div class="bg-white rounded-lg shadow p-6">
		<div class="text-sm font-medium text-gray-500">Node</div>
		<div class="mt-2 text-xl font-semibold text-gray-900">{{.NodeID}}</div>
		<div class="mt-2">{{if .IsLeader}}<span class="px-3 py-1 rounded-full text-sm bg-green-100 text-green-800">Leader</span>{{else}}<span class="px-3 py-1 rounded-full text-sm bg-gray-100 text-gray-800">Follower</span>{{end}}</div>
	</div>
	<div class="bg-white rounded-lg shadow p-6">
		<div class="text-sm font-medium text-gray-500">Pending Jobs</div>
		<div class="mt-2 text-3xl font-bold text-blue-600">{{index .Jobs "PENDING"}}</div>
	</div>
	<div class="bg-white rounded-lg shadow p-6">
		<div class="text-sm font-medium text-gray-500">Running Jobs</div>
		<div class="mt-2 text-3xl font-bold text-blue-600">{{index .Jobs "RUNNING"}}</div>
	</div>
	<div class="bg-white rounded-lg shadow p-6">
		<div class="text-sm font-medium text-gray-500">Idle / Busy / Offline</div>
		<div class="mt-2 text-3xl font-bold text-green-600">{{.Fleet.Idle}} / {{.Fleet.Busy}} / {{.Fleet.Offline}}</div>
	</div>
</div>{{end}}

{{define "jobs"}}<div id="jobs-list" class="space-y-4">
{{range .}}	<div class="bg-white rounded-lg shadow p-4">
		<div class="flex items-center gap-3">
			<span class="text-sm font-mono text-gray-500">{{short .ID}}</span>
			<span class="px-2.5 py-0.5 rounded-full text-xs bg-{{color .Status}}-100 text-{{color .Status}}-800">{{.Status}}</span>
			<span class="text-sm text-gray-600">Priority: {{.Priority}}</span>
			<span class="text-sm text-gray-600">{{.ProgressPercent}}%</span>
		</div>
		<div class="mt-1 text-sm text-gray-500">Type: {{.JobType}}{{if .CurrentNode}} / node {{.CurrentNode}}{{end}}</div>
	</div>
{{else}}	<div class="text-center py-12 text-gray-500">No jobs</div>
{{end}}</div>{{end}}

{{define "workers"}}<div id="workers-list" class="grid grid-cols-1 md:grid-cols-2 lg:grid-cols-3 gap-4">
{{range .}}	<div class="bg-white rounded-lg shadow p-4">
		<div class="flex items-center justify-between mb-3">
			<span class="text-sm font-medium text-gray-900">{{.Name}}</span>
			<span class="px-2.5 py-0.5 rounded-full text-xs bg-{{color .Status}}-100 text-{{color .Status}}-800">{{.Status}}</span>
		</div>
		<div class="space-y-2 text-sm text-gray-600">
			<div class="flex justify-between"><span>GPU:</span><span>{{.GPUCount}}x {{.GPUModel}}</span></div>
			<div class="flex justify-between"><span>Job:</span><span class="font-mono text-xs">{{with .CurrentJobID}}{{short .}}{{else}}-{{end}}</span></div>
			<div class="flex justify-between"><span>Last heartbeat:</span><span class="text-xs">{{since .LastHeartbeatAt}}</span></div>
		</div>
	</div>
{{else}}	<div class="col-span-full text-center py-12 text-gray-500">No workers registered</div>
{{end}}</div>{{end}}
`))

func (d *Dashboard) statusPartial(c *gin.Context) {
	data, err := d.statusData(c.Request.Context())
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	d.render(c, "status", data)
}

func (d *Dashboard) jobsPartial(c *gin.Context) {
	jobs, err := d.jobs.List(c.Request.Context(), store.JobFilter{Limit: 50})
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	d.render(c, "jobs", jobs)
}

func (d *Dashboard) workersPartial(c *gin.Context) {
	workers, err := d.registry.List(c.Request.Context(), "")
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	d.render(c, "workers", workers)
}

func (d *Dashboard) render(c *gin.Context, name string, data interface{}) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := fragments.ExecuteTemplate(c.Writer, name, data); err != nil {
		log.Printf("⚠️ Failed to render %s fragment: %v", name, err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id
}

func statusColor(status interface{}) string {
	switch status {
	case models.JobPending, models.WorkerPendingApproval:
		return "yellow"
	case models.JobClaimed, models.JobRunning, models.WorkerBusy:
		return "blue"
	case models.JobCompleted, models.WorkerIdle:
		return "green"
	case models.JobFailed, models.WorkerOffline:
		return "red"
	case models.JobPaused, models.WorkerDraining:
		return "orange"
	}
	return "gray"
}

func since(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return time.Since(*t).Round(time.Second).String() + " ago"
}
