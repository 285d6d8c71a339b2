// Package handlers provides HTTP API handlers for downloadarr.
package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"gorm.io/gorm"

	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/ffmpeg"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/models"
	"github.com/jasonn9538/LibraryDownloadarr-sub000/internal/service"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
	slowPing       = 100 * time.Millisecond
)

// EngineStatus is the view of the local engine the health check needs.
type EngineStatus interface {
	Selection() ffmpeg.EncoderSelection
	ActiveCount() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *gorm.DB
	engine    EngineStatus
	workers   *service.WorkerService
	queue     *service.QueueService
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database connection for health checks.
func (h *HealthHandler) WithDB(db *gorm.DB) *HealthHandler {
	h.db = db
	return h
}

// WithEngine reports on the local transcode engine.
func (h *HealthHandler) WithEngine(engine EngineStatus) *HealthHandler {
	h.engine = engine
	return h
}

// WithWorkers reports registered workers.
func (h *HealthHandler) WithWorkers(workers *service.WorkerService) *HealthHandler {
	h.workers = workers
	return h
}

// WithQueue reports job counts.
func (h *HealthHandler) WithQueue(queue *service.QueueService) *HealthHandler {
	h.queue = queue
	return h
}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// ProbeOutput is the output for liveness and readiness probes.
type ProbeOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health of the service, its dependencies and host metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "livez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.Livez)

	huma.Register(api, huma.Operation{
		OperationID: "readyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Returns 503 while the database is unreachable",
		Tags:        []string{"System"},
	}, h.Readyz)
}

// Livez reports that the process is serving requests.
func (h *HealthHandler) Livez(_ context.Context, _ *struct{}) (*ProbeOutput, error) {
	resp := &ProbeOutput{}
	resp.Body.Status = "ok"
	return resp, nil
}

// Readyz reports whether the database is reachable.
func (h *HealthHandler) Readyz(ctx context.Context, _ *struct{}) (*ProbeOutput, error) {
	if db := h.getDatabaseHealth(ctx); db.Status == "error" {
		return nil, huma.NewError(http.StatusServiceUnavailable, "database unavailable")
	}
	resp := &ProbeOutput{}
	resp.Body.Status = "ok"
	return resp, nil
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	dbHealth := h.getDatabaseHealth(ctx)
	components := HealthComponents{
		Database: dbHealth,
		Engine:   h.getEngineHealth(),
		Workers:  h.getWorkersHealth(ctx),
		Queue:    h.getQueueCounts(ctx),
	}

	status := statusHealthy
	if dbHealth.Status == "error" {
		status = statusDegraded
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			CPUInfo:       h.getCPUInfo(),
			Memory:        h.getMemoryInfo(),
			Components:    components,
			Checks: map[string]string{
				"database": dbHealth.Status,
				"engine":   components.Engine.Status,
			},
		},
	}, nil
}

func (h *HealthHandler) getCPUInfo() CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if info.Cores > 0 {
			info.LoadPercentage1Min = loadAvg.Load1 / float64(info.Cores) * 100
		}
	}
	return info
}

func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = toMB(vmStat.Total)
		info.UsedMemoryMB = toMB(vmStat.Used)
		info.AvailableMemoryMB = toMB(vmStat.Available)
	}

	info.ProcessMemory = h.getProcessMemoryInfo()
	return info
}

// getProcessMemoryInfo sums the server's RSS and that of its ffmpeg children.
func (h *HealthHandler) getProcessMemoryInfo() ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pids fit in int32
	if err != nil {
		return info
	}

	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		info.MainProcessMB = toMB(memInfo.RSS)
		info.TotalProcessTreeMB = info.MainProcessMB
	}

	children, err := proc.Children()
	if err != nil {
		return info
	}
	for _, child := range children {
		childMem, err := child.MemoryInfo()
		if err != nil || childMem == nil {
			continue
		}
		mb := toMB(childMem.RSS)
		info.TotalProcessTreeMB += mb
		if name, err := child.Name(); err == nil && strings.Contains(name, "ffmpeg") {
			info.EncoderProcesses++
			info.EncoderProcessesMB += mb
		}
	}
	return info
}

func (h *HealthHandler) getDatabaseHealth(ctx context.Context) DatabaseHealth {
	health := DatabaseHealth{Status: "ok"}
	if h.db == nil {
		health.Status = "unknown"
		return health
	}

	sqlDB, err := h.db.DB()
	if err != nil {
		health.Status = "error"
		return health
	}

	stats := sqlDB.Stats()
	health.OpenConnections = stats.OpenConnections
	health.ActiveConnections = stats.InUse
	health.IdleConnections = stats.Idle

	start := time.Now()
	err = sqlDB.PingContext(ctx)
	elapsed := time.Since(start)
	health.ResponseTimeMS = float64(elapsed.Microseconds()) / 1000

	switch {
	case err != nil:
		health.Status = "error"
	case elapsed > slowPing:
		health.Status = "slow"
	}
	return health
}

func (h *HealthHandler) getEngineHealth() EngineHealth {
	if h.engine == nil {
		return EngineHealth{Status: "disabled"}
	}
	selection := h.engine.Selection()
	return EngineHealth{
		Status:         "ok",
		Encoder:        selection.Encoder,
		Accel:          string(selection.Accel),
		ActiveSessions: h.engine.ActiveCount(),
	}
}

func (h *HealthHandler) getWorkersHealth(ctx context.Context) WorkersHealth {
	health := WorkersHealth{}
	if h.workers == nil {
		return health
	}
	workers, err := h.workers.List(ctx)
	if err != nil {
		return health
	}
	for _, w := range workers {
		if w.Status == models.WorkerStatusOnline {
			health.Online++
		} else {
			health.Offline++
		}
	}
	return health
}

func (h *HealthHandler) getQueueCounts(ctx context.Context) TranscodeCountsResponse {
	if h.queue == nil {
		return TranscodeCountsResponse{}
	}
	counts, err := h.queue.Counts(ctx, nil)
	if err != nil {
		return TranscodeCountsResponse{}
	}
	return TranscodeCountsResponse(counts)
}

func toMB(bytes uint64) float64 {
	return float64(bytes) / 1024 / 1024
}
