// Package diagnostics backs the operational status endpoints: process-level
// CPU/memory stats alongside database health, and a per-business ingestion
// pipeline summary, combining gopsutil readings with per-database file
// stats.
package diagnostics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/finpulse/internal/database"
)

// ProcessStats mirrors the CPU/RAM reading system_handlers.go's
// getSystemStats returns, plus disk usage for the data directory.
type ProcessStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// DatabaseStatus reports one database's health and size.
type DatabaseStatus struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
	PageCount int64  `json:"page_count"`
}

// Status is the GET /api/diagnostics/status/{id} response shape.
type Status struct {
	BusinessID  string         `json:"business_id"`
	Process     ProcessStats   `json:"process"`
	Database    DatabaseStatus `json:"database"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Reporter computes diagnostics snapshots. startedAt is the process start
// time, used for uptime.
type Reporter struct {
	db        *database.DB
	dataDir   string
	startedAt time.Time
}

func NewReporter(db *database.DB, dataDir string, startedAt time.Time) *Reporter {
	return &Reporter{db: db, dataDir: dataDir, startedAt: startedAt}
}

// Status returns a process + database snapshot. businessID is carried
// through for the response shape only; the process stats it reports are
// host-wide, not per-business.
func (r *Reporter) Status(ctx context.Context, businessID string, now time.Time) (Status, error) {
	process := r.processStats(now)

	dbStatus := DatabaseStatus{Name: "finpulse"}
	if err := r.db.HealthCheck(ctx); err != nil {
		dbStatus.Error = err.Error()
	} else {
		dbStatus.Healthy = true
	}
	if stats, err := r.db.GetStats(); err == nil {
		dbStatus.SizeBytes = stats.SizeBytes
		dbStatus.PageCount = stats.PageCount
	}

	return Status{
		BusinessID:  businessID,
		Process:     process,
		Database:    dbStatus,
		GeneratedAt: now,
	}, nil
}

// processStats reads a short CPU sample plus memory and disk usage. Errors
// from gopsutil are swallowed into zero values rather than failing the
// whole endpoint.
func (r *Reporter) processStats(now time.Time) ProcessStats {
	var stats ProcessStats
	stats.UptimeSeconds = now.Sub(r.startedAt).Seconds()

	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
	}

	if du, err := disk.Usage(r.dataDir); err == nil {
		stats.DiskPercent = du.UsedPercent
	}

	return stats
}
