package tui

import (
	"time"

	"github.com/fentz26/scriptd/internal/models"
)

// ExecutionItem is a summary of an execution for the list view.
type ExecutionItem struct {
	ID         string
	Script     string
	Status     models.ExecutionStatus
	RetryCount int
	CreatedAt  time.Time
	Duration   float64
}

func itemFromRecord(r models.ExecutionRecord) ExecutionItem {
	return ExecutionItem{
		ID:         r.ID,
		Script:     r.Script.Name,
		Status:     r.Status,
		RetryCount: r.RetryCount,
		CreatedAt:  r.CreatedAt,
		Duration:   r.DurationSeconds,
	}
}

// ExecutionDetail is everything the detail view shows for one execution.
type ExecutionDetail struct {
	Record *models.ExecutionRecord
	View   *models.StatusView
	Audit  []models.PDREntry
}

// WorkersStats mirrors the body of GET /workers.
type WorkersStats struct {
	Workers          int                            `json:"workers"`
	BusyWorkers      int                            `json:"busy_workers"`
	Running          []string                       `json:"running"`
	JobsCompleted    int64                          `json:"jobs_completed"`
	WorkersRecycled  int64                          `json:"workers_recycled"`
	MaxJobsPerWorker int                            `json:"max_jobs_per_worker"`
	Runner           string                         `json:"runner"`
	Queue            map[models.ExecutionStatus]int `json:"queue"`
}
