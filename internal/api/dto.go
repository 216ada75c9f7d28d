package api

import (
	"time"

	"github.com/starford/notesync/internal/auth"
)

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Syncing             bool          `json:"syncing"`
	SchedulerRunning    bool          `json:"scheduler_running"`
	ConsecutiveFailures int           `json:"consecutive_failures" example:"0"`
	IntervalSeconds     int           `json:"interval_seconds" example:"60"`
	NextSyncAt          *time.Time    `json:"next_sync_at,omitempty"`
	LastCycle           *CycleSummary `json:"last_cycle,omitempty"`
	ConfigStatus        string        `json:"config_status" example:"synced"`
	Credentials         *auth.State   `json:"credentials,omitempty"`
	NotesSynced         int           `json:"notes_synced" example:"42"`
}

// CycleSummary describes the most recent cycle.
type CycleSummary struct {
	Outcome    string `json:"outcome" example:"count"`
	Count      int    `json:"count" example:"3"`
	Written    int    `json:"written"`
	Failed     int    `json:"failed"`
	Archived   int    `json:"archived"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// SyncResponse is returned by POST /api/sync.
type SyncResponse struct {
	Outcome string `json:"outcome" example:"count"`
	Count   int    `json:"count" example:"3"`
}

// ConfigSyncResponse is returned by POST /api/config/sync.
type ConfigSyncResponse struct {
	Status string `json:"status" example:"synced"`
}
