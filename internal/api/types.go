package api

import "time"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// RunResponse is one recorded stage run.
type RunResponse struct {
	RunID       string     `json:"run_id"`
	Stage       string     `json:"stage"`
	Status      string     `json:"status"`
	DryRun      bool       `json:"dry_run"`
	FileCount   int        `json:"file_count"`
	Files       []string   `json:"files,omitempty"`
	Digest      string     `json:"worklist_digest,omitempty"`
	Command     string     `json:"command,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

// RunListResponse is returned by GET /runs.
type RunListResponse struct {
	Runs []RunResponse `json:"runs"`
}
