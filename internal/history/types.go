package history

import (
	"errors"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is one recorded stage invocation.
type Run struct {
	ID          string
	Stage       string
	Status      Status
	DryRun      bool
	FileCount   int
	Files       []string
	Digest      string
	Command     string
	ExitCode    *int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   *string
	Stderr      *string
}

type StartRequest struct {
	Stage   string
	DryRun  bool
	Files   []string
	Digest  string
	Command string
}

type Result struct {
	Status    Status
	ExitCode  *int
	LastError *string
	Stderr    *string
}

var ErrRunNotFound = errors.New("run not found")
