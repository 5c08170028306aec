// Package inspect renders the detail of one recorded stage run.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/mattjoyce/tracklog/internal/history"
)

// RunGetter loads a run by id. *history.Store satisfies it.
type RunGetter interface {
	Get(ctx context.Context, id string) (*history.Run, error)
}

// Report is the structured JSON representation of a run report.
type Report struct {
	RunID       string     `json:"run_id"`
	Stage       string     `json:"stage"`
	Status      string     `json:"status"`
	DryRun      bool       `json:"dry_run"`
	Command     string     `json:"command"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Digest      string     `json:"worklist_digest"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
	Files       []File     `json:"files"`
}

// File is one work-list entry. Present reports whether the path still
// exists, which tells a pruned or moved file from one that was processed.
type File struct {
	Path    string `json:"path"`
	Present bool   `json:"present"`
}

// BuildReport renders a terminal-friendly report for a run.
func BuildReport(ctx context.Context, runs RunGetter, fs afero.Fs, runID string) (string, error) {
	report, err := gatherReportData(ctx, runs, fs, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", report.RunID)
	fmt.Fprintf(&out, "Stage       : %s\n", report.Stage)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Dry run     : %t\n", report.DryRun)
	fmt.Fprintf(&out, "Command     : %s\n", renderUnset(report.Command, "<none>"))
	if report.ExitCode != nil {
		fmt.Fprintf(&out, "Exit code   : %d\n", *report.ExitCode)
	} else {
		fmt.Fprintf(&out, "Exit code   : <none>\n")
	}
	fmt.Fprintf(&out, "Digest      : %s\n", renderUnset(report.Digest, "<none>"))
	if report.StartedAt != nil {
		fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&out, "Duration    : %s\n", renderUnset(report.Duration, "<unknown>"))
	if report.LastError != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.LastError)
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Files (%d)\n", len(report.Files))
	if len(report.Files) == 0 {
		fmt.Fprintf(&out, "  <none>\n")
	}
	for _, f := range report.Files {
		mark := " "
		if !f.Present {
			mark = "!"
		}
		fmt.Fprintf(&out, "  %s %s\n", mark, f.Path)
	}

	if report.Stderr != "" {
		fmt.Fprintf(&out, "\nStderr\n")
		for _, line := range strings.Split(strings.TrimRight(report.Stderr, "\n"), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON run report.
func BuildJSONReport(ctx context.Context, runs RunGetter, fs afero.Fs, runID string) (string, error) {
	report, err := gatherReportData(ctx, runs, fs, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, runs RunGetter, fs afero.Fs, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}

	run, err := runs.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, history.ErrRunNotFound) {
			return nil, fmt.Errorf("run %q not found", runID)
		}
		return nil, fmt.Errorf("load run %q: %w", runID, err)
	}

	report := &Report{
		RunID:       run.ID,
		Stage:       run.Stage,
		Status:      string(run.Status),
		DryRun:      run.DryRun,
		Command:     run.Command,
		ExitCode:    run.ExitCode,
		Digest:      run.Digest,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Files:       make([]File, 0, len(run.Files)),
	}
	if run.StartedAt != nil && run.CompletedAt != nil {
		report.Duration = run.CompletedAt.Sub(*run.StartedAt).Round(time.Millisecond).String()
	}
	if run.LastError != nil {
		report.LastError = *run.LastError
	}
	if run.Stderr != nil {
		report.Stderr = *run.Stderr
	}

	for _, path := range run.Files {
		present, _ := afero.Exists(fs, path)
		report.Files = append(report.Files, File{Path: path, Present: present})
	}
	return report, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
