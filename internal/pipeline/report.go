package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tracklog/internal/stage"
)

// Theme centralizes report styling.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusPlanned lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Header lipgloss.Style
	Dim    lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusPlanned: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple).
			Padding(0, 1),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	}
}

// RenderOptions tune Render.
type RenderOptions struct {
	// Files lists every file in each work-list, not just the count.
	Files bool
	// MaxFiles caps the listing per stage. 0 means no cap.
	MaxFiles int
}

// Render formats a report for a terminal.
func Render(rep Report, theme Theme, opts RenderOptions) string {
	title := "tracklog"
	if rep.DryRun {
		title += " (dry run)"
	}

	var lines []string
	lines = append(lines, theme.Title.Render(title))
	for _, s := range rep.Stages {
		lines = append(lines, renderStage(s, theme, opts)...)
	}
	if rep.Duration > 0 {
		lines = append(lines, theme.Dim.Render(fmt.Sprintf("took %s", rep.Duration.Round(1e6))))
	}
	return theme.Border.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)) + "\n"
}

func renderStage(s StageReport, theme Theme, opts RenderOptions) []string {
	var status string
	switch {
	case s.Err != nil:
		status = theme.StatusFailed.Render("failed")
	case s.Outcome.DryRun:
		status = theme.StatusPlanned.Render("planned")
	case s.Outcome.State == stage.StateCompleted:
		status = theme.StatusOK.Render("completed")
	default:
		status = theme.Dim.Render(string(s.Outcome.State))
	}

	head := fmt.Sprintf("%s  %s  %d outstanding", theme.Header.Render(fmt.Sprintf("%-9s", s.Stage)), status, s.Planned)
	if skipped := formatSkipped(s.Skipped); skipped != "" {
		head += theme.Dim.Render("  skipped: " + skipped)
	}
	lines := []string{head}

	if s.Outcome.Description != "" && s.Planned > 0 {
		lines = append(lines, theme.Dim.Render("  $ "+s.Outcome.Description))
	}
	if s.Err != nil {
		lines = append(lines, theme.StatusFailed.Render("  "+s.Err.Error()))
	}
	if opts.Files {
		files := s.Outcome.Files
		more := 0
		if opts.MaxFiles > 0 && len(files) > opts.MaxFiles {
			more = len(files) - opts.MaxFiles
			files = files[:opts.MaxFiles]
		}
		for _, f := range files {
			lines = append(lines, "    "+f)
		}
		if more > 0 {
			lines = append(lines, theme.Dim.Render(fmt.Sprintf("    ... and %d more", more)))
		}
	}
	return lines
}

func formatSkipped(skipped map[string]int) string {
	if len(skipped) == 0 {
		return ""
	}
	reasons := make([]string, 0, len(skipped))
	for r := range skipped {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		parts = append(parts, fmt.Sprintf("%s=%d", r, skipped[r]))
	}
	return strings.Join(parts, ", ")
}
