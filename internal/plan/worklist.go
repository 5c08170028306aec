// Package plan computes, for each pipeline stage, the exact set of files
// that still need work. Planners are synchronous and read-only: running one
// twice against unchanged inputs yields the same WorkList.
package plan

import (
	"encoding/hex"
	"maps"
	"slices"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/tracklog/internal/naming"
)

// Stage names one step of the pipeline.
type Stage string

const (
	StagePull      Stage = "pull"
	StageTransform Stage = "transform"
	StageLoad      Stage = "load"
)

// Skip reasons reported by planners.
const (
	SkipUpToDate           = "up_to_date"
	SkipUnrecognized       = "unrecognized"
	SkipAlreadyTransformed = "already_transformed"
	SkipAlreadyLoaded      = "already_loaded"
)

// WorkList is the ordered, immutable outcome of one planning pass.
type WorkList struct {
	stage   Stage
	items   []naming.LogFileRef
	skipped map[string]int
}

// NewWorkList copies items into a new WorkList.
func NewWorkList(stage Stage, items []naming.LogFileRef) WorkList {
	return WorkList{stage: stage, items: slices.Clone(items)}
}

func (w WorkList) Stage() Stage { return w.stage }
func (w WorkList) Len() int     { return len(w.items) }
func (w WorkList) Empty() bool  { return len(w.items) == 0 }

// Items returns a copy of the refs in plan order.
func (w WorkList) Items() []naming.LogFileRef { return slices.Clone(w.items) }

// Paths returns the raw path of every item in plan order.
func (w WorkList) Paths() []string {
	out := make([]string, len(w.items))
	for i, it := range w.items {
		out[i] = it.RawPath
	}
	return out
}

// Skipped returns how many inputs the planner excluded, by reason.
func (w WorkList) Skipped() map[string]int { return maps.Clone(w.skipped) }

// Digest is a BLAKE3 hash of the stage and the ordered raw paths. Two plans
// with the same digest would do identical work.
func (w WorkList) Digest() string {
	h := blake3.New()
	_, _ = h.Write([]byte(w.stage))
	for _, it := range w.items {
		_, _ = h.Write([]byte{'\n'})
		_, _ = h.Write([]byte(it.RawPath))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (w *WorkList) skip(reason string) {
	if w.skipped == nil {
		w.skipped = make(map[string]int)
	}
	w.skipped[reason]++
}
