package pipeline

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/tracklog/internal/plan"
)

// Command names accepted on the command line, mapped to the stages they run
// in order.
var commands = map[string][]plan.Stage{
	"pull":              {plan.StagePull},
	"transform":         {plan.StageTransform},
	"load":              {plan.StageLoad},
	"pullTransform":     {plan.StagePull, plan.StageTransform},
	"transformLoad":     {plan.StageTransform, plan.StageLoad},
	"pullTransformLoad": {plan.StagePull, plan.StageTransform, plan.StageLoad},
}

// CommandNames lists the pipeline commands in help order.
var CommandNames = []string{"pull", "transform", "load", "pullTransform", "transformLoad", "pullTransformLoad"}

// ParseCommand returns the stages a command runs.
func ParseCommand(name string) ([]plan.Stage, error) {
	stages, ok := commands[name]
	if !ok {
		return nil, fmt.Errorf("unknown command %q (want one of %s)", name, strings.Join(CommandNames, ", "))
	}
	return append([]plan.Stage(nil), stages...), nil
}

// IsCommand reports whether name is a pipeline command.
func IsCommand(name string) bool {
	_, ok := commands[name]
	return ok
}
