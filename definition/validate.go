package definition

import (
	"fmt"

	werrors "github.com/flowhost/wfengine/errors"
	"github.com/flowhost/wfengine/model"
)

// Validate enforces §4.1's registration rules: (a) unique step ids,
// (b) unique step names, (c) every outcome's next_step refers to an
// existing step, (d) exactly one initial step.
func Validate(def *model.WorkflowDefinition) error {
	if def.ID == "" {
		return invalid("definition id is required")
	}
	if len(def.Steps) == 0 {
		return invalid(fmt.Sprintf("definition %s has no steps", def.ID))
	}

	ids := make(map[string]bool, len(def.Steps))
	names := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.StepID == "" {
			return invalid(fmt.Sprintf("definition %s: step with empty id", def.ID))
		}
		if ids[s.StepID] {
			return invalid(fmt.Sprintf("definition %s: duplicate step id %q", def.ID, s.StepID))
		}
		ids[s.StepID] = true

		if s.Name != "" {
			if names[s.Name] {
				return invalid(fmt.Sprintf("definition %s: duplicate step name %q", def.ID, s.Name))
			}
			names[s.Name] = true
		}
	}

	for _, s := range def.Steps {
		for _, o := range s.Outcomes {
			if o.NextStep == "" {
				continue
			}
			if !ids[o.NextStep] {
				return invalid(fmt.Sprintf("definition %s: step %s outcome references unknown step %q",
					def.ID, s.StepID, o.NextStep))
			}
		}
		if s.CompensationStepID != "" && !ids[s.CompensationStepID] {
			return invalid(fmt.Sprintf("definition %s: step %s compensation_step_id references unknown step %q",
				def.ID, s.StepID, s.CompensationStepID))
		}
	}

	if _, ok := def.InitialStep(); !ok {
		return invalid(fmt.Sprintf("definition %s: no initial step (every step is referenced as a successor)", def.ID))
	}

	// exactly one initial step: InitialStep returns the first unreferenced
	// step, so verify there isn't a second.
	referenced := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		for _, o := range s.Outcomes {
			referenced[o.NextStep] = true
		}
	}
	initialCount := 0
	for _, s := range def.Steps {
		if !referenced[s.StepID] {
			initialCount++
		}
	}
	if initialCount > 1 {
		return invalid(fmt.Sprintf("definition %s: %d initial steps found, exactly one is required", def.ID, initialCount))
	}

	return nil
}

func invalid(msg string) error {
	return werrors.New(model.ErrKindInvalidWorkflowDefinition, msg)
}
