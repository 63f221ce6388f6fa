package dag

import (
	"fmt"
	"sort"

	"github.com/tandem-run/tandem/internal/core"
)

// Validate checks the structural invariants: at least one task, unique
// ids, resolvable dependencies, non-negative retries, checkpoint tasks
// carrying no workflow_ref, and acyclicity. All violations are collected
// before returning.
func Validate(d *DAG) error {
	var errs core.ErrorList

	if len(d.Tasks) == 0 {
		errs.Add(core.NewValidationError("tasks", nil, fmt.Errorf("dag must have at least one task")))
		return errs
	}

	ids := make(map[string]struct{}, len(d.Tasks))
	for _, t := range d.Tasks {
		if t.ID == "" {
			errs.Add(core.NewValidationError("task.id", nil, fmt.Errorf("task id is required")))
			continue
		}
		if _, dup := ids[t.ID]; dup {
			errs.Add(core.NewValidationError("task.id", t.ID, fmt.Errorf("duplicate task id")))
		}
		ids[t.ID] = struct{}{}
	}

	for _, t := range d.Tasks {
		switch t.Kind {
		case KindWorkflow:
			if t.WorkflowRef == "" {
				errs.Add(core.NewValidationError("task.workflow_ref", t.ID,
					fmt.Errorf("workflow task requires workflow_ref")))
			}
		case KindCheckpoint:
			if t.WorkflowRef != "" {
				errs.Add(core.NewValidationError("task.workflow_ref", t.ID,
					fmt.Errorf("checkpoint task must not set workflow_ref")))
			}
		default:
			errs.Add(core.NewValidationError("task.type", string(t.Kind),
				fmt.Errorf("task %s: type must be workflow or checkpoint", t.ID)))
		}

		if t.Retries < 0 {
			errs.Add(core.NewValidationError("task.retries", t.Retries,
				fmt.Errorf("task %s: retries must not be negative", t.ID)))
		}

		for _, dep := range t.DependsOn {
			if _, ok := ids[dep]; !ok {
				errs.Add(core.NewValidationError("task.depends_on", dep,
					fmt.Errorf("task %s: unknown dependency", t.ID)))
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}

	if _, err := Toposort(d); err != nil {
		errs.Add(err)
		return errs
	}
	return nil
}

// Toposort returns the tasks in execution order: Kahn's algorithm with the
// ready set drained in ascending task-id order, so equal-level ordering is
// deterministic. A remaining task after the drain means a cycle.
func Toposort(d *DAG) ([]Task, error) {
	indegree := make(map[string]int, len(d.Tasks))
	dependents := make(map[string][]string, len(d.Tasks))
	for _, t := range d.Tasks {
		indegree[t.ID] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	ordered := make([]Task, 0, len(d.Tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, *d.Task(id))

		var unlocked []string
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sort.Strings(ready)
		}
	}

	if len(ordered) != len(d.Tasks) {
		for _, t := range d.Tasks {
			if indegree[t.ID] > 0 {
				return nil, core.NewValidationError("tasks", t.ID,
					fmt.Errorf("cycle detected involving task %s", t.ID))
			}
		}
	}
	return ordered, nil
}
