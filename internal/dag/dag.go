// Package dag models the task graphs the runner executes: validation,
// deterministic topological ordering, and upstream payload merging.
package dag

// TaskKind distinguishes executable tasks from approval gates.
type TaskKind string

const (
	// KindWorkflow tasks invoke a registered workflow handler.
	KindWorkflow TaskKind = "workflow"
	// KindCheckpoint tasks halt the run until a human approves.
	KindCheckpoint TaskKind = "checkpoint"
)

// Task is one node of the graph.
type Task struct {
	ID           string         `json:"id" yaml:"id"`
	Kind         TaskKind       `json:"type" yaml:"type"`
	WorkflowRef  string         `json:"workflow_ref,omitempty" yaml:"workflow_ref"`
	Params       map[string]any `json:"params,omitempty" yaml:"params"`
	DependsOn    []string       `json:"depends_on,omitempty" yaml:"depends_on"`
	Retries      int            `json:"retries,omitempty" yaml:"retries"`
	Prompt       string         `json:"prompt,omitempty" yaml:"prompt"`
	RequiredRole string         `json:"required_role,omitempty" yaml:"required_role"`
	InputsSchema map[string]any `json:"inputs_schema,omitempty" yaml:"inputs"`
}

// DAG is a named task graph owned by one tenant.
type DAG struct {
	Name     string `json:"name" yaml:"name"`
	TenantID string `json:"tenant_id,omitempty" yaml:"tenant_id"`
	Tasks    []Task `json:"tasks" yaml:"tasks"`
}

// Task returns the task with the given id, or nil.
func (d *DAG) Task(id string) *Task {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i]
		}
	}
	return nil
}
