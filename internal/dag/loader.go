package dag

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"github.com/goccy/go-yaml"

	"github.com/tandem-run/tandem/internal/core"
)

// fileDefaults are file-level settings merged into every task that does
// not set its own value.
type fileDefaults struct {
	Retries      int            `yaml:"retries"`
	Params       map[string]any `yaml:"params"`
	RequiredRole string         `yaml:"required_role"`
}

// fileDefinition mirrors the recognised YAML keys. Unknown keys are
// ignored by construction: only these fields are decoded.
type fileDefinition struct {
	Name     string       `yaml:"name"`
	TenantID string       `yaml:"tenant_id"`
	Defaults fileDefaults `yaml:"defaults"`
	Tasks    []Task       `yaml:"tasks"`
}

// Parse decodes a DAG from YAML and validates it. File-level defaults are
// merged into each task without overwriting task-level values.
func Parse(data []byte) (*DAG, error) {
	var def fileDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, core.WrapError(core.CodeValidation, err, "failed to parse dag yaml")
	}

	d := &DAG{Name: def.Name, TenantID: def.TenantID, Tasks: def.Tasks}
	for i := range d.Tasks {
		t := &d.Tasks[i]
		if t.Kind == "" {
			t.Kind = KindWorkflow
		}
		if t.Retries == 0 {
			t.Retries = def.Defaults.Retries
		}
		if t.RequiredRole == "" {
			t.RequiredRole = def.Defaults.RequiredRole
		}
		if len(def.Defaults.Params) > 0 && t.Kind == KindWorkflow {
			if t.Params == nil {
				t.Params = make(map[string]any)
			}
			if err := mergo.Merge(&t.Params, def.Defaults.Params); err != nil {
				return nil, core.WrapError(core.CodeValidation, err,
					fmt.Sprintf("failed to merge defaults into task %s", t.ID))
			}
		}
	}

	if err := Validate(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Load reads and parses a DAG file.
func Load(path string) (*DAG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.WrapError(core.CodeNotFound, err, fmt.Sprintf("dag file %s", path))
		}
		return nil, fmt.Errorf("failed to read dag file %s: %w", path, err)
	}
	return Parse(data)
}
