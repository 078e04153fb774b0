package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowhost/wfengine/model"
)

// yamlDefinition mirrors model.WorkflowDefinition with YAML-friendly
// field names and string durations, the shape operators author by hand.
type yamlDefinition struct {
	ID                   string            `yaml:"id"`
	Version              int               `yaml:"version"`
	Name                 string            `yaml:"name"`
	DefaultErrorBehavior string            `yaml:"default_error_behavior"`
	DefaultMaxRetries    int               `yaml:"default_max_retries"`
	DefaultRetryDelay    string            `yaml:"default_retry_delay"`
	Timeout              string            `yaml:"timeout"`
	Tags                 []string          `yaml:"tags"`
	Metadata             map[string]string `yaml:"metadata"`
	Steps                []yamlStep        `yaml:"steps"`
}

type yamlStep struct {
	StepID             string         `yaml:"step_id"`
	Name               string         `yaml:"name"`
	Body               string         `yaml:"body"`
	CompensationStepID string         `yaml:"compensation_step_id"`
	ErrorBehavior      string         `yaml:"error_behavior"`
	Timeout            string         `yaml:"timeout"`
	MaxRetries         int            `yaml:"max_retries"`
	RetryDelay         string         `yaml:"retry_delay"`
	Outcomes           []yamlOutcome  `yaml:"outcomes"`
}

type yamlOutcome struct {
	Condition string `yaml:"condition"`
	Value     any    `yaml:"value"`
	NextStep  string `yaml:"next_step"`
}

// LoadYAML parses a single workflow definition from YAML bytes.
func LoadYAML(data []byte) (*model.WorkflowDefinition, error) {
	var y yamlDefinition
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("definition: parse yaml: %w", err)
	}
	return fromYAML(y)
}

// LoadFile reads and parses one YAML definition file.
func LoadFile(path string) (*model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("definition: read %s: %w", path, err)
	}
	return LoadYAML(data)
}

// LoadDir loads every *.yaml/*.yml file in dir as a definition and
// registers it with reg, returning the first error encountered.
func LoadDir(reg *Registry, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("definition: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func fromYAML(y yamlDefinition) (*model.WorkflowDefinition, error) {
	def := &model.WorkflowDefinition{
		ID:                   y.ID,
		Version:              y.Version,
		Name:                 y.Name,
		DefaultErrorBehavior: model.ErrorBehavior(y.DefaultErrorBehavior),
		Tags:                 y.Tags,
		Metadata:             y.Metadata,
	}
	if def.DefaultErrorBehavior == "" {
		def.DefaultErrorBehavior = model.ErrorBehaviorSuspend
	}

	retryPolicy := model.DefaultRetryPolicy()
	if y.DefaultMaxRetries > 0 {
		retryPolicy.MaxRetries = y.DefaultMaxRetries
	}
	if y.DefaultRetryDelay != "" {
		d, err := time.ParseDuration(y.DefaultRetryDelay)
		if err != nil {
			return nil, fmt.Errorf("definition %s: default_retry_delay: %w", y.ID, err)
		}
		retryPolicy.BaseDelay = d
	}
	def.DefaultRetryPolicy = retryPolicy

	if y.Timeout != "" {
		d, err := time.ParseDuration(y.Timeout)
		if err != nil {
			return nil, fmt.Errorf("definition %s: timeout: %w", y.ID, err)
		}
		def.Timeout = d
	}

	for _, ys := range y.Steps {
		step := model.WorkflowStep{
			StepID:             ys.StepID,
			Name:               ys.Name,
			BodyRef:            ys.Body,
			CompensationStepID: ys.CompensationStepID,
			ErrorBehavior:      model.ErrorBehavior(ys.ErrorBehavior),
		}
		if ys.Timeout != "" {
			d, err := time.ParseDuration(ys.Timeout)
			if err != nil {
				return nil, fmt.Errorf("definition %s: step %s: timeout: %w", y.ID, ys.StepID, err)
			}
			step.Timeout = d
		}
		if ys.MaxRetries > 0 || ys.RetryDelay != "" {
			rp := retryPolicy
			if ys.MaxRetries > 0 {
				rp.MaxRetries = ys.MaxRetries
			}
			if ys.RetryDelay != "" {
				d, err := time.ParseDuration(ys.RetryDelay)
				if err != nil {
					return nil, fmt.Errorf("definition %s: step %s: retry_delay: %w", y.ID, ys.StepID, err)
				}
				rp.BaseDelay = d
			}
			step.RetryPolicy = &rp
		}
		for _, yo := range ys.Outcomes {
			step.Outcomes = append(step.Outcomes, model.StepOutcome{
				Condition: yo.Condition,
				Value:     yo.Value,
				NextStep:  yo.NextStep,
			})
		}
		def.Steps = append(def.Steps, step)
	}

	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}
