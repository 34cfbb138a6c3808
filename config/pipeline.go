// Package config holds persisted pipeline definitions and the
// orchestrator's own configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// InputType enumerates the supported pipeline input kinds.
type InputType string

const (
	InputString  InputType = "string"
	InputBoolean InputType = "boolean"
	InputSelect  InputType = "select"
)

// Input declares a typed pipeline input.
type Input struct {
	Name    string    `json:"name"`
	Type    InputType `json:"type"`
	Label   string    `json:"label,omitempty"`
	Default any       `json:"default,omitempty"`
	Options []string  `json:"options,omitempty"`
}

// Step is one unit of work bound to a module and parameters.
type Step struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Module      string         `json:"module"`
	Params      map[string]any `json:"params,omitempty"`
	DependsOn   StringList     `json:"dependsOn,omitempty"`

	// Group tags contiguous steps into one parallel group. Steps
	// written as a nested JSON array receive a synthetic group key
	// during decoding.
	Group string `json:"group,omitempty"`
}

// StringList decodes from either a JSON string or an array of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("dependsOn must be a string or an array of strings")
	}
	*l = StringList(many)
	return nil
}

// Pipeline is a declarative definition of ordered steps with optional
// parallel groups and dependencies.
type Pipeline struct {
	ID             string   `json:"id,omitempty"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Schedule       string   `json:"schedule,omitempty"`
	SchedulePaused bool     `json:"schedulePaused,omitempty"`

	// Env selects a named environment; it may itself contain
	// interpolation placeholders resolved at run start.
	Env string `json:"env,omitempty"`

	KeepWorkDir bool    `json:"keepWorkDir,omitempty"`
	Inputs      []Input `json:"inputs,omitempty"`
	Steps       []Step  `json:"steps"`
}

// UnmarshalJSON decodes the persisted form, where a steps element that is
// itself an array denotes a parallel group. Nested groups receive a
// synthetic group key so grouping is recomputed identically every run.
func (p *Pipeline) UnmarshalJSON(data []byte) error {
	type alias Pipeline
	var raw struct {
		alias
		Steps []json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Pipeline(raw.alias)

	p.Steps = nil
	for i, elem := range raw.Steps {
		trimmed := strings.TrimSpace(string(elem))
		if strings.HasPrefix(trimmed, "[") {
			var group []Step
			if err := json.Unmarshal(elem, &group); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
			key := fmt.Sprintf("g%d", i)
			for j := range group {
				group[j].Group = key
			}
			p.Steps = append(p.Steps, group...)
			continue
		}
		var step Step
		if err := json.Unmarshal(elem, &step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		p.Steps = append(p.Steps, step)
	}
	return nil
}

// Unit is one execution unit: a single step or a parallel group. Offset
// is the index of the first member in the flattened step order.
type Unit struct {
	Steps  []Step
	Offset int
}

// Parallel reports whether the unit is a parallel group.
func (u Unit) Parallel() bool { return len(u.Steps) > 1 }

// ExecutionUnits derives the ordered execution units: consecutive steps
// sharing the same non-empty group key merge into one parallel group; a
// change of key, including to ungrouped, starts a new unit. The grouping
// is purely structural and deterministic.
func (p *Pipeline) ExecutionUnits() []Unit {
	var units []Unit
	for i := 0; i < len(p.Steps); {
		step := p.Steps[i]
		if step.Group == "" {
			units = append(units, Unit{Steps: p.Steps[i : i+1], Offset: i})
			i++
			continue
		}
		j := i + 1
		for j < len(p.Steps) && p.Steps[j].Group == step.Group {
			j++
		}
		units = append(units, Unit{Steps: p.Steps[i:j], Offset: i})
		i = j
	}
	return units
}

// ValidationError reports a malformed step graph or an unresolved
// dependency, detected before execution begins.
type ValidationError struct {
	Pipeline string
	Msg      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipeline %q: %s", e.Pipeline, e.Msg)
}

// Validate checks the step graph: step names must be unique where
// present, and every dependsOn reference must name a step in a strictly
// earlier execution unit. A reference into the same parallel group or a
// later unit is an error.
func (p *Pipeline) Validate() error {
	if len(p.Steps) == 0 {
		return &ValidationError{Pipeline: p.Name, Msg: "pipeline has no steps"}
	}

	seen := make(map[string]bool)
	for _, s := range p.Steps {
		if s.Module == "" {
			return &ValidationError{Pipeline: p.Name, Msg: fmt.Sprintf("step %q has no module", s.Name)}
		}
		if s.Name == "" {
			continue
		}
		if seen[s.Name] {
			return &ValidationError{Pipeline: p.Name, Msg: fmt.Sprintf("duplicate step name %q", s.Name)}
		}
		seen[s.Name] = true
	}

	// Names become resolvable only once their whole unit has completed.
	resolvable := make(map[string]bool)
	for _, unit := range p.ExecutionUnits() {
		for _, s := range unit.Steps {
			for _, dep := range s.DependsOn {
				if !resolvable[dep] {
					if !seen[dep] {
						return &ValidationError{Pipeline: p.Name,
							Msg: fmt.Sprintf("step %q depends on unknown step %q", s.Name, dep)}
					}
					return &ValidationError{Pipeline: p.Name,
						Msg: fmt.Sprintf("step %q depends on %q, which does not complete in an earlier unit", s.Name, dep)}
				}
			}
		}
		for _, s := range unit.Steps {
			if s.Name != "" {
				resolvable[s.Name] = true
			}
		}
	}
	return nil
}

// LoadPipeline reads and validates a persisted pipeline definition. The
// pipeline id defaults to the file name without extension.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pipeline %s: %w", path, err)
	}
	if p.ID == "" {
		p.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadDir loads every *.json pipeline definition in dir, sorted by id.
func LoadDir(dir string) ([]*Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pipeline dir: %w", err)
	}
	var pipelines []*Pipeline
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		p, err := LoadPipeline(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	sort.Slice(pipelines, func(i, j int) bool { return pipelines[i].ID < pipelines[j].ID })
	return pipelines, nil
}
