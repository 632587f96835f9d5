package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jllopis/careflow/pkg/errors"
)

// definitionFile is the on-disk shape of a Definition.
type definitionFile struct {
	ID          string     `json:"id" yaml:"id" toml:"id"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Steps       []stepFile `json:"steps" yaml:"steps" toml:"steps"`
}

type stepFile struct {
	Name      string    `json:"name" yaml:"name" toml:"name"`
	Agent     string    `json:"agent" yaml:"agent" toml:"agent"`
	DependsOn []string  `json:"depends_on,omitempty" yaml:"depends_on,omitempty" toml:"depends_on,omitempty"`
	Sampling  *Sampling `json:"sampling,omitempty" yaml:"sampling,omitempty" toml:"sampling,omitempty"`
	Timeout   string    `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
}

func (f definitionFile) definition() (*Definition, error) {
	def := &Definition{ID: strings.TrimSpace(f.ID), Description: f.Description}
	for _, s := range f.Steps {
		step := Step{
			Name:      strings.TrimSpace(s.Name),
			Agent:     strings.TrimSpace(s.Agent),
			DependsOn: s.DependsOn,
			Sampling:  s.Sampling,
		}
		if s.Timeout != "" {
			d, err := time.ParseDuration(s.Timeout)
			if err != nil {
				return nil, errors.New(errors.CodeInvalidWorkflow,
					fmt.Sprintf("step %s: invalid timeout %q", s.Name, s.Timeout), err)
			}
			step.Timeout = d
		}
		def.Steps = append(def.Steps, step)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func fileFrom(def *Definition) definitionFile {
	f := definitionFile{ID: def.ID, Description: def.Description}
	for _, s := range def.Steps {
		sf := stepFile{Name: s.Name, Agent: s.Agent, DependsOn: s.DependsOn, Sampling: s.Sampling}
		if s.Timeout > 0 {
			sf.Timeout = s.Timeout.String()
		}
		f.Steps = append(f.Steps, sf)
	}
	return f
}

// ParseJSON loads a definition from JSON and validates it.
func ParseJSON(data []byte) (*Definition, error) {
	if len(data) == 0 {
		return nil, errors.New(errors.CodeInvalidWorkflow, "empty JSON payload", nil)
	}
	var f definitionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.New(errors.CodeInvalidWorkflow, "parse json workflow", err)
	}
	return f.definition()
}

// ParseYAML loads a definition from YAML and validates it.
func ParseYAML(data []byte) (*Definition, error) {
	if len(data) == 0 {
		return nil, errors.New(errors.CodeInvalidWorkflow, "empty YAML payload", nil)
	}
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.New(errors.CodeInvalidWorkflow, "parse yaml workflow", err)
	}
	return f.definition()
}

// ParseTOML loads a definition from TOML and validates it.
func ParseTOML(data []byte) (*Definition, error) {
	if len(data) == 0 {
		return nil, errors.New(errors.CodeInvalidWorkflow, "empty TOML payload", nil)
	}
	var f definitionFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, errors.New(errors.CodeInvalidWorkflow, "parse toml workflow", err)
	}
	return f.definition()
}

// MarshalYAML serializes a definition to YAML.
func MarshalYAML(def *Definition) ([]byte, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return yaml.Marshal(fileFrom(def))
}

// MarshalJSON serializes a definition to JSON. Use pretty for indented output.
func MarshalJSON(def *Definition, pretty bool) ([]byte, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if pretty {
		return json.MarshalIndent(fileFrom(def), "", "  ")
	}
	return json.Marshal(fileFrom(def))
}
