// Package schema defines versioned table specifications and the row-level
// validator that gates every Silver run.
package schema

import (
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed specs/owid_v1.yaml
var owidV1 []byte

// FieldType is the declared type of a column.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeDate   FieldType = "date"
)

// Domain constrains the numeric range of a field. MaxCurrentYearOffset, when
// set, resolves Max to the current year plus the offset at validation time.
type Domain struct {
	Min                  *float64 `yaml:"min,omitempty"`
	Max                  *float64 `yaml:"max,omitempty"`
	MaxCurrentYearOffset *int     `yaml:"max_current_year_offset,omitempty"`
}

// Field is one column of a spec. Sources lists raw header variants that map
// to this canonical name during Silver normalization.
type Field struct {
	Name     string    `yaml:"name"`
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required,omitempty"`
	Nullable bool      `yaml:"nullable,omitempty"`
	Domain   *Domain   `yaml:"domain,omitempty"`
	Sources  []string  `yaml:"sources,omitempty"`
}

// Spec is a versioned, ordered table specification. Transformation logic
// never hard-codes column lists; schema evolution is a new spec version.
type Spec struct {
	Name    string  `yaml:"name"`
	Version int     `yaml:"version"`
	Fields  []Field `yaml:"fields"`
}

func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("spec name is required")
	}
	if s.Version <= 0 {
		return fmt.Errorf("spec version must be positive")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("spec %s has no fields", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("spec %s has a field with no name", s.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("spec %s has duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		switch f.Type {
		case TypeString, TypeInt, TypeFloat, TypeDate:
		default:
			return fmt.Errorf("spec %s field %q has unknown type %q", s.Name, f.Name, f.Type)
		}
	}
	return nil
}

// Field returns the spec field with the given canonical name.
func (s *Spec) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// ColumnNames returns the canonical column names in spec order.
func (s *Spec) ColumnNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// MetricFields returns the float fields, in spec order. These are the
// numeric measures carried into the fact table.
func (s *Spec) MetricFields() []Field {
	var metrics []Field
	for _, f := range s.Fields {
		if f.Type == TypeFloat {
			metrics = append(metrics, f)
		}
	}
	return metrics
}

// Load parses a spec document from r.
func Load(r io.Reader) (*Spec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec: %w", err)
	}
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadFile parses a spec document from a file on disk.
func LoadFile(path string) (*Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spec file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Default returns the embedded owid_v1 spec.
func Default() *Spec {
	var spec Spec
	if err := yaml.Unmarshal(owidV1, &spec); err != nil {
		panic(fmt.Sprintf("embedded owid_v1 spec is invalid: %v", err))
	}
	return &spec
}
