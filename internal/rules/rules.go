// Package rules loads and validates the declarative rule catalog that is
// forwarded to the external reasoning collaborator.
//
// The catalog is an opaque payload from this daemon's point of view: rules
// are parsed and schema-checked so a broken catalog is rejected at load
// time, but no condition is ever evaluated against evidence here.
package rules

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.schema.json
var catalogSchema []byte

// Severity grades a rule's finding.
type Severity string

const (
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Action names the response the collaborator should take on a match.
type Action string

const (
	ActionFlag            Action = "FLAG"
	ActionWarn            Action = "WARN"
	ActionFlagAndFreeze   Action = "FLAG_AND_FREEZE"
	ActionEscalate        Action = "ESCALATE"
	ActionFlagAndEscalate Action = "FLAG_AND_ESCALATE"
)

// Condition is one field comparison inside a rule's logic block.
type Condition struct {
	Field string `json:"field" yaml:"field"`
	Op    string `json:"op" yaml:"op"`
	Ref   string `json:"ref,omitempty" yaml:"ref,omitempty"`
}

// Logic combines conditions with an all/any connective.
type Logic struct {
	Type       string      `json:"type" yaml:"type"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// Rule is one declarative detection rule. Brain labels the forensic domain
// the rule belongs to (contradiction detection, financial anomaly, ...).
type Rule struct {
	ID          string   `json:"id" yaml:"id"`
	Brain       string   `json:"brain" yaml:"brain"`
	Description string   `json:"description" yaml:"description"`
	Logic       Logic    `json:"logic" yaml:"logic"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Action      Action   `json:"action" yaml:"action"`
	Recovery    []string `json:"recovery" yaml:"recovery"`
}

// Catalog is the full ordered rule set.
type Catalog struct {
	Rules []Rule `json:"rules" yaml:"rules"`
}

// ByBrain groups the catalog's rules by their brain label, preserving
// catalog order within each group.
func (c *Catalog) ByBrain() map[string][]Rule {
	groups := make(map[string][]Rule)
	for _, r := range c.Rules {
		groups[r.Brain] = append(groups[r.Brain], r)
	}
	return groups
}

// Load reads and validates a catalog file. The format is chosen by
// extension: .json, or .yaml/.yml.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule catalog: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return Parse(data)
	case ".yaml", ".yml":
		jsonData, err := yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("parse rule catalog %s: %w", path, err)
		}
		return Parse(jsonData)
	default:
		return nil, fmt.Errorf("rule catalog %s: unsupported format", path)
	}
}

// Parse validates JSON catalog bytes against the embedded schema and
// decodes them.
func Parse(data []byte) (*Catalog, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("decode rule catalog: %w", err)
	}
	if err := validate(instance); err != nil {
		return nil, fmt.Errorf("validate rule catalog: %w", err)
	}

	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode rule catalog: %w", err)
	}
	return &c, nil
}

func validate(instance any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("catalog.schema.json", bytes.NewReader(catalogSchema)); err != nil {
		return err
	}
	schema, err := compiler.Compile("catalog.schema.json")
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}

// yamlToJSON re-encodes YAML as JSON so one schema check covers both
// formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeYAML(doc))
}

// normalizeYAML converts map[any]any keys produced by older YAML documents
// into string keys acceptable to encoding/json.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	default:
		return v
	}
}
