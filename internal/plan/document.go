package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Mode distinguishes managed resources from data sources.
type Mode string

const (
	ModeManaged Mode = "managed"
	ModeData    Mode = "data"
)

// Action is one planned mutation verb.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionNoOp   Action = "no-op"
)

// Resource is one resource_changes record. It is never mutated after Parse.
type Resource struct {
	Address       string
	Type          string
	Name          string
	ModuleAddress string
	Mode          Mode
	Actions       []Action

	// Before is nil when the resource does not exist yet.
	Before map[string]any
	// After is empty (never nil) for pure deletes.
	After map[string]any
	// AfterUnknown mirrors After: true marks a computed value.
	AfterUnknown any
	// BeforeSensitive and AfterSensitive mirror Before and After: true marks
	// a value Terraform treats as sensitive.
	BeforeSensitive any
	AfterSensitive  any

	// Position is the record's index in plan order.
	Position int
}

// HasAction reports whether a is one of the planned actions.
func (r *Resource) HasAction(a Action) bool {
	for _, x := range r.Actions {
		if x == a {
			return true
		}
	}
	return false
}

// IsDelete reports whether the change only removes the resource.
func (r *Resource) IsDelete() bool {
	return r.HasAction(ActionDelete) && !r.HasAction(ActionCreate)
}

// Document is a parsed plan. Owned by a single evaluation run.
type Document struct {
	FormatVersion    string
	TerraformVersion string
	Resources        []*Resource
}

// Load reads and parses a plan JSON file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates raw plan JSON against the plan schema and builds a Document.
// Every structural problem is reported as *MalformedPlanError.
func Parse(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &MalformedPlanError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	schema, err := planSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(raw); err != nil {
		return nil, &MalformedPlanError{Reason: schemaReason(err)}
	}

	root := Normalize(raw).(map[string]any)
	doc := &Document{
		FormatVersion:    stringField(root, "format_version"),
		TerraformVersion: stringField(root, "terraform_version"),
	}

	changes, _ := root["resource_changes"].([]any)
	seen := make(map[string]bool, len(changes))
	for i, item := range changes {
		rc := item.(map[string]any)
		change := rc["change"].(map[string]any)

		r := &Resource{
			Address:         stringField(rc, "address"),
			Type:            stringField(rc, "type"),
			Name:            stringField(rc, "name"),
			ModuleAddress:   stringField(rc, "module_address"),
			Mode:            Mode(stringField(rc, "mode")),
			AfterUnknown:    change["after_unknown"],
			BeforeSensitive: change["before_sensitive"],
			AfterSensitive:  change["after_sensitive"],
			Position:        i,
		}
		if seen[r.Address] {
			return nil, &MalformedPlanError{Address: r.Address, Reason: "duplicate address"}
		}
		seen[r.Address] = true

		for _, a := range change["actions"].([]any) {
			r.Actions = append(r.Actions, Action(a.(string)))
		}

		before, err := mappingField(change, "before")
		if err != nil {
			return nil, &MalformedPlanError{Address: r.Address, Reason: err.Error()}
		}
		after, err := mappingField(change, "after")
		if err != nil {
			return nil, &MalformedPlanError{Address: r.Address, Reason: err.Error()}
		}
		if after == nil {
			after = map[string]any{}
		}
		r.Before = before
		r.After = after

		doc.Resources = append(doc.Resources, r)
	}

	return doc, nil
}

// Normalize converts decoded JSON or YAML into the canonical in-memory form:
// numbers become float64, mappings map[string]any, sequences []any.
func Normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = Normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Normalize(e)
		}
		return out
	default:
		return v
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func mappingField(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	mm, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("change.%s is not a mapping", key)
	}
	return mm, nil
}

func schemaReason(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return fmt.Sprintf("schema violation at %s: %s", loc, leaf.Message)
	}
	return strings.TrimSpace(err.Error())
}

const planSchemaURL = "https://plangate.schemas.local/plan.schema.json"

const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["resource_changes"],
  "properties": {
    "format_version": {"type": "string"},
    "terraform_version": {"type": "string"},
    "resource_changes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["address", "type", "mode", "change"],
        "properties": {
          "address": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "module_address": {"type": "string"},
          "mode": {"enum": ["managed", "data"]},
          "change": {
            "type": "object",
            "required": ["actions"],
            "properties": {
              "actions": {
                "type": "array",
                "minItems": 1,
                "items": {"enum": ["create", "read", "update", "delete", "no-op"]}
              },
              "before": {"type": ["object", "null"]},
              "after": {"type": ["object", "null"]},
              "after_unknown": {"type": ["object", "boolean"]},
              "before_sensitive": {"type": ["object", "boolean"]},
              "after_sensitive": {"type": ["object", "boolean"]}
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func planSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(planSchemaURL, strings.NewReader(planSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("plan schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(planSchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("plan schema compile failed: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}
