// SPDX-License-Identifier: MIT

// Package tools holds the tool catalog and the dispatcher that wraps every
// invocation with parameter validation, caching, timeouts, circuit breaking
// and the persistence handoff.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Alexi5000/videoforge/internal/validate"
)

// ErrToolNotFound is returned when no tool is registered under a name.
var ErrToolNotFound = errors.New("tool not found")

// Meta carries version metadata a tool reports about its execution.
type Meta struct {
	ToolVersion  string
	ModelVersion string
}

// VideoMeta is the metadata a backend probe resolves for a source file.
type VideoMeta struct {
	Filename        string  `json:"filename"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// ExecFunc is a tool's invocation function. It returns typed payloads ready
// for the persistence service.
type ExecFunc func(ctx context.Context, videoID string, params map[string]any) ([]validate.Payload, Meta, error)

// Tool is one entry in the catalog: a name, a description, a JSON-schema
// parameter contract and an invocation function. Dispatch is by table, not
// by type hierarchy.
type Tool struct {
	Name        string
	Description string
	RawSchema   json.RawMessage
	Execute     ExecFunc

	schema *jsonschema.Schema
}

// Info is the introspection shape served by GET /tools.
type Info struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	ParametersSchema json.RawMessage `json:"parameters_schema"`
}

// Registry maps tool names to tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty catalog.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register compiles the tool's parameter schema and adds it to the catalog.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tools: tool name must not be empty")
	}
	if len(t.RawSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(t.RawSchema)))
		if err != nil {
			return fmt.Errorf("tools: schema for %s is not valid JSON: %w", t.Name, err)
		}
		resource := t.Name + ".schema.json"
		if err := compiler.AddResource(resource, doc); err != nil {
			return fmt.Errorf("tools: adding schema for %s: %w", t.Name, err)
		}
		sch, err := compiler.Compile(resource)
		if err != nil {
			return fmt.Errorf("tools: compiling schema for %s: %w", t.Name, err)
		}
		t.schema = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tools: %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns introspection info for every tool, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Info{
			Name:             t.Name,
			Description:      t.Description,
			ParametersSchema: t.RawSchema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateParams checks params against the tool's parameter contract.
func (t *Tool) ValidateParams(params map[string]any) error {
	if t.schema == nil {
		return nil
	}
	// Round-trip through JSON so numeric types match what the schema
	// validator expects.
	b, err := json.Marshal(params)
	if err != nil {
		return validate.NewError("parameters", fmt.Sprintf("parameters are not JSON-serializable: %v", err))
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return validate.NewError("parameters", fmt.Sprintf("malformed parameters: %v", err))
	}
	if err := t.schema.Validate(doc); err != nil {
		return validate.NewError("parameters", err.Error())
	}
	return nil
}
