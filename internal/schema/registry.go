package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// metaSchema constrains form schema documents before decoding. Structural
// rules that JSON Schema cannot express (state references, pattern
// compilation) are checked by FormSchema.index afterwards.
const metaSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "urn:clinicd:form-schema-v1",
  "type": "object",
  "required": ["id", "version", "title", "sections", "workflow"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9-]*$"},
    "version": {"type": "integer", "minimum": 1},
    "title": {"type": "string", "minLength": 1},
    "sections": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "fields"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "fields": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "kind"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "label": {"type": "string"},
                "kind": {"enum": ["text", "number", "integer", "boolean", "select", "date"]},
                "required": {"type": "boolean"},
                "min": {"type": "number"},
                "max": {"type": "number"},
                "minLength": {"type": "integer", "minimum": 0},
                "maxLength": {"type": "integer", "minimum": 0},
                "pattern": {"type": "string"},
                "options": {"type": "array", "items": {"type": "string"}}
              }
            }
          }
        }
      }
    },
    "workflow": {
      "type": "object",
      "required": ["initial", "states"],
      "properties": {
        "initial": {"type": "string", "minLength": 1},
        "states": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["id"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "allowedTransitions": {"type": "array", "items": {"type": "string"}},
              "requiredFields": {"type": "array", "items": {"type": "string"}},
              "completion": {"type": "boolean"}
            }
          }
        }
      }
    },
    "triage": {
      "type": "object",
      "required": ["rules", "output"],
      "properties": {
        "rules": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["field", "op", "value", "score"],
            "properties": {
              "field": {"type": "string", "minLength": 1},
              "op": {"enum": ["eq", "ne", "gt", "gte", "lt", "lte"]},
              "score": {"type": "number"}
            }
          }
        },
        "bands": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["min", "label"],
            "properties": {
              "min": {"type": "number"},
              "label": {"type": "string", "minLength": 1}
            }
          }
        },
        "output": {"type": "string", "minLength": 1}
      }
    }
  }
}`

// Registry holds compiled form schemas keyed by id. A schema that fails
// validation is never registered, and a load error aborts the whole load.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*FormSchema
	meta    *jsonschema.Schema
}

// NewRegistry compiles the meta-schema and returns an empty registry.
func NewRegistry() (*Registry, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("form-schema-v1.json", strings.NewReader(metaSchema)); err != nil {
		return nil, fmt.Errorf("add meta-schema: %w", err)
	}
	meta, err := compiler.Compile("form-schema-v1.json")
	if err != nil {
		return nil, fmt.Errorf("compile meta-schema: %w", err)
	}
	return &Registry{
		schemas: make(map[string]*FormSchema),
		meta:    meta,
	}, nil
}

// LoadDir loads every .json file in dir as a form schema. Any invalid
// file fails the load; a registry never serves a half-validated set.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}

	loaded := make(map[string]*FormSchema)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		s, err := r.loadFile(path)
		if err != nil {
			return fmt.Errorf("schema %s: %w", entry.Name(), err)
		}
		if _, dup := loaded[s.ID]; dup {
			return fmt.Errorf("schema %s: duplicate schema id %q", entry.Name(), s.ID)
		}
		loaded[s.ID] = s
	}

	r.mu.Lock()
	for id, s := range loaded {
		r.schemas[id] = s
	}
	r.mu.Unlock()
	return nil
}

// Register validates and adds a single schema document.
func (r *Registry) Register(data []byte) (*FormSchema, error) {
	s, err := r.parse(data)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.schemas[s.ID] = s
	r.mu.Unlock()
	return s, nil
}

func (r *Registry) loadFile(path string) (*FormSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return r.parse(data)
}

func (r *Registry) parse(data []byte) (*FormSchema, error) {
	var instance any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := r.meta.Validate(instance); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	var s FormSchema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := s.index(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Get returns the schema with the given id, or nil when unknown.
func (r *Registry) Get(id string) *FormSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[id]
}

// IDs returns the registered schema ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
