// Package wire decodes workflow definitions as they arrive on disk or over
// an API boundary: JSON first, YAML accepted. Known-field shapes are checked
// against an embedded JSON Schema before decoding; unknown fields are ignored
// so producers can carry UI-only payload around the engine's contract.
package wire

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/weftworks/weft/internal/weft/model"
	"github.com/weftworks/weft/internal/weft/plan"
)

const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "id": {"type": "string"},
    "workflowId": {"type": "string"},
    "name": {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string"},
          "data": {"type": "object"},
          "config": {"type": "object"},
          "executionHints": {
            "type": "object",
            "properties": {
              "mode": {"type": "string"},
              "chunkSize": {"type": "integer"},
              "partitionCount": {"type": "integer"},
              "maxRetries": {"type": "integer"},
              "timeoutMs": {"type": "integer"},
              "joinNodeId": {"type": "string"}
            }
          },
          "onFailure": {
            "type": "object",
            "properties": {
              "action": {"type": "string"},
              "maxRetries": {"type": "integer"},
              "retryDelayMs": {"type": "integer"},
              "routeToNode": {"type": "string"},
              "skipOnError": {"type": "boolean"}
            }
          },
          "metrics": {"type": "object"},
          "kind": {"type": "string"},
          "classification": {"type": "string"},
          "outputPorts": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "sourceHandle": {"type": "string"},
          "targetHandle": {"type": "string"},
          "isControl": {"type": "boolean"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("workflow-definition.json", strings.NewReader(definitionSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("workflow-definition.json")
	})
	return schema, schemaErr
}

// DecodeDefinitionFile reads a workflow definition from path, picking the
// codec by extension: .yaml/.yml decode as YAML, everything else as JSON.
func DecodeDefinitionFile(path string) (*model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DecodeDefinitionYAML(data)
	default:
		return DecodeDefinition(data)
	}
}

// DecodeDefinition decodes a JSON workflow definition. The embedded schema
// runs first so shape problems surface as MalformedDefinition with the schema
// detail instead of as half-decoded structs.
func DecodeDefinition(data []byte) (*model.WorkflowDefinition, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &plan.BuildError{
			Kind:    plan.ErrMalformedDefinition,
			Message: fmt.Sprintf("workflow definition is not valid JSON: %v", err),
		}
	}
	if err := validateShape(raw); err != nil {
		return nil, err
	}
	var def model.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, &plan.BuildError{
			Kind:    plan.ErrMalformedDefinition,
			Message: fmt.Sprintf("workflow definition decode: %v", err),
		}
	}
	return &def, nil
}

// DecodeDefinitionYAML converts YAML to its JSON form, then runs the JSON
// path so the schema and decode behave identically for both codecs.
func DecodeDefinitionYAML(data []byte) (*model.WorkflowDefinition, error) {
	jsonBytes, err := yamlToJSON(data)
	if err != nil {
		return nil, &plan.BuildError{
			Kind:    plan.ErrMalformedDefinition,
			Message: fmt.Sprintf("workflow definition is not valid YAML: %v", err),
		}
	}
	return DecodeDefinition(jsonBytes)
}

// DecodeSubgraphDefinition decodes a reusable subgraph template (JSON or
// YAML) for registration with the expander.
func DecodeSubgraphDefinition(data []byte) (*model.SubgraphDefinition, error) {
	var sg model.SubgraphDefinition
	if err := json.Unmarshal(data, &sg); err == nil && len(sg.Steps) > 0 {
		return &sg, nil
	}
	jsonBytes, err := yamlToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("subgraph definition is neither valid JSON nor YAML: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, &sg); err != nil {
		return nil, fmt.Errorf("subgraph definition decode: %w", err)
	}
	return &sg, nil
}

func validateShape(raw any) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile workflow definition schema: %w", err)
	}
	if err := s.Validate(raw); err != nil {
		return &plan.BuildError{
			Kind:    plan.ErrMalformedDefinition,
			Message: fmt.Sprintf("workflow definition does not match schema: %v", err),
		}
	}
	return nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}
