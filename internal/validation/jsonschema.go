package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rendis/houndflow/pkg/schema"
)

const workflowSchemaURL = "https://houndflow.dev/schemas/workflow.json"

// workflowSchemaJSON is the JSON Schema for workflow documents.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://houndflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "version": { "type": "string" },
    "description": { "type": "string" },
    "inputs": {
      "type": "array",
      "items": { "$ref": "#/$defs/input" }
    },
    "constants": { "type": "object" },
    "config": { "$ref": "#/$defs/config" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": ["string", "number"],
      "minimum": 0,
      "pattern": "^(([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+|[0-9]+(\\.[0-9]+)?)$"
    },
    "identifier": {
      "type": "string",
      "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"
    },
    "stepType": {
      "type": "string",
      "enum": ["sequence", "navigate", "click", "fill", "extract", "detect", "wait",
               "screenshot", "conditional", "loop", "parallel", "script", "verify", "ingest"]
    },
    "input": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "$ref": "#/$defs/identifier" },
        "type": {
          "type": "string",
          "enum": ["", "string", "number", "integer", "boolean", "array", "object"]
        },
        "required": { "type": "boolean" },
        "default": {},
        "description": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retryPolicy": {
      "type": "object",
      "properties": {
        "enabled": { "type": "boolean" },
        "maxRetries": { "type": "integer", "minimum": 0 },
        "baseDelay": { "$ref": "#/$defs/duration" },
        "backoff": { "type": "string", "enum": ["", "linear", "exponential"] },
        "maxDelay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "config": {
      "type": "object",
      "properties": {
        "timeout": { "$ref": "#/$defs/duration" },
        "retryPolicy": { "$ref": "#/$defs/retryPolicy" },
        "execution": {
          "type": "object",
          "properties": {
            "mode": { "type": "string", "enum": ["", "sequential", "parallel"] },
            "maxParallel": { "type": "integer", "minimum": 0 },
            "continueOnError": { "type": "boolean" },
            "failOnTruncation": { "type": "boolean" }
          },
          "additionalProperties": false
        },
        "evidence": {
          "type": "object",
          "properties": {
            "enabled": { "type": "boolean" },
            "stepTypes": { "type": "array", "items": { "$ref": "#/$defs/stepType" } }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1, "pattern": "^[^.]+$" },
        "type": { "$ref": "#/$defs/stepType" },
        "name": { "type": "string" },
        "params": { "type": "object" },
        "timeout": { "$ref": "#/$defs/duration" },
        "retries": { "type": "integer", "minimum": 0 },
        "retryPolicy": { "$ref": "#/$defs/retryPolicy" },
        "condition": { "type": "string" },
        "continueOnError": { "type": "boolean" },
        "outputs": {
          "type": "object",
          "propertyNames": { "$ref": "#/$defs/identifier" },
          "additionalProperties": { "type": "string", "minLength": 1 }
        },
        "outputVar": { "$ref": "#/$defs/identifier" },
        "onSuccess": { "$ref": "#/$defs/steps" },
        "onError": { "$ref": "#/$defs/steps" },
        "steps": { "$ref": "#/$defs/steps" },
        "then": { "$ref": "#/$defs/steps" },
        "else": { "$ref": "#/$defs/steps" },
        "items": { "type": ["string", "array"] },
        "itemVar": { "$ref": "#/$defs/identifier" },
        "indexVar": { "$ref": "#/$defs/identifier" },
        "maxIterations": { "type": "integer", "minimum": 0 },
        "maxConcurrency": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    }
  }
}`

var printer = message.NewPrinter(language.English)

// SchemaValidator validates workflow documents and arbitrary values against
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type SchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of dynamically compiled schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator creates a SchemaValidator with the workflow schema pre-compiled.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wf, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &SchemaValidator{
		workflowSchema: wf,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks a raw document (decoded YAML or JSON) or a typed
// WorkflowDocument against the workflow schema.
func (v *SchemaValidator) ValidateDocument(doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if doc == nil {
		result.AddError("", schema.ErrCodeValidation, "workflow document is nil")
		return result
	}

	value, err := toJSONValue(doc)
	if err != nil {
		result.AddErrorf("", schema.ErrCodeValidation, "workflow document is not JSON-compatible: %s", err.Error())
		return result
	}
	addViolations(result, "", v.workflowSchema.Validate(value))
	return result
}

// ValidateValue checks value against a schema given as a decoded JSON object
// or raw JSON bytes. Compiled schemas are cached by their canonical JSON.
func (v *SchemaValidator) ValidateValue(value any, schemaDoc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	compiled, err := v.compile(schemaDoc)
	if err != nil {
		result.AddErrorf("schema", schema.ErrCodeInvalidParams, "invalid schema: %s", err.Error())
		return result
	}

	doc, err := toJSONValue(value)
	if err != nil {
		result.AddErrorf("", schema.ErrCodeInvalidParams, "value is not JSON-compatible: %s", err.Error())
		return result
	}
	addViolations(result, "", compiled.Validate(doc))
	return result
}

func (v *SchemaValidator) compile(schemaDoc any) (*jsonschema.Schema, error) {
	var raw []byte
	switch s := schemaDoc.(type) {
	case nil:
		return nil, fmt.Errorf("schema is empty")
	case []byte:
		raw = s
	case json.RawMessage:
		raw = s
	case string:
		raw = []byte(s)
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	key := string(raw)

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets its own compiler and URL so resources never collide.
	url := fmt.Sprintf("houndflow://schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// addViolations flattens a validation error tree into one issue per leaf,
// located by a dotted instance path under prefix.
func addViolations(result *schema.ValidationResult, prefix string, err error) {
	if err == nil {
		return
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError(prefix, schema.ErrCodeValidation, err.Error())
		return
	}
	collectViolations(result, prefix, verr)
}

func collectViolations(result *schema.ValidationResult, prefix string, verr *jsonschema.ValidationError) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			collectViolations(result, prefix, cause)
		}
		return
	}
	result.AddError(instancePath(prefix, verr.InstanceLocation), schema.ErrCodeValidation,
		verr.ErrorKind.LocalizedString(printer))
}

// instancePath renders ["steps","0","params"] as "steps[0].params".
func instancePath(prefix string, loc []string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, seg := range loc {
		if isIndex(seg) {
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
