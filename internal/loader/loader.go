// Package loader turns YAML or JSON workflow documents into validated,
// runnable definitions.
package loader

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/internal/validation"
	"github.com/rendis/houndflow/pkg/schema"
)

// Loader parses and validates workflow documents. JSON is accepted as the
// YAML subset it is.
type Loader struct {
	validator *validation.Validator
	logger    *zap.Logger
}

// New creates a Loader.
func New(v *validation.Validator, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{validator: v, logger: logger}
}

// Check parses data and runs every validation stage. The document is nil
// whenever the result carries errors.
func (l *Loader) Check(data []byte) (*schema.WorkflowDocument, *schema.ValidationResult) {
	result := &schema.ValidationResult{}
	if len(bytes.TrimSpace(data)) == 0 {
		result.AddError("", schema.ErrCodeValidation, "workflow document is empty")
		return nil, result
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		result.AddErrorf("", schema.ErrCodeValidation, "decode workflow: %s", err.Error())
		return nil, result
	}
	result.Merge(l.validator.ValidateRaw(raw))
	if !result.Valid() {
		return nil, result
	}

	var doc schema.WorkflowDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		result.AddErrorf("", schema.ErrCodeValidation, "decode workflow: %s", err.Error())
		return nil, result
	}

	result.Merge(l.validator.Validate(&doc))
	if !result.Valid() {
		return nil, result
	}
	return &doc, result
}

// Parse validates data and compiles it into a definition. Validation
// failures are returned as a VALIDATION_ERROR carrying every issue.
func (l *Loader) Parse(data []byte) (*engine.WorkflowDefinition, error) {
	doc, result := l.Check(data)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		l.logger.Warn("workflow validation warning",
			zap.String("workflow_id", doc.ID),
			zap.String("path", w.Path),
			zap.String("message", w.Message))
	}
	return engine.NewDefinition(doc)
}

// LoadReader reads a document from r.
func (l *Loader) LoadReader(r io.Reader) (*engine.WorkflowDefinition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "read workflow").WithCause(err)
	}
	return l.Parse(data)
}

// LoadFile reads a document from path.
func (l *Loader) LoadFile(path string) (*engine.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read workflow %s", path).WithCause(err)
	}
	def, err := l.Parse(data)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("workflow loaded",
		zap.String("workflow_id", def.ID),
		zap.String("path", path),
		zap.Int("steps", def.Plan.TotalSteps()))
	return def, nil
}

// LoadDir loads every .yaml, .yml and .json file directly under dir.
// The first invalid document aborts the load.
func (l *Loader) LoadDir(dir string) ([]*engine.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read workflow dir %s", dir).WithCause(err)
	}

	var defs []*engine.WorkflowDefinition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		def, err := l.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
