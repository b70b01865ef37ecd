package runmanifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	schemasassets "github.com/chromakey/chromakey/internal/assets/schemas"
)

// SchemaID is the schema identifier for run manifests.
const SchemaID = "https://schemas.chromakey.dev/v1.0.0/run-manifest.schema.json"

// Validation errors.
var (
	// ErrValidationFailed indicates the manifest failed schema validation.
	ErrValidationFailed = errors.New("run manifest validation failed")
)

// Cached schema compiled once from the embedded document.
var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g. "/tasks/0").
	Path string

	// Message describes the validation failure.
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "run manifest validation failed with %d errors:\n", len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// ValidateRaw checks raw JSON data against the embedded run-manifest schema.
//
// The raw document preserves all fields from the original input, so
// additionalProperties violations are caught before struct decoding drops
// the offending fields.
func ValidateRaw(jsonData []byte) error {
	sch, err := getSchema()
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return fmt.Errorf("invalid JSON in run manifest: %w", err)
	}

	if err := sch.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return flatten(ve)
		}
		return fmt.Errorf("schema validation error: %w", err)
	}
	return nil
}

// flatten converts the compiler's cause tree into a flat error list,
// keeping only the leaves (the actionable messages).
func flatten(ve *jsonschema.ValidationError) ValidationErrors {
	var errs ValidationErrors
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			errs = append(errs, ValidationError{
				Path:    v.InstanceLocation,
				Message: v.Message,
			})
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(ve)
	return errs
}

// getSchema returns the schema compiled once from the embedded document.
func getSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(SchemaID, bytes.NewReader(schemasassets.RunManifestSchema)); err != nil {
			schemaErr = fmt.Errorf("load embedded run-manifest schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(SchemaID)
	})
	return schema, schemaErr
}
