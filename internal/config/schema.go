package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaOnce     sync.Once
	schemaJSON     []byte
	schemaCompiled *validator.Schema
	schemaErr      error
)

var durationType = reflect.TypeOf(time.Duration(0))

// durationPattern accepts Go duration strings such as "500ms" or "1m30s".
const durationPattern = `^-?([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$|^0$`

// JSONSchema returns the JSON Schema for the Config struct.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(buildSchema)
	return schemaJSON, schemaErr
}

func buildSchema() {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == durationType {
				return &jsonschema.Schema{Type: "string", Pattern: durationPattern}
			}
			return nil
		},
	}
	schema := r.Reflect(&Config{})
	schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	if schemaErr != nil {
		return
	}
	schemaCompiled, schemaErr = validator.CompileString("docchat.schema.json", string(schemaJSON))
}

// validateSchema checks a raw config map before it is decoded, so unknown
// keys and wrongly typed values are reported with their JSON pointer.
func validateSchema(raw map[string]any) error {
	schemaOnce.Do(buildSchema)
	if schemaErr != nil {
		return fmt.Errorf("config schema: %w", schemaErr)
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	if err := schemaCompiled.Validate(decoded); err != nil {
		var verr *validator.ValidationError
		if errors.As(err, &verr) {
			return &ValidationError{Issues: schemaIssues(verr)}
		}
		return &ValidationError{Issues: []string{err.Error()}}
	}
	return nil
}

// schemaIssues flattens the leaf causes of a validation error.
func schemaIssues(verr *validator.ValidationError) []string {
	if len(verr.Causes) == 0 {
		location := strings.TrimPrefix(verr.InstanceLocation, "/")
		location = strings.ReplaceAll(location, "/", ".")
		if location == "" {
			location = "config"
		}
		return []string{location + ": " + verr.Message}
	}
	var issues []string
	for _, cause := range verr.Causes {
		issues = append(issues, schemaIssues(cause)...)
	}
	return issues
}
