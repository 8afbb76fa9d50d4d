package devices

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/register-map-v1.json
var registerMapSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("register-map-v1.json",
		strings.NewReader(registerMapSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("register-map-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateRegisterMap accepts YAML or JSON. The document is normalized to
// JSON first so the schema sees JSON number types.
func (v *Validator) ValidateRegisterMap(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid register map: %w", err)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("invalid register map: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(normalized, &generic); err != nil {
		return fmt.Errorf("invalid register map: %w", err)
	}

	if err := v.schema.Validate(generic); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}
