package transport

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"ocm.software/open-component-model/multiregistry/lifecycle"
)

const schemaResource = "options.schema.json"

// CompileSchema compiles the options schema a plugin reported.
func CompileSchema(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse options schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaResource, doc); err != nil {
		return nil, fmt.Errorf("failed to add %s: %w", schemaResource, err)
	}
	sch, err := c.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", schemaResource, err)
	}
	return sch, nil
}

// ValidateOptions validates opts against sch. A nil schema accepts everything.
func ValidateOptions(sch *jsonschema.Schema, opts lifecycle.Options) error {
	if sch == nil {
		return nil
	}
	if opts == nil {
		opts = lifecycle.Options{}
	}

	// the schema library expects the generic JSON representation
	content, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("options do not match the plugin schema: %w", err)
	}
	return nil
}
