package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"
	jsonschemav6 "github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaResource = "release-file.schema.json"

// releaseFileSchema mirrors ReleaseFile for schema generation. The configuration is an open
// object: everything except "registries" is passed through to the plugin.
type releaseFileSchema struct {
	Plugin Source       `json:"plugin"`
	Config pluginConfig `json:"config,omitempty"`
}

type pluginConfig struct {
	Registries map[string]any `json:"registries,omitempty" jsonschema:"description=configuration fragment per registry identifier. The fragment is merged over the shared configuration"`
}

// JSONSchema returns the JSON schema of release files.
func JSONSchema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		ExpandedStruct:            true,
		Mapper:                    typeMapper,
	}
	schema := reflector.Reflect(&releaseFileSchema{})

	schema.ID = ""
	schema.Title = "multiregistry release file"
	schema.Description = "Selects a plugin and configures it for every registry it publishes to."
	schema.Required = []string{"plugin"}

	if schema.Properties != nil {
		if cfg, ok := schema.Properties.Get("config"); ok && cfg != nil {
			cfg.AdditionalProperties = nil
			cfg.Description = "configuration handed to the plugin, shared by all registries"
		}
	}
	return schema
}

func typeMapper(t reflect.Type) *jsonschema.Schema {
	if t == reflect.TypeFor[Duration]() {
		return &jsonschema.Schema{
			Type:        "string",
			Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
			Description: "duration such as 30s or 1h",
		}
	}
	return nil
}

var compiledSchema = sync.OnceValues(func() (*jsonschemav6.Schema, error) {
	raw, err := json.Marshal(JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal release file schema: %w", err)
	}
	doc, err := jsonschemav6.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	c := jsonschemav6.NewCompiler()
	if err := c.AddResource(schemaResource, doc); err != nil {
		return nil, fmt.Errorf("failed to add %s: %w", schemaResource, err)
	}
	return c.Compile(schemaResource)
})
