package multiplexer

import (
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"

	"ocm.software/open-component-model/multiregistry/lifecycle"
)

// RegistriesKey is the configuration key holding the per-registry fragments.
const RegistriesKey = "registries"

// Registries maps registry identifiers to their configuration fragment in declaration order.
type Registries = orderedmap.OrderedMap[string, lifecycle.Options]

// Config is the configuration handed to the multiplexer by the orchestrator.
//
// In its serialized form it is a single object: the key "registries" holds one fragment per
// registry, every other key is shared by all registries.
//
//	registries:
//	  github: { registry: https://npm.pkg.github.com }
//	  public: {}
//	npmPublish: true
type Config struct {
	// Registries holds one configuration fragment per registry. Its order is the order
	// in which registries are processed.
	Registries *Registries
	// Shared holds all options that are not registry specific.
	Shared lifecycle.Options
}

// Registry is a registry identifier together with its configuration fragment.
type Registry struct {
	ID      string
	Options lifecycle.Options
}

// NewConfig creates a configuration with the given shared options and registries,
// in the order given.
func NewConfig(shared lifecycle.Options, registries ...Registry) *Config {
	cfg := &Config{
		Registries: orderedmap.New[string, lifecycle.Options](),
		Shared:     shared,
	}
	for _, r := range registries {
		cfg.Registries.Set(r.ID, r.Options)
	}
	return cfg
}

// IDs returns the registry identifiers in declaration order.
func (c *Config) IDs() []string {
	if c == nil || c.Registries == nil {
		return nil
	}
	ids := make([]string, 0, c.Registries.Len())
	for pair := c.Registries.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

// Len returns the number of configured registries.
func (c *Config) Len() int {
	if c == nil || c.Registries == nil {
		return 0
	}
	return c.Registries.Len()
}

func (c *Config) UnmarshalJSON(data []byte) error {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	registries := orderedmap.New[string, lifecycle.Options]()
	if raw, ok := all[RegistriesKey]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, registries); err != nil {
			return fmt.Errorf("failed to decode %q: %w", RegistriesKey, err)
		}
	}
	delete(all, RegistriesKey)

	shared := make(lifecycle.Options, len(all))
	for key, raw := range all {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("failed to decode shared option %q: %w", key, err)
		}
		shared[key] = value
	}

	c.Registries = registries
	c.Shared = shared
	return nil
}

func (c *Config) MarshalJSON() ([]byte, error) {
	all := make(map[string]any, len(c.Shared)+1)
	for key, value := range c.Shared {
		all[key] = value
	}
	if c.Registries != nil {
		all[RegistriesKey] = c.Registries
	} else {
		all[RegistriesKey] = map[string]any{}
	}
	return json.Marshal(all)
}

// UnmarshalYAML decodes the configuration from a YAML mapping, keeping the declaration order
// of registries.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: plugin configuration must be a mapping", node.Line)
	}

	registries := orderedmap.New[string, lifecycle.Options]()
	shared := lifecycle.Options{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]
		if keyNode.Value != RegistriesKey {
			var value any
			if err := valueNode.Decode(&value); err != nil {
				return fmt.Errorf("failed to decode shared option %q: %w", keyNode.Value, err)
			}
			shared[keyNode.Value] = value
			continue
		}

		if err := decodeRegistries(valueNode, registries); err != nil {
			return err
		}
	}

	c.Registries = registries
	c.Shared = shared
	return nil
}

func decodeRegistries(node *yaml.Node, registries *Registries) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			id, fragment := node.Content[i].Value, node.Content[i+1]
			var opts lifecycle.Options
			if err := fragment.Decode(&opts); err != nil {
				return fmt.Errorf("line %d: failed to decode configuration of registry %q: %w", fragment.Line, id, err)
			}
			registries.Set(id, opts)
		}
		return nil
	}
	return fmt.Errorf("line %d: %q must be a mapping from registry identifier to configuration", node.Line, RegistriesKey)
}
