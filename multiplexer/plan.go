package multiplexer

import (
	"maps"
	"slices"

	"ocm.software/open-component-model/multiregistry/lifecycle"
)

// Invocation describes what one registry would receive during a run.
// It never contains environment values.
type Invocation struct {
	Registry string `json:"registry"`
	// Options is the merged configuration of the registry.
	Options lifecycle.Options `json:"options"`
	// EnvOverrides lists the variables that are replaced by registry specific values.
	EnvOverrides []string `json:"envOverrides,omitempty"`
}

// Plan returns the invocations a run over cfg would perform with the ambient environment env,
// in processing order. It does not resolve any plugin instance.
func (m *Multiplexer) Plan(cfg *Config, env map[string]string) []Invocation {
	if cfg.Len() == 0 {
		return nil
	}
	plan := make([]Invocation, 0, cfg.Len())
	for pair := cfg.Registries.Oldest(); pair != nil; pair = pair.Next() {
		plan = append(plan, Invocation{
			Registry:     pair.Key,
			Options:      lifecycle.Merge(cfg.Shared, pair.Value),
			EnvOverrides: Overrides(env, pair.Key, m.variables),
		})
	}
	return plan
}

// OptionKeys returns the sorted option names of the invocation.
func (i Invocation) OptionKeys() []string {
	return slices.Sorted(maps.Keys(i.Options))
}
