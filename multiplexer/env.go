package multiplexer

import (
	"maps"
	"strings"
)

// DefaultScopedVariables are the environment variables that can be overridden per registry.
var DefaultScopedVariables = []string{
	"NPM_TOKEN",
	"NPM_USERNAME",
	"NPM_PASSWORD",
	"NPM_EMAIL",
	"NPM_CONFIG_REGISTRY",
	"NPM_CONFIG_USERCONFIG",
}

// EnvPrefix returns the prefix of environment variables that override a variable for registry.
// For the registry "github" it is "GITHUB_".
func EnvPrefix(registry string) string {
	return strings.ToUpper(registry) + "_"
}

// ScopeEnv returns the environment seen by the plugin instance of registry.
//
// The result is a copy of env in which every variable of variables is replaced by the value of
// its registry prefixed counterpart, if that one is set and not empty. env is not modified.
func ScopeEnv(env map[string]string, registry string, variables []string) map[string]string {
	scoped := make(map[string]string, len(env))
	maps.Copy(scoped, env)

	prefix := EnvPrefix(registry)
	for _, name := range variables {
		if value := env[prefix+name]; value != "" {
			scoped[name] = value
		}
	}
	return scoped
}

// Overrides returns the names of the variables that ScopeEnv would replace for registry.
func Overrides(env map[string]string, registry string, variables []string) []string {
	var names []string
	prefix := EnvPrefix(registry)
	for _, name := range variables {
		if env[prefix+name] != "" {
			names = append(names, name)
		}
	}
	return names
}
