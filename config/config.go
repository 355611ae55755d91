// Package config loads the release file of the multiregistry command line.
//
// A release file selects the plugin that is fanned out over the registries and carries the
// configuration handed to the multiplexer:
//
//	plugin:
//	  binary: ./bin/npm-publisher
//	  idleTimeout: 1h
//	config:
//	  registries:
//	    github: { registry: https://npm.pkg.github.com }
//	    public: {}
//	  npmPublish: true
//
// JSON is accepted as well. Files are decoded with YAML so that the order of registries is
// kept in both formats.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsonschemav6 "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"ocm.software/open-component-model/multiregistry/backend/binary"
	"ocm.software/open-component-model/multiregistry/backend/inprocess"
	"ocm.software/open-component-model/multiregistry/backend/wasm"
	"ocm.software/open-component-model/multiregistry/instance"
	"ocm.software/open-component-model/multiregistry/multiplexer"
)

// ErrNoBackend is returned when a plugin source names no backend.
var ErrNoBackend = errors.New("plugin must set exactly one of binary, wasm or builtin")

// ReleaseFile is the content of a release file.
type ReleaseFile struct {
	Plugin Source             `json:"plugin" yaml:"plugin"`
	Config multiplexer.Config `json:"config" yaml:"config"`
}

// Source selects the plugin and the backend that isolates its instances.
type Source struct {
	// Binary is the path of a plugin binary. Every registry gets its own process.
	Binary string `json:"binary,omitempty" yaml:"binary,omitempty" jsonschema:"description=path of a plugin binary built with the multiregistry sdk"`
	// Args are passed to the plugin binary.
	Args []string `json:"args,omitempty" yaml:"args,omitempty" jsonschema:"description=arguments passed to the plugin binary"`
	// Wasm is the path of a WebAssembly plugin. Every registry gets its own module instance.
	Wasm string `json:"wasm,omitempty" yaml:"wasm,omitempty" jsonschema:"description=path of an Extism WebAssembly plugin"`
	// Builtin is the name of a plugin compiled into the binary.
	Builtin string `json:"builtin,omitempty" yaml:"builtin,omitempty" jsonschema:"description=name of a builtin plugin"`

	// IdleTimeout after which an unused plugin process exits.
	IdleTimeout Duration `json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty"`
	// StartupTimeout bounds the time a plugin process may take to become ready.
	StartupTimeout Duration `json:"startupTimeout,omitempty" yaml:"startupTimeout,omitempty"`
	// CallTimeout bounds a single call into a WebAssembly plugin.
	CallTimeout Duration `json:"callTimeout,omitempty" yaml:"callTimeout,omitempty"`
	// TempDir is the parent of the private per-registry directories.
	TempDir string `json:"tempDir,omitempty" yaml:"tempDir,omitempty" jsonschema:"description=parent of the private per-registry directories"`
	// AllowedHosts a WebAssembly plugin may connect to.
	AllowedHosts []string `json:"allowedHosts,omitempty" yaml:"allowedHosts,omitempty" jsonschema:"description=hosts a WebAssembly plugin may send requests to"`
}

// Duration is a time.Duration written as a Go duration string, e.g. "1h30m".
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) set(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.set(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates the release file at path.
func Load(path string) (*ReleaseFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read release file: %w", err)
	}
	rf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid release file %s: %w", path, err)
	}

	// plugin paths are relative to the release file, bare names are looked up in PATH
	base := filepath.Dir(path)
	rf.Plugin.Binary = resolvePath(base, rf.Plugin.Binary)
	rf.Plugin.Wasm = resolvePath(base, rf.Plugin.Wasm)

	return rf, nil
}

// Parse decodes and validates a release file.
func Parse(data []byte) (*ReleaseFile, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}

	var rf ReleaseFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, err
	}
	if err := rf.Plugin.Validate(); err != nil {
		return nil, err
	}
	return &rf, nil
}

// Validate validates a release file against JSONSchema.
func Validate(data []byte) error {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return err
	}
	if generic == nil {
		return errors.New("release file is empty")
	}

	// the schema library expects the generic JSON representation
	content, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("release file cannot be represented as JSON: %w", err)
	}
	doc, err := jsonschemav6.UnmarshalJSON(bytes.NewReader(content))
	if err != nil {
		return err
	}

	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("release file does not match schema: %w", err)
	}
	return nil
}

// Validate checks that exactly one backend is selected.
func (s *Source) Validate() error {
	var set []string
	if s.Binary != "" {
		set = append(set, "binary")
	}
	if s.Wasm != "" {
		set = append(set, "wasm")
	}
	if s.Builtin != "" {
		set = append(set, "builtin")
	}
	switch len(set) {
	case 0:
		return ErrNoBackend
	case 1:
		return nil
	}
	return fmt.Errorf("%w, got %s", ErrNoBackend, strings.Join(set, " and "))
}

// Factory returns the instance factory of the selected backend.
func (s *Source) Factory(_ context.Context) (instance.Factory, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	switch {
	case s.Binary != "":
		return &binary.Factory{
			Path:           s.Binary,
			Args:           s.Args,
			TempDir:        s.TempDir,
			IdleTimeout:    time.Duration(s.IdleTimeout),
			StartupTimeout: time.Duration(s.StartupTimeout),
		}, nil
	case s.Wasm != "":
		return &wasm.Factory{
			Path:         s.Wasm,
			TempDir:      s.TempDir,
			AllowedHosts: s.AllowedHosts,
			Timeout:      time.Duration(s.CallTimeout),
		}, nil
	default:
		return inprocess.Default.Factory(s.Builtin)
	}
}

func resolvePath(base, path string) string {
	if path == "" || filepath.IsAbs(path) || !strings.ContainsRune(filepath.ToSlash(path), '/') {
		return path
	}
	return filepath.Join(base, path)
}
