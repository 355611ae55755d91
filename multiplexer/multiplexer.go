// Package multiplexer fans the lifecycle steps of a release out to several registries.
//
// For every configured registry, in declaration order and one at a time, the Multiplexer
// resolves the registry's isolated plugin instance, merges the shared configuration with
// the registry's fragment, scopes the environment to the registry's credentials and calls
// the requested step of the instance.
//
// Two kinds of failures are treated differently:
//   - An instance that is nil or does not implement the requested step is logged as an error
//     and stops the run without returning an error. Registries after it are not processed.
//   - Errors returned by a step, or by the creation of an instance, are returned as is.
package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	slogcontext "github.com/veqryn/slog-context"

	"ocm.software/open-component-model/multiregistry/lifecycle"
)

// Resolver returns the plugin instance of a registry.
// *instance.Cache implements it.
type Resolver interface {
	Resolve(ctx context.Context, registry string) (lifecycle.Plugin, error)
}

// Multiplexer runs lifecycle steps once per configured registry.
type Multiplexer struct {
	resolver  Resolver
	variables []string
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithScopedVariables replaces DefaultScopedVariables with the given variable names.
// Use it for plugins that read credentials from other variables than npm does.
func WithScopedVariables(names ...string) Option {
	return func(m *Multiplexer) {
		m.variables = names
	}
}

// New creates a Multiplexer that resolves plugin instances with resolver.
func New(resolver Resolver, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		resolver:  resolver,
		variables: DefaultScopedVariables,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Multiplexer) VerifyConditions(ctx context.Context, cfg *Config, rc *lifecycle.Context) error {
	return m.Run(ctx, lifecycle.VerifyConditions, cfg, rc)
}

func (m *Multiplexer) Prepare(ctx context.Context, cfg *Config, rc *lifecycle.Context) error {
	return m.Run(ctx, lifecycle.Prepare, cfg, rc)
}

func (m *Multiplexer) Publish(ctx context.Context, cfg *Config, rc *lifecycle.Context) error {
	return m.Run(ctx, lifecycle.Publish, cfg, rc)
}

func (m *Multiplexer) AddChannel(ctx context.Context, cfg *Config, rc *lifecycle.Context) error {
	return m.Run(ctx, lifecycle.AddChannel, cfg, rc)
}

// Run calls step on the instance of every registry in cfg.
//
// Registries are processed sequentially in declaration order. A configuration without
// registries is a no-op. The ambient context rc is never modified, each registry receives a
// copy with its own scoped environment.
func (m *Multiplexer) Run(ctx context.Context, step lifecycle.Step, cfg *Config, rc *lifecycle.Context) error {
	if !step.Valid() {
		return fmt.Errorf("unknown lifecycle step %q", step)
	}

	logger := m.logger(ctx, rc)

	if cfg.Len() == 0 {
		logger.DebugContext(ctx, "no registries configured, nothing to do", "step", step)
		return nil
	}

	var ambient map[string]string
	if rc != nil {
		ambient = rc.Env
	}

	for pair := cfg.Registries.Oldest(); pair != nil; pair = pair.Next() {
		registry := pair.Key

		if err := ctx.Err(); err != nil {
			return err
		}

		p, err := m.resolver.Resolve(ctx, registry)
		if err != nil {
			logger.ErrorContext(ctx, "failed to resolve plugin instance", "registry", registry, "error", err.Error())
			return err
		}

		fn, err := lifecycle.Lookup(p, step)
		if err != nil {
			if errors.Is(err, lifecycle.ErrNilPlugin) {
				logger.ErrorContext(ctx, "plugin instance is nil or not a plugin", "registry", registry)
			} else {
				logger.ErrorContext(ctx, fmt.Sprintf("%s does not exist in plugin!", step), "registry", registry)
			}
			return nil
		}

		logger.InfoContext(ctx, fmt.Sprintf("Performing %s for registry %s", step, registry))

		scoped := rc.WithEnv(ScopeEnv(ambient, registry, m.variables))
		if scoped.Logger == nil {
			scoped.Logger = logger
		}

		if err := fn(ctx, lifecycle.Merge(cfg.Shared, pair.Value), scoped); err != nil {
			return err
		}
	}

	return nil
}

func (m *Multiplexer) logger(ctx context.Context, rc *lifecycle.Context) *slog.Logger {
	base := slogcontext.FromCtx(ctx)
	if rc != nil && rc.Logger != nil {
		base = rc.Logger
	}
	return base.With(slog.String("realm", "multiregistry"))
}
