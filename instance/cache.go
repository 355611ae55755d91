// Package instance keeps exactly one isolated plugin instance per registry.
//
// The underlying plugin of a registry is stateful (it typically writes credential files), so
// it must never be shared between registries. The Cache therefore creates one instance per
// registry identifier through a Factory and hands out the same instance for every later
// lookup of that identifier. Concurrent lookups of an identifier that is still being created
// wait for the running creation instead of starting a second one.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/sync/singleflight"

	"ocm.software/open-component-model/multiregistry/lifecycle"
	"ocm.software/open-component-model/multiregistry/metrics"
)

var (
	// ErrEmptyRegistry is returned when an instance is requested for an empty registry identifier.
	ErrEmptyRegistry = errors.New("registry identifier must not be empty")
	// ErrClosed is returned when an instance is requested after Shutdown.
	ErrClosed = errors.New("instance cache is shut down")
)

// Factory creates a new, independently initialized plugin instance for a registry.
// Two calls must never return instances that share mutable state.
type Factory interface {
	New(ctx context.Context, registry string) (lifecycle.Plugin, error)
}

// FactoryFunc adapts a function to a Factory.
type FactoryFunc func(ctx context.Context, registry string) (lifecycle.Plugin, error)

func (f FactoryFunc) New(ctx context.Context, registry string) (lifecycle.Plugin, error) {
	return f(ctx, registry)
}

// Cache holds the plugin instance of every registry that was resolved so far.
// It is safe for concurrent use.
type Cache struct {
	factory Factory

	// baseCtx is used for creating instances. A creation can be shared by several callers,
	// so it must not depend on the context of whichever caller started it. Instances that
	// run a child process are bound to this context for their whole life.
	baseCtx context.Context

	sf        singleflight.Group
	mu        sync.RWMutex
	instances map[string]lifecycle.Plugin
	closed    bool
}

// NewCache creates an empty cache that creates instances with factory.
// The passed ctx is used for all instances.
func NewCache(ctx context.Context, factory Factory) *Cache {
	return &Cache{
		factory:   factory,
		baseCtx:   ctx,
		instances: make(map[string]lifecycle.Plugin),
	}
}

// Resolve returns the plugin instance of registry, creating it on first use.
// A failed creation is not remembered; the next call tries again.
func (c *Cache) Resolve(ctx context.Context, registry string) (lifecycle.Plugin, error) {
	if registry == "" {
		return nil, ErrEmptyRegistry
	}

	// fast path
	if p, ok := c.get(registry); ok {
		CacheHitCounterTotal.WithLabelValues(registry).Inc()
		return p, nil
	}

	CacheMissCounterTotal.WithLabelValues(registry).Inc()

	// singleflight records the creation before it completes, concurrent callers
	// for the same registry join it instead of creating a second instance.
	ch := c.sf.DoChan(registry, func() (any, error) {
		return c.create(registry)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			CacheShareCounterTotal.WithLabelValues(registry).Inc()
		}
		p, _ := res.Val.(lifecycle.Plugin)
		return p, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for plugin instance of registry %q: %w", registry, ctx.Err())
	}
}

func (c *Cache) get(registry string) (lifecycle.Plugin, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.instances[registry]
	return p, ok
}

func (c *Cache) create(registry string) (lifecycle.Plugin, error) {
	// another flight may have finished between the fast path and getting here
	if p, ok := c.get(registry); ok {
		return p, nil
	}
	if c.isClosed() {
		return nil, fmt.Errorf("failed to create plugin instance for registry %q: %w", registry, ErrClosed)
	}

	logger := slogcontext.FromCtx(c.baseCtx).With(slog.String("realm", "instance"), slog.String("registry", registry))
	logger.DebugContext(c.baseCtx, "creating plugin instance")

	start := time.Now()
	p, err := c.factory.New(c.baseCtx, registry)
	metrics.SetDurationObserver(CreationDurationHistogram.WithLabelValues(registry), start)
	if err != nil {
		logger.DebugContext(c.baseCtx, "plugin instance creation failed", "error", err.Error())
		return nil, fmt.Errorf("failed to create plugin instance for registry %q: %w", registry, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		// Shutdown ran while the instance was created and will not see it
		logger.DebugContext(c.baseCtx, "cache was shut down during creation, releasing plugin instance")
		return nil, errors.Join(
			fmt.Errorf("failed to create plugin instance for registry %q: %w", registry, ErrClosed),
			shutdown(c.baseCtx, registry, p),
		)
	}
	c.instances[registry] = p
	c.mu.Unlock()

	return p, nil
}

func (c *Cache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Len returns the number of registries with a resolved instance.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.instances)
}

// Shutdown releases all instances that hold external resources and empties the cache.
// It is meant to be called once when the process is about to exit. Later calls to Resolve
// fail with ErrClosed, and instances whose creation is still running are released as soon
// as it finishes.
func (c *Cache) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true

	var errs error
	for registry, p := range c.instances {
		errs = errors.Join(errs, shutdown(ctx, registry, p))
	}
	clear(c.instances)

	return errs
}

func shutdown(ctx context.Context, registry string, p lifecycle.Plugin) error {
	s, ok := p.(lifecycle.Shutdowner)
	if !ok || lifecycle.IsNil(p) {
		return nil
	}
	if err := s.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down plugin instance for registry %q: %w", registry, err)
	}
	return nil
}
