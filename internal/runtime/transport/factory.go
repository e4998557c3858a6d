// Package transport resolves the transport names used in a node topology
// into publishers and subscribers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/nodeflow/internal/runtime/config"
	errspkg "github.com/drblury/nodeflow/internal/runtime/errors"
	registry "github.com/drblury/nodeflow/transport"

	// Import all transport packages to register them.
	_ "github.com/drblury/nodeflow/transport/transports"
)

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport = registry.Transport

// Capabilities describes what a transport guarantees.
type Capabilities = registry.Capabilities

// Factory abstracts how nodeflow initialises message transports.
type Factory interface {
	Build(ctx context.Context, name string, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
	Capabilities(name string) Capabilities
}

// DefaultFactory returns the factory backed by the default transport
// registry, with every built-in backend registered.
func DefaultFactory() Factory {
	return RegistryFactory(registry.DefaultRegistry)
}

// RegistryFactory returns a factory backed by r.
func RegistryFactory(r *registry.Registry) Factory {
	return registryFactory{registry: r}
}

type registryFactory struct {
	registry *registry.Registry
}

func (f registryFactory) Build(ctx context.Context, name string, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, errspkg.ErrConfigRequired
	}
	return f.registry.Build(ctx, name, conf, logger)
}

func (f registryFactory) Capabilities(name string) Capabilities {
	return f.registry.GetCapabilities(name)
}

// Cache builds every named transport at most once. A node uses one cache so
// inputs and destinations on the same transport share a connection.
type Cache struct {
	factory Factory
	conf    *config.Config
	logger  watermill.LoggerAdapter

	mu    sync.Mutex
	built map[string]Transport
}

// NewCache returns an empty cache.
func NewCache(factory Factory, conf *config.Config, logger watermill.LoggerAdapter) *Cache {
	if factory == nil {
		factory = DefaultFactory()
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Cache{
		factory: factory,
		conf:    conf,
		logger:  logger,
		built:   make(map[string]Transport),
	}
}

// Name resolves an empty transport name to the configured default.
func (c *Cache) Name(name string) string {
	if name == "" && c.conf != nil {
		return c.conf.GetDefaultTransport()
	}
	return name
}

// Get returns the transport registered under name, building it on first use.
func (c *Cache) Get(ctx context.Context, name string) (Transport, error) {
	name = c.Name(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.built[name]; ok {
		return t, nil
	}
	t, err := c.factory.Build(ctx, name, c.conf, c.logger)
	if err != nil {
		return Transport{}, err
	}
	c.built[name] = t
	return t, nil
}

// Capabilities reports the capabilities of the named transport.
func (c *Cache) Capabilities(name string) Capabilities {
	return c.factory.Capabilities(c.Name(name))
}

// Names lists the transports built so far, sorted.
func (c *Cache) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.built))
	for name := range c.built {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every built transport and empties the cache.
func (c *Cache) Close() error {
	c.mu.Lock()
	built := c.built
	c.built = make(map[string]Transport)
	c.mu.Unlock()

	var errs []error
	for name, t := range built {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s transport: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
