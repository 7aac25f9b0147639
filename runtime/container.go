package runtime

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Container is the registry of backend executors, keyed by URL scheme.
// It also tracks which backends implement the lifecycle interfaces so
// initialization and shutdown can be driven in one place.
type Container struct {
	backends     map[string]Backend
	initializers []Initializer
	shutdowners  []Shutdowner
}

func NewContainer() *Container {
	return &Container{
		backends: make(map[string]Backend),
	}
}

// Register binds a backend executor to one or more URL schemes.
// Lifecycle interfaces are detected once at registration time.
func (c *Container) Register(backend Backend, schemes ...string) error {
	if backend == nil {
		return fmt.Errorf("backend cannot be nil")
	}
	if len(schemes) == 0 {
		return fmt.Errorf("backend must declare at least one scheme")
	}

	for _, scheme := range schemes {
		c.backends[strings.ToLower(scheme)] = backend
	}

	if init, ok := backend.(Initializer); ok {
		c.initializers = append(c.initializers, init)
	}
	if shut, ok := backend.(Shutdowner); ok {
		c.shutdowners = append(c.shutdowners, shut)
	}

	return nil
}

// BackendFor resolves the executor for a request URL by its scheme.
func (c *Container) BackendFor(rawURL string) (Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid request url %q: %w", rawURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	backend, ok := c.backends[scheme]
	if !ok {
		return nil, fmt.Errorf("no backend registered for scheme %q (url: %s)", scheme, rawURL)
	}
	return backend, nil
}

// Initialize starts all registered backends in registration order.
func (c *Container) Initialize(ctx context.Context) error {
	for i, init := range c.initializers {
		if err := init.Initialize(ctx); err != nil {
			return fmt.Errorf("backend #%d initialization failed: %w", i, err)
		}
	}
	return nil
}

// Shutdown stops backends in reverse order of initialization.
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(c.shutdowners) - 1; i >= 0; i-- {
		if err := c.shutdowners[i].Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("backend #%d shutdown failed: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
