package hwenc

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// ComponentFactory creates a component.
type ComponentFactory func(ctx context.Context, opts ComponentOptions) (*Component, error)

type componentRegistry struct {
	mu        sync.RWMutex
	factories map[string]ComponentFactory
}

var globalComponentRegistry = &componentRegistry{
	factories: make(map[string]ComponentFactory),
}

func init() {
	for _, v := range Variants() {
		RegisterComponent(v.String(), variantFactory(v))
	}
}

func variantFactory(v Variant) ComponentFactory {
	return func(ctx context.Context, opts ComponentOptions) (*Component, error) {
		return NewComponent(ctx, v, opts)
	}
}

// RegisterComponent registers a factory under name, replacing any previous one.
func RegisterComponent(name string, factory ComponentFactory) {
	globalComponentRegistry.mu.Lock()
	defer globalComponentRegistry.mu.Unlock()
	globalComponentRegistry.factories[name] = factory
}

// CreateComponent creates the component registered under name.
// An unknown name fails with ErrComponentNotFound.
func CreateComponent(ctx context.Context, name string, opts ComponentOptions) (*Component, error) {
	globalComponentRegistry.mu.RLock()
	factory, ok := globalComponentRegistry.factories[name]
	globalComponentRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrComponentNotFound, name)
	}
	c, err := factory(ctx, opts)
	if err != nil {
		if StatusOf(err) == StatusNotFound {
			// keep not-found reserved for unknown names
			return nil, fmt.Errorf("%w: unable to create %q: %v", ErrCorrupted, name, err)
		}
		return nil, fmt.Errorf("unable to create %q: %w", name, err)
	}
	return c, nil
}

// ComponentNames returns the registered component names, sorted.
func ComponentNames() []string {
	globalComponentRegistry.mu.RLock()
	defer globalComponentRegistry.mu.RUnlock()

	names := make([]string, 0, len(globalComponentRegistry.factories))
	for name := range globalComponentRegistry.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
