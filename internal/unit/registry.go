package unit

import (
	"fmt"
	"strings"
)

var builtins = map[string]Strategy{
	UnitCall:     Call{},
	UnitMegabyte: Megabyte{},
	UnitSecond:   Second{},
}

// Registry resolves the enabled units. It is immutable after construction.
type Registry struct {
	names      []string
	strategies map[string]Strategy
}

// NewRegistry enables the named built-in units in the given order.
func NewRegistry(names []string) (*Registry, error) {
	strategies := make([]Strategy, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		strategy, ok := builtins[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, name)
		}
		strategies = append(strategies, strategy)
	}
	return NewRegistryFromStrategies(strategies...)
}

// NewRegistryFromStrategies builds a registry from explicit strategies.
// Later duplicates of a name are ignored.
func NewRegistryFromStrategies(strategies ...Strategy) (*Registry, error) {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, strategy := range strategies {
		name := strategy.Name()
		if _, ok := r.strategies[name]; ok {
			continue
		}
		r.strategies[name] = strategy
		r.names = append(r.names, name)
	}
	if len(r.names) == 0 {
		return nil, ErrNoUnitsConfigured
	}
	return r, nil
}

func (r *Registry) Resolve(name string) (Strategy, error) {
	strategy, ok := r.strategies[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, name)
	}
	return strategy, nil
}

// Units lists the enabled unit names in configured order.
func (r *Registry) Units() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func (r *Registry) Supports(name string) bool {
	_, err := r.Resolve(name)
	return err == nil
}
