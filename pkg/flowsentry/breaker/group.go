package breaker

import (
	"github.com/flowsentry/flowsentry/pkg/flowsentry/registry"
)

// Group owns one breaker per named dependency for the lifetime of the
// process. Breakers are created lazily on first use so callers do not need
// to enumerate their dependencies up front.
type Group struct {
	defaults Config
	opts     []Option
	configs  *registry.Registry[string, Config]
	breakers *registry.Registry[string, *Breaker]
}

// NewGroup creates a group whose breakers use the given defaults unless
// overridden with Configure. The options are applied to every breaker the
// group creates.
func NewGroup(defaults Config, opts ...Option) *Group {
	if err := defaults.Validate(); err != nil {
		panic(err)
	}
	return &Group{
		defaults: defaults,
		opts:     opts,
		configs:  registry.New[string, Config](),
		breakers: registry.New[string, *Breaker](),
	}
}

// Configure sets a dependency-specific configuration. It must be called
// before the first Get for that dependency; later calls have no effect on
// the already-created breaker.
func (g *Group) Configure(dependency string, cfg Config) {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	g.configs.Register(dependency, cfg)
}

// Get returns the shared breaker for a dependency, creating it on first use.
func (g *Group) Get(dependency string) *Breaker {
	return g.breakers.GetOrCreate(dependency, func() *Breaker {
		cfg, ok := g.configs.Get(dependency)
		if !ok {
			cfg = g.defaults
		}
		return New(dependency, cfg, g.opts...)
	})
}

// Dependencies returns the names of all breakers created so far.
func (g *Group) Dependencies() []string {
	return g.breakers.Keys()
}
