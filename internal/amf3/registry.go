package amf3

import (
	"reflect"
	"sync"
)

// AliasRegistry binds ActionScript class aliases to Go Externalizable
// factories. Callers register built-in and application message types
// once at startup via Register; there is no teardown.
type AliasRegistry struct {
	mu      sync.RWMutex
	factory map[string]func() Externalizable
	alias   map[reflect.Type]string
}

// NewAliasRegistry creates an empty registry. Most programs should use
// DefaultRegistry instead of constructing their own, but a fresh registry
// is useful in tests that need isolation from global state.
func NewAliasRegistry() *AliasRegistry {
	return &AliasRegistry{
		factory: make(map[string]func() Externalizable),
		alias:   make(map[reflect.Type]string),
	}
}

// DefaultRegistry is the process-wide alias registry used when no
// explicit registry is supplied to an Encoder/Decoder.
var DefaultRegistry = NewAliasRegistry()

// Register installs a bidirectional binding between alias and the type
// produced by factory. The encode path looks up alias by the concrete
// type of the value being written; the decode path calls factory to
// build a fresh instance for a given alias.
func (r *AliasRegistry) Register(alias string, factory func() Externalizable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory[alias] = factory
	r.alias[reflect.TypeOf(factory())] = alias
}

// AliasFor returns the registered alias for v's concrete type, or
// ("", false) if none is registered.
func (r *AliasRegistry) AliasFor(v Externalizable) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alias, ok := r.alias[reflect.TypeOf(v)]
	return alias, ok
}

// New constructs a fresh Externalizable instance for alias, or
// (nil, false) if no binding is registered.
func (r *AliasRegistry) New(alias string) (Externalizable, bool) {
	r.mu.RLock()
	f, ok := r.factory[alias]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}
