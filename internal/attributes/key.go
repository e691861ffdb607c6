package attributes

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Key registry errors
var (
	ErrEmptyKeyName    = errors.New("attribute key name cannot be empty")
	ErrNilKeyType      = errors.New("attribute key type cannot be nil")
	ErrKeyTypeConflict = errors.New("attribute key already registered with a different type")
	ErrUnknownKey      = errors.New("attribute key not registered")
	ErrUnknownType     = errors.New("unknown attribute type name")
)

// Key identifies an attribute by name and value type. Keys are
// comparable; two keys are the same attribute iff both fields match.
type Key struct {
	name string
	typ  reflect.Type
}

// KeyOf returns the key for attribute name holding values of type T.
func KeyOf[T any](name string) Key {
	return Key{name: name, typ: reflect.TypeFor[T]()}
}

// NewKey returns the key for attribute name holding values of typ.
func NewKey(name string, typ reflect.Type) Key {
	return Key{name: name, typ: typ}
}

// Name returns the attribute name.
func (k Key) Name() string {
	return k.name
}

// Type returns the declared value type.
func (k Key) Type() reflect.Type {
	return k.typ
}

func (k Key) String() string {
	if k.typ == nil {
		return k.name
	}
	return fmt.Sprintf("%s(%s)", k.name, k.typ)
}

// typesByName maps the type names accepted in manifests to Go types.
var typesByName = map[string]reflect.Type{
	"string":   reflect.TypeFor[string](),
	"int":      reflect.TypeFor[int](),
	"bool":     reflect.TypeFor[bool](),
	"float":    reflect.TypeFor[float64](),
	"[]string": reflect.TypeFor[[]string](),
}

// TypeByName resolves a manifest type name ("string", "int", "bool",
// "float", "[]string").
func TypeByName(name string) (reflect.Type, error) {
	typ, ok := typesByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return typ, nil
}

// KeyRegistry interns keys by name so that every caller asking for the
// same attribute name gets the same Key. Safe for concurrent use.
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[string]Key
}

// NewKeyRegistry creates an empty key registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{
		keys: make(map[string]Key),
	}
}

// Register returns the key for name, creating it on first use. Registering
// an existing name with another type fails with ErrKeyTypeConflict.
func (r *KeyRegistry) Register(name string, typ reflect.Type) (Key, error) {
	if name == "" {
		return Key{}, ErrEmptyKeyName
	}
	if typ == nil {
		return Key{}, ErrNilKeyType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.keys[name]; ok {
		if existing.typ != typ {
			return Key{}, fmt.Errorf("%w: %s is %s, not %s", ErrKeyTypeConflict, name, existing.typ, typ)
		}
		return existing, nil
	}
	key := NewKey(name, typ)
	r.keys[name] = key
	return key, nil
}

// Lookup returns the key registered under name.
func (r *KeyRegistry) Lookup(name string) (Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.keys[name]
	if !ok {
		return Key{}, fmt.Errorf("%w: %s", ErrUnknownKey, name)
	}
	return key, nil
}

// Names returns all registered key names, sorted alphabetically.
func (r *KeyRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.keys))
	for name := range r.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
