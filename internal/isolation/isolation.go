// Package isolation turns arbitrary attribute values into immutable,
// independently comparable snapshots.
//
// An Isolator is a pure function from a raw value to an Isolated value:
// isolating the same logical input twice yields two Isolated values that
// report Equal. Later mutation of the raw value never changes a snapshot
// that was taken from it.
package isolation

import (
	"errors"
	"reflect"
)

// Isolation errors
var (
	ErrNilValue      = errors.New("cannot isolate a nil value")
	ErrNotComparable = errors.New("value type is not comparable")
	ErrUnencodable   = errors.New("value cannot be encoded")
)

// Isolated is an immutable snapshot of an attribute value.
type Isolated interface {
	// Value returns the snapshot as a value of its original type.
	// Callers may mutate the result; the snapshot is unaffected.
	Value() any

	// Type returns the Go type of the isolated value.
	Type() reflect.Type

	// Equal reports whether other holds the same logical value.
	Equal(other Isolated) bool

	// Digest is a stable identifier for the value, suitable as a map key.
	Digest() string

	String() string
}

// Isolator produces Isolated values.
type Isolator interface {
	Isolate(value any) (Isolated, error)
}

// IsolatorFunc adapts a function to the Isolator interface.
type IsolatorFunc func(value any) (Isolated, error)

// Isolate calls f(value).
func (f IsolatorFunc) Isolate(value any) (Isolated, error) {
	return f(value)
}

// typeOf rejects nil values and returns the dynamic type otherwise.
func typeOf(value any) (reflect.Type, error) {
	if value == nil {
		return nil, ErrNilValue
	}
	typ := reflect.TypeOf(value)
	switch typ.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		if reflect.ValueOf(value).IsNil() {
			return nil, ErrNilValue
		}
	}
	return typ, nil
}
