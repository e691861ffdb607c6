package isolation

import (
	"fmt"
	"reflect"
)

// IdentityIsolator wraps comparable values as they are. It is only
// correct for values that are already immutable (strings, numbers,
// value structs without reference fields).
type IdentityIsolator struct{}

// NewIdentityIsolator returns an isolator that performs no copying.
func NewIdentityIsolator() IdentityIsolator {
	return IdentityIsolator{}
}

// Isolate wraps value. An Isolated argument is returned unchanged.
func (IdentityIsolator) Isolate(value any) (Isolated, error) {
	if iso, ok := value.(Isolated); ok {
		return iso, nil
	}
	typ, err := typeOf(value)
	if err != nil {
		return nil, err
	}
	if !typ.Comparable() || !selfComparable(value) {
		return nil, fmt.Errorf("%w: %s", ErrNotComparable, typ)
	}
	return identity{value: value}, nil
}

// selfComparable catches values whose type is comparable but whose
// interface fields hold uncomparable content, where == panics. The result
// of the comparison is ignored so NaN is still accepted.
func selfComparable(value any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_ = value == value //nolint:staticcheck // SA4000: the comparison itself is the check
	return true
}

type identity struct {
	value any
}

func (i identity) Value() any {
	return i.value
}

func (i identity) Type() reflect.Type {
	return reflect.TypeOf(i.value)
}

func (i identity) Equal(other Isolated) bool {
	o, ok := other.(identity)
	if !ok {
		return false
	}
	return i.value == o.value
}

func (i identity) Digest() string {
	return fmt.Sprintf("%s:%v", reflect.TypeOf(i.value), i.value)
}

func (i identity) String() string {
	return fmt.Sprint(i.value)
}
