package isolation

import (
	"bytes"
	"encoding"
	"encoding/hex"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so that equal
// values always produce identical bytes, which is what makes snapshots
// comparable by digest.
var encMode cbor.EncMode

var decMode cbor.DecMode

// snapshotDomainKey separates attribute digests from any other BLAKE3
// keyed hash in the process. ASCII "attrset.isolation.snapshot", zero padded.
var snapshotDomainKey = [32]byte{
	'a', 't', 't', 'r', 's', 'e', 't', '.', 'i', 's', 'o', 'l', 'a', 't', 'i', 'o',
	'n', '.', 's', 'n', 'a', 'p', 's', 'h', 'o', 't', 0, 0, 0, 0, 0, 0,
}

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("isolation: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("isolation: CBOR decoder initialization failed: " + err.Error())
	}
}

// SnapshotIsolator isolates values by encoding them with deterministic
// CBOR and digesting the encoding with keyed BLAKE3. Only exported state
// survives the encoding, so a struct with unexported fields is rejected
// unless it implements cbor.Marshaler, encoding.BinaryMarshaler or
// encoding.TextMarshaler. A value must also decode back into its own type
// and re-encode to the same bytes.
type SnapshotIsolator struct{}

// NewSnapshotIsolator returns the default isolator.
func NewSnapshotIsolator() SnapshotIsolator {
	return SnapshotIsolator{}
}

// Isolate encodes value into a snapshot. An Isolated argument is
// returned unchanged.
func (SnapshotIsolator) Isolate(value any) (Isolated, error) {
	if iso, ok := value.(Isolated); ok {
		return iso, nil
	}
	typ, err := typeOf(value)
	if err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %w", ErrUnencodable, value, err)
	}
	if err := checkEncodable(reflect.ValueOf(value)); err != nil {
		return nil, fmt.Errorf("%w: %T: %w", ErrUnencodable, value, err)
	}
	if err := roundTrip(typ, data); err != nil {
		return nil, fmt.Errorf("%w: %T: %w", ErrUnencodable, value, err)
	}
	return &snapshot{typ: typ, data: data, sum: digest(data)}, nil
}

var marshalerTypes = []reflect.Type{
	reflect.TypeFor[cbor.Marshaler](),
	reflect.TypeFor[encoding.BinaryMarshaler](),
	reflect.TypeFor[encoding.TextMarshaler](),
}

func marshalsItself(t reflect.Type) bool {
	for _, m := range marshalerTypes {
		if t.Implements(m) || reflect.PointerTo(t).Implements(m) {
			return true
		}
	}
	return false
}

// checkEncodable finds state the encoder would silently drop: unexported
// struct fields on types that do not marshal themselves. Interface values
// are checked by their dynamic content.
func checkEncodable(v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}
	t := v.Type()
	if marshalsItself(t) {
		return nil
	}

	switch t.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return checkEncodable(v.Elem())
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := checkEncodable(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := checkEncodable(iter.Key()); err != nil {
				return err
			}
			if err := checkEncodable(iter.Value()); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.Tag.Get("cbor") == "-" {
				continue
			}
			if !f.IsExported() && !f.Anonymous {
				return fmt.Errorf("%s has unexported field %s", t, f.Name)
			}
			if err := checkEncodable(v.Field(i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// roundTrip proves Value can rebuild the snapshot.
func roundTrip(typ reflect.Type, data []byte) error {
	ptr := reflect.New(typ)
	if err := decMode.Unmarshal(data, ptr.Interface()); err != nil {
		return fmt.Errorf("does not decode: %w", err)
	}
	again, err := encMode.Marshal(ptr.Elem().Interface())
	if err != nil {
		return fmt.Errorf("does not re-encode: %w", err)
	}
	if !bytes.Equal(again, data) {
		return fmt.Errorf("decoded value encodes differently")
	}
	return nil
}

type snapshot struct {
	typ  reflect.Type
	data []byte
	sum  [32]byte
}

func (s *snapshot) Value() any {
	ptr := reflect.New(s.typ)
	if err := decMode.Unmarshal(s.data, ptr.Interface()); err != nil {
		// Isolate decoded the same bytes successfully
		panic(fmt.Sprintf("isolation: decode snapshot of %s: %v", s.typ, err))
	}
	return ptr.Elem().Interface()
}

func (s *snapshot) Type() reflect.Type {
	return s.typ
}

func (s *snapshot) Equal(other Isolated) bool {
	o, ok := other.(*snapshot)
	if !ok {
		return false
	}
	if s == o {
		return true
	}
	return s.typ == o.typ && s.sum == o.sum && bytes.Equal(s.data, o.data)
}

func (s *snapshot) Digest() string {
	return hex.EncodeToString(s.sum[:])
}

func (s *snapshot) String() string {
	return fmt.Sprint(s.Value())
}

func digest(data []byte) [32]byte {
	hasher, err := blake3.NewKeyed(snapshotDomainKey[:])
	if err != nil {
		// only returned for a key that is not 32 bytes long
		panic("isolation: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}
