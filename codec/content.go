package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unicode/utf8"

	"hop-rpc/rpcerr"
)

// Content representation
//
// The one supported representation is a JSON document naming the value's
// registered type:
//
//	{"t":"hop-rpc/service_test.Args","v":{"A":1,"B":2}}
//	{"t":"string","v":"hello"}
//	{"t":"nil"}
//
// Only registered types can be marshaled; anything else is an error rather
// than a silent conversion. For the same reason a type is only accepted for
// registration if every value of it survives the trip: no unexported or
// interface-typed fields anywhere inside, and strings must be valid UTF-8
// when marshaled. Pointers are dereferenced on the way in, so
// Marshal(&Args{}) unmarshals to Args. A nil pointer or nil interface is the
// null value, which has its own non-empty encoding. Nil or empty input bytes
// are never read as null.

const nilTypeName = "nil"

// Serialization failure causes. Every error returned by Marshal and the
// Unmarshal family is an *rpcerr.Error of kind Serialization wrapping one of these.
var (
	ErrNoContent      = errors.New("no content bytes")
	ErrCorruptContent = errors.New("corrupt content")
	ErrUnknownType    = errors.New("type not registered")
	ErrTypeMismatch   = errors.New("type mismatch")
	ErrUnsupported    = errors.New("value not serializable")
)

type typedValue struct {
	Type  string          `json:"t"`
	Value json.RawMessage `json:"v,omitempty"`
}

var types = struct {
	sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}{
	byName: make(map[string]reflect.Type),
	byType: make(map[reflect.Type]string),
}

func init() {
	for _, v := range []any{
		"", false,
		int(0), int8(0), int16(0), int32(0), int64(0),
		uint(0), uint8(0), uint16(0), uint32(0), uint64(0),
		float32(0), float64(0),
		[]byte(nil), []string(nil), map[string]string(nil),
	} {
		t := reflect.TypeOf(v)
		if err := RegisterName(t.String(), v); err != nil {
			panic(err)
		}
	}
	if err := RegisterName("struct {}", struct{}{}); err != nil {
		panic(err)
	}
}

// TypeName is the default registration name of t: import path plus type
// name for named types, the Go type string otherwise.
func TypeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// Register makes the type of v serializable under TypeName.
// Registering the same type again is a no-op.
func Register(v any) error {
	if v == nil {
		return errors.New("codec: cannot register nil")
	}
	return RegisterName(TypeName(reflect.TypeOf(v)), v)
}

// RegisterName registers the type of v under name. A name can only be bound
// to one type and a type to one name.
func RegisterName(name string, v any) error {
	if v == nil {
		return errors.New("codec: cannot register nil")
	}
	if name == "" || name == nilTypeName {
		return fmt.Errorf("codec: invalid type name %q", name)
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if err := checkType(t, make(map[reflect.Type]bool)); err != nil {
		return fmt.Errorf("codec: %s cannot be serialized: %w", t, err)
	}

	types.Lock()
	defer types.Unlock()
	if existing, ok := types.byName[name]; ok {
		if existing == t {
			return nil
		}
		return fmt.Errorf("codec: name %q already registered for %s", name, existing)
	}
	if existing, ok := types.byType[t]; ok {
		return fmt.Errorf("codec: %s already registered as %q", t, existing)
	}
	types.byName[name] = t
	types.byType[t] = name
	return nil
}

// checkType rejects types whose values would come back different.
func checkType(t reflect.Type, seen map[reflect.Type]bool) error {
	if seen[t] {
		return nil
	}
	seen[t] = true

	switch t.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return fmt.Errorf("%s values are not supported", t.Kind())
	case reflect.Interface:
		return fmt.Errorf("interface type %s loses its dynamic type", t)
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return checkType(t.Elem(), seen)
	case reflect.Map:
		if err := checkType(t.Key(), seen); err != nil {
			return err
		}
		return checkType(t.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				return fmt.Errorf("field %s.%s is unexported", t, f.Name)
			}
			if f.Tag.Get("json") == "-" {
				return fmt.Errorf("field %s.%s is skipped by its tag", t, f.Name)
			}
			if err := checkType(f.Type, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// maxDepth bounds the string check on deeply nested or cyclic values.
const maxDepth = 1000

// checkStrings reports the first string in v that is not valid UTF-8.
func checkStrings(v reflect.Value, depth int) error {
	if depth > maxDepth {
		return errors.New("value nested too deeply")
	}
	switch v.Kind() {
	case reflect.String:
		if !utf8.ValidString(v.String()) {
			return fmt.Errorf("string %q is not valid UTF-8", v.String())
		}
	case reflect.Pointer:
		if !v.IsNil() {
			return checkStrings(v.Elem(), depth+1)
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := checkStrings(v.Index(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := checkStrings(iter.Key(), depth+1); err != nil {
				return err
			}
			if err := checkStrings(iter.Value(), depth+1); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := checkStrings(v.Field(i), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// Registered reports whether the type of v (after dereferencing) can be marshaled.
func Registered(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	types.RLock()
	defer types.RUnlock()
	_, ok := types.byType[t]
	return ok
}

func serializationError(cause error, format string, args ...any) error {
	return &rpcerr.Error{
		Kind: rpcerr.KindSerialization,
		Msg:  fmt.Sprintf(format, args...),
		Err:  cause,
	}
}

// Marshal serializes v, which must be nil or of a registered type.
func Marshal(v any) ([]byte, error) {
	rv := reflect.ValueOf(v)
	for rv.IsValid() && rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			rv = reflect.Value{}
			break
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return json.Marshal(typedValue{Type: nilTypeName})
	}

	types.RLock()
	name, ok := types.byType[rv.Type()]
	types.RUnlock()
	if !ok {
		return nil, serializationError(ErrUnknownType, "marshal %s", rv.Type())
	}
	if err := checkStrings(rv, 0); err != nil {
		return nil, serializationError(errors.Join(ErrUnsupported, err), "marshal %s", name)
	}

	raw, err := json.Marshal(rv.Interface())
	if err != nil {
		return nil, serializationError(errors.Join(ErrUnsupported, err), "marshal %s", name)
	}
	return json.Marshal(typedValue{Type: name, Value: raw})
}

func decodeHeader(data []byte) (typedValue, reflect.Type, error) {
	var tv typedValue
	if len(data) == 0 {
		return tv, nil, serializationError(ErrNoContent, "unmarshal")
	}
	if err := json.Unmarshal(data, &tv); err != nil {
		return tv, nil, serializationError(errors.Join(ErrCorruptContent, err), "unmarshal")
	}
	if tv.Type == "" {
		return tv, nil, serializationError(ErrCorruptContent, "unmarshal: missing type name")
	}
	if tv.Type == nilTypeName {
		return tv, nil, nil
	}
	types.RLock()
	t, ok := types.byName[tv.Type]
	types.RUnlock()
	if !ok {
		return tv, nil, serializationError(ErrUnknownType, "unmarshal %q", tv.Type)
	}
	return tv, t, nil
}

func decodeValue(tv typedValue, t reflect.Type, into reflect.Value) error {
	if len(tv.Value) == 0 {
		return serializationError(ErrCorruptContent, "unmarshal %q: missing value", tv.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(tv.Value))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into.Addr().Interface()); err != nil {
		return serializationError(errors.Join(ErrCorruptContent, err), "unmarshal %q", tv.Type)
	}
	return nil
}

// Unmarshal decodes content bytes back into the original value. The null
// value comes back as a nil interface.
func Unmarshal(data []byte) (any, error) {
	tv, t, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	v := reflect.New(t).Elem()
	if err := decodeValue(tv, t, v); err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// UnmarshalAs is Unmarshal plus a check that the decoded value is assignable
// to expected. Null is assignable to pointer, interface, map and slice types.
func UnmarshalAs(data []byte, expected reflect.Type) (any, error) {
	v, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if v == nil {
		switch expected.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
			return nil, nil
		}
		return nil, serializationError(ErrTypeMismatch, "null is not assignable to %s", expected)
	}
	if !reflect.TypeOf(v).AssignableTo(expected) {
		return nil, serializationError(ErrTypeMismatch, "%s is not assignable to %s", reflect.TypeOf(v), expected)
	}
	return v, nil
}

// UnmarshalInto decodes into the value ptr points to. The decoded type must
// be assignable to *ptr's type; null zeroes *ptr.
func UnmarshalInto(data []byte, ptr any) error {
	pv := reflect.ValueOf(ptr)
	if pv.Kind() != reflect.Pointer || pv.IsNil() {
		return serializationError(ErrUnsupported, "unmarshal target must be a non-nil pointer, got %T", ptr)
	}
	target := pv.Elem()

	tv, t, err := decodeHeader(data)
	if err != nil {
		return err
	}
	if t == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	if !t.AssignableTo(target.Type()) {
		return serializationError(ErrTypeMismatch, "%s is not assignable to %s", t, target.Type())
	}
	v := reflect.New(t).Elem()
	if err := decodeValue(tv, t, v); err != nil {
		return err
	}
	target.Set(v)
	return nil
}
