package domain

import (
	"fmt"
	"reflect"
	"sort"
)

// Field is a named accessor pair for one replicable property.
// Get must not retain obj; Set receives values decoded from the wire and
// should convert them to the property's type.
type Field struct {
	Name string
	Get  func(obj any) any
	Set  func(obj any, value any) error
}

// Schema describes a replicated type: its simple name, its replicable
// fields in a stable order and a constructor for empty instances.
type Schema struct {
	Name   string
	Fields []Field
	New    func() any

	// Identity overrides the content digest used as the identity
	// hashcode in Hash. Leave nil to digest the field values.
	Identity func(obj any) uint32

	index map[string]int
	typ   reflect.Type
}

// NewSchema validates and builds a Schema.
func NewSchema(name string, newFn func() any, fields ...Field) (*Schema, error) {
	if name == "" {
		return nil, ErrInvalidConfig.WithDetails("schema name is required")
	}
	if newFn == nil {
		return nil, ErrInvalidConfig.WithDetailsf("schema %s: constructor is required", name)
	}

	index := make(map[string]int, len(fields))
	for i, f := range fields {
		if f.Name == "" || f.Get == nil || f.Set == nil {
			return nil, ErrInvalidConfig.WithDetailsf("schema %s: field %d is incomplete", name, i)
		}
		if _, dup := index[f.Name]; dup {
			return nil, ErrInvalidConfig.WithDetailsf("schema %s: duplicate field %q", name, f.Name)
		}
		index[f.Name] = i
	}

	return &Schema{
		Name:   name,
		Fields: fields,
		New:    newFn,
		index:  index,
		typ:    reflect.TypeOf(newFn()),
	}, nil
}

// SchemaOf builds a Schema for *T. An empty name uses the Go type name.
func SchemaOf[T any](name string, fields ...Field) (*Schema, error) {
	if name == "" {
		name = reflect.TypeOf((*T)(nil)).Elem().Name()
	}
	return NewSchema(name, func() any { return new(T) }, fields...)
}

// FieldOf adapts typed accessors on *T into a Field.
func FieldOf[T any, V any](name string, get func(*T) V, set func(*T, V)) Field {
	return Field{
		Name: name,
		Get: func(obj any) any {
			t, ok := obj.(*T)
			if !ok {
				return nil
			}
			return get(t)
		},
		Set: func(obj any, value any) error {
			t, ok := obj.(*T)
			if !ok {
				return ErrTypeMismatch.WithDetailsf("field %s: object is %T", name, obj)
			}
			v, err := Convert[V](value)
			if err != nil {
				return ErrTypeMismatch.WithDetailsf("field %s", name).WithCause(err)
			}
			set(t, v)
			return nil
		},
	}
}

// Lookup returns the field with the given name.
func (s *Schema) Lookup(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// FieldNames returns the field names in schema order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Owns reports whether obj is an instance of the schema's type.
func (s *Schema) Owns(obj any) bool {
	return obj != nil && reflect.TypeOf(obj) == s.typ
}

// Values reads every field of obj into a field map.
func (s *Schema) Values(obj any) map[string]any {
	values := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		values[f.Name] = f.Get(obj)
	}
	return values
}

// Value reads a single field of obj.
func (s *Schema) Value(obj any, name string) (any, error) {
	f, ok := s.Lookup(name)
	if !ok {
		return nil, ErrUnknownField.WithDetailsf("%s.%s", s.Name, name)
	}
	return f.Get(obj), nil
}

// Apply writes a single field of obj.
func (s *Schema) Apply(obj any, name string, value any) error {
	f, ok := s.Lookup(name)
	if !ok {
		return ErrUnknownField.WithDetailsf("%s.%s", s.Name, name)
	}
	return f.Set(obj, value)
}

// Build constructs a new instance from a field map. Keys the schema does
// not know are ignored.
func (s *Schema) Build(values map[string]any) (any, error) {
	obj := s.New()
	for name, v := range values {
		f, ok := s.Lookup(name)
		if !ok {
			continue
		}
		if err := f.Set(obj, v); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// Convert coerces a decoded wire value into V. Numbers convert between
// numeric kinds, and slices and maps convert element by element. A nil
// value yields the zero V.
func Convert[V any](value any) (V, error) {
	var zero V
	if v, ok := value.(V); ok {
		return v, nil
	}
	if value == nil {
		return zero, nil
	}

	target := reflect.TypeOf((*V)(nil)).Elem()
	rv, err := convertValue(reflect.ValueOf(value), target)
	if err != nil {
		return zero, err
	}
	return rv.Interface().(V), nil
}

func convertValue(rv reflect.Value, target reflect.Type) (reflect.Value, error) {
	if rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return reflect.Zero(target), nil
	}
	if rv.Type().AssignableTo(target) {
		out := reflect.New(target).Elem()
		out.Set(rv)
		return out, nil
	}

	switch {
	case isNumber(rv.Kind()) && isNumber(target.Kind()),
		rv.Kind() == reflect.String && target.Kind() == reflect.String,
		rv.Kind() == reflect.Bool && target.Kind() == reflect.Bool:
		return rv.Convert(target), nil

	case rv.Kind() == reflect.Slice && target.Kind() == reflect.Slice:
		out := reflect.MakeSlice(target, rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			ev, err := convertValue(rv.Index(i), target.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			out.Index(i).Set(ev)
		}
		return out, nil

	case rv.Kind() == reflect.Map && target.Kind() == reflect.Map:
		out := reflect.MakeMapWithSize(target, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k, err := convertValue(iter.Key(), target.Key())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("key %v: %w", iter.Key(), err)
			}
			v, err := convertValue(iter.Value(), target.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("value for %v: %w", iter.Key(), err)
			}
			out.SetMapIndex(k, v)
		}
		return out, nil
	}

	return reflect.Value{}, fmt.Errorf("cannot convert %s to %s", rv.Type(), target)
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
