package domain

import (
	"errors"
	"reflect"
	"testing"
)

type widget struct {
	Name string
}

type gadget struct {
	Name   string
	Size   int
	Tags   []string
	Labels map[string]int
}

func widgetSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := SchemaOf[widget]("Widget",
		FieldOf("name", func(w *widget) string { return w.Name }, func(w *widget, v string) { w.Name = v }),
	)
	if err != nil {
		t.Fatalf("SchemaOf() error = %v", err)
	}
	return s
}

func gadgetSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := SchemaOf[gadget]("",
		FieldOf("name", func(g *gadget) string { return g.Name }, func(g *gadget, v string) { g.Name = v }),
		FieldOf("size", func(g *gadget) int { return g.Size }, func(g *gadget, v int) { g.Size = v }),
		FieldOf("tags", func(g *gadget) []string { return g.Tags }, func(g *gadget, v []string) { g.Tags = v }),
		FieldOf("labels", func(g *gadget) map[string]int { return g.Labels }, func(g *gadget, v map[string]int) { g.Labels = v }),
	)
	if err != nil {
		t.Fatalf("SchemaOf() error = %v", err)
	}
	return s
}

func TestNewSchema_Validation(t *testing.T) {
	ok := FieldOf("name", func(w *widget) string { return w.Name }, func(w *widget, v string) { w.Name = v })
	newFn := func() any { return new(widget) }

	tests := []struct {
		name   string
		schema string
		newFn  func() any
		fields []Field
	}{
		{"empty name", "", newFn, []Field{ok}},
		{"nil constructor", "Widget", nil, []Field{ok}},
		{"incomplete field", "Widget", newFn, []Field{{Name: "x"}}},
		{"duplicate field", "Widget", newFn, []Field{ok, ok}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchema(tt.schema, tt.newFn, tt.fields...)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewSchema() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestSchemaOf_DefaultName(t *testing.T) {
	s := gadgetSchema(t)
	if s.Name != "gadget" {
		t.Errorf("Name = %q, want %q", s.Name, "gadget")
	}
	if !s.Owns(&gadget{}) {
		t.Error("Owns(*gadget) = false")
	}
	if s.Owns(&widget{}) || s.Owns(nil) {
		t.Error("Owns() accepted a foreign value")
	}
}

func TestSchema_BuildConvertsWireValues(t *testing.T) {
	s := gadgetSchema(t)

	obj, err := s.Build(map[string]any{
		"name":    "sprocket",
		"size":    int64(12),
		"tags":    []any{"a", "b"},
		"labels":  map[any]any{"x": int64(1)},
		"unknown": true,
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	g := obj.(*gadget)
	want := &gadget{Name: "sprocket", Size: 12, Tags: []string{"a", "b"}, Labels: map[string]int{"x": 1}}
	if !reflect.DeepEqual(g, want) {
		t.Errorf("Build() = %+v, want %+v", g, want)
	}
}

func TestSchema_ApplyAndValue(t *testing.T) {
	s := widgetSchema(t)
	w := &widget{Name: "x"}

	if err := s.Apply(w, "name", "y"); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	v, err := s.Value(w, "name")
	if err != nil || v != "y" {
		t.Errorf("Value() = (%v, %v), want (y, nil)", v, err)
	}

	if err := s.Apply(w, "missing", 1); !errors.Is(err, ErrUnknownField) {
		t.Errorf("Apply(missing) error = %v, want ErrUnknownField", err)
	}
	if err := s.Apply(w, "name", 3.5); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Apply(float into string) error = %v, want ErrTypeMismatch", err)
	}
	if err := s.Apply(&gadget{}, "name", "z"); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Apply(foreign object) error = %v, want ErrTypeMismatch", err)
	}
}

func TestSchema_Values(t *testing.T) {
	s := gadgetSchema(t)
	got := s.Values(&gadget{Name: "n", Size: 3})
	if got["name"] != "n" || got["size"] != 3 {
		t.Errorf("Values() = %v", got)
	}
	if len(got) != 4 {
		t.Errorf("Values() has %d keys, want 4", len(got))
	}
	if names := s.FieldNames(); !reflect.DeepEqual(names, []string{"name", "size", "tags", "labels"}) {
		t.Errorf("FieldNames() = %v", names)
	}
}

func TestConvert(t *testing.T) {
	if v, err := Convert[int32](int64(7)); err != nil || v != 7 {
		t.Errorf("Convert[int32](int64) = (%v, %v)", v, err)
	}
	if v, err := Convert[float32](float64(1.5)); err != nil || v != 1.5 {
		t.Errorf("Convert[float32](float64) = (%v, %v)", v, err)
	}
	if v, err := Convert[string](nil); err != nil || v != "" {
		t.Errorf("Convert[string](nil) = (%q, %v)", v, err)
	}
	if v, err := Convert[any](int64(1)); err != nil || v != int64(1) {
		t.Errorf("Convert[any](int64) = (%v, %v)", v, err)
	}
	if _, err := Convert[[]int]([]any{"nope"}); err == nil {
		t.Error("Convert[[]int]([]any{string}) should fail")
	}
	if _, err := Convert[string](int64(65)); err == nil {
		t.Error("Convert[string](int64) should fail rather than produce a rune")
	}
}
