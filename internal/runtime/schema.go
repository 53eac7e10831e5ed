// Package runtime maintains the canonical (type, name) -> entity
// mapping and the per-type attribute schemas that drive validation,
// state persistence and replication.
package runtime

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/gravitational/trace"
)

// Class partitions entity attributes by lifecycle.
type Class int

const (
	// ClassConfig attributes are immutable after load.
	ClassConfig Class = iota
	// ClassState attributes are persisted across restarts and
	// replicated to peers.
	ClassState
	// ClassRuntime attributes are volatile and local-only.
	ClassRuntime
)

// String returns the tag form of the class.
func (c Class) String() string {
	switch c {
	case ClassConfig:
		return "config"
	case ClassState:
		return "state"
	case ClassRuntime:
		return "runtime"
	}
	return "unknown"
}

// Field describes one declared attribute of an entity type.
type Field struct {
	Name  string
	Class Class
	Type  reflect.Type
	index []int
}

// Index returns the field's reflect index path within the entity
// struct.
func (f *Field) Index() []int { return f.index }

// Schema enumerates the declared attributes of one entity type. It is
// built once, by reflection over struct tags, when the type is
// registered.
type Schema struct {
	TypeName string
	goType   reflect.Type // the struct type, not the pointer

	fields  map[string]*Field
	ordered []*Field
}

// buildSchema walks the entity struct, flattening embedded structs, and
// records every exported field carrying a `class` tag. Fields without a
// class tag default to config; fields with json:"-" are skipped for
// serialization but still validated on Modify.
func buildSchema(proto Object) (*Schema, error) {
	t := reflect.TypeOf(proto)
	if t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		return nil, trace.BadParameter("entity prototype must be a struct pointer, got %T", proto)
	}
	s := &Schema{
		TypeName: proto.TypeName(),
		goType:   t.Elem(),
		fields:   make(map[string]*Field),
	}
	if err := s.walk(t.Elem(), nil); err != nil {
		return nil, trace.Wrap(err)
	}
	return s, nil
}

func (s *Schema) walk(t reflect.Type, prefix []int) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}
		index := append(append([]int(nil), prefix...), i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			if err := s.walk(f.Type, index); err != nil {
				return trace.Wrap(err)
			}
			continue
		}

		name := fieldName(f)
		if name == "" {
			continue
		}
		class, err := fieldClass(f)
		if err != nil {
			return trace.Wrap(err, "type %s field %s", s.TypeName, f.Name)
		}
		if _, dup := s.fields[name]; dup {
			return trace.BadParameter("type %s declares attribute %q twice", s.TypeName, name)
		}
		field := &Field{Name: name, Class: class, Type: f.Type, index: index}
		s.fields[name] = field
		s.ordered = append(s.ordered, field)
	}
	return nil
}

func fieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return strings.ToLower(f.Name)
	}
	name := strings.Split(tag, ",")[0]
	if name == "-" {
		// Not serialized; still addressable by its lowercase Go name
		// so Modify can validate runtime attributes.
		return strings.ToLower(f.Name)
	}
	return name
}

func fieldClass(f reflect.StructField) (Class, error) {
	switch tag := f.Tag.Get("class"); tag {
	case "", "config":
		return ClassConfig, nil
	case "state":
		return ClassState, nil
	case "runtime":
		return ClassRuntime, nil
	default:
		return 0, trace.BadParameter("unknown attribute class %q", tag)
	}
}

// Field returns the named attribute declaration.
func (s *Schema) Field(name string) (*Field, error) {
	f, ok := s.fields[name]
	if !ok {
		return nil, trace.NotFound("type %s has no attribute %q", s.TypeName, name)
	}
	return f, nil
}

// Fields returns the declared attributes in struct order.
func (s *Schema) Fields() []*Field {
	return s.ordered
}

// New allocates a zero entity of the schema's type.
func (s *Schema) New() Object {
	return reflect.New(s.goType).Interface().(Object)
}

// Get reads one attribute from an entity. The caller holds the
// entity's lock.
func (s *Schema) Get(obj Object, name string) (interface{}, error) {
	f, err := s.Field(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	v := reflect.ValueOf(obj).Elem().FieldByIndex(f.index)
	return v.Interface(), nil
}

// Set writes one attribute of an entity. The value must be assignable
// or convertible to the declared field type. The caller holds the
// entity's lock.
func (s *Schema) Set(obj Object, name string, value interface{}) error {
	f, err := s.Field(name)
	if err != nil {
		return trace.Wrap(err)
	}
	dst := reflect.ValueOf(obj).Elem().FieldByIndex(f.index)
	if value == nil {
		dst.Set(reflect.Zero(f.Type))
		return nil
	}
	src := reflect.ValueOf(value)
	switch {
	case src.Type().AssignableTo(f.Type):
		dst.Set(src)
	case src.Type().ConvertibleTo(f.Type):
		dst.Set(src.Convert(f.Type))
	default:
		return trace.BadParameter("attribute %s.%s wants %s, got %T",
			s.TypeName, name, f.Type, value)
	}
	return nil
}

// StateMap serializes every state-class attribute of an entity into a
// JSON-ready map. The caller holds the entity's lock.
func (s *Schema) StateMap(obj Object) map[string]interface{} {
	v := reflect.ValueOf(obj).Elem()
	out := make(map[string]interface{})
	for _, f := range s.ordered {
		if f.Class != ClassState {
			continue
		}
		out[f.Name] = v.FieldByIndex(f.index).Interface()
	}
	return out
}

// ApplyJSON decodes raw JSON attribute values into an entity,
// restricted to the given classes. Unknown attributes are reported as
// NotFound; the caller decides whether that is fatal. The caller holds
// the entity's lock.
func (s *Schema) ApplyJSON(obj Object, props map[string]json.RawMessage, classes ...Class) error {
	allowed := make(map[Class]bool, len(classes))
	for _, c := range classes {
		allowed[c] = true
	}
	v := reflect.ValueOf(obj).Elem()
	for name, raw := range props {
		f, ok := s.fields[name]
		if !ok {
			return trace.NotFound("type %s has no attribute %q", s.TypeName, name)
		}
		if !allowed[f.Class] {
			continue
		}
		dst := v.FieldByIndex(f.index)
		val := reflect.New(f.Type)
		if err := json.Unmarshal(raw, val.Interface()); err != nil {
			return trace.Wrap(err, "attribute %s.%s", s.TypeName, name)
		}
		dst.Set(val.Elem())
	}
	return nil
}
