package runtime

import (
	"encoding/json"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/oceanplexian/icingo/internal/bus"
	"github.com/oceanplexian/icingo/internal/objects"
)

// Object is implemented by every entity the registry can hold.
type Object interface {
	TypeName() string
	ObjectName() string
	Lock()
	Unlock()
}

type record struct {
	obj     Object
	created time.Time
}

// Registry owns every entity in the process. All references between
// entities go through Lookup by (type, name); the registry never hands
// out anything the config loader did not register or replication did
// not create.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	records map[string]map[string]*record

	bus   *bus.Bus
	local string // local endpoint name, stamped on emitted events
}

// New creates a registry publishing attribute changes on b.
// localEndpoint is the authority recorded on those events.
func New(b *bus.Bus, localEndpoint string) *Registry {
	r := &Registry{
		schemas: make(map[string]*Schema),
		records: make(map[string]map[string]*record),
		bus:     b,
		local:   localEndpoint,
	}
	// The built-in entity types.
	for _, proto := range []Object{
		&objects.Host{},
		&objects.Service{},
		&objects.CheckCommand{},
		&objects.TimePeriod{},
		&objects.Comment{},
		&objects.Downtime{},
		&objects.Endpoint{},
		&objects.Zone{},
	} {
		if err := r.RegisterType(proto); err != nil {
			// Schemas for built-in types are validated by tests; a
			// failure here is a programming error.
			panic(err)
		}
	}
	return r
}

// RegisterType declares an entity type from a prototype value.
func (r *Registry) RegisterType(proto Object) error {
	s, err := buildSchema(proto)
	if err != nil {
		return trace.Wrap(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.schemas[s.TypeName]; dup {
		return trace.AlreadyExists("type %s already registered", s.TypeName)
	}
	r.schemas[s.TypeName] = s
	r.records[s.TypeName] = make(map[string]*record)
	return nil
}

// Schema returns the attribute schema for a type.
func (r *Registry) Schema(typ string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[typ]
	if !ok {
		return nil, trace.NotFound("unknown entity type %q", typ)
	}
	return s, nil
}

// Register adds an entity. It fails with AlreadyExists on a (type,
// name) collision and records the creation timestamp.
func (r *Registry) Register(obj Object) error {
	typ, name := obj.TypeName(), obj.ObjectName()
	if typ == "" || name == "" {
		return trace.BadParameter("entity type and name must be non-empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.records[typ]
	if !ok {
		return trace.NotFound("unknown entity type %q", typ)
	}
	if _, dup := byName[name]; dup {
		return trace.AlreadyExists("%s %q already registered", typ, name)
	}
	byName[name] = &record{obj: obj, created: time.Now()}
	return nil
}

// Lookup returns the entity or NotFound.
func (r *Registry) Lookup(typ, name string) (Object, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[typ][name]; ok {
		return rec.obj, nil
	}
	return nil, trace.NotFound("%s %q not found", typ, name)
}

// Get is Lookup returning nil instead of an error.
func (r *Registry) Get(typ, name string) Object {
	obj, err := r.Lookup(typ, name)
	if err != nil {
		return nil
	}
	return obj
}

// Created returns the registration timestamp, or the zero time for
// unknown entities.
func (r *Registry) Created(typ, name string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[typ][name]; ok {
		return rec.created
	}
	return time.Time{}
}

// Enumerate returns every entity of a type sorted by name.
func (r *Registry) Enumerate(typ string) []Object {
	r.mu.RLock()
	byName := r.records[typ]
	out := make([]Object, 0, len(byName))
	for _, rec := range byName {
		out = append(out, rec.obj)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ObjectName() < out[j].ObjectName()
	})
	return out
}

// Remove deletes an entity. Removing an unknown entity is NotFound.
func (r *Registry) Remove(typ, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.records[typ]
	if !ok {
		return trace.NotFound("unknown entity type %q", typ)
	}
	if _, ok := byName[name]; !ok {
		return trace.NotFound("%s %q not found", typ, name)
	}
	delete(byName, name)
	return nil
}

// Modify validates an attribute change against the type's schema and
// applies it under the entity's lock. Config-class attributes are
// immutable after load. State-class changes emit AttributeChanged on
// the bus after the lock is released.
func (r *Registry) Modify(typ, name, attr string, value interface{}) error {
	schema, err := r.Schema(typ)
	if err != nil {
		return trace.Wrap(err)
	}
	field, err := schema.Field(attr)
	if err != nil {
		return trace.Wrap(err)
	}
	if field.Class == ClassConfig {
		return trace.BadParameter("%s.%s is a config attribute and immutable after load", typ, attr)
	}
	obj, err := r.Lookup(typ, name)
	if err != nil {
		return trace.Wrap(err)
	}

	obj.Lock()
	old, err := schema.Get(obj, attr)
	if err == nil {
		err = schema.Set(obj, attr, value)
	}
	obj.Unlock()
	if err != nil {
		return trace.Wrap(err)
	}

	if field.Class == ClassState && r.bus != nil {
		r.bus.Publish(bus.Event{
			Kind:       bus.KindAttributeChanged,
			Authority:  r.local,
			ObjectType: typ,
			ObjectName: name,
			Data:       bus.AttributeChangedData{Attribute: attr, Old: old, New: value},
		})
	}
	return nil
}

// ConfigMap serializes an entity's config-class attributes for
// replication as a config::Update snapshot.
func (r *Registry) ConfigMap(typ, name string) (map[string]json.RawMessage, error) {
	schema, err := r.Schema(typ)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	obj, err := r.Lookup(typ, name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	obj.Lock()
	defer obj.Unlock()
	out := make(map[string]json.RawMessage)
	v := reflect.ValueOf(obj).Elem()
	for _, f := range schema.Fields() {
		if f.Class != ClassConfig {
			continue
		}
		raw, err := json.Marshal(v.FieldByIndex(f.Index()).Interface())
		if err != nil {
			return nil, trace.Wrap(err, "attribute %s.%s", typ, f.Name)
		}
		out[f.Name] = raw
	}
	return out, nil
}

// LocalEndpoint returns the name stamped as authority on local events.
func (r *Registry) LocalEndpoint() string { return r.local }

// Typed accessors. They return nil when the entity does not exist or
// has a different concrete type.

// Host looks up a host by name.
func (r *Registry) Host(name string) *objects.Host {
	h, _ := r.Get("Host", name).(*objects.Host)
	return h
}

// Service looks up a service by its full "host!description" name.
func (r *Registry) Service(name string) *objects.Service {
	s, _ := r.Get("Service", name).(*objects.Service)
	return s
}

// CheckCommand looks up a check command by name.
func (r *Registry) CheckCommand(name string) *objects.CheckCommand {
	c, _ := r.Get("CheckCommand", name).(*objects.CheckCommand)
	return c
}

// TimePeriod looks up a timeperiod by name.
func (r *Registry) TimePeriod(name string) *objects.TimePeriod {
	tp, _ := r.Get("TimePeriod", name).(*objects.TimePeriod)
	return tp
}

// Endpoint looks up an endpoint by name.
func (r *Registry) Endpoint(name string) *objects.Endpoint {
	e, _ := r.Get("Endpoint", name).(*objects.Endpoint)
	return e
}

// Zone looks up a zone by name.
func (r *Registry) Zone(name string) *objects.Zone {
	z, _ := r.Get("Zone", name).(*objects.Zone)
	return z
}

// CheckableRef identifies a checkable without holding a pointer across
// module boundaries.
type CheckableRef struct {
	Type string
	Name string
	Zone string
}

// Checkables enumerates every host and service as refs, hosts first,
// each group sorted by name.
func (r *Registry) Checkables() []CheckableRef {
	var refs []CheckableRef
	for _, obj := range r.Enumerate("Host") {
		h := obj.(*objects.Host)
		refs = append(refs, CheckableRef{Type: "Host", Name: h.Name, Zone: h.Zone})
	}
	for _, obj := range r.Enumerate("Service") {
		s := obj.(*objects.Service)
		refs = append(refs, CheckableRef{Type: "Service", Name: s.Name, Zone: s.Zone})
	}
	return refs
}

// Checkable resolves a ref to the embedded Checkable attribute set and
// the owning entity. Returns nils for unknown or non-checkable types.
func (r *Registry) Checkable(typ, name string) (*objects.Checkable, Object) {
	switch typ {
	case "Host":
		if h := r.Host(name); h != nil {
			return &h.Checkable, h
		}
	case "Service":
		if s := r.Service(name); s != nil {
			return &s.Checkable, s
		}
	default:
		log.WithFields(log.Fields{"type": typ, "name": name}).
			Warn("Checkable lookup for non-checkable type")
	}
	return nil, nil
}

// ZoneOf returns the zone name a checkable belongs to, or "".
func (r *Registry) ZoneOf(typ, name string) string {
	switch typ {
	case "Host":
		if h := r.Host(name); h != nil {
			return h.Zone
		}
	case "Service":
		if s := r.Service(name); s != nil {
			return s.Zone
		}
	}
	return ""
}
