package runtime

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"sort"

	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// snapshotLine is one entity in the state journal.
type snapshotLine struct {
	Type  string                     `json:"type"`
	Name  string                     `json:"name"`
	State map[string]json.RawMessage `json:"state"`
}

// Snapshot serializes every entity's state-class attributes to a
// newline-delimited JSON journal and renames it into place atomically.
// Entities are written in (type, name) order so two snapshots of the
// same state compare byte-equal.
func (r *Registry) Snapshot(path string) error {
	r.mu.RLock()
	types := make([]string, 0, len(r.schemas))
	for typ := range r.schemas {
		types = append(types, typ)
	}
	r.mu.RUnlock()
	sort.Strings(types)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, typ := range types {
		schema, err := r.Schema(typ)
		if err != nil {
			return trace.Wrap(err)
		}
		for _, obj := range r.Enumerate(typ) {
			obj.Lock()
			state := schema.StateMap(obj)
			obj.Unlock()
			if len(state) == 0 {
				continue
			}
			raw := make(map[string]json.RawMessage, len(state))
			for name, val := range state {
				b, err := json.Marshal(val)
				if err != nil {
					return trace.Wrap(err, "%s %q attribute %s", typ, obj.ObjectName(), name)
				}
				raw[name] = b
			}
			if err := enc.Encode(snapshotLine{Type: typ, Name: obj.ObjectName(), State: raw}); err != nil {
				return trace.Wrap(err)
			}
		}
	}

	if err := renameio.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return trace.Wrap(err, "write state snapshot %s", path)
	}
	return nil
}

// Restore loads a snapshot written by Snapshot. It is idempotent and
// only touches state-class fields; config comes from the config source.
// Entities unknown to the current config are dropped with a warning.
func (r *Registry) Restore(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return trace.Wrap(err, "open state snapshot %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line snapshotLine
		if err := json.Unmarshal(raw, &line); err != nil {
			log.WithError(err).WithField("line", lineNo).Warn("Skipping malformed state entry")
			continue
		}
		if err := r.ApplyState(line.Type, line.Name, line.State); err != nil {
			if trace.IsNotFound(err) {
				log.WithFields(log.Fields{"type": line.Type, "name": line.Name}).
					Warn("Dropping state for entity unknown to the current config")
				continue
			}
			return trace.Wrap(err)
		}
	}
	if err := scanner.Err(); err != nil {
		return trace.Wrap(err, "read state snapshot %s", path)
	}
	return nil
}

// ApplyState writes state-class attribute values onto an existing
// entity under its lock. Attribute names not declared by the schema
// are ignored so snapshots survive schema evolution.
func (r *Registry) ApplyState(typ, name string, state map[string]json.RawMessage) error {
	schema, err := r.Schema(typ)
	if err != nil {
		return trace.Wrap(err)
	}
	obj, err := r.Lookup(typ, name)
	if err != nil {
		return trace.Wrap(err)
	}
	known := make(map[string]json.RawMessage, len(state))
	for attr, raw := range state {
		if _, err := schema.Field(attr); err != nil {
			log.WithFields(log.Fields{"type": typ, "name": name, "attribute": attr}).
				Debug("Ignoring undeclared state attribute")
			continue
		}
		known[attr] = raw
	}
	obj.Lock()
	err = schema.ApplyJSON(obj, known, ClassState)
	obj.Unlock()
	return trace.Wrap(err)
}
