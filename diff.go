package statebus

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sync"
)

// PropertyChange describes one top-level field whose comparison key differed
// across a mutation. Old and New may be nil.
type PropertyChange struct {
	Field string
	Old   any
	New   any
}

// StateChange carries the post-mutation state together with every field that
// changed, in field declaration order.
type StateChange[T any] struct {
	State   *T
	Changes []PropertyChange
}

// fieldDesc describes one exported top-level field of a state type.
type fieldDesc struct {
	name  string
	index int
	typ   reflect.Type
}

var fieldCache sync.Map // reflect.Type -> []fieldDesc

// fieldsOf returns the exported top-level fields of a struct type, in
// declaration order. The descriptor list is built once per type and reused.
func fieldsOf(t reflect.Type) []fieldDesc {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]fieldDesc)
	}
	fields := make([]fieldDesc, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fields = append(fields, fieldDesc{name: f.Name, index: i, typ: f.Type})
	}
	actual, _ := fieldCache.LoadOrStore(t, fields)
	return actual.([]fieldDesc)
}

// snapshotFields captures each field's comparison key: its canonical JSON
// encoding. Encoding the whole reachable value is what lets an in-place edit
// of a nested object or collection register as a change on the outer field.
// A field that cannot be encoded (func, chan, ...) gets a nil key and is
// invisible to change detection.
func snapshotFields(v reflect.Value, fields []fieldDesc) [][]byte {
	keys := make([][]byte, len(fields))
	for i, f := range fields {
		data, err := json.Marshal(v.Field(f.index).Interface())
		if err != nil {
			continue
		}
		keys[i] = data
	}
	return keys
}

// diffFields compares a before-snapshot against the live value and returns
// one PropertyChange per changed field, in declaration order. Old values are
// rebuilt from the pre-mutation encoding; a decode failure still reports the
// change, with a nil Old.
func diffFields(before [][]byte, v reflect.Value, fields []fieldDesc) []PropertyChange {
	after := snapshotFields(v, fields)
	var changes []PropertyChange
	for i, f := range fields {
		if before[i] == nil && after[i] == nil {
			continue
		}
		if bytes.Equal(before[i], after[i]) {
			continue
		}
		changes = append(changes, PropertyChange{
			Field: f.name,
			Old:   decodeOld(before[i], f.typ),
			New:   v.Field(f.index).Interface(),
		})
	}
	return changes
}

// decodeOld rebuilds the pre-mutation value of a field from its structural
// encoding. Best effort: nil when the declared type cannot be reconstructed.
func decodeOld(data []byte, t reflect.Type) any {
	if data == nil {
		return nil
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil
	}
	return ptr.Elem().Interface()
}
