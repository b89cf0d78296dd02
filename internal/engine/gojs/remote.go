package gojs

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/dop251/goja"
)

// RemoteObject mirrors the Runtime.RemoteObject protocol type.
type RemoteObject struct {
	Type                string          `json:"type"`
	Subtype             string          `json:"subtype,omitempty"`
	ClassName           string          `json:"className,omitempty"`
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	Description         string          `json:"description,omitempty"`
	ObjectID            string          `json:"objectId,omitempty"`
}

type PropertyDescriptor struct {
	Name         string       `json:"name"`
	Value        RemoteObject `json:"value"`
	Writable     bool         `json:"writable"`
	Configurable bool         `json:"configurable"`
	Enumerable   bool         `json:"enumerable"`
	IsOwn        bool         `json:"isOwn"`
}

type remoteEntry struct {
	value *goja.Object
	group string
}

// objectTable hands out object ids for values sent to DevTools. It lives on
// the engine thread and needs no locking.
type objectTable struct {
	last    int
	entries map[string]remoteEntry
}

func newObjectTable() *objectTable {
	return &objectTable{entries: make(map[string]remoteEntry)}
}

func (t *objectTable) add(obj *goja.Object, group string) string {
	t.last++
	id := strconv.Itoa(t.last)
	t.entries[id] = remoteEntry{value: obj, group: group}
	return id
}

func (t *objectTable) get(id string) (*goja.Object, bool) {
	e, ok := t.entries[id]
	return e.value, ok
}

func (t *objectTable) release(id string) {
	delete(t.entries, id)
}

func (t *objectTable) releaseGroup(group string) int {
	n := 0
	for id, e := range t.entries {
		if e.group == group {
			delete(t.entries, id)
			n++
		}
	}
	return n
}

func (t *objectTable) len() int {
	return len(t.entries)
}

// describe converts v into a RemoteObject. Objects are registered under
// group unless byValue is set and the value serializes cleanly.
func (e *Engine) describe(v goja.Value, group string, byValue bool) RemoteObject {
	if v == nil || goja.IsUndefined(v) {
		return RemoteObject{Type: "undefined"}
	}
	if goja.IsNull(v) {
		return RemoteObject{Type: "object", Subtype: "null", Value: json.RawMessage("null")}
	}

	switch x := v.Export().(type) {
	case bool:
		return RemoteObject{Type: "boolean", Value: mustJSON(x), Description: strconv.FormatBool(x)}
	case int64:
		return RemoteObject{Type: "number", Value: mustJSON(x), Description: strconv.FormatInt(x, 10)}
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || (x == 0 && math.Signbit(x)) {
			s := v.String()
			if x == 0 {
				s = "-0"
			}
			return RemoteObject{Type: "number", UnserializableValue: s, Description: s}
		}
		return RemoteObject{Type: "number", Value: mustJSON(x), Description: v.String()}
	case string:
		return RemoteObject{Type: "string", Value: mustJSON(x)}
	case *big.Int:
		return RemoteObject{Type: "bigint", UnserializableValue: x.String() + "n", Description: x.String() + "n"}
	case *goja.Symbol:
		return RemoteObject{Type: "symbol", Description: x.String()}
	}

	obj := v.ToObject(e.vm)
	if _, ok := goja.AssertFunction(v); ok {
		return RemoteObject{
			Type:        "function",
			ClassName:   "Function",
			Description: v.String(),
			ObjectID:    e.objects.add(obj, group),
		}
	}

	ro := RemoteObject{Type: "object", ClassName: obj.ClassName(), Description: obj.ClassName()}
	switch ro.ClassName {
	case "Array":
		ro.Subtype = "array"
		ro.Description = fmt.Sprintf("Array(%d)", obj.Get("length").ToInteger())
	case "Error":
		ro.Subtype = "error"
		ro.Description = v.String()
	case "RegExp":
		ro.Subtype = "regexp"
		ro.Description = v.String()
	case "Date":
		ro.Subtype = "date"
		ro.Description = v.String()
	}
	if byValue {
		if data, err := json.Marshal(v.Export()); err == nil {
			ro.Value = data
			return ro
		}
	}
	ro.ObjectID = e.objects.add(obj, group)
	return ro
}

func (e *Engine) properties(obj *goja.Object, group string) []PropertyDescriptor {
	keys := obj.Keys()
	props := make([]PropertyDescriptor, 0, len(keys))
	for _, k := range keys {
		props = append(props, PropertyDescriptor{
			Name:         k,
			Value:        e.describe(obj.Get(k), group, false),
			Writable:     true,
			Configurable: true,
			Enumerable:   true,
			IsOwn:        true,
		})
	}
	return props
}

// resolveArgument turns a Runtime.CallArgument into a value.
func (e *Engine) resolveArgument(arg callArgument) (goja.Value, error) {
	switch {
	case arg.ObjectID != "":
		obj, ok := e.objects.get(arg.ObjectID)
		if !ok {
			return nil, errObjectNotFound
		}
		return obj, nil
	case arg.UnserializableValue != "":
		return e.vm.RunString(arg.UnserializableValue)
	case len(arg.Value) > 0:
		var x any
		if err := json.Unmarshal(arg.Value, &x); err != nil {
			return nil, fmt.Errorf("decode argument: %w", err)
		}
		return e.vm.ToValue(x), nil
	default:
		return goja.Undefined(), nil
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
