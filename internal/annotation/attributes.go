package annotation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Attributes is an insertion-ordered key/value mapping. The zero value is an
// empty mapping ready to use.
type Attributes struct {
	keys   []string
	values map[string]any
}

// NewAttributes builds Attributes from alternating key, value pairs.
// It panics on an odd argument count or a non-string key.
func NewAttributes(kv ...any) Attributes {
	if len(kv)%2 != 0 {
		panic("annotation: NewAttributes requires key/value pairs")
	}
	var a Attributes
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("annotation: attribute key %v is not a string", kv[i]))
		}
		a.Set(key, kv[i+1])
	}
	return a
}

// Len returns the number of keys.
func (a Attributes) Len() int { return len(a.keys) }

// Keys returns the keys in insertion order.
func (a Attributes) Keys() []string { return slices.Clone(a.keys) }

// Get returns the value stored under key.
func (a Attributes) Get(key string) (any, bool) {
	v, ok := a.values[key]
	return v, ok
}

// Set stores value under key. An existing key keeps its position.
func (a *Attributes) Set(key string, value any) {
	if a.values == nil {
		a.values = make(map[string]any)
	}
	if _, exists := a.values[key]; !exists {
		a.keys = append(a.keys, key)
	}
	a.values[key] = value
}

// Delete removes key if present.
func (a *Attributes) Delete(key string) {
	if _, ok := a.values[key]; !ok {
		return
	}
	delete(a.values, key)
	a.keys = slices.DeleteFunc(a.keys, func(k string) bool { return k == key })
}

// Clone returns a shallow copy.
func (a Attributes) Clone() Attributes {
	out := Attributes{keys: slices.Clone(a.keys)}
	if a.values != nil {
		out.values = make(map[string]any, len(a.values))
		for k, v := range a.values {
			out.values[k] = v
		}
	}
	return out
}

// Merge returns a new mapping with other layered over a. Values from other
// win on conflict; keys first seen in a keep their position.
func (a Attributes) Merge(other Attributes) Attributes {
	out := a.Clone()
	for _, k := range other.keys {
		out.Set(k, other.values[k])
	}
	return out
}

// Range calls fn for each entry in order until fn returns false.
func (a Attributes) Range(fn func(key string, value any) bool) {
	for _, k := range a.keys {
		if !fn(k, a.values[k]) {
			return
		}
	}
}

// MarshalJSON writes the entries as a JSON object in insertion order.
func (a Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := a.writeFields(&buf); err != nil {
		return nil, err
	}
	return wrapObject(buf.Bytes()), nil
}

// writeFields appends "k":v pairs, comma separated.
func (a Attributes) writeFields(buf *bytes.Buffer) error {
	for _, k := range a.keys {
		key, err := json.Marshal(k)
		if err != nil {
			return err
		}
		val, err := json.Marshal(a.values[k])
		if err != nil {
			return fmt.Errorf("attribute %q: %w", k, err)
		}
		if buf.Len() > 0 {
			buf.WriteByte(',')
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	return nil
}

func wrapObject(fields []byte) []byte {
	out := make([]byte, 0, len(fields)+2)
	out = append(out, '{')
	out = append(out, fields...)
	return append(out, '}')
}

// UnmarshalJSON reads a JSON object, keeping the document's key order.
// A JSON null leaves the mapping empty.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	*a = Attributes{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("attributes: expected JSON object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("attributes: unexpected key token %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("attributes: value for %q: %w", key, err)
		}
		a.Set(key, normalizeNumber(value))
	}
	_, err = dec.Token()
	return err
}

// normalizeNumber turns json.Number into int64 when integral, float64 otherwise.
func normalizeNumber(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case map[string]any:
		for k, inner := range n {
			n[k] = normalizeNumber(inner)
		}
		return n
	case []any:
		for i, inner := range n {
			n[i] = normalizeNumber(inner)
		}
		return n
	default:
		return v
	}
}
