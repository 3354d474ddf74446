package annotation

import (
	"bytes"
	"encoding/json"
)

var jsonNull = []byte("null")

// Version is the version token of a localization. The service owns its
// format, so it is kept as the JSON it sent and written back unchanged.
// The zero Version is null.
type Version struct {
	raw json.RawMessage
}

// VersionOf encodes v as a Version. It panics if v cannot be marshalled,
// so it is meant for literals.
func VersionOf(v any) Version {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return Version{raw: bytes.Clone(data)}
}

// IsNull reports whether the token is absent or JSON null.
func (v Version) IsNull() bool {
	return len(v.raw) == 0 || bytes.Equal(v.raw, jsonNull)
}

// String returns the token as JSON text.
func (v Version) String() string {
	if v.IsNull() {
		return string(jsonNull)
	}
	return string(v.raw)
}

func (v Version) MarshalJSON() ([]byte, error) {
	if v.IsNull() {
		return jsonNull, nil
	}
	return bytes.Clone(v.raw), nil
}

func (v *Version) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, jsonNull) {
		v.raw = nil
		return nil
	}
	v.raw = bytes.Clone(trimmed)
	return nil
}
