package annotation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/trackfill/internal/errors"
)

func TestAttributesMergeOverridesFromTheRight(t *testing.T) {
	t.Parallel()

	base := NewAttributes("label", "p1", "confidence", 0.7, "reviewed", false)
	over := NewAttributes("reviewed", true, "source", "detector")

	merged := base.Merge(over)

	assert.Equal(t, []string{"label", "confidence", "reviewed", "source"}, merged.Keys())
	v, ok := merged.Get("reviewed")
	require.True(t, ok)
	assert.Equal(t, true, v)

	v, _ = base.Get("reviewed")
	assert.Equal(t, false, v, "inputs are left untouched")
	assert.Equal(t, 2, over.Len())
}

func TestAttributesCloneIsIndependent(t *testing.T) {
	t.Parallel()

	template := NewAttributes("label", "p1", "confidence", 0.7, "reviewed", false)
	draft := template.Clone()

	draft.Set("reviewed", true)
	draft.Set("source", "detector")
	draft.Delete("confidence")

	assert.Equal(t, []string{"label", "reviewed", "source"}, draft.Keys())
	assert.Equal(t, []string{"label", "confidence", "reviewed"}, template.Keys())
	v, ok := template.Get("reviewed")
	require.True(t, ok)
	assert.Equal(t, false, v, "template attributes must not change")
}

func TestAttributesZeroValueAndDelete(t *testing.T) {
	t.Parallel()

	var a Attributes
	assert.Equal(t, 0, a.Len())
	_, ok := a.Get("missing")
	assert.False(t, ok)

	a.Set("a", 1)
	a.Set("b", 2)
	a.Set("a", 3)
	assert.Equal(t, []string{"a", "b"}, a.Keys())

	a.Delete("a")
	a.Delete("nope")
	assert.Equal(t, []string{"b"}, a.Keys())
}

func TestAttributesJSON(t *testing.T) {
	t.Parallel()

	var a Attributes
	require.NoError(t, json.Unmarshal([]byte(`{"zeta":1,"alpha":"x","mid":2.5,"nested":{"n":3}}`), &a))
	assert.Equal(t, []string{"zeta", "alpha", "mid", "nested"}, a.Keys())

	v, _ := a.Get("zeta")
	assert.Equal(t, int64(1), v)
	v, _ = a.Get("mid")
	assert.InDelta(t, 2.5, v, 0)
	v, _ = a.Get("nested")
	assert.Equal(t, map[string]any{"n": int64(3)}, v)

	out, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"zeta":1,"alpha":"x","mid":2.5,"nested":{"n":3}}`, string(out))
	assert.Equal(t, `{"zeta":1,"alpha":"x","mid":2.5,"nested":{"n":3}}`, string(out), "key order is preserved")

	var empty Attributes
	require.NoError(t, json.Unmarshal([]byte(`null`), &empty))
	assert.Equal(t, 0, empty.Len())

	require.Error(t, json.Unmarshal([]byte(`[1,2]`), &empty))
}

func TestDraftMarshalJSON(t *testing.T) {
	t.Parallel()

	d := Draft{
		MediaID: 42,
		Type:    3,
		X:       0,
		Y:       0.1,
		Width:   0.55,
		Height:  1.0,
		Frame:   15,
		Version: VersionOf("v7"),
		// "frame" clashes with a draft field; the draft value wins in place
		Attributes: NewAttributes("label", "p1", "frame", 999),
	}

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t,
		`{"label":"p1","frame":15,"media_id":42,"type":3,"x":0,"y":0.1,"width":0.55,"height":1,"version":"v7"}`,
		string(data))

	bare, err := json.Marshal(Draft{MediaID: 1, Type: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"media_id":1,"type":2,"x":0,"y":0,"width":0,"height":0,"frame":0,"version":null}`, string(bare))
}

func TestVersionRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		wire string
		want string
	}{
		{"string token", `"v1"`, `"v1"`},
		{"numeric token", `12`, `12`},
		{"null", `null`, `null`},
		{"object token", `{"id":3}`, `{"id":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var holder struct {
				Version Version `json:"version"`
			}
			require.NoError(t, json.Unmarshal([]byte(`{"version":`+tt.wire+`}`), &holder))

			data, err := json.Marshal(Draft{Frame: 15, Version: holder.Version})
			require.NoError(t, err)
			var out map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(data, &out))
			assert.Equal(t, tt.want, string(out["version"]))
		})
	}
}

func TestVersionMissingIsNull(t *testing.T) {
	t.Parallel()

	var holder struct {
		Version Version `json:"version"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{}`), &holder))
	assert.True(t, holder.Version.IsNull())
	assert.Equal(t, "null", holder.Version.String())
	assert.False(t, VersionOf("v1").IsNull())
}

func TestDraftBatchMarshalsAsArray(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal([]Draft{{Frame: 15}, {Frame: 16}})
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 2)
	assert.InDelta(t, 15, decoded[0]["frame"], 0)
	assert.InDelta(t, 16, decoded[1]["frame"], 0)
}

func TestParseTypeID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"box_3", 3, false},
		{"state_12", 12, false},
		{"a_5_7", 5, false},
		{"box", 0, true},
		{"box_", 0, true},
		{"box_x", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTypeID(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				require.ErrorIs(t, err, ErrInvalidTypeID)
				assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIndexTracks(t *testing.T) {
	t.Parallel()

	index := IndexTracks([]Track{
		{ID: 100, Type: "state_2", Members: []int64{1, 2, 3}},
		{ID: 200, Type: "state_2", Members: []int64{3, 4}},
		{ID: 300, Type: "state_2"},
	})

	assert.Len(t, index, 4)
	trackID, ok := index.TrackOf(3)
	require.True(t, ok)
	assert.Equal(t, int64(100), trackID, "first track wins")

	trackID, ok = index.TrackOf(4)
	require.True(t, ok)
	assert.Equal(t, int64(200), trackID)

	_, ok = index.TrackOf(99)
	assert.False(t, ok)
}

func TestDetectionScore(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.0, Detection{}.Score(), 0)
	assert.InDelta(t, 0.95, Detection{Probability: []float64{0.95, 0.1}}.Score(), 0)
}
