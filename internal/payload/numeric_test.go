package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/osa-gateway/internal/model"
)

func decode(t *testing.T, raw string) Value {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return FromAny(v)
}

func TestFromAny_Kinds(t *testing.T) {
	assert.Equal(t, KindNull, FromAny(nil).Kind())
	assert.Equal(t, KindBool, FromAny(true).Kind())
	assert.Equal(t, KindNumber, FromAny(3).Kind())
	assert.Equal(t, KindNumber, FromAny(json.Number("4.5")).Kind())
	assert.Equal(t, KindString, FromAny("x").Kind())
	assert.Equal(t, KindArray, FromAny([]any{1.0}).Kind())
	assert.Equal(t, KindObject, FromAny(map[string]any{}).Kind())
	assert.Equal(t, KindObject, FromPayload(model.Payload{"a": 1}).Kind())
	assert.Equal(t, KindNull, FromAny(struct{}{}).Kind())
}

func TestNumericFields_DottedPaths(t *testing.T) {
	v := decode(t, `{
		"metrics": {"sessions": 1200, "bounce": "45%", "label": "weekly"},
		"series": [{"value": 3}, {"value": "1,024"}],
		"active": true,
		"note": null
	}`)

	fields := NumericFields(v)
	assert.Equal(t, map[string]float64{
		"metrics.sessions": 1200,
		"metrics.bounce":   45,
		"series.0.value":   3,
		"series.1.value":   1024,
	}, fields)
}

func TestNumericConflicts_DetectsChangedNumber(t *testing.T) {
	orig := decode(t, `{"x": 5, "metrics": {"ctr": "2.5"}}`)
	cand := decode(t, `{"x": 6, "metrics": {"ctr": "2.5"}, "summary": "up 10%"}`)

	conflicts := NumericConflicts(orig, cand)
	require.Len(t, conflicts, 1)
	assert.Equal(t, Conflict{Path: "x", Original: 5, Altered: 6}, conflicts[0])
}

func TestNumericConflicts_AdditiveIsClean(t *testing.T) {
	orig := decode(t, `{"x": 5}`)
	cand := decode(t, `{"x": 5, "insight": "steady", "forecast": 7}`)
	assert.Empty(t, NumericConflicts(orig, cand))
}

func TestNumericConflicts_NumberVsNumericString(t *testing.T) {
	orig := decode(t, `{"x": 5}`)
	cand := decode(t, `{"x": "5.0"}`)
	assert.Empty(t, NumericConflicts(orig, cand))
}

func TestNumericConflicts_NonNumericWordsAreNotLeaves(t *testing.T) {
	src := decode(t, `{"owner": "Nan", "region": "Inf", "x": 5}`)
	assert.Empty(t, NumericConflicts(src, src))
	assert.Equal(t, map[string]float64{"x": 5}, NumericFields(src))
}

func TestParseNumeric(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"42", 42, true},
		{" 3.5 ", 3.5, true},
		{"12%", 12, true},
		{"1,000", 1000, true},
		{"-7", -7, true},
		{"abc", 0, false},
		{"", 0, false},
		{"%", 0, false},
		{"+2.5e3", 2500, true},
		{".5", 0.5, true},
		{"NaN", 0, false},
		{"Nan", 0, false},
		{"inf", 0, false},
		{"-Infinity", 0, false},
		{"0x1p4", 0, false},
		{"1e999", 0, false},
		{"1_000", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseNumeric(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

type pathRecorder struct{ paths []string }

func (p *pathRecorder) Null(path string)              { p.paths = append(p.paths, path) }
func (p *pathRecorder) Bool(path string, _ bool)      { p.paths = append(p.paths, path) }
func (p *pathRecorder) Number(path string, _ float64) { p.paths = append(p.paths, path) }
func (p *pathRecorder) String(path string, _ string)  { p.paths = append(p.paths, path) }

func TestWalk_SortedOrder(t *testing.T) {
	v := decode(t, `{"b": 1, "a": {"z": null, "y": true}, "c": ["s"]}`)
	rec := &pathRecorder{}
	Walk(v, rec)
	assert.Equal(t, []string{"a.y", "a.z", "b", "c.0"}, rec.paths)
}

func TestValue_NumericAndField(t *testing.T) {
	v := decode(t, `{"tier": 2, "rate": "12.5%", "name": "x"}`)

	tier, ok := v.Field("tier")
	require.True(t, ok)
	n, ok := tier.Numeric()
	assert.True(t, ok)
	assert.Equal(t, 2.0, n)

	rate, _ := v.Field("rate")
	n, ok = rate.Numeric()
	assert.True(t, ok)
	assert.Equal(t, 12.5, n)

	name, _ := v.Field("name")
	_, ok = name.Numeric()
	assert.False(t, ok)

	_, ok = v.Field("missing")
	assert.False(t, ok)
	_, ok = String("x").Field("a")
	assert.False(t, ok)
}

func TestLeafPaths(t *testing.T) {
	v := decode(t, `{"b": {"y": 1, "x": null}, "a": [true, "s"]}`)
	assert.Equal(t, []string{"a.0", "a.1", "b.x", "b.y"}, LeafPaths(v))
}

func TestKeyPaths(t *testing.T) {
	v := decode(t, `{"metrics": {"sessions": 1}, "items": [{"kpi": 2}]}`)
	assert.Equal(t, []string{"items", "items.0.kpi", "metrics", "metrics.sessions"}, KeyPaths(v))
}
