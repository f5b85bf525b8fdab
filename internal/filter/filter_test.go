package filter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustParse parses a filter document or fails the test.
func mustParse(t *testing.T, raw string) *Filter {
	t.Helper()

	f, err := Parse([]byte(raw))
	require.NoError(t, err)

	return f
}

// doc decodes a JSON document into generic form.
func doc(t *testing.T, raw string) map[string]interface{} {
	t.Helper()

	var d map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &d))

	return d
}

func TestMatches_PrimitiveEquality(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		document string
		expected bool
	}{
		{"string match", `{"foo": ["bar"]}`, `{"foo": "bar"}`, true},
		{"string mismatch", `{"foo": ["bar"]}`, `{"foo": "baz"}`, false},
		{"number match", `{"n": [42]}`, `{"n": 42}`, true},
		{"number mismatch", `{"n": [42]}`, `{"n": 41}`, false},
		{"bool match", `{"b": [true]}`, `{"b": true}`, true},
		{"bool mismatch", `{"b": [true]}`, `{"b": false}`, false},
		{"any-of list", `{"foo": ["bar", "baz"]}`, `{"foo": "baz"}`, true},
		{"missing path fails", `{"foo": ["bar"]}`, `{"other": "bar"}`, false},
		{"type mismatch fails", `{"foo": ["1"]}`, `{"foo": 1}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustParse(t, tt.filter)
			assert.Equal(t, tt.expected, f.Matches(doc(t, tt.document)))
		})
	}
}

// Scenario: filter {foo: ["bar"], n: [{"$gt": 10}]} against several payloads.
func TestMatches_CombinedFilter(t *testing.T) {
	f := mustParse(t, `{"foo": ["bar"], "n": [{"$gt": 10}]}`)

	assert.True(t, f.Matches(doc(t, `{"foo": "bar", "n": 11}`)))
	assert.False(t, f.Matches(doc(t, `{"foo": "bar", "n": 10}`)))
	assert.False(t, f.Matches(doc(t, `{"foo": "baz", "n": 11}`)))
}

func TestMatches_StringOperators(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		document string
		expected bool
	}{
		{"endsWith", `{"s": [{"$endsWith": "bar"}]}`, `{"s": "foobar"}`, true},
		{"endsWith mismatch", `{"s": [{"$endsWith": "bar"}]}`, `{"s": "barfoo"}`, false},
		{"startsWith", `{"s": [{"$startsWith": "foo"}]}`, `{"s": "foobar"}`, true},
		{"ignoreCaseEquals", `{"s": [{"$ignoreCaseEquals": "FooBar"}]}`, `{"s": "fOOBAR"}`, true},
		{"ignoreCaseEquals fold", `{"s": [{"$ignoreCaseEquals": "straße"}]}`, `{"s": "STRASSE"}`, false},
		{"endsWith non-string", `{"s": [{"$endsWith": "bar"}]}`, `{"s": 7}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustParse(t, tt.filter)
			assert.Equal(t, tt.expected, f.Matches(doc(t, tt.document)))
		})
	}
}

func TestMatches_ExistsAndIsNull(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		document string
		expected bool
	}{
		{"exists true present", `{"k": [{"$exists": true}]}`, `{"k": 1}`, true},
		{"exists true absent", `{"k": [{"$exists": true}]}`, `{}`, false},
		{"exists false absent", `{"k": [{"$exists": false}]}`, `{}`, true},
		{"exists false present", `{"k": [{"$exists": false}]}`, `{"k": null}`, false},
		{"isNull true null", `{"k": [{"$isNull": true}]}`, `{"k": null}`, true},
		{"isNull true value", `{"k": [{"$isNull": true}]}`, `{"k": 0}`, false},
		{"isNull true absent", `{"k": [{"$isNull": true}]}`, `{}`, true},
		{"isNull false value", `{"k": [{"$isNull": false}]}`, `{"k": 0}`, true},
		{"isNull false absent", `{"k": [{"$isNull": false}]}`, `{}`, false},
		{"isNull true nested absent", `{"a": {"b": [{"$isNull": true}]}}`, `{"a": {}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustParse(t, tt.filter)
			assert.Equal(t, tt.expected, f.Matches(doc(t, tt.document)))
		})
	}
}

func TestMatches_NumericOperators(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		document string
		expected bool
	}{
		{"gte boundary", `{"n": [{"$gte": 10}]}`, `{"n": 10}`, true},
		{"lt boundary", `{"n": [{"$lt": 10}]}`, `{"n": 10}`, false},
		{"lte boundary", `{"n": [{"$lte": 10}]}`, `{"n": 10}`, true},
		{"between inclusive lo", `{"n": [{"$between": [5, 10]}]}`, `{"n": 5}`, true},
		{"between inclusive hi", `{"n": [{"$between": [5, 10]}]}`, `{"n": 10}`, true},
		{"between outside", `{"n": [{"$between": [5, 10]}]}`, `{"n": 11}`, false},
		{"non-numeric never matches", `{"n": [{"$gt": 1}]}`, `{"n": "2"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustParse(t, tt.filter)
			assert.Equal(t, tt.expected, f.Matches(doc(t, tt.document)))
		})
	}
}

func TestMatches_IncludesAndAnythingBut(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		document string
		expected bool
	}{
		{"includes array element", `{"tags": [{"$includes": "a"}]}`, `{"tags": ["a", "b"]}`, true},
		{"includes array miss", `{"tags": [{"$includes": "c"}]}`, `{"tags": ["a", "b"]}`, false},
		{"includes substring", `{"s": [{"$includes": "oob"}]}`, `{"s": "foobar"}`, true},
		{"includes number in array", `{"ns": [{"$includes": 2}]}`, `{"ns": [1, 2]}`, true},
		{"includes non-container", `{"n": [{"$includes": 1}]}`, `{"n": 1}`, false},
		{"anythingBut scalar hit", `{"s": [{"$anythingBut": "x"}]}`, `{"s": "y"}`, true},
		{"anythingBut scalar excluded", `{"s": [{"$anythingBut": "x"}]}`, `{"s": "x"}`, false},
		{"anythingBut list excluded", `{"s": [{"$anythingBut": ["x", "y"]}]}`, `{"s": "y"}`, false},
		{"anythingBut missing path", `{"s": [{"$anythingBut": "x"}]}`, `{}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustParse(t, tt.filter)
			assert.Equal(t, tt.expected, f.Matches(doc(t, tt.document)))
		})
	}
}

func TestMatches_NestedObjects(t *testing.T) {
	f := mustParse(t, `{"payload": {"user": {"role": ["admin"]}}, "source": ["api"]}`)

	assert.True(t, f.Matches(doc(t, `{"payload": {"user": {"role": "admin"}}, "source": "api"}`)))
	assert.False(t, f.Matches(doc(t, `{"payload": {"user": {"role": "guest"}}, "source": "api"}`)))
	assert.False(t, f.Matches(doc(t, `{"payload": {"user": "admin"}, "source": "api"}`)))
	assert.False(t, f.Matches(doc(t, `{"source": "api"}`)))
}

func TestMatches_EmptyFilterMatchesEverything(t *testing.T) {
	f := mustParse(t, `{}`)

	assert.True(t, f.Matches(doc(t, `{"anything": 1}`)))
	assert.True(t, f.Matches(map[string]interface{}{}))
}

// Soundness: the evaluation result is independent of key insertion order in
// both document and filter. JSON object key order varies here; the decoded
// maps are equal, so the result must be too.
func TestMatches_KeyOrderIndependence(t *testing.T) {
	a := mustParse(t, `{"a": [1], "b": ["x"]}`)
	b := mustParse(t, `{"b": ["x"], "a": [1]}`)

	d1 := doc(t, `{"a": 1, "b": "x"}`)
	d2 := doc(t, `{"b": "x", "a": 1}`)

	assert.True(t, a.Matches(d1))
	assert.True(t, a.Matches(d2))
	assert.True(t, b.Matches(d1))
	assert.True(t, b.Matches(d2))
}

func TestMatchesRaw(t *testing.T) {
	f := mustParse(t, `{"foo": ["ok"]}`)

	assert.True(t, f.MatchesRaw([]byte(`{"foo": "ok"}`)))
	assert.False(t, f.MatchesRaw([]byte(`{"foo": "no"}`)))
	assert.False(t, f.MatchesRaw([]byte(`not json`)))
}

func TestParse_InvalidFilters(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"not an object", `["a"]`},
		{"scalar value", `{"foo": "bar"}`},
		{"empty matcher list", `{"foo": []}`},
		{"unknown operator", `{"foo": [{"$regex": ".*"}]}`},
		{"two operators", `{"foo": [{"$gt": 1, "$lt": 2}]}`},
		{"endsWith non-string operand", `{"foo": [{"$endsWith": 3}]}`},
		{"exists non-bool operand", `{"foo": [{"$exists": "yes"}]}`},
		{"gt non-numeric operand", `{"foo": [{"$gt": "1"}]}`},
		{"between single bound", `{"foo": [{"$between": [1]}]}`},
		{"between non-numeric bound", `{"foo": [{"$between": [1, "2"]}]}`},
		{"null matcher element", `{"foo": [null]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrInvalidFilter)
		})
	}
}
