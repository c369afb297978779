package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/scriptd/internal/xjson"
)

const reportSchema = `[
	{"name": "region", "type": "select", "options": ["cn", "global"], "default": "cn"},
	{"name": "limit", "type": "number", "min": 1, "max": 100, "default": 10},
	{"name": "dry_run", "type": "switch", "default": true},
	{"name": "title", "type": "text", "required": true},
	{"name": "tags", "type": "multiselect", "options": ["a", "b", "c"]},
	{"name": "targets", "type": "group", "fields": [
		{"name": "host", "type": "text", "required": true},
		{"name": "port", "type": "number", "default": 22}
	]}
]`

func mustSchema(t *testing.T) Schema {
	t.Helper()
	s, err := ParseSchema([]byte(reportSchema))
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	return s
}

func TestParseSchemaNormalizesAliases(t *testing.T) {
	s := mustSchema(t)
	assert.Equal(t, FieldBoolean, s[2].Type)

	empty, err := ParseSchema(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestApplyDefaults(t *testing.T) {
	s := mustSchema(t)

	out, err := s.Apply(map[string]any{"title": "weekly", "extra": "kept"})
	require.NoError(t, err)
	assert.Equal(t, "cn", out["region"])
	assert.Equal(t, 10.0, out["limit"])
	assert.Equal(t, true, out["dry_run"])
	assert.Equal(t, "kept", out["extra"])
}

func TestApplyKeepsExplicitZeroValues(t *testing.T) {
	s := mustSchema(t)

	out, err := s.Apply(map[string]any{"title": "t", "dry_run": false})
	require.NoError(t, err)
	assert.Equal(t, false, out["dry_run"])
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	s := mustSchema(t)
	in := map[string]any{"title": "t"}
	_, err := s.Apply(in)
	require.NoError(t, err)
	assert.Len(t, in, 1)
}

func TestApplyChecksExactNumbers(t *testing.T) {
	s := mustSchema(t)

	out, err := s.Apply(map[string]any{"title": "t", "limit": xjson.Number("50")})
	require.NoError(t, err)
	assert.Equal(t, xjson.Number("50"), out["limit"])

	_, err = s.Apply(map[string]any{"title": "t", "limit": xjson.Number("9007199254740993")})
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestApplyRejects(t *testing.T) {
	s := mustSchema(t)

	cases := map[string]map[string]any{
		"missing required": {},
		"blank required":   {"title": "  "},
		"bad select":       {"title": "t", "region": "mars"},
		"number range":     {"title": "t", "limit": 1000.0},
		"number type":      {"title": "t", "limit": "ten"},
		"bool type":        {"title": "t", "dry_run": "yes"},
		"multiselect":      {"title": "t", "tags": []any{"a", "z"}},
		"group entry":      {"title": "t", "targets": []any{map[string]any{"port": 80.0}}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.Apply(in)
			assert.ErrorIs(t, err, ErrInvalidParameters)
		})
	}
}

func TestApplyGroupDefaults(t *testing.T) {
	s := mustSchema(t)

	out, err := s.Apply(map[string]any{
		"title":   "t",
		"targets": []any{map[string]any{"host": "a"}, map[string]any{"host": "b", "port": 2222.0}},
	})
	require.NoError(t, err)
	targets := out["targets"].([]any)
	require.Len(t, targets, 2)
	assert.Equal(t, 22.0, targets[0].(map[string]any)["port"])
	assert.Equal(t, 2222.0, targets[1].(map[string]any)["port"])
}

func TestValidateSchemaDefinition(t *testing.T) {
	bad := Schema{
		{Name: "", Type: FieldText},
		{Name: "a", Type: FieldSelect},
		{Name: "a", Type: "color"},
		{Name: "g", Type: FieldGroup},
		{Name: "p", Type: FieldText, Pattern: "("},
	}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty name")
	assert.Contains(t, err.Error(), "needs options")
	assert.Contains(t, err.Error(), "duplicate field")
	assert.Contains(t, err.Error(), "unknown type")
	assert.Contains(t, err.Error(), "group needs fields")
	assert.Contains(t, err.Error(), "bad pattern")
}
