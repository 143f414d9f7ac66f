package expr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLookupMapValue(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`lookup(request.headers, "x-team") == "render"`)
	require.NoError(t, err)

	act := Activation{Request: map[string]any{
		"headers": map[string]any{"x-team": "render"},
	}}
	matched, err := program.EvalBool(act)
	require.NoError(t, err)
	require.True(t, matched, "expected lookup to match existing key")

	missing, err := env.Compile(`lookup(request.headers, "missing") == "render"`)
	require.NoError(t, err)
	matched, err = missing.EvalBool(act)
	require.NoError(t, err)
	require.False(t, matched, "expected lookup to return null for missing key")
}

func TestAllowRuleVariables(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	tests := []struct {
		name       string
		expression string
		act        Activation
		want       bool
	}{
		{
			name:       "container match",
			expression: `container == "portal"`,
			act:        Activation{Container: "portal"},
			want:       true,
		},
		{
			name:       "view list membership",
			expression: `view in ["default", "canvas"]`,
			act:        Activation{View: "profile"},
			want:       false,
		},
		{
			name:       "user preference present",
			expression: `"theme" in prefs && prefs["theme"] == "dark"`,
			act:        Activation{Prefs: map[string]string{"theme": "dark"}},
			want:       true,
		},
		{
			name:       "gadget metadata",
			expression: `gadget.title.startsWith("Weather")`,
			act:        Activation{Gadget: map[string]any{"title": "Weather Radar"}},
			want:       true,
		},
		{
			name:       "timestamp arithmetic",
			expression: `now > timestamp("2020-01-01T00:00:00Z")`,
			act:        Activation{Now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
			want:       true,
		},
		{
			name:       "nil maps are empty",
			expression: `size(prefs) == 0 && size(request) == 0`,
			want:       true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			program, err := env.Compile(tc.expression)
			require.NoError(t, err)
			got, err := program.EvalBool(tc.act)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCompileRejectsNonBoolean(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`container + "x"`)
	require.Error(t, err)

	_, err = env.Compile("   ")
	require.Error(t, err)

	_, err = env.Compile(`unknown == 1`)
	require.Error(t, err)
}

func TestProgramSource(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", program.Source())
	require.True(t, program.Valid())
	require.False(t, Program{}.Valid())

	_, err = Program{}.EvalBool(Activation{})
	require.Error(t, err)
}
