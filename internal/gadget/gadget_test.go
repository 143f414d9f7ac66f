package gadget

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/l0p7/gadgetrender/internal/config"
	"github.com/l0p7/gadgetrender/internal/expr"
	"github.com/l0p7/gadgetrender/internal/metrics"
	"github.com/l0p7/gadgetrender/internal/templates"
	"github.com/stretchr/testify/require"
)

const sampleXML = `<?xml version="1.0" encoding="UTF-8"?>
<Module>
  <ModulePrefs title=" Weather " description="Local forecast"/>
  <Content type="html" view="default, home"><![CDATA[<p>Sunny in __UP_city__</p>]]></Content>
  <Content type="url" view="canvas" href="http://weather.example.com/full"/>
</Module>`

func TestParseXML(t *testing.T) {
	spec, err := ParseXML("http://example.com/weather.xml", []byte(sampleXML))
	require.NoError(t, err)

	require.Equal(t, "Weather", spec.Title)
	require.Equal(t, "Local forecast", spec.Description)
	require.Equal(t, OriginRemote, spec.Origin)
	require.Equal(t, []string{"canvas", "default", "home"}, spec.ViewNames())

	home, ok := spec.View("home")
	require.True(t, ok)
	require.Equal(t, ViewHTML, home.Type)
	require.Equal(t, "<p>Sunny in __UP_city__</p>", home.Content)

	canvas, ok := spec.View("canvas")
	require.True(t, ok)
	require.Equal(t, ViewURL, canvas.Type)
	require.Equal(t, "http://weather.example.com/full", canvas.Href)

	fallback, ok := spec.View("profile")
	require.True(t, ok)
	require.Equal(t, "default", fallback.Name)

	require.Len(t, spec.Checksum, 64)
}

func TestParseXMLConcatenatesRepeatedHTMLSections(t *testing.T) {
	doc := `<Module><Content>one</Content><Content view="default">two</Content></Module>`
	spec, err := ParseXML("http://example.com/multi.xml", []byte(doc))
	require.NoError(t, err)
	view, ok := spec.View("default")
	require.True(t, ok)
	require.Equal(t, "onetwo", view.Content)
}

func TestParseXMLRejectsMalformedDocuments(t *testing.T) {
	cases := map[string]string{
		"not xml":          "<<<",
		"no content":       `<Module><ModulePrefs title="x"/></Module>`,
		"url without href": `<Module><Content type="url"/></Module>`,
		"unknown type":     `<Module><Content type="flash">x</Content></Module>`,
		"duplicate url":    `<Module><Content type="url" href="a"/><Content type="url" href="b"/></Module>`,
		"wrong root":       `<Gadget><Content>x</Content></Gadget>`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseXML("http://example.com/bad.xml", []byte(doc))
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrMalformedSpec))
		})
	}
}

func TestChecksumTracksContent(t *testing.T) {
	a := Checksum(map[string]View{"default": {Name: "default", Type: ViewHTML, Content: "a"}})
	b := Checksum(map[string]View{"default": {Name: "default", Type: ViewHTML, Content: "b"}})
	again := Checksum(map[string]View{"default": {Name: "default", Type: ViewHTML, Content: "a"}})
	require.NotEqual(t, a, b)
	require.Equal(t, a, again)
}

func TestSpecAttributes(t *testing.T) {
	spec := &Spec{URL: "http://example.com/g.xml", Name: "g", Title: "G", Views: map[string]View{"b": {}, "a": {}}, Origin: OriginRegistry}
	attrs := spec.Attributes()
	require.Equal(t, "http://example.com/g.xml", attrs["url"])
	require.Equal(t, []any{"a", "b"}, attrs["views"])
	require.Equal(t, "registry", attrs["origin"])

	var missing *Spec
	require.Empty(t, missing.Attributes())
	_, ok := missing.View("default")
	require.False(t, ok)
}

func newTestRegistry(t *testing.T, sandboxDir string) (*Registry, *metrics.Recorder) {
	t.Helper()
	var sandbox *templates.Sandbox
	if sandboxDir != "" {
		var err error
		sandbox, err = templates.NewSandbox(sandboxDir)
		require.NoError(t, err)
	}
	env, err := expr.NewEnvironment()
	require.NoError(t, err)
	recorder := metrics.NewRecorder(nil)
	return NewRegistry(nil, templates.NewRenderer(sandbox), env, recorder), recorder
}

func TestRegistryReload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clock.html"), []byte("<time>{{ .Lang }}</time>"), 0o600))
	registry, recorder := newTestRegistry(t, dir)

	bundle := config.GadgetBundle{
		Gadgets: map[string]config.GadgetConfig{
			"weather": {
				URL:   " http://example.com/weather.xml ",
				Title: "Weather",
				Allow: `container == "portal"`,
				Views: map[string]config.GadgetViewConfig{
					"default": {Content: "<p>{{ .Prefs.city }}</p>"},
					"canvas":  {Type: "url", Href: "http://weather.example.com"},
				},
			},
			"clock": {
				URL:   "http://example.com/clock.xml",
				Views: map[string]config.GadgetViewConfig{"default": {ContentFile: "clock.html"}},
			},
			"broken": {
				URL:   "http://example.com/broken.xml",
				Views: map[string]config.GadgetViewConfig{"default": {Content: "{{ .Unclosed "}},
			},
			"escaping": {
				URL:   "http://example.com/escaping.xml",
				Views: map[string]config.GadgetViewConfig{"default": {ContentFile: "../outside.html"}},
			},
		},
		Sources: []string{"gadgets.yaml"},
		Skipped: []config.DefinitionSkip{{Kind: "gadget", Name: "dup", Reason: "duplicate definition"}},
	}
	registry.Reload(bundle)

	require.Equal(t, 2, registry.Len())
	require.Equal(t, []string{"gadgets.yaml"}, registry.Sources())

	skipped := registry.Skipped()
	require.Len(t, skipped, 3)
	require.Equal(t, "broken", skipped[0].Name)
	require.Equal(t, "dup", skipped[1].Name)
	require.Equal(t, "escaping", skipped[2].Name)

	weather, ok := registry.Lookup("http://example.com/weather.xml")
	require.True(t, ok)
	require.Equal(t, OriginRegistry, weather.Origin)
	require.True(t, weather.Allow.Valid())
	view, ok := weather.View("default")
	require.True(t, ok)
	require.NotNil(t, view.Template)
	require.Equal(t, "<p>{{ .Prefs.city }}</p>", view.Content)

	clock, ok := registry.Lookup("http://example.com/clock.xml")
	require.True(t, ok)
	require.False(t, clock.Allow.Valid())

	list := registry.List()
	require.Len(t, list, 2)
	require.Equal(t, "clock", list[0].Name)
	require.Equal(t, "weather", list[1].Name)

	families, err := recorder.Gatherer().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "gadgetrender_registry_gadgets" {
			require.Equal(t, 2.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
}

func TestRegistryReloadReplacesSnapshot(t *testing.T) {
	registry, _ := newTestRegistry(t, "")
	registry.Reload(config.GadgetBundle{Gadgets: map[string]config.GadgetConfig{
		"a": {URL: "http://example.com/a.xml", Views: map[string]config.GadgetViewConfig{"default": {Content: "v1"}}},
	}})
	first, ok := registry.Lookup("http://example.com/a.xml")
	require.True(t, ok)

	registry.Reload(config.GadgetBundle{Gadgets: map[string]config.GadgetConfig{
		"a": {URL: "http://example.com/a.xml", Views: map[string]config.GadgetViewConfig{"default": {Content: "v2"}}},
	}})
	second, ok := registry.Lookup("http://example.com/a.xml")
	require.True(t, ok)
	require.NotEqual(t, first.Checksum, second.Checksum)

	registry.Reload(config.GadgetBundle{})
	_, ok = registry.Lookup("http://example.com/a.xml")
	require.False(t, ok)
	require.Zero(t, registry.Len())
}

func TestRegistryRejectsFileViewsWithoutSandbox(t *testing.T) {
	registry, _ := newTestRegistry(t, "")
	registry.Reload(config.GadgetBundle{Gadgets: map[string]config.GadgetConfig{
		"file": {URL: "http://example.com/file.xml", Views: map[string]config.GadgetViewConfig{"default": {ContentFile: "view.html"}}},
	}})
	require.Zero(t, registry.Len())
	require.Len(t, registry.Skipped(), 1)
}
