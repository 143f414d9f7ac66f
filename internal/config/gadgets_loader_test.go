package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeGadgetFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestBuildGadgetBundleMergesFolderDocuments(t *testing.T) {
	dir := t.TempDir()
	writeGadgetFile(t, dir, "a.yaml", "gadgets:\n  alpha:\n    url: http://example.com/alpha.xml\n    views:\n      default:\n        content: alpha\n")
	writeGadgetFile(t, dir, "b.json", `{"gadgets":{"beta":{"url":"http://example.com/beta.xml","views":{"default":{"content":"beta"}}}}}`)
	writeGadgetFile(t, dir, "c.toml", "[gadgets.gamma]\nurl = \"http://example.com/gamma.xml\"\n[gadgets.gamma.views.default]\ntype = \"url\"\nhref = \"http://example.com/gamma\"\n")
	writeGadgetFile(t, dir, "notes.txt", "ignored")

	bundle, err := buildGadgetBundle(context.Background(), nil, GadgetsConfig{GadgetsFolder: dir})
	require.NoError(t, err)
	require.Len(t, bundle.Gadgets, 3)
	require.Len(t, bundle.Sources, 3)
	require.Empty(t, bundle.Skipped)
	require.Equal(t, "http://example.com/gamma", bundle.Gadgets["gamma"].Views["default"].Href)
}

func TestBuildGadgetBundleQuarantinesInvalidDefinitions(t *testing.T) {
	dir := t.TempDir()
	first := writeGadgetFile(t, dir, "first.yaml", "gadgets:\n  dup:\n    url: http://example.com/dup.xml\n    views:\n      default:\n        content: one\n")
	second := writeGadgetFile(t, dir, "second.yaml", "gadgets:\n  dup:\n    url: http://example.com/dup.xml\n    views:\n      default:\n        content: two\n")

	inline := map[string]GadgetConfig{
		"no-url":     {Views: map[string]GadgetViewConfig{"default": {Content: "x"}}},
		"no-views":   {URL: "http://example.com/none.xml"},
		"bad-type":   {URL: "http://example.com/bad.xml", Views: map[string]GadgetViewConfig{"default": {Type: "flash"}}},
		"no-href":    {URL: "http://example.com/href.xml", Views: map[string]GadgetViewConfig{"default": {Type: "url"}}},
		"both":       {URL: "http://example.com/both.xml", Views: map[string]GadgetViewConfig{"default": {Content: "a", ContentFile: "a.html"}}},
		"bad-allow":  {URL: "http://example.com/allow.xml", Allow: "request.method ==", Views: map[string]GadgetViewConfig{"default": {Content: "a"}}},
		"shared-a":   {URL: "http://example.com/shared.xml", Views: map[string]GadgetViewConfig{"default": {Content: "a"}}},
		"shared-b":   {URL: "http://example.com/shared.xml", Views: map[string]GadgetViewConfig{"default": {Content: "b"}}},
		"good-allow": {URL: "http://example.com/good.xml", Allow: "container == 'default'", Views: map[string]GadgetViewConfig{"default": {Content: "ok"}}},
	}

	bundle, err := buildGadgetBundle(context.Background(), inline, GadgetsConfig{GadgetsFolder: dir})
	require.NoError(t, err)
	require.Equal(t, []string{"good-allow"}, sortedKeys(bundle.Gadgets))

	reasons := make(map[string]DefinitionSkip, len(bundle.Skipped))
	for _, skip := range bundle.Skipped {
		require.Equal(t, "gadget", skip.Kind)
		reasons[skip.Name] = skip
	}
	require.Equal(t, "duplicate definition", reasons["dup"].Reason)
	require.Equal(t, []string{first, second}, reasons["dup"].Sources)
	require.Equal(t, "url required", reasons["no-url"].Reason)
	require.Contains(t, reasons["no-views"].Reason, "at least one view")
	require.Contains(t, reasons["bad-type"].Reason, "unsupported type")
	require.Contains(t, reasons["no-href"].Reason, "href required")
	require.Contains(t, reasons["both"].Reason, "mutually exclusive")
	require.Contains(t, reasons["bad-allow"].Reason, "invalid allow expression")
	require.Contains(t, reasons["shared-a"].Reason, "duplicate url")
	require.Contains(t, reasons["shared-b"].Reason, "duplicate url")
}

func TestCollectGadgetSourcesRejectsDirectoryAsFile(t *testing.T) {
	_, err := collectGadgetSources(context.Background(), GadgetsConfig{GadgetsFile: t.TempDir()})
	require.Error(t, err)
}

func TestParserForRejectsUnknownExtension(t *testing.T) {
	_, err := parserFor("gadgets.ini")
	require.Error(t, err)
	require.True(t, isSupportedGadgetFile("gadgets.YML"))
}
