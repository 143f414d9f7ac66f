package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/l0p7/gadgetrender/internal/expr"
)

const inlineSourceName = "inline-config"

// GadgetBundle captures the merged gadget definitions after loading every
// configured source, plus the provenance needed to explain skipped entries.
type GadgetBundle struct {
	Gadgets map[string]GadgetConfig
	Sources []string
	Skipped []DefinitionSkip
}

type gadgetDocument struct {
	Gadgets map[string]GadgetConfig `koanf:"gadgets"`
}

type gadgetAggregator struct {
	gadgets map[string]GadgetConfig
	origins map[string]string
	skips   map[string]*DefinitionSkip
	sources map[string]struct{}
}

func newGadgetAggregator() *gadgetAggregator {
	return &gadgetAggregator{
		gadgets: make(map[string]GadgetConfig),
		origins: make(map[string]string),
		skips:   make(map[string]*DefinitionSkip),
		sources: make(map[string]struct{}),
	}
}

func (a *gadgetAggregator) addDocument(doc gadgetDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Gadgets {
		a.addGadget(name, cfg, source)
	}
}

func (a *gadgetAggregator) addGadget(name string, cfg GadgetConfig, source string) {
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[name]; ok {
		a.recordSkip(name, "duplicate definition", prev, source)
		delete(a.origins, name)
		delete(a.gadgets, name)
		return
	}
	a.origins[name] = source
	a.gadgets[name] = cfg
}

func (a *gadgetAggregator) recordSkip(name, reason string, sources ...string) {
	if skip, ok := a.skips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    "gadget",
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.skips[name] = skip
}

// validate quarantines definitions that would fail at render time: missing
// URLs, malformed views and allow rules that do not compile.
func (a *gadgetAggregator) validate(env *expr.Environment) {
	for _, name := range sortedKeys(a.gadgets) {
		if err := validateGadget(a.gadgets[name], env); err != nil {
			a.recordSkip(name, err.Error(), a.origins[name])
			delete(a.origins, name)
			delete(a.gadgets, name)
		}
	}
}

// pruneDuplicateURLs quarantines every gadget that shares its URL with another
// definition, since the URL is what render requests address.
func (a *gadgetAggregator) pruneDuplicateURLs() {
	byURL := make(map[string][]string)
	for name, cfg := range a.gadgets {
		key := strings.TrimSpace(cfg.URL)
		byURL[key] = append(byURL[key], name)
	}
	for gadgetURL, names := range byURL {
		if len(names) < 2 {
			continue
		}
		sort.Strings(names)
		reason := fmt.Sprintf("duplicate url %s shared by %s", gadgetURL, strings.Join(names, ", "))
		for _, name := range names {
			a.recordSkip(name, reason, a.origins[name])
			delete(a.origins, name)
			delete(a.gadgets, name)
		}
	}
}

func (a *gadgetAggregator) bundle() GadgetBundle {
	a.pruneDuplicateURLs()
	gadgets := make(map[string]GadgetConfig, len(a.gadgets))
	for name, cfg := range a.gadgets {
		gadgets[name] = cfg
	}
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool {
		return skipped[i].Name < skipped[j].Name
	})
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return GadgetBundle{Gadgets: gadgets, Sources: sources, Skipped: skipped}
}

func validateGadget(cfg GadgetConfig, env *expr.Environment) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return fmt.Errorf("url required")
	}
	if len(cfg.Views) == 0 {
		return fmt.Errorf("at least one view required")
	}
	for _, viewName := range sortedKeys(cfg.Views) {
		view := cfg.Views[viewName]
		switch strings.ToLower(strings.TrimSpace(view.Type)) {
		case "", "html":
			if strings.TrimSpace(view.Content) == "" && strings.TrimSpace(view.ContentFile) == "" {
				return fmt.Errorf("views.%s: content or contentFile required for html views", viewName)
			}
			if strings.TrimSpace(view.Content) != "" && strings.TrimSpace(view.ContentFile) != "" {
				return fmt.Errorf("views.%s: content and contentFile are mutually exclusive", viewName)
			}
		case "url":
			if strings.TrimSpace(view.Href) == "" {
				return fmt.Errorf("views.%s: href required for url views", viewName)
			}
		default:
			return fmt.Errorf("views.%s: unsupported type %s", viewName, view.Type)
		}
	}
	if allow := strings.TrimSpace(cfg.Allow); allow != "" {
		if _, err := env.Compile(allow); err != nil {
			return fmt.Errorf("invalid allow expression: %w", err)
		}
	}
	return nil
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func sortedKeys[V any](in map[string]V) []string {
	keys := make([]string, 0, len(in))
	for key := range in {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func buildGadgetBundle(ctx context.Context, inline map[string]GadgetConfig, gadgetsCfg GadgetsConfig) (GadgetBundle, error) {
	agg := newGadgetAggregator()
	if len(inline) > 0 {
		agg.addDocument(gadgetDocument{Gadgets: inline}, inlineSourceName)
	}

	files, err := collectGadgetSources(ctx, gadgetsCfg)
	if err != nil {
		return GadgetBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return GadgetBundle{}, ctx.Err()
		default:
		}
		doc, err := loadGadgetDocument(path)
		if err != nil {
			return GadgetBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return GadgetBundle{}, err
	}
	agg.validate(env)
	return agg.bundle(), nil
}

func collectGadgetSources(ctx context.Context, gadgetsCfg GadgetsConfig) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if gadgetsCfg.GadgetsFile != "" {
		if err := ensureFileExists(gadgetsCfg.GadgetsFile); err != nil {
			return nil, err
		}
		return []string{gadgetsCfg.GadgetsFile}, nil
	}
	if gadgetsCfg.GadgetsFolder == "" {
		return nil, nil
	}
	stat, err := os.Stat(gadgetsCfg.GadgetsFolder)
	if err != nil {
		if os.IsNotExist(err) {
			// The default folder is optional; an absent folder simply contributes nothing.
			return nil, nil
		}
		return nil, fmt.Errorf("config: gadgets folder %s: %w", gadgetsCfg.GadgetsFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: gadgets folder %s is not a directory", gadgetsCfg.GadgetsFolder)
	}
	var files []string
	err = filepath.WalkDir(gadgetsCfg.GadgetsFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedGadgetFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk gadgets folder %s: %w", gadgetsCfg.GadgetsFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: gadgets file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: gadgets file %s: expected a file, found directory", path)
	}
	return nil
}

func loadGadgetDocument(path string) (gadgetDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return gadgetDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return gadgetDocument{}, fmt.Errorf("config: load gadgets from %s: %w", path, err)
	}
	var doc gadgetDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return gadgetDocument{}, fmt.Errorf("config: decode gadgets from %s: %w", path, err)
	}
	if doc.Gadgets == nil {
		doc.Gadgets = make(map[string]GadgetConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported gadgets file extension %s", ext)
	}
}

func isSupportedGadgetFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneGadgetMap(in map[string]GadgetConfig) map[string]GadgetConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
