package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envCanonicalKeys maps lowercased env-derived paths back to their camelCase koanf keys.
var envCanonicalKeys = map[string]string{
	"server.logging.correlationheader":  "server.logging.correlationHeader",
	"server.logging.file.maxsizemb":     "server.logging.file.maxSizeMB",
	"server.logging.file.maxbackups":    "server.logging.file.maxBackups",
	"server.render.loopheader":          "server.render.loopHeader",
	"server.render.defaultttlseconds":   "server.render.defaultTTLSeconds",
	"server.render.foreverttlseconds":   "server.render.foreverTTLSeconds",
	"server.render.maxrefreshseconds":   "server.render.maxRefreshSeconds",
	"server.render.sharedcaching":       "server.render.sharedCaching",
	"server.gadgets.gadgetsfolder":      "server.gadgets.gadgetsFolder",
	"server.gadgets.gadgetsfile":        "server.gadgets.gadgetsFile",
	"server.templates.templatesfolder":  "server.templates.templatesFolder",
	"server.versioning.keysalt":         "server.versioning.keySalt",
	"server.fetch.timeoutseconds":       "server.fetch.timeoutSeconds",
	"server.fetch.maxbodybytes":         "server.fetch.maxBodyBytes",
	"server.fetch.allowedhosts":         "server.fetch.allowedHosts",
	"server.cache.ttlseconds":           "server.cache.ttlSeconds",
	"server.cache.maxttlseconds":        "server.cache.maxTTLSeconds",
	"server.cache.keyprefix":            "server.cache.keyPrefix",
	"server.cache.purgeenabled":         "server.cache.purgeEnabled",
	"server.cache.redis.tls.cafile":     "server.cache.redis.tls.caFile",
}

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot including the gadget bundle resolved from
// inline definitions and the configured gadget sources.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := envCanonicalKeys[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineGadgets = cloneGadgetMap(cfg.Gadgets)

	bundle, err := buildGadgetBundle(ctx, cfg.InlineGadgets, cfg.Server.Gadgets)
	if err != nil {
		return Config{}, err
	}
	cfg.Gadgets = bundle.Gadgets
	cfg.GadgetSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// Bundle returns the gadget definitions captured by Load as a GadgetBundle.
func (c Config) Bundle() GadgetBundle {
	return GadgetBundle{
		Gadgets: cloneGadgetMap(c.Gadgets),
		Sources: append([]string(nil), c.GadgetSources...),
		Skipped: append([]DefinitionSkip(nil), c.SkippedDefinitions...),
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	s := cfg.Server
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": s.Listen.Address,
				"port":    s.Listen.Port,
			},
			"logging": map[string]any{
				"level":             s.Logging.Level,
				"format":            s.Logging.Format,
				"correlationHeader": s.Logging.CorrelationHeader,
				"file": map[string]any{
					"path":       s.Logging.File.Path,
					"maxSizeMB":  s.Logging.File.MaxSizeMB,
					"maxBackups": s.Logging.File.MaxBackups,
					"compress":   s.Logging.File.Compress,
				},
			},
			"render": map[string]any{
				"path":              s.Render.Path,
				"loopHeader":        s.Render.LoopHeader,
				"defaultTTLSeconds": s.Render.DefaultTTLSeconds,
				"foreverTTLSeconds": s.Render.ForeverTTLSeconds,
				"maxRefreshSeconds": s.Render.MaxRefreshSeconds,
				"sharedCaching":     s.Render.SharedCaching,
			},
			"gadgets": map[string]any{
				"gadgetsFolder": s.Gadgets.GadgetsFolder,
				"gadgetsFile":   s.Gadgets.GadgetsFile,
			},
			"templates": map[string]any{
				"templatesFolder": s.Templates.TemplatesFolder,
			},
			"versioning": map[string]any{
				"keySalt": s.Versioning.KeySalt,
			},
			"fetch": map[string]any{
				"enabled":        s.Fetch.Enabled,
				"timeoutSeconds": s.Fetch.TimeoutSeconds,
				"maxBodyBytes":   s.Fetch.MaxBodyBytes,
				"allowedHosts":   s.Fetch.AllowedHosts,
			},
			"cache": map[string]any{
				"backend":       s.Cache.Backend,
				"ttlSeconds":    s.Cache.TTLSeconds,
				"maxTTLSeconds": s.Cache.MaxTTLSeconds,
				"keyPrefix":     s.Cache.KeyPrefix,
				"purgeEnabled":  s.Cache.PurgeEnabled,
				"redis": map[string]any{
					"address":  s.Cache.Redis.Address,
					"username": s.Cache.Redis.Username,
					"password": s.Cache.Redis.Password,
					"db":       s.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": s.Cache.Redis.TLS.Enabled,
						"caFile":  s.Cache.Redis.TLS.CAFile,
					},
				},
			},
		},
	}
}
