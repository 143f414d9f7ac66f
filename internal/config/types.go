package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds every server-level option plus the gadget definitions once they are loaded.
type Config struct {
	Server  ServerConfig            `koanf:"server"`
	Gadgets map[string]GadgetConfig `koanf:"gadgets"`

	InlineGadgets map[string]GadgetConfig `koanf:"-"`

	// GadgetSources records which files contributed gadget definitions once the
	// loader resolves the configured sources.
	GadgetSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid definitions the
	// loader intentionally disabled so health checks can report them.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs of the render service.
type ServerConfig struct {
	Listen     ListenConfig      `koanf:"listen"`
	Logging    LoggingConfig     `koanf:"logging"`
	Render     RenderConfig      `koanf:"render"`
	Gadgets    GadgetsConfig     `koanf:"gadgets"`
	Templates  TemplatesConfig   `koanf:"templates"`
	Versioning VersioningConfig  `koanf:"versioning"`
	Fetch      FetchConfig       `koanf:"fetch"`
	Cache      ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, correlation ID wiring and optional file output.
type LoggingConfig struct {
	Level             string            `koanf:"level"`
	Format            string            `koanf:"format"`
	CorrelationHeader string            `koanf:"correlationHeader"`
	File              LoggingFileConfig `koanf:"file"`
}

// LoggingFileConfig enables a rotating log file next to stdout.
type LoggingFileConfig struct {
	Path       string `koanf:"path"`
	MaxSizeMB  int    `koanf:"maxSizeMB"`
	MaxBackups int    `koanf:"maxBackups"`
	Compress   bool   `koanf:"compress"`
}

// RenderConfig drives the render endpoint and its cache policy.
type RenderConfig struct {
	Path              string `koanf:"path"`
	LoopHeader        string `koanf:"loopHeader"`
	DefaultTTLSeconds int    `koanf:"defaultTTLSeconds"`
	ForeverTTLSeconds int    `koanf:"foreverTTLSeconds"`
	MaxRefreshSeconds int    `koanf:"maxRefreshSeconds"`
	SharedCaching     bool   `koanf:"sharedCaching"`
}

// GadgetsConfig announces how gadget definition documents are sourced.
type GadgetsConfig struct {
	GadgetsFolder string `koanf:"gadgetsFolder"`
	GadgetsFile   string `koanf:"gadgetsFile"`
}

// TemplatesConfig captures the template sandbox root.
type TemplatesConfig struct {
	TemplatesFolder string `koanf:"templatesFolder"`
}

// VersioningConfig salts the checksum versions embedded in iframe URLs.
type VersioningConfig struct {
	KeySalt string `koanf:"keySalt"`
}

// FetchConfig controls retrieval of gadget specs that are not registered locally.
type FetchConfig struct {
	Enabled        bool     `koanf:"enabled"`
	TimeoutSeconds int      `koanf:"timeoutSeconds"`
	MaxBodyBytes   int64    `koanf:"maxBodyBytes"`
	AllowedHosts   []string `koanf:"allowedHosts"`
}

// ServerCacheConfig selects the store for fetched gadget specs. MaxTTLSeconds
// caps lifetimes advertised by upstream Cache-Control headers.
type ServerCacheConfig struct {
	Backend       string                 `koanf:"backend"`
	TTLSeconds    int                    `koanf:"ttlSeconds"`
	MaxTTLSeconds int                    `koanf:"maxTTLSeconds"`
	KeyPrefix     string                 `koanf:"keyPrefix"`
	PurgeEnabled  bool                   `koanf:"purgeEnabled"`
	Redis         ServerRedisCacheConfig `koanf:"redis"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// DefinitionSkip describes a gadget definition the loader intentionally ignored
// because it violated invariants (for example a duplicate URL across files).
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// GadgetConfig describes one locally registered gadget. The URL is the identity
// clients pass in the render request's url parameter.
type GadgetConfig struct {
	URL         string                      `koanf:"url"`
	Title       string                      `koanf:"title"`
	Description string                      `koanf:"description"`
	Allow       string                      `koanf:"allow"`
	Views       map[string]GadgetViewConfig `koanf:"views"`
}

// GadgetViewConfig is a single view of a gadget: inline or file-backed markup for
// html views, a target for url views.
type GadgetViewConfig struct {
	Type        string `koanf:"type"`
	Content     string `koanf:"content"`
	ContentFile string `koanf:"contentFile"`
	Href        string `koanf:"href"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Gadgets.GadgetsFolder != "" && c.Server.Gadgets.GadgetsFile != "" {
		return errors.New("config: gadgetsFolder and gadgetsFile are mutually exclusive")
	}
	if !strings.HasPrefix(c.Server.Render.Path, "/") {
		return fmt.Errorf("config: server.render.path must start with /: %q", c.Server.Render.Path)
	}
	if strings.TrimSpace(c.Server.Render.LoopHeader) == "" {
		return errors.New("config: server.render.loopHeader required")
	}
	if c.Server.Render.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("config: server.render.defaultTTLSeconds invalid: %d", c.Server.Render.DefaultTTLSeconds)
	}
	if c.Server.Render.ForeverTTLSeconds <= 0 {
		return fmt.Errorf("config: server.render.foreverTTLSeconds invalid: %d", c.Server.Render.ForeverTTLSeconds)
	}
	if c.Server.Render.MaxRefreshSeconds < 0 {
		return fmt.Errorf("config: server.render.maxRefreshSeconds invalid: %d", c.Server.Render.MaxRefreshSeconds)
	}
	if c.Server.Fetch.TimeoutSeconds < 0 {
		return fmt.Errorf("config: server.fetch.timeoutSeconds invalid: %d", c.Server.Fetch.TimeoutSeconds)
	}
	if c.Server.Fetch.MaxBodyBytes < 0 {
		return fmt.Errorf("config: server.fetch.maxBodyBytes invalid: %d", c.Server.Fetch.MaxBodyBytes)
	}
	if c.Server.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.ttlSeconds invalid: %d", c.Server.Cache.TTLSeconds)
	}
	if c.Server.Cache.MaxTTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.maxTTLSeconds invalid: %d", c.Server.Cache.MaxTTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
				File: LoggingFileConfig{
					MaxSizeMB:  100,
					MaxBackups: 3,
				},
			},
			Render: RenderConfig{
				Path:              "/gadgets/ifr",
				LoopHeader:        "X-shindig-dos",
				DefaultTTLSeconds: 300,
				ForeverTTLSeconds: 365 * 24 * 60 * 60,
			},
			Gadgets: GadgetsConfig{
				GadgetsFolder: "./gadgets",
			},
			Templates: TemplatesConfig{
				TemplatesFolder: "./templates",
			},
			Fetch: FetchConfig{
				TimeoutSeconds: 10,
				MaxBodyBytes:   1 << 20,
			},
			Cache: ServerCacheConfig{
				Backend:    "memory",
				TTLSeconds:    300,
				MaxTTLSeconds: 3600,
				KeyPrefix:     "gadgetrender:spec:v1:",
			},
		},
	}
}

