// Package config handles loading and validating freechat configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultTypingDelay paces character appends in the chat client when
// client.typing_delay is not set.
const DefaultTypingDelay = 15 * time.Millisecond

// envPrefix is the prefix for environment variable overrides:
// FREECHAT_SERVER_PORT -> server.port.
const envPrefix = "FREECHAT_"

// Delta modes for identifier-threaded upstreams.
const (
	DeltaIncremental = "incremental"
	DeltaCumulative  = "cumulative"
)

// Config is the top-level configuration for the gateway and the chat client.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Log       LogConfig                 `koanf:"log"`
	Upstream  UpstreamConfig            `koanf:"upstream"`
	Client    ClientConfig              `koanf:"client"`
	Providers map[string]ProviderConfig `koanf:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// StreamBuffer is the capacity of the channel between the upstream
	// reader and the response writer, in deltas.
	StreamBuffer int `koanf:"stream_buffer"`

	// MaxFrame caps a single upstream frame (line) in bytes.
	MaxFrame int `koanf:"max_frame"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text or json
}

// UpstreamConfig holds settings shared by every provider adapter.
type UpstreamConfig struct {
	// Timeout bounds connection setup and response headers. It never
	// bounds the body, since answers stream for as long as they need.
	Timeout time.Duration `koanf:"timeout"`

	// UserAgents is the pool random user agents are drawn from.
	UserAgents []string `koanf:"user_agents"`
}

// ClientConfig configures the terminal chat client.
type ClientConfig struct {
	GatewayURL      string        `koanf:"gateway_url"`
	DefaultProvider string        `koanf:"default_provider"`
	TypingDelay     time.Duration `koanf:"typing_delay"`

	// Timeout bounds the gateway's response headers. Like
	// upstream.timeout it never cuts off a streaming answer.
	Timeout time.Duration `koanf:"timeout"`
}

// ProviderConfig holds the settings for a single upstream.
type ProviderConfig struct {
	BaseURL string `koanf:"base_url"`
	Label   string `koanf:"label"`

	// Enabled is a pointer so an absent key can default to true.
	Enabled *bool `koanf:"enabled"`

	// FrameMarker splits upstream frames when the body carries no line
	// delimiters. Only used by identifier-threaded upstreams.
	FrameMarker string `koanf:"frame_marker"`

	// DeltaMode is "incremental" or "cumulative".
	DeltaMode string `koanf:"delta_mode"`

	TLS TLSProfile `koanf:"tls"`
}

// IsEnabled reports whether the provider should be offered to users.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// TLSProfile describes the ClientHello a browser-fingerprinted adapter
// sends. Names follow the IANA / OpenSSL spelling, e.g.
// "TLS_AES_128_GCM_SHA256" and "ecdsa_secp256r1_sha256". Unset fields,
// including Grease and Padding, keep the built-in browser's value.
type TLSProfile struct {
	Ciphers             []string `koanf:"ciphers"`
	SignatureAlgorithms []string `koanf:"signature_algorithms"`
	Curves              []string `koanf:"curves"`
	ALPN                []string `koanf:"alpn"`
	MinVersion          string   `koanf:"min_version"`
	MaxVersion          string   `koanf:"max_version"`
	Grease              *bool    `koanf:"grease"`
	Padding             *bool    `koanf:"padding"`
}

// IsZero reports whether no profile was configured.
func (t TLSProfile) IsZero() bool {
	return len(t.Ciphers) == 0 && len(t.SignatureAlgorithms) == 0 &&
		len(t.Curves) == 0 && len(t.ALPN) == 0 &&
		t.MinVersion == "" && t.MaxVersion == "" &&
		t.Grease == nil && t.Padding == nil
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// FREECHAT_CLIENT_GATEWAY_URL would split into client.gateway.url, so
	// only the first underscore after the section name becomes a dot.
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in provider base URLs.
	for name, p := range cfg.Providers {
		p.BaseURL = expand(p.BaseURL)
		cfg.Providers[name] = p
	}
	cfg.Client.GatewayURL = expand(cfg.Client.GatewayURL)

	// A typing delay of 0 is meaningful (no pacing), so only an absent
	// key gets the default.
	if !k.Exists("client.typing_delay") {
		cfg.Client.TypingDelay = DefaultTypingDelay
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKey maps FREECHAT_SERVER_READ_TIMEOUT to server.read_timeout.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, rest, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + rest
}

func expand(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.StreamBuffer <= 0 {
		c.Server.StreamBuffer = 64
	}
	if c.Server.MaxFrame <= 0 {
		c.Server.MaxFrame = 1 << 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 30 * time.Second
	}
	if len(c.Upstream.UserAgents) == 0 {
		c.Upstream.UserAgents = DefaultUserAgents
	}
	if c.Client.GatewayURL == "" {
		c.Client.GatewayURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = 60 * time.Second
	}
	if c.Client.DefaultProvider == "" {
		c.Client.DefaultProvider = c.firstEnabledProvider()
	}
	for name, p := range c.Providers {
		if p.DeltaMode == "" {
			p.DeltaMode = DeltaIncremental
		}
		if p.Label == "" {
			p.Label = name
		}
		c.Providers[name] = p
	}
}

// firstEnabledProvider picks the alphabetically first enabled provider so
// the choice does not depend on map iteration order.
func (c *Config) firstEnabledProvider() string {
	first := ""
	for name, p := range c.Providers {
		if !p.IsEnabled() {
			continue
		}
		if first == "" || name < first {
			first = name
		}
	}
	return first
}

// Validate checks cross-field constraints that unmarshaling cannot.
func (c *Config) Validate() error {
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", name)
		}
		if p.DeltaMode != DeltaIncremental && p.DeltaMode != DeltaCumulative {
			return fmt.Errorf("provider %q: unknown delta_mode %q", name, p.DeltaMode)
		}
	}
	if c.Client.DefaultProvider != "" && len(c.Providers) > 0 {
		if _, ok := c.Providers[c.Client.DefaultProvider]; !ok {
			return fmt.Errorf("client.default_provider %q is not a configured provider", c.Client.DefaultProvider)
		}
	}
	return nil
}

// DefaultUserAgents is used when upstream.user_agents is empty.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:108.0) Gecko/20100101 Firefox/108.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.2 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36 Edg/108.0.1462.46",
}
