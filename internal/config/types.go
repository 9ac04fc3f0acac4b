package config

import (
	"fmt"
	"strings"
)

// Config holds every server-level option plus the proxied route table.
type Config struct {
	Server ServerConfig `koanf:"server"`

	// Routes maps an inbound route path to the upstream URL its fetch
	// handler proxies. TTL policy for these routes lives under
	// server.cache; the two tables are deliberately independent so a
	// route can be added without touching cache policy and vice versa.
	Routes map[string]string `koanf:"routes"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Store   StoreConfig   `koanf:"store"`
	Relay   RelayConfig   `koanf:"relay"`
	Cache   CacheConfig   `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig points at the remote key/value store. An empty URL disables
// the response cache entirely; the gateway then runs as a pass-through.
type StoreConfig struct {
	URL string `koanf:"url"`
}

// RelayConfig describes the upstream real-time feed. Endpoint and APIKey
// must both be present for the relay to start; otherwise the subscriber
// endpoint answers 503 and nothing is dialed.
type RelayConfig struct {
	Endpoint string `koanf:"endpoint"`
	APIKey   string `koanf:"apiKey"`
	// BoundingBox is [west, south, east, north], forwarded verbatim in
	// the upstream subscription message.
	BoundingBox      []float64 `koanf:"boundingBox"`
	EventTypes       []string  `koanf:"eventTypes"`
	ReconnectSeconds int       `koanf:"reconnectSeconds"`
}

// CacheConfig is the route cache policy table: a default TTL, per-prefix
// TTL overrides, and an exact-path no-cache set. PolicyFile optionally
// names a document whose contents override the inline table and is
// watched for changes.
type CacheConfig struct {
	DefaultTTLSeconds int            `koanf:"defaultTtlSeconds"`
	Routes            map[string]int `koanf:"routes"`
	NoCache           []string       `koanf:"noCache"`
	PolicyFile        string         `koanf:"policyFile"`
}

// PolicyDocument is the on-disk shape of a standalone cache policy file.
// Zero-valued fields leave the corresponding inline setting untouched.
type PolicyDocument struct {
	DefaultTTLSeconds int            `koanf:"defaultTtlSeconds"`
	Routes            map[string]int `koanf:"routes"`
	NoCache           []string       `koanf:"noCache"`
}

// DefaultConfig returns the baseline applied before file and env overrides.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging: LoggingConfig{Level: "info", Format: "json"},
			Relay:   RelayConfig{ReconnectSeconds: 5},
			Cache:   CacheConfig{DefaultTTLSeconds: 120},
		},
	}
}

// Validate rejects configurations the runtime cannot act on. Missing store
// or relay settings are not errors: those subsystems degrade gracefully.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	if c.Server.Relay.ReconnectSeconds < 0 {
		return fmt.Errorf("config: relay reconnectSeconds must not be negative")
	}
	if n := len(c.Server.Relay.BoundingBox); n != 0 && n != 4 {
		return fmt.Errorf("config: relay boundingBox needs 4 values [west south east north], got %d", n)
	}
	if c.Server.Cache.DefaultTTLSeconds < 0 {
		return fmt.Errorf("config: cache defaultTtlSeconds must not be negative")
	}
	for route, ttl := range c.Server.Cache.Routes {
		if !strings.HasPrefix(route, "/") {
			return fmt.Errorf("config: cache route %q must start with /", route)
		}
		if ttl < 0 {
			return fmt.Errorf("config: cache route %q has negative ttl", route)
		}
	}
	for _, route := range c.Server.Cache.NoCache {
		if !strings.HasPrefix(route, "/") {
			return fmt.Errorf("config: noCache route %q must start with /", route)
		}
	}
	for route := range c.Routes {
		if !strings.HasPrefix(route, "/") {
			return fmt.Errorf("config: route %q must start with /", route)
		}
	}
	return nil
}

// Merge folds a policy document over the inline cache table. Fields the
// document leaves empty keep their inline values.
func (c CacheConfig) Merge(doc PolicyDocument) CacheConfig {
	out := c
	if doc.DefaultTTLSeconds > 0 {
		out.DefaultTTLSeconds = doc.DefaultTTLSeconds
	}
	if len(doc.Routes) > 0 {
		out.Routes = make(map[string]int, len(doc.Routes))
		for route, ttl := range doc.Routes {
			out.Routes[route] = ttl
		}
	}
	if len(doc.NoCache) > 0 {
		out.NoCache = append([]string(nil), doc.NoCache...)
	}
	return out
}
