package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	ktoml "github.com/knadh/koanf/parsers/toml"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

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

// Load assembles the effective snapshot using the documented precedence rules.
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
		parser, err := parserForPath(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.relay.apikey":            "server.relay.apiKey",
			"server.relay.boundingbox":       "server.relay.boundingBox",
			"server.relay.eventtypes":        "server.relay.eventTypes",
			"server.relay.reconnectseconds":  "server.relay.reconnectSeconds",
			"server.cache.defaultttlseconds": "server.cache.defaultTtlSeconds",
			"server.cache.nocache":           "server.cache.noCache",
			"server.cache.policyfile":        "server.cache.policyFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
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

	if cfg.Server.Cache.PolicyFile != "" {
		doc, err := LoadPolicy(cfg.Server.Cache.PolicyFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Server.Cache = cfg.Server.Cache.Merge(doc)
	}
	return cfg, nil
}

// LoadPolicy parses a standalone cache policy document. The parser is
// picked by file extension, same as the main configuration file.
func LoadPolicy(path string) (PolicyDocument, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PolicyDocument{}, fmt.Errorf("config: policy file %s not found", path)
		}
		return PolicyDocument{}, fmt.Errorf("config: stat %s: %w", path, err)
	}
	parser, err := parserForPath(path)
	if err != nil {
		return PolicyDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return PolicyDocument{}, fmt.Errorf("config: load policy %s: %w", path, err)
	}
	var doc PolicyDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return PolicyDocument{}, fmt.Errorf("config: unmarshal policy %s: %w", path, err)
	}
	if doc.DefaultTTLSeconds < 0 {
		return PolicyDocument{}, fmt.Errorf("config: policy %s: defaultTtlSeconds must not be negative", path)
	}
	for route, ttl := range doc.Routes {
		if !strings.HasPrefix(route, "/") {
			return PolicyDocument{}, fmt.Errorf("config: policy %s: route %q must start with /", path, route)
		}
		if ttl < 0 {
			return PolicyDocument{}, fmt.Errorf("config: policy %s: route %q has negative ttl", path, route)
		}
	}
	return doc, nil
}

func parserForPath(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return kyaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return ktoml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension on %s", path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"store": map[string]any{
				"url": cfg.Server.Store.URL,
			},
			"relay": map[string]any{
				"endpoint":         cfg.Server.Relay.Endpoint,
				"apiKey":           cfg.Server.Relay.APIKey,
				"boundingBox":      cfg.Server.Relay.BoundingBox,
				"eventTypes":       cfg.Server.Relay.EventTypes,
				"reconnectSeconds": cfg.Server.Relay.ReconnectSeconds,
			},
			"cache": map[string]any{
				"defaultTtlSeconds": cfg.Server.Cache.DefaultTTLSeconds,
				"routes":            cfg.Server.Cache.Routes,
				"noCache":           cfg.Server.Cache.NoCache,
				"policyFile":        cfg.Server.Cache.PolicyFile,
			},
		},
		"routes": cfg.Routes,
	}
}
