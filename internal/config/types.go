package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration parsed from the YAML config file.
type Config struct {
	// Plugins names build-time transform plugins registered with the bundler.
	// They are carried through for reporting only and never interpreted.
	Plugins []string     `yaml:"plugins" json:"plugins"`
	Server  ServerConfig `yaml:"server"  json:"server"`
	// DefaultProfile is applied when no profile is selected at startup.
	DefaultProfile string             `yaml:"defaultProfile" json:"defaultProfile"`
	Profiles       map[string]Profile `yaml:"profiles"       json:"profiles"`
}

// ServerConfig configures the development server and its base proxy rules.
type ServerConfig struct {
	Listen string     `yaml:"listen" json:"listen"`
	Root   string     `yaml:"root"   json:"root"`
	Assets string     `yaml:"assets" json:"assets"`
	HTTPS  bool       `yaml:"https"  json:"https"`
	Proxy  ProxyTable `yaml:"proxy"  json:"proxy"`
}

// Profile is a named set of proxy entries layered over server.proxy.
type Profile struct {
	Proxy ProxyTable `yaml:"proxy" json:"proxy"`
}

// ProxyEntry is one server.proxy value. In YAML it is either a plain target
// URL string or a mapping with target, rewrite, ws and changeOrigin keys.
type ProxyEntry struct {
	Prefix       string `yaml:"-"            json:"prefix"`
	Target       string `yaml:"target"       json:"target"`
	Rewrite      string `yaml:"rewrite"      json:"rewrite,omitempty"`
	WS           bool   `yaml:"ws"           json:"ws,omitempty"`
	ChangeOrigin bool   `yaml:"changeOrigin" json:"changeOrigin,omitempty"`
}

// ProxyTable is an ordered server.proxy mapping. Declaration order is kept
// because the first matching prefix wins.
type ProxyTable []ProxyEntry

// UnmarshalYAML decodes a mapping of prefix to entry, preserving key order.
func (t *ProxyTable) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: proxy must be a mapping of path prefix to target", node.Line)
	}
	out := make(ProxyTable, 0, len(node.Content)/2)
	seen := make(map[string]struct{}, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if _, dup := seen[key.Value]; dup {
			return fmt.Errorf("line %d: duplicate proxy prefix %q", key.Line, key.Value)
		}
		seen[key.Value] = struct{}{}
		var entry ProxyEntry
		switch val.Kind {
		case yaml.ScalarNode:
			entry.Target = val.Value
		case yaml.MappingNode:
			if err := val.Decode(&entry); err != nil {
				return fmt.Errorf("proxy %q: %w", key.Value, err)
			}
		default:
			return fmt.Errorf("line %d: proxy %q must be a target URL or a mapping", val.Line, key.Value)
		}
		entry.Prefix = key.Value
		out = append(out, entry)
	}
	*t = out
	return nil
}

// Lookup returns the entry for prefix.
func (t ProxyTable) Lookup(prefix string) (ProxyEntry, bool) {
	for _, e := range t {
		if e.Prefix == prefix {
			return e, true
		}
	}
	return ProxyEntry{}, false
}

// Rewrite names accepted in proxy entries.
const (
	RewriteNone        = ""
	RewriteJSONFixture = "json-fixture"
	RewriteStripPrefix = "strip-prefix"
)

// Built-in profile names.
const (
	ProfileFixtures = "fixtures"
	ProfileServer   = "server"
)

// Defaults observed for the local backends.
const (
	DefaultListen    = ":5173"
	DefaultRoot      = "public"
	DefaultAPITarget = "http://localhost:8000"
	DefaultWSTarget  = "ws://localhost:8001"
	DefaultProfile   = ProfileFixtures
)

// Default returns the built-in configuration used when no config file is
// present: /api to the HTTP backend, /ws to the WebSocket backend, and two
// profiles selecting whether /api is served from JSON fixtures or by the
// real server.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: DefaultListen,
			Root:   DefaultRoot,
			Proxy: ProxyTable{
				{Prefix: "/api", Target: DefaultAPITarget},
				{Prefix: "/ws", Target: DefaultWSTarget, WS: true},
			},
		},
		Profiles: map[string]Profile{
			ProfileFixtures: {Proxy: ProxyTable{
				{Prefix: "/api", Target: DefaultAPITarget, Rewrite: RewriteJSONFixture},
			}},
			ProfileServer: {Proxy: ProxyTable{
				{Prefix: "/api", Target: DefaultAPITarget},
			}},
		},
		DefaultProfile: DefaultProfile,
	}
}
