package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rathix/devproxy/internal/rules"
)

// Load reads and parses a YAML configuration file at path.
// If path is empty, does not exist, or the file is blank, it returns the
// built-in Default config with no errors.
// If the YAML is malformed, it returns nil config with a parse error.
// For validation errors, it returns a valid config with invalid proxy entries
// stripped plus errors describing what was removed.
func Load(path string) (*Config, []error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, []error{fmt.Errorf("failed to read config file: %w", err)}
	}
	return Parse(data)
}

// Parse decodes and validates YAML config bytes. See Load.
func Parse(data []byte) (*Config, []error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, []error{fmt.Errorf("failed to parse config YAML: %w", err)}
	}

	// A file that declares no proxy rules at all keeps the built-in ones.
	if cfg.Server.Proxy == nil && cfg.Profiles == nil {
		def := Default()
		cfg.Server.Proxy = def.Server.Proxy
		cfg.Profiles = def.Profiles
		if cfg.DefaultProfile == "" {
			cfg.DefaultProfile = def.DefaultProfile
		}
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Server.Root == "" {
		cfg.Server.Root = DefaultRoot
	}

	var validationErrors []error

	if cfg.Server.Assets != "" {
		if _, err := parseTarget(cfg.Server.Assets, false); err != nil {
			validationErrors = append(validationErrors, fmt.Errorf("server.assets: %w", err))
			cfg.Server.Assets = ""
		}
	}

	var errs []error
	cfg.Server.Proxy, errs = validateProxy("server.proxy", cfg.Server.Proxy)
	validationErrors = append(validationErrors, errs...)

	for _, name := range profileNames(cfg.Profiles) {
		p := cfg.Profiles[name]
		p.Proxy, errs = validateProxy(fmt.Sprintf("profiles.%s.proxy", name), p.Proxy)
		validationErrors = append(validationErrors, errs...)
		cfg.Profiles[name] = p
	}

	if cfg.DefaultProfile != "" {
		if _, ok := cfg.Profiles[cfg.DefaultProfile]; !ok {
			validationErrors = append(validationErrors, fmt.Errorf("defaultProfile: unknown profile %q", cfg.DefaultProfile))
			cfg.DefaultProfile = ""
		}
	}

	return &cfg, validationErrors
}

func validateProxy(field string, entries ProxyTable) (ProxyTable, []error) {
	if entries == nil {
		return nil, nil
	}
	var errs []error
	valid := make(ProxyTable, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		loc := fmt.Sprintf("%s[%s]", field, e.Prefix)
		if !strings.HasPrefix(e.Prefix, "/") {
			errs = append(errs, fmt.Errorf("%s: prefix must start with '/'", loc))
			continue
		}
		if _, dup := seen[e.Prefix]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate prefix", loc))
			continue
		}
		if strings.TrimSpace(e.Target) == "" {
			errs = append(errs, fmt.Errorf("%s.target: required field missing", loc))
			continue
		}
		if _, err := parseTarget(e.Target, true); err != nil {
			errs = append(errs, fmt.Errorf("%s.target: %w", loc, err))
			continue
		}
		if _, err := rewriteFor(e); err != nil {
			errs = append(errs, fmt.Errorf("%s.rewrite: %w", loc, err))
			continue
		}
		seen[e.Prefix] = struct{}{}
		valid = append(valid, e)
	}
	return valid, errs
}

func parseTarget(raw string, allowWS bool) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("URL %q must be absolute (scheme://host)", raw)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws", "wss":
		if !allowWS {
			return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u, nil
}

func rewriteFor(e ProxyEntry) (rules.Rewrite, error) {
	switch e.Rewrite {
	case RewriteNone:
		return nil, nil
	case RewriteJSONFixture:
		return rules.JSONFixture, nil
	case RewriteStripPrefix:
		return rules.StripPrefix(e.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown rewrite %q (want %q or %q)", e.Rewrite, RewriteJSONFixture, RewriteStripPrefix)
	}
}

// Entries returns the proxy entries in effect for profile: server.proxy with
// the profile's entries layered on top. A profile entry replaces the base
// entry with the same prefix in place; new prefixes are appended. An empty
// profile name selects DefaultProfile, and no profile at all when that is
// empty too.
func (c *Config) Entries(profile string) (ProxyTable, error) {
	if profile == "" {
		profile = c.DefaultProfile
	}
	merged := make(ProxyTable, len(c.Server.Proxy))
	copy(merged, c.Server.Proxy)
	if profile == "" {
		return merged, nil
	}
	p, ok := c.Profiles[profile]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q (available: %s)", profile, strings.Join(profileNames(c.Profiles), ", "))
	}
	for _, e := range p.Proxy {
		replaced := false
		for i := range merged {
			if merged[i].Prefix == e.Prefix {
				merged[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, e)
		}
	}
	return merged, nil
}

// Table builds the immutable rule table for profile. See Entries.
func (c *Config) Table(profile string) (*rules.Table, error) {
	entries, err := c.Entries(profile)
	if err != nil {
		return nil, err
	}
	rs := make([]rules.Rule, 0, len(entries))
	for _, e := range entries {
		target, err := parseTarget(e.Target, true)
		if err != nil {
			return nil, fmt.Errorf("proxy %s: %w", e.Prefix, err)
		}
		rw, err := rewriteFor(e)
		if err != nil {
			return nil, fmt.Errorf("proxy %s: %w", e.Prefix, err)
		}
		rs = append(rs, rules.Rule{
			Prefix:       e.Prefix,
			Target:       target,
			Rewrite:      rw,
			WS:           e.WS,
			ChangeOrigin: e.ChangeOrigin,
		})
	}
	return rules.NewTable(rs...)
}

// ResolvedProfile returns the profile name Table would apply for profile.
func (c *Config) ResolvedProfile(profile string) string {
	if profile == "" {
		return c.DefaultProfile
	}
	return profile
}

func profileNames(profiles map[string]Profile) []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
