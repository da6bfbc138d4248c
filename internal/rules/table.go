package rules

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
)

// Rule forwards requests whose path starts with Prefix to Target.
type Rule struct {
	Prefix string
	Target *url.URL
	// Rewrite is applied to the request path before forwarding. Nil means
	// the path is forwarded unchanged.
	Rewrite Rewrite
	// WS marks the target as a WebSocket backend: upgrade requests are
	// forwarded and the connection is flagged for upgrade.
	WS bool
	// ChangeOrigin sends the target host as the Host header upstream.
	ChangeOrigin bool
}

// Resolution is the forwarding decision for a single request path.
type Resolution struct {
	Rule        Rule
	Path        string
	Destination *url.URL
	Upgrade     bool
}

// Table is an ordered, immutable set of proxy rules. Resolve is safe for
// concurrent use.
type Table struct {
	rules []Rule
}

// NewTable validates rules and returns a table that preserves their order.
func NewTable(rules ...Rule) (*Table, error) {
	seen := make(map[string]struct{}, len(rules))
	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if r.Prefix == "" || !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("rule %d: prefix %q must start with '/'", i, r.Prefix)
		}
		if _, dup := seen[r.Prefix]; dup {
			return nil, fmt.Errorf("rule %d: duplicate prefix %q", i, r.Prefix)
		}
		if r.Target == nil {
			return nil, fmt.Errorf("rule %d (%s): target is required", i, r.Prefix)
		}
		if !r.Target.IsAbs() || r.Target.Host == "" {
			return nil, fmt.Errorf("rule %d (%s): target %q must be absolute (scheme://host)", i, r.Prefix, r.Target)
		}
		seen[r.Prefix] = struct{}{}
		t := *r.Target
		r.Target = &t
		out = append(out, r)
	}
	return &Table{rules: out}, nil
}

// Resolve returns the forwarding decision for path. Rules are tried in
// declaration order and the first rule whose prefix matches wins. The
// boolean is false when no rule matches and the request should be served
// by the default handler.
func (t *Table) Resolve(path string) (Resolution, bool) {
	if t == nil {
		return Resolution{}, false
	}
	for _, r := range t.rules {
		if !strings.HasPrefix(path, r.Prefix) {
			continue
		}
		forwarded := path
		if r.Rewrite != nil {
			forwarded = r.Rewrite(path)
		}
		dest := &url.URL{
			Scheme: r.Target.Scheme,
			User:   r.Target.User,
			Host:   r.Target.Host,
			Path:   joinPath(r.Target.Path, forwarded),
		}
		return Resolution{
			Rule:        r,
			Path:        forwarded,
			Destination: dest,
			Upgrade:     r.WS,
		}, true
	}
	return Resolution{}, false
}

// Rules returns a copy of the table's rules in declaration order.
func (t *Table) Rules() []Rule {
	if t == nil {
		return nil
	}
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Len returns the number of rules.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

func joinPath(base, p string) string {
	base = strings.TrimRight(base, "/")
	if p == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}

// Holder publishes the active Table. A reload builds a new Table and swaps
// it in; tables already handed out are never mutated.
type Holder struct {
	p atomic.Pointer[Table]
}

// NewHolder returns a Holder publishing t.
func NewHolder(t *Table) *Holder {
	h := &Holder{}
	h.Store(t)
	return h
}

// Load returns the active table, or nil if none has been stored.
func (h *Holder) Load() *Table {
	return h.p.Load()
}

// Store replaces the active table.
func (h *Holder) Store(t *Table) {
	h.p.Store(t)
}
