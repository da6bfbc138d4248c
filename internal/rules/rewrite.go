package rules

import "strings"

// Rewrite maps a request path to the path forwarded upstream.
// Implementations must be deterministic and must not panic for any input.
type Rewrite func(path string) string

// StripTrailingSlashes removes every trailing '/' from p.
func StripTrailingSlashes(p string) string {
	return strings.TrimRight(p, "/")
}

// JSONFixture adapts an API path to a backend serving one static JSON file
// per resource: "/api/items/" and "/api/items" both become "/api/items.json".
func JSONFixture(p string) string {
	return StripTrailingSlashes(p) + ".json"
}

// StripPrefix returns a Rewrite that removes prefix from the start of the path.
// A path reduced to nothing is forwarded as "/".
func StripPrefix(prefix string) Rewrite {
	return func(p string) string {
		p = strings.TrimPrefix(p, prefix)
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		return p
	}
}
