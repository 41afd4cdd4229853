// ABOUTME: Namespacing rules for aggregated multi-provider listings.
// ABOUTME: Sanitization plus exact-inverse join/split for tool and resource names.

package capability

import "strings"

// ToolSeparator joins a provider name and a tool or prompt name in an
// aggregated listing. ResourceSeparator does the same for resource URIs.
// Both sequences are reserved: Sanitize guarantees that no provider or
// capability name can contain them, which makes Join*/Split* exact inverses.
const (
	ToolSeparator     = "__"
	ResourceSeparator = "://"
)

// Sanitize maps a provider or capability name into the namespace-safe
// alphabet: every non-alphanumeric rune becomes '_' and runs of '_' collapse
// to a single one. Sanitize is idempotent and never emits the reserved
// separator sequences.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	prevUnderscore := false
	for _, r := range name {
		alnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if alnum {
			b.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	return b.String()
}

// JoinTool composes the namespaced identifier for a tool or prompt.
func JoinTool(server, name string) string {
	return server + ToolSeparator + name
}

// SplitTool splits a namespaced tool or prompt identifier on the first
// separator occurrence. ok is false if the identifier carries no separator.
func SplitTool(id string) (server, name string, ok bool) {
	server, name, ok = strings.Cut(id, ToolSeparator)
	if !ok || server == "" || name == "" {
		return "", "", false
	}
	return server, name, true
}

// JoinResource composes the namespaced identifier for a resource URI.
func JoinResource(server, uri string) string {
	return server + ResourceSeparator + uri
}

// SplitResource splits a namespaced resource identifier on the first "://".
// The remainder is the provider's original URI and may itself contain "://".
func SplitResource(id string) (server, uri string, ok bool) {
	server, uri, ok = strings.Cut(id, ResourceSeparator)
	if !ok || server == "" || uri == "" {
		return "", "", false
	}
	return server, uri, true
}
