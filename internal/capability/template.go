// ABOUTME: URI template matching for parameterized resources.
// ABOUTME: {name} placeholders become single-path-segment captures.

package capability

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// TemplateMatcher tests concrete URIs against one uriTemplate and extracts
// placeholder values on match.
type TemplateMatcher struct {
	template string
	re       *regexp.Regexp
	names    []string
}

// CompileTemplate converts a uriTemplate like "weather://forecast/{city}"
// into a matcher. Each {name} placeholder matches exactly one path segment.
func CompileTemplate(template string) (*TemplateMatcher, error) {
	idxs := placeholderRe.FindAllStringSubmatchIndex(template, -1)
	if len(idxs) == 0 {
		return nil, fmt.Errorf("template %q has no placeholders", template)
	}

	var pattern strings.Builder
	pattern.WriteString("^")
	var names []string
	last := 0
	for _, m := range idxs {
		pattern.WriteString(regexp.QuoteMeta(template[last:m[0]]))
		pattern.WriteString(`([^/]+)`)
		names = append(names, template[m[2]:m[3]])
		last = m[1]
	}
	pattern.WriteString(regexp.QuoteMeta(template[last:]))
	pattern.WriteString("$")

	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, fmt.Errorf("compiling template %q: %w", template, err)
	}
	return &TemplateMatcher{template: template, re: re, names: names}, nil
}

// Template returns the original uriTemplate string.
func (m *TemplateMatcher) Template() string { return m.template }

// Match tests a URI against the template. On success it returns the captured
// placeholder values keyed by placeholder name.
func (m *TemplateMatcher) Match(uri string) (map[string]string, bool) {
	groups := m.re.FindStringSubmatch(uri)
	if groups == nil {
		return nil, false
	}
	params := make(map[string]string, len(m.names))
	for i, name := range m.names {
		params[name] = groups[i+1]
	}
	return params, true
}
