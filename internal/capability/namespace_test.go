// ABOUTME: Tests for name sanitization and namespaced identifier round-trips.
// ABOUTME: Covers idempotency, separator safety, and first-separator splitting.

package capability

import "testing"

func TestSanitize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"weather", "weather"},
		{"my-server", "my_server"},
		{"my server v2", "my_server_v2"},
		{"a  b", "a_b"},
		{"a__b", "a_b"},
		{"trailing---", "trailing_"},
		{"über.server", "ber_server"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Sanitize(tc.in); got != tc.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{"weather", "a b.c-d", "x__y", "  ", "fs/local", "npx:@scope/pkg"}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestSanitizeNeverProducesSeparators(t *testing.T) {
	inputs := []string{"a b c", "a  b", "http://host", "a.b.c", "-_-_-"}
	for _, in := range inputs {
		got := Sanitize(in)
		for i := 0; i+1 < len(got); i++ {
			if got[i] == '_' && got[i+1] == '_' {
				t.Errorf("Sanitize(%q) = %q contains reserved sequence __", in, got)
			}
		}
	}
}

func TestToolRoundTrip(t *testing.T) {
	id := JoinTool("weather", "get_forecast")
	server, tool, ok := SplitTool(id)
	if !ok {
		t.Fatalf("SplitTool(%q) failed", id)
	}
	if server != "weather" || tool != "get_forecast" {
		t.Errorf("round trip got (%q, %q)", server, tool)
	}
}

func TestSplitToolFirstSeparatorWins(t *testing.T) {
	// The capability name may legitimately contain '_' but never "__", so the
	// first "__" always belongs to the namespace boundary.
	server, tool, ok := SplitTool("fs__read_file")
	if !ok || server != "fs" || tool != "read_file" {
		t.Errorf("got (%q, %q, %v)", server, tool, ok)
	}
}

func TestSplitToolMalformed(t *testing.T) {
	for _, id := range []string{"noseparator", "__leading", "trailing__", ""} {
		if _, _, ok := SplitTool(id); ok {
			t.Errorf("SplitTool(%q) unexpectedly succeeded", id)
		}
	}
}

func TestResourceRoundTrip(t *testing.T) {
	// The original URI keeps its own scheme; only the first "://" is the
	// namespace boundary.
	id := JoinResource("weather", "weather://forecast/Tokyo")
	server, uri, ok := SplitResource(id)
	if !ok {
		t.Fatalf("SplitResource(%q) failed", id)
	}
	if server != "weather" || uri != "weather://forecast/Tokyo" {
		t.Errorf("round trip got (%q, %q)", server, uri)
	}
}
