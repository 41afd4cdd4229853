// ABOUTME: Tests for URI template compilation and placeholder capture.
// ABOUTME: Placeholders match single path segments; literals are escaped.

package capability

import "testing"

func TestTemplateCapture(t *testing.T) {
	m, err := CompileTemplate("weather://forecast/{city}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	params, ok := m.Match("weather://forecast/Tokyo")
	if !ok {
		t.Fatal("expected match")
	}
	if params["city"] != "Tokyo" {
		t.Errorf("expected city=Tokyo, got %q", params["city"])
	}
}

func TestTemplateSingleSegmentOnly(t *testing.T) {
	m, err := CompileTemplate("weather://forecast/{city}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := m.Match("weather://forecast/Tokyo/tomorrow"); ok {
		t.Error("placeholder must not span path segments")
	}
	if _, ok := m.Match("weather://forecast/"); ok {
		t.Error("placeholder must not match empty segment")
	}
}

func TestTemplateMultiplePlaceholders(t *testing.T) {
	m, err := CompileTemplate("db://tables/{table}/rows/{id}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	params, ok := m.Match("db://tables/users/rows/42")
	if !ok {
		t.Fatal("expected match")
	}
	if params["table"] != "users" || params["id"] != "42" {
		t.Errorf("unexpected captures: %v", params)
	}
}

func TestTemplateLiteralEscaping(t *testing.T) {
	// Dots in the literal part must not act as regexp wildcards.
	m, err := CompileTemplate("file://{name}.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := m.Match("file://notesXtxt"); ok {
		t.Error("dot matched as wildcard")
	}
	params, ok := m.Match("file://notes.txt")
	if !ok {
		t.Fatal("expected match")
	}
	if params["name"] != "notes" {
		t.Errorf("expected name=notes, got %q", params["name"])
	}
}

func TestTemplateWithoutPlaceholders(t *testing.T) {
	if _, err := CompileTemplate("weather://forecast/static"); err == nil {
		t.Error("expected error for template without placeholders")
	}
}
