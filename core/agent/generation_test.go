package agent

import (
	"strings"
	"testing"
)

func TestParseGenerationPlainJSON(t *testing.T) {
	gen := ParseGeneration(`{"title":"Todo app","summary":"A todo list","files":{"app/page.tsx":"export default"}}`)
	if gen.Title != "Todo app" || len(gen.Files) != 1 {
		t.Fatalf("unexpected generation: %+v", gen)
	}
}

func TestParseGenerationFencedJSON(t *testing.T) {
	resp := "Here you go:\n```json\n{\"title\":\"Blog\",\"summary\":\"s\",\"files\":{\"a.tsx\":\"x\"}}\n```\nDone."
	gen := ParseGeneration(resp)
	if gen.Title != "Blog" || gen.Files["a.tsx"] != "x" {
		t.Fatalf("unexpected generation: %+v", gen)
	}
}

func TestParseGenerationRawTextFallback(t *testing.T) {
	gen := ParseGeneration("I could not produce files for this request.")
	if gen.Title != "Generated fragment" {
		t.Fatalf("expected default title, got %q", gen.Title)
	}
	if len(gen.Files) != 0 {
		t.Fatalf("expected no files")
	}
	if !strings.Contains(gen.Summary, "could not produce") {
		t.Fatalf("expected summary fallback, got %q", gen.Summary)
	}
}

func TestParseGenerationEmptyTitleDefaulted(t *testing.T) {
	gen := ParseGeneration(`{"summary":"built it","files":{"a":"b"}}`)
	if gen.Title != "Generated fragment" {
		t.Fatalf("expected default title, got %q", gen.Title)
	}
}
