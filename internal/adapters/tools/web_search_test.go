package tools

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

const searchFixture = `
<html><body>
<div class="results">
  <div class="result results_links">
    <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc%2F&amp;rut=abc">Go Documentation</a>
    <a class="result__snippet" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc%2F">Official Go documentation and tutorials.</a>
  </div>
  <div class="result results_links">
    <a class="result__a" href="https://pkg.go.dev/std">Standard library</a>
    <a class="result__snippet" href="https://pkg.go.dev/std">Package index for the Go standard library.</a>
  </div>
  <div class="result results_links">
    <a class="result__a" href="https://duckduckgo.com/settings">Settings</a>
  </div>
  <div class="result results_links">
    <a class="result__a" href="https://example.com/three">Third result</a>
  </div>
</div>
</body></html>`

func fixtureDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("failed to parse fixture: %v", err)
	}
	return doc
}

func TestParseSearchResults(t *testing.T) {
	doc := fixtureDoc(t, searchFixture)

	results := parseSearchResults(doc, 10)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d: %+v", len(results), results)
	}

	if results[0].URL != "https://go.dev/doc/" {
		t.Errorf("redirect link not unwrapped: %s", results[0].URL)
	}
	if results[0].Title != "Go Documentation" {
		t.Errorf("Title = %q", results[0].Title)
	}
	if !strings.Contains(results[0].Snippet, "Official Go documentation") {
		t.Errorf("Snippet = %q", results[0].Snippet)
	}

	if results[1].URL != "https://pkg.go.dev/std" {
		t.Errorf("direct link mangled: %s", results[1].URL)
	}

	// The duckduckgo-internal settings link is skipped entirely.
	for _, r := range results {
		if strings.Contains(r.URL, "duckduckgo.com") {
			t.Errorf("internal link leaked into results: %s", r.URL)
		}
	}
}

func TestParseSearchResults_Limit(t *testing.T) {
	doc := fixtureDoc(t, searchFixture)

	results := parseSearchResults(doc, 1)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestResolveDuckDuckGoURL(t *testing.T) {
	tests := []struct {
		name string
		href string
		want string
	}{
		{"direct https", "https://example.com/page", "https://example.com/page"},
		{"protocol relative redirect", "//duckduckgo.com/l/?uddg=" + url.QueryEscape("https://example.com/a b"), "https://example.com/a%20b"},
		{"internal without target", "https://duckduckgo.com/settings", ""},
		{"javascript scheme", "javascript:void(0)", ""},
		{"relative path", "/html/?q=next", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveDuckDuckGoURL(tt.href); got != tt.want {
				t.Errorf("resolveDuckDuckGoURL(%q) = %q, want %q", tt.href, got, tt.want)
			}
		})
	}
}

func TestWebSearchTool_Validation(t *testing.T) {
	tool := NewWebSearchTool()

	t.Run("requires query", func(t *testing.T) {
		if _, err := tool.Execute(context.Background(), map[string]any{}); err == nil {
			t.Error("expected error for missing query")
		}
	})

	t.Run("rejects very long query", func(t *testing.T) {
		long := strings.Repeat("q", 501)
		if _, err := tool.Execute(context.Background(), map[string]any{"query": long}); err == nil {
			t.Error("expected error for oversized query")
		}
	})
}
