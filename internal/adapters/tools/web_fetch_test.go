package tools

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebFetchRawTool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("X-Method", r.Method)
			w.Header().Set("X-Custom", r.Header.Get("X-Custom"))
			w.Write(body)
		case "/redirect":
			http.Redirect(w, r, "/final", http.StatusFound)
		case "/final":
			w.Write([]byte("landed"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	tool := NewWebFetchRawTool()

	t.Run("fetches with method body and headers", func(t *testing.T) {
		result, err := tool.Execute(context.Background(), map[string]any{
			"url":    server.URL + "/echo",
			"method": "post",
			"body":   `{"k":"v"}`,
			"headers": map[string]any{
				"X-Custom": "yes",
			},
		})
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		raw, ok := result.(WebFetchRawResult)
		if !ok {
			t.Fatalf("result type = %T", result)
		}
		if raw.StatusCode != http.StatusOK {
			t.Errorf("StatusCode = %d", raw.StatusCode)
		}
		if raw.Body != `{"k":"v"}` {
			t.Errorf("Body = %q", raw.Body)
		}
		if raw.Headers["X-Method"] != "POST" {
			t.Errorf("method header = %q", raw.Headers["X-Method"])
		}
		if raw.Headers["X-Custom"] != "yes" {
			t.Errorf("custom header not forwarded: %q", raw.Headers["X-Custom"])
		}
	})

	t.Run("follows redirects by default", func(t *testing.T) {
		result, err := tool.Execute(context.Background(), map[string]any{"url": server.URL + "/redirect"})
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		raw := result.(WebFetchRawResult)
		if raw.Body != "landed" {
			t.Errorf("Body = %q", raw.Body)
		}
	})

	t.Run("can stop at redirects", func(t *testing.T) {
		result, err := tool.Execute(context.Background(), map[string]any{
			"url":              server.URL + "/redirect",
			"follow_redirects": false,
		})
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		raw := result.(WebFetchRawResult)
		if raw.StatusCode != http.StatusFound {
			t.Errorf("StatusCode = %d, want 302", raw.StatusCode)
		}
	})

	t.Run("requires url", func(t *testing.T) {
		if _, err := tool.Execute(context.Background(), map[string]any{}); err == nil {
			t.Error("expected error for missing url")
		}
	})
}

func TestWebFetchStructuredTool(t *testing.T) {
	const page = `<html><body>
<h1>Products</h1>
<div class="product"><span class="name">Widget</span><span class="price">$5</span></div>
<div class="product"><span class="name">Gadget</span><span class="price">$9</span></div>
<a id="docs" href="/docs">Documentation</a>
</body></html>`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(page))
	}))
	defer server.Close()

	tool := NewWebFetchStructuredTool()

	t.Run("extracts text by selector", func(t *testing.T) {
		result, err := tool.Execute(context.Background(), map[string]any{
			"url": server.URL,
			"selectors": map[string]any{
				"title":  "h1",
				"prices": ".product .price",
				"none":   ".missing",
			},
		})
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}

		structured, ok := result.(WebFetchStructuredResult)
		if !ok {
			t.Fatalf("result type = %T", result)
		}
		if structured.Data["title"] != "Products" {
			t.Errorf("title = %v", structured.Data["title"])
		}
		prices, ok := structured.Data["prices"].([]string)
		if !ok || len(prices) != 2 || prices[0] != "$5" {
			t.Errorf("prices = %v", structured.Data["prices"])
		}
		if structured.Data["none"] != nil {
			t.Errorf("missing selector should map to nil, got %v", structured.Data["none"])
		}
	})

	t.Run("extracts attributes", func(t *testing.T) {
		result, err := tool.Execute(context.Background(), map[string]any{
			"url":       server.URL,
			"selectors": map[string]any{"link": "#docs"},
			"extract":   "href",
		})
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		structured := result.(WebFetchStructuredResult)
		if structured.Data["link"] != "/docs" {
			t.Errorf("link = %v", structured.Data["link"])
		}
	})

	t.Run("requires selectors", func(t *testing.T) {
		if _, err := tool.Execute(context.Background(), map[string]any{"url": server.URL}); err == nil {
			t.Error("expected error for missing selectors")
		}
	})
}
