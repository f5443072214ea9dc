package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

const (
	duckDuckGoSearchURL = "https://html.duckduckgo.com/html/"
	searchTimeout       = 15 * time.Second
	maxSearchResults    = 10
)

// WebSearchTool searches the web through the DuckDuckGo HTML endpoint,
// which needs no API key.
type WebSearchTool struct {
	client *http.Client
}

func NewWebSearchTool() *WebSearchTool {
	return &WebSearchTool{
		client: &http.Client{
			Timeout: searchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

func (t *WebSearchTool) Name() string {
	return "web_search"
}

func (t *WebSearchTool) Description() string {
	return "Searches the web using DuckDuckGo and returns results. Can optionally fetch and convert the content of each result to markdown for deeper analysis."
}

func (t *WebSearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query",
			},
			"num_results": map[string]any{
				"type":        "integer",
				"description": "Number of results to return (default: 5, max: 10)",
				"default":     5,
			},
			"fetch_content": map[string]any{
				"type":        "boolean",
				"description": "If true, fetches and converts each result page to markdown. This is slower but provides full content. (default: false)",
				"default":     false,
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, fmt.Errorf("query is required")
	}

	query = strings.TrimSpace(query)
	if len(query) > 500 {
		return nil, fmt.Errorf("query too long (max 500 characters)")
	}

	numResults := 5
	if v, ok := args["num_results"].(float64); ok {
		numResults = int(v)
	}
	if numResults < 1 {
		numResults = 1
	}
	if numResults > maxSearchResults {
		numResults = maxSearchResults
	}

	fetchContent := false
	if v, ok := args["fetch_content"].(bool); ok {
		fetchContent = v
	}

	results, err := t.performSearch(ctx, query, numResults)
	if err != nil {
		return nil, err
	}

	if fetchContent {
		for i := range results {
			content, err := t.fetchResultContent(ctx, results[i].URL)
			if err != nil {
				results[i].Content = fmt.Sprintf("Error fetching content: %v", err)
			} else {
				results[i].Content = content
			}
		}
	}

	return WebSearchResult{
		Query:       query,
		ResultCount: len(results),
		Results:     results,
	}, nil
}

// WebSearchResult is the full search response
type WebSearchResult struct {
	Query       string         `json:"query"`
	ResultCount int            `json:"result_count"`
	Results     []WebSearchHit `json:"results"`
}

// WebSearchHit represents a single search result
type WebSearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content,omitempty"`
}

func (t *WebSearchTool) performSearch(ctx context.Context, query string, limit int) ([]WebSearchHit, error) {
	formData := url.Values{}
	formData.Set("q", query)
	formData.Set("b", "")
	formData.Set("kl", "us-en")

	req, err := http.NewRequestWithContext(ctx, "POST", duckDuckGoSearchURL, strings.NewReader(formData.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse search results: %w", err)
	}

	results := parseSearchResults(doc, limit)
	if len(results) == 0 {
		return nil, fmt.Errorf("no results found for query: %q", query)
	}

	return results, nil
}

// parseSearchResults walks the DuckDuckGo HTML result list. Result rows
// carry a .result class; ad rows and internal links are skipped.
func parseSearchResults(doc *goquery.Document, limit int) []WebSearchHit {
	var results []WebSearchHit

	doc.Find(".result").Each(func(i int, s *goquery.Selection) {
		if len(results) >= limit {
			return
		}

		anchor := s.Find("a.result__a").First()
		href, exists := anchor.Attr("href")
		if !exists || href == "" {
			return
		}

		resultURL := resolveDuckDuckGoURL(href)
		if resultURL == "" {
			return
		}

		hit := WebSearchHit{
			URL:     resultURL,
			Title:   strings.TrimSpace(anchor.Text()),
			Snippet: strings.TrimSpace(s.Find(".result__snippet").First().Text()),
		}
		if hit.Title == "" {
			return
		}

		results = append(results, hit)
	})

	return results
}

// resolveDuckDuckGoURL unwraps DuckDuckGo's redirect links (//duckduckgo.com/l/?uddg=...)
// and drops anything still pointing inside DuckDuckGo.
func resolveDuckDuckGoURL(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}

	u, err := url.Parse(href)
	if err != nil {
		return ""
	}

	if strings.Contains(u.Host, "duckduckgo.com") {
		target := u.Query().Get("uddg")
		if target == "" {
			return ""
		}
		href = target
		u, err = url.Parse(href)
		if err != nil {
			return ""
		}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func (t *WebSearchTool) fetchResultContent(ctx context.Context, urlStr string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, resp.Request.URL)
	if err != nil {
		return "", err
	}

	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(article.Content)
	if err != nil {
		return "", err
	}

	// Truncate to reasonable size
	const maxContentLength = 5000
	if len(markdown) > maxContentLength {
		markdown = markdown[:maxContentLength] + "\n[truncated...]"
	}

	return markdown, nil
}
