package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const searchTimeout = 15 * time.Second

// ErrNoSearchResults is returned when every configured provider came back
// empty.
var ErrNoSearchResults = errors.New("no search results")

type searchResult struct {
	Title       string
	URL         string
	Description string
}

// SearchClient queries web search providers in preference order: Brave
// when a key is configured, then Tavily, then the keyless DuckDuckGo
// instant-answer API.
type SearchClient struct {
	logger    *slog.Logger
	client    *http.Client
	braveKey  string
	tavilyKey string

	// Overridable endpoints, for tests.
	braveURL      string
	tavilyURL     string
	duckduckgoURL string
}

func NewSearchClient(logger *slog.Logger, braveKey, tavilyKey string) *SearchClient {
	return &SearchClient{
		logger:        logger.With("module", "websearch"),
		client:        &http.Client{Timeout: searchTimeout},
		braveKey:      braveKey,
		tavilyKey:     tavilyKey,
		braveURL:      "https://api.search.brave.com/res/v1/web/search",
		tavilyURL:     "https://api.tavily.com/search",
		duckduckgoURL: "https://api.duckduckgo.com/",
	}
}

// Search runs the provider chain and formats results as a numbered list
// of title, url and description.
func (c *SearchClient) Search(ctx context.Context, query string, maxResults int) (string, error) {
	var lastErr error

	for _, provider := range c.providers() {
		results, err := provider.fn(ctx, query, maxResults)
		if err != nil {
			c.logger.WarnContext(ctx, "Search provider failed",
				"provider", provider.name, "error", err)

			lastErr = err

			continue
		}

		if len(results) > 0 {
			return formatResults(results, maxResults), nil
		}
	}

	if lastErr != nil {
		return "", lastErr
	}

	return "", ErrNoSearchResults
}

type provider struct {
	name string
	fn   func(ctx context.Context, query string, maxResults int) ([]searchResult, error)
}

func (c *SearchClient) providers() []provider {
	var chain []provider

	if c.braveKey != "" {
		chain = append(chain, provider{name: "brave", fn: c.searchBrave})
	}

	if c.tavilyKey != "" {
		chain = append(chain, provider{name: "tavily", fn: c.searchTavily})
	}

	return append(chain, provider{name: "duckduckgo", fn: c.searchDuckDuckGo})
}

func (c *SearchClient) searchBrave(ctx context.Context, query string, maxResults int) ([]searchResult, error) {
	endpoint := c.braveURL + "?q=" + url.QueryEscape(query) + "&count=" + strconv.Itoa(maxResults)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create brave request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.braveKey)

	var payload struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}

	if err := c.doJSON(req, &payload); err != nil {
		return nil, fmt.Errorf("brave search failed: %w", err)
	}

	results := make([]searchResult, 0, len(payload.Web.Results))
	for _, r := range payload.Web.Results {
		results = append(results, searchResult{Title: r.Title, URL: r.URL, Description: r.Description})
	}

	return results, nil
}

func (c *SearchClient) searchTavily(ctx context.Context, query string, maxResults int) ([]searchResult, error) {
	body, err := json.Marshal(map[string]any{
		"api_key":     c.tavilyKey,
		"query":       query,
		"max_results": maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tavily request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tavilyURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create tavily request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}

	if err := c.doJSON(req, &payload); err != nil {
		return nil, fmt.Errorf("tavily search failed: %w", err)
	}

	results := make([]searchResult, 0, len(payload.Results))
	for _, r := range payload.Results {
		results = append(results, searchResult{Title: r.Title, URL: r.URL, Description: r.Content})
	}

	return results, nil
}

func (c *SearchClient) searchDuckDuckGo(ctx context.Context, query string, _ int) ([]searchResult, error) {
	endpoint := c.duckduckgoURL + "?q=" + url.QueryEscape(query) + "&format=json&no_html=1"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create duckduckgo request: %w", err)
	}

	var payload struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			Text     string `json:"Text"`
			FirstURL string `json:"FirstURL"`
		} `json:"RelatedTopics"`
	}

	if err := c.doJSON(req, &payload); err != nil {
		return nil, fmt.Errorf("duckduckgo search failed: %w", err)
	}

	var results []searchResult

	if payload.AbstractText != "" {
		results = append(results, searchResult{
			Title:       payload.Heading,
			URL:         payload.AbstractURL,
			Description: payload.AbstractText,
		})
	}

	for _, topic := range payload.RelatedTopics {
		if topic.Text == "" {
			continue
		}

		results = append(results, searchResult{Title: topic.Text, URL: topic.FirstURL})
	}

	return results, nil
}

func (c *SearchClient) doJSON(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func formatResults(results []searchResult, maxResults int) string {
	if len(results) > maxResults {
		results = results[:maxResults]
	}

	var b strings.Builder

	for i, r := range results {
		if i > 0 {
			b.WriteString("\n")
		}

		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Title)

		if r.URL != "" {
			fmt.Fprintf(&b, "   %s\n", r.URL)
		}

		if r.Description != "" {
			fmt.Fprintf(&b, "   %s\n", r.Description)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
