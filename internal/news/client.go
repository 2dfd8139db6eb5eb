// Package news is the NewsAPI client used to pull headlines related to
// prediction markets.
package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Article is one NewsAPI article.
type Article struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	PublishedAt string `json:"publishedAt"`
	Source      Source `json:"source"`
}

// Source is the article's outlet.
type Source struct {
	Name string `json:"name"`
}

// Client talks to NewsAPI. An empty API key is tolerated: fetches
// return no articles so the rest of the pipeline degrades quietly.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a news client.
func NewClient(apiKey, baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://newsapi.org/v2"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return c.apiKey != "" }

// SearchArticles finds recent articles matching the query, newest
// first. Without an API key it returns no articles and no error.
func (c *Client) SearchArticles(ctx context.Context, query string, pageSize int) ([]Article, error) {
	if c.apiKey == "" {
		c.logger.Debug("news API key not configured, skipping fetch")
		return nil, nil
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("sortBy", "publishedAt")
	q.Set("language", "en")

	return c.fetch(ctx, c.baseURL+"/everything?"+q.Encode())
}

// TopHeadlines returns the latest general-category headlines.
func (c *Client) TopHeadlines(ctx context.Context, limit int) ([]Article, error) {
	if c.apiKey == "" {
		return nil, nil
	}

	q := url.Values{}
	q.Set("pageSize", strconv.Itoa(limit))
	q.Set("language", "en")
	q.Set("category", "general")

	return c.fetch(ctx, c.baseURL+"/top-headlines?"+q.Encode())
}

func (c *Client) fetch(ctx context.Context, rawURL string) ([]Article, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("news fetch failed", zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Articles []Article `json:"articles"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return parsed.Articles, nil
}
