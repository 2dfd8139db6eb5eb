// Package markets is the Polymarket CLOB API client.
package markets

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

// Market is one prediction market as returned by the CLOB API. Price
// and volume fields vary by endpoint, so both variants are kept and
// resolved through accessors.
type Market struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	CurrentPrice float64 `json:"currentPrice"`
	LastPrice    float64 `json:"lastPrice"`
	Volume24h    float64 `json:"volume24hr"`
	Volume       float64 `json:"volume"`
	EndDate      string  `json:"endDate"`
}

// Price resolves the market price, defaulting to 0.5 when the API
// returned neither variant.
func (m Market) Price() float64 {
	if m.CurrentPrice != 0 {
		return m.CurrentPrice
	}
	if m.LastPrice != 0 {
		return m.LastPrice
	}
	return 0.5
}

// DailyVolume resolves 24h volume, falling back to total volume.
func (m Market) DailyVolume() float64 {
	if m.Volume24h != 0 {
		return m.Volume24h
	}
	return m.Volume
}

// Summary is the trimmed market view fed into prompts and search
// responses.
type Summary struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	CurrentPrice float64 `json:"currentPrice"`
	Volume24h    float64 `json:"volume24hr"`
}

// Summary normalizes the market into prompt shape: description capped
// at 200 characters, price and volume variants resolved.
func (m Market) Summary() Summary {
	id := m.ID
	if id == "" {
		id = "unknown"
	}
	title := m.Title
	if title == "" {
		title = "Untitled"
	}
	desc := m.Description
	if len(desc) > 200 {
		desc = desc[:200]
	}
	return Summary{
		ID:           id,
		Title:        title,
		Description:  desc,
		CurrentPrice: m.Price(),
		Volume24h:    m.DailyVolume(),
	}
}

// Client talks to the CLOB REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a markets client. baseURL defaults to the public
// CLOB endpoint.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://clob.polymarket.com"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// marketList tolerates the envelope shapes the API returns: a bare
// array, {"data": [...]}, or {"markets": [...]}.
type marketList []Market

func (l *marketList) UnmarshalJSON(data []byte) error {
	var bare []Market
	if err := json.Unmarshal(data, &bare); err == nil {
		*l = bare
		return nil
	}

	var wrapped struct {
		Data    []Market `json:"data"`
		Markets []Market `json:"markets"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	if len(wrapped.Data) > 0 {
		*l = wrapped.Data
	} else {
		*l = wrapped.Markets
	}
	return nil
}

// FetchMarkets lists active markets, newest first.
func (c *Client) FetchMarkets(ctx context.Context, limit int) ([]Market, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("active", "true")

	var list marketList
	if err := c.getJSON(ctx, c.baseURL+"/markets?"+q.Encode(), &list); err != nil {
		c.logger.Warn("market list fetch failed", zap.Error(err))
		return nil, err
	}
	return list, nil
}

// FetchMarket fetches one market by id.
func (c *Client) FetchMarket(ctx context.Context, marketID string) (Market, error) {
	var m Market
	if err := c.getJSON(ctx, c.baseURL+"/markets/"+url.PathEscape(marketID), &m); err != nil {
		return Market{}, fmt.Errorf("failed to fetch market %s: %w", marketID, err)
	}
	return m, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}
