package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"polysage/internal/analysis"
	"polysage/internal/llm"
	"polysage/internal/markets"
	"polysage/internal/prompt"
)

// httpError carries a status code out of a flow into the handler.
type httpError struct {
	status int
	detail string
}

func (e *httpError) Error() string { return e.detail }

const qaApology = "I apologize, but I'm having trouble processing your question. Polymarket is a prediction market platform where users trade on event outcomes. Please try rephrasing your question."

// searchResults is the bet-search payload. Count reflects all matches
// even when the market list is capped.
type searchResults struct {
	SearchTopic string            `json:"search_topic"`
	Count       int               `json:"count"`
	Markets     []markets.Summary `json:"markets"`
}

type topArticle struct {
	Title       string `json:"title"`
	Source      string `json:"source"`
	PublishedAt string `json:"publishedAt"`
}

type betInfo struct {
	MarketID     string       `json:"market_id"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	CurrentPrice float64      `json:"currentPrice"`
	Volume24h    float64      `json:"volume24hr"`
	EndDate      string       `json:"endDate"`
	Summary      string       `json:"summary"`
	NewsCount    int          `json:"news_count"`
	TopNews      []topArticle `json:"top_news"`
}

func summaries(list []markets.Market) []markets.Summary {
	out := make([]markets.Summary, 0, len(list))
	for _, m := range list {
		out = append(out, m.Summary())
	}
	return out
}

// resolveMarketID maps a free-text query onto a market id: LLM roster
// matching first, substring matching as fallback. Empty means no match.
func (s *Server) resolveMarketID(ctx context.Context, query, reqID string) string {
	list, err := s.opts.Markets.FetchMarkets(ctx, 50)
	if err != nil || len(list) == 0 {
		return ""
	}
	roster := summaries(list)

	response, err := s.opts.LLM.Complete(ctx, prompt.ResolveSystem, prompt.ResolveUser(query, roster))
	if err == nil {
		var verdict struct {
			MarketID   string  `json:"market_id"`
			Confidence float64 `json:"confidence"`
		}
		if jsonStr := llm.ExtractJSON(response); jsonStr != "" {
			if json.Unmarshal([]byte(jsonStr), &verdict) == nil && verdict.MarketID != "" && verdict.Confidence > 0.5 {
				s.logger.Info("resolved market id",
					zap.String("request_id", reqID),
					zap.String("market_id", verdict.MarketID),
					zap.Float64("confidence", verdict.Confidence))
				return verdict.MarketID
			}
		}
	}

	// Fuzzy fallback: a long enough title contained in the query (or
	// the other way around) is a match.
	queryLower := strings.ToLower(query)
	for _, m := range roster {
		titleLower := strings.ToLower(m.Title)
		if len(titleLower) <= 10 {
			continue
		}
		if strings.Contains(queryLower, titleLower) || strings.Contains(titleLower, queryLower) {
			s.logger.Info("resolved market id via fuzzy match",
				zap.String("request_id", reqID),
				zap.String("market_id", m.ID))
			return m.ID
		}
	}
	return ""
}

// generalQA answers platform questions. Failures degrade to a canned
// apology rather than an error.
func (s *Server) generalQA(ctx context.Context, query string) string {
	userPrompt := query
	var trending []string

	lower := strings.ToLower(query)
	if strings.Contains(lower, "current") || strings.Contains(lower, "latest") || strings.Contains(lower, "trending") {
		if list, err := s.opts.Markets.FetchMarkets(ctx, 3); err == nil {
			for _, m := range list {
				title := m.Title
				if len(title) > 40 {
					title = title[:40]
				}
				trending = append(trending, title)
				if len(trending) == 3 {
					break
				}
			}
		}
	}

	answer, err := s.opts.LLM.Complete(ctx, prompt.GeneralQASystem, prompt.GeneralQAUser(userPrompt, trending))
	if err != nil {
		s.logger.Warn("general QA completion failed", zap.Error(err))
		return qaApology
	}
	return strings.TrimSpace(answer)
}

// betSearch finds markets matching a topic: LLM relevance filtering
// with keyword matching as fallback.
func (s *Server) betSearch(ctx context.Context, topic, reqID string) *searchResults {
	list, err := s.opts.Markets.FetchMarkets(ctx, 20)
	if err != nil {
		s.logger.Warn("market fetch failed during search",
			zap.String("request_id", reqID), zap.Error(err))
	}

	roster := summaries(list)
	if len(roster) == 0 {
		return &searchResults{SearchTopic: topic, Count: 0, Markets: []markets.Summary{}}
	}

	var filtered []markets.Summary
	response, err := s.opts.LLM.Complete(ctx, prompt.SearchSystem, prompt.SearchUser(topic, roster))
	if err == nil {
		if arr := llm.ExtractJSONArray(response); arr != "" {
			if uerr := json.Unmarshal([]byte(arr), &filtered); uerr != nil {
				s.logger.Warn("search filter reply did not parse",
					zap.String("request_id", reqID), zap.Error(uerr))
			}
		}
	}

	if len(filtered) == 0 {
		topicLower := strings.ToLower(topic)
		candidates := roster
		if len(candidates) > 15 {
			candidates = candidates[:15]
		}
		for _, m := range candidates {
			if strings.Contains(strings.ToLower(m.Title), topicLower) ||
				strings.Contains(strings.ToLower(m.Description), topicLower) {
				filtered = append(filtered, m)
			}
		}
	}

	count := len(filtered)
	if len(filtered) > 10 {
		filtered = filtered[:10]
	}
	if filtered == nil {
		filtered = []markets.Summary{}
	}
	return &searchResults{SearchTopic: topic, Count: count, Markets: filtered}
}

// betInfo fetches one market, pulls related news, and summarizes.
func (s *Server) betInfo(ctx context.Context, marketID string) (*betInfo, error) {
	market, err := s.opts.Markets.FetchMarket(ctx, marketID)
	if err != nil {
		return nil, &httpError{status: 404, detail: fmt.Sprintf("Could not fetch market info: %v", err)}
	}

	articles, err := s.opts.News.SearchArticles(ctx, market.Title, 5)
	if err != nil {
		s.logger.Warn("news fetch failed for bet info", zap.Error(err))
		articles = nil
	}

	summary, err := s.opts.LLM.Complete(ctx, prompt.InfoSystem, prompt.InfoUser(market, articles))
	if err != nil {
		return nil, &httpError{status: 404, detail: fmt.Sprintf("Could not fetch market info: %v", err)}
	}

	endDate := market.EndDate
	if endDate == "" {
		endDate = "Unknown"
	}

	top := make([]topArticle, 0, 3)
	for _, a := range articles {
		if len(top) == 3 {
			break
		}
		top = append(top, topArticle{Title: a.Title, Source: a.Source.Name, PublishedAt: a.PublishedAt})
	}

	return &betInfo{
		MarketID:     marketID,
		Title:        market.Title,
		Description:  market.Description,
		CurrentPrice: market.Price(),
		Volume24h:    market.DailyVolume(),
		EndDate:      endDate,
		Summary:      strings.TrimSpace(summary),
		NewsCount:    len(articles),
		TopNews:      top,
	}, nil
}

// dashboardFields are the top-level keys the generated document must
// carry to be served.
var dashboardFields = []string{
	"question", "healthScore", "liquidityScore", "volumeData",
	"betOptions", "oddsComparison", "shiftTimeline", "news",
	"largeBets", "sentimentTimeline", "aiSummary",
}

// dashboard runs the manipulation analysis for a market and has the
// LLM render the full dashboard document around it.
func (s *Server) dashboard(ctx context.Context, marketID, reqID string) (map[string]interface{}, error) {
	market, err := s.opts.Markets.FetchMarket(ctx, marketID)
	if err != nil {
		return nil, &httpError{status: 404, detail: "Market not found: " + marketID}
	}

	articles, err := s.opts.News.SearchArticles(ctx, market.Title, 10)
	if err != nil {
		s.logger.Warn("news fetch failed for dashboard", zap.Error(err))
		articles = nil
	}

	id := market.ID
	if id == "" {
		id = marketID
	}
	report := s.opts.Analyzer.Analyze(ctx, id, analysis.MarketInfo{
		Title:     market.Title,
		Volume24h: market.DailyVolume(),
	})
	risk := 50
	if report.RiskScore != nil {
		risk = *report.RiskScore
	}

	response, err := s.opts.LLM.Complete(ctx, prompt.DashboardSystem, prompt.DashboardUser(market, risk, articles))
	if err != nil {
		return nil, &httpError{status: 500, detail: fmt.Sprintf("Dashboard generation failed: %v", err)}
	}

	var doc map[string]interface{}
	if jsonStr := llm.ExtractJSON(response); jsonStr != "" {
		if uerr := json.Unmarshal([]byte(jsonStr), &doc); uerr != nil {
			return nil, &httpError{status: 500, detail: "Dashboard generation failed: invalid JSON response"}
		}
	}
	if doc == nil {
		return nil, &httpError{status: 500, detail: "Dashboard generation failed: invalid JSON response"}
	}

	var missing []string
	for _, f := range dashboardFields {
		if _, present := doc[f]; !present {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, &httpError{status: 500, detail: fmt.Sprintf("Dashboard generation failed: missing fields: %v", missing)}
	}

	s.logger.Info("dashboard generated",
		zap.String("request_id", reqID),
		zap.String("market_id", marketID),
		zap.Int("risk_score", risk))
	return doc, nil
}
