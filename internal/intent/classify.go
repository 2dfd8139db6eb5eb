// Package intent routes chat queries to a handler: LLM classification
// first, keyword heuristics when the model is unavailable or the reply
// does not parse.
package intent

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"polysage/internal/llm"
	"polysage/internal/prompt"
)

// Intent is the handler a chat query routes to.
type Intent string

const (
	GeneralQA  Intent = "general_qa"
	BetSearch  Intent = "bet_search"
	BetInfo    Intent = "bet_info"
	Dashboard  Intent = "dashboard_generation"
	OutOfScope Intent = "out_of_scope"
)

// Classification is the routing decision for one query.
type Classification struct {
	Intent      Intent `json:"intent"`
	Reason      string `json:"reason"`
	SearchTopic string `json:"search_topic,omitempty"`
}

// Classifier decides which handler serves a query.
type Classifier struct {
	llm    llm.Client
	logger *zap.Logger
}

// NewClassifier builds a classifier backed by the given LLM client.
func NewClassifier(client llm.Client, logger *zap.Logger) *Classifier {
	return &Classifier{llm: client, logger: logger}
}

// Classify routes a query. hasMarketID reports whether the request
// already names a market; it biases info and dashboard intents.
func (c *Classifier) Classify(ctx context.Context, query string, hasMarketID bool) Classification {
	response, err := c.llm.Complete(ctx, prompt.ClassifySystem, prompt.ClassifyUser(query, hasMarketID))
	if err == nil {
		var parsed Classification
		if jsonStr := llm.ExtractJSON(response); jsonStr != "" {
			if uerr := json.Unmarshal([]byte(jsonStr), &parsed); uerr == nil && parsed.Intent != "" {
				return parsed
			}
		}
	} else {
		c.logger.Warn("intent classification failed, using heuristics", zap.Error(err))
	}

	return heuristicClassify(query, hasMarketID)
}

var (
	outOfScopeKeywords = []string{"weather", "recipe", "cook", "movie", "music"}

	searchPatterns = []string{
		"bets about", "bets on", "markets about", "markets on",
		"show me", "find", "list", "search for", "what are",
	}

	infoPatterns = []string{
		"tell me about", "what is", "information about", "details on", "info on",
	}

	dashboardKeywords = []string{"analyze", "dashboard", "should i", "risk", "insight", "analysis"}
)

// heuristicClassify is the keyword fallback used when the LLM cannot
// classify. Pattern order matters: earlier rules win.
func heuristicClassify(query string, hasMarketID bool) Classification {
	lower := strings.ToLower(query)

	for _, k := range outOfScopeKeywords {
		if strings.Contains(lower, k) && !strings.Contains(lower, "polymarket") {
			return Classification{Intent: OutOfScope, Reason: "unrelated topic"}
		}
	}

	for _, pattern := range searchPatterns {
		if strings.Contains(lower, pattern) {
			return Classification{
				Intent:      BetSearch,
				Reason:      "search request",
				SearchTopic: topicAfter(lower, pattern),
			}
		}
	}

	for _, pattern := range infoPatterns {
		if !strings.Contains(lower, pattern) {
			continue
		}
		if hasMarketID {
			return Classification{Intent: BetInfo, Reason: "info request with market_id"}
		}
		topic := query
		if strings.Contains(lower, infoPatterns[0]) {
			topic = topicText(lower, infoPatterns[0])
		}
		return Classification{Intent: BetSearch, Reason: "info request needs search", SearchTopic: topic}
	}

	if hasMarketID {
		return Classification{Intent: Dashboard, Reason: "analysis request"}
	}
	for _, k := range dashboardKeywords {
		if strings.Contains(lower, k) {
			return Classification{Intent: Dashboard, Reason: "analysis request"}
		}
	}

	return Classification{Intent: GeneralQA, Reason: "general question"}
}

// topicAfter takes the first three words following the pattern.
func topicAfter(lower, pattern string) string {
	rest := topicText(lower, pattern)
	words := strings.Fields(rest)
	if len(words) > 3 {
		words = words[:3]
	}
	return strings.Join(words, " ")
}

func topicText(lower, pattern string) string {
	parts := strings.SplitN(lower, pattern, 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
