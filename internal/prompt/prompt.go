// Package prompt holds the system prompts and prompt builders for the
// chat, search, and dashboard LLM calls.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"polysage/internal/markets"
	"polysage/internal/news"
)

// ClassifySystem routes a chat query to one of the five intents.
const ClassifySystem = `You are a query classifier for a Polymarket analysis system.
Classify into: general_qa, bet_search, bet_info, dashboard_generation, or out_of_scope

- general_qa: Questions about how Polymarket works
- bet_search: Looking for bets/markets on a topic (e.g., "bets about AI", "show me crypto markets")
- bet_info: Asking about a specific bet/market (e.g., "tell me about market X")
- dashboard_generation: Requesting detailed analysis/dashboard
- out_of_scope: Unrelated to Polymarket

Respond with JSON: {"intent": "...", "reason": "...", "search_topic": "..." (only for bet_search)}`

// ClassifyUser renders the classification turn.
func ClassifyUser(query string, hasMarketID bool) string {
	provided := "No"
	if hasMarketID {
		provided = "Yes"
	}
	return fmt.Sprintf("Query: %s\nMarket ID provided: %s\nClassify this query.", query, provided)
}

// ResolveSystem matches a free-text query against a market roster.
const ResolveSystem = `You are a market matching assistant.
Given a user query and a list of markets, determine if the query is referring to a specific market.
If yes, return the market ID. If no clear match, return null.
Respond with ONLY a JSON object: {"market_id": "..." or null, "confidence": 0-1}`

// ResolveUser renders the market resolution turn.
func ResolveUser(query string, roster []markets.Summary) string {
	type entry struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	list := make([]entry, 0, len(roster))
	for _, m := range roster {
		list = append(list, entry{ID: m.ID, Title: m.Title})
	}
	encoded, _ := json.MarshalIndent(list, "", "  ")

	return fmt.Sprintf(`User Query: %s

Available Markets:
%s

Does this query refer to one of these markets? If yes, which one?
Output ONLY JSON.`, query, encoded)
}

// GeneralQASystem answers platform questions in a fixed shape.
const GeneralQASystem = `You are a Polymarket expert assistant.
Answer in EXACTLY 3 sentences. Be clear and informative.`

// GeneralQAUser renders the Q&A turn, optionally appending trending
// market titles for queries that reference current data.
func GeneralQAUser(query string, trending []string) string {
	prompt := fmt.Sprintf("Question: %s\n\nProvide a clear 3-sentence answer.", query)
	if len(trending) > 0 {
		prompt += fmt.Sprintf("\n\nTrending: %v", trending)
	}
	return prompt
}

// SearchSystem filters a market roster down to topic matches.
const SearchSystem = `You are a market search assistant.
Given a list of prediction markets and a search topic, identify the most relevant markets.
Return ONLY a JSON array of market objects that match the topic.`

// SearchUser renders the search filter turn.
func SearchUser(topic string, roster []markets.Summary) string {
	encoded, _ := json.MarshalIndent(roster, "", "  ")
	return fmt.Sprintf(`Search Topic: %s

Available Markets:
%s

Return a JSON array of the 5-10 most relevant markets. Include id, title, description, currentPrice, volume24hr.
Output ONLY the JSON array.`, topic, encoded)
}

// InfoSystem summarizes one market for the bet-info endpoint.
const InfoSystem = `You are a prediction market information assistant.
Provide a clear, concise summary of a market in 3-4 paragraphs covering:
1. What the market is about
2. Current status (price, volume, trending)
3. Key factors or recent developments
4. Overall market sentiment`

// InfoUser renders the bet-info summary turn.
func InfoUser(m markets.Market, articles []news.Article) string {
	type headline struct {
		Title  string `json:"title"`
		Source string `json:"source"`
	}
	top := make([]headline, 0, 3)
	for _, a := range articles {
		if len(top) == 3 {
			break
		}
		top = append(top, headline{Title: a.Title, Source: a.Source.Name})
	}
	encoded, _ := json.MarshalIndent(top, "", "  ")

	endDate := m.EndDate
	if endDate == "" {
		endDate = "Unknown"
	}

	return fmt.Sprintf(`Market Information:
Title: %s
Description: %s
Current Price: %g
Volume 24h: $%.0f
End Date: %s

Recent News (%d articles):
%s

Provide a 3-4 paragraph summary of this market.`,
		m.Title, m.Description, m.Price(), m.DailyVolume(), endDate, len(articles), encoded)
}

// DashboardSystem generates the full dashboard JSON document.
const DashboardSystem = `You are a prediction market dashboard generator.

Generate a COMPLETE dashboard JSON object with realistic, coherent data.

CRITICAL:
1. Output ONLY valid JSON
2. Follow the EXACT schema
3. Generate realistic time-series data
4. Make data internally consistent
5. No explanations, just JSON`

// dashboardSchema is the literal structure the model must emit. %s is
// the market title; it appears once in the question field.
const dashboardSchema = `{
  "question": "%s",
  "healthScore": <0-100 int, inverse of risk>,
  "liquidityScore": <0-10 float based on volume>,

  "volumeData": {
    "24h": [
      {"time": "00:00", "volume": <num>}, {"time": "04:00", "volume": <num>},
      {"time": "08:00", "volume": <num>}, {"time": "12:00", "volume": <num>},
      {"time": "16:00", "volume": <num>}, {"time": "20:00", "volume": <num>}
    ],
    "7d": [
      {"time": "Mon", "volume": <num>}, {"time": "Tue", "volume": <num>},
      {"time": "Wed", "volume": <num>}, {"time": "Thu", "volume": <num>},
      {"time": "Fri", "volume": <num>}, {"time": "Sat", "volume": <num>},
      {"time": "Sun", "volume": <num>}
    ],
    "1m": [
      {"time": "Week 1", "volume": <num>}, {"time": "Week 2", "volume": <num>},
      {"time": "Week 3", "volume": <num>}, {"time": "Week 4", "volume": <num>}
    ]
  },

  "betOptions": ["yes", "no", "maybe"],

  "oddsComparison": {
    "yes": {"polymarket": <num>, "news": <num>, "expert": <num>},
    "no": {"polymarket": <num>, "news": <num>, "expert": <num>},
    "maybe": {"polymarket": <num>, "news": <num>, "expert": <num>}
  },

  "shiftTimeline": [
    {"date": "Nov 1", "polymarket": <num>, "news": <num>},
    {"date": "Nov 2", "polymarket": <num>, "news": <num>},
    {"date": "Nov 3", "polymarket": <num>, "news": <num>},
    {"date": "Nov 4", "polymarket": <num>, "news": <num>},
    {"date": "Nov 5", "polymarket": <num>, "news": <num>},
    {"date": "Nov 6", "polymarket": <num>, "news": <num>}
  ],

  "news": [
    {"title": "<actual news title>", "url": "#", "source": "<source>", "date": "<time ago>"},
    {"title": "<actual news title>", "url": "#", "source": "<source>", "date": "<time ago>"},
    {"title": "<actual news title>", "url": "#", "source": "<source>", "date": "<time ago>"}
  ],

  "largeBets": [
    {"option": "Yes", "amount": "$<num>", "time": "<ago>", "impact": "+<num>%%", "icon": "TrendingUp"},
    {"option": "No", "amount": "$<num>", "time": "<ago>", "impact": "-<num>%%", "icon": "TrendingDown"},
    {"option": "Yes", "amount": "$<num>", "time": "<ago>", "impact": "+<num>%%", "icon": "TrendingUp"}
  ],

  "sentimentTimeline": [
    {"date": "Nov 1", "sentiment": <num>, "events": "<event description>"},
    {"date": "Nov 3", "sentiment": <num>, "events": "<event description>"},
    {"date": "Nov 5", "sentiment": <num>, "events": "<event description>"},
    {"date": "Nov 7", "sentiment": <num>, "events": "<event description>"}
  ],

  "aiSummary": [
    {"title": "Market Confidence:", "content": "<2-3 sentences>"},
    {"title": "Trend Analysis:", "content": "<2-3 sentences>"},
    {"title": "Risk Assessment:", "content": "<2-3 sentences>"},
    {"title": "Strategic Recommendation:", "content": "<2-3 sentences>"}
  ]
}`

// DashboardUser renders the dashboard generation turn.
func DashboardUser(m markets.Market, riskScore int, articles []news.Article) string {
	type headline struct {
		Title       string `json:"title"`
		Source      string `json:"source"`
		PublishedAt string `json:"publishedAt"`
	}
	top := make([]headline, 0, 5)
	for _, a := range articles {
		if len(top) == 5 {
			break
		}
		source := a.Source.Name
		if source == "" {
			source = "Unknown"
		}
		top = append(top, headline{Title: a.Title, Source: source, PublishedAt: a.PublishedAt})
	}
	encoded, _ := json.MarshalIndent(top, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, `Generate dashboard JSON for:

MARKET: %s
PRICE: %g
VOLUME_24H: $%.0f
RISK: %d/100

NEWS: %s

Generate JSON with this EXACT structure:
`, m.Title, m.Price(), m.DailyVolume(), riskScore, encoded)
	fmt.Fprintf(&b, dashboardSchema, m.Title)
	b.WriteString("\n\nUse actual news titles. Make volume/odds/sentiment realistic and coherent.\nOutput ONLY JSON.")
	return b.String()
}
