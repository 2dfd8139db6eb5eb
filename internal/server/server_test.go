package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"polysage/internal/analysis"
	"polysage/internal/intent"
	"polysage/internal/markets"
	"polysage/internal/news"
)

type stubMarkets struct {
	list    []markets.Market
	listErr error
	detail  map[string]markets.Market
}

func (s *stubMarkets) FetchMarkets(ctx context.Context, limit int) ([]markets.Market, error) {
	return s.list, s.listErr
}

func (s *stubMarkets) FetchMarket(ctx context.Context, id string) (markets.Market, error) {
	m, present := s.detail[id]
	if !present {
		return markets.Market{}, errors.New("no such market")
	}
	return m, nil
}

type stubNews struct {
	articles []news.Article
}

func (s *stubNews) SearchArticles(ctx context.Context, q string, n int) ([]news.Article, error) {
	return s.articles, nil
}

// stubLLM replies based on a substring of the system prompt, so one
// stub can serve classification, search, and dashboard calls.
type stubLLM struct {
	bySystem map[string]string
	err      error
}

func (s *stubLLM) Complete(ctx context.Context, system, user string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	for needle, reply := range s.bySystem {
		if strings.Contains(system, needle) {
			return reply, nil
		}
	}
	return "OK", nil
}

type stubClassifier struct {
	result intent.Classification
}

func (s *stubClassifier) Classify(ctx context.Context, q string, hasID bool) intent.Classification {
	return s.result
}

type stubAnalyzer struct {
	report *analysis.Report
}

func (s *stubAnalyzer) Analyze(ctx context.Context, id string, mi analysis.MarketInfo) *analysis.Report {
	if s.report != nil {
		return s.report
	}
	score := 30
	return &analysis.Report{MarketID: id, RiskScore: &score}
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
}

func newMemCache() *memCache { return &memCache{entries: map[string]json.RawMessage{}} }

func (c *memCache) Get(ctx context.Context, q string) (json.RawMessage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, hit := c.entries[strings.ToLower(strings.TrimSpace(q))]
	return v, hit, nil
}

func (c *memCache) Set(ctx context.Context, q string, v json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[strings.ToLower(strings.TrimSpace(q))] = v
	return nil
}

func (c *memCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]json.RawMessage{}
	return nil
}

func (c *memCache) Len(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), nil
}

type stubWorkers struct{ up bool }

func (s stubWorkers) Initialized() bool { return s.up }

type serverDeps struct {
	markets    *stubMarkets
	news       *stubNews
	llm        *stubLLM
	classifier *stubClassifier
	analyzer   *stubAnalyzer
	cache      *memCache
}

func defaultDeps() *serverDeps {
	return &serverDeps{
		markets: &stubMarkets{
			list: []markets.Market{
				{ID: "m1", Title: "Will BTC hit $100k this year?", Description: "bitcoin price market", CurrentPrice: 0.6, Volume24h: 50000},
				{ID: "m2", Title: "Will it rain tomorrow in NYC?", Description: "weather market", CurrentPrice: 0.3, Volume24h: 1000},
			},
			detail: map[string]markets.Market{
				"m1": {ID: "m1", Title: "Will BTC hit $100k this year?", Description: "bitcoin price market", CurrentPrice: 0.6, Volume24h: 50000},
			},
		},
		news:       &stubNews{articles: []news.Article{{Title: "BTC news", Source: news.Source{Name: "Reuters"}, PublishedAt: "2025-06-01"}}},
		llm:        &stubLLM{bySystem: map[string]string{}},
		classifier: &stubClassifier{result: intent.Classification{Intent: intent.GeneralQA}},
		analyzer:   &stubAnalyzer{},
		cache:      newMemCache(),
	}
}

func newTestServer(t *testing.T, deps *serverDeps) *Server {
	t.Helper()
	return New(Options{
		Markets:       deps.markets,
		News:          deps.news,
		LLM:           deps.llm,
		LLMConfigured: true,
		Classifier:    deps.classifier,
		Analyzer:      deps.analyzer,
		Cache:         deps.cache,
		Workers:       stubWorkers{up: true},
		Version:       "test",
	}, zaptest.NewLogger(t))
}

func doJSON(t *testing.T, s *Server, method, target string, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), "body: %s", rec.Body.String())
	}
	return rec, decoded
}

func TestChatRequiresQuery(t *testing.T) {
	s := newTestServer(t, defaultDeps())

	rec, body := doJSON(t, s, http.MethodPost, "/chat", `{"market_id": "m1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing 'query' field", body["detail"])
}

func TestChatGeneralQA(t *testing.T) {
	deps := defaultDeps()
	deps.llm.bySystem["Polymarket expert assistant"] = "Polymarket is a prediction market. You trade outcomes. Prices are probabilities."
	s := newTestServer(t, deps)

	rec, body := doJSON(t, s, http.MethodPost, "/chat", `{"query": "How does Polymarket work?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "chat", body["type"])
	assert.Contains(t, body["response"], "prediction market")
}

func TestChatAcceptsTextField(t *testing.T) {
	s := newTestServer(t, defaultDeps())

	rec, body := doJSON(t, s, http.MethodPost, "/chat", `{"text": "hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "chat", body["type"])
}

func TestChatCacheRoundTrip(t *testing.T) {
	deps := defaultDeps()
	s := newTestServer(t, deps)

	rec1, body1 := doJSON(t, s, http.MethodPost, "/chat", `{"query": "How does it work?"}`)
	require.Equal(t, http.StatusOK, rec1.Code)

	// Break the LLM: the second identical query must come from cache.
	deps.llm.err = errors.New("llm down")
	rec2, body2 := doJSON(t, s, http.MethodPost, "/chat", `{"query": "How does it work?"}`)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, body1, body2)
}

func TestChatOutOfScope(t *testing.T) {
	deps := defaultDeps()
	deps.classifier.result = intent.Classification{Intent: intent.OutOfScope}
	s := newTestServer(t, deps)

	rec, body := doJSON(t, s, http.MethodPost, "/chat", `{"query": "best pasta recipe"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "error", body["type"])
}

func TestChatBetSearchFallsBackToKeywords(t *testing.T) {
	deps := defaultDeps()
	deps.classifier.result = intent.Classification{Intent: intent.BetSearch, SearchTopic: "bitcoin"}
	deps.llm.bySystem["market search assistant"] = "sorry, no JSON from me"
	s := newTestServer(t, deps)

	rec, body := doJSON(t, s, http.MethodPost, "/chat", `{"query": "bets about bitcoin"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bet_search", body["type"])

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "bitcoin", data["search_topic"])
	assert.Equal(t, float64(1), data["count"])
	found := data["markets"].([]interface{})
	require.Len(t, found, 1)
	assert.Equal(t, "m1", found[0].(map[string]interface{})["id"])
}

func TestChatBetSearchUsesLLMFilter(t *testing.T) {
	deps := defaultDeps()
	deps.classifier.result = intent.Classification{Intent: intent.BetSearch, SearchTopic: "crypto"}
	deps.llm.bySystem["market search assistant"] = `[{"id":"m1","title":"Will BTC hit $100k this year?","currentPrice":0.6,"volume24hr":50000}]`
	s := newTestServer(t, deps)

	rec, body := doJSON(t, s, http.MethodPost, "/chat", `{"query": "crypto bets"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["count"])
}

func TestChatBetInfoResolvesMarketID(t *testing.T) {
	deps := defaultDeps()
	deps.classifier.result = intent.Classification{Intent: intent.BetInfo}
	deps.llm.bySystem["market matching assistant"] = `{"market_id": "m1", "confidence": 0.9}`
	deps.llm.bySystem["market information assistant"] = "A market about bitcoin reaching $100k."
	s := newTestServer(t, deps)

	rec, body := doJSON(t, s, http.MethodPost, "/chat", `{"query": "tell me about the btc market"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "bet_info", body["type"])

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "m1", data["market_id"])
	assert.Equal(t, "A market about bitcoin reaching $100k.", data["summary"])
	assert.Equal(t, float64(1), data["news_count"])
}

func TestChatBetInfoWithoutMatchOffersSearch(t *testing.T) {
	deps := defaultDeps()
	deps.classifier.result = intent.Classification{Intent: intent.BetInfo}
	// Resolution finds nothing, search falls back to keywords and
	// matches the weather market.
	deps.llm.bySystem["market matching assistant"] = `{"market_id": null, "confidence": 0}`
	deps.llm.bySystem["market search assistant"] = "no json"
	s := newTestServer(t, deps)

	rec, body := doJSON(t, s, http.MethodPost, "/chat", `{"query": "weather"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bet_search", body["type"])
	assert.Contains(t, body["message"], "specify which one")
}

func TestSearchEndpoint(t *testing.T) {
	deps := defaultDeps()
	deps.llm.bySystem["market search assistant"] = "no json here"
	s := newTestServer(t, deps)

	rec, body := doJSON(t, s, http.MethodGet, "/search?topic=bitcoin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, body["request_id"])
	assert.NotEmpty(t, body["timestamp"])

	results := body["results"].(map[string]interface{})
	assert.Equal(t, "bitcoin", results["search_topic"])
}

func TestSearchEndpointRequiresTopic(t *testing.T) {
	s := newTestServer(t, defaultDeps())
	rec, _ := doJSON(t, s, http.MethodGet, "/search", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBetInfoEndpointUnknownMarket(t *testing.T) {
	s := newTestServer(t, defaultDeps())
	rec, body := doJSON(t, s, http.MethodGet, "/bet/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["detail"], "Could not fetch market info")
}

func TestDashboardEndpoint(t *testing.T) {
	deps := defaultDeps()
	deps.llm.bySystem["dashboard generator"] = `{
		"question": "Will BTC hit $100k this year?",
		"healthScore": 70, "liquidityScore": 6.5,
		"volumeData": {}, "betOptions": ["yes","no","maybe"],
		"oddsComparison": {}, "shiftTimeline": [], "news": [],
		"largeBets": [], "sentimentTimeline": [], "aiSummary": []
	}`
	s := newTestServer(t, deps)

	rec, body := doJSON(t, s, http.MethodGet, "/dashboard?market_id=m1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	doc := body["dashboard"].(map[string]interface{})
	assert.Equal(t, float64(70), doc["healthScore"])
}

func TestDashboardRejectsIncompleteDocument(t *testing.T) {
	deps := defaultDeps()
	deps.llm.bySystem["dashboard generator"] = `{"question": "x", "healthScore": 50}`
	s := newTestServer(t, deps)

	rec, body := doJSON(t, s, http.MethodGet, "/dashboard?market_id=m1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["detail"], "missing fields")
}

func TestDashboardUnknownMarket(t *testing.T) {
	s := newTestServer(t, defaultDeps())
	rec, body := doJSON(t, s, http.MethodGet, "/dashboard?market_id=ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Market not found: ghost", body["detail"])
}

func TestHealthEndpoint(t *testing.T) {
	deps := defaultDeps()
	s := newTestServer(t, deps)
	require.NoError(t, deps.cache.Set(context.Background(), "q", json.RawMessage(`{}`)))

	rec, body := doJSON(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])

	services := body["services"].(map[string]interface{})
	assert.Equal(t, true, services["claude_api_key"])
	assert.Equal(t, true, services["workers_initialized"])

	cacheInfo := body["cache"].(map[string]interface{})
	assert.Equal(t, float64(1), cacheInfo["entries"])
}

func TestCacheClearEndpoint(t *testing.T) {
	deps := defaultDeps()
	s := newTestServer(t, deps)
	require.NoError(t, deps.cache.Set(context.Background(), "q", json.RawMessage(`{}`)))

	rec, body := doJSON(t, s, http.MethodPost, "/cache/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Cache cleared successfully", body["message"])

	n, err := deps.cache.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRootEndpoint(t *testing.T) {
	s := newTestServer(t, defaultDeps())
	rec, body := doJSON(t, s, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PolySage API", body["service"])
	assert.Equal(t, "test", body["version"])
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, defaultDeps())

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
