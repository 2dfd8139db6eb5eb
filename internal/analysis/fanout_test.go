package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"polysage/internal/worker"
)

type recordedCall struct {
	role worker.Role
	tool string
	args map[string]interface{}
}

// fakeCaller cans per-tool replies and records every call it receives.
type fakeCaller struct {
	mu       sync.Mutex
	calls    []recordedCall
	replies  map[string]string
	startErr error
	callErr  map[string]error
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{replies: map[string]string{}, callErr: map[string]error{}}
}

func (f *fakeCaller) EnsureStarted(ctx context.Context) error { return f.startErr }

func (f *fakeCaller) CallTool(ctx context.Context, role worker.Role, tool string, args map[string]interface{}, timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{role: role, tool: tool, args: args})
	if err := f.callErr[tool]; err != nil {
		return "", err
	}
	if text, present := f.replies[tool]; present {
		return text, nil
	}
	return "OK", nil
}

func (f *fakeCaller) callFor(tool string) (recordedCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.tool == tool {
			return c, true
		}
	}
	return recordedCall{}, false
}

func testAnalyzer(t *testing.T, caller ToolCaller) *Analyzer {
	t.Helper()
	a := NewAnalyzer(caller, time.Second, zaptest.NewLogger(t))
	a.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestAnalyzeNeutralMarket(t *testing.T) {
	caller := newFakeCaller()
	a := testAnalyzer(t, caller)

	report := a.Analyze(context.Background(), "m1", MarketInfo{Title: "Will X happen?"})

	require.NotNil(t, report.RiskScore)
	assert.Equal(t, 50, *report.RiskScore)
	assert.Equal(t, "MEDIUM", report.RiskLevel)
	assert.Empty(t, report.Flags)
	assert.InDelta(t, 0.7, report.Confidence, 1e-9)
	assert.Equal(t, "Market analysis complete. Risk score: 50/100. No significant manipulation detected.", report.Explanation)

	assert.Equal(t, 10, report.Diagnostics.ToolsCalled)
	assert.Equal(t, []string{"Polymarket CLOB API", "NewsAPI"}, report.Diagnostics.DataSources)
	assert.Equal(t, "2025-06-01T12:00:00.000000Z", report.Diagnostics.Timestamp)

	require.Len(t, report.Details, 10)
	for _, section := range []string{
		"search", "market_data", "volume_analysis", "wash_trading", "health_score",
		"trader_concentration", "news", "sentiment", "news_correlation", "volume_comparison",
	} {
		require.Contains(t, report.Details, section)
		assert.Equal(t, "OK", report.Details[section]["raw"])
	}
}

func TestAnalyzeHighRiskMarket(t *testing.T) {
	caller := newFakeCaller()
	caller.replies["calculate_health_score"] = "Overall Score: 15/100"
	caller.replies["analyze_volume_anomaly"] = "Anomaly Detected: YES\nSeverity: HIGH\nStatus: ALERT"
	caller.replies["detect_wash_trading"] = "Suspicious Patterns: 4"
	caller.replies["correlate_news_to_price"] = "Verdict: SUSPICIOUS, insider signals"
	caller.replies["compare_news_trading_volume"] = "ALERT: HIGH RISK divergence"
	a := testAnalyzer(t, caller)

	report := a.Analyze(context.Background(), "m2", MarketInfo{Title: "Rigged?"})

	require.NotNil(t, report.RiskScore)
	assert.Equal(t, 85, *report.RiskScore)
	assert.Equal(t, "HIGH", report.RiskLevel)
	assert.Equal(t, []string{
		"volume_spike",
		"high_volume_anomaly",
		"wash_trading_detected",
		"high_wash_trading_risk",
		"news_mismatch",
		"possible_insider_trading",
		"trading_news_mismatch",
		"manipulation_risk",
	}, report.Flags)
	assert.InDelta(t, 1.0, report.Confidence, 1e-9)
	assert.True(t, strings.HasPrefix(report.Explanation, "Risk score: 85/100. "))
}

func TestAnalyzeBatteryRoster(t *testing.T) {
	caller := newFakeCaller()
	a := testAnalyzer(t, caller)

	longTitle := strings.Repeat("t", 80)
	a.Analyze(context.Background(), "m3", MarketInfo{Title: longTitle, Volume24h: 2_500_000})

	require.Len(t, caller.calls, 10)

	polyTools := map[string]bool{}
	newsTools := map[string]bool{}
	for _, c := range caller.calls {
		switch c.role {
		case worker.RolePolymarket:
			polyTools[c.tool] = true
		case worker.RoleNews:
			newsTools[c.tool] = true
		}
	}
	assert.Len(t, polyTools, 6)
	assert.Len(t, newsTools, 4)

	search, found := caller.callFor("search_markets")
	require.True(t, found)
	assert.Equal(t, longTitle[:50], search.args["query"])

	news, found := caller.callFor("get_market_related_news")
	require.True(t, found)
	assert.Equal(t, longTitle, news.args["topic"], "news topic must not be truncated")

	volComp, found := caller.callFor("compare_news_trading_volume")
	require.True(t, found)
	assert.Equal(t, 2_500_000.0, volComp.args["trading_volume"])

	wash, found := caller.callFor("detect_wash_trading")
	require.True(t, found)
	assert.Equal(t, 24, wash.args["lookback_hours"])

	corr, found := caller.callFor("correlate_news_to_price")
	require.True(t, found)
	assert.Equal(t, "2025-06-01T12:00:00.000000Z", corr.args["price_change_time"])
	assert.Equal(t, 60, corr.args["window_minutes"])
}

func TestAnalyzeDefaultsVolumeAndTitle(t *testing.T) {
	caller := newFakeCaller()
	a := testAnalyzer(t, caller)

	a.Analyze(context.Background(), "m4", MarketInfo{})

	volComp, found := caller.callFor("compare_news_trading_volume")
	require.True(t, found)
	assert.Equal(t, 1_000_000.0, volComp.args["trading_volume"])

	search, found := caller.callFor("search_markets")
	require.True(t, found)
	assert.Equal(t, "Unknown", search.args["query"])
}

func TestAnalyzeTimeoutSentinelLandsInDetails(t *testing.T) {
	caller := newFakeCaller()
	caller.replies["analyze_news_sentiment"] = "Timeout calling analyze_news_sentiment"
	a := testAnalyzer(t, caller)

	report := a.Analyze(context.Background(), "m5", MarketInfo{Title: "slow news"})

	require.NotNil(t, report.RiskScore)
	assert.Equal(t, "Timeout calling analyze_news_sentiment", report.Details["sentiment"]["raw"])
}

func TestAnalyzeDeadWorkerBecomesErrorDetail(t *testing.T) {
	caller := newFakeCaller()
	caller.callErr["calculate_health_score"] = errors.New("polymarket worker not running")
	a := testAnalyzer(t, caller)

	report := a.Analyze(context.Background(), "m6", MarketInfo{Title: "t"})

	require.NotNil(t, report.RiskScore)
	assert.Equal(t, 50, *report.RiskScore, "errored health must pin risk at neutral")
	assert.Equal(t, "polymarket worker not running", report.Details["health_score"]["error"])
}

func TestAnalyzeDegradedOnPipelineFailure(t *testing.T) {
	caller := newFakeCaller()
	caller.startErr = errors.New("failed to start polymarket worker: exec: not found")
	a := testAnalyzer(t, caller)

	report := a.Analyze(context.Background(), "m7", MarketInfo{Title: "t"})

	assert.Nil(t, report.RiskScore)
	assert.Empty(t, report.Flags)
	assert.Zero(t, report.Confidence)
	assert.True(t, strings.HasPrefix(report.Explanation, "Analysis failed: "))
	assert.Equal(t, caller.startErr.Error(), report.Diagnostics.Error)
	assert.Empty(t, caller.calls, "no tools may be called when startup fails")

	// Wire shape: null score and empty (not null) flag list.
	raw, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"riskScore":null`)
	assert.Contains(t, string(raw), `"flags":[]`)
}

func TestAnalyzeEnvelopeResolvesMarketID(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		want string
	}{
		{"top-level id wins", Envelope{MarketID: "top", Market: EnvelopeMarket{ID: "embedded"}}, "top"},
		{"embedded id fallback", Envelope{Market: EnvelopeMarket{ID: "embedded"}}, "embedded"},
		{"no id at all", Envelope{}, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			caller := newFakeCaller()
			a := testAnalyzer(t, caller)

			report := a.AnalyzeEnvelope(context.Background(), tc.env)

			assert.Equal(t, tc.want, report.MarketID)
		})
	}
}

func TestAnalyzeEnvelopeForwardsMarketContext(t *testing.T) {
	caller := newFakeCaller()
	a := testAnalyzer(t, caller)

	var env Envelope
	payload := `{
		"market": {"id": "0xabc", "title": "Will BTC close above 100k?", "volume24hr": 777000},
		"recent_trades": [{"price": 0.61}],
		"orderbook": {"bids": []},
		"news": [{"title": "BTC rallies"}]
	}`
	require.NoError(t, json.Unmarshal([]byte(payload), &env))

	report := a.AnalyzeEnvelope(context.Background(), env)

	assert.Equal(t, "0xabc", report.MarketID)

	search, ok := caller.callFor("search_markets")
	require.True(t, ok)
	assert.Equal(t, "Will BTC close above 100k?", search.args["query"])

	comp, ok := caller.callFor("compare_news_trading_volume")
	require.True(t, ok)
	assert.Equal(t, 777000.0, comp.args["trading_volume"])
}
