package analysis

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"polysage/internal/worker"
)

// ToolCaller is the slice of the worker supervisor the analyzer needs.
type ToolCaller interface {
	EnsureStarted(ctx context.Context) error
	CallTool(ctx context.Context, role worker.Role, tool string, args map[string]interface{}, timeout time.Duration) (string, error)
}

// Analyzer runs the ten-tool battery against both workers and folds the
// output into a Report.
type Analyzer struct {
	caller  ToolCaller
	timeout time.Duration
	logger  *zap.Logger
	extract extractor
	now     func() time.Time
}

// NewAnalyzer builds an analyzer. timeout bounds each individual tool
// call; zero means 15 seconds.
func NewAnalyzer(caller ToolCaller, timeout time.Duration, logger *zap.Logger) *Analyzer {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Analyzer{
		caller:  caller,
		timeout: timeout,
		logger:  logger,
		extract: heuristicExtractor{},
		now:     time.Now,
	}
}

type toolCall struct {
	role worker.Role
	tool string
	args map[string]interface{}
}

// battery is the fixed ten-call roster: six market-structure tools on
// the polymarket worker, four news tools on the news worker.
func (a *Analyzer) battery(marketID string, market MarketInfo) []toolCall {
	title := market.Title
	if title == "" {
		title = "Unknown"
	}
	query := title
	if len(query) > 50 {
		query = query[:50]
	}
	volume := market.Volume24h
	if volume == 0 {
		volume = 1_000_000
	}

	return []toolCall{
		{worker.RolePolymarket, "search_markets", map[string]interface{}{"query": query}},
		{worker.RolePolymarket, "get_market_data", map[string]interface{}{"market_id": marketID}},
		{worker.RolePolymarket, "analyze_volume_anomaly", map[string]interface{}{"market_id": marketID, "timeframe": "24h"}},
		{worker.RolePolymarket, "detect_wash_trading", map[string]interface{}{"market_id": marketID, "lookback_hours": 24}},
		{worker.RolePolymarket, "calculate_health_score", map[string]interface{}{"market_id": marketID}},
		{worker.RolePolymarket, "get_trader_concentration", map[string]interface{}{"market_id": marketID}},
		{worker.RoleNews, "get_market_related_news", map[string]interface{}{"topic": title, "timeframe": "24h"}},
		{worker.RoleNews, "analyze_news_sentiment", map[string]interface{}{"topic": title, "timeframe": "24h"}},
		{worker.RoleNews, "correlate_news_to_price", map[string]interface{}{
			"market_topic":      title,
			"price_change_time": a.now().UTC().Format("2006-01-02T15:04:05.000000") + "Z",
			"window_minutes":    60,
		}},
		{worker.RoleNews, "compare_news_trading_volume", map[string]interface{}{
			"market_topic":   title,
			"timeframe":      "24h",
			"trading_volume": volume,
		}},
	}
}

// Analyze produces the manipulation report for one market. Individual
// tool failures degrade into sentinel text inside the report; only a
// worker pipeline that cannot start at all yields the null-score report.
func (a *Analyzer) Analyze(ctx context.Context, marketID string, market MarketInfo) *Report {
	a.logger.Info("generating manipulation report", zap.String("market_id", marketID))

	if err := a.caller.EnsureStarted(ctx); err != nil {
		a.logger.Error("worker pipeline unavailable", zap.Error(err))
		return a.failedReport(marketID, err)
	}

	calls := a.battery(marketID, market)
	results := make([]toolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range calls {
		g.Go(func() error {
			text, err := a.caller.CallTool(gctx, c.role, c.tool, c.args, a.timeout)
			results[i] = toolResult{text: text, err: err}
			return nil
		})
	}
	_ = g.Wait() // no tool ever fails the group; failures are data

	search, marketData, volumeAnomaly, washTrading, healthScore := results[0], results[1], results[2], results[3], results[4]
	traderConc, newsArticles, sentiment, newsCorr, volumeComp := results[5], results[6], results[7], results[8], results[9]

	riskScore := a.extract.RiskScore(healthScore, volumeAnomaly, washTrading)
	flags := a.extract.Flags(volumeAnomaly, washTrading, newsCorr, volumeComp)
	confidence := a.extract.Confidence(healthScore, len(flags))

	report := &Report{
		MarketID:    marketID,
		RiskScore:   &riskScore,
		RiskLevel:   riskLevel(riskScore),
		Flags:       flags,
		Explanation: a.extract.Explanation(flags, riskScore),
		Confidence:  confidence,
		Details: map[string]map[string]string{
			"search":               a.extract.ParseOutput(search),
			"market_data":          a.extract.ParseOutput(marketData),
			"volume_analysis":      a.extract.ParseOutput(volumeAnomaly),
			"wash_trading":         a.extract.ParseOutput(washTrading),
			"health_score":         a.extract.ParseOutput(healthScore),
			"trader_concentration": a.extract.ParseOutput(traderConc),
			"news":                 a.extract.ParseOutput(newsArticles),
			"sentiment":            a.extract.ParseOutput(sentiment),
			"news_correlation":     a.extract.ParseOutput(newsCorr),
			"volume_comparison":    a.extract.ParseOutput(volumeComp),
		},
		Diagnostics: Diagnostics{
			ToolsCalled: len(calls),
			DataSources: []string{"Polymarket CLOB API", "NewsAPI"},
			Timestamp:   a.now().UTC().Format("2006-01-02T15:04:05.000000") + "Z",
		},
	}

	a.logger.Info("report generated",
		zap.String("market_id", marketID),
		zap.Int("risk_score", riskScore),
		zap.Int("flags", len(flags)))
	return report
}

// Envelope is the bundled request shape accepted from callers that ship
// market context as a single document. Only the market identity and 24h
// volume influence the battery; trades, orderbook and news are carried
// for callers that persist the request.
type Envelope struct {
	MarketID     string                   `json:"market_id"`
	Market       EnvelopeMarket           `json:"market"`
	RecentTrades []map[string]interface{} `json:"recent_trades"`
	Orderbook    map[string]interface{}   `json:"orderbook"`
	News         []map[string]interface{} `json:"news"`
	Meta         map[string]interface{}   `json:"meta"`
}

// EnvelopeMarket identifies the market inside an Envelope.
type EnvelopeMarket struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Volume24h float64 `json:"volume24hr"`
}

// AnalyzeEnvelope routes a bundled payload to Analyze, resolving the
// market id from the top-level field or the embedded market object.
func (a *Analyzer) AnalyzeEnvelope(ctx context.Context, env Envelope) *Report {
	id := env.MarketID
	if id == "" {
		id = env.Market.ID
	}
	if id == "" {
		id = "unknown"
	}
	return a.Analyze(ctx, id, MarketInfo{
		Title:     env.Market.Title,
		Volume24h: env.Market.Volume24h,
	})
}

func (a *Analyzer) failedReport(marketID string, err error) *Report {
	return &Report{
		MarketID:    marketID,
		RiskScore:   nil,
		Flags:       []string{},
		Explanation: "Analysis failed: " + err.Error(),
		Confidence:  0.0,
		Details:     map[string]map[string]string{},
		Diagnostics: Diagnostics{Error: err.Error()},
	}
}
