// Package analysis fans a market out across the worker tool battery and
// distills the textual tool output into a structured manipulation report.
package analysis

// Report is the manipulation assessment for one market. RiskScore is a
// pointer so a failed analysis serializes as null rather than zero.
type Report struct {
	MarketID    string                       `json:"market_id"`
	RiskScore   *int                         `json:"riskScore"`
	RiskLevel   string                       `json:"risk_level,omitempty"`
	Flags       []string                     `json:"flags"`
	Explanation string                       `json:"explanation"`
	Confidence  float64                      `json:"confidence"`
	Details     map[string]map[string]string `json:"details"`
	Diagnostics Diagnostics                  `json:"diagnostics"`
}

// Diagnostics records how a report was produced. Error is only set on
// the degraded report emitted when the worker pipeline fails outright.
type Diagnostics struct {
	ToolsCalled int      `json:"tools_called,omitempty"`
	DataSources []string `json:"data_sources,omitempty"`
	Timestamp   string   `json:"timestamp,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// MarketInfo carries the market fields the tool battery needs.
type MarketInfo struct {
	Title     string
	Volume24h float64
}

func riskLevel(score int) string {
	switch {
	case score >= 70:
		return "HIGH"
	case score >= 40:
		return "MEDIUM"
	default:
		return "LOW"
	}
}
