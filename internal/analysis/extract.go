package analysis

import (
	"fmt"
	"strconv"
	"strings"
)

// toolResult is one worker call's outcome. A non-nil err means the call
// could not be made at all (dead worker); timeouts and tool failures
// arrive as sentinel text instead.
type toolResult struct {
	text string
	err  error
}

// extractor reduces raw tool texts into the report's scoring fields.
// heuristicExtractor is the line-oriented default; a structured strategy
// can replace it if the workers start emitting machine-readable output,
// without touching the aggregation path.
type extractor interface {
	ParseOutput(r toolResult) map[string]string
	RiskScore(health, volume, wash toolResult) int
	Flags(volume, wash, newsCorr, volComp toolResult) []string
	Confidence(health toolResult, flagCount int) float64
	Explanation(flags []string, risk int) string
}

type heuristicExtractor struct{}

func (heuristicExtractor) ParseOutput(r toolResult) map[string]string {
	return parseOutput(r)
}

func (heuristicExtractor) RiskScore(health, volume, wash toolResult) int {
	return extractRiskScore(health, volume, wash)
}

func (heuristicExtractor) Flags(volume, wash, newsCorr, volComp toolResult) []string {
	return extractFlags(volume, wash, newsCorr, volComp)
}

func (heuristicExtractor) Confidence(health toolResult, flagCount int) float64 {
	return calcConfidence(health, flagCount)
}

func (heuristicExtractor) Explanation(flags []string, risk int) string {
	return buildExplanation(flags, risk)
}

// parseOutput turns a worker's colon-delimited report text into a flat
// key/value map. The raw text is kept (truncated) for debugging.
func parseOutput(r toolResult) map[string]string {
	if r.err != nil {
		return map[string]string{"error": r.err.Error()}
	}

	raw := r.text
	if len(raw) > 500 {
		raw = raw[:500]
	}
	data := map[string]string{"raw": raw}

	for _, line := range strings.Split(r.text, "\n") {
		if !strings.Contains(line, ":") || strings.HasPrefix(line, "http") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(parts[0])), " ", "_")
		data[key] = strings.TrimSpace(parts[1])
	}
	return data
}

func (r toolResult) textOrEmpty() string {
	if r.err != nil {
		return ""
	}
	return r.text
}

// extractRiskScore derives a 0-100 risk score. A reported health score
// inverts directly; otherwise severity keywords adjust a neutral 50.
func extractRiskScore(health, volume, wash toolResult) int {
	if health.err != nil {
		return 50
	}

	for _, line := range strings.Split(health.text, "\n") {
		if !strings.Contains(line, "Overall Score:") && !strings.Contains(line, "Health Score:") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		numeric := strings.SplitN(strings.TrimSpace(parts[1]), "/", 2)[0]
		score, err := strconv.Atoi(numeric)
		if err != nil {
			continue
		}
		return 100 - score
	}

	risk := 50
	volUpper := strings.ToUpper(volume.textOrEmpty())
	washUpper := strings.ToUpper(wash.textOrEmpty())

	if strings.Contains(volUpper, "HIGH") || strings.Contains(volUpper, "ANOMALY") {
		risk += 15
	}
	if strings.Contains(volUpper, "ALERT") {
		risk += 10
	}

	if strings.Contains(washUpper, "HIGH RISK") {
		risk += 20
	} else if strings.Contains(washUpper, "SUSPICIOUS") {
		risk += 10
	}

	if risk > 100 {
		risk = 100
	}
	if risk < 0 {
		risk = 0
	}
	return risk
}

// extractFlags scans four tool outputs for manipulation markers. Order
// is fixed: volume, wash trading, news correlation, volume comparison.
func extractFlags(volume, wash, newsCorr, volComp toolResult) []string {
	flags := []string{}

	if volume.err == nil {
		if strings.Contains(volume.text, "Anomaly Detected: YES") {
			flags = append(flags, "volume_spike")
		}
		if strings.Contains(volume.text, "HIGH") && strings.Contains(strings.ToUpper(volume.text), "ALERT") {
			flags = append(flags, "high_volume_anomaly")
		}
	}

	if wash.err == nil && strings.Contains(wash.text, "Suspicious Patterns:") {
		for _, line := range strings.Split(wash.text, "\n") {
			if !strings.Contains(line, "Suspicious Patterns:") {
				continue
			}
			parts := strings.SplitN(line, ":", 2)
			count, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil {
				break
			}
			if count > 0 {
				flags = append(flags, "wash_trading_detected")
			}
			if count > 3 {
				flags = append(flags, "high_wash_trading_risk")
			}
		}
	}

	if newsCorr.err == nil {
		upper := strings.ToUpper(newsCorr.text)
		if strings.Contains(upper, "SUSPICIOUS") || strings.Contains(upper, "RED FLAG") {
			flags = append(flags, "news_mismatch")
		}
		lower := strings.ToLower(newsCorr.text)
		if strings.Contains(lower, "manipulation") || strings.Contains(lower, "insider") {
			flags = append(flags, "possible_insider_trading")
		}
	}

	if volComp.err == nil {
		upper := strings.ToUpper(volComp.text)
		if strings.Contains(upper, "ALERT") {
			flags = append(flags, "trading_news_mismatch")
		}
		if strings.Contains(upper, "HIGH RISK") {
			flags = append(flags, "manipulation_risk")
		}
	}

	return flags
}

// calcConfidence starts at a 0.7 baseline, rewarding an explicit health
// score and each raised flag, capped at 1.0.
func calcConfidence(health toolResult, flagCount int) float64 {
	conf := 0.7

	if health.err == nil && strings.Contains(health.text, "Overall Score:") {
		conf += 0.15
	}

	if flagCount > 0 {
		bonus := float64(flagCount) * 0.03
		if bonus > 0.15 {
			bonus = 0.15
		}
		conf += bonus
	}

	if conf > 1.0 {
		conf = 1.0
	}
	return conf
}

// buildExplanation renders the human-readable summary line.
func buildExplanation(flags []string, risk int) string {
	if len(flags) == 0 {
		return fmt.Sprintf("Market analysis complete. Risk score: %d/100. No significant manipulation detected.", risk)
	}

	has := make(map[string]bool, len(flags))
	for _, f := range flags {
		has[f] = true
	}

	var parts []string
	if has["volume_spike"] {
		parts = append(parts, "Unusual volume spike detected")
	}
	if has["wash_trading_detected"] {
		parts = append(parts, "Suspicious trading patterns found")
	}
	if has["news_mismatch"] {
		parts = append(parts, "Price movements misaligned with news")
	}
	if has["trading_news_mismatch"] {
		parts = append(parts, "Trading volume disproportionate to news")
	}

	return fmt.Sprintf("Risk score: %d/100. %s.", risk, strings.Join(parts, "; "))
}
