package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"polysage/internal/intent"
)

type chatRequest struct {
	Query    string `json:"query"`
	Text     string `json:"text"`
	MarketID string `json:"market_id"`
}

// handleChat is the main entry point: cache lookup, intent routing,
// then one of the five flows. Successful envelopes are cached by query.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	reqID := requestID()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	query := req.Query
	if query == "" {
		query = req.Text
	}
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "Missing 'query' field")
		return
	}

	s.logger.Info("chat request", zap.String("request_id", reqID), zap.String("query", query))

	if cached, hit, err := s.opts.Cache.Get(r.Context(), query); err == nil && hit {
		s.logger.Info("chat served from cache", zap.String("request_id", reqID))
		w.Header().Set("Content-Type", "application/json")
		w.Write(cached)
		return
	}

	marketID := req.MarketID
	classification := s.opts.Classifier.Classify(r.Context(), query, marketID != "")
	s.logger.Info("intent classified",
		zap.String("request_id", reqID),
		zap.String("intent", string(classification.Intent)))

	if marketID == "" && (classification.Intent == intent.BetInfo || classification.Intent == intent.Dashboard) {
		marketID = s.resolveMarketID(r.Context(), query, reqID)
	}

	envelope, err := s.dispatchChat(r, reqID, query, marketID, classification)
	if err != nil {
		var herr *httpError
		if errors.As(err, &herr) {
			s.writeError(w, herr.status, herr.detail)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.opts.Cache.Set(r.Context(), query, raw); err != nil {
		s.logger.Warn("cache write failed", zap.String("request_id", reqID), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func (s *Server) dispatchChat(r *http.Request, reqID, query, marketID string, c intent.Classification) (map[string]interface{}, error) {
	ctx := r.Context()

	switch c.Intent {
	case intent.OutOfScope:
		return map[string]interface{}{
			"type":    "error",
			"message": "I'm designed to help with Polymarket-related questions and market analysis. Please ask about prediction markets or request market analysis.",
		}, nil

	case intent.GeneralQA:
		return map[string]interface{}{
			"type":     "chat",
			"response": s.generalQA(ctx, query),
		}, nil

	case intent.BetSearch:
		topic := c.SearchTopic
		if topic == "" {
			topic = query
		}
		return map[string]interface{}{
			"type": "bet_search",
			"data": s.betSearch(ctx, topic, reqID),
		}, nil

	case intent.BetInfo:
		if marketID == "" {
			results := s.betSearch(ctx, query, reqID)
			if results.Count > 0 {
				return map[string]interface{}{
					"type":    "bet_search",
					"data":    results,
					"message": "I found these markets. Please specify which one you'd like to know more about.",
				}, nil
			}
			return map[string]interface{}{
				"type":    "error",
				"message": "I couldn't find a market matching your query. Please try rephrasing or provide a market_id.",
			}, nil
		}
		info, err := s.betInfo(ctx, marketID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"type": "bet_info", "data": info}, nil

	case intent.Dashboard:
		if marketID == "" {
			results := s.betSearch(ctx, query, reqID)
			if results.Count > 0 {
				return map[string]interface{}{
					"type":    "bet_search",
					"data":    results,
					"message": "I found these markets. Please specify which one you'd like a dashboard for.",
				}, nil
			}
			return map[string]interface{}{
				"type":    "error",
				"message": "To generate a dashboard, please provide a market_id or specify which market you'd like analyzed.",
			}, nil
		}
		doc, err := s.dashboard(ctx, marketID, reqID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"type": "dashboard", "data": doc}, nil

	default:
		return nil, &httpError{status: 500, detail: "Unknown intent"}
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		s.writeError(w, http.StatusBadRequest, "Missing 'topic' query parameter")
		return
	}
	reqID := requestID()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": reqID,
		"timestamp":  utcNow(),
		"results":    s.betSearch(r.Context(), topic, reqID),
	})
}

func (s *Server) handleBetInfo(w http.ResponseWriter, r *http.Request) {
	marketID := r.PathValue("market_id")
	reqID := requestID()

	info, err := s.betInfo(r.Context(), marketID)
	if err != nil {
		var herr *httpError
		if errors.As(err, &herr) {
			s.writeError(w, herr.status, herr.detail)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": reqID,
		"timestamp":  utcNow(),
		"info":       info,
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	marketID := r.URL.Query().Get("market_id")
	if marketID == "" {
		s.writeError(w, http.StatusBadRequest, "Missing 'market_id' query parameter")
		return
	}
	reqID := requestID()

	doc, err := s.dashboard(r.Context(), marketID, reqID)
	if err != nil {
		var herr *httpError
		if errors.As(err, &herr) {
			s.writeError(w, herr.status, herr.detail)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": reqID,
		"timestamp":  utcNow(),
		"dashboard":  doc,
		"status":     "ok",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	entries, err := s.opts.Cache.Len(r.Context())
	if err != nil {
		s.logger.Warn("cache size check failed", zap.Error(err))
		entries = 0
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true,
		"ts": utcNow(),
		"services": map[string]bool{
			"claude_api_key":      s.opts.LLMConfigured,
			"workers_initialized": s.opts.Workers.Initialized(),
		},
		"cache": map[string]int{"entries": entries},
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Cache.Clear(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"message":   "Cache cleared successfully",
		"timestamp": utcNow(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "PolySage API",
		"version": s.opts.Version,
		"features": []string{
			"General Q&A about Polymarket",
			"Bet search by topic",
			"Bet information retrieval",
			"Full dashboard generation",
			"Automatic market ID resolution from titles",
		},
		"endpoints": map[string]string{
			"POST /chat":                 "Main endpoint - handles all query types (auto-resolves market IDs)",
			"GET /search?topic=X":        "Search for bets on topic X",
			"GET /bet/{market_id}":       "Get info about specific bet",
			"GET /dashboard?market_id=X": "Generate dashboard for market",
			"GET /health":                "Health check",
		},
	})
}
