// Package server is the HTTP surface: chat, search, bet info,
// dashboard, health, and cache administration.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"polysage/internal/analysis"
	"polysage/internal/intent"
	"polysage/internal/markets"
	"polysage/internal/news"
)

// marketsAPI is the slice of the CLOB client the server uses.
type marketsAPI interface {
	FetchMarkets(ctx context.Context, limit int) ([]markets.Market, error)
	FetchMarket(ctx context.Context, marketID string) (markets.Market, error)
}

// newsAPI is the slice of the news client the server uses.
type newsAPI interface {
	SearchArticles(ctx context.Context, query string, pageSize int) ([]news.Article, error)
}

// completer is the LLM surface the handlers call.
type completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// classifier routes chat queries.
type classifier interface {
	Classify(ctx context.Context, query string, hasMarketID bool) intent.Classification
}

// analyzer produces manipulation reports.
type analyzer interface {
	Analyze(ctx context.Context, marketID string, market analysis.MarketInfo) *analysis.Report
}

// responseCache is the persistent chat cache.
type responseCache interface {
	Get(ctx context.Context, query string) (json.RawMessage, bool, error)
	Set(ctx context.Context, query string, response json.RawMessage) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// workerPool exposes worker liveness to the health endpoint.
type workerPool interface {
	Initialized() bool
}

// Options wires the server's collaborators.
type Options struct {
	Addr          string
	ReadTimeout   time.Duration
	Markets       marketsAPI
	News          newsAPI
	LLM           completer
	LLMConfigured bool
	Classifier    classifier
	Analyzer      analyzer
	Cache         responseCache
	Workers       workerPool
	Version       string
}

// Server serves the public API.
type Server struct {
	opts   Options
	logger *zap.Logger
	http   *http.Server
}

// New builds the server and its route table.
func New(opts Options, logger *zap.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8000"
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{opts: opts, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /bet/{market_id}", s.handleBetInfo)
	mux.HandleFunc("GET /dashboard", s.handleDashboard)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /cache/clear", s.handleCacheClear)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	s.http = &http.Server{
		Addr:        opts.Addr,
		Handler:     s.withCORS(s.withRequestLog(mux)),
		ReadTimeout: opts.ReadTimeout,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", zap.String("addr", s.opts.Addr))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestID() string { return uuid.NewString() }

func utcNow() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", zap.Error(err))
	}
}

// writeError mirrors the {"detail": ...} error envelope.
func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}
