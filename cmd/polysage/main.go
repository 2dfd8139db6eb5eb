package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"polysage/internal/analysis"
	"polysage/internal/cache"
	"polysage/internal/config"
	"polysage/internal/intent"
	"polysage/internal/llm"
	"polysage/internal/markets"
	"polysage/internal/news"
	"polysage/internal/server"
	"polysage/internal/worker"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "polysage",
	Short: "PolySage - Polymarket analysis and chat API",
	Long: `PolySage serves a chat and dashboard API over Polymarket data.

It supervises two analysis worker processes, fans market checks out
across them, and folds the results into manipulation risk reports.

Run without arguments to start the API server.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	RunE:  runServe,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [market-id]",
	Short: "Run the manipulation analysis for one market and print the report",
	Args: func(cmd *cobra.Command, args []string) error {
		if analyzePayload == "" && len(args) != 1 {
			return fmt.Errorf("requires a market-id argument or --payload")
		}
		return cobra.MaximumNArgs(1)(cmd, args)
	},
	RunE: runAnalyze,
}

var (
	analyzeTitle   string
	analyzeVolume  float64
	analyzePayload string
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "polysage.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	analyzeCmd.Flags().StringVar(&analyzeTitle, "title", "", "market title for the news tools")
	analyzeCmd.Flags().Float64Var(&analyzeVolume, "volume", 0, "24h trading volume for volume comparison")
	analyzeCmd.Flags().StringVar(&analyzePayload, "payload", "", "JSON file bundling market, orderbook and news context")

	rootCmd.AddCommand(serveCmd, analyzeCmd, versionCmd)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Warn("config load failed, using defaults", zap.Error(err))
		return config.DefaultConfig()
	}
	return cfg
}

func newSupervisor(cfg *config.Config) *worker.Supervisor {
	return worker.NewSupervisor(worker.Options{
		Polymarket: worker.ProcessConfig{
			Command: cfg.Workers.Polymarket.Command,
			Args:    cfg.Workers.Polymarket.Args,
		},
		News: worker.ProcessConfig{
			Command: cfg.Workers.News.Command,
			Args:    cfg.Workers.News.Args,
		},
		SettleDelay:   config.Duration(cfg.Workers.SettleDelay, 3*time.Second),
		ShutdownGrace: config.Duration(cfg.Workers.ShutdownGrace, 3*time.Second),
		ClientName:    "polysage-api",
		ClientVersion: cfg.Version,
	}, logger)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	if cfg.LLM.APIKey == "" {
		logger.Warn("no Anthropic API key configured, chat will use heuristics only")
	}

	store, err := cache.Open(cfg.Cache.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open response cache: %w", err)
	}
	defer store.Close()

	sup := newSupervisor(cfg)
	callTimeout := config.Duration(cfg.Workers.CallTimeout, 15*time.Second)
	analyzer := analysis.NewAnalyzer(sup, callTimeout, logger)

	llmClient := llm.NewAnthropicClient(llm.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: config.Duration(cfg.LLM.Timeout, 30*time.Second),
	}, logger)

	srv := server.New(server.Options{
		Addr:          cfg.Server.Addr,
		ReadTimeout:   config.Duration(cfg.Server.ReadTimeout, 30*time.Second),
		Markets:       markets.NewClient(cfg.Polymarket.BaseURL, config.Duration(cfg.Polymarket.Timeout, 10*time.Second), logger),
		News:          news.NewClient(cfg.News.APIKey, cfg.News.BaseURL, config.Duration(cfg.News.Timeout, 10*time.Second), logger),
		LLM:           llmClient,
		LLMConfigured: llmClient.Configured(),
		Classifier:    intent.NewClassifier(llmClient, logger),
		Analyzer:      analyzer,
		Cache:         store,
		Workers:       sup,
		Version:       cfg.Version,
	}, logger)

	// Boot the workers up front so the first analysis does not pay the
	// settle delay. A failed start is tolerated; calls retry lazily.
	bootCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	if err := sup.EnsureStarted(bootCtx); err != nil {
		logger.Warn("analysis workers failed to start", zap.Error(err))
	}
	cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		sup.Shutdown()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		config.Duration(cfg.Server.ShutdownTimeout, 10*time.Second))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	sup.Shutdown()
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	sup := newSupervisor(cfg)
	defer sup.Shutdown()

	analyzer := analysis.NewAnalyzer(sup, config.Duration(cfg.Workers.CallTimeout, 15*time.Second), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var report *analysis.Report
	if analyzePayload != "" {
		data, err := os.ReadFile(analyzePayload)
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
		var env analysis.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}
		report = analyzer.AnalyzeEnvelope(ctx, env)
	} else {
		report = analyzer.Analyze(ctx, args[0], analysis.MarketInfo{
			Title:     analyzeTitle,
			Volume24h: analyzeVolume,
		})
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
