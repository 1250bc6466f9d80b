package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skillevo/skillevo/internal/config"
	"github.com/skillevo/skillevo/internal/errortracker"
	"github.com/skillevo/skillevo/internal/evolution"
	"github.com/skillevo/skillevo/internal/llmbridge"
	"github.com/skillevo/skillevo/internal/observation"
	"github.com/skillevo/skillevo/internal/recordstore"
	"github.com/skillevo/skillevo/internal/service"
	"github.com/skillevo/skillevo/internal/statusfeed"
	"github.com/skillevo/skillevo/internal/versionstore"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "skillevo",
		Short: "Skill evolution service",
		Long:  "skillevo — observe skill failures, regenerate, audit, compile, and roll out fixes under an observation window.",
	}

	var configFile string
	var logLevel string

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: skillevo.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the evolution service tick heartbeat and status feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, logLevel)
		},
	}

	var skillName, errMsg string
	reportErrorCmd := &cobra.Command{
		Use:   "report-error",
		Short: "Report a skill execution error",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReportError(configFile, logLevel, skillName, errMsg)
		},
	}
	reportErrorCmd.Flags().StringVar(&skillName, "skill", "", "Skill name")
	reportErrorCmd.Flags().StringVar(&errMsg, "error", "", "Error text")
	_ = reportErrorCmd.MarkFlagRequired("skill")
	_ = reportErrorCmd.MarkFlagRequired("error")

	var manualDesc string
	triggerCmd := &cobra.Command{
		Use:   "trigger-manual",
		Short: "Manually trigger an evolution for a skill",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTriggerManual(configFile, logLevel, skillName, manualDesc)
		},
	}
	triggerCmd.Flags().StringVar(&skillName, "skill", "", "Skill name")
	triggerCmd.Flags().StringVar(&manualDesc, "description", "", "Reason for the manual evolution")
	_ = triggerCmd.MarkFlagRequired("skill")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List evolution records grouped by learning / learned / failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(configFile, logLevel)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("skillevo %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(serveCmd, reportErrorCmd, triggerCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat("skillevo.yaml"); err == nil {
			path = "skillevo.yaml"
		}
	}
	return config.Load(path)
}

// buildService wires every component per the Evolution Service's
// composition: Version Store, Record Store, Engine, Error Tracker,
// Observation Stats, and (if an API key is configured) an LLM Bridge.
func buildService(cfg *config.Config, logger *slog.Logger) (*service.Service, *statusfeed.Feed, func(), error) {
	versions := versionstore.New(cfg.Workspace.SkillsDir, cfg.Workspace.VersionsDir, "rhai", logger)

	records, err := recordstore.New(cfg.Workspace.RecordsDir, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	compiler := evolution.NewShellCompileChecker(cfg.Compile.CheckerCommand, time.Duration(cfg.Compile.TimeoutSeconds)*time.Second, logger)

	engine, err := evolution.New(versions, records, compiler, cfg.Workspace.SkillsDir, "rhai", logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build evolution engine: %w", err)
	}

	tracker := errortracker.New(errortracker.Config{
		Threshold:       cfg.Evolution.ErrorThreshold,
		WindowMinutes:   cfg.Evolution.ErrorWindowMinutes,
		CooldownMinutes: cfg.Evolution.CooldownMinutes,
	})

	stats := observation.New()

	feed := statusfeed.New(logger)

	svc := service.New(engine, tracker, stats, versions, cfg.Evolution, feed, logger)

	if cfg.LLM.APIKey != "" {
		bridge := llmbridge.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model,
			cfg.Evolution.LLMTimeout(), llmbridge.DefaultRetryConfig(), logger)
		svc.SetLLMBridge(bridge)
	}

	cleanup := func() {
		_ = records.Close()
		_ = versions.StopWatch()
	}

	return svc, feed, cleanup, nil
}

func runServe(configFile, logLevel string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(logLevel)

	svc, feed, cleanup, err := buildService(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.StartScheduler(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", feed.Handler)

	httpServer := &http.Server{Addr: cfg.Server.StatusFeedAddr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		svc.StopScheduler()
		cancel()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = httpServer.Shutdown(shutCtx)
	}()

	logger.Info("skillevo serving", "addr", cfg.Server.StatusFeedAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status feed server: %w", err)
	}
	return nil
}

func runReportError(configFile, logLevel, skill, errMsg string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(logLevel)

	svc, _, cleanup, err := buildService(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := svc.ReportError(skill, errMsg, "", nil)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	return nil
}

func runTriggerManual(configFile, logLevel, skill, description string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(logLevel)

	svc, _, cleanup, err := buildService(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	id, err := svc.TriggerManualEvolution(skill, description)
	if err != nil {
		return err
	}
	fmt.Printf("triggered evolution %s for skill %s\n", id, skill)
	return nil
}

func runList(configFile, logLevel string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(logLevel)

	svc, _, cleanup, err := buildService(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	learning, learned, failed, err := svc.ListRecordsSummary()
	if err != nil {
		return err
	}

	printGroup := func(title string, items []service.Summary) {
		fmt.Printf("%s (%d):\n", title, len(items))
		for _, it := range items {
			fmt.Printf("  %-24s %-14s %s\n", it.SkillName, it.Status, it.EvolutionID)
		}
	}
	printGroup("learning", learning)
	printGroup("learned", learned)
	printGroup("failed", failed)
	return nil
}
