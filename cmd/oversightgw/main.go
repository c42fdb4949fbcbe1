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
	"gopkg.in/yaml.v3"

	"github.com/oversightgw/oversightgw/internal/api"
	"github.com/oversightgw/oversightgw/internal/auth"
	"github.com/oversightgw/oversightgw/internal/config"
	"github.com/oversightgw/oversightgw/internal/dispatch"
	"github.com/oversightgw/oversightgw/internal/engine"
	"github.com/oversightgw/oversightgw/internal/policy"
	"github.com/oversightgw/oversightgw/internal/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "oversightgw",
		Short: "Risk-scoring oversight gateway for autonomous agent actions",
		Long:  "Oversight Gateway — scores proposed agent actions, enforces session risk budgets, and routes high-risk actions to a human checkpoint.",
	}

	var configFile string
	var port int
	var devMode bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the oversight gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: oversightgw.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 8001)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate starter config and policy files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show aggregate stats from a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}
	statusCmd.Flags().IntVarP(&port, "port", "p", 0, "Gateway port (default: 8001)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("oversightgw %s\n", version)
			fmt.Printf("  Commit: %s\n", commit)
			fmt.Printf("  Built:  %s\n", buildDate)
		},
	}

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy management commands",
	}

	policyValidateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a policy file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "./policy.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			return runPolicyValidate(path)
		},
	}

	policyReloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask a running gateway to hot-reload its policy file",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("operator-token")
			return runPolicyReload(port, token)
		},
	}
	policyReloadCmd.Flags().IntVarP(&port, "port", "p", 0, "Gateway port (default: 8001)")
	policyReloadCmd.Flags().String("operator-token", "", "Operator bearer token for POST /config/reload")

	policyCmd.AddCommand(policyValidateCmd, policyReloadCmd)

	rootCmd.AddCommand(startCmd, initCmd, statusCmd, versionCmd, policyCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(configFile string, portOverride int, devMode bool) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg := cfgLoader.Get()
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	logger = logger.With("service", cfg.Observability.ServiceName)

	st, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if err := st.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = st.Close() }()

	policyPath := cfg.PolicyPath
	if _, err := os.Stat(policyPath); err != nil {
		logger.Warn("policy file not found, writing defaults", "path", policyPath)
		if err := writeDefaultPolicy(policyPath); err != nil {
			return fmt.Errorf("failed to write default policy: %w", err)
		}
	}
	policies, err := policy.NewStore(policyPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	defer policies.Close()
	if err := policies.WatchForChanges(); err != nil {
		logger.Warn("failed to start policy file watcher", "error", err)
	}

	disp := dispatch.NewDispatcher(st, logger)

	eng := engine.New(policies, st, disp, logger)
	defer eng.Close()

	keys := auth.NewKeyStore(cfg.Auth.APIKeys)
	tokens := auth.NewTokenManager(time.Hour, logger)
	if cfg.Auth.OperatorTokensEnabled {
		token, err := tokens.CreateToken(auth.RoleAdmin, "bootstrap", "")
		if err != nil {
			return fmt.Errorf("failed to bootstrap operator token: %w", err)
		}
		fmt.Printf("  → Operator token (expires in 1h): %s\n", token.Secret)
	}

	apiServer := api.NewServer(cfg.Server, eng, cfgLoader, keys, tokens, disp, logger)

	fmt.Println()
	fmt.Println("  ╔══════════════════════════════════════════╗")
	fmt.Println("  ║        Oversight Gateway v" + version + "             ║")
	fmt.Println("  ╚══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  → HTTP:    http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("  → WS:      ws://localhost:%d/ws/dashboard\n", cfg.Server.Port)
	fmt.Printf("  → Storage: %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Printf("  → Policy:  %s\n", policyPath)
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(api.APIAddr(cfg.Server.Port)); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-sigCh:
		logger.Info("shutting down...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		return apiServer.Shutdown(shutCtx)
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	}
}

func runInit() error {
	configPath := "oversightgw.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
	} else {
		if err := config.GenerateDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("  ✓ Generated %s\n", configPath)
	}

	policyPath := "policy.yaml"
	if _, err := os.Stat(policyPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", policyPath)
	} else {
		if err := writeDefaultPolicy(policyPath); err != nil {
			return err
		}
		fmt.Printf("  ✓ Generated %s\n", policyPath)
	}

	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    oversightgw policy validate      # Sanity-check policy.yaml")
	fmt.Println("    oversightgw start                # Start the gateway")
	return nil
}

func writeDefaultPolicy(path string) error {
	data, err := yaml.Marshal(policy.Default())
	if err != nil {
		return fmt.Errorf("marshal default policy: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func runPolicyValidate(path string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	loader := policy.NewLoader(logger)
	p, err := loader.Load(path)
	if err != nil {
		fmt.Printf("✗ Invalid policy: %s\n", err)
		return err
	}
	fmt.Printf("✓ Policy file valid: %s\n", path)
	fmt.Printf("  Action rules:        %d\n", len(p.ActionRules))
	fmt.Printf("  Checkpoint trigger:  %.2f\n", p.RiskThresholds.CheckpointTrigger)
	fmt.Printf("  Session budget:      %.2f\n", p.RiskThresholds.SessionBudget)
	return nil
}

func runPolicyReload(port int, token string) error {
	p := resolvePort(port)
	if token == "" {
		token = os.Getenv("OVERSIGHTGW_OPERATOR_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("pass --operator-token or set OVERSIGHTGW_OPERATOR_TOKEN to an operator bearer token to reload a running gateway")
	}

	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://localhost:%d/config/reload", p), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to the gateway: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("✓ Policy reloaded")
	} else {
		fmt.Printf("✗ Reload failed (HTTP %d)\n", resp.StatusCode)
	}
	return nil
}

func runStatus(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/stats", p))
	if err != nil {
		fmt.Printf("oversightgw is not running on port %d\n", p)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var stats map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return err
	}

	fmt.Println("Oversight Gateway Status")
	fmt.Println("────────────────────────")
	for k, v := range stats {
		fmt.Printf("  %-20s %v\n", k+":", v)
	}
	return nil
}

func findConfigFile() string {
	candidates := []string{
		"oversightgw.yaml",
		"oversightgw.yml",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port == 0 {
		return 8001
	}
	return port
}
