// ABOUTME: Entry point for the inbox-gateway customer support server
// ABOUTME: Cobra commands to serve, probe health and mint agent tokens

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/config"
	"github.com/2389/inbox-gateway/internal/gateway"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _       _                                 _
 (_)_ __ | |__   _____  __   __ _  __ _| |_ _____      ____ _ _   _
 | | '_ \| '_ \ / _ \ \/ /  / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | | | | | |_) | (_) >  <  | (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_|_| |_|_.__/ \___/_/\_\  \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                            |___/                             |___/
`

// resolveConfigPath returns the config file path.
// Priority: --config flag > INBOX_CONFIG env var > none (defaults plus environment).
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("INBOX_CONFIG")
}

func loadConfig(flagValue string) (*config.Config, string, error) {
	path := resolveConfigPath(flagValue)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "inbox-gateway",
		Short:         "Omnichannel customer support inbox",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML or TOML)")

	root.AddCommand(
		newServeCommand(&configPath),
		newHealthCommand(&configPath),
		newTokenCommand(&configPath),
	)
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configFlag string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(configFlag)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if configPath == "" {
		configPath = "(environment only)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Assistant: ")
	if cfg.AssistantConfigured() {
		cyan.Println(cfg.Assistant.AssistantID)
	} else {
		yellow.Println("disabled")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Messenger.VerifyToken == "" {
		yellow.Println("    ! META_VERIFY_TOKEN not set, webhook subscriptions will be rejected")
	}

	fmt.Println()

	logger.Info("starting inbox-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"debounce_window", cfg.Pipeline.DebounceWindow,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func newHealthCommand(configPath *string) *cobra.Command {
	var ready bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			path := "/health"
			if ready {
				path = "/health/ready"
			}
			return runHealth(cmd.Context(), healthURL(cfg.Server.HTTPAddr, path))
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "check readiness instead of liveness")
	return cmd
}

// healthURL points at localhost when the server binds every interface.
func healthURL(addr, path string) string {
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1" + strings.TrimPrefix(addr, "0.0.0.0")
	}
	return "http://" + addr + path
}

func runHealth(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func newTokenCommand(configPath *string) *cobra.Command {
	var (
		agentID string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for a support agent",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			token, err := mintAgentToken(cfg.Auth.JWTSecret, agentID, auth.Role(role), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent identifier (required)")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleAgent), "agent or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("agent-id")
	return cmd
}

func mintAgentToken(secret, agentID string, role auth.Role, ttl time.Duration) (string, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return "", fmt.Errorf("agent id cannot be empty")
	}
	if role != auth.RoleAgent && role != auth.RoleAdmin {
		return "", fmt.Errorf("role must be %s or %s, got %q", auth.RoleAgent, auth.RoleAdmin, role)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	token, err := auth.NewJWTVerifier([]byte(secret)).Generate(auth.AgentClaims(agentID, role), ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
