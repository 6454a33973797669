// ABOUTME: Entry point for the herd-master dispatch server
// ABOUTME: Subcommands: serve, init, token, health

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/herdctl/herd/internal/auth"
	"github.com/herdctl/herd/internal/config"
	"github.com/herdctl/herd/internal/master"
)

// version is stamped at build time via -ldflags.
var version = "dev"

const banner = `
  _                   _
 | |__   ___ _ __ __| |
 | '_ \ / _ \ '__/ _' |
 | | | |  __/ | | (_| |
 |_| |_|\___|_|  \__,_|  master
`

// getConfigPath returns the path to the master config file.
// Priority: HERD_CONFIG env var > XDG_CONFIG_HOME/herd/master.yaml > ~/.config/herd/master.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HERD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "master.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "herd", "master.yaml")
}

// getDataPath returns the path to the herd data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "herd")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: herd-master <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                 Start the master server")
		fmt.Println("  init                  Create a new config file")
		fmt.Println("  token --sub SUBJECT   Mint an access token for a caller or minion")
		fmt.Println("  health                Check master health")
		fmt.Println("  version               Print version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	fmt.Println()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Archive:  %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting herd-master",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	m, err := master.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating master: %w", err)
	}

	return m.Run(ctx)
}

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	secret, err := randomSecret()
	if err != nil {
		return err
	}

	content := fmt.Sprintf(`server:
  http_addr: "127.0.0.1:4505"

database:
  path: "%s"

auth:
  jwt_secret: "%s"
  # deny_minions: ["untrusted-minion"]

minions:
  stale_after: "90s"
  poll_timeout: "30s"

jobs:
  default_timeout: "30s"
  retention_ttl: "24h"
  reap_interval: "5m"

publish:
  workers: 8
  rate_limit: 0

logging:
  level: "info"
  format: "text"
`, filepath.Join(getDataPath(), "herd.db"), secret)

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", configPath)
	return nil
}

func runToken() error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("sub", "", "token subject (caller name or minion id)")
	ttl := fs.Duration("ttl", 0, "token lifetime (0 = no expiry)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("--sub is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}

	token, err := verifier.Issue(*subject, *ttl)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := "http://" + cfg.Server.HTTPAddr + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("master unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("master unhealthy: %s", resp.Status)
	}

	color.Green("master healthy at %s", cfg.Server.HTTPAddr)
	return nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
