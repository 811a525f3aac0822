// ABOUTME: Entry point for studio-gateway, the credential-rotating API gateway
// ABOUTME: Subcommands serve the gateway or query a running one (health, status, switch)

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/studio-gateway/internal/config"
	"github.com/2389/studio-gateway/internal/gateway"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
     _             _ _                       _
 ___| |_ _   _  __| (_) ___         __ _ ___| |_ ___ _      ____ _ _   _
/ __| __| | | |/ _' | |/ _ \ _____ / _' / _' | __/ _ \ \ /\ / / _' | | | |
\__ \ |_| |_| | (_| | | (_) |_____| (_| (_| | ||  __/\ V  V / (_| | |_| |
|___/\__|\__,_|\__,_|_|\___/       \__, \__,_|\__\___| \_/\_/ \__,_|\__, |
                                   |___/                            |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: --config flag > STUDIO_CONFIG env var > XDG_CONFIG_HOME/studio/gateway.yaml > ~/.config/studio/gateway.yaml
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("STUDIO_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "studio", "gateway.yaml")
}

func usage() {
	fmt.Println("Usage: studio-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the gateway server")
	fmt.Println("  health                 Check gateway liveness and agent readiness")
	fmt.Println("  status                 Show credential rotation status")
	fmt.Println("  switch [--index N]     Switch credential (next one when --index is omitted)")
	fmt.Println()
	fmt.Println("Common flags:")
	fmt.Println("  --config PATH          Config file (default $STUDIO_CONFIG or ~/.config/studio/gateway.yaml)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "switch":
		err = runSwitch(ctx, args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configFlag := flags.StringP("config", "c", "", "config file path")
	if err := flags.Parse(args); err != nil {
		return err
	}
	configPath := getConfigPath(*configFlag)

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:      %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:        %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	if cfg.Server.GRPCAddr != "" {
		fmt.Printf("gRPC:        %s\n", cfg.Server.GRPCAddr)
	} else {
		fmt.Printf("gRPC:        ")
		gray.Println("disabled")
	}
	green.Print("    ▶ ")
	fmt.Printf("Credentials: %s\n", credentialsLabel(cfg.Credentials))
	green.Print("    ▶ ")
	fmt.Printf("Streaming:   %s\n", cfg.Proxy.StreamingMode)
	green.Print("    ▶ ")
	if cfg.Session.Command != "" {
		fmt.Printf("Agent:       %s\n", cfg.Session.Command)
	} else {
		fmt.Printf("Agent:       ")
		gray.Println("external")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:   ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.AllowAnonymous {
		yellow.Println("    ! anonymous API access enabled")
	}

	fmt.Println()

	logger.Info("starting studio-gateway",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"switch_on_uses", cfg.Rotation.SwitchOnUses,
		"failure_threshold", cfg.Rotation.FailureThreshold,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func credentialsLabel(c config.CredentialsConfig) string {
	switch c.Source {
	case config.SourceDir:
		return "dir " + c.Dir
	case config.SourceSQLite:
		return "sqlite " + c.SQLitePath
	default:
		return c.Source
	}
}
