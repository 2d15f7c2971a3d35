package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/germanamz/rvm/pkg/opsmcp"
	"github.com/germanamz/rvm/pkg/statusapi"
	"github.com/joho/godotenv"
)

const (
	version        = "0.1.0"
	defaultAPI     = "http://localhost:8090"
	requestTimeout = 90 * time.Second
)

func main() {
	// Handle subcommands before flag parsing.
	if len(os.Args) > 1 && os.Args[1] == "mcp" {
		mcpCmd := flag.NewFlagSet("mcp", flag.ExitOnError)
		mcpCmd.Usage = func() {
			fmt.Fprintf(os.Stderr, "Usage: rvmconsole mcp [flags]\n\nServe kiosk operations as MCP tools over stdio.\n\nFlags:\n")
			mcpCmd.PrintDefaults()
		}
		apiURL := mcpCmd.String("api", envOr("RVM_API", defaultAPI), "status API base URL")
		envFile := mcpCmd.String("env", ".env", "path to .env file (ignored if missing)")
		_ = mcpCmd.Parse(os.Args[2:])

		if err := loadDotEnv(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		if err := runMCP(*apiURL); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rvmconsole [flags]\n       rvmconsole <command> [flags]\n\nFlags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n  mcp  Serve kiosk operations as MCP tools over stdio\n")
	}

	apiURL := flag.String("api", envOr("RVM_API", defaultAPI), "status API base URL")
	envFile := flag.String("env", ".env", "path to .env file (ignored if missing)")
	flag.Parse()

	if err := loadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := run(*apiURL); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(apiURL string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := statusapi.NewClient(apiURL, requestTimeout, nil)
	p := tea.NewProgram(newModel(ctx, client, apiURL))

	stop := startBridge(ctx, p, client)
	defer stop()

	_, err := p.Run()
	return err
}

func runMCP(apiURL string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := statusapi.NewClient(apiURL, requestTimeout, nil)

	return opsmcp.New(client, version).Serve(ctx, os.Stdin, os.Stdout)
}
