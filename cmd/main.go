// Package main is the entry point for the Antigravity gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/compresr/antigravity-gateway/internal/config"
	"github.com/compresr/antigravity-gateway/internal/gateway"
	"github.com/compresr/antigravity-gateway/internal/monitoring"
)

// Version is set at build time via ldflags.
var Version = "v0.1.0"

const defaultShutdownTimeout = 30 * time.Second

// ANSI color codes
const (
	accent = "\033[38;2;66;133;244m"
	bold   = "\033[1m"
	reset  = "\033[0m"
)

const banner = `
   _          _   _                       _ _
  /_\  _ _ __| |_(_)__ _ _ _ __ ___ _(_) |_ _  _
 / _ \| ' \ _|  _| / _' | '_/ _' \ V / |  _| || |
/_/ \_\_||_\__|\__|_\__, |_| \__,_|\_/|_|\__|\_, |
                    |___/        gateway     |__/
`

func printBanner() {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Print(accent + bold + banner + reset + "\n")
		return
	}
	fmt.Print(banner + "\n")
}

// loadEnvFiles loads .env from standard locations
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	// Try loading from ~/.config/antigravity-gateway/.env first
	configEnv := filepath.Join(homeDir, ".config", "antigravity-gateway", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Also load local .env (can override)
	_ = godotenv.Load()
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve", "start":
			os.Exit(runGatewayServer(os.Args[2:]))
		case "config":
			os.Exit(printEmbeddedConfig(os.Args[2:]))
		case "version", "-v", "--version":
			printVersion()
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	// Default: serve, accepting serve flags directly.
	os.Exit(runGatewayServer(os.Args[1:]))
}

// resolveServeConfig resolves the config for the serve command.
// Checks: user flag -> filesystem locations -> embedded default.
// Returns raw bytes and source description.
func resolveServeConfig(userConfig string) ([]byte, string, error) {
	if userConfig != "" {
		data, err := os.ReadFile(userConfig)
		if err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", userConfig)
		}
		return data, userConfig, nil
	}

	var searchPaths []string
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", "antigravity-gateway", "config.yaml"))
	}
	searchPaths = append(searchPaths, "configs/antigravity.yaml", "config.yaml")

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return data, path, nil
		}
	}

	data, err := getEmbeddedConfig(defaultConfigName)
	if err != nil {
		return nil, "", fmt.Errorf("no config file found, specify --config path: %w", err)
	}
	return data, "(embedded) " + defaultConfigName + ".yaml", nil
}

// runGatewayServer starts the gateway and blocks until a shutdown signal.
// It returns the process exit code.
func runGatewayServer(args []string) int {
	loadEnvFiles()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	noBanner := fs.Bool("no-banner", false, "suppress startup banner")
	_ = fs.Parse(args) // ExitOnError handles errors

	if !*noBanner {
		printBanner()
	}

	configData, configSource, err := resolveServeConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cfg, err := config.LoadFromBytes(configData)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load %s: %v\n", configSource, err)
		return 1
	}

	logger := monitoring.Global(loggerConfig(cfg.Monitoring, *debug))
	defer logger.Close()

	log.Info().
		Str("version", Version).
		Str("config", configSource).
		Int("port", cfg.Server.Port).
		Int("accounts", len(cfg.Accounts.Static)).
		Msg("Antigravity gateway starting")

	gw, err := gateway.New(cfg, gateway.WithVersion(Version), gateway.WithLogger(logger))
	if err != nil {
		log.Error().Err(err).Msg("failed to create gateway")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	select {
	case err := <-errCh:
		_ = gw.Close()
		if err != nil {
			log.Error().Err(err).Msg("gateway error")
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received")
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gateway shutdown error")
		return 1
	}
	log.Info().Msg("Antigravity gateway stopped")
	return 0
}

// loggerConfig resolves the logger settings. An unset format means console
// output on a terminal and JSON otherwise.
func loggerConfig(m config.MonitoringConfig, debug bool) monitoring.LoggerConfig {
	lc := monitoring.LoggerConfig{Level: m.LogLevel, Format: m.LogFormat, Output: m.LogOutput}
	if debug {
		lc.Level = "debug"
	}
	if lc.Format == "" {
		lc.Format = "json"
		if (lc.Output == "" || lc.Output == "stdout") && term.IsTerminal(int(os.Stdout.Fd())) {
			lc.Format = "console"
		}
	}
	return lc
}

// printEmbeddedConfig writes an embedded config to stdout, or lists them
// with --list.
func printEmbeddedConfig(args []string) int {
	name := defaultConfigName
	if len(args) > 0 {
		name = args[0]
	}
	if name == "--list" || name == "-l" {
		names, err := listEmbeddedConfigs()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return 0
	}

	data, err := getEmbeddedConfig(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: unknown config %q (try --list)\n", name)
		return 1
	}
	_, _ = os.Stdout.Write(data)
	return 0
}

func printVersion() {
	fmt.Printf("antigravity-gateway %s\n", Version)
	fmt.Printf("Runtime: %s/%s %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

// printHelp prints usage information
func printHelp() {
	printBanner()
	fmt.Println("Antigravity gateway - Messages API front end for the Antigravity backend")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  antigravity-gateway [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve        Start the gateway server (default)")
	fmt.Println("  config       Print an embedded configuration (--list to list)")
	fmt.Println("  version      Print version information")
	fmt.Println("  help         Show this help message")
	fmt.Println()
	fmt.Println("Server Options:")
	fmt.Println("  --config FILE    Gateway config (default: search, then embedded)")
	fmt.Println("  --debug          Enable debug logging")
	fmt.Println("  --no-banner      Suppress startup banner")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  ANTIGRAVITY_ACCESS_TOKEN / ANTIGRAVITY_REFRESH_TOKEN   Single account when none is configured")
	fmt.Println("  ANTIGRAVITY_API_URL                                    Backend base URL override")
	fmt.Println("  GATEWAY_PORT                                           Listen port (default 18080)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  antigravity-gateway serve")
	fmt.Println("  antigravity-gateway serve --config ./config.yaml --debug")
	fmt.Println("  antigravity-gateway config > config.yaml")
}
