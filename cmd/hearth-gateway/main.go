// ABOUTME: Entry point for the hearth-gateway message gateway server
// ABOUTME: Registers local nodes and routes groups, sessions and agent requests

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/hearthside/hearth-gateway/internal/agent"
	"github.com/hearthside/hearth-gateway/internal/auth"
	"github.com/hearthside/hearth-gateway/internal/config"
	"github.com/hearthside/hearth-gateway/internal/gateway"
)

// version is set at build time.
var version = "dev"

const banner = `
 _                     _   _
| |__   ___  __ _ _ __| |_| |__
| '_ \ / _ \/ _' | '__| __| '_ \
| | | |  __/ (_| | |  | |_| | | |
|_| |_|\___|\__,_|_|   \__|_| |_|  gateway
`

// getConfigPath returns the path to the gateway config file.
// Priority: HEARTH_CONFIG env var > XDG_CONFIG_HOME/hearth/gateway.yaml > ~/.config/hearth/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HEARTH_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "hearth", "gateway.yaml")
}

// getDataPath returns the path to the hearth data directory.
// Priority: XDG_DATA_HOME/hearth > ~/.local/share/hearth
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "hearth")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: hearth-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                 Start the gateway server")
		fmt.Println("  init                  Create a new config file interactively")
		fmt.Println("  health                Check gateway health")
		fmt.Println("  nodes                 List connected nodes")
		fmt.Println("  token --name NAME     Mint a device token (token auth mode)")
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
	case "health":
		err = runHealth(ctx)
	case "nodes":
		err = runNodes(ctx)
	case "token":
		err = runToken()
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

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:    %s\n", cfg.Server.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Auth:      %s\n", cfg.Auth.Mode)
	if cfg.Discovery.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Discovery: mDNS enabled\n")
	}
	fmt.Println()

	logger.Info("starting hearth-gateway",
		"config", configPath,
		"addr", cfg.Server.Addr,
		"auth_mode", cfg.Auth.Mode,
	)

	gateway.Version = version

	// The echo invoker stands in until a real agent backend is attached.
	gw, err := gateway.New(cfg, &agent.EchoInvoker{}, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
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
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.Addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runNodes fetches the status snapshot and prints the connected nodes.
func runNodes(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/status", cfg.Server.Addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: status %d", resp.StatusCode)
	}

	var status struct {
		Nodes []struct {
			ID     string   `json:"id"`
			Name   string   `json:"name"`
			Role   string   `json:"role"`
			Groups []string `json:"groups"`
		} `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	if len(status.Nodes) == 0 {
		fmt.Println("no nodes connected")
		return nil
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	for _, n := range status.Nodes {
		cyan.Printf("%s", n.Name)
		fmt.Printf(" (%s)", n.Role)
		gray.Printf("  %s", n.ID)
		if len(n.Groups) > 0 {
			fmt.Printf("  groups: %s", strings.Join(n.Groups, ", "))
		}
		fmt.Println()
	}
	return nil
}

// runToken mints a signed device token against the configured shared
// secret, so devices never need the raw secret in their own configs.
func runToken() error {
	var name string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			name = strings.TrimPrefix(arg, "--name=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("--name flag is required")
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	guard, err := auth.New(auth.Mode(cfg.Auth.Mode), cfg.Auth.Token)
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}

	tokenTTL := 30 * 24 * time.Hour
	token, err := guard.MintToken(name, tokenTTL)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Device token for %s (expires %s)\n", name,
		time.Now().Add(tokenTTL).UTC().Format("Jan 02, 2006"))
	fmt.Println()
	fmt.Println(token)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("hearth-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gateway.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	addr := prompt(reader, "Listen address", config.DefaultAddr)

	fmt.Println("\n--- Authentication ---")
	authMode := prompt(reader, "Auth mode (none/token/password)", "none")
	var authSecret string
	switch authMode {
	case "token":
		authSecret = prompt(reader, "Shared token", "")
	case "password":
		plain := prompt(reader, "Password (stored as bcrypt hash)", "")
		if plain != "" {
			hash, err := auth.HashPassword(plain)
			if err != nil {
				return fmt.Errorf("hashing password: %w", err)
			}
			authSecret = hash
		}
	}

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Discovery ---")
	enableDiscovery := prompt(reader, "Advertise on the local network (mDNS)?", "yes")
	discoveryEnabled := strings.ToLower(enableDiscovery) == "yes" || strings.ToLower(enableDiscovery) == "y"

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# hearth-gateway configuration\n")
	cfg.WriteString("# Generated by hearth-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  addr: \"%s\"\n", addr))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  mode: \"%s\"\n", authMode))
	switch authMode {
	case "token":
		cfg.WriteString(fmt.Sprintf("  token: \"%s\"\n", authSecret))
	case "password":
		cfg.WriteString(fmt.Sprintf("  password: \"%s\"\n", authSecret))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("heartbeat:\n")
	cfg.WriteString("  interval: \"30s\"\n")
	cfg.WriteString("  timeout: \"90s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("discovery:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", discoveryEnabled))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  hearth-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
