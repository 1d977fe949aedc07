// Package config loads the broker binary's settings from built-in defaults, an
// optional .env file, an optional YAML file, the environment and flags, in
// that order of increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// BrokerConfig holds configuration for the activitybridge broker.
type BrokerConfig struct {
	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	ConfigFile     string        `yaml:"-"`
	EnvFile        string        `yaml:"-"`
	LogLevel       string        `yaml:"log_level"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	OutboundBuffer int           `yaml:"outbound_buffer"`
	IncomingBuffer int           `yaml:"incoming_buffer"`
	EventBuffer    int           `yaml:"event_buffer"`
	ReportBuffer   int           `yaml:"report_buffer"`
	RedisAddr      string        `yaml:"redis_addr"`
	ReportStream   string        `yaml:"report_stream"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	WSPath         string        `yaml:"ws_path"`
	APIKey         string        `yaml:"api_key"`
}

// SetDefaults fills zero fields with built-in defaults.
func (c *BrokerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8765
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.OutboundBuffer == 0 {
		c.OutboundBuffer = 32
	}
	if c.IncomingBuffer == 0 {
		c.IncomingBuffer = 256
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 100
	}
	if c.ReportBuffer == 0 {
		c.ReportBuffer = 64
	}
	if c.ReportStream == "" {
		c.ReportStream = "activitybridge:reports"
	}
	if c.WSPath == "" {
		c.WSPath = "/bridge/connect"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("broker.yaml")
	}
	if c.EnvFile == "" {
		c.EnvFile = ".env"
	}
}

// LoadFile overlays the YAML file at path.
func (c *BrokerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// LoadEnvFile exports the variables of a .env file into the process
// environment without overriding variables that are already set.
func (c *BrokerConfig) LoadEnvFile(path string) error {
	return godotenv.Load(path)
}

// ApplyEnv overlays environment variables onto the current values.
func (c *BrokerConfig) ApplyEnv() {
	if v := getEnv("CONFIG_FILE"); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("METRICS_PORT"); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v := getEnv("REQUEST_TIMEOUT"); v != "" {
		if d, err := parseSeconds(v); err == nil {
			c.RequestTimeout = d
		}
	}
	if v := getEnv("DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := getEnv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := getEnv("REPORT_STREAM"); v != "" {
		c.ReportStream = v
	}
	if v := getEnv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := getEnv("WS_PATH"); v != "" {
		c.WSPath = v
	}
	if v := getEnv("API_KEY"); v != "" {
		c.APIKey = v
	}
}

// BindFlags registers flags on flags using the current values as defaults.
func (c *BrokerConfig) BindFlags(flags *flag.FlagSet) {
	flags.StringVar(&c.ConfigFile, "config", c.ConfigFile, "broker config file path")
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flags.IntVar(&c.Port, "port", c.Port, "HTTP listen port for bridges and the admin API")
	flags.Func("metrics-port", "Prometheus metrics listen address or port; empty serves /metrics on --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	flags.Func("request-timeout", "bridge request timeout in seconds", func(v string) error {
		d, err := parseSeconds(v)
		if err != nil {
			return err
		}
		c.RequestTimeout = d
		return nil
	})
	flags.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for bridges to disconnect on shutdown (0 to exit immediately)")
	flags.IntVar(&c.OutboundBuffer, "outbound-buffer", c.OutboundBuffer, "per-bridge outbound frame queue length")
	flags.IntVar(&c.IncomingBuffer, "incoming-buffer", c.IncomingBuffer, "inbound frame backlog shared by all bridges")
	flags.IntVar(&c.EventBuffer, "event-buffer", c.EventBuffer, "event backlog per subscriber before lag is reported")
	flags.IntVar(&c.ReportBuffer, "report-buffer", c.ReportBuffer, "activity report queue length")
	flags.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for server state and report publishing")
	flags.StringVar(&c.ReportStream, "report-stream", c.ReportStream, "redis stream receiving activity reports")
	flags.StringVar(&c.WSPath, "ws-path", c.WSPath, "HTTP path bridges connect to")
	flags.StringVar(&c.APIKey, "api-key", c.APIKey, "bearer key required by the admin API and MCP endpoint; leave empty to disable auth")
	flags.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// Load resolves the configuration for args (without the program name) and
// binds the flags on flags. Missing default .env and config files are skipped;
// files named explicitly must exist.
func Load(flags *flag.FlagSet, args []string) (BrokerConfig, error) {
	var c BrokerConfig
	explicitEnv := getEnv("ENV_FILE")
	c.EnvFile = explicitEnv
	c.SetDefaults()
	if err := c.LoadEnvFile(c.EnvFile); err != nil && (explicitEnv != "" || !errors.Is(err, fs.ErrNotExist)) {
		return c, fmt.Errorf("env file %s: %w", c.EnvFile, err)
	}
	c.ApplyEnv()

	// --config has to be known before the file loads; the other flags must
	// still win over the file, so they are bound after it.
	explicitFile := getEnv("CONFIG_FILE") != ""
	if v, ok := flagValue(args, "config"); ok {
		c.ConfigFile = v
		explicitFile = true
	}
	if err := c.LoadFile(c.ConfigFile); err != nil && (explicitFile || !errors.Is(err, fs.ErrNotExist)) {
		return c, fmt.Errorf("config file %s: %w", c.ConfigFile, err)
	}
	c.ApplyEnv()
	c.BindFlags(flags)
	if err := flags.Parse(args); err != nil {
		return c, err
	}
	c.SetDefaults()
	return c, nil
}

// flagValue finds -name=v, --name=v, -name v or --name v in args.
func flagValue(args []string, name string) (string, bool) {
	for i, a := range args {
		if a == "--" {
			break
		}
		a = strings.TrimPrefix(strings.TrimPrefix(a, "-"), "-")
		if v, ok := strings.CutPrefix(a, name+"="); ok {
			return v, true
		}
		if a == name && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

// DefaultConfigPath returns the platform config location for name.
func DefaultConfigPath(name string) string {
	home, _ := os.UserHomeDir()
	return resolveConfigPath(runtime.GOOS, home, os.Getenv("ProgramData"), name)
}

func resolveConfigPath(goos, home, programData, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "activitybridge", name)
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		return filepath.Join(strings.TrimRight(programData, `\/`), "activitybridge", name)
	default:
		return filepath.Join("/etc", "activitybridge", name)
	}
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func metricsAddr(v string) string {
	if v == "" || strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

// parseSeconds accepts a number of seconds or a Go duration.
func parseSeconds(v string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
