package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"

	"meagan/logging"
)

// Config holds the gateway configuration
type Config struct {
	GatewayPort         int            `json:"gateway_port" yaml:"gateway_port"`
	ServicesDir         string         `json:"services_dir" yaml:"services_dir"`
	ServiceStartPort    int            `json:"service_start_port" yaml:"service_start_port"`
	ServiceExtension    string         `json:"service_extension" yaml:"service_extension"`
	Runtime             string         `json:"runtime" yaml:"runtime"`
	ServiceHost         string         `json:"service_host" yaml:"service_host"`
	UpgradeableServices []string       `json:"upgradeable_services" yaml:"upgradeable_services"`
	HealthPath          string         `json:"health_path" yaml:"health_path"`
	HealthInterval      int            `json:"health_interval" yaml:"health_interval"`       // seconds
	HealthGraceDelay    int            `json:"health_grace_delay" yaml:"health_grace_delay"` // milliseconds
	ProbeTimeout        int            `json:"probe_timeout" yaml:"probe_timeout"`           // milliseconds
	ProxyTimeout        int            `json:"proxy_timeout" yaml:"proxy_timeout"`           // milliseconds
	ProxyDialTimeout    int            `json:"proxy_dial_timeout" yaml:"proxy_dial_timeout"` // milliseconds
	RefreshDebounce     int            `json:"refresh_debounce" yaml:"refresh_debounce"`     // milliseconds
	Log                 logging.Config `json:"log" yaml:"log"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		GatewayPort:         3000,
		ServicesDir:         "services",
		ServiceStartPort:    3001,
		ServiceExtension:    ".js",
		Runtime:             "node",
		ServiceHost:         "localhost",
		UpgradeableServices: []string{"game"},
		HealthPath:          "/health",
		HealthInterval:      30,
		HealthGraceDelay:    2000,
		ProbeTimeout:        3000,
		ProxyTimeout:        60000,
		ProxyDialTimeout:    5000,
		RefreshDebounce:     100,
		Log: logging.Config{
			Level:      logging.InfoLevel,
			Filename:   filepath.Join("logs", "gateway.log"),
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Console:    false,
		},
	}
}

// LoadConfig loads configuration from a file or environment variables
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	// Load from file if provided
	if configPath != "" {
		if err := loadFromFile(&config, configPath); err != nil {
			return config, err
		}
	}

	if err := overrideFromEnv(&config); err != nil {
		return config, err
	}

	return config, config.Validate()
}

// Validate checks the values the gateway cannot run without.
func (c Config) Validate() error {
	if c.GatewayPort <= 0 || c.GatewayPort > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.GatewayPort)
	}
	if c.ServiceStartPort <= 0 || c.ServiceStartPort > 65535 {
		return fmt.Errorf("invalid service start port %d", c.ServiceStartPort)
	}
	if c.ServicesDir == "" {
		return fmt.Errorf("services directory is required")
	}
	if c.Runtime == "" {
		return fmt.Errorf("runtime is required")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health interval must be positive, got %d", c.HealthInterval)
	}
	if c.HealthGraceDelay < 0 {
		return fmt.Errorf("health grace delay must not be negative, got %d", c.HealthGraceDelay)
	}
	for _, d := range []struct {
		name  string
		value int
	}{
		{"probe timeout", c.ProbeTimeout},
		{"proxy timeout", c.ProxyTimeout},
		{"proxy dial timeout", c.ProxyDialTimeout},
		{"refresh debounce", c.RefreshDebounce},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", d.name, d.value)
		}
	}
	return nil
}

// Addr is the listen address of the gateway front door.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.GatewayPort)
}

func (c Config) HealthIntervalDuration() time.Duration {
	return time.Duration(c.HealthInterval) * time.Second
}

func (c Config) HealthGraceDelayDuration() time.Duration {
	return time.Duration(c.HealthGraceDelay) * time.Millisecond
}

func (c Config) ProbeTimeoutDuration() time.Duration {
	return time.Duration(c.ProbeTimeout) * time.Millisecond
}

func (c Config) ProxyTimeoutDuration() time.Duration {
	return time.Duration(c.ProxyTimeout) * time.Millisecond
}

func (c Config) ProxyDialTimeoutDuration() time.Duration {
	return time.Duration(c.ProxyDialTimeout) * time.Millisecond
}

func (c Config) RefreshDebounceDuration() time.Duration {
	return time.Duration(c.RefreshDebounce) * time.Millisecond
}

// loadFromFile loads configuration from a JSON or YAML file
func loadFromFile(config *Config, path string) error {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(bytes, config); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(bytes, config); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return nil
}

// overrideFromEnv overrides configuration with environment variables
func overrideFromEnv(config *Config) error {
	// GATEWAY_PORT is the historical name, MEAGAN_GATEWAY_PORT wins when both are set
	for _, key := range []string{"GATEWAY_PORT", "MEAGAN_GATEWAY_PORT"} {
		if val := os.Getenv(key); val != "" {
			port, err := parsePort(val)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, val, err)
			}
			config.GatewayPort = port
		}
	}

	if val := os.Getenv("MEAGAN_SERVICE_START_PORT"); val != "" {
		port, err := parsePort(val)
		if err != nil {
			return fmt.Errorf("invalid MEAGAN_SERVICE_START_PORT %q: %w", val, err)
		}
		config.ServiceStartPort = port
	}

	if val := os.Getenv("MEAGAN_SERVICES_DIR"); val != "" {
		config.ServicesDir = val
	}

	if val := os.Getenv("MEAGAN_SERVICE_EXTENSION"); val != "" {
		config.ServiceExtension = val
	}

	if val := os.Getenv("MEAGAN_RUNTIME"); val != "" {
		config.Runtime = val
	}

	if val := os.Getenv("MEAGAN_SERVICE_HOST"); val != "" {
		config.ServiceHost = val
	}

	if val := os.Getenv("MEAGAN_UPGRADEABLE_SERVICES"); val != "" {
		config.UpgradeableServices = splitList(val)
	}

	if val := os.Getenv("MEAGAN_HEALTH_PATH"); val != "" {
		config.HealthPath = val
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"MEAGAN_HEALTH_INTERVAL", &config.HealthInterval},
		{"MEAGAN_HEALTH_GRACE_DELAY", &config.HealthGraceDelay},
		{"MEAGAN_PROBE_TIMEOUT", &config.ProbeTimeout},
		{"MEAGAN_PROXY_TIMEOUT", &config.ProxyTimeout},
		{"MEAGAN_PROXY_DIAL_TIMEOUT", &config.ProxyDialTimeout},
		{"MEAGAN_REFRESH_DEBOUNCE", &config.RefreshDebounce},
	}
	for _, i := range ints {
		if val := os.Getenv(i.key); val != "" {
			n, err := parseEnvInt(val)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", i.key, val, err)
			}
			*i.target = n
		}
	}

	// Logging
	if val := os.Getenv("MEAGAN_LOG_LEVEL"); val != "" {
		config.Log.Level = logging.Level(strings.ToLower(val))
	}

	if val, ok := os.LookupEnv("MEAGAN_LOG_FILE"); ok {
		config.Log.Filename = val
	}

	if val := os.Getenv("MEAGAN_LOG_CONSOLE"); val != "" {
		config.Log.Console = strings.ToLower(val) == "true"
	}

	return nil
}

// parsePort accepts "3000" as well as ":3000"
func parsePort(val string) (int, error) {
	val = strings.TrimPrefix(strings.TrimSpace(val), ":")
	port, err := nat.ParsePort(val)
	if err != nil {
		return 0, err
	}
	if port == 0 {
		return 0, fmt.Errorf("port must be between 1 and 65535")
	}
	return port, nil
}

// parseEnvInt parses an integer from an environment variable
func parseEnvInt(val string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(val))
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
