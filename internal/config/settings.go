package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig
	Server   ServerConfig
	Routes   RoutesConfig
	Cluster  ClusterConfig
	Dispatch DispatchConfig
	Security SecurityConfig
}

// AppConfig holds application-level settings
type AppConfig struct {
	Version     string
	Environment string // development or production
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	H2C             bool
}

// RoutesConfig holds route discovery settings
type RoutesConfig struct {
	Dir       string
	CacheSize int
	Watch     bool
}

// ClusterConfig holds worker pool settings
type ClusterConfig struct {
	Enabled        bool
	Workers        int // 0 = runtime.NumCPU()
	Algorithm      string
	StickySessions bool
	RestartDelay   time.Duration
	ReportInterval time.Duration
}

// DispatchConfig holds per-request pipeline settings
type DispatchConfig struct {
	RequestTimeout time.Duration
	DefaultHeaders map[string]string
	HealthPath     string
	MetricsPath    string
}

// SecurityConfig holds the built-in global hooks
type SecurityConfig struct {
	CORSOrigins     []string // empty disables CORS
	SecurityHeaders bool
	RateLimit       float64 // requests per second per client, 0 disables
	RateBurst       int
}

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Default returns the configuration used when no environment is set
func Default() *Config {
	return &Config{
		App: AppConfig{
			Version:     "dev",
			Environment: EnvDevelopment,
		},
		Server: ServerConfig{
			Host:            "",
			Port:            3000,
			ShutdownTimeout: 30 * time.Second,
		},
		Routes: RoutesConfig{
			Dir:       "routes",
			CacheSize: 1000,
			Watch:     true,
		},
		Cluster: ClusterConfig{
			Algorithm:      "round-robin",
			RestartDelay:   time.Second,
			ReportInterval: time.Second,
		},
		Dispatch: DispatchConfig{
			RequestTimeout: 30 * time.Second,
			DefaultHeaders: map[string]string{},
			HealthPath:     "/_health",
			MetricsPath:    "/_metrics",
		},
		Security: SecurityConfig{
			SecurityHeaders: true,
			RateBurst:       20,
		},
	}
}

// LoadConfig loads configuration from the environment, reading a .env file
// first when one exists.
func LoadConfig(logger *slog.Logger) (*Config, error) {
	// Load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("loading application configuration")

	config := Default()

	loadAppConfig(&config.App, logger)

	if err := loadServerConfig(&config.Server, logger); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}

	loadRoutesConfig(&config.Routes, config.IsDevelopment(), logger)
	loadClusterConfig(&config.Cluster, logger)

	if err := loadDispatchConfig(&config.Dispatch, logger); err != nil {
		return nil, fmt.Errorf("failed to load dispatch config: %w", err)
	}

	if err := loadSecurityConfig(&config.Security); err != nil {
		return nil, fmt.Errorf("failed to load security config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger.Info("configuration loaded successfully",
		"environment", config.App.Environment,
		"version", config.App.Version,
		"port", config.Server.Port,
		"routes_dir", config.Routes.Dir,
		"cluster", config.Cluster.Enabled,
	)

	return config, nil
}

func loadAppConfig(cfg *AppConfig, logger *slog.Logger) {
	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	}

	env := os.Getenv("ENV")
	if env == "" {
		logger.Warn("ENV not set, using default", "default", cfg.Environment)
		return
	}
	cfg.Environment = strings.ToLower(env)
}

func loadServerConfig(cfg *ServerConfig, logger *slog.Logger) error {
	cfg.Host = os.Getenv("HOST")

	if port := os.Getenv("PORT"); port != "" {
		parsed, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("PORT must be a number: %w", err)
		}
		cfg.Port = parsed
	} else {
		logger.Warn("PORT not set, using default", "default", cfg.Port)
	}

	cfg.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout, logger)
	cfg.H2C = getEnvAsBool("H2C", cfg.H2C)
	return nil
}

func loadRoutesConfig(cfg *RoutesConfig, development bool, logger *slog.Logger) {
	if dir := os.Getenv("ROUTES_DIR"); dir != "" {
		cfg.Dir = dir
	} else {
		logger.Warn("ROUTES_DIR not set, using default", "default", cfg.Dir)
	}
	cfg.CacheSize = getEnvAsInt("ROUTE_CACHE_SIZE", cfg.CacheSize)
	cfg.Watch = getEnvAsBool("WATCH", development)
}

func loadClusterConfig(cfg *ClusterConfig, logger *slog.Logger) {
	cfg.Enabled = getEnvAsBool("CLUSTER", cfg.Enabled)
	cfg.Workers = getEnvAsInt("WORKERS", cfg.Workers)
	if algo := os.Getenv("LB_ALGORITHM"); algo != "" {
		cfg.Algorithm = strings.ToLower(algo)
	}
	cfg.StickySessions = getEnvAsBool("STICKY_SESSIONS", cfg.StickySessions)
	cfg.RestartDelay = getEnvAsDuration("RESTART_DELAY", cfg.RestartDelay, logger)
	cfg.ReportInterval = getEnvAsDuration("REPORT_INTERVAL", cfg.ReportInterval, logger)

	logger.Debug("cluster config loaded",
		"enabled", cfg.Enabled,
		"workers", cfg.Workers,
		"algorithm", cfg.Algorithm,
		"sticky_sessions", cfg.StickySessions,
	)
}

func loadDispatchConfig(cfg *DispatchConfig, logger *slog.Logger) error {
	cfg.RequestTimeout = getEnvAsDuration("REQUEST_TIMEOUT", cfg.RequestTimeout, logger)

	if raw := os.Getenv("DEFAULT_HEADERS"); raw != "" {
		headers, err := ParseHeaders(raw)
		if err != nil {
			return err
		}
		cfg.DefaultHeaders = headers
	}
	if p := os.Getenv("HEALTH_PATH"); p != "" {
		cfg.HealthPath = p
	}
	if p := os.Getenv("METRICS_PATH"); p != "" {
		cfg.MetricsPath = p
	}
	return nil
}

func loadSecurityConfig(cfg *SecurityConfig) error {
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitAndTrim(origins, ",")
	}
	cfg.SecurityHeaders = getEnvAsBool("SECURITY_HEADERS", cfg.SecurityHeaders)
	if raw := os.Getenv("RATE_LIMIT"); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT must be a number: %w", err)
		}
		cfg.RateLimit = rate
	}
	cfg.RateBurst = getEnvAsInt("RATE_BURST", cfg.RateBurst)
	return nil
}

// ParseHeaders parses "Key: Value; Key2: Value2"
func ParseHeaders(raw string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, pair := range splitAndTrim(raw, ";") {
		key, value, ok := strings.Cut(pair, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Key: Value\"", pair)
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}

// Helper functions

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}

// getEnvAsDuration accepts Go durations ("15s") or plain milliseconds ("1500")
func getEnvAsDuration(key string, defaultVal time.Duration, logger *slog.Logger) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		logger.Warn("invalid duration, using default", "key", key, "value", val, "default", defaultVal.String())
		return defaultVal
	}
	return d
}

func splitAndTrim(s, sep string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// Address returns host:port for the listener
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Routes.Dir == "" {
		return fmt.Errorf("routes directory is required")
	}
	if c.Routes.CacheSize <= 0 {
		return fmt.Errorf("route cache size must be positive")
	}
	if c.Cluster.Workers < 0 {
		return fmt.Errorf("worker count cannot be negative")
	}
	switch c.Cluster.Algorithm {
	case "round-robin", "least-connections", "least-cpu", "fastest-response":
	default:
		return fmt.Errorf("unknown load balancing algorithm %q", c.Cluster.Algorithm)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	if c.Dispatch.RequestTimeout < 0 {
		return fmt.Errorf("request timeout cannot be negative")
	}
	if c.Security.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if c.Security.RateLimit > 0 && c.Security.RateBurst <= 0 {
		return fmt.Errorf("rate burst must be positive when rate limiting")
	}
	return nil
}
