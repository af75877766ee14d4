package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Source      SourceConfig      `yaml:"source"`
	Redis       RedisConfig       `yaml:"redis"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// SourceConfig holds the case/era table source configuration.
// Driver is "postgres" or "snowflake"; both drivers are registered.
type SourceConfig struct {
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn"`
	CaseTable      string `yaml:"case_table"`
	EraTable       string `yaml:"era_table"`
	EraRefTable    string `yaml:"era_ref_table"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the query timeout as a duration, defaulting to 30s.
func (c SourceConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RedisConfig holds the analysis job store configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AnalysisConfig holds defaults for analysis execution
type AnalysisConfig struct {
	BatchSize  int `yaml:"batch_size"`
	NumWorkers int `yaml:"num_workers"`
}

// DiagnosticsConfig holds pass/fail thresholds for SCCS diagnostics.
// Thresholds classify results only; they never alter a computation.
type DiagnosticsConfig struct {
	MdrrMax         float64 `yaml:"mdrr_max"`
	EaseMax         float64 `yaml:"ease_max"`
	TimeTrendPMin   float64 `yaml:"time_trend_p_min"`
	PreExposurePMin float64 `yaml:"pre_exposure_p_min"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPHI *bool  `yaml:"redact_phi"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Source.Driver == "" {
		cfg.Source.Driver = "postgres"
	}
	if cfg.Source.CaseTable == "" {
		cfg.Source.CaseTable = "sccs_cases"
	}
	if cfg.Source.EraTable == "" {
		cfg.Source.EraTable = "sccs_eras"
	}
	if cfg.Source.EraRefTable == "" {
		cfg.Source.EraRefTable = "sccs_era_ref"
	}
	if cfg.Source.TimeoutSeconds == 0 {
		cfg.Source.TimeoutSeconds = 60
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Analysis.BatchSize == 0 {
		cfg.Analysis.BatchSize = 1000
	}
	if cfg.Analysis.NumWorkers == 0 {
		cfg.Analysis.NumWorkers = 4
	}
	if cfg.Diagnostics.MdrrMax == 0 {
		cfg.Diagnostics.MdrrMax = 10
	}
	if cfg.Diagnostics.EaseMax == 0 {
		cfg.Diagnostics.EaseMax = 0.25
	}
	if cfg.Diagnostics.TimeTrendPMin == 0 {
		cfg.Diagnostics.TimeTrendPMin = 0.05
	}
	if cfg.Diagnostics.PreExposurePMin == 0 {
		cfg.Diagnostics.PreExposurePMin = 0.05
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Source.Driver {
	case "postgres", "snowflake":
	default:
		return fmt.Errorf("config: unsupported source driver %q (want postgres or snowflake)", c.Source.Driver)
	}
	if c.Analysis.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be positive, got %d", c.Analysis.BatchSize)
	}
	if c.Analysis.NumWorkers < 1 {
		return fmt.Errorf("config: num_workers must be positive, got %d", c.Analysis.NumWorkers)
	}
	return nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if dsn := os.Getenv("SOURCE_DSN"); dsn != "" {
		cfg.Source.DSN = dsn
	}
	if driver := os.Getenv("SOURCE_DRIVER"); driver != "" {
		cfg.Source.Driver = driver
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
