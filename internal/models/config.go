package models

// Config holds the application configuration
type Config struct {
	Server    ServerConfig   `json:"server"`
	Meta      MetaConfig     `json:"meta"`
	Database  DatabaseConfig `json:"database"`
	Retry     RetryConfig    `json:"retry"`
	Tracing   TracingConfig  `json:"tracing"`
	LogLevel  string         `json:"log_level"`
	Retention RetentionConfig `json:"retention"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port            int `json:"port"`
	ReadTimeoutSec  int `json:"readTimeoutSec"`
	WriteTimeoutSec int `json:"writeTimeoutSec"`
	IdleTimeoutSec  int `json:"idleTimeoutSec"`
}

// MetaConfig holds Meta Graph API settings
type MetaConfig struct {
	GraphBaseURL string `json:"graph_base_url"`
	VerifyToken  string `json:"verify_token"`
	AppSecret    string `json:"app_secret"`
	TimeoutSec   int    `json:"timeoutSec"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

// RetentionConfig controls pruning of old session logs and terminal sessions.
type RetentionConfig struct {
	Days                 int `json:"days"`
	CleanupIntervalHours int `json:"cleanupIntervalHours"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
