package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"waflow/internal/constants"
	"waflow/internal/models"
	"waflow/internal/security"
)

var (
	ErrMissingDBPath      = models.ConfigError{Message: "missing database path"}
	ErrMissingVerifyToken = models.ConfigError{Message: "missing webhook verify token"}
)

func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	if c.Meta.TimeoutSec <= 0 {
		c.Meta.TimeoutSec = constants.DefaultMetaTimeoutSec
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	}
	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}

	if c.Retention.Days <= 0 {
		c.Retention.Days = constants.DefaultRetentionDays
	}
	if c.Retention.CleanupIntervalHours <= 0 {
		c.Retention.CleanupIntervalHours = constants.DefaultCleanupIntervalHours
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	// SECURITY: webhook credentials normally come from the environment,
	// not the config file.
	for _, name := range []string{"META_VERIFY_TOKEN", "WHATSAPP_VERIFY_TOKEN", "VERIFY_TOKEN"} {
		if token := os.Getenv(name); token != "" {
			c.Meta.VerifyToken = token
			break
		}
	}
	if secret := os.Getenv("META_APP_SECRET"); secret != "" {
		c.Meta.AppSecret = secret
	}
	if url := os.Getenv("GRAPH_BASE_URL"); url != "" {
		c.Meta.GraphBaseURL = url
	}

	for _, name := range []string{"PORT", "APP_PORT"} {
		if raw := os.Getenv(name); raw != "" {
			if port, err := strconv.Atoi(raw); err == nil && port > 0 {
				c.Server.Port = port
				break
			}
		}
	}

	if path := os.Getenv("DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("WAFLOW_ENV") == "production"

	if isProduction {
		if c.Meta.VerifyToken == "" {
			return ErrMissingVerifyToken
		}
		if c.Meta.AppSecret == "" {
			return models.ConfigError{Message: "Meta app secret is required in production (set META_APP_SECRET environment variable)"}
		}
		if len(c.Meta.AppSecret) < 32 {
			return models.ConfigError{Message: "Meta app secret must be at least 32 characters long"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else {
		if c.Meta.AppSecret == "" {
			fmt.Fprintf(os.Stderr, "WARNING: Meta app secret not set. Webhook signatures will not be verified.\n")
		}
	}

	return nil
}
