package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Broker defaults - memory transport keeps single-binary setups working
	// without a broker.
	v.SetDefault("broker.kind", "memory")
	v.SetDefault("broker.url", "")
	v.SetDefault("broker.exchange", "ai_team")
	v.SetDefault("broker.exchangeType", "topic")
	v.SetDefault("broker.clientId", "mindteam")
	v.SetDefault("broker.heartbeatSeconds", 30)
	v.SetDefault("broker.blockedConnectionTimeoutSeconds", 30)
	v.SetDefault("broker.maxReconnects", 10)
	v.SetDefault("broker.strictValidation", true)
	v.SetDefault("broker.priorities.command", 20)
	v.SetDefault("broker.priorities.result", 20)
	v.SetDefault("broker.priorities.error", 20)
	v.SetDefault("broker.priorities.event", 10)
	v.SetDefault("broker.priorities.control", 255)

	// Registry defaults - ttl is three missed heartbeats
	v.SetDefault("registry.heartbeatIntervalSeconds", 10)
	v.SetDefault("registry.ttlSeconds", 30)
	v.SetDefault("registry.cleanupIntervalSeconds", 10)

	// Orchestrator defaults
	v.SetDefault("orchestrator.replyQueue", "orchestrator.replies")
	v.SetDefault("orchestrator.stepTimeoutSeconds", 60)
	v.SetDefault("orchestrator.maxRetries", 3)
	v.SetDefault("orchestrator.waitStepCapSeconds", 10)
	v.SetDefault("orchestrator.maxConcurrentProcesses", 16)

	// Artifact store defaults
	v.SetDefault("artifact.root", "~/.mindteam/artifacts")
	v.SetDefault("artifact.catalogDriver", "sqlite")
	v.SetDefault("artifact.catalogDsn", "")
	v.SetDefault("artifact.bufferMaxItems", 100)
	v.SetDefault("artifact.bufferMaxSizeMb", 256)
	v.SetDefault("artifact.tempMaxAgeHours", 24)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults - empty endpoint means no-op tracer
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "mindteam")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix MINDTEAM_ with underscore
// naming. The config file is config.yaml in the current directory or
// /etc/mindteam/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MINDTEAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase config keys to SNAKE_CASE env vars,
	// so bind the ones operators commonly override.
	_ = v.BindEnv("broker.url", "MINDTEAM_BROKER_URL")
	_ = v.BindEnv("broker.kind", "MINDTEAM_BROKER_KIND")
	_ = v.BindEnv("broker.exchange", "MINDTEAM_BROKER_EXCHANGE")
	_ = v.BindEnv("artifact.root", "MINDTEAM_ARTIFACT_ROOT")
	_ = v.BindEnv("artifact.catalogDsn", "MINDTEAM_ARTIFACT_CATALOG_DSN")
	_ = v.BindEnv("tracing.endpoint", "MINDTEAM_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mindteam/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
