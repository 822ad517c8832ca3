// Package config loads and validates pipeweave service configuration via
// Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Host          HostConfig          `mapstructure:"host"`
	TemplateSource TemplateSourceConfig `mapstructure:"template_source"`
	DB            DBConfig            `mapstructure:"db"`
	GCS           GCSConfig           `mapstructure:"gcs"`
	PubSub        PubSubConfig        `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `mapstructure:"port"`
	ShutdownGraceSecs int `mapstructure:"shutdown_grace_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig controls the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// HostConfig mirrors composer.HostConfig's static knobs (spec.md §6), the
// subset that is loaded from configuration rather than set programmatically
// per deployment.
type HostConfig struct {
	AMDLoaderURL     string   `mapstructure:"amd_loader_url"`
	PipeDefinitionPath string `mapstructure:"pipe_definition_path"`
	PipeInstanceName string   `mapstructure:"pipe_instance_name"`
	MaxAssetLinks    int      `mapstructure:"max_asset_links"`
	HandledTags      []string `mapstructure:"handled_tags"`
}

// TemplateSourceConfig selects and configures the backend that resolves
// requests to base/child template bytes.
type TemplateSourceConfig struct {
	Backend string `mapstructure:"backend"` // "memory", "local", "gcs", "postgres"
	LocalDir string `mapstructure:"local_dir"`
}

// DBConfig controls access to the Postgres-backed template source.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// GCSConfig controls access to the GCS-backed template source.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for template-invalidation notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIPEWEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_grace_seconds", 15)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "pipeweave")
	v.SetDefault("host.amd_loader_url", "")
	v.SetDefault("host.pipe_instance_name", "p")
	v.SetDefault("host.max_asset_links", 1)
	v.SetDefault("template_source.backend", "memory")
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("db.max_idle_conns", 4)
	v.SetDefault("gcs.prefix", "templates")
	v.SetDefault("pubsub.enabled", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Host.MaxAssetLinks <= 0 {
		return fmt.Errorf("host.max_asset_links must be > 0")
	}
	switch c.TemplateSource.Backend {
	case "memory", "local", "gcs", "postgres":
	default:
		return fmt.Errorf("template_source.backend must be one of memory, local, gcs, postgres")
	}
	if c.TemplateSource.Backend == "local" && c.TemplateSource.LocalDir == "" {
		return fmt.Errorf("template_source.local_dir must be set when backend is local")
	}
	if c.TemplateSource.Backend == "gcs" && c.GCS.Bucket == "" {
		return fmt.Errorf("gcs.bucket must be set when backend is gcs")
	}
	if c.TemplateSource.Backend == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when backend is postgres")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}
