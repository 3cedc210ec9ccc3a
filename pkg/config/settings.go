package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Preset          string          `mapstructure:"preset" validate:"required,oneof=duplex telemetry"`
	PublishInterval time.Duration   `mapstructure:"publish_interval" validate:"gt=0"`
	EnableConsumer  *bool           `mapstructure:"enable_consumer" validate:"required"`
	ReceiveWait     time.Duration   `mapstructure:"receive_wait" validate:"gt=0"`
	Broker          BrokerSettings  `mapstructure:"broker"`
	Journal         JournalSettings `mapstructure:"journal"`
	Observability   Observability   `mapstructure:"observability"`
	Log             LogSettings     `mapstructure:"log"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// ConsumerEnabled reports whether the inbound loop should run.
func (c *Settings) ConsumerEnabled() bool {
	return c.EnableConsumer != nil && *c.EnableConsumer
}

// ApplyPreset fills PublishInterval and EnableConsumer from the named
// preset. Values already set explicitly are left alone.
func (c *Settings) ApplyPreset() error {
	p, ok := Presets[c.Preset]
	if !ok {
		return fmt.Errorf("unknown preset: %s", c.Preset)
	}
	if c.PublishInterval == 0 {
		c.PublishInterval = p.PublishInterval
	}
	if c.EnableConsumer == nil {
		enabled := p.EnableConsumer
		c.EnableConsumer = &enabled
	}
	return nil
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	setDefaults()
	viper.SetConfigType("yaml")
	viper.SetConfigName("simulator")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "simulator."+env)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merging %s config: %w", env, err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load from env: %w", err)
	}

	if err := cfg.ApplyPreset(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("SIMULATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like SIMULATOR_BROKER_TYPE

	// AutomaticEnv only sees keys viper already knows about.
	for _, key := range []string{
		"preset",
		"publish_interval",
		"enable_consumer",
		"receive_wait",
		"broker.type",
		"broker.port",
		"broker.tls",
		"broker.auth",
		"broker.sas_token_ttl",
		"broker.connect_timeout",
		"broker.inbox_size",
		"broker.events_topic",
		"broker.c2d_topic",
		"broker.exchange",
		"broker.queue",
		"broker.pool_size",
		"broker.project_id",
		"broker.topic",
		"broker.subscription",
		"journal.type",
		"journal.dsn",
		"journal.uri",
		"journal.database",
		"journal.collection",
		"journal.path",
		"observability.enabled",
		"observability.service_name",
		"observability.tracing_url",
		"log.level",
		"log.format",
	} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	if err := viper.Unmarshal(c); err != nil {
		return err
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("preset", DefaultPreset)
	viper.SetDefault("receive_wait", time.Second)
	viper.SetDefault("broker.type", "mqtt")
	viper.SetDefault("broker.tls", true)
	viper.SetDefault("broker.auth", "sas")
	viper.SetDefault("broker.sas_token_ttl", time.Hour)
	viper.SetDefault("broker.connect_timeout", 30*time.Second)
	viper.SetDefault("broker.inbox_size", 16)
	viper.SetDefault("broker.pool_size", 2)
	viper.SetDefault("broker.exchange", "devices")
	viper.SetDefault("broker.topic", "device-events")
	viper.SetDefault("journal.type", "none")
	viper.SetDefault("journal.database", "devicesim")
	viper.SetDefault("journal.collection", "messages")
	viper.SetDefault("observability.service_name", "device-simulator")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
