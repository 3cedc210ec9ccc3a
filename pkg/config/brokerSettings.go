package config

import "time"

// BrokerSettings holds configuration for the device's broker connection.
// Host and device identity come from the connection string, not from here.
type BrokerSettings struct {
	Type           string        `mapstructure:"type" validate:"required,oneof=mqtt amqp pubsub"`
	Port           int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	TLS            bool          `mapstructure:"tls"`
	Auth           string        `mapstructure:"auth" validate:"oneof=sas key"`
	SASTokenTTL    time.Duration `mapstructure:"sas_token_ttl" validate:"gt=0"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	InboxSize      int           `mapstructure:"inbox_size" validate:"gt=0"`

	// MQTT
	EventsTopic string `mapstructure:"events_topic"`
	C2DTopic    string `mapstructure:"c2d_topic"`

	// RabbitMQ
	Exchange string `mapstructure:"exchange"`
	Queue    string `mapstructure:"queue"`
	PoolSize int    `mapstructure:"pool_size" validate:"gte=0"`

	// GCP Pub/Sub
	ProjectID    string `mapstructure:"project_id" validate:"required_if=Type pubsub"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}
