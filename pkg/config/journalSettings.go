package config

// JournalSettings selects where sent and received messages are recorded.
type JournalSettings struct {
	Type       string `mapstructure:"type" validate:"oneof=none postgres spanner mongo bolt"`
	DSN        string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI        string `mapstructure:"uri" validate:"required_if=Type spanner,required_if=Type mongo"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
	Path       string `mapstructure:"path" validate:"required_if=Type bolt"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}
