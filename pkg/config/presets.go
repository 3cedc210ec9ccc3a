package config

import "time"

// Preset is a named {interval, consumer} pair.
type Preset struct {
	PublishInterval time.Duration
	EnableConsumer  bool
}

const DefaultPreset = "duplex"

// Presets holds the two supported device profiles: a chatty device that
// also drains cloud-to-device messages, and a slow telemetry-only one.
var Presets = map[string]Preset{
	"duplex":    {PublishInterval: time.Second, EnableConsumer: true},
	"telemetry": {PublishInterval: 10 * time.Second, EnableConsumer: false},
}
