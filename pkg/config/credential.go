package config

import (
	"errors"
	"os"
)

// ConnectionStringEnv names the environment variable that carries the
// device connection string.
const ConnectionStringEnv = "IOTHUB_DEVICE_CONNECTION_STRING"

var ErrMissingCredential = errors.New("environment variable '" + ConnectionStringEnv + "' is not set or is empty")

// DeviceCredential returns the device connection string from the
// environment, or ErrMissingCredential when it is unset or empty.
func DeviceCredential() (string, error) {
	value := os.Getenv(ConnectionStringEnv)
	if value == "" {
		return "", ErrMissingCredential
	}
	return value, nil
}
