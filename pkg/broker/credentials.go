package broker

import (
	"time"

	"github.com/zoff-tech/go-devicesim/pkg/config"
	"github.com/zoff-tech/go-devicesim/pkg/credential"
)

// brokerPassword returns what the device presents as its password: a
// fresh SAS token, or the raw key for brokers that take it verbatim.
func brokerPassword(settings *config.BrokerSettings, cs credential.ConnectionString, now time.Time) (string, error) {
	if settings.Auth == "key" {
		return cs.SharedAccessKey, nil
	}
	return cs.Token(now, settings.SASTokenTTL)
}

func brokerPort(settings *config.BrokerSettings, tlsPort, plainPort int) int {
	if settings.Port > 0 {
		return settings.Port
	}
	if settings.TLS {
		return tlsPort
	}
	return plainPort
}
