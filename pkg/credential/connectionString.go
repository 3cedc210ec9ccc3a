package credential

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidConnectionString = errors.New("invalid device connection string")

// ConnectionString is a parsed device connection string of the form
// HostName=<host>;DeviceId=<id>;SharedAccessKey=<base64 key>.
type ConnectionString struct {
	HostName        string
	DeviceID        string
	ModuleID        string
	SharedAccessKey string
	GatewayHostName string
}

// Parse splits a connection string into its fields. Keys are matched
// case-insensitively, values keep everything after the first '='
// because base64 keys end in padding.
func Parse(raw string) (ConnectionString, error) {
	var cs ConnectionString
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok || value == "" {
			return ConnectionString{}, fmt.Errorf("%w: malformed segment %q", ErrInvalidConnectionString, key)
		}
		switch strings.ToLower(key) {
		case "hostname":
			cs.HostName = value
		case "deviceid":
			cs.DeviceID = value
		case "moduleid":
			cs.ModuleID = value
		case "sharedaccesskey":
			cs.SharedAccessKey = value
		case "gatewayhostname":
			cs.GatewayHostName = value
		default:
			return ConnectionString{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConnectionString, key)
		}
	}

	switch {
	case cs.HostName == "":
		return ConnectionString{}, fmt.Errorf("%w: HostName is required", ErrInvalidConnectionString)
	case cs.DeviceID == "":
		return ConnectionString{}, fmt.Errorf("%w: DeviceId is required", ErrInvalidConnectionString)
	case cs.SharedAccessKey == "":
		return ConnectionString{}, fmt.Errorf("%w: SharedAccessKey is required", ErrInvalidConnectionString)
	}
	return cs, nil
}

// Endpoint is the host the transport dials: the gateway when one is
// configured, the hub otherwise.
func (c ConnectionString) Endpoint() string {
	if c.GatewayHostName != "" {
		return c.GatewayHostName
	}
	return c.HostName
}

// ClientID identifies the device (or device module) to the broker.
func (c ConnectionString) ClientID() string {
	if c.ModuleID != "" {
		return c.DeviceID + "/" + c.ModuleID
	}
	return c.DeviceID
}

// ResourceURI is the audience a SAS token is scoped to.
func (c ConnectionString) ResourceURI() string {
	uri := c.HostName + "/devices/" + c.DeviceID
	if c.ModuleID != "" {
		uri += "/modules/" + c.ModuleID
	}
	return uri
}

// String redacts the key so connection strings are safe to log.
func (c ConnectionString) String() string {
	return fmt.Sprintf("HostName=%s;DeviceId=%s;SharedAccessKey=***", c.HostName, c.ClientID())
}
