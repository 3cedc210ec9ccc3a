package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ContentTypeJSON = "application/json"
	EncodingUTF8    = "utf-8"

	// TimestampLayout renders UTC with seven fractional digits and a zone
	// designator, e.g. 2026-10-19T08:00:00.1234567Z.
	TimestampLayout = "2006-01-02T15:04:05.0000000Z07:00"
)

// Outbound is a device-to-cloud message. Build one per publish and do
// not modify it after it has been handed to a client.
type Outbound struct {
	ID              string
	Body            []byte
	ContentType     string
	ContentEncoding string
	CreatedAt       time.Time
}

// TimestampPayload is the JSON body the simulator publishes.
type TimestampPayload struct {
	Timestamp string `json:"timestamp"`
}

// NewTimestamp builds the JSON {"timestamp": ...} message for now.
func NewTimestamp(now time.Time) (*Outbound, error) {
	now = now.UTC()
	body, err := json.Marshal(TimestampPayload{Timestamp: now.Format(TimestampLayout)})
	if err != nil {
		return nil, fmt.Errorf("marshal timestamp payload: %w", err)
	}
	return &Outbound{
		ID:              uuid.NewString(),
		Body:            body,
		ContentType:     ContentTypeJSON,
		ContentEncoding: EncodingUTF8,
		CreatedAt:       now,
	}, nil
}

// Inbound is a cloud-to-device message. LockToken is the handle the
// receiving client needs to acknowledge it.
type Inbound struct {
	ID         string
	LockToken  string
	Body       []byte
	Properties map[string]string
	ReceivedAt time.Time
}

// Text decodes the payload as UTF-8. Invalid sequences come back as
// U+FFFD rather than failing, since the body is only logged.
func (m *Inbound) Text() string {
	return strings.ToValidUTF8(string(m.Body), "\uFFFD")
}
