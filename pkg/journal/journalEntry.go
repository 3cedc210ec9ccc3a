package journal

import "time"

// Status represents where a journaled message is in its lifecycle.
type Status string

const (
	StatusSent      Status = "sent"
	StatusReceived  Status = "received"
	StatusCompleted Status = "completed"
)

// Direction tells device-to-cloud and cloud-to-device entries apart.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Entry represents a message recorded in the journal.
type Entry struct {
	ID          string    `json:"id" bson:"id"`
	DeviceID    string    `json:"device_id" bson:"device_id"`
	Direction   Direction `json:"direction" bson:"direction"`
	Payload     []byte    `json:"payload" bson:"payload"`
	ContentType string    `json:"content_type,omitempty" bson:"content_type,omitempty"`
	Status      Status    `json:"status" bson:"status"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" bson:"updated_at"`
}
