package journal

import (
	"context"
	"errors"
)

var ErrEntryNotFound = errors.New("journal entry not found")

// Journal records the messages a device sends and receives.
type Journal interface {
	// Record inserts the entry, or overwrites one with the same ID.
	Record(ctx context.Context, entry *Entry) error
	// MarkCompleted flags an inbound entry as acknowledged.
	MarkCompleted(ctx context.Context, id string) error
	// Close releases the underlying connection or file.
	Close() error
}

// Noop discards everything. It is the default when no journal is configured.
type Noop struct{}

func (Noop) Record(context.Context, *Entry) error       { return nil }
func (Noop) MarkCompleted(context.Context, string) error { return nil }
func (Noop) Close() error                                { return nil }
