package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	journal, err := NewBoltJournal(path)
	require.NoError(t, err)

	ctx := context.Background()
	entry := testEntry()
	entry.Direction = DirectionInbound
	entry.Status = StatusReceived
	require.NoError(t, journal.Record(ctx, entry))

	got, err := journal.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, got.Status)
	assert.Equal(t, entry.Payload, got.Payload)
	assert.True(t, entry.CreatedAt.Equal(got.CreatedAt))

	require.NoError(t, journal.MarkCompleted(ctx, entry.ID))
	got, err = journal.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	assert.ErrorIs(t, journal.MarkCompleted(ctx, "missing"), ErrEntryNotFound)
	require.NoError(t, journal.Close())

	// Entries survive reopening the file.
	reopened, err := NewBoltJournal(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err = reopened.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}
