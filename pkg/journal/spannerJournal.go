package journal

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/grpc/codes"
)

var journalColumns = []string{"id", "device_id", "direction", "payload", "content_type", "status", "created_at", "updated_at"}

// SpannerJournal writes to a `journal` table with journalColumns and
// PRIMARY KEY (id).
type SpannerJournal struct {
	client *spanner.Client
}

func (s *SpannerJournal) Record(ctx context.Context, entry *Entry) error {
	ctx, span := startSpan(ctx, "Record")
	defer span.End()

	start := time.Now()
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate("journal", journalColumns, []interface{}{
			entry.ID,
			entry.DeviceID,
			string(entry.Direction),
			entry.Payload,
			entry.ContentType,
			string(entry.Status),
			entry.CreatedAt,
			entry.UpdatedAt,
		}),
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	addDBStatsToSpan(span, "spanner", "Record", 1, time.Since(start))
	return nil
}

func (s *SpannerJournal) MarkCompleted(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "MarkCompleted")
	defer span.End()

	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Update("journal", []string{"id", "status", "updated_at"},
			[]interface{}{id, string(StatusCompleted), time.Now().UTC()}),
	})
	if spanner.ErrCode(err) == codes.NotFound {
		return ErrEntryNotFound
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *SpannerJournal) Close() error {
	s.client.Close()
	return nil
}
