package journal

import (
	"context"
	"database/sql"
	"time"
)

// PostgresJournal expects:
//
//	CREATE TABLE journal (
//	    id           TEXT PRIMARY KEY,
//	    device_id    TEXT NOT NULL,
//	    direction    TEXT NOT NULL,
//	    payload      BYTEA,
//	    content_type TEXT,
//	    status       TEXT NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL,
//	    updated_at   TIMESTAMPTZ NOT NULL
//	);
type PostgresJournal struct {
	db *sql.DB // using database/sql
}

func (p *PostgresJournal) Record(ctx context.Context, entry *Entry) error {
	return p.withTransaction(ctx, "Record", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO journal (id, device_id, direction, payload, content_type, status, created_at, updated_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
             ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
			entry.ID, entry.DeviceID, entry.Direction, entry.Payload, entry.ContentType,
			entry.Status, entry.CreatedAt, entry.UpdatedAt)
		return err
	})
}

func (p *PostgresJournal) MarkCompleted(ctx context.Context, id string) error {
	return p.withTransaction(ctx, "MarkCompleted", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE journal SET status=$1, updated_at=$2 WHERE id=$3`,
			StatusCompleted, time.Now().UTC(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrEntryNotFound
		}
		return nil
	})
}

func (p *PostgresJournal) Close() error {
	return p.db.Close()
}

func (p *PostgresJournal) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	ctx, span := startSpan(ctx, spanName)
	defer span.End()

	start := time.Now()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if err = fn(ctx, tx); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", spanName, 1, time.Since(start))
	return nil
}
