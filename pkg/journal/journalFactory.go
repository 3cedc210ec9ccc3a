package journal

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/go-devicesim/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var sqlOpen = sql.Open

var NewSpannerJournalFactory = func(client *spanner.Client) Journal {
	return &SpannerJournal{client: client}
}

func NewJournal(ctx context.Context, cfg config.JournalSettings) (Journal, error) {
	switch cfg.Type {
	case "", "none":
		return Noop{}, nil
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &PostgresJournal{db: db}, nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerJournalFactory(client), nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		return NewMongoJournal(client, cfg.Database, cfg.Collection), nil
	case "bolt":
		return NewBoltJournal(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported journal type: %s", cfg.Type)
	}
}
