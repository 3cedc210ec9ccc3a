package journal

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoJournal struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoJournal(client *mongo.Client, database, collection string) *MongoJournal {
	return &MongoJournal{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoJournal) Record(ctx context.Context, entry *Entry) error {
	ctx, span := startSpan(ctx, "Record")
	defer span.End()

	startTime := time.Now()

	collection := m.client.Database(m.database).Collection(m.collection)
	filter := bson.M{"id": entry.ID}
	update := bson.M{
		"$set": bson.M{
			"status":     entry.Status,
			"updated_at": entry.UpdatedAt,
		},
		"$setOnInsert": bson.M{
			"device_id":    entry.DeviceID,
			"direction":    entry.Direction,
			"payload":      entry.Payload,
			"content_type": entry.ContentType,
			"created_at":   entry.CreatedAt,
		},
	}
	if _, err := collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "mongodb", "Record", 1, time.Since(startTime))
	return nil
}

func (m *MongoJournal) MarkCompleted(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "MarkCompleted")
	defer span.End()

	collection := m.client.Database(m.database).Collection(m.collection)
	filter := bson.M{"id": id}
	update := bson.M{
		"$set": bson.M{
			"status":     StatusCompleted,
			"updated_at": time.Now().UTC(),
		},
	}
	res, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if res.MatchedCount == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (m *MongoJournal) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
