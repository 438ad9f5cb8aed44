package database

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/docstore"
	"github.com/AnshRaj112/hams-diary/internal/models"
)

// Connect dials MongoDB and returns the client with the named database.
// Diary transactions need a replica set or a sharded cluster.
func Connect(mongoURI, dbName string, log *zap.Logger) (*mongo.Client, *mongo.Database, error) {
	// Use longer timeout for Atlas connections
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(mongoURI)
	clientOptions.SetServerSelectionTimeout(10 * time.Second)

	log.Info("connecting to MongoDB")
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, err
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, err
	}

	log.Info("connected to MongoDB", zap.String("database", dbName))
	return client, client.Database(dbName), nil
}

func Disconnect(client *mongo.Client) error {
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.Disconnect(ctx)
}

// EnsureDiaryIndexes configures the indexes behind the diary views and the
// trash scan. Called on startup from main after Mongo has connected.
func EnsureDiaryIndexes(ctx context.Context, db *mongo.Database) error {
	diaries := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: docstore.FieldOwner, Value: 1},
				{Key: models.FieldDeleted, Value: 1},
				{Key: models.FieldEntryDate, Value: -1},
				{Key: models.FieldUpdatedAt, Value: -1},
			},
			Options: options.Index().SetName("idx_owner_deleted_entry_date"),
		},
		{
			Keys: bson.D{
				{Key: docstore.FieldOwner, Value: 1},
				{Key: models.FieldDeleted, Value: 1},
				{Key: models.FieldTimelineDate, Value: -1},
			},
			Options: options.Index().SetName("idx_owner_deleted_timeline_date"),
		},
		{
			// Cross-owner expired trash scan.
			Keys: bson.D{
				{Key: models.FieldDeleted, Value: 1},
				{Key: models.FieldDeletedAt, Value: 1},
			},
			Options: options.Index().SetName("idx_deleted_deleted_at"),
		},
	}
	days := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: docstore.FieldOwner, Value: 1},
				{Key: models.FieldDay, Value: 1},
			},
			Options: options.Index().SetName("idx_owner_day"),
		},
	}

	if _, err := db.Collection(models.DiaryCollection).Indexes().CreateMany(ctx, diaries); err != nil {
		return err
	}
	_, err := db.Collection(models.DiaryDayCollection).Indexes().CreateMany(ctx, days)
	return err
}
