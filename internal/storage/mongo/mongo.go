// Package mongo stores liturgy days and job runs in MongoDB. Multi-document
// writes use session transactions, so the deployment must be a replica set.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names.
const (
	DaysCollection         = "days"
	ReadingsCollection     = "readings"
	SaintsCollection       = "saints"
	CommentariesCollection = "commentaries"
	LiturgiesCollection    = "liturgies"
	JobRunsCollection      = "job_runs"
)

// Config addresses the deployment.
type Config struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// Connect dials and pings the deployment.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("store.mongo_uri is required")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the unique day key, the saint external ID index and
// the run listing index.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(DaysCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "date", Value: 1}, {Key: "lang", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("index days: %w", err)
	}
	_, err = db.Collection(SaintsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true).
			SetPartialFilterExpression(bson.M{"id": bson.M{"$type": "string", "$gt": ""}}),
	})
	if err != nil {
		return fmt.Errorf("index saints: %w", err)
	}
	_, err = db.Collection(JobRunsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("index job runs: %w", err)
	}
	return nil
}
