package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"docsync/internal/config"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB holds the client and the database snapshots are stored in.
type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// NewMongo connects to the document database used when SNAPSHOT_BACKEND=mongo.
func NewMongo(ctx context.Context, cfg *config.Config) (*MongoDB, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().
		ApplyURI(cfg.MongoURI).
		SetTimeout(cfg.RepositoryTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	log.Printf("✓ MongoDB connected (database %s)", cfg.MongoDatabase)

	return &MongoDB{
		Client:   client,
		Database: client.Database(cfg.MongoDatabase),
	}, nil
}

// Close disconnects the client
func (m *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.Client.Disconnect(ctx)
}

func (m *MongoDB) Ping(ctx context.Context) error {
	return m.Client.Ping(ctx, nil)
}
