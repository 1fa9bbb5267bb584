package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docsync/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// snapshotDoc is the stored shape: _id and doc_id both hold the document id.
type snapshotDoc struct {
	ID        string    `bson:"_id"`
	DocID     string    `bson:"doc_id"`
	Content   string    `bson:"content"`
	Code      string    `bson:"code"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (d snapshotDoc) toModel() *models.Snapshot {
	return &models.Snapshot{
		DocumentID: d.ID,
		Content:    d.Content,
		Code:       d.Code,
		UpdatedAt:  d.UpdatedAt,
	}
}

// MongoSnapshotRepository stores snapshots in a MongoDB collection keyed by
// document id. Upserts on _id are atomic per document.
type MongoSnapshotRepository struct {
	coll *mongo.Collection
}

// NewMongoSnapshotRepository creates a repository on the "documents" collection
func NewMongoSnapshotRepository(db *mongo.Database) *MongoSnapshotRepository {
	return &MongoSnapshotRepository{coll: db.Collection("documents")}
}

// GetByDocumentID returns the snapshot or ErrNotFound
func (r *MongoSnapshotRepository) GetByDocumentID(ctx context.Context, id string) (*models.Snapshot, error) {
	var doc snapshotDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return doc.toModel(), nil
}

// Create inserts an empty snapshot unless one already exists
func (r *MongoSnapshotRepository) Create(ctx context.Context, id string, at time.Time) (*models.Snapshot, bool, error) {
	update := bson.M{"$setOnInsert": bson.M{
		"doc_id":     id,
		"content":    "",
		"code":       "",
		"updated_at": at,
	}}

	res, err := r.upsertOnce(func() (*mongo.UpdateResult, error) {
		return r.coll.UpdateOne(ctx, bson.M{"_id": id}, update, options.Update().SetUpsert(true))
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create snapshot: %w", err)
	}

	snap, err := r.GetByDocumentID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return snap, res.UpsertedCount == 1, nil
}

// Upsert writes only the fields set in patch, creating the snapshot if needed
func (r *MongoSnapshotRepository) Upsert(ctx context.Context, id string, patch models.SnapshotPatch) (*models.Snapshot, error) {
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = time.Now().UTC()
	}

	set := bson.M{"updated_at": patch.UpdatedAt}
	onInsert := bson.M{"doc_id": id}
	if patch.Content != nil {
		set["content"] = *patch.Content
	} else {
		onInsert["content"] = ""
	}
	if patch.Code != nil {
		set["code"] = *patch.Code
	} else {
		onInsert["code"] = ""
	}

	update := bson.M{"$set": set, "$setOnInsert": onInsert}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc snapshotDoc
	_, err := r.upsertOnce(func() (*mongo.UpdateResult, error) {
		return nil, r.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&doc)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return doc.toModel(), nil
}

// Delete removes a snapshot. Only provisioning rollback uses it.
func (r *MongoSnapshotRepository) Delete(ctx context.Context, id string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// upsertOnce retries a single time when two concurrent upserts race on the
// same _id; the loser sees a duplicate key error and the retry takes the update path.
func (r *MongoSnapshotRepository) upsertOnce(fn func() (*mongo.UpdateResult, error)) (*mongo.UpdateResult, error) {
	res, err := fn()
	if mongo.IsDuplicateKeyError(err) {
		res, err = fn()
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &mongo.UpdateResult{}
	}
	return res, nil
}
