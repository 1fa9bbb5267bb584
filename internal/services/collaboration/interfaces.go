package collaboration

import (
	"context"
	"time"

	"docsync/internal/auth"
	"docsync/internal/models"
)

// SnapshotRepository is what the engine needs from durable snapshot storage.
// Both the Postgres and the Mongo repositories satisfy it.
type SnapshotRepository interface {
	GetByDocumentID(ctx context.Context, id string) (*models.Snapshot, error)
	Create(ctx context.Context, id string, at time.Time) (*models.Snapshot, bool, error)
	Upsert(ctx context.Context, id string, patch models.SnapshotPatch) (*models.Snapshot, error)
	Delete(ctx context.Context, id string) error
}

// HistoryStore keeps the per-document undo log.
type HistoryStore interface {
	Push(ctx context.Context, documentID string, op models.Operation) error
	Pop(ctx context.Context, documentID string) (models.Operation, bool, error)
}

// Participant is one live connection that can be a member of a room.
// Send must not block; it reports false when the message was not queued.
type Participant interface {
	ID() string
	Send(msg []byte) bool
	Close()
}

// RoleResolver answers the caller's role on a document.
type RoleResolver interface {
	RoleFor(ctx context.Context, id auth.Identity, documentID string) (auth.Role, error)
}
