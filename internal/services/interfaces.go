package services

import (
	"context"

	"docsync/internal/models"
)

// Interfaces live with their consumer. The collaboration engine satisfies
// SnapshotProvisioner; the document service client satisfies MetadataConfirmer.

// SnapshotProvisioner is the first, local phase of provisioning.
type SnapshotProvisioner interface {
	Provision(ctx context.Context, documentID string) (models.Snapshot, bool, error)
	Discard(ctx context.Context, documentID string) error
}

// MetadataConfirmer is the second phase: the metadata store must know the
// document before the snapshot is kept.
type MetadataConfirmer interface {
	Confirm(ctx context.Context, token, documentID string) error
}
