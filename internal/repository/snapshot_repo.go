package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("snapshot not found")

// SnapshotRepositoryImpl stores document snapshots in Postgres through GORM.
// The create-if-absent and update paths are single INSERT ... ON CONFLICT
// statements, so simultaneous first joins cannot create duplicate rows.
type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db}
}

// GetByDocumentID returns the snapshot or ErrNotFound
func (r *SnapshotRepositoryImpl) GetByDocumentID(ctx context.Context, id string) (*models.Snapshot, error) {
	var snap models.Snapshot

	err := r.db.WithContext(ctx).First(&snap, "document_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	return &snap, nil
}

// Create inserts an empty snapshot unless one already exists. created is true
// only for the caller whose insert won.
func (r *SnapshotRepositoryImpl) Create(ctx context.Context, id string, at time.Time) (*models.Snapshot, bool, error) {
	row := &models.Snapshot{DocumentID: id, UpdatedAt: at}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}},
			DoNothing: true,
		}).
		Create(row)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to create snapshot: %w", result.Error)
	}

	snap, err := r.GetByDocumentID(ctx, id)
	if err != nil {
		return nil, false, err
	}

	return snap, result.RowsAffected == 1, nil
}

// Upsert writes only the fields set in patch, creating the snapshot if needed.
func (r *SnapshotRepositoryImpl) Upsert(ctx context.Context, id string, patch models.SnapshotPatch) (*models.Snapshot, error) {
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = time.Now().UTC()
	}
	row := patch.Apply(models.Snapshot{DocumentID: id})

	columns := []string{"updated_at"}
	if patch.Content != nil {
		columns = append(columns, "content")
	}
	if patch.Code != nil {
		columns = append(columns, "code")
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).
		Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert snapshot: %w", err)
	}

	return r.GetByDocumentID(ctx, id)
}

// Delete removes a snapshot. Only provisioning rollback uses it.
func (r *SnapshotRepositoryImpl) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&models.Snapshot{}, "document_id = ?", id)

	if result.Error != nil {
		return fmt.Errorf("failed to delete snapshot: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return nil
}
