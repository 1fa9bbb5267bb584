package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"docsync/internal/models"

	"gorm.io/gorm"
)

/*
UNDO HISTORY IN SQL

One row per recorded operation, ordered per document by seq.

Query patterns:
- Push: append with seq = max(seq)+1, then drop rows beyond the limit
- Pop: take and delete the newest row in one transaction
*/

// HistoryRepositoryImpl keeps the undo history in the snapshot database
type HistoryRepositoryImpl struct {
	db    *gorm.DB
	limit int
}

// NewHistoryRepository creates a new history repository that keeps at most
// limit entries per document.
func NewHistoryRepository(db *gorm.DB, limit int) *HistoryRepositoryImpl {
	return &HistoryRepositoryImpl{db: db, limit: limit}
}

// Push appends an operation to the document's history
func (r *HistoryRepositoryImpl) Push(ctx context.Context, documentID string, op models.Operation) error {
	encoded, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode operation: %w", err)
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&models.HistoryEntry{}).
			Where("document_id = ?", documentID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}

		entry := &models.HistoryEntry{
			DocumentID: documentID,
			Seq:        maxSeq + 1,
			Operation:  encoded,
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		if r.limit > 0 && entry.Seq > int64(r.limit) {
			return tx.Where("document_id = ? AND seq <= ?", documentID, entry.Seq-int64(r.limit)).
				Delete(&models.HistoryEntry{}).Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push history entry: %w", err)
	}

	return nil
}

// Pop removes and returns the newest operation. ok is false when the history is empty.
func (r *HistoryRepositoryImpl) Pop(ctx context.Context, documentID string) (models.Operation, bool, error) {
	var entry models.HistoryEntry

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).
			Order("seq DESC").
			First(&entry).Error; err != nil {
			return err
		}
		return tx.Delete(&models.HistoryEntry{}, "id = ?", entry.ID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Operation{}, false, nil
	}
	if err != nil {
		return models.Operation{}, false, fmt.Errorf("failed to pop history entry: %w", err)
	}

	op, err := entry.Decode()
	if err != nil {
		return models.Operation{}, false, err
	}
	return op, true, nil
}

// depth returns the number of entries kept for a document
func (r *HistoryRepositoryImpl) depth(ctx context.Context, documentID string) (int, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.HistoryEntry{}).
		Where("document_id = ?", documentID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count history entries: %w", err)
	}
	return int(count), nil
}
