package models

import (
	"time"
)

// Snapshot is the durable, authoritative content of one document's two editor
// surfaces. There is at most one row per DocumentID.
type Snapshot struct {
	DocumentID string    `json:"documentId" gorm:"type:text;primaryKey"`
	Content    string    `json:"content" gorm:"type:text;not null"`
	Code       string    `json:"code" gorm:"type:text;not null"`
	UpdatedAt  time.Time `json:"updatedAt" gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName override
func (Snapshot) TableName() string {
	return "document_snapshots"
}

// SnapshotPatch is a partial upsert: nil fields are left untouched on an
// existing snapshot and default to "" when the snapshot is created.
type SnapshotPatch struct {
	Content   *string
	Code      *string
	UpdatedAt time.Time
}

// Apply returns s with the patch fields copied over.
func (p SnapshotPatch) Apply(s Snapshot) Snapshot {
	if p.Content != nil {
		s.Content = *p.Content
	}
	if p.Code != nil {
		s.Code = *p.Code
	}
	if !p.UpdatedAt.IsZero() {
		s.UpdatedAt = p.UpdatedAt
	}
	return s
}

// EditKind selects which surface an edit replaces.
type EditKind string

const (
	EditContent EditKind = "content"
	EditCode    EditKind = "code"
)

// Edit is a full replacement of one surface. It is never stored verbatim.
type Edit struct {
	DocumentID string
	Kind       EditKind
	Payload    string
}

// Patch converts the edit into the partial upsert that persists it.
func (e Edit) Patch(at time.Time) SnapshotPatch {
	payload := e.Payload
	patch := SnapshotPatch{UpdatedAt: at}
	if e.Kind == EditCode {
		patch.Code = &payload
	} else {
		patch.Content = &payload
	}
	return patch
}
