package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
Positional operations back the single-step undo. They are separate from the
full-replacement edit model: an editor that wants undo records the positional
change it just made, and undo applies the inverse to the current content.

Indices and lengths count runes, not bytes.
*/

var ErrInvalidOperation = errors.New("invalid operation")

type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
)

// Operation is the tagged variant insert{index,text} | delete{index,length}.
// A delete also carries the removed text so that it can be inverted.
type Operation struct {
	Type   OpType `json:"type"`
	Index  int    `json:"index"`
	Text   string `json:"text,omitempty"`
	Length int    `json:"length,omitempty"`
}

func Insert(index int, text string) Operation {
	return Operation{Type: OpInsert, Index: index, Text: text}
}

func Delete(index int, text string) Operation {
	return Operation{Type: OpDelete, Index: index, Text: text, Length: runeLen(text)}
}

// Validate checks the shape of an operation before it enters history.
func (o Operation) Validate() error {
	if o.Index < 0 {
		return fmt.Errorf("%w: negative index %d", ErrInvalidOperation, o.Index)
	}
	switch o.Type {
	case OpInsert:
		if o.Text == "" {
			return fmt.Errorf("%w: insert without text", ErrInvalidOperation)
		}
	case OpDelete:
		if o.Text == "" {
			return fmt.Errorf("%w: delete must carry the removed text", ErrInvalidOperation)
		}
		if o.Length != 0 && o.Length != runeLen(o.Text) {
			return fmt.Errorf("%w: delete length %d does not match text length %d",
				ErrInvalidOperation, o.Length, runeLen(o.Text))
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, o.Type)
	}
	return nil
}

// Inverse maps insert(i, text) to delete(i, |text|) and back.
func (o Operation) Inverse() Operation {
	switch o.Type {
	case OpInsert:
		return Delete(o.Index, o.Text)
	case OpDelete:
		return Insert(o.Index, o.Text)
	default:
		return o
	}
}

// Apply splices the operation into content. Out-of-range positions are clamped
// to [0, len(content)] instead of failing, so history and content never end up
// permanently out of step.
func (o Operation) Apply(content string) string {
	runes := []rune(content)
	idx := clamp(o.Index, 0, len(runes))

	switch o.Type {
	case OpInsert:
		out := make([]rune, 0, len(runes)+runeLen(o.Text))
		out = append(out, runes[:idx]...)
		out = append(out, []rune(o.Text)...)
		out = append(out, runes[idx:]...)
		return string(out)
	case OpDelete:
		n := o.Length
		if n == 0 {
			n = runeLen(o.Text)
		}
		end := clamp(idx+n, idx, len(runes))
		out := make([]rune, 0, len(runes)-(end-idx))
		out = append(out, runes[:idx]...)
		out = append(out, runes[end:]...)
		return string(out)
	default:
		return content
	}
}

// InRange reports whether applying o to content needs no clamping.
func (o Operation) InRange(content string) bool {
	n := runeLen(content)
	if o.Index < 0 || o.Index > n {
		return false
	}
	if o.Type == OpDelete {
		length := o.Length
		if length == 0 {
			length = runeLen(o.Text)
		}
		return o.Index+length <= n
	}
	return true
}

// HistoryEntry is one persisted operation in a document's undo history.
type HistoryEntry struct {
	ID         string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocumentID string    `gorm:"type:text;not null;index:idx_history_doc_seq" json:"document_id"`
	Seq        int64     `gorm:"not null;index:idx_history_doc_seq" json:"seq"`
	Operation  []byte    `gorm:"not null" json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// BeforeCreate generates KSUID
func (h *HistoryEntry) BeforeCreate(tx *gorm.DB) error {
	if h.ID == "" {
		h.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (HistoryEntry) TableName() string {
	return "history_entries"
}

func (h *HistoryEntry) Decode() (Operation, error) {
	var op Operation
	if err := json.Unmarshal(h.Operation, &op); err != nil {
		return Operation{}, fmt.Errorf("failed to decode history entry %s: %w", h.ID, err)
	}
	return op, nil
}

func runeLen(s string) int {
	return len([]rune(s))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
