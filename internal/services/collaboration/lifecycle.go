package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"docsync/internal/auth"
	"docsync/internal/models"
	"docsync/internal/telemetry"
)

type binding struct {
	documentID string
	role       auth.Role
}

// Lifecycle binds connections to document rooms. A connection is bound to at
// most one document at a time; joining another document leaves the first.
type Lifecycle struct {
	engine   *Engine
	sessions *SessionStore
	metrics  *telemetry.Metrics

	mu       sync.Mutex
	bindings map[string]binding // participantID -> binding
}

func NewLifecycle(engine *Engine, sessions *SessionStore, metrics *telemetry.Metrics) *Lifecycle {
	return &Lifecycle{
		engine:   engine,
		sessions: sessions,
		metrics:  metrics,
		bindings: make(map[string]binding),
	}
}

// Join binds p to documentID with the given role and hydrates it. Membership
// and the hydrate frame are both produced inside the document's worker, so p
// sees every edit applied after its snapshot and none before. On hydration
// failure p stays a member and receives an error frame.
func (l *Lifecycle) Join(ctx context.Context, p Participant, documentID string, role auth.Role) error {
	l.mu.Lock()
	if prev, ok := l.bindings[p.ID()]; ok && prev.documentID != documentID {
		l.sessions.Remove(prev.documentID, p)
	}
	l.bindings[p.ID()] = binding{documentID: documentID, role: role}
	l.mu.Unlock()

	return l.engine.Join(ctx, documentID, func(snap models.Snapshot, err error) {
		if !l.admit(p, documentID) {
			return
		}
		if err != nil {
			p.Send(models.ErrorMessage(documentID, "hydration_failed", "could not load document, try rejoining"))
			return
		}
		p.Send(models.HydrateMessage(snap))
	})
}

// admit adds p to the room if it is still bound to documentID.
func (l *Lifecycle) admit(p Participant, documentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bindings[p.ID()]
	if !ok || b.documentID != documentID {
		return false
	}
	l.sessions.Add(documentID, p)
	return true
}

// Leave unbinds p from documentID. It is a no-op if p is not bound there.
func (l *Lifecycle) Leave(p Participant, documentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.bindings[p.ID()]; ok && b.documentID == documentID {
		delete(l.bindings, p.ID())
	}
	l.sessions.Remove(documentID, p)
}

// Disconnect unbinds p from whatever document it is bound to.
func (l *Lifecycle) Disconnect(p Participant) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bindings[p.ID()]
	if !ok {
		return
	}
	delete(l.bindings, p.ID())
	l.sessions.Remove(b.documentID, p)
}

// Handle dispatches a validated command from p. Join is not handled here
// because it needs the caller's role.
func (l *Lifecycle) Handle(ctx context.Context, p Participant, cmd models.Command) error {
	switch cmd.Type {
	case models.MessageLeave:
		l.Leave(p, cmd.DocumentID)
		return nil
	case models.MessageEditContent, models.MessageEditCode:
		return l.HandleEdit(ctx, p, cmd)
	case models.MessageUndo:
		return l.HandleUndo(ctx, p, cmd.DocumentID)
	default:
		return fmt.Errorf("%w: unexpected %s", models.ErrInvalidMessage, cmd.Type)
	}
}

// HandleEdit applies an edit from p. Edits from connections that are not bound
// to the document or only hold the viewer role are dropped silently.
func (l *Lifecycle) HandleEdit(ctx context.Context, p Participant, cmd models.Command) error {
	if !l.authorized(ctx, p, cmd.DocumentID) {
		return nil
	}

	err := l.engine.ApplyEdit(ctx, cmd.Edit(), p)
	if errors.Is(err, ErrUnknownDocument) {
		return nil
	}
	if err != nil {
		return err
	}

	if cmd.Operation != nil {
		if err := l.engine.RecordInvertible(ctx, cmd.DocumentID, *cmd.Operation); err != nil && !errors.Is(err, ErrHistoryDisabled) {
			log.Printf("⚠️  Failed to record operation for %s: %v", cmd.DocumentID, err)
		}
	}
	return nil
}

// HandleUndo runs undo for p under the same rules as an edit.
func (l *Lifecycle) HandleUndo(ctx context.Context, p Participant, documentID string) error {
	if !l.authorized(ctx, p, documentID) {
		return nil
	}

	_, err := l.engine.Undo(ctx, documentID)
	if errors.Is(err, ErrUnknownDocument) {
		return nil
	}
	return err
}

func (l *Lifecycle) authorized(ctx context.Context, p Participant, documentID string) bool {
	l.mu.Lock()
	b, ok := l.bindings[p.ID()]
	l.mu.Unlock()

	switch {
	case !ok || b.documentID != documentID:
		l.metrics.EditDropped(ctx, telemetry.DropNotJoined)
		log.Printf("⚠️  Dropping change from %s: not joined to %s", p.ID(), documentID)
		return false
	case !auth.CanEdit(b.role):
		l.metrics.EditDropped(ctx, telemetry.DropViewerRole)
		log.Printf("⚠️  Dropping change from %s on %s: role %s cannot edit", p.ID(), documentID, b.role)
		return false
	}
	return true
}

// bound returns the document p is bound to.
func (l *Lifecycle) bound(p Participant) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bindings[p.ID()]
	return b.documentID, ok
}
