package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"docsync/internal/middleware"
	"docsync/internal/models"
	"docsync/internal/repository"
	"docsync/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
)

/*
Every active document gets its own worker goroutine. All work on a document
(joins, edits, undo, provisioning) is queued on that worker's channel and runs
one job at a time, so arrival order at the channel is the order edits are
applied and broadcast. Different documents run in parallel.

The worker keeps the authoritative snapshot in memory and writes through to
the repository after every change. A failed write leaves the worker dirty: it
keeps broadcasting from memory and retries the full snapshot on the next write
or idle tick. Workers exit once they are idle, clean and their room is empty,
and are recreated on demand.

If a fresh worker cannot read its snapshot, edits are still applied and
broadcast. The changed fields are kept in unsynced and written as a partial
patch, and merged over the stored snapshot once a read succeeds.
*/

var (
	ErrShuttingDown    = errors.New("sync engine is shutting down")
	ErrUnknownDocument = errors.New("unknown document")
	ErrHistoryDisabled = errors.New("undo history is not configured")
)

type EngineConfig struct {
	RepositoryTimeout   time.Duration
	HydrateRetryBackoff time.Duration
	IdleTimeout         time.Duration
	QueueSize           int
}

// Engine serializes and applies document changes and fans them out to the
// room. It reads room membership from the SessionStore but never changes it.
type Engine struct {
	repo     SnapshotRepository
	history  HistoryStore
	sessions *SessionStore
	metrics  *telemetry.Metrics
	cfg      EngineConfig
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*documentWorker
	closed  bool
}

type job struct {
	ctx  context.Context
	run  func(ctx context.Context, w *documentWorker)
	done chan struct{}
}

type documentWorker struct {
	id         string
	jobs       chan job
	pending    int // guarded by Engine.mu
	lastActive time.Time

	snapshot models.Snapshot
	loaded   bool
	dirty    bool
	unsynced *models.SnapshotPatch // changes accepted while not loaded
}

// NewEngine creates the engine. history may be nil, in which case undo and
// operation recording return ErrHistoryDisabled.
func NewEngine(
	repo SnapshotRepository,
	history HistoryStore,
	sessions *SessionStore,
	metrics *telemetry.Metrics,
	cfg EngineConfig,
) *Engine {
	if cfg.RepositoryTimeout <= 0 {
		cfg.RepositoryTimeout = 3 * time.Second
	}
	if cfg.HydrateRetryBackoff <= 0 {
		cfg.HydrateRetryBackoff = 200 * time.Millisecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		repo:     repo,
		history:  history,
		sessions: sessions,
		metrics:  metrics,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]*documentWorker),
	}
}

// Join loads or creates the snapshot and calls fn with it from inside the
// document's worker. Anything fn queues to a participant is therefore queued
// before any broadcast of a later edit.
func (e *Engine) Join(ctx context.Context, documentID string, fn func(models.Snapshot, error)) error {
	ctx, span := middleware.StartSpan(ctx, "Engine.Join", attribute.String("document.id", documentID))
	defer span.End()

	err := e.submit(ctx, documentID, func(ctx context.Context, w *documentWorker) {
		snap, err := e.hydrate(ctx, w)
		if err != nil {
			e.metrics.HydrationFailed(ctx)
			middleware.AddSpanError(ctx, err)
			log.Printf("❌ Failed to hydrate document %s: %v", documentID, err)
		}
		fn(snap, err)
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
	}
	return err
}

// ApplyEdit replaces one surface of the snapshot with the edit payload and
// broadcasts the payload to every room member except origin. origin may be nil.
// Edits for documents that were never created are dropped with ErrUnknownDocument.
// A snapshot that cannot be read does not hold up the broadcast.
func (e *Engine) ApplyEdit(ctx context.Context, edit models.Edit, origin Participant) error {
	ctx, span := middleware.StartSpan(ctx, "Engine.ApplyEdit",
		attribute.String("document.id", edit.DocumentID),
		attribute.String("edit.kind", string(edit.Kind)),
		attribute.Int("edit.size", len(edit.Payload)),
	)
	defer span.End()

	var result error
	err := e.submit(ctx, edit.DocumentID, func(ctx context.Context, w *documentWorker) {
		result = e.applyEdit(ctx, w, edit, origin)
	})
	if err == nil {
		err = result
	}
	if err != nil && !errors.Is(err, ErrUnknownDocument) {
		middleware.AddSpanError(ctx, err)
	}
	return err
}

func (e *Engine) applyEdit(ctx context.Context, w *documentWorker, edit models.Edit, origin Participant) error {
	_, _, err := e.current(ctx, w, false)
	switch {
	case errors.Is(err, ErrUnknownDocument):
		e.metrics.EditDropped(ctx, telemetry.DropUnknownDocument)
		log.Printf("⚠️  Ignoring %s edit for unknown document %s", edit.Kind, edit.DocumentID)
		return err
	case err != nil:
		e.metrics.PersistFailed(ctx)
		middleware.AddSpanError(ctx, err)
		log.Printf("⚠️  Failed to load document %s, applying %s edit unsynced: %v", edit.DocumentID, edit.Kind, err)

		var prev time.Time
		if w.unsynced != nil {
			prev = w.unsynced.UpdatedAt
		}
		e.persist(ctx, w, edit.Patch(e.stamp(prev)))
	default:
		patch := edit.Patch(e.stamp(w.snapshot.UpdatedAt))
		w.snapshot = patch.Apply(w.snapshot)
		e.persist(ctx, w, patch)
	}
	e.metrics.EditApplied(ctx, string(edit.Kind))

	e.broadcast(edit.DocumentID, models.UpdateMessage(edit.DocumentID, edit.Kind, edit.Payload), origin)
	return nil
}

// RecordInvertible appends op to the document's undo history.
func (e *Engine) RecordInvertible(ctx context.Context, documentID string, op models.Operation) error {
	if e.history == nil {
		return ErrHistoryDisabled
	}
	if err := op.Validate(); err != nil {
		return err
	}

	var result error
	err := e.submit(ctx, documentID, func(ctx context.Context, w *documentWorker) {
		rctx, cancel := e.repoContext(ctx)
		defer cancel()
		if err := e.history.Push(rctx, documentID, op); err != nil {
			result = fmt.Errorf("failed to record operation: %w", err)
		}
	})
	if err != nil {
		return err
	}
	return result
}

// Undo pops the newest history entry and applies its inverse to the content.
// The new content goes to every room member, the requester included. With an
// empty history the current snapshot is returned unchanged.
func (e *Engine) Undo(ctx context.Context, documentID string) (models.Snapshot, error) {
	if e.history == nil {
		return models.Snapshot{}, ErrHistoryDisabled
	}

	ctx, span := middleware.StartSpan(ctx, "Engine.Undo", attribute.String("document.id", documentID))
	defer span.End()

	var (
		out    models.Snapshot
		result error
	)
	err := e.submit(ctx, documentID, func(ctx context.Context, w *documentWorker) {
		out, result = e.undo(ctx, w)
	})
	if err == nil {
		err = result
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return models.Snapshot{}, err
	}
	return out, nil
}

func (e *Engine) undo(ctx context.Context, w *documentWorker) (models.Snapshot, error) {
	snap, _, err := e.current(ctx, w, false)
	if err != nil {
		return models.Snapshot{}, err
	}

	rctx, cancel := e.repoContext(ctx)
	op, ok, err := e.history.Pop(rctx, w.id)
	cancel()
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to pop history: %w", err)
	}
	if !ok {
		return snap, nil
	}

	inverse := op.Inverse()
	if !inverse.InRange(snap.Content) {
		log.Printf("⚠️  Undo %s at %d is out of range for document %s, clamping", inverse.Type, inverse.Index, w.id)
	}
	content := inverse.Apply(snap.Content)

	patch := models.SnapshotPatch{Content: &content, UpdatedAt: e.stamp(snap.UpdatedAt)}
	w.snapshot = patch.Apply(w.snapshot)
	e.persist(ctx, w, patch)
	e.metrics.UndoApplied(ctx)

	e.broadcast(w.id, models.UpdateMessage(w.id, models.EditContent, content), nil)
	return w.snapshot, nil
}

// Snapshot returns the current snapshot, creating an empty one if absent.
func (e *Engine) Snapshot(ctx context.Context, documentID string) (models.Snapshot, error) {
	var (
		out    models.Snapshot
		result error
	)
	err := e.submit(ctx, documentID, func(ctx context.Context, w *documentWorker) {
		out, _, result = e.current(ctx, w, true)
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	return out, result
}

// Provision creates the snapshot if it does not exist yet. created is true
// only when this call inserted it.
func (e *Engine) Provision(ctx context.Context, documentID string) (models.Snapshot, bool, error) {
	ctx, span := middleware.StartSpan(ctx, "Engine.Provision", attribute.String("document.id", documentID))
	defer span.End()

	var (
		out     models.Snapshot
		created bool
		result  error
	)
	err := e.submit(ctx, documentID, func(ctx context.Context, w *documentWorker) {
		out, created, result = e.current(ctx, w, true)
	})
	if err == nil {
		err = result
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return models.Snapshot{}, false, err
	}
	return out, created, nil
}

// Discard deletes the snapshot and forgets the cached copy. It exists to
// roll back a Provision whose follow-up step failed.
func (e *Engine) Discard(ctx context.Context, documentID string) error {
	var result error
	err := e.submit(ctx, documentID, func(ctx context.Context, w *documentWorker) {
		rctx, cancel := e.repoContext(ctx)
		defer cancel()

		if err := e.repo.Delete(rctx, documentID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			result = err
			return
		}
		w.snapshot = models.Snapshot{}
		w.loaded = false
		w.dirty = false
		w.unsynced = nil
	})
	if err != nil {
		return err
	}
	return result
}

// ActiveDocuments returns the number of running document workers.
func (e *Engine) ActiveDocuments() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

// Shutdown stops accepting work, lets every worker finish its queue and
// flushes snapshots whose last write failed.
func (e *Engine) Shutdown() {
	log.Println("🛑 Shutting down sync engine...")

	e.mu.Lock()
	e.closed = true
	active := len(e.workers)
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	log.Printf("✓ Sync engine stopped (%d active documents)", active)
}

// submit queues run on the document's worker and waits for it to finish.
// Once queued, a job runs to completion even if ctx is cancelled.
func (e *Engine) submit(ctx context.Context, documentID string, run func(ctx context.Context, w *documentWorker)) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	w, ok := e.workers[documentID]
	if !ok {
		w = &documentWorker{
			id:         documentID,
			jobs:       make(chan job, e.cfg.QueueSize),
			lastActive: e.now(),
		}
		e.workers[documentID] = w
		e.wg.Add(1)
		go e.run(w)
	}
	w.pending++
	e.mu.Unlock()

	j := job{ctx: context.WithoutCancel(ctx), run: run, done: make(chan struct{})}

	select {
	case w.jobs <- j:
	case <-ctx.Done():
		e.release(w)
		return ctx.Err()
	case <-e.ctx.Done():
		e.release(w)
		return ErrShuttingDown
	}

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release(w *documentWorker) {
	e.mu.Lock()
	w.pending--
	e.mu.Unlock()
}

func (e *Engine) run(w *documentWorker) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.IdleTimeout)
	defer ticker.Stop()

	for {
		select {
		case j := <-w.jobs:
			e.execute(w, j)

		case <-ticker.C:
			if w.dirty {
				e.flush(w)
			}
			if e.retire(w) {
				return
			}

		case <-e.ctx.Done():
			e.drain(w)
			return
		}
	}
}

func (e *Engine) execute(w *documentWorker, j job) {
	j.run(j.ctx, w)
	w.lastActive = e.now()
	close(j.done)
	e.release(w)
}

// retire removes an idle, clean worker with nothing queued and nobody in
// its room. A joined room keeps its snapshot in memory.
func (e *Engine) retire(w *documentWorker) bool {
	if w.dirty || e.now().Sub(w.lastActive) < e.cfg.IdleTimeout {
		return false
	}
	if len(e.sessions.Members(w.id)) > 0 {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if w.pending > 0 {
		return false
	}
	delete(e.workers, w.id)
	return true
}

// drain runs every job already accepted for w, then flushes it.
func (e *Engine) drain(w *documentWorker) {
	for {
		e.mu.Lock()
		if w.pending == 0 {
			delete(e.workers, w.id)
			e.mu.Unlock()
			break
		}
		e.mu.Unlock()

		select {
		case j := <-w.jobs:
			e.execute(w, j)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if w.dirty {
		e.flush(w)
	}
}

// current returns the cached snapshot, reading it from the repository on
// first use. With create set a missing snapshot is inserted empty.
func (e *Engine) current(ctx context.Context, w *documentWorker, create bool) (models.Snapshot, bool, error) {
	if w.loaded {
		return w.snapshot, false, nil
	}

	rctx, cancel := e.repoContext(ctx)
	defer cancel()

	var (
		snap    *models.Snapshot
		created bool
		err     error
	)
	if create {
		snap, created, err = e.repo.Create(rctx, w.id, e.now())
	} else {
		snap, err = e.repo.GetByDocumentID(rctx, w.id)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return models.Snapshot{}, false, fmt.Errorf("%w: %s", ErrUnknownDocument, w.id)
	}
	if err != nil {
		return models.Snapshot{}, false, err
	}

	w.snapshot = *snap
	w.loaded = true
	if w.unsynced != nil {
		// Changes accepted while the store was unreadable are newer than it.
		patch := *w.unsynced
		patch.UpdatedAt = laterOf(patch.UpdatedAt, w.snapshot.UpdatedAt)
		w.snapshot = patch.Apply(w.snapshot)
		w.unsynced = nil
		w.dirty = true
	}
	return w.snapshot, created, nil
}

// hydrate is current with create set and a single retry after a short backoff.
func (e *Engine) hydrate(ctx context.Context, w *documentWorker) (models.Snapshot, error) {
	snap, _, err := e.current(ctx, w, true)
	if err == nil {
		return snap, nil
	}

	log.Printf("⚠️  Hydration of %s failed, retrying in %s: %v", w.id, e.cfg.HydrateRetryBackoff, err)

	timer := time.NewTimer(e.cfg.HydrateRetryBackoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-e.ctx.Done():
		return models.Snapshot{}, err
	}

	snap, _, err = e.current(ctx, w, true)
	return snap, err
}

// persist writes patch through to the repository. A dirty worker writes the
// whole snapshot instead so the fields missed by earlier failures catch up.
// An unloaded worker only knows the fields it changed, so it writes those.
func (e *Engine) persist(ctx context.Context, w *documentWorker, patch models.SnapshotPatch) {
	switch {
	case !w.loaded && w.unsynced != nil:
		patch = mergePatch(*w.unsynced, patch)
	case w.dirty && w.loaded:
		patch = fullPatch(w.snapshot)
	}

	rctx, cancel := e.repoContext(ctx)
	defer cancel()

	if _, err := e.repo.Upsert(rctx, w.id, patch); err != nil {
		w.dirty = true
		if !w.loaded {
			w.unsynced = &patch
		}
		e.metrics.PersistFailed(ctx)
		middleware.AddSpanError(ctx, err)
		log.Printf("⚠️  Failed to persist document %s, durable copy is stale: %v", w.id, err)
		return
	}
	w.dirty = false
	w.unsynced = nil
}

func (e *Engine) flush(w *documentWorker) {
	patch := fullPatch(w.snapshot)
	if !w.loaded {
		if w.unsynced == nil {
			w.dirty = false
			return
		}
		patch = *w.unsynced
	}
	e.persist(context.Background(), w, patch)
	if !w.dirty {
		log.Printf("✓ Flushed document %s", w.id)
	}
}

func (e *Engine) broadcast(documentID string, msg []byte, skip Participant) {
	for _, p := range e.sessions.Members(documentID) {
		if skip != nil && p.ID() == skip.ID() {
			continue
		}
		p.Send(msg)
	}
}

// stamp returns the time for a new change; updatedAt never goes backwards.
func (e *Engine) stamp(prev time.Time) time.Time {
	return laterOf(e.now(), prev)
}

func laterOf(a, b time.Time) time.Time {
	if a.Before(b) {
		return b
	}
	return a
}

func (e *Engine) repoContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.RepositoryTimeout)
}

// mergePatch lays next over prev.
func mergePatch(prev, next models.SnapshotPatch) models.SnapshotPatch {
	if next.Content == nil {
		next.Content = prev.Content
	}
	if next.Code == nil {
		next.Code = prev.Code
	}
	next.UpdatedAt = laterOf(next.UpdatedAt, prev.UpdatedAt)
	return next
}

func fullPatch(s models.Snapshot) models.SnapshotPatch {
	content, code := s.Content, s.Code
	return models.SnapshotPatch{Content: &content, Code: &code, UpdatedAt: s.UpdatedAt}
}
