package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"docsync/internal/models"
	"docsync/internal/repository"
	"docsync/internal/telemetry"
)

var errUnavailable = errors.New("repository unavailable")

// memoryRepo is an in-memory SnapshotRepository with switchable failures.
type memoryRepo struct {
	mu          sync.Mutex
	snaps       map[string]models.Snapshot
	failUpsert  bool
	failGets    bool
	failCreates int
	upserts     int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{snaps: make(map[string]models.Snapshot)}
}

func (r *memoryRepo) GetByDocumentID(ctx context.Context, id string) (*models.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failGets {
		return nil, errUnavailable
	}
	s, ok := r.snaps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, id)
	}
	return &s, nil
}

func (r *memoryRepo) Create(ctx context.Context, id string, at time.Time) (*models.Snapshot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreates > 0 {
		r.failCreates--
		return nil, false, errUnavailable
	}
	if s, ok := r.snaps[id]; ok {
		return &s, false, nil
	}
	s := models.Snapshot{DocumentID: id, UpdatedAt: at}
	r.snaps[id] = s
	return &s, true, nil
}

func (r *memoryRepo) Upsert(ctx context.Context, id string, patch models.SnapshotPatch) (*models.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpsert {
		return nil, errUnavailable
	}
	r.upserts++
	s := patch.Apply(r.snaps[id])
	s.DocumentID = id
	r.snaps[id] = s
	return &s, nil
}

func (r *memoryRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.snaps[id]; !ok {
		return fmt.Errorf("%w: %s", repository.ErrNotFound, id)
	}
	delete(r.snaps, id)
	return nil
}

func (r *memoryRepo) setFailUpsert(fail bool) {
	r.mu.Lock()
	r.failUpsert = fail
	r.mu.Unlock()
}

func (r *memoryRepo) setFailGets(fail bool) {
	r.mu.Lock()
	r.failGets = fail
	r.mu.Unlock()
}

func (r *memoryRepo) stored(t *testing.T, id string) models.Snapshot {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snaps[id]
	if !ok {
		t.Fatalf("stored %s: not found", id)
	}
	return s
}

// memoryHistory is an in-memory HistoryStore.
type memoryHistory struct {
	mu  sync.Mutex
	ops map[string][]models.Operation
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{ops: make(map[string][]models.Operation)}
}

func (h *memoryHistory) Push(ctx context.Context, documentID string, op models.Operation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ops[documentID] = append(h.ops[documentID], op)
	return nil
}

func (h *memoryHistory) Pop(ctx context.Context, documentID string) (models.Operation, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ops := h.ops[documentID]
	if len(ops) == 0 {
		return models.Operation{}, false, nil
	}
	op := ops[len(ops)-1]
	h.ops[documentID] = ops[:len(ops)-1]
	return op, true, nil
}

func (h *memoryHistory) len(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ops[documentID])
}

// fakeParticipant records every message sent to it.
type fakeParticipant struct {
	id     string
	mu     sync.Mutex
	msgs   []models.OutboundMessage
	closed bool
}

func newParticipant(id string) *fakeParticipant {
	return &fakeParticipant{id: id}
}

func (p *fakeParticipant) ID() string { return p.id }

func (p *fakeParticipant) Send(msg []byte) bool {
	var out models.OutboundMessage
	if err := json.Unmarshal(msg, &out); err != nil {
		panic(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.msgs = append(p.msgs, out)
	return true
}

func (p *fakeParticipant) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakeParticipant) messages() []models.OutboundMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.OutboundMessage(nil), p.msgs...)
}

func (p *fakeParticipant) ofType(t models.MessageType) []models.OutboundMessage {
	var out []models.OutboundMessage
	for _, m := range p.messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (p *fakeParticipant) last(t *testing.T) models.OutboundMessage {
	t.Helper()
	msgs := p.messages()
	if len(msgs) == 0 {
		t.Fatalf("%s received nothing", p.id)
	}
	return msgs[len(msgs)-1]
}

type harness struct {
	repo      *memoryRepo
	history   *memoryHistory
	sessions  *SessionStore
	metrics   *telemetry.Metrics
	engine    *Engine
	lifecycle *Lifecycle
}

func newHarness(t *testing.T, cfg EngineConfig) *harness {
	t.Helper()
	if cfg.HydrateRetryBackoff == 0 {
		cfg.HydrateRetryBackoff = time.Millisecond
	}
	h := &harness{
		repo:     newMemoryRepo(),
		history:  newMemoryHistory(),
		sessions: NewSessionStore(),
		metrics:  telemetry.NewMetrics(),
	}
	h.engine = NewEngine(h.repo, h.history, h.sessions, h.metrics, cfg)
	h.lifecycle = NewLifecycle(h.engine, h.sessions, h.metrics)
	t.Cleanup(h.engine.Shutdown)
	return h
}

func strPtr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}
