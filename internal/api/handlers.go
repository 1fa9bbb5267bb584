package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"docsync/internal/auth"
	"docsync/internal/models"
	"docsync/internal/services"
	"docsync/internal/services/collaboration"

	"github.com/gorilla/mux"
)

// Handler serves the REST side of the sync service.
type Handler struct {
	collab        CollaborationService
	provisioner   Provisioner
	authenticator *auth.Authenticator
	roles         RoleResolver
	rooms         RoomStats
	metrics       MetricsSource
	checks        map[string]Pinger
	wsHandler     *collaboration.WebSocketHandler
}

func NewHandler(
	collab CollaborationService,
	provisioner Provisioner,
	authenticator *auth.Authenticator,
	roles RoleResolver,
	rooms RoomStats,
	metrics MetricsSource,
	checks map[string]Pinger,
	wsHandler *collaboration.WebSocketHandler,
) *Handler {
	return &Handler{
		collab:        collab,
		provisioner:   provisioner,
		authenticator: authenticator,
		roles:         roles,
		rooms:         rooms,
		metrics:       metrics,
		checks:        checks,
		wsHandler:     wsHandler,
	}
}

// Collaboration handlers

// GetCollaboration returns the snapshot, creating an empty one if needed.
func (h *Handler) GetCollaboration(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := h.authorize(w, r, id, false); !ok {
		return
	}

	snap, err := h.collab.Snapshot(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

type updateRequest struct {
	Content   *string           `json:"content"`
	Code      *string           `json:"code"`
	Operation *models.Operation `json:"operation"`
}

// UpdateCollaboration applies a REST edit exactly like a websocket edit:
// last writer wins, and every connected participant receives the update.
func (h *Handler) UpdateCollaboration(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Content == nil && req.Code == nil {
		http.Error(w, "content or code is required", http.StatusBadRequest)
		return
	}
	if req.Operation != nil {
		if err := req.Operation.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if _, ok := h.authorize(w, r, id, true); !ok {
		return
	}

	ctx := r.Context()
	if req.Content != nil {
		if err := h.collab.ApplyEdit(ctx, models.Edit{DocumentID: id, Kind: models.EditContent, Payload: *req.Content}, nil); err != nil {
			respondError(w, err)
			return
		}
	}
	if req.Code != nil {
		if err := h.collab.ApplyEdit(ctx, models.Edit{DocumentID: id, Kind: models.EditCode, Payload: *req.Code}, nil); err != nil {
			respondError(w, err)
			return
		}
	}
	if req.Operation != nil {
		if err := h.collab.RecordInvertible(ctx, id, *req.Operation); err != nil && !errors.Is(err, collaboration.ErrHistoryDisabled) {
			log.Printf("⚠️  Failed to record operation for %s: %v", id, err)
		}
	}

	snap, err := h.collab.Snapshot(ctx, id)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

type provisionRequest struct {
	DocumentID string `json:"documentId"`
}

// ProvisionDocument creates the snapshot for a document the metadata store
// has just created. It answers 201 when the snapshot is new and 200 when it
// already existed.
func (h *Handler) ProvisionDocument(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticator.FromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.provisioner.Provision(r.Context(), identity.Token, req.DocumentID)
	if err != nil {
		log.Printf("❌ Provisioning failed: %v", err)
		switch {
		case errors.Is(err, auth.ErrNoAccess):
			http.Error(w, "document is not known to the metadata store", http.StatusForbidden)
		case errors.Is(err, services.ErrProvisionRolledBack):
			http.Error(w, "document metadata could not be confirmed", http.StatusBadGateway)
		default:
			respondError(w, err)
		}
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result.Snapshot)
}

// Operational handlers

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, pinger := range h.checks {
		if err := pinger.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": checks,
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms":           h.rooms.Rooms(),
		"participants":    h.rooms.Participants(),
		"activeDocuments": h.collab.ActiveDocuments(),
		"metrics":         h.metrics.Snapshot(),
	})
}

// authorize authenticates the caller and checks its role on the document.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, documentID string, edit bool) (auth.Identity, bool) {
	identity, err := h.authenticator.FromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return identity, false
	}

	role, err := h.roles.RoleFor(r.Context(), identity, documentID)
	switch {
	case errors.Is(err, auth.ErrNoAccess):
		http.Error(w, "no access to this document", http.StatusForbidden)
		return identity, false
	case err != nil:
		log.Printf("⚠️  Role lookup for %s on %s failed: %v", identity.UserID, documentID, err)
		http.Error(w, "could not verify access", http.StatusBadGateway)
		return identity, false
	case edit && !auth.CanEdit(role):
		http.Error(w, "viewers cannot edit", http.StatusForbidden)
		return identity, false
	}
	return identity, true
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, collaboration.ErrUnknownDocument):
		http.Error(w, "document not found", http.StatusNotFound)
	case errors.Is(err, collaboration.ErrShuttingDown):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "repository timeout", http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
