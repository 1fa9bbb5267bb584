package api

import (
	"context"

	"docsync/internal/auth"
	"docsync/internal/models"
	"docsync/internal/services"
	"docsync/internal/services/collaboration"
	"docsync/internal/telemetry"
)

// Handlers declare only what they call; main wires the concrete types.

// CollaborationService is the part of the sync engine the REST endpoints use.
type CollaborationService interface {
	Snapshot(ctx context.Context, documentID string) (models.Snapshot, error)
	ApplyEdit(ctx context.Context, edit models.Edit, origin collaboration.Participant) error
	RecordInvertible(ctx context.Context, documentID string, op models.Operation) error
	ActiveDocuments() int
}

type Provisioner interface {
	Provision(ctx context.Context, token, documentID string) (*services.ProvisionResult, error)
}

type RoleResolver interface {
	RoleFor(ctx context.Context, id auth.Identity, documentID string) (auth.Role, error)
}

// RoomStats reports live membership for the stats endpoint.
type RoomStats interface {
	Rooms() int
	Participants() int
}

type MetricsSource interface {
	Snapshot() telemetry.MetricsSnapshot
}

// Pinger is a backing store the health check can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}
