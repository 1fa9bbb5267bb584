package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"docsync/internal/middleware"
	"docsync/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

var ErrProvisionRolledBack = errors.New("provisioning rolled back")

// Step is one phase of a saga. Compensate undoes Do and only runs when a
// later step fails; a nil Compensate means there is nothing to undo.
type Step struct {
	Name       string
	Do         func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// RunSaga runs the steps in order. When a step fails, the steps that already
// succeeded are compensated in reverse order and the failure is returned.
// Compensation errors are logged and joined to the returned error.
func RunSaga(ctx context.Context, steps ...Step) error {
	for i, step := range steps {
		err := step.Do(ctx)
		if err == nil {
			continue
		}

		middleware.AddSpanError(ctx, err)
		failure := fmt.Errorf("%s: %w", step.Name, err)

		undoCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		for j := i - 1; j >= 0; j-- {
			done := steps[j]
			if done.Compensate == nil {
				continue
			}
			if cerr := done.Compensate(undoCtx); cerr != nil {
				log.Printf("❌ Compensation %s failed: %v", done.Name, cerr)
				failure = errors.Join(failure, fmt.Errorf("compensate %s: %w", done.Name, cerr))
				continue
			}
			middleware.AddSpanEvent(ctx, "saga.compensated", attribute.String("step", done.Name))
			log.Printf("  Compensated %s after %s failed", done.Name, step.Name)
		}
		return failure
	}
	return nil
}

// ProvisionResult is the outcome of a successful provisioning call.
type ProvisionResult struct {
	Snapshot models.Snapshot
	Created  bool
}

// ProvisionService creates a document's snapshot and confirms it against the
// metadata store. If confirmation fails, a snapshot created by this call is
// deleted again; a snapshot that already existed is left alone.
type ProvisionService struct {
	snapshots SnapshotProvisioner
	confirmer MetadataConfirmer
}

// NewProvisionService creates the service. confirmer may be nil when no
// metadata store is configured; provisioning is then a single local step.
func NewProvisionService(snapshots SnapshotProvisioner, confirmer MetadataConfirmer) *ProvisionService {
	return &ProvisionService{snapshots: snapshots, confirmer: confirmer}
}

// Provision creates the snapshot for documentID, minting a UUID when it is
// empty. token is forwarded to the metadata store.
func (s *ProvisionService) Provision(ctx context.Context, token, documentID string) (*ProvisionResult, error) {
	if documentID == "" {
		documentID = uuid.NewString()
	}

	ctx, span := middleware.StartSpan(ctx, "ProvisionService.Provision", attribute.String("document.id", documentID))
	defer span.End()

	result := &ProvisionResult{}
	steps := []Step{{
		Name: "create snapshot",
		Do: func(ctx context.Context) error {
			snap, created, err := s.snapshots.Provision(ctx, documentID)
			if err != nil {
				return err
			}
			result.Snapshot, result.Created = snap, created
			return nil
		},
		Compensate: func(ctx context.Context) error {
			if !result.Created {
				return nil
			}
			return s.snapshots.Discard(ctx, documentID)
		},
	}}

	if s.confirmer != nil {
		steps = append(steps, Step{
			Name: "confirm metadata",
			Do: func(ctx context.Context) error {
				return s.confirmer.Confirm(ctx, token, documentID)
			},
		})
	}

	if err := RunSaga(ctx, steps...); err != nil {
		if len(steps) > 1 && result.Created {
			return nil, fmt.Errorf("%w for %s: %w", ErrProvisionRolledBack, documentID, err)
		}
		return nil, fmt.Errorf("failed to provision %s: %w", documentID, err)
	}

	if result.Created {
		log.Printf("✓ Provisioned snapshot for document %s", documentID)
	}
	return result, nil
}
