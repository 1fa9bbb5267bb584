package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"docsync/internal/models"

	"github.com/go-playground/assert/v2"
)

type fakeSnapshots struct {
	provisionFn func(ctx context.Context, id string) (models.Snapshot, bool, error)
	discarded   []string
	discardErr  error
}

func (f *fakeSnapshots) Provision(ctx context.Context, id string) (models.Snapshot, bool, error) {
	return f.provisionFn(ctx, id)
}

func (f *fakeSnapshots) Discard(ctx context.Context, id string) error {
	f.discarded = append(f.discarded, id)
	return f.discardErr
}

type fakeConfirmer struct {
	err       error
	lastToken string
	lastID    string
}

func (f *fakeConfirmer) Confirm(ctx context.Context, token, id string) error {
	f.lastToken, f.lastID = token, id
	return f.err
}

func created(isNew bool) func(ctx context.Context, id string) (models.Snapshot, bool, error) {
	return func(ctx context.Context, id string) (models.Snapshot, bool, error) {
		return models.Snapshot{DocumentID: id}, isNew, nil
	}
}

func TestProvisionConfirmed(t *testing.T) {
	snaps := &fakeSnapshots{provisionFn: created(true)}
	confirmer := &fakeConfirmer{}
	svc := NewProvisionService(snaps, confirmer)

	res, err := svc.Provision(context.Background(), "tok", "doc-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, res.Created)
	assert.Equal(t, "doc-1", res.Snapshot.DocumentID)
	assert.Equal(t, "tok", confirmer.lastToken)
	assert.Equal(t, 0, len(snaps.discarded))
}

func TestProvisionMintsID(t *testing.T) {
	svc := NewProvisionService(&fakeSnapshots{provisionFn: created(true)}, nil)

	res, err := svc.Provision(context.Background(), "", "")
	assert.Equal(t, nil, err)
	assert.Equal(t, 36, len(res.Snapshot.DocumentID))
}

func TestProvisionRollsBackCreatedSnapshot(t *testing.T) {
	snaps := &fakeSnapshots{provisionFn: created(true)}
	svc := NewProvisionService(snaps, &fakeConfirmer{err: errors.New("metadata store down")})

	_, err := svc.Provision(context.Background(), "tok", "doc-1")
	assert.Equal(t, true, errors.Is(err, ErrProvisionRolledBack))
	assert.Equal(t, []string{"doc-1"}, snaps.discarded)
}

func TestProvisionKeepsExistingSnapshot(t *testing.T) {
	snaps := &fakeSnapshots{provisionFn: created(false)}
	svc := NewProvisionService(snaps, &fakeConfirmer{err: errors.New("forbidden")})

	_, err := svc.Provision(context.Background(), "tok", "doc-1")
	assert.NotEqual(t, nil, err)
	assert.Equal(t, false, errors.Is(err, ErrProvisionRolledBack))
	assert.Equal(t, 0, len(snaps.discarded))
}

func TestProvisionFirstPhaseFailure(t *testing.T) {
	boom := errors.New("db down")
	snaps := &fakeSnapshots{provisionFn: func(ctx context.Context, id string) (models.Snapshot, bool, error) {
		return models.Snapshot{}, false, boom
	}}
	confirmer := &fakeConfirmer{}
	svc := NewProvisionService(snaps, confirmer)

	_, err := svc.Provision(context.Background(), "tok", "doc-1")
	assert.Equal(t, true, errors.Is(err, boom))
	assert.Equal(t, "", confirmer.lastID)
	assert.Equal(t, 0, len(snaps.discarded))
}

func TestRunSagaCompensatesInReverse(t *testing.T) {
	var order []string
	step := func(name string, fail bool) Step {
		return Step{
			Name: name,
			Do: func(ctx context.Context) error {
				if fail {
					return errors.New(name + " failed")
				}
				return nil
			},
			Compensate: func(ctx context.Context) error {
				order = append(order, name)
				if name == "a" {
					return errors.New("cannot undo a")
				}
				return nil
			},
		}
	}

	err := RunSaga(context.Background(), step("a", false), step("b", false), step("c", true), step("d", false))
	assert.NotEqual(t, nil, err)
	assert.Equal(t, []string{"b", "a"}, order)
	assert.Equal(t, true, strings.Contains(err.Error(), "cannot undo a"))

	order = nil
	assert.Equal(t, nil, RunSaga(context.Background(), step("a", false), step("b", false)))
	assert.Equal(t, 0, len(order))
}
