// Package store persists flat task snapshots so the last known state of a task
// survives the registry's retention window and process restarts.
package store

import (
	"cmp"
	"context"
	"errors"
	"log"
	"slices"

	"github.com/ytget/ytdl-web/internal/model"
)

// SnapshotStore is implemented by every snapshot backend
type SnapshotStore interface {
	Save(ctx context.Context, s model.TaskSnapshot) error
	Get(ctx context.Context, id string) (model.TaskSnapshot, error)
	List(ctx context.Context) ([]model.TaskSnapshot, error)
	Delete(ctx context.Context, id string) error
}

// Multi writes to every store and reads from the first one that has the task
type Multi []SnapshotStore

func (m Multi) Save(ctx context.Context, s model.TaskSnapshot) error {
	var errs []error
	for _, st := range m {
		if err := st.Save(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Get(ctx context.Context, id string) (model.TaskSnapshot, error) {
	for _, st := range m {
		s, err := st.Get(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, model.ErrTaskNotFound) {
			log.Printf("store: get %s: %v", id, err)
		}
	}
	return model.TaskSnapshot{}, model.NotFound(id)
}

// List merges the snapshots of every store, newest first. A task found in
// several stores is taken from the first. Stores that fail are skipped unless
// all of them do.
func (m Multi) List(ctx context.Context) ([]model.TaskSnapshot, error) {
	var errs []error
	seen := make(map[string]struct{})
	var merged []model.TaskSnapshot
	for _, st := range m {
		list, err := st.List(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, s := range list {
			if _, dup := seen[s.ID]; dup {
				continue
			}
			seen[s.ID] = struct{}{}
			merged = append(merged, s)
		}
	}
	if len(errs) == len(m) && len(m) > 0 {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		log.Printf("store: list: %v", err)
	}
	slices.SortFunc(merged, func(a, b model.TaskSnapshot) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return merged, nil
}

func (m Multi) Delete(ctx context.Context, id string) error {
	var errs []error
	for _, st := range m {
		if err := st.Delete(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
